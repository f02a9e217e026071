// control/control.go
// Author: momentics <momentics@gmail.com>

package control

import "go.uber.org/zap"

// Control bundles the configuration store, metrics snapshot and debug probes
// of one runtime.
type Control struct {
	Config  *ConfigStore
	Metrics *MetricsRegistry
	Debug   *DebugProbes
}

// New creates a control plane with the platform probes registered.
func New(logger *zap.Logger) *Control {
	c := &Control{
		Config:  NewConfigStore(logger),
		Metrics: NewMetricsRegistry(),
		Debug:   NewDebugProbes(),
	}
	RegisterPlatformProbes(c.Debug)
	return c
}

// Stats merges the metrics snapshot with the probe output, probes prefixed
// with "debug.".
func (c *Control) Stats() map[string]any {
	combined := c.Metrics.GetSnapshot()
	for k, v := range c.Debug.DumpState() {
		combined["debug."+k] = v
	}
	return combined
}
