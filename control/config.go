// control/config.go
// Author: momentics <momentics@gmail.com>
//
// Thread-safe configuration store with dynamic update and hot-reload propagation.

package control

import (
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ReloadFunc receives the keys changed by one update.
type ReloadFunc func(changed map[string]any) error

// ConfigStore is a dynamic key/value map with atomic snapshot and listener support.
type ConfigStore struct {
	mu        sync.RWMutex
	config    map[string]any
	listeners []ReloadFunc
	logger    *zap.Logger
}

// NewConfigStore initializes a new config store with empty data. logger may
// be nil.
func NewConfigStore(logger *zap.Logger) *ConfigStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConfigStore{
		config: make(map[string]any),
		logger: logger.Named("config"),
	}
}

// GetSnapshot returns a copy of all config values.
func (cs *ConfigStore) GetSnapshot() map[string]any {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	out := make(map[string]any, len(cs.config))
	for k, v := range cs.config {
		out[k] = v
	}
	return out
}

// Get returns one value.
func (cs *ConfigStore) Get(key string) (any, bool) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	v, ok := cs.config[key]
	return v, ok
}

// Publish stores values without notifying listeners. The runtime uses it to
// expose its effective configuration.
func (cs *ConfigStore) Publish(values map[string]any) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for k, v := range values {
		cs.config[k] = v
	}
}

// SetConfig merges new values and dispatches reload asynchronously.
// Listener errors are logged.
func (cs *ConfigStore) SetConfig(newCfg map[string]any) {
	changed, listeners := cs.merge(newCfg)
	if len(changed) == 0 {
		return
	}
	for _, fn := range listeners {
		go func(fn ReloadFunc) {
			if err := fn(changed); err != nil {
				cs.logger.Warn("config reload rejected", zap.Error(err))
			}
		}(fn)
	}
}

// Apply merges new values and runs every listener before returning. The
// errors of all listeners are combined.
func (cs *ConfigStore) Apply(newCfg map[string]any) error {
	changed, listeners := cs.merge(newCfg)
	if len(changed) == 0 {
		return nil
	}
	var err error
	for _, fn := range listeners {
		err = multierr.Append(err, fn(changed))
	}
	return err
}

func (cs *ConfigStore) merge(newCfg map[string]any) (map[string]any, []ReloadFunc) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	changed := make(map[string]any, len(newCfg))
	for k, v := range newCfg {
		if old, ok := cs.config[k]; ok && old == v {
			continue
		}
		cs.config[k] = v
		changed[k] = v
	}
	return changed, append([]ReloadFunc(nil), cs.listeners...)
}

// OnReload registers a listener hook called on config changes.
func (cs *ConfigStore) OnReload(fn ReloadFunc) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.listeners = append(cs.listeners, fn)
}
