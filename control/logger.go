// control/logger.go
// Author: momentics <momentics@gmail.com>

package control

import (
	"go.uber.org/zap"

	"github.com/momentics/hioload-rt/api"
)

// NewLogger builds the runtime logger. level is a zap level name ("debug",
// "info", ...); an empty level keeps the preset default.
func NewLogger(level string, development bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	if level != "" {
		lvl, err := zap.ParseAtomicLevel(level)
		if err != nil {
			return nil, api.Wrap(api.ErrCodeBadParameter, err, "invalid log level").WithContext("level", level)
		}
		cfg.Level = lvl
	}
	return cfg.Build()
}
