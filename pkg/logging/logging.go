// Package logging sets up the process-wide zap.Logger: colored dev
// console output or JSON in production, named per process.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a development-style zap logger: colored level, no caller/
// stacktrace noise, named "cubed". Pass development=false for a
// production JSON encoder.
func New(development bool) *zap.Logger {
	if !development {
		log := zap.Must(zap.NewProduction())
		return log.Named("cubed")
	}

	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.TimeKey = ""
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cfg.DisableStacktrace = true
	cfg.DisableCaller = true

	log := zap.Must(cfg.Build())
	return log.Named("cubed")
}
