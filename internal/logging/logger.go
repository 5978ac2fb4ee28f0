// Package logging provides zap logger helpers.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Service is attached to every log line.
const Service = "mirrulations"

// New builds a zap.Logger configured for development or production and names it
// after the component (client, generate, serve).
func New(development bool, component string) (*zap.Logger, error) {
	var (
		cfg zap.Config
		env string
	)
	if development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		env = "dev"
	} else {
		cfg = zap.NewProductionConfig()
		cfg.DisableStacktrace = false
		env = "prod"
	}
	cfg.EncoderConfig.TimeKey = "ts"
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build %s logger: %w", env, err)
	}
	if component != "" {
		logger = logger.Named(component)
	}
	return logger.With(zap.String("service", Service)), nil
}

// Install makes logger the zap global and routes the standard library logger
// through it. The returned func restores both.
func Install(logger *zap.Logger) func() {
	undoGlobals := zap.ReplaceGlobals(logger)
	undoStd := zap.RedirectStdLog(logger)
	return func() {
		undoStd()
		undoGlobals()
	}
}
