// Package logging builds the agent's zap logger and adapts it to external
// log sinks.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

// Config holds logging configuration.
type Config struct {
	Level      string `json:"level"`                 // debug, info, warn, error
	Format     string `json:"format"`                // json, console, auto
	OutputPath string `json:"output_path,omitempty"` // stderr, stdout or a file path
}

// New builds a logger from cfg. Unknown levels fall back to info.
func New(cfg Config) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var zc zap.Config
	if useConsole(cfg) {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.Development = false
	zc.OutputPaths = []string{"stderr"}
	if cfg.OutputPath != "" {
		zc.OutputPaths = []string{cfg.OutputPath}
	}

	return zc.Build(zap.AddStacktrace(zapcore.ErrorLevel))
}

func useConsole(cfg Config) bool {
	switch cfg.Format {
	case "console":
		return true
	case "json":
		return false
	}
	if cfg.OutputPath != "" && cfg.OutputPath != "stderr" {
		return false
	}
	return term.IsTerminal(int(os.Stderr.Fd()))
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
