// Package logging builds the hub's process-wide zap logger. Everything the
// hub emits is JSON with ISO8601 timestamps so log shippers can ingest it
// without per-line parsing rules.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the hub logger at the given level, case-insensitive
// ("debug" through "fatal"). Caller annotations are kept only at debug to
// keep the per-frame logging path cheap.
func NewLogger(level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.Set(strings.ToLower(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Encoding = "json"
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.MessageKey = "msg"
	cfg.EncoderConfig.EncodeDuration = zapcore.MillisDurationEncoder
	cfg.DisableCaller = lvl > zapcore.DebugLevel

	return cfg.Build(zap.Fields(zap.String("service", "lockframe-hub")))
}
