package logging

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a logger with datetime and caller information that splits
// output to stdout and stderr based on level. format is "console" or
// "json".
func New(level, format string) (*zap.Logger, error) {
	return newLogger(level, format, os.Stdout, os.Stderr)
}

func newLogger(level, format string, stdout, stderr io.Writer) (*zap.Logger, error) {
	var min zapcore.Level
	if err := min.UnmarshalText([]byte(level)); err != nil {
		return nil, errors.Wrapf(err, "log level %q", level)
	}

	isErrorLevel := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl >= zapcore.ErrorLevel && lvl >= min
	})
	isInfoLevel := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl < zapcore.ErrorLevel && lvl >= min
	})

	config := zap.NewProductionEncoderConfig()
	config.EncodeTime = zapcore.RFC3339TimeEncoder
	var encoder zapcore.Encoder
	switch format {
	case "", "console":
		config.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(config)
	case "json":
		encoder = zapcore.NewJSONEncoder(config)
	default:
		return nil, errors.Errorf("unknown log format %q", format)
	}

	core := zapcore.NewTee(
		zapcore.NewCore(encoder, zapcore.AddSync(stderr), isErrorLevel),
		zapcore.NewCore(encoder, zapcore.AddSync(stdout), isInfoLevel),
	)
	return zap.New(core, zap.AddCaller()), nil
}
