package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var log = zap.NewNop()

// Init inicializa el logger global en JSON. level vacío = info.
func Init(level string) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "json"
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.MessageKey = "msg"
	cfg.EncoderConfig.LevelKey = "level"
	cfg.EncoderConfig.CallerKey = "caller"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			panic(err)
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}

	l, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	log = l.With(zap.String("service", "agentbox"))
}

// Sugar retorna un logger printf-like
func Sugar() *zap.SugaredLogger {
	return log.Sugar()
}

// Logger retorna el logger estructurado
func Logger() *zap.Logger {
	return log
}
