package telemetry

import (
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Logger interface {
	Debugf(tmp string, args ...interface{})
	Infof(tmp string, args ...interface{})
	Warnf(tmp string, args ...interface{})
	Errorf(tmp string, args ...interface{})
	Fatalf(tmp string, args ...interface{})
	Panicf(tmp string, args ...interface{})
}

var _ Logger = (*ZapLogger)(nil)

type ZapLogger struct {
	logger *zap.SugaredLogger
}

type LogConfig struct {
	ServiceName, ServiceHost, LogFileName string

	// Minimum enabled level, the zero value is info
	Level zapcore.Level
}

var global atomic.Pointer[ZapLogger]

// Log returns the process wide logger, a no-op logger until Init or SetLogger is called
func Log() Logger {
	if l := global.Load(); l != nil {
		return l
	}

	return nop
}

func SetLogger(l *ZapLogger) {
	global.Store(l)
}

var nop = &ZapLogger{logger: zap.NewNop().Sugar()}

// Nop returns a logger that discards everything
func Nop() Logger {
	return nop
}

func NewZapLogger(cfg LogConfig) *ZapLogger {
	config := zap.NewProductionEncoderConfig()
	config.TimeKey = "@timestamp"
	config.MessageKey = "message"
	config.LevelKey = "log.level"
	config.EncodeTime = zapcore.ISO8601TimeEncoder
	consoleEncoder := zapcore.NewConsoleEncoder(config)
	logFields := zap.Fields(
		zap.String("service.name", cfg.ServiceName),
		zap.String("service.host", cfg.ServiceHost),
	)

	cores := []zapcore.Core{
		zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stdout), cfg.Level),
	}
	if cfg.LogFileName != "" {
		logFile, err := os.OpenFile(cfg.LogFileName, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err == nil {
			fileEncoder := zapcore.NewJSONEncoder(config)
			cores = append(cores, zapcore.NewCore(fileEncoder, zapcore.AddSync(logFile), cfg.Level))
		}
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddCallerSkip(1), zap.AddStacktrace(zapcore.ErrorLevel), logFields)
	return &ZapLogger{
		logger: logger.Sugar(),
	}
}

// Sync flushes buffered log entries
func (zl *ZapLogger) Sync() error {
	return zl.logger.Sync()
}

func (zl *ZapLogger) Debugf(tmp string, args ...interface{}) {
	zl.logger.Debugf(tmp, args...)
}

func (zl *ZapLogger) Infof(tmp string, args ...interface{}) {
	zl.logger.Infof(tmp, args...)
}

func (zl *ZapLogger) Warnf(tmp string, args ...interface{}) {
	zl.logger.Warnf(tmp, args...)
}

func (zl *ZapLogger) Errorf(tmp string, args ...interface{}) {
	zl.logger.Errorf(tmp, args...)
}

func (zl *ZapLogger) Fatalf(tmp string, args ...interface{}) {
	zl.logger.Fatalf(tmp, args...)
}

func (zl *ZapLogger) Panicf(tmp string, args ...interface{}) {
	zl.logger.Panicf(tmp, args...)
}
