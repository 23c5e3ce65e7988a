package logger

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	LOGGER_FILE      = "launcher.log"
	LOG_MAX_SIZE_MB  = 5
	LOG_MAX_BACKUPS  = 2
	LOG_MAX_AGE_DAYS = 30
)

var (
	logger *zap.Logger
	sink   *lumberjack.Logger
)

// Create new logger
func newLogger(workingFolder string, debug bool) {
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	if debug {
		level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}

	sink = &lumberjack.Logger{
		Filename:   filepath.Join(workingFolder, LOGGER_FILE),
		MaxSize:    LOG_MAX_SIZE_MB,
		MaxBackups: LOG_MAX_BACKUPS,
		MaxAge:     LOG_MAX_AGE_DAYS,
	}

	encoderConfig := zap.NewDevelopmentEncoderConfig()
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.AddSync(sink), level)
	if debug {
		core = zapcore.NewTee(core, zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.Lock(os.Stderr), level))
	}

	logger = zap.New(core, zap.AddCaller(), zap.ErrorOutput(zapcore.Lock(os.Stderr)))
	zap.ReplaceGlobals(logger)
}

// Get sugared logger from logger
func GetSugar(workingFolder string, debug bool) *zap.SugaredLogger {
	if logger == nil {
		if err := os.MkdirAll(workingFolder, os.ModePerm); err != nil {
			fmt.Fprintf(os.Stderr, "failed to create log folder - %v\n", err)
		}
		newLogger(workingFolder, debug)
	}

	return logger.Sugar()
}

// Sync on defer (call it with defer)
func Defer() {
	if logger != nil {
		logger.Sync()
	}
	if sink != nil {
		sink.Close()
	}
}
