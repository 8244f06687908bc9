// Package logging はアプリケーション全体で使う zap ロガーを組み立てます。
//
// 開発モードでは人が読みやすいコンソール出力、それ以外は JSON を標準出力へ書きます。
// ファイルパスが指定された場合は lumberjack でローテーションしながら JSON を追記します。
package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ローテーション設定
const (
	maxSizeMB  = 100
	maxBackups = 5
	maxAgeDays = 30
)

// Options はロガーの設定です。
type Options struct {
	Development bool
	Level       string
	// FilePath が空ならファイルには書きません。
	FilePath string
}

// New は Options に従ってロガーを作成します。
func New(opts Options) *zap.Logger {
	return zap.New(newCore(opts, zapcore.Lock(os.Stdout)), zap.AddCaller())
}

func newCore(opts Options, console zapcore.WriteSyncer) zapcore.Core {
	level := ParseLevel(opts.Level, zapcore.InfoLevel)

	var consoleEncoder zapcore.Encoder
	if opts.Development {
		consoleEncoder = zapcore.NewConsoleEncoder(consoleEncoderConfig())
	} else {
		consoleEncoder = zapcore.NewJSONEncoder(encoderConfig())
	}
	core := zapcore.NewCore(consoleEncoder, console, level)

	if opts.FilePath == "" {
		return core
	}
	file := zapcore.AddSync(&lumberjack.Logger{
		Filename:   opts.FilePath,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
		Compress:   true,
	})
	return zapcore.NewTee(core, zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig()), file, level))
}

// ParseLevel はログレベル文字列を解釈します。不正な値は def を返します。
func ParseLevel(s string, def zapcore.Level) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return def
	}
}

func encoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg
}

func consoleEncoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
	return cfg
}
