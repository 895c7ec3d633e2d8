package config

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// InitLogger 初始化日志系统（作用于 logrus 标准 logger）
func InitLogger(cfg *Config) error {
	return ConfigureLogger(logrus.StandardLogger(), cfg.Log)
}

// ConfigureLogger 按配置设置级别、格式与输出
func ConfigureLogger(logger *logrus.Logger, lc LogConfig) error {
	level, err := logrus.ParseLevel(lc.Level)
	if err != nil {
		logger.Warnf("Invalid log level '%s', using 'info'", lc.Level)
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	switch strings.ToLower(lc.Format) {
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	default:
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}

	switch strings.ToLower(lc.Output) {
	case "file":
		rotate, err := rotatingWriter(lc)
		if err != nil {
			return err
		}
		logger.SetOutput(rotate)
	case "both":
		// 同时输出到控制台和文件
		rotate, err := rotatingWriter(lc)
		if err != nil {
			return err
		}
		logger.SetOutput(io.MultiWriter(os.Stdout, rotate))
	default:
		logger.SetOutput(os.Stdout)
	}

	logger.Infof("Logger initialized - Level: %s, Format: %s, Output: %s",
		lc.Level, lc.Format, lc.Output)
	return nil
}

// rotatingWriter 创建日志目录并配置 lumberjack 轮转
func rotatingWriter(lc LogConfig) (*lumberjack.Logger, error) {
	logDir := filepath.Dir(lc.FilePath)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, err
	}
	return &lumberjack.Logger{
		Filename:   lc.FilePath,
		MaxSize:    lc.MaxSize,
		MaxBackups: lc.MaxBackups,
		MaxAge:     lc.MaxAge,
		Compress:   lc.Compress,
		LocalTime:  true,
	}, nil
}
