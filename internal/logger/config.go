// Package logger 提供带子系统名的 zap 日志
//
// 支持通过环境变量配置：
//   - TICKRPC_LOG_LEVEL: 日志级别，支持按子系统配置
//     格式: 子系统=级别,子系统=级别,默认级别
//     示例: server=debug,host=warn,info
//   - TICKRPC_LOG_FORMAT: console 或 json
package logger

import (
	"os"
	"strings"

	"go.uber.org/zap/zapcore"
)

// Format 日志输出格式
type Format int

const (
	// FormatConsole 文本格式（默认）
	FormatConsole Format = iota
	// FormatJSON JSON 格式
	FormatJSON
)

// Config 日志配置
type Config struct {
	// DefaultLevel 默认日志级别
	DefaultLevel zapcore.Level

	// SubsystemLevels 各子系统的日志级别
	SubsystemLevels map[string]zapcore.Level

	// Format 输出格式
	Format Format
}

// LevelFor 返回子系统的日志级别
func (c *Config) LevelFor(subsystem string) zapcore.Level {
	if level, ok := c.SubsystemLevels[subsystem]; ok {
		return level
	}
	return c.DefaultLevel
}

// minLevel 返回所有配置中最低的级别，作为底层 core 的级别
func (c *Config) minLevel() zapcore.Level {
	lvl := c.DefaultLevel
	for _, l := range c.SubsystemLevels {
		if l < lvl {
			lvl = l
		}
	}
	return lvl
}

// ConfigFromEnv 从环境变量解析配置
func ConfigFromEnv() *Config {
	return ParseConfig(os.Getenv("TICKRPC_LOG_LEVEL"), os.Getenv("TICKRPC_LOG_FORMAT"))
}

// ParseConfig 解析级别与格式字符串；无法识别的部分忽略。
func ParseConfig(levels, format string) *Config {
	cfg := &Config{
		DefaultLevel:    zapcore.InfoLevel,
		SubsystemLevels: make(map[string]zapcore.Level),
		Format:          FormatConsole,
	}

	for _, part := range strings.Split(levels, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if subsystem, levelName, ok := strings.Cut(part, "="); ok {
			if level, ok := parseLevel(levelName); ok {
				cfg.SubsystemLevels[strings.TrimSpace(subsystem)] = level
			}
			continue
		}
		if level, ok := parseLevel(part); ok {
			cfg.DefaultLevel = level
		}
	}

	if strings.EqualFold(strings.TrimSpace(format), "json") {
		cfg.Format = FormatJSON
	}
	return cfg
}

func parseLevel(name string) (zapcore.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return zapcore.DebugLevel, true
	case "info":
		return zapcore.InfoLevel, true
	case "warn", "warning":
		return zapcore.WarnLevel, true
	case "error":
		return zapcore.ErrorLevel, true
	}
	return zapcore.InfoLevel, false
}
