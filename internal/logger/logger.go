package logger

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu      sync.RWMutex
	base    *zap.Logger
	current *Config
)

// New 按配置创建 logger，输出到 w
func New(cfg *Config, w zapcore.WriteSyncer) *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	if cfg.Format == FormatJSON {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}
	core := zapcore.NewCore(enc, w, zap.NewAtomicLevelAt(cfg.minLevel()))
	return zap.New(core, zap.AddCaller())
}

func ensure() (*zap.Logger, *Config) {
	mu.RLock()
	l, c := base, current
	mu.RUnlock()
	if l != nil {
		return l, c
	}

	mu.Lock()
	defer mu.Unlock()
	if base == nil {
		current = ConfigFromEnv()
		base = New(current, zapcore.Lock(os.Stderr))
	}
	return base, current
}

// Default 返回进程默认 logger
func Default() *zap.Logger {
	l, _ := ensure()
	return l
}

// SetDefault 替换进程默认 logger；cfg 为 nil 时沿用当前子系统级别。
func SetDefault(l *zap.Logger, cfg *Config) {
	mu.Lock()
	defer mu.Unlock()
	base = l
	if cfg != nil {
		current = cfg
	} else if current == nil {
		current = ConfigFromEnv()
	}
}

// Logger 返回带子系统名的 logger，级别取自子系统配置
func Logger(subsystem string) *zap.Logger {
	l, cfg := ensure()
	return l.Named(subsystem).WithOptions(zap.IncreaseLevel(cfg.LevelFor(subsystem)))
}

// Sync 刷新默认 logger
func Sync() error {
	return Default().Sync()
}
