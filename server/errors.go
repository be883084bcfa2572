package server

import (
	"errors"
	"fmt"
	"strconv"
)

// ErrorKind 启动失败的分类
type ErrorKind int

const (
	BindFailed ErrorKind = iota + 1
	InvalidConfig
	PollerFailed
	PlatformNotSupported
)

func (k ErrorKind) String() string {
	switch k {
	case BindFailed:
		return "BindFailed"
	case InvalidConfig:
		return "InvalidConfig"
	case PollerFailed:
		return "PollerFailed"
	case PlatformNotSupported:
		return "PlatformNotSupported"
	}
	return "ErrorKind(" + strconv.Itoa(int(k)) + ")"
}

var (
	ErrBindFailed           = errors.New("server: bind failed")
	ErrInvalidConfig        = errors.New("server: invalid config")
	ErrPollerFailed         = errors.New("server: poller failed")
	ErrPlatformNotSupported = errors.New("server: platform not supported")

	// ErrRunning 运行中不允许修改配置
	ErrRunning = errors.New("server: running")
	// ErrServerStopped 服务端停止导致的断开
	ErrServerStopped = errors.New("server: stopped")
	// ErrDisconnected 显式断开
	ErrDisconnected = errors.New("server: disconnected")

	errUnexpectedFrame  = errors.New("server: unexpected frame")
	errSlowConsumer     = errors.New("server: write queue limit exceeded")
	errHandshakeTimeout = errors.New("server: handshake timed out")
)

func (k ErrorKind) sentinel() error {
	switch k {
	case BindFailed:
		return ErrBindFailed
	case InvalidConfig:
		return ErrInvalidConfig
	case PollerFailed:
		return ErrPollerFailed
	case PlatformNotSupported:
		return ErrPlatformNotSupported
	}
	return nil
}

// ServerError Start 失败时返回；errors.Is(err, ErrBindFailed) 按 Kind 匹配。
type ServerError struct {
	Kind ErrorKind
	Port int
	Err  error
}

func (e *ServerError) Error() string {
	if e.Port != 0 {
		return fmt.Sprintf("server: %s (port %d): %v", e.Kind, e.Port, e.Err)
	}
	return fmt.Sprintf("server: %s: %v", e.Kind, e.Err)
}

func (e *ServerError) Unwrap() error { return e.Err }

func (e *ServerError) Is(target error) bool {
	if s := e.Kind.sentinel(); s != nil && target == s {
		return true
	}
	t, ok := target.(*ServerError)
	return ok && t.Kind == e.Kind
}
