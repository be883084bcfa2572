package service

import (
	"errors"
	"fmt"
)

// ErrorKind 调用级错误分类，随响应回传给客户端
type ErrorKind string

const (
	KindNotFound     ErrorKind = "not_found"
	KindBadArguments ErrorKind = "bad_arguments"
	KindFailed       ErrorKind = "failed"
)

var (
	// ErrEmptyName 过程名为空
	ErrEmptyName = errors.New("service: empty procedure name")
	// ErrDuplicate 过程名重复注册
	ErrDuplicate = errors.New("service: procedure already registered")
	// ErrNilCallable 注册了空过程
	ErrNilCallable = errors.New("service: nil callable")
)

// CallError 调用级错误：不影响连接，只作为本次调用的结果返回。
type CallError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *CallError) Error() string {
	return string(e.Kind) + ": " + e.Message
}

func (e *CallError) Unwrap() error { return e.Err }

// Is 按 Kind 匹配，使 errors.Is(err, &CallError{Kind: KindNotFound}) 可用
func (e *CallError) Is(target error) bool {
	t, ok := target.(*CallError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// NotFound 过程不存在
func NotFound(name string) *CallError {
	return &CallError{Kind: KindNotFound, Message: fmt.Sprintf("procedure %q not found", name)}
}

// BadArguments 参数个数或类型不符
func BadArguments(format string, args ...any) *CallError {
	return &CallError{Kind: KindBadArguments, Message: fmt.Sprintf(format, args...)}
}

// Failed 过程执行失败
func Failed(err error) *CallError {
	if err == nil {
		return &CallError{Kind: KindFailed, Message: "unknown failure"}
	}
	return &CallError{Kind: KindFailed, Message: err.Error(), Err: err}
}

// AsCallError 将任意错误归类为 CallError；未分类的错误视为执行失败。
func AsCallError(err error) *CallError {
	if err == nil {
		return nil
	}
	var ce *CallError
	if errors.As(err, &ce) {
		return ce
	}
	return Failed(err)
}
