// Package service 定义服务端消费的过程注册表契约。
//
// 过程在启动前显式注册（名称 -> Callable），服务端只读地解析：
//
//	reg := service.NewRegistry()
//	reg.MustRegister("vessel.altitude", service.Func(func(args service.Args) (any, error) {
//		return sim.Altitude(), nil
//	}))
//	srv, _ := server.New(cfg, reg)
package service

import (
	"fmt"
	"runtime/debug"
	"sort"
	"sync"

	"google.golang.org/protobuf/types/known/structpb"
)

// Callable 可调用过程
type Callable interface {
	Invoke(args []*structpb.Value) (*structpb.Value, error)
}

// Resolver 按名称解析过程
type Resolver interface {
	Resolve(name string) (Callable, bool)
}

// Lister 可选接口：列出全部过程名
type Lister interface {
	Names() []string
}

// Func 将普通函数适配为 Callable，返回值经 structpb.NewValue 转换。
type Func func(args Args) (any, error)

func (f Func) Invoke(args []*structpb.Value) (*structpb.Value, error) {
	out, err := f(Args(args))
	if err != nil {
		return nil, err
	}
	if v, ok := out.(*structpb.Value); ok {
		return v, nil
	}
	v, err := structpb.NewValue(out)
	if err != nil {
		return nil, Failed(fmt.Errorf("convert result: %w", err))
	}
	return v, nil
}

// Registry 名称 -> Callable 注册表
type Registry struct {
	mu    sync.RWMutex
	procs map[string]Callable
}

func NewRegistry() *Registry {
	return &Registry{procs: make(map[string]Callable)}
}

// Register 注册过程；名称重复返回 ErrDuplicate。
func (r *Registry) Register(name string, c Callable) error {
	if name == "" {
		return ErrEmptyName
	}
	if c == nil {
		return ErrNilCallable
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.procs[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, name)
	}
	r.procs[name] = c
	return nil
}

// MustRegister 注册失败时 panic，用于启动期的静态注册表
func (r *Registry) MustRegister(name string, c Callable) {
	if err := r.Register(name, c); err != nil {
		panic(err)
	}
}

func (r *Registry) Resolve(name string) (Callable, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.procs[name]
	return c, ok
}

// Names 返回排序后的过程名
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.procs))
	for name := range r.procs {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Invoke 调用过程并归类错误：过程 panic 转为 KindFailed，不向上传播。
func Invoke(c Callable, args []*structpb.Value) (v *structpb.Value, err *CallError) {
	defer func() {
		if r := recover(); r != nil {
			v = nil
			err = &CallError{Kind: KindFailed, Message: fmt.Sprintf("panic: %v", r), Err: fmt.Errorf("panic: %v\n%s", r, debug.Stack())}
		}
	}()
	out, callErr := c.Invoke(args)
	if callErr != nil {
		return nil, AsCallError(callErr)
	}
	if out == nil {
		out = structpb.NewNullValue()
	}
	return out, nil
}
