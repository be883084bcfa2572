package service

import (
	"math"

	"google.golang.org/protobuf/types/known/structpb"
)

// Args 为调用参数，按位置取值；类型不符时返回 KindBadArguments。
type Args []*structpb.Value

func (a Args) Len() int { return len(a) }

func (a Args) at(i int) (*structpb.Value, *CallError) {
	if i < 0 || i >= len(a) || a[i] == nil {
		return nil, BadArguments("missing argument %d", i)
	}
	return a[i], nil
}

func (a Args) String(i int) (string, error) {
	v, err := a.at(i)
	if err != nil {
		return "", err
	}
	s, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok {
		return "", BadArguments("argument %d: expected string", i)
	}
	return s.StringValue, nil
}

func (a Args) Number(i int) (float64, error) {
	v, err := a.at(i)
	if err != nil {
		return 0, err
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, BadArguments("argument %d: expected number", i)
	}
	return n.NumberValue, nil
}

// Uint 取非负整数参数
func (a Args) Uint(i int) (uint64, error) {
	n, err := a.Number(i)
	if err != nil {
		return 0, err
	}
	if n < 0 || n != math.Trunc(n) || n > math.MaxUint32*float64(math.MaxUint32) {
		return 0, BadArguments("argument %d: expected non-negative integer", i)
	}
	return uint64(n), nil
}

func (a Args) Bool(i int) (bool, error) {
	v, err := a.at(i)
	if err != nil {
		return false, err
	}
	b, ok := v.GetKind().(*structpb.Value_BoolValue)
	if !ok {
		return false, BadArguments("argument %d: expected bool", i)
	}
	return b.BoolValue, nil
}

// List 取列表参数，返回其元素
func (a Args) List(i int) ([]*structpb.Value, error) {
	v, err := a.at(i)
	if err != nil {
		return nil, err
	}
	l, ok := v.GetKind().(*structpb.Value_ListValue)
	if !ok {
		return nil, BadArguments("argument %d: expected list", i)
	}
	return l.ListValue.GetValues(), nil
}
