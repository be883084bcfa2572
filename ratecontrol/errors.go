package ratecontrol

import "errors"

var (
	// ErrInvalidConfig 配置不合法
	ErrInvalidConfig = errors.New("ratecontrol: invalid config")
)
