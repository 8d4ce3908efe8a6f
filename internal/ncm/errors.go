package ncm

import (
	"errors"
	"fmt"
)

var (
	// ErrFormat 输入不是 ncm 文件, 或者无法打开
	ErrFormat = errors.New("unrecognized ncm container")
	// ErrCorrupt 声明的长度非法, 或者读到的数据比声明的少
	ErrCorrupt = errors.New("corrupt ncm container")
	// ErrIO 导出音频过程中的读写失败
	ErrIO = errors.New("ncm io failed")
	// ErrClosed wraps ErrIO so callers matching ErrIO also see it.
	ErrClosed = fmt.Errorf("%w: container closed", ErrIO)
)
