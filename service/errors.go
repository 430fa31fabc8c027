package service

import "errors"

var (
	// ErrCounterUnavailable 计数器存储不可达：可重试，由调用方决定退避策略
	ErrCounterUnavailable = errors.New("sequence counter unavailable")

	// ErrSequenceDiverged 自愈重试后仍然冲突：计数器与事件日志已经失配到无法自动修复
	ErrSequenceDiverged = errors.New("unable to recover event sequence")
)
