package service

import (
	"errors"
	"fmt"
)

// FailureKind 查询周期的失败分类
type FailureKind int

const (
	FailureTimeout FailureKind = iota + 1
	FailureUnexpectedResponse
	FailureHostKey
	FailureConnectionRefused
	FailureConnectionTimeout
)

var (
	ErrTimeout               = errors.New("timed out waiting for device")
	ErrUnexpectedResponse    = errors.New("unexpected response from device")
	ErrHostKeyChanged        = errors.New("host key verification failed")
	ErrConnectionRefused     = errors.New("connection refused")
	ErrConnectionTimeout     = errors.New("connection timed out")
	ErrTrackerNotFound       = errors.New("tracker not found")
	ErrTrackerNotInitialized = errors.New("tracker not initialized")
)

func (k FailureKind) String() string {
	switch k {
	case FailureTimeout:
		return "timeout"
	case FailureUnexpectedResponse:
		return "unexpected_response"
	case FailureHostKey:
		return "host_key"
	case FailureConnectionRefused:
		return "connection_refused"
	case FailureConnectionTimeout:
		return "connection_timeout"
	default:
		return "unknown"
	}
}

func (k FailureKind) sentinel() error {
	switch k {
	case FailureTimeout:
		return ErrTimeout
	case FailureUnexpectedResponse:
		return ErrUnexpectedResponse
	case FailureHostKey:
		return ErrHostKeyChanged
	case FailureConnectionRefused:
		return ErrConnectionRefused
	case FailureConnectionTimeout:
		return ErrConnectionTimeout
	default:
		return nil
	}
}

// ProtocolError 会话驱动的终止性失败
type ProtocolError struct {
	Kind  FailureKind
	State State
	// Detail 失败时终端最后一行可见输出
	Detail string
	Err    error
}

func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("%s in state %s", e.Kind, e.State)
	if e.Detail != "" {
		msg += fmt.Sprintf(" (last output: %q)", e.Detail)
	}
	if e.Err != nil && e.Err != e.Kind.sentinel() {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is 使 errors.Is(err, ErrTimeout) 等按失败分类匹配
func (e *ProtocolError) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// FailureKindOf 取出错误链中的失败分类
func FailureKindOf(err error) (FailureKind, bool) {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	return 0, false
}
