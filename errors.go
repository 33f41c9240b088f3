package zscope

import "github.com/pkg/errors"

var (
	// 解码/分发层错误，记录日志后丢弃消息，连接保持
	ErrMalformedMessage  = errors.New("zscope: malformed message")
	ErrUnknownSignal     = errors.New("zscope: unknown signal")
	ErrHandlerFailure    = errors.New("zscope: handler failure")
	ErrUnmatchedResponse = errors.New("zscope: unmatched response")
	ErrUnknownChannel    = errors.New("zscope: unknown channel")

	// 调用方可见错误
	ErrMembershipViolation = errors.New("zscope: membership violation")
	ErrPromiseTimeout      = errors.New("zscope: promise timeout")
	ErrPeerDisconnected    = errors.New("zscope: peer disconnected")
	ErrChannelsExhausted   = errors.New("zscope: no free channel id")
	ErrVersionMismatch     = errors.New("zscope: protocol version mismatch")
	ErrServerClosed        = errors.New("zscope: server closed")

	// 信号表构建错误
	ErrSignalCollision = errors.New("zscope: signal id collision")
	ErrMissingHandler  = errors.New("zscope: missing signal handler")
	ErrDuplicateKind   = errors.New("zscope: duplicate scope kind")
)

// handlerError 处理函数返回的错误：归类为 ErrHandlerFailure，同时保留原始错误
type handlerError struct {
	cause error
}

func (e *handlerError) Error() string {
	return ErrHandlerFailure.Error() + ": " + e.cause.Error()
}

func (e *handlerError) Is(target error) bool { return target == ErrHandlerFailure }
func (e *handlerError) Unwrap() error        { return e.cause }
func (e *handlerError) Cause() error         { return e.cause }
