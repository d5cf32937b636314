package service

import (
	"errors"
	"fmt"

	"github.com/bathiste/chat-client-WIP/internal/session"
	"github.com/bathiste/chat-client-WIP/internal/store"
)

// 业务层通用错误，handler 可根据错误类型映射到合适的 HTTP 状态码或 WS 事件。
var (
	ErrRejected           = errors.New("rejected")
	ErrNotFound           = errors.New("not found")
	ErrUnavailable        = errors.New("temporarily unavailable")
	ErrInvalidInput       = errors.New("invalid input")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// translate 把下层哨兵错误折叠为业务层的四类错误，保留原始错误链。
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrRejected), errors.Is(err, ErrNotFound),
		errors.Is(err, ErrUnavailable), errors.Is(err, ErrInvalidInput):
		return err
	case errors.Is(err, store.ErrNotFound), errors.Is(err, session.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	default:
		// ErrUnavailable、ErrConflict、hub.ErrClosed 以及 ctx 错误都按暂不可用处理
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

func notFound(what string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, what)
}
