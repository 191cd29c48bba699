package smtpout

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"strings"

	"github.com/ignite/mailplane/internal/proxypool"
)

// ErrorKind buckets SMTP failures for retry and counter attribution.
type ErrorKind string

const (
	KindAuth      ErrorKind = "auth"
	KindTimeout   ErrorKind = "timeout"
	KindConnect   ErrorKind = "connect"
	KindTLS       ErrorKind = "tls"
	KindPolicy    ErrorKind = "policy"
	KindTransient ErrorKind = "transient"
	KindUnknown   ErrorKind = "unknown"
)

// SendError is a classified SMTP failure.
type SendError struct {
	Kind ErrorKind
	Text string
	err  error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("smtp %s: %s", e.Kind, e.Text)
}

func (e *SendError) Unwrap() error { return e.err }

// Retryable reports whether the failure is worth another attempt on a
// different (account, proxy) pair. Hard auth failures and permanent policy
// rejections are not.
func (e *SendError) Retryable() bool {
	switch e.Kind {
	case KindAuth, KindPolicy:
		return false
	default:
		return true
	}
}

func sendErr(kind ErrorKind, err error) *SendError {
	return &SendError{Kind: kind, Text: err.Error(), err: err}
}

// Classify wraps an arbitrary error from the send path into a SendError.
// Already-classified errors pass through unchanged.
func Classify(err error) *SendError {
	if err == nil {
		return nil
	}
	var se *SendError
	if errors.As(err, &se) {
		return se
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return sendErr(KindTimeout, err)
	}
	if errors.Is(err, proxypool.ErrDirectEgressBlocked) || errors.Is(err, proxypool.ErrProxyUnavailable) {
		return sendErr(KindConnect, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return sendErr(KindTimeout, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return sendErr(KindConnect, err)
	}

	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		return classifyCode(protoErr.Code, err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "tls") || strings.Contains(msg, "certificate"):
		return sendErr(KindTLS, err)
	case strings.Contains(msg, "auth"):
		return sendErr(KindAuth, err)
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return sendErr(KindTimeout, err)
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") || strings.Contains(msg, "no such host"):
		return sendErr(KindConnect, err)
	}
	return sendErr(KindUnknown, err)
}

// classifyCode maps SMTP reply codes. 4xx is transient, 535 and friends are
// auth, other 5xx are permanent policy rejections.
func classifyCode(code int, err error) *SendError {
	switch {
	case code == 421 || (code >= 400 && code < 500):
		return sendErr(KindTransient, err)
	case code == 530 || code == 534 || code == 535 || code == 538:
		return sendErr(KindAuth, err)
	case code >= 500:
		return sendErr(KindPolicy, err)
	default:
		return sendErr(KindUnknown, err)
	}
}
