package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ValidationError 校验类错误（调用方侧）
// 请求或参数本身不合法。这类失败不怪罪端点：重试仍消耗预算，
// 但绝不能把区域计入失败集合，否则一次坏请求会清空所有可用端点。
type ValidationError struct {
	Region     string
	StatusCode int
	Message    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error from %s (HTTP %d): %s", e.Region, e.StatusCode, e.Message)
}

// TransportError 服务/网络类错误（端点侧）
// 超时、连接失败、5xx、限流等一律归入此类并标记区域失败。
type TransportError struct {
	Region     string
	StatusCode int // 0 when no HTTP response was received
	Message    string
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transport error from %s (HTTP %d): %s", e.Region, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("transport error from %s: %s", e.Region, e.Message)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsValidation reports whether err is a caller-side validation error.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// classifyStatus maps an HTTP error status to the two error classes.
// 400/422 carry malformed-request semantics (the service's
// ValidationException surface); everything else is blamed on the
// endpoint.
func classifyStatus(region string, status int, body string) error {
	if status == 400 || status == 422 {
		return &ValidationError{Region: region, StatusCode: status, Message: body}
	}
	return &TransportError{Region: region, StatusCode: status, Message: body}
}

// wrapNetworkError converts a transport-level failure (dial error,
// timeout, connection reset) into a TransportError. Context timeouts
// count as endpoint-side failures per the retry contract; a canceled
// context is passed through so callers can stop the session.
func wrapNetworkError(region string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}

	msg := err.Error()
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		msg = "request timed out: " + msg
	}
	return &TransportError{Region: region, Message: msg, Err: err}
}
