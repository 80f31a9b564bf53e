package failover

import (
	"errors"
	"fmt"
	"strings"
)

// InvalidRequestError 调用方错误：载荷为空或没有任何可用端点。
// 立即失败，不消耗任何重试预算。
type InvalidRequestError struct {
	Reason string
}

func (e *InvalidRequestError) Error() string {
	return "invalid request: " + e.Reason
}

// ExhaustedError 预算与候选区域全部耗尽仍未成功。
// 这是预期中的运行状态而非程序错误，以带完整错误日志的类型化
// 失败值返回给调用方。
type ExhaustedError struct {
	SessionID     string
	Attempts      int
	FailedRegions []string
	ErrorLog      []string
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all endpoints exhausted after %d attempts (failed regions: %s)",
		e.Attempts, strings.Join(e.FailedRegions, ", "))
}

// IsExhausted reports whether err is an exhaustion failure.
func IsExhausted(err error) bool {
	var ee *ExhaustedError
	return errors.As(err, &ee)
}

// IsInvalidRequest reports whether err is a caller-side fast failure.
func IsInvalidRequest(err error) bool {
	var ie *InvalidRequestError
	return errors.As(err, &ie)
}
