package pipeline

import "errors"

// retryableError 标记可按步骤重试的错误
// 重试策略集中在 Worker：组件只报告错误类别，不自行重试
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Retryable 将错误标记为可重试（上游超时、5xx、响应解析失败等）
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// IsRetryable 判断错误是否可重试
func IsRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}
