package spotify

import (
	"errors"
	"fmt"
)

// AuthExpiredError 管理员凭证已失效且刷新失败（或被撤销）
// 对该群组的轮询是致命错误
type AuthExpiredError struct {
	Err error
}

func (e *AuthExpiredError) Error() string {
	return fmt.Sprintf("spotify authorization expired: %v", e.Err)
}

func (e *AuthExpiredError) Unwrap() error {
	return e.Err
}

// TransientError 网络错误、限流或5xx，下次重试即可恢复
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("spotify transient error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsAuthExpired 判断错误是否为凭证失效
func IsAuthExpired(err error) bool {
	var authErr *AuthExpiredError
	return errors.As(err, &authErr)
}

// IsTransient 判断错误是否为可重试的临时错误
func IsTransient(err error) bool {
	var transientErr *TransientError
	return errors.As(err, &transientErr)
}
