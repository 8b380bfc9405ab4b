package idempotency

import "errors"

// retryableError помечает отказ, который не кэшируется под ключом идемпотентности.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }

func (e *retryableError) Unwrap() error { return e.err }

// Retryable оборачивает ошибку handler-а: Guard не сохранит её и освободит ключ.
// errors.Is и errors.As по-прежнему видят исходную ошибку.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// IsRetryable сообщает, что ошибка помечена через Retryable.
func IsRetryable(err error) bool {
	var target *retryableError
	return errors.As(err, &target)
}
