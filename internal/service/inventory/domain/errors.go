package domain

import (
	"errors"
	"fmt"
)

var (
	ErrVariantNotFound   = errors.New("variant not found")
	ErrVariantExists     = errors.New("variant already exists")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrContentionTimeout = errors.New("timed out waiting for exclusive access to variant")
	ErrInvalidQuantity   = errors.New("quantity must be positive")
	ErrInvalidVariant    = errors.New("variant id and product id are required, threshold must not be negative")
	ErrInvariantViolated = errors.New("ledger invariant violated: 0 <= reserved <= quantity")
)

// InsufficientStockError 携带失败时的可用量与请求量，errors.Is 可匹配 ErrInsufficientStock。
type InsufficientStockError struct {
	VariantID string
	Available int64
	Requested int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for variant %s: available %d, requested %d", e.VariantID, e.Available, e.Requested)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// IsRetryable 判断调用方是否可以退避后重试。
func IsRetryable(err error) bool {
	return errors.Is(err, ErrContentionTimeout)
}

// Outcome 是操作结果的标签，随响应一起返回给调用方。
type Outcome string

const (
	OutcomeSuccess           Outcome = "success"
	OutcomeNotFound          Outcome = "not_found"
	OutcomeInsufficientStock Outcome = "insufficient_stock"
	OutcomeContentionTimeout Outcome = "contention_timeout"
	OutcomeInvalidArgument   Outcome = "invalid_argument"
	OutcomeAlreadyExists     Outcome = "already_exists"
	OutcomeError             Outcome = "error"
)

// OutcomeOf 将错误映射为结果标签。
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, ErrVariantNotFound):
		return OutcomeNotFound
	case errors.Is(err, ErrInsufficientStock):
		return OutcomeInsufficientStock
	case errors.Is(err, ErrContentionTimeout):
		return OutcomeContentionTimeout
	case errors.Is(err, ErrInvalidQuantity), errors.Is(err, ErrInvalidVariant):
		return OutcomeInvalidArgument
	case errors.Is(err, ErrVariantExists):
		return OutcomeAlreadyExists
	default:
		return OutcomeError
	}
}
