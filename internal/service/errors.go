package service

import (
	"errors"
	"fmt"

	"github.com/mmeshcher/ozone-quota/internal/model"
)

var (
	// ErrQuotaExceeded возвращается, если заявка превысит оставшуюся квоту.
	ErrQuotaExceeded = errors.New("quota exceeded")
	// ErrNoCompleteItems возвращается, если в заявке нет ни одной заполненной строки.
	ErrNoCompleteItems = errors.New("import request has no complete line items")
	// ErrNegativeAllocation возвращается при попытке назначить отрицательную квоту.
	ErrNegativeAllocation = errors.New("allocated quota must not be negative")
	// ErrInvalidAllocation возвращается для квоты с более чем двумя знаками после запятой или вне допустимого диапазона.
	ErrInvalidAllocation = errors.New("allocated quota must have at most two decimal places and fit the store")
)

// QuotaExceededError несёт результат проверки, по которому заявка отклонена.
type QuotaExceededError struct {
	Admission model.Admission
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("%s: required %s, remaining %s",
		ErrQuotaExceeded, e.Admission.RequiredCO2.StringFixed(2), e.Admission.RemainingBefore.StringFixed(2))
}

// Is позволяет сравнивать ошибку с ErrQuotaExceeded через errors.Is.
func (e *QuotaExceededError) Is(target error) bool {
	return target == ErrQuotaExceeded
}
