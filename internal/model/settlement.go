package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// LineItemsTotal суммирует сохранённые значения CO2-эквивалента строк заявки.
func LineItemsTotal(items []ImportLineItem) decimal.Decimal {
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.CO2Equivalent)
	}
	return total
}

// CheckSettleable проверяет, что заявку можно списать с квоты указанного импортёра.
func (r *ImportRequest) CheckSettleable(importerID int64) error {
	if r.ImporterID != importerID {
		return ErrRequestOwnership
	}
	if r.Settled {
		return ErrAlreadySettled
	}
	if r.Status != ImportStatusApproved {
		return ErrRequestNotApproved
	}
	return nil
}

// Consume возвращает счёт после списания amount. Исходный счёт не меняется.
func (a QuotaAccount) Consume(amount decimal.Decimal, at time.Time) QuotaAccount {
	a.Consumed = a.Consumed.Add(amount)
	a.Remaining = a.Allocated.Sub(a.Consumed)
	a.UpdatedAt = at
	return a
}

// Reallocate возвращает счёт с новой выделенной квотой. Остаток может стать отрицательным,
// если новая квота меньше уже израсходованной.
func (a QuotaAccount) Reallocate(allocated decimal.Decimal, at time.Time) QuotaAccount {
	a.Allocated = allocated
	a.Remaining = a.Allocated.Sub(a.Consumed)
	a.UpdatedAt = at
	return a
}

// CanTransition сообщает, допустим ли переход заявки между статусами.
func CanTransition(from, to ImportStatus) bool {
	return from == ImportStatusPending && (to == ImportStatusApproved || to == ImportStatusRejected)
}
