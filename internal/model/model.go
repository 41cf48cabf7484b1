// Package model содержит доменные сущности сервиса квот на озоноразрушающие вещества.
package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/ozone-quota/internal/units"
)

// Refrigerant описывает запись справочника хладагентов.
type Refrigerant struct {
	Code         string
	ChemicalName string
	HSCode       string
	// GWP может отсутствовать у существующей записи, тогда вклад вещества равен нулю.
	GWP       decimal.NullDecimal
	UpdatedAt time.Time
}

// ImportLineItem описывает одну строку заявки на ввоз.
type ImportLineItem struct {
	SubstanceCode        string          `json:"substance_code"`
	ContainerCount       int64           `json:"container_count"`
	QuantityPerContainer decimal.Decimal `json:"quantity_per_container"`
	Unit                 units.Unit      `json:"unit"`
	CO2Equivalent        decimal.Decimal `json:"co2_equivalent"`
}

// Complete сообщает, заполнены ли все поля, необходимые для расчёта.
func (i ImportLineItem) Complete() bool {
	return i.SubstanceCode != "" &&
		i.ContainerCount != 0 &&
		!i.QuantityPerContainer.IsZero() &&
		i.Unit != ""
}

// Validate проверяет заполненную строку: число тары и количество в таре должны быть положительными.
func (i ImportLineItem) Validate() error {
	if i.ContainerCount <= 0 {
		return fmt.Errorf("%w: container count %d", ErrInvalidLineItem, i.ContainerCount)
	}
	if !i.QuantityPerContainer.IsPositive() {
		return fmt.Errorf("%w: quantity per container %s", ErrInvalidLineItem, i.QuantityPerContainer)
	}
	return nil
}

// ImportStatus описывает статус рассмотрения заявки.
type ImportStatus string

const (
	ImportStatusPending  ImportStatus = "PENDING"
	ImportStatusApproved ImportStatus = "APPROVED"
	ImportStatusRejected ImportStatus = "REJECTED"
)

// ImportRequest описывает заявку импортёра на ввоз хладагентов.
type ImportRequest struct {
	ID                 uuid.UUID
	ImporterID         int64
	Items              []ImportLineItem
	TotalCO2Equivalent decimal.Decimal
	Status             ImportStatus
	Settled            bool
	CreatedAt          time.Time
	SettledAt          *time.Time
}

// QuotaAccount содержит квоту импортёра и её расход в кг CO2-эквивалента.
// Remaining всегда равен Allocated - Consumed после любой записи.
type QuotaAccount struct {
	ImporterID int64
	Allocated  decimal.Decimal
	Consumed   decimal.Decimal
	Remaining  decimal.Decimal
	UpdatedAt  time.Time
}

// QuotaInfo содержит сводку по квоте для отображения импортёру.
type QuotaInfo struct {
	Allocated      decimal.Decimal `json:"allocated"`
	Consumed       decimal.Decimal `json:"consumed"`
	Remaining      decimal.Decimal `json:"remaining"`
	PercentageUsed int64           `json:"percentage_used"`
}

// Admission содержит результат предварительной проверки заявки на превышение квоты.
type Admission struct {
	WouldExceed     bool            `json:"would_exceed"`
	RequiredCO2     decimal.Decimal `json:"required_co2"`
	RemainingBefore decimal.Decimal `json:"remaining_before"`
	Deficit         decimal.Decimal `json:"deficit"`
	Skipped         int             `json:"skipped"`
}

// Settlement описывает факт списания CO2-эквивалента одобренной заявки с квоты.
type Settlement struct {
	RequestID    uuid.UUID       `json:"request_id"`
	ImporterID   int64           `json:"importer_id"`
	Amount       decimal.Decimal `json:"amount"`
	NewConsumed  decimal.Decimal `json:"new_consumed"`
	NewRemaining decimal.Decimal `json:"new_remaining"`
	SettledAt    time.Time       `json:"settled_at"`
}
