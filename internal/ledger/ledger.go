// Package ledger ведёт учёт расхода квот импортёров в CO2-эквиваленте.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/ozone-quota/internal/co2"
	"github.com/mmeshcher/ozone-quota/internal/model"
)

var (
	settlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ozonequota_settlements_total",
		Help: "Settlement attempts by result",
	}, []string{"result"})

	settledCO2Total = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ozonequota_settled_co2_kg_total",
		Help: "CO2-equivalent kilograms applied against quotas",
	})

	admissionChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ozonequota_admission_checks_total",
		Help: "Admission checks by outcome",
	}, []string{"outcome"})
)

// Store описывает хранилище квотных счетов.
//
// SettleImport должен выполняться одной атомарной операцией: проверить заявку
// через model.ImportRequest.CheckSettleable, увеличить расход счёта на сумму
// сохранённых значений строк и пометить заявку списанной.
type Store interface {
	GetQuotaAccount(ctx context.Context, importerID int64) (*model.QuotaAccount, error)
	SettleImport(ctx context.Context, importerID int64, requestID uuid.UUID) (*model.Settlement, error)
}

// Ledger предоставляет проверку и списание квот.
type Ledger struct {
	store Store
	calc  *co2.Calculator
}

// New создаёт учёт квот.
func New(store Store, calc *co2.Calculator) *Ledger {
	return &Ledger{store: store, calc: calc}
}

// GetQuotaInfo возвращает сводку по квоте импортёра.
func (l *Ledger) GetQuotaInfo(ctx context.Context, importerID int64) (*model.QuotaInfo, error) {
	acc, err := l.store.GetQuotaAccount(ctx, importerID)
	if err != nil {
		return nil, err
	}

	info := &model.QuotaInfo{
		Allocated: acc.Allocated,
		Consumed:  acc.Consumed,
		Remaining: acc.Allocated.Sub(acc.Consumed),
	}
	if acc.Allocated.IsPositive() {
		info.PercentageUsed = acc.Consumed.
			Div(acc.Allocated).
			Mul(decimal.NewFromInt(100)).
			Round(0).
			IntPart()
	}
	return info, nil
}

// CheckAdmission проверяет, превысит ли пакет строк оставшуюся квоту. Ничего не изменяет.
//
// Проверка не атомарна с последующим созданием заявки: две параллельные заявки
// могут пройти её вместе. Окончательное списание происходит в Settle.
func (l *Ledger) CheckAdmission(ctx context.Context, importerID int64, items []model.ImportLineItem) (*model.Admission, error) {
	batch, err := l.calc.ComputeBatch(ctx, items)
	if err != nil {
		admissionChecksTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	return l.CheckBatch(ctx, importerID, batch)
}

// CheckBatch выполняет ту же проверку для уже рассчитанного пакета.
func (l *Ledger) CheckBatch(ctx context.Context, importerID int64, batch co2.BatchResult) (*model.Admission, error) {
	acc, err := l.store.GetQuotaAccount(ctx, importerID)
	if err != nil {
		return nil, err
	}

	remaining := acc.Allocated.Sub(acc.Consumed)
	a := &model.Admission{
		WouldExceed:     batch.Total.GreaterThan(remaining),
		RequiredCO2:     batch.Total,
		RemainingBefore: remaining,
		Deficit:         decimal.Max(decimal.Zero, batch.Total.Sub(remaining)),
		Skipped:         batch.Skipped,
	}

	if a.WouldExceed {
		admissionChecksTotal.WithLabelValues("exceeded").Inc()
	} else {
		admissionChecksTotal.WithLabelValues("admitted").Inc()
	}
	return a, nil
}

// Settle списывает одобренную заявку с квоты импортёра.
// Повторный вызов для той же заявки возвращает model.ErrAlreadySettled и ничего не меняет.
func (l *Ledger) Settle(ctx context.Context, importerID int64, requestID uuid.UUID) (*model.Settlement, error) {
	s, err := l.store.SettleImport(ctx, importerID, requestID)
	if err != nil {
		settlementsTotal.WithLabelValues(resultLabel(err)).Inc()
		return nil, fmt.Errorf("settle %s: %w", requestID, err)
	}

	settlementsTotal.WithLabelValues("ok").Inc()
	if s.Amount.IsPositive() {
		settledCO2Total.Add(s.Amount.InexactFloat64())
	}
	return s, nil
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, model.ErrAlreadySettled):
		return "already_settled"
	case errors.Is(err, model.ErrRequestNotFound), errors.Is(err, model.ErrAccountNotFound):
		return "not_found"
	case errors.Is(err, model.ErrRequestNotApproved), errors.Is(err, model.ErrRequestOwnership):
		return "rejected"
	case errors.Is(err, model.ErrStoreUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}
