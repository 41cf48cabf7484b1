// Package service реализует бизнес-логику учёта квот на ввоз хладагентов.
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/ozone-quota/internal/catalog"
	"github.com/mmeshcher/ozone-quota/internal/co2"
	"github.com/mmeshcher/ozone-quota/internal/ledger"
	"github.com/mmeshcher/ozone-quota/internal/model"
	"github.com/mmeshcher/ozone-quota/internal/validation"
)

// maxAllocation ограничивает квоту разрядностью NUMERIC(20, 2).
var maxAllocation = decimal.New(1, 18)

// ErrInvalidRefrigerant возвращается при сохранении записи каталога с некорректными полями.
var ErrInvalidRefrigerant = errors.New("invalid refrigerant record")

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	catalog.Store
	ledger.Store
	ListRefrigerants(ctx context.Context) ([]model.Refrigerant, error)
	UpsertRefrigerant(ctx context.Context, r model.Refrigerant) error
	SetAllocation(ctx context.Context, importerID int64, allocated decimal.Decimal) (*model.QuotaAccount, error)
	CreateImportRequest(ctx context.Context, req *model.ImportRequest) error
	GetImportRequest(ctx context.Context, id uuid.UUID) (*model.ImportRequest, error)
	ListImportRequests(ctx context.Context, importerID int64) ([]model.ImportRequest, error)
	UpdateImportStatus(ctx context.Context, id uuid.UUID, to model.ImportStatus) (*model.ImportRequest, error)
	ListSettlements(ctx context.Context, importerID int64) ([]model.Settlement, error)
}

// Service содержит бизнес-логику учёта квот.
type Service struct {
	repo     Repository
	catalog  *catalog.Catalog
	calc     *co2.Calculator
	ledger   *ledger.Ledger
	registry Registry
	logger   *zap.Logger
}

// NewService создаёт сервис. registry может быть nil, тогда синхронизация каталога отключена.
func NewService(repo Repository, registry Registry, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}

	cat := catalog.New(repo)
	calc := co2.NewCalculator(cat)

	return &Service{
		repo:     repo,
		catalog:  cat,
		calc:     calc,
		ledger:   ledger.New(repo, calc),
		registry: registry,
		logger:   logger,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// GetQuotaInfo возвращает сводку по квоте импортёра.
func (s *Service) GetQuotaInfo(ctx context.Context, importerID int64) (*model.QuotaInfo, error) {
	return s.ledger.GetQuotaInfo(ctx, importerID)
}

// CheckAdmission проверяет пакет строк против оставшейся квоты без изменений.
func (s *Service) CheckAdmission(ctx context.Context, importerID int64, items []model.ImportLineItem) (*model.Admission, error) {
	return s.ledger.CheckAdmission(ctx, importerID, items)
}

// SubmitImport создаёт заявку на ввоз в статусе PENDING.
//
// Незаполненные строки отбрасываются. Значения CO2-эквивалента рассчитываются
// по текущему каталогу и сохраняются в строках: последующее списание использует их,
// а не пересчитывает. Если пакет превышает остаток квоты, возвращается *QuotaExceededError.
func (s *Service) SubmitImport(ctx context.Context, importerID int64, items []model.ImportLineItem) (*model.ImportRequest, error) {
	batch, err := s.calc.ComputeBatch(ctx, items)
	if err != nil {
		return nil, err
	}

	complete := make([]model.ImportLineItem, 0, len(items))
	for _, it := range batch.Apply(items) {
		if it.Complete() {
			complete = append(complete, it)
		}
	}
	if len(complete) == 0 {
		return nil, ErrNoCompleteItems
	}

	admission, err := s.ledger.CheckBatch(ctx, importerID, batch)
	if err != nil {
		return nil, err
	}
	if admission.WouldExceed {
		return nil, &QuotaExceededError{Admission: *admission}
	}

	req := &model.ImportRequest{
		ID:                 uuid.New(),
		ImporterID:         importerID,
		Items:              complete,
		TotalCO2Equivalent: batch.Total,
		Status:             model.ImportStatusPending,
	}
	if err := s.repo.CreateImportRequest(ctx, req); err != nil {
		return nil, err
	}

	s.logger.Info("import request submitted",
		zap.String("request_id", req.ID.String()),
		zap.Int64("importer_id", importerID),
		zap.String("co2_kg", req.TotalCO2Equivalent.StringFixed(co2.Precision)),
		zap.Int("items", len(req.Items)),
	)
	return req, nil
}

// ListImports возвращает заявки импортёра, новые первыми.
func (s *Service) ListImports(ctx context.Context, importerID int64) ([]model.ImportRequest, error) {
	return s.repo.ListImportRequests(ctx, importerID)
}

// ApproveImport одобряет заявку и сразу списывает её с квоты.
//
// Если списание не удалось после смены статуса, заявка остаётся одобренной
// и несписанной; повторить списание можно через SettleImport.
func (s *Service) ApproveImport(ctx context.Context, requestID uuid.UUID) (*model.Settlement, error) {
	req, err := s.repo.UpdateImportStatus(ctx, requestID, model.ImportStatusApproved)
	if err != nil {
		return nil, err
	}

	settlement, err := s.ledger.Settle(ctx, req.ImporterID, req.ID)
	if err != nil {
		s.logger.Error("settlement after approval failed",
			zap.String("request_id", req.ID.String()),
			zap.Int64("importer_id", req.ImporterID),
			zap.Error(err),
		)
		return nil, err
	}

	s.logSettlement(settlement)
	return settlement, nil
}

// RejectImport отклоняет заявку в статусе PENDING.
func (s *Service) RejectImport(ctx context.Context, requestID uuid.UUID) (*model.ImportRequest, error) {
	req, err := s.repo.UpdateImportStatus(ctx, requestID, model.ImportStatusRejected)
	if err != nil {
		return nil, err
	}
	s.logger.Info("import request rejected",
		zap.String("request_id", req.ID.String()),
		zap.Int64("importer_id", req.ImporterID),
	)
	return req, nil
}

// SettleImport списывает уже одобренную заявку. Используется для повтора после сбоя.
func (s *Service) SettleImport(ctx context.Context, requestID uuid.UUID) (*model.Settlement, error) {
	req, err := s.repo.GetImportRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}

	settlement, err := s.ledger.Settle(ctx, req.ImporterID, req.ID)
	if err != nil {
		return nil, err
	}

	s.logSettlement(settlement)
	return settlement, nil
}

func (s *Service) logSettlement(st *model.Settlement) {
	s.logger.Info("import settled",
		zap.String("request_id", st.RequestID.String()),
		zap.Int64("importer_id", st.ImporterID),
		zap.String("amount_kg", st.Amount.StringFixed(co2.Precision)),
		zap.String("remaining_kg", st.NewRemaining.StringFixed(co2.Precision)),
	)
}

// ListSettlements возвращает историю списаний импортёра.
func (s *Service) ListSettlements(ctx context.Context, importerID int64) ([]model.Settlement, error) {
	return s.repo.ListSettlements(ctx, importerID)
}

// SetAllocation назначает импортёру годовую квоту, создавая счёт при необходимости.
// Уже списанный объём сохраняется.
func (s *Service) SetAllocation(ctx context.Context, importerID int64, allocated decimal.Decimal) (*model.QuotaAccount, error) {
	if allocated.IsNegative() {
		return nil, ErrNegativeAllocation
	}
	if !allocated.Equal(allocated.Round(co2.Precision)) || allocated.GreaterThanOrEqual(maxAllocation) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAllocation, allocated)
	}

	acc, err := s.repo.SetAllocation(ctx, importerID, allocated)
	if err != nil {
		return nil, err
	}
	s.logger.Info("quota allocated",
		zap.Int64("importer_id", importerID),
		zap.String("allocated_kg", acc.Allocated.String()),
	)
	return acc, nil
}

// GetRefrigerant возвращает запись каталога по коду вещества.
func (s *Service) GetRefrigerant(ctx context.Context, code string) (model.Refrigerant, error) {
	return s.catalog.Lookup(ctx, code)
}

// ListRefrigerants возвращает весь каталог.
func (s *Service) ListRefrigerants(ctx context.Context) ([]model.Refrigerant, error) {
	return s.repo.ListRefrigerants(ctx)
}

// UpsertRefrigerant сохраняет запись каталога.
func (s *Service) UpsertRefrigerant(ctx context.Context, r model.Refrigerant) error {
	if err := validateRefrigerant(r); err != nil {
		return err
	}
	return s.repo.UpsertRefrigerant(ctx, r)
}

func validateRefrigerant(r model.Refrigerant) error {
	if !validation.IsValidSubstanceCode(r.Code) {
		return fmt.Errorf("%w: code %q", ErrInvalidRefrigerant, r.Code)
	}
	if r.HSCode != "" && !validation.IsValidHSCode(r.HSCode) {
		return fmt.Errorf("%w: hs code %q", ErrInvalidRefrigerant, r.HSCode)
	}
	if r.GWP.Valid && r.GWP.Decimal.IsNegative() {
		return fmt.Errorf("%w: negative gwp", ErrInvalidRefrigerant)
	}
	return nil
}
