package repository

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/ozone-quota/internal/model"
)

// MemoryRepository хранит данные в памяти процесса. Используется без DATABASE_URI и в тестах.
// Мьютекс играет роль транзакции: каждая операция видит и меняет состояние целиком.
type MemoryRepository struct {
	mu           sync.Mutex
	refrigerants map[string]model.Refrigerant
	accounts     map[int64]model.QuotaAccount
	requests     map[uuid.UUID]model.ImportRequest
	settlements  []model.Settlement
	now          func() time.Time
}

// NewMemoryRepository создаёт пустое хранилище в памяти.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		refrigerants: make(map[string]model.Refrigerant),
		accounts:     make(map[int64]model.QuotaAccount),
		requests:     make(map[uuid.UUID]model.ImportRequest),
		now:          time.Now,
	}
}

// Close ничего не делает, хранилище в памяти не держит внешних ресурсов.
func (r *MemoryRepository) Close() error { return nil }

func cloneRequest(req model.ImportRequest) model.ImportRequest {
	req.Items = slices.Clone(req.Items)
	if req.SettledAt != nil {
		t := *req.SettledAt
		req.SettledAt = &t
	}
	return req
}

// GetRefrigerant возвращает запись справочника по коду.
func (r *MemoryRepository) GetRefrigerant(ctx context.Context, code string) (*model.Refrigerant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.refrigerants[code]
	if !ok {
		return nil, model.ErrSubstanceNotFound
	}
	return &rec, nil
}

// ListRefrigerants возвращает справочник, упорядоченный по коду.
func (r *MemoryRepository) ListRefrigerants(ctx context.Context) ([]model.Refrigerant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res := make([]model.Refrigerant, 0, len(r.refrigerants))
	for _, rec := range r.refrigerants {
		res = append(res, rec)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Code < res[j].Code })
	return res, nil
}

// UpsertRefrigerant создаёт или обновляет запись справочника.
func (r *MemoryRepository) UpsertRefrigerant(ctx context.Context, rec model.Refrigerant) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec.UpdatedAt = r.now()
	r.refrigerants[rec.Code] = rec
	return nil
}

// GetQuotaAccount возвращает квотный счёт импортёра.
func (r *MemoryRepository) GetQuotaAccount(ctx context.Context, importerID int64) (*model.QuotaAccount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	acc, ok := r.accounts[importerID]
	if !ok {
		return nil, model.ErrAccountNotFound
	}
	return &acc, nil
}

// SetAllocation устанавливает выделенную квоту, создавая счёт при первом назначении.
func (r *MemoryRepository) SetAllocation(ctx context.Context, importerID int64, allocated decimal.Decimal) (*model.QuotaAccount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	acc, ok := r.accounts[importerID]
	if !ok {
		acc = model.QuotaAccount{ImporterID: importerID, Consumed: decimal.Zero}
	}
	acc = acc.Reallocate(allocated, r.now())
	r.accounts[importerID] = acc
	return &acc, nil
}

// CreateImportRequest сохраняет новую заявку.
func (r *MemoryRepository) CreateImportRequest(ctx context.Context, req *model.ImportRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.accounts[req.ImporterID]; !ok {
		return model.ErrAccountNotFound
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = r.now()
	}
	r.requests[req.ID] = cloneRequest(*req)
	return nil
}

// GetImportRequest возвращает заявку по идентификатору.
func (r *MemoryRepository) GetImportRequest(ctx context.Context, id uuid.UUID) (*model.ImportRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	req, ok := r.requests[id]
	if !ok {
		return nil, model.ErrRequestNotFound
	}
	req = cloneRequest(req)
	return &req, nil
}

// ListImportRequests возвращает заявки импортёра, новые первыми.
func (r *MemoryRepository) ListImportRequests(ctx context.Context, importerID int64) ([]model.ImportRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res []model.ImportRequest
	for _, req := range r.requests {
		if req.ImporterID == importerID {
			res = append(res, cloneRequest(req))
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.After(res[j].CreatedAt) })
	return res, nil
}

// UpdateImportStatus переводит заявку в новый статус, если переход допустим.
func (r *MemoryRepository) UpdateImportStatus(ctx context.Context, id uuid.UUID, to model.ImportStatus) (*model.ImportRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	req, ok := r.requests[id]
	if !ok {
		return nil, model.ErrRequestNotFound
	}
	if !model.CanTransition(req.Status, to) {
		return nil, model.ErrInvalidStatusTransition
	}
	req.Status = to
	r.requests[id] = req

	req = cloneRequest(req)
	return &req, nil
}

// SettleImport атомарно списывает заявку с квоты импортёра.
func (r *MemoryRepository) SettleImport(ctx context.Context, importerID int64, requestID uuid.UUID) (*model.Settlement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	req, ok := r.requests[requestID]
	if !ok {
		return nil, model.ErrRequestNotFound
	}
	if err := req.CheckSettleable(importerID); err != nil {
		return nil, err
	}
	acc, ok := r.accounts[importerID]
	if !ok {
		return nil, model.ErrAccountNotFound
	}

	now := r.now()
	amount := model.LineItemsTotal(req.Items)
	acc = acc.Consume(amount, now)

	req.Settled = true
	req.SettledAt = &now

	r.accounts[importerID] = acc
	r.requests[requestID] = req

	s := model.Settlement{
		RequestID:    requestID,
		ImporterID:   importerID,
		Amount:       amount,
		NewConsumed:  acc.Consumed,
		NewRemaining: acc.Remaining,
		SettledAt:    now,
	}
	r.settlements = append(r.settlements, s)
	return &s, nil
}

// ListSettlements возвращает историю списаний импортёра, новые первыми.
func (r *MemoryRepository) ListSettlements(ctx context.Context, importerID int64) ([]model.Settlement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res []model.Settlement
	for i := len(r.settlements) - 1; i >= 0; i-- {
		if r.settlements[i].ImporterID == importerID {
			res = append(res, r.settlements[i])
		}
	}
	return res, nil
}
