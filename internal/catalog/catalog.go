// Package catalog предоставляет доступ только для чтения к справочнику хладагентов.
package catalog

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/ozone-quota/internal/model"
)

// Store описывает хранилище справочника. При отсутствии записи
// реализация возвращает model.ErrSubstanceNotFound.
type Store interface {
	GetRefrigerant(ctx context.Context, code string) (*model.Refrigerant, error)
}

// Lookuper описывает общий контракт справочника и его сессии.
type Lookuper interface {
	Lookup(ctx context.Context, code string) (model.Refrigerant, error)
	LookupGWP(ctx context.Context, code string) (decimal.Decimal, error)
}

// Catalog выполняет поиск веществ по коду.
type Catalog struct {
	store Store
}

// New создаёт справочник поверх хранилища.
func New(store Store) *Catalog {
	return &Catalog{store: store}
}

// Lookup возвращает запись по точному коду с учётом регистра.
func (c *Catalog) Lookup(ctx context.Context, code string) (model.Refrigerant, error) {
	r, err := c.store.GetRefrigerant(ctx, code)
	if err != nil {
		return model.Refrigerant{}, err
	}
	if r == nil {
		return model.Refrigerant{}, model.ErrSubstanceNotFound
	}
	return *r, nil
}

// LookupGWP возвращает потенциал глобального потепления вещества.
// Для существующей записи без коэффициента возвращается ноль.
func (c *Catalog) LookupGWP(ctx context.Context, code string) (decimal.Decimal, error) {
	r, err := c.Lookup(ctx, code)
	if err != nil {
		return decimal.Zero, err
	}
	return gwpOf(r), nil
}

// Session возвращает кэш на время одного расчёта.
func (c *Catalog) Session() *Session {
	return &Session{catalog: c, seen: make(map[string]model.Refrigerant)}
}

func gwpOf(r model.Refrigerant) decimal.Decimal {
	if !r.GWP.Valid {
		return decimal.Zero
	}
	return r.GWP.Decimal
}

// Session запоминает найденные записи в пределах одного пакета строк.
// Не безопасна для конкурентного использования.
type Session struct {
	catalog *Catalog
	seen    map[string]model.Refrigerant
}

// Lookup ищет запись сначала в кэше сессии, затем в хранилище.
func (s *Session) Lookup(ctx context.Context, code string) (model.Refrigerant, error) {
	if r, ok := s.seen[code]; ok {
		return r, nil
	}
	r, err := s.catalog.Lookup(ctx, code)
	if err != nil {
		return model.Refrigerant{}, err
	}
	s.seen[code] = r
	return r, nil
}

// LookupGWP аналогичен Catalog.LookupGWP, но использует кэш сессии.
func (s *Session) LookupGWP(ctx context.Context, code string) (decimal.Decimal, error) {
	r, err := s.Lookup(ctx, code)
	if err != nil {
		return decimal.Zero, err
	}
	return gwpOf(r), nil
}
