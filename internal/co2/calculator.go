// Package co2 рассчитывает CO2-эквивалент строк заявки на ввоз хладагентов.
package co2

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/ozone-quota/internal/catalog"
	"github.com/mmeshcher/ozone-quota/internal/model"
	"github.com/mmeshcher/ozone-quota/internal/units"
)

// Precision задаёт число знаков после запятой в сохраняемых значениях CO2-эквивалента.
const Precision int32 = 2

// BatchResult содержит результаты расчёта по каждой строке и их сумму.
type BatchResult struct {
	PerItem []decimal.Decimal
	Total   decimal.Decimal
	// Skipped содержит число незаполненных строк, не вошедших в итог.
	Skipped int
}

// Calculator рассчитывает CO2-эквивалент по данным справочника.
type Calculator struct {
	catalog *catalog.Catalog
}

// NewCalculator создаёт калькулятор поверх справочника хладагентов.
func NewCalculator(c *catalog.Catalog) *Calculator {
	return &Calculator{catalog: c}
}

// ComputeLineItem возвращает CO2-эквивалент одной строки, округлённый до двух знаков.
func (c *Calculator) ComputeLineItem(ctx context.Context, item model.ImportLineItem) (decimal.Decimal, error) {
	return computeLineItem(ctx, c.catalog, item)
}

// ComputeBatch рассчитывает пакет строк. Незаполненные строки дают ноль и не
// прерывают расчёт; неизвестное вещество в заполненной строке прерывает весь пакет.
func (c *Calculator) ComputeBatch(ctx context.Context, items []model.ImportLineItem) (BatchResult, error) {
	session := c.catalog.Session()

	res := BatchResult{
		PerItem: make([]decimal.Decimal, len(items)),
		Total:   decimal.Zero,
	}
	for i, it := range items {
		if !it.Complete() {
			res.PerItem[i] = decimal.Zero
			res.Skipped++
			continue
		}
		v, err := computeLineItem(ctx, session, it)
		if err != nil {
			return BatchResult{}, fmt.Errorf("line %d (%s): %w", i+1, it.SubstanceCode, err)
		}
		res.PerItem[i] = v
		res.Total = res.Total.Add(v)
	}
	return res, nil
}

// Apply заполняет CO2Equivalent у каждой строки по результатам ComputeBatch.
func (r BatchResult) Apply(items []model.ImportLineItem) []model.ImportLineItem {
	out := make([]model.ImportLineItem, len(items))
	for i, it := range items {
		if i < len(r.PerItem) {
			it.CO2Equivalent = r.PerItem[i]
		}
		out[i] = it
	}
	return out
}

func computeLineItem(ctx context.Context, l catalog.Lookuper, item model.ImportLineItem) (decimal.Decimal, error) {
	if err := item.Validate(); err != nil {
		return decimal.Zero, err
	}

	gwp, err := l.LookupGWP(ctx, item.SubstanceCode)
	if err != nil {
		return decimal.Zero, err
	}

	kg, err := units.ToKilograms(item.QuantityPerContainer, item.Unit)
	if err != nil {
		return decimal.Zero, err
	}

	return Round(kg.Mul(gwp).Mul(decimal.NewFromInt(item.ContainerCount))), nil
}

// Round округляет значение до Precision знаков, половина округляется от нуля.
func Round(v decimal.Decimal) decimal.Decimal {
	return v.Round(Precision)
}
