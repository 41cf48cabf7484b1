// Package units приводит массу хладагента к килограммам.
package units

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrInvalidUnit возвращается для единицы измерения вне фиксированного перечня.
var ErrInvalidUnit = errors.New("invalid unit")

// Unit описывает единицу измерения массы в строке заявки.
type Unit string

const (
	Gram      Unit = "g"
	Kilogram  Unit = "kg"
	Pound     Unit = "lb"
	Ounce     Unit = "oz"
	MetricTon Unit = "t"
)

// Коэффициенты перевода в килограммы. Не изменяются во время работы.
var factors = map[Unit]decimal.Decimal{
	Gram:      decimal.RequireFromString("0.001"),
	Kilogram:  decimal.NewFromInt(1),
	Pound:     decimal.RequireFromString("0.453592"),
	Ounce:     decimal.RequireFromString("0.0283495"),
	MetricTon: decimal.NewFromInt(1000),
}

var aliases = map[string]Unit{
	"g":          Gram,
	"gram":       Gram,
	"grams":      Gram,
	"kg":         Kilogram,
	"kilogram":   Kilogram,
	"kilograms":  Kilogram,
	"lb":         Pound,
	"lbs":        Pound,
	"pound":      Pound,
	"pounds":     Pound,
	"oz":         Ounce,
	"ounce":      Ounce,
	"ounces":     Ounce,
	"t":          MetricTon,
	"ton":        MetricTon,
	"tonne":      MetricTon,
	"metric_ton": MetricTon,
	"metric ton": MetricTon,
}

// ParseUnit разбирает код или полное название единицы без учёта регистра.
func ParseUnit(s string) (Unit, error) {
	u, ok := aliases[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return "", ErrInvalidUnit
	}
	return u, nil
}

// Factor возвращает множитель перевода единицы в килограммы.
func Factor(u Unit) (decimal.Decimal, bool) {
	f, ok := factors[u]
	return f, ok
}

// Valid сообщает, входит ли единица в перечень поддерживаемых.
func (u Unit) Valid() bool {
	_, ok := factors[u]
	return ok
}

// ToKilograms переводит количество в килограммы.
// Отрицательное количество проходит арифметически, проверять его должен вызывающий.
func ToKilograms(quantity decimal.Decimal, u Unit) (decimal.Decimal, error) {
	f, ok := factors[u]
	if !ok {
		return decimal.Zero, ErrInvalidUnit
	}
	return quantity.Mul(f), nil
}

// UnmarshalText принимает любой из поддерживаемых псевдонимов единицы.
// Пустая строка допустима: строка заявки может быть ещё не заполнена.
func (u *Unit) UnmarshalText(text []byte) error {
	if len(strings.TrimSpace(string(text))) == 0 {
		*u = ""
		return nil
	}
	parsed, err := ParseUnit(string(text))
	if err != nil {
		// неизвестное значение сохраняется как есть, ошибку вернёт расчёт
		*u = Unit(text)
		return nil
	}
	*u = parsed
	return nil
}
