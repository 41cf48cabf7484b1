// Package validation содержит функции валидации входных данных.
package validation

import (
	"regexp"
	"strings"
	"unicode"
)

// Обозначение по ASHRAE: префикс, дефис, номер и необязательный суффикс (R-410A, R-1234yf, HFC-134a).
var substanceCodeRe = regexp.MustCompile(`^[A-Z]{1,4}-[0-9]{1,4}[A-Za-z]{0,3}$`)

// IsValidSubstanceCode проверяет формат кода хладагента.
func IsValidSubstanceCode(code string) bool {
	return substanceCodeRe.MatchString(code)
}

// IsValidHSCode проверяет код ТН ВЭД: от 6 до 10 цифр, группы разделены точками.
func IsValidHSCode(code string) bool {
	if code == "" || strings.HasPrefix(code, ".") || strings.HasSuffix(code, ".") || strings.Contains(code, "..") {
		return false
	}

	digits := 0
	for _, ch := range code {
		switch {
		case unicode.IsDigit(ch):
			digits++
		case ch == '.':
		default:
			return false
		}
	}

	return digits >= 6 && digits <= 10
}
