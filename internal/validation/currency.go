// Package validation содержит функции валидации и нормализации входных данных.
package validation

import "strings"

// DefaultCurrency используется, когда код валюты отсутствует или некорректен.
const DefaultCurrency = "USD"

// NormalizeCurrency приводит код валюты к верхнему регистру.
// Любое значение, не являющееся трёхбуквенным алфавитным кодом, заменяется на DefaultCurrency.
func NormalizeCurrency(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != 3 {
		return DefaultCurrency
	}
	for _, ch := range code {
		if ch < 'A' || ch > 'Z' {
			return DefaultCurrency
		}
	}
	return code
}
