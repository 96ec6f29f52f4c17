package validation

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidAmount возвращается при разборе некорректной денежной суммы.
var ErrInvalidAmount = errors.New("invalid amount")

// ParseAmount разбирает десятичную сумму из строки в целые центы.
// Суммы передаются по сети строками и никогда не проходят через float,
// допускается не более двух знаков после точки.
func ParseAmount(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty string", ErrInvalidAmount)
	}

	negative := false
	if s[0] == '+' || s[0] == '-' {
		negative = s[0] == '-'
		s = s[1:]
	}

	intPart := s
	fracPart := ""
	if idx := strings.IndexByte(s, '.'); idx >= 0 {
		intPart = s[:idx]
		fracPart = s[idx+1:]
	}

	if intPart == "" && fracPart == "" {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if len(fracPart) > 2 {
		return 0, fmt.Errorf("%w: more than two decimal places in %q", ErrInvalidAmount, s)
	}

	var cents int64
	for _, ch := range intPart {
		if ch < '0' || ch > '9' {
			return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
		}
		cents = cents*10 + int64(ch-'0')
		if cents > 1<<53 {
			return 0, fmt.Errorf("%w: value too large", ErrInvalidAmount)
		}
	}
	cents *= 100

	scale := int64(10)
	for _, ch := range fracPart {
		if ch < '0' || ch > '9' {
			return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
		}
		cents += int64(ch-'0') * scale
		scale /= 10
	}

	if negative {
		cents = -cents
	}

	return cents, nil
}

// FormatAmount переводит центы в десятичную строку с двумя знаками после точки.
func FormatAmount(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}
