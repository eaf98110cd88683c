// Package validation содержит функции валидации входных данных заказа.
package validation

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
)

// Amount — числовое поле формы. Принимает JSON-число или строку.
// Пустое или некорректное значение превращается в ноль, при этом выставляется Coerced,
// чтобы «не удалось разобрать» не смешивалось с настоящим нулём.
type Amount struct {
	Value   decimal.Decimal
	Coerced bool
}

// UnmarshalJSON реализует json.Unmarshaler.
func (a *Amount) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*a = Amount{Coerced: true}
		return nil
	}

	raw := string(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			*a = Amount{Coerced: true}
			return nil
		}
		raw = s
	}

	v, ok := ParseAmount(raw)
	*a = Amount{Value: v, Coerced: !ok}
	return nil
}

// MarshalJSON реализует json.Marshaler.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.Value)
}

// ParseAmount разбирает число из строки формы. Возвращает ноль и false,
// если строка пустая или не является числом.
func ParseAmount(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", ""))
	if s == "" {
		return decimal.Zero, false
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return v, true
}
