package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrValidation marks an application-level validation failure.
var ErrValidation = errors.New("validation failed")

// Date is a calendar day serialized as YYYY-MM-DD.
type Date struct {
	time.Time
}

// NewDate truncates t to its calendar day.
func NewDate(year int, month time.Month, day int) Date {
	return Date{time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Format(DateLayout))
}

func (d *Date) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := time.Parse(DateLayout, raw)
	if err != nil {
		return err
	}
	d.Time = parsed
	return nil
}

func (d Date) String() string {
	return d.Format(DateLayout)
}

// Record is a finance record that can be written to a remote collection.
type Record interface {
	Validate() error
	Fields() map[string]any
}

// NewRecord returns an empty record for the collection.
func NewRecord(table Table) (Record, error) {
	switch table {
	case TableRevenues:
		return &Revenue{}, nil
	case TableCompanyExpenses:
		return &CompanyExpense{}, nil
	case TablePersonalExpenses:
		return &PersonalExpense{}, nil
	}
	return nil, fmt.Errorf("%w: unknown table %q", ErrInvalidDescriptor, table)
}

// Revenue is money received by the company.
type Revenue struct {
	Name        string          `json:"name"`
	Amount      decimal.Decimal `json:"amount"`
	ReceivedAt  Date            `json:"received_at"`
	Description string          `json:"description,omitempty"`
}

func (r *Revenue) Validate() error {
	return firstError(
		requireText("name", r.Name),
		requirePositive("amount", r.Amount),
		requireDate("received_at", r.ReceivedAt),
	)
}

func (r *Revenue) Fields() map[string]any {
	fields := map[string]any{
		"name":        strings.TrimSpace(r.Name),
		"amount":      r.Amount.StringFixed(2),
		"received_at": r.ReceivedAt.String(),
	}
	if r.Description != "" {
		fields["description"] = r.Description
	}
	return fields
}

// CompanyExpense is a business cost.
type CompanyExpense struct {
	Name        string          `json:"name"`
	Price       decimal.Decimal `json:"price"`
	PaymentDate Date            `json:"payment_date"`
	Category    string          `json:"category,omitempty"`
}

func (e *CompanyExpense) Validate() error {
	return firstError(
		requireText("name", e.Name),
		requirePositive("price", e.Price),
		requireDate("payment_date", e.PaymentDate),
	)
}

func (e *CompanyExpense) Fields() map[string]any {
	fields := map[string]any{
		"name":         strings.TrimSpace(e.Name),
		"price":        e.Price.StringFixed(2),
		"payment_date": e.PaymentDate.String(),
	}
	if e.Category != "" {
		fields["category"] = e.Category
	}
	return fields
}

// PersonalExpense is a private cost.
type PersonalExpense struct {
	Name        string          `json:"name"`
	Price       decimal.Decimal `json:"price"`
	PaymentDate Date            `json:"payment_date"`
}

func (e *PersonalExpense) Validate() error {
	return firstError(
		requireText("name", e.Name),
		requirePositive("price", e.Price),
		requireDate("payment_date", e.PaymentDate),
	)
}

func (e *PersonalExpense) Fields() map[string]any {
	return map[string]any{
		"name":         strings.TrimSpace(e.Name),
		"price":        e.Price.StringFixed(2),
		"payment_date": e.PaymentDate.String(),
	}
}

type fieldKind int

const (
	fieldText fieldKind = iota
	fieldOptionalText
	fieldMoney
	fieldDate
)

var patchSchemas = map[Table]map[string]fieldKind{
	TableRevenues: {
		"name":        fieldText,
		"amount":      fieldMoney,
		"received_at": fieldDate,
		"description": fieldOptionalText,
	},
	TableCompanyExpenses: {
		"name":         fieldText,
		"price":        fieldMoney,
		"payment_date": fieldDate,
		"category":     fieldOptionalText,
	},
	TablePersonalExpenses: {
		"name":         fieldText,
		"price":        fieldMoney,
		"payment_date": fieldDate,
	},
}

// NormalizePatch validates a partial field set for an update and returns it in
// wire form (money as fixed decimal strings, dates as YYYY-MM-DD).
func NormalizePatch(table Table, patch map[string]any) (map[string]any, error) {
	schema, ok := patchSchemas[table]
	if !ok {
		return nil, fmt.Errorf("%w: unknown table %q", ErrInvalidDescriptor, table)
	}
	if len(patch) == 0 {
		return nil, fmt.Errorf("%w: empty update", ErrValidation)
	}

	out := make(map[string]any, len(patch))
	for key, value := range patch {
		kind, known := schema[key]
		if !known {
			return nil, fmt.Errorf("%w: unknown field %q", ErrValidation, key)
		}
		normalized, err := normalizeField(key, kind, value)
		if err != nil {
			return nil, err
		}
		out[key] = normalized
	}
	return out, nil
}

func normalizeField(key string, kind fieldKind, value any) (any, error) {
	switch kind {
	case fieldText, fieldOptionalText:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s must be a string", ErrValidation, key)
		}
		if kind == fieldText {
			if err := requireText(key, s); err != nil {
				return nil, err
			}
		}
		return strings.TrimSpace(s), nil
	case fieldMoney:
		var amount decimal.Decimal
		switch v := value.(type) {
		case string:
			parsed, err := decimal.NewFromString(v)
			if err != nil {
				return nil, fmt.Errorf("%w: %s is not a number", ErrValidation, key)
			}
			amount = parsed
		case float64:
			amount = decimal.NewFromFloat(v)
		case json.Number:
			parsed, err := decimal.NewFromString(v.String())
			if err != nil {
				return nil, fmt.Errorf("%w: %s is not a number", ErrValidation, key)
			}
			amount = parsed
		default:
			return nil, fmt.Errorf("%w: %s must be a number", ErrValidation, key)
		}
		if err := requirePositive(key, amount); err != nil {
			return nil, err
		}
		return amount.StringFixed(2), nil
	case fieldDate:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s must be a date string", ErrValidation, key)
		}
		parsed, err := time.Parse(DateLayout, s)
		if err != nil {
			return nil, fmt.Errorf("%w: %s must be YYYY-MM-DD", ErrValidation, key)
		}
		return parsed.Format(DateLayout), nil
	}
	return nil, fmt.Errorf("%w: unsupported field %q", ErrValidation, key)
}

func requireText(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: %s is required", ErrValidation, field)
	}
	return nil
}

func requirePositive(field string, value decimal.Decimal) error {
	if !value.IsPositive() {
		return fmt.Errorf("%w: %s must be positive", ErrValidation, field)
	}
	return nil
}

func requireDate(field string, value Date) error {
	if value.IsZero() {
		return fmt.Errorf("%w: %s is required", ErrValidation, field)
	}
	return nil
}

func firstError(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
