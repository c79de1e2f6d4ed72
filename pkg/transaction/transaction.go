// Package transaction defines the transaction record shared by the store,
// the admission guard and the monitor.
package transaction

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidAmount is returned for empty, malformed or non-positive amounts.
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrUnknownMethod is returned for payment methods outside the accepted set.
	ErrUnknownMethod = errors.New("unknown payment method")
	// ErrInvalidOwner is returned when a candidate has no owner.
	ErrInvalidOwner = errors.New("invalid owner")
)

// PaymentMethod is one of a fixed set of accepted payment methods.
type PaymentMethod string

// Accepted payment methods.
const (
	CreditCard PaymentMethod = "Tarjeta Crédito"
	DebitCard  PaymentMethod = "Tarjeta Débito"
	Transfer   PaymentMethod = "Transferencia"
	Cash       PaymentMethod = "Efectivo"
)

// Methods lists the accepted payment methods in display order.
func Methods() []PaymentMethod {
	return []PaymentMethod{CreditCard, DebitCard, Transfer, Cash}
}

// Valid reports whether m is an accepted payment method.
func (m PaymentMethod) Valid() bool {
	for _, known := range Methods() {
		if m == known {
			return true
		}
	}
	return false
}

// ParseMethod validates a payment method name.
func ParseMethod(s string) (PaymentMethod, error) {
	m := PaymentMethod(strings.TrimSpace(s))
	if !m.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownMethod, s)
	}
	return m, nil
}

// Transaction is a stored transaction. Everything except Flagged is
// immutable once the store has assigned an ID.
type Transaction struct {
	ID        int64           `json:"id"`
	OwnerID   int64           `json:"owner_id"`
	Amount    decimal.Decimal `json:"amount"`
	Timestamp time.Time       `json:"timestamp"`
	Method    PaymentMethod   `json:"payment_method"`
	Flagged   bool            `json:"flagged"`
}

// Candidate is a transaction submitted for admission, before it is stored.
type Candidate struct {
	OwnerID int64
	Amount  decimal.Decimal
	Method  PaymentMethod
}

// Validate checks the candidate against the admission rules.
func (c Candidate) Validate() error {
	if c.OwnerID <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidOwner, c.OwnerID)
	}
	if !c.Amount.IsPositive() {
		return fmt.Errorf("%w: must be positive", ErrInvalidAmount)
	}
	if !c.Amount.Equal(c.Amount.Round(2)) {
		return fmt.Errorf("%w: more than 2 decimal places", ErrInvalidAmount)
	}
	if !c.Method.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownMethod, c.Method)
	}
	return nil
}

var amountNoise = regexp.MustCompile(`[^\d.,-]`)

// ParseAmount normalises a user-entered amount. Currency symbols and spaces
// are dropped; a comma followed by exactly two digits is a decimal comma,
// any other comma is a thousands separator. The result is rounded to two
// decimals and must be positive.
func ParseAmount(s string) (decimal.Decimal, error) {
	clean := amountNoise.ReplaceAllString(strings.TrimSpace(s), "")
	if clean == "" {
		return decimal.Zero, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}

	if i := strings.LastIndex(clean, ","); i >= 0 {
		if len(clean)-i-1 == 2 {
			clean = strings.ReplaceAll(clean[:i], ".", "") + "." + clean[i+1:]
		} else {
			clean = strings.ReplaceAll(clean, ",", "")
		}
	}

	d, err := decimal.NewFromString(clean)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	d = d.Round(2)
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: must be positive", ErrInvalidAmount)
	}
	return d, nil
}
