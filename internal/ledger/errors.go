package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrInvalidAmount is returned when a mutation amount is zero or negative.
var ErrInvalidAmount = errors.New("ledger: amount must be positive")

// InsufficientCreditsError is returned when a debit would push the balance
// below the credit floor. Balance and Required are carried for client
// display; no mutation has occurred when this error is returned.
type InsufficientCreditsError struct {
	UserID   string
	Balance  decimal.Decimal
	Required decimal.Decimal
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits for %s: balance %s, required %s",
		e.UserID, e.Balance.String(), e.Required.String())
}

// IsInsufficientCredits reports whether err is an InsufficientCreditsError.
func IsInsufficientCredits(err error) bool {
	var ice *InsufficientCreditsError
	return errors.As(err, &ice)
}
