// Package domain defines core data structures shared by the balance and payment components.
package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// AccountRecord trading account as returned by the accounts list.
type AccountRecord struct {
	Identifier    string
	Platform      string
	AccountStatus string
	Currency      string
	IsDemo        bool
	Balance       decimal.Decimal
	Credit        decimal.Decimal
	Equity        decimal.Decimal
	Margin        decimal.Decimal
	Leverage      decimal.Decimal
}

// StoredBalance returns the balance embedded in the record itself.
func (r AccountRecord) StoredBalance(at time.Time) AccountBalance {
	return NewAccountBalance(r.Identifier, r.Balance, r.Credit, r.Equity, r.Margin, r.Leverage,
		r.Currency, SourceSnapshot, at)
}

// AccountClass result of account classification.
type AccountClass string

const (
	// ClassActive account on the trading platform with an active status.
	ClassActive AccountClass = "active"
	// ClassArchived account on the trading platform with any other status.
	ClassArchived AccountClass = "archived"
	// ClassForeign account on another platform; excluded everywhere.
	ClassForeign AccountClass = "foreign"
)

// String returns the string representation.
func (c AccountClass) String() string {
	return string(c)
}

// Classify splits accounts of the given platform into active and archived ones.
// Empty, "active" and "null" statuses are active, anything else is archived.
func Classify(r AccountRecord, platform string) AccountClass {
	if !strings.EqualFold(strings.TrimSpace(r.Platform), strings.TrimSpace(platform)) {
		return ClassForeign
	}

	switch strings.ToLower(strings.TrimSpace(r.AccountStatus)) {
	case "", "active", "null":
		return ClassActive
	default:
		return ClassArchived
	}
}

// IsReal reports whether the account takes part in aggregate totals.
func IsReal(r AccountRecord, platform string) bool {
	return !r.IsDemo && Classify(r, platform) == ClassActive
}

// Dedup drops records whose identifier was already seen. The first occurrence wins.
func Dedup(records []AccountRecord) []AccountRecord {
	seen := make(map[string]struct{}, len(records))
	out := make([]AccountRecord, 0, len(records))
	for _, r := range records {
		if _, ok := seen[r.Identifier]; ok {
			continue
		}
		seen[r.Identifier] = struct{}{}
		out = append(out, r)
	}

	return out
}

// Transfer approved deposit or withdrawal.
type Transfer struct {
	CreatedAt time.Time
	ID        string
	Currency  string
	Status    string
	Amount    decimal.Decimal
}

// SumTransfers adds up transfer amounts.
func SumTransfers(transfers []Transfer) decimal.Decimal {
	total := decimal.Zero
	for _, t := range transfers {
		total = total.Add(t.Amount)
	}

	return total
}
