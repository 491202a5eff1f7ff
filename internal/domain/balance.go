package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// BalanceSource where a balance value came from.
type BalanceSource string

const (
	// SourceSnapshot balance embedded in the accounts list response.
	SourceSnapshot BalanceSource = "snapshot"
	// SourceLive balance fetched from the per-account live endpoint.
	SourceLive BalanceSource = "live"
)

// AccountBalance last known balance state of one trading account.
type AccountBalance struct {
	UpdatedAt  time.Time       `json:"updated_at"`
	Identifier string          `json:"account_number"`
	Currency   string          `json:"currency,omitempty"`
	Source     BalanceSource   `json:"source"`
	Balance    decimal.Decimal `json:"balance"`
	Credit     decimal.Decimal `json:"credit"`
	Equity     decimal.Decimal `json:"equity"`
	Margin     decimal.Decimal `json:"margin"`
	Leverage   decimal.Decimal `json:"leverage"`
}

// NewAccountBalance creates a new AccountBalance.
func NewAccountBalance(
	identifier string,
	balance decimal.Decimal,
	credit decimal.Decimal,
	equity decimal.Decimal,
	margin decimal.Decimal,
	leverage decimal.Decimal,
	currency string,
	source BalanceSource,
	updatedAt time.Time,
) AccountBalance {
	return AccountBalance{
		Identifier: identifier,
		Balance:    balance,
		Credit:     credit,
		Equity:     equity,
		Margin:     margin,
		Leverage:   leverage,
		Currency:   currency,
		Source:     source,
		UpdatedAt:  updatedAt,
	}
}

// AccountSummary aggregate figures over the real accounts of a user.
type AccountSummary struct {
	ComputedAt       time.Time       `json:"computed_at"`
	TotalBalance     decimal.Decimal `json:"total_balance"`
	TotalCredit      decimal.Decimal `json:"total_credit"`
	TotalEquity      decimal.Decimal `json:"total_equity"`
	TotalDeposits    decimal.Decimal `json:"total_deposits"`
	TotalWithdrawals decimal.Decimal `json:"total_withdrawals"`
	Accounts         int             `json:"accounts"`
	Loading          bool            `json:"loading"`
}

// Equal reports whether both summaries carry the same figures.
// ComputedAt is ignored.
func (s AccountSummary) Equal(o AccountSummary) bool {
	return s.TotalBalance.Equal(o.TotalBalance) &&
		s.TotalCredit.Equal(o.TotalCredit) &&
		s.TotalEquity.Equal(o.TotalEquity) &&
		s.TotalDeposits.Equal(o.TotalDeposits) &&
		s.TotalWithdrawals.Equal(o.TotalWithdrawals) &&
		s.Accounts == o.Accounts &&
		s.Loading == o.Loading
}
