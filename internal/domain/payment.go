package domain

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// DestinationKind where deposited funds are credited.
type DestinationKind string

const (
	// DestinationWallet user wallet.
	DestinationWallet DestinationKind = "wallet"
	// DestinationAccount a specific trading account.
	DestinationAccount DestinationKind = "account"
)

// Destination deposit target.
type Destination struct {
	Kind      DestinationKind
	AccountID string
}

// WalletDestination returns the wallet destination.
func WalletDestination() Destination {
	return Destination{Kind: DestinationWallet}
}

// AccountDestination returns a trading account destination.
func AccountDestination(id string) Destination {
	return Destination{Kind: DestinationAccount, AccountID: id}
}

// String returns the string representation.
func (d Destination) String() string {
	if d.Kind == DestinationAccount {
		return fmt.Sprintf("%s:%s", d.Kind, d.AccountID)
	}
	return string(d.Kind)
}

// Validate checks the destination.
func (d Destination) Validate() error {
	switch d.Kind {
	case DestinationWallet:
		return nil
	case DestinationAccount:
		if strings.TrimSpace(d.AccountID) == "" {
			return errors.New("account destination requires an account number")
		}
		return nil
	default:
		return fmt.Errorf("unknown destination %q", d.Kind)
	}
}

// PaymentRequest crypto deposit the user confirmed.
type PaymentRequest struct {
	Destination Destination
	Currency    string
	Amount      decimal.Decimal
}

// Validate checks the request before it is sent to the provider.
func (r PaymentRequest) Validate() error {
	if !r.Amount.IsPositive() {
		return fmt.Errorf("amount must be positive, got %s", r.Amount.String())
	}
	if strings.TrimSpace(r.Currency) == "" {
		return errors.New("currency is required")
	}
	return r.Destination.Validate()
}

// PaymentIntent provider answer to a create call.
type PaymentIntent struct {
	DepositID      string
	PaymentAddress string
	CheckoutURL    string
	QRCodeURL      string
	Currency       string
	Amount         decimal.Decimal
}

// terminal provider statuses meaning the payment went through.
var paidStatuses = map[string]struct{}{
	"paid":      {},
	"paid_over": {},
	"completed": {},
	"success":   {},
}

// IsPaidStatus reports whether the provider status is a terminal paid status.
func IsPaidStatus(status string) bool {
	_, ok := paidStatuses[strings.ToLower(strings.TrimSpace(status))]
	return ok
}
