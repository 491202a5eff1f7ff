// Package wizard is the terminal deposit flow: it collects the deposit details
// and renders the running payment session.
package wizard

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/cabinet/internal/domain"
)

// ErrCancelled the user declined the confirmation.
var ErrCancelled = errors.New("deposit cancelled by user")

const walletValue = "wallet"

var (
	subtle    = lipgloss.AdaptiveColor{Light: "#D9DCCF", Dark: "#383838"}
	highlight = lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}
	special   = lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}
	warning   = lipgloss.AdaptiveColor{Light: "#F25D94", Dark: "#F55385"}

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Background(highlight).
			Padding(1, 2).
			Bold(true).
			MarginBottom(1)

	stepStyle = lipgloss.NewStyle().
			Foreground(special).
			Bold(true).
			MarginTop(1).
			MarginBottom(0)

	boxStyle = lipgloss.NewStyle().Border(lipgloss.NormalBorder()).Padding(1)
)

// RunDeposit asks for the destination, the amount and a confirmation.
// Entered values survive a failed attempt when the same form state is passed again.
func RunDeposit(accounts []domain.AccountRecord, currency string, minAmount decimal.Decimal, form *Form) (domain.PaymentRequest, error) {
	if form == nil {
		form = &Form{}
	}
	if form.Destination == "" {
		form.Destination = walletValue
	}

	clearScreen()
	fmt.Println(headerStyle.Render("CRYPTO DEPOSIT"))
	fmt.Println(lipgloss.NewStyle().Foreground(subtle).Render(fmt.Sprintf("Top up with %s.\n", currency)))

	fmt.Println(stepStyle.Render("STEP 1: DESTINATION AND AMOUNT"))
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Where should the funds go?").
				Options(destinationOptions(accounts)...).
				Value(&form.Destination),
			huh.NewInput().
				Title(fmt.Sprintf("Amount, %s", currency)).
				Description(fmt.Sprintf("At least %s", minAmount.String())).
				Value(&form.Amount).
				Validate(func(s string) error {
					return validateAmount(s, minAmount)
				}),
		),
	).Run()
	if err != nil {
		return domain.PaymentRequest{}, errors.Wrap(err, "deposit form")
	}

	req, err := form.Request(currency)
	if err != nil {
		return domain.PaymentRequest{}, err
	}

	clearScreen()
	fmt.Println(headerStyle.Render("CRYPTO DEPOSIT"))
	fmt.Println(stepStyle.Render("STEP 2: CONFIRMATION"))
	fmt.Println(boxStyle.Render(fmt.Sprintf("Amount: %s %s\nDestination: %s\n",
		req.Amount.String(), req.Currency, req.Destination.String())))

	var confirm bool
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Create the payment?").
				Affirmative("Yes, create").
				Negative("No, exit").
				Value(&confirm),
		),
	).Run()
	if err != nil {
		return domain.PaymentRequest{}, errors.Wrap(err, "confirmation form")
	}
	if !confirm {
		return domain.PaymentRequest{}, ErrCancelled
	}

	return req, nil
}

// Form values entered by the user.
type Form struct {
	Destination string
	Amount      string
}

// Request turns the form into a payment request.
func (f Form) Request(currency string) (domain.PaymentRequest, error) {
	amount, err := decimal.NewFromString(strings.TrimSpace(f.Amount))
	if err != nil {
		return domain.PaymentRequest{}, errors.Wrapf(err, "parse amount %q", f.Amount)
	}

	dest := domain.WalletDestination()
	if f.Destination != "" && f.Destination != walletValue {
		dest = domain.AccountDestination(f.Destination)
	}

	req := domain.PaymentRequest{Amount: amount, Currency: currency, Destination: dest}
	if err := req.Validate(); err != nil {
		return domain.PaymentRequest{}, err
	}

	return req, nil
}

func destinationOptions(accounts []domain.AccountRecord) []huh.Option[string] {
	opts := []huh.Option[string]{huh.NewOption("Wallet", walletValue)}
	for _, a := range accounts {
		if a.IsDemo {
			continue
		}
		label := fmt.Sprintf("Account %s", a.Identifier)
		if a.Currency != "" {
			label = fmt.Sprintf("%s (%s)", label, a.Currency)
		}
		opts = append(opts, huh.NewOption(label, a.Identifier))
	}
	return opts
}

func validateAmount(s string, minAmount decimal.Decimal) error {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("must be a valid number")
	}
	if !d.IsPositive() {
		return fmt.Errorf("must be greater than zero")
	}
	if d.LessThan(minAmount) {
		return fmt.Errorf("must be at least %s", minAmount.String())
	}
	return nil
}

func clearScreen() {
	fmt.Print("\033[H\033[2J")
}
