package wizard

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/vadiminshakov/cabinet/internal/payment"
)

// FormatRemaining renders seconds as mm:ss.
func FormatRemaining(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}

// RenderSession renders the session state for the terminal.
func RenderSession(snap payment.Snapshot) string {
	var b strings.Builder

	b.WriteString(headerStyle.Render("CRYPTO DEPOSIT"))
	b.WriteString("\n")

	lines := []string{
		fmt.Sprintf("Deposit:     %s", valueOr(snap.DepositID, "-")),
		fmt.Sprintf("Amount:      %s %s", snap.Amount.String(), snap.Currency),
		fmt.Sprintf("Destination: %s", snap.Destination.String()),
	}
	if snap.PaymentAddress != "" {
		lines = append(lines, fmt.Sprintf("Address:     %s", snap.PaymentAddress))
	}
	if snap.CheckoutURL != "" {
		lines = append(lines, fmt.Sprintf("Checkout:    %s", snap.CheckoutURL))
	}
	if snap.StatusLabel != "" {
		lines = append(lines, fmt.Sprintf("Provider:    %s", snap.StatusLabel))
	}
	b.WriteString(boxStyle.Render(strings.Join(lines, "\n")))
	b.WriteString("\n")

	b.WriteString(stateLine(snap))
	b.WriteString("\n")

	return b.String()
}

func stateLine(snap payment.Snapshot) string {
	switch snap.State {
	case payment.StateAwaiting:
		return stepStyle.Render(fmt.Sprintf("Waiting for payment, %s left", FormatRemaining(snap.RemainingSeconds)))
	case payment.StatePaid:
		return lipgloss.NewStyle().Foreground(special).Bold(true).Render("Payment received")
	case payment.StateExpired:
		return lipgloss.NewStyle().Foreground(warning).Bold(true).Render("Payment session expired")
	case payment.StateCancelled:
		return lipgloss.NewStyle().Foreground(subtle).Render("Payment cancelled")
	default:
		return lipgloss.NewStyle().Foreground(subtle).Render("Creating payment...")
	}
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
