package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/vadiminshakov/cabinet/internal/domain"
	"github.com/vadiminshakov/cabinet/internal/metrics"
)

const (
	defaultTimeout      = 15 * time.Second
	maxResponseBodySize = 4 << 20
	requestIDHeader     = "X-Request-Id"
)

// ErrUnauthenticated the token is missing or was rejected by the backend.
var ErrUnauthenticated = errors.New("not authenticated")

// APIError non-2xx answer or an envelope with success=false.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("cabinet API returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("cabinet API returned status %d: %s", e.StatusCode, e.Message)
}

// CabinetClient talks to the cabinet backend API.
type CabinetClient struct {
	baseURL    string
	creds      CredentialProvider
	httpClient *http.Client
	limiter    *rate.Limiter
	l          *zap.Logger
}

// Option configures the CabinetClient.
type Option func(*CabinetClient)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cc *CabinetClient) {
		cc.httpClient = c
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(cc *CabinetClient) {
		if d > 0 {
			cc.httpClient.Timeout = d
		}
	}
}

// WithRateLimit limits outgoing requests. rps <= 0 disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(cc *CabinetClient) {
		if rps <= 0 {
			cc.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		cc.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(cc *CabinetClient) {
		if l != nil {
			cc.l = l
		}
	}
}

// NewCabinetClient creates a client for the API rooted at baseURL.
func NewCabinetClient(baseURL string, creds CredentialProvider, opts ...Option) *CabinetClient {
	c := &CabinetClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		creds:   creds,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
		l: zap.NewNop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

type accountDTO struct {
	AccountNumber flexString `json:"account_number"`
	Platform      string     `json:"platform"`
	AccountStatus flexString `json:"account_status"`
	Currency      string     `json:"currency"`
	IsDemo        bool       `json:"is_demo"`
	Balance       amount     `json:"balance"`
	Credit        amount     `json:"credit"`
	Equity        amount     `json:"equity"`
	Margin        amount     `json:"margin"`
	Leverage      amount     `json:"leverage"`
}

func (a accountDTO) toDomain() domain.AccountRecord {
	return domain.AccountRecord{
		Identifier:    a.AccountNumber.String(),
		Platform:      a.Platform,
		AccountStatus: a.AccountStatus.String(),
		Currency:      a.Currency,
		IsDemo:        a.IsDemo,
		Balance:       a.Balance.Decimal,
		Credit:        a.Credit.Decimal,
		Equity:        a.Equity.Decimal,
		Margin:        a.Margin.Decimal,
		Leverage:      a.Leverage.Decimal,
	}
}

type balanceDTO struct {
	Balance  amount `json:"balance"`
	Credit   amount `json:"credit"`
	Equity   amount `json:"equity"`
	Margin   amount `json:"margin"`
	Leverage amount `json:"leverage"`
	Currency string `json:"currency"`
}

type transferDTO struct {
	ID        flexString `json:"id"`
	Amount    amount     `json:"amount"`
	Currency  string     `json:"currency"`
	Status    string     `json:"status"`
	CreatedAt string     `json:"created_at"`
}

func (t transferDTO) toDomain() domain.Transfer {
	out := domain.Transfer{
		ID:       t.ID.String(),
		Amount:   t.Amount.Decimal,
		Currency: t.Currency,
		Status:   t.Status,
	}
	if ts, err := time.Parse(time.RFC3339, t.CreatedAt); err == nil {
		out.CreatedAt = ts
	}
	return out
}

type createDepositRequest struct {
	Amount        json.Number `json:"amount"`
	Currency      string      `json:"currency"`
	Destination   string      `json:"destination"`
	AccountNumber string      `json:"account_number,omitempty"`
}

type createDepositResponse struct {
	DepositID      flexString `json:"depositId"`
	PaymentAddress string     `json:"paymentAddress"`
	CheckoutURL    string     `json:"checkoutUrl"`
	QRCodeURL      string     `json:"qrCodeUrl"`
	Amount         amount     `json:"amount"`
	Currency       string     `json:"currency"`
}

type depositStatusResponse struct {
	CregisStatus string `json:"cregisStatus"`
	Status       string `json:"status"`
}

// Accounts returns the trading accounts of the user, as sent by the backend (duplicates included).
func (c *CabinetClient) Accounts(ctx context.Context) ([]domain.AccountRecord, error) {
	env, err := c.do(ctx, "accounts", http.MethodGet, "/accounts", nil, nil)
	if err != nil {
		return nil, err
	}

	dtos, err := decodeList[accountDTO](env)
	if err != nil {
		return nil, errors.Wrap(err, "decode accounts")
	}

	records := make([]domain.AccountRecord, 0, len(dtos))
	for _, dto := range dtos {
		records = append(records, dto.toDomain())
	}

	return records, nil
}

// AccountBalance fetches the live balance of one trading account.
func (c *CabinetClient) AccountBalance(ctx context.Context, id string) (domain.AccountBalance, error) {
	path := fmt.Sprintf("/accounts/%s/balance", url.PathEscape(id))
	env, err := c.do(ctx, "account_balance", http.MethodGet, path, nil, nil)
	if err != nil {
		return domain.AccountBalance{}, err
	}

	var dto balanceDTO
	if err := decodeData(env, &dto); err != nil {
		return domain.AccountBalance{}, errors.Wrapf(err, "decode balance of %s", id)
	}

	return domain.NewAccountBalance(id, dto.Balance.Decimal, dto.Credit.Decimal, dto.Equity.Decimal,
		dto.Margin.Decimal, dto.Leverage.Decimal, dto.Currency, domain.SourceLive, time.Now()), nil
}

// ApprovedDeposits returns up to limit approved deposits.
func (c *CabinetClient) ApprovedDeposits(ctx context.Context, limit int) ([]domain.Transfer, error) {
	return c.approvedTransfers(ctx, "deposits", "/deposits/my", limit)
}

// ApprovedWithdrawals returns up to limit approved withdrawals.
func (c *CabinetClient) ApprovedWithdrawals(ctx context.Context, limit int) ([]domain.Transfer, error) {
	return c.approvedTransfers(ctx, "withdrawals", "/withdrawals/my", limit)
}

func (c *CabinetClient) approvedTransfers(ctx context.Context, endpoint, path string, limit int) ([]domain.Transfer, error) {
	query := url.Values{"status": {"approved"}}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}

	env, err := c.do(ctx, endpoint, http.MethodGet, path, query, nil)
	if err != nil {
		return nil, err
	}

	dtos, err := decodeList[transferDTO](env)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", endpoint)
	}

	out := make([]domain.Transfer, 0, len(dtos))
	for _, dto := range dtos {
		out = append(out, dto.toDomain())
	}

	return out, nil
}

// CreateCryptoDeposit creates a crypto deposit at the payment provider.
func (c *CabinetClient) CreateCryptoDeposit(ctx context.Context, req domain.PaymentRequest) (domain.PaymentIntent, error) {
	body := createDepositRequest{
		Amount:      json.Number(req.Amount.String()),
		Currency:    req.Currency,
		Destination: string(req.Destination.Kind),
	}
	if req.Destination.Kind == domain.DestinationAccount {
		body.AccountNumber = req.Destination.AccountID
	}

	env, err := c.do(ctx, "deposit_create", http.MethodPost, "/deposits/cregis/create", nil, body)
	if err != nil {
		return domain.PaymentIntent{}, err
	}

	var dto createDepositResponse
	if err := decodeData(env, &dto); err != nil {
		return domain.PaymentIntent{}, errors.Wrap(err, "decode created deposit")
	}
	if dto.DepositID == "" {
		return domain.PaymentIntent{}, errors.New("payment provider returned no deposit id")
	}

	intent := domain.PaymentIntent{
		DepositID:      dto.DepositID.String(),
		PaymentAddress: dto.PaymentAddress,
		CheckoutURL:    dto.CheckoutURL,
		QRCodeURL:      dto.QRCodeURL,
		Amount:         dto.Amount.Decimal,
		Currency:       dto.Currency,
	}
	if intent.Amount.IsZero() {
		intent.Amount = req.Amount
	}
	if intent.Currency == "" {
		intent.Currency = req.Currency
	}

	return intent, nil
}

// CryptoDepositStatus returns the provider status of a crypto deposit.
func (c *CabinetClient) CryptoDepositStatus(ctx context.Context, depositID string) (string, error) {
	path := fmt.Sprintf("/deposits/cregis/status/%s", url.PathEscape(depositID))
	env, err := c.do(ctx, "deposit_status", http.MethodGet, path, nil, nil)
	if err != nil {
		return "", err
	}

	var dto depositStatusResponse
	if err := decodeData(env, &dto); err != nil {
		return "", errors.Wrapf(err, "decode status of deposit %s", depositID)
	}
	if dto.CregisStatus != "" {
		return dto.CregisStatus, nil
	}

	return dto.Status, nil
}

// do sends one request and returns the decoded envelope.
func (c *CabinetClient) do(ctx context.Context, endpoint, method, path string, query url.Values, body any) (envelope, error) {
	token, err := c.creds.Token(ctx)
	if err != nil {
		return envelope{}, errors.Wrapf(ErrUnauthenticated, "%s %s: %v", method, path, err)
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return envelope{}, errors.Wrap(err, "rate limiter")
		}
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return envelope{}, errors.Wrap(err, "failed to marshal request")
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return envelope{}, errors.Wrap(err, "failed to create HTTP request")
	}

	requestID := uuid.NewString()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set(requestIDHeader, requestID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.APIRequestsTotal.WithLabelValues(endpoint, "error").Inc()
		return envelope{}, errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	metrics.APIRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return envelope{}, errors.Wrap(err, "failed to read response body")
	}

	c.l.Debug("cabinet API call",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.String("request_id", requestID))

	if resp.StatusCode == http.StatusUnauthorized {
		return envelope{}, errors.Wrapf(ErrUnauthenticated, "%s %s", method, path)
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if decodeErr == nil {
			apiErr.Message = env.errorMessage()
		}
		if apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		return envelope{}, apiErr
	}

	if decodeErr != nil {
		return envelope{}, errors.Wrapf(decodeErr, "decode %s %s response", method, path)
	}
	if env.failed() {
		return envelope{}, &APIError{StatusCode: resp.StatusCode, Message: env.errorMessage()}
	}

	return env, nil
}
