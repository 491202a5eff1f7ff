// Package payment drives a crypto deposit from creation at the provider
// to a terminal state, with a countdown and status polling.
package payment

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/cabinet/internal/domain"
	"github.com/vadiminshakov/cabinet/internal/metrics"
)

const (
	DefaultBudget       = 3599 * time.Second
	DefaultPollInterval = 5 * time.Second
	DefaultTickInterval = time.Second
	DefaultPollCeiling  = time.Hour
)

var (
	// ErrSessionBusy Create was called on a session that already left the idle state.
	ErrSessionBusy = errors.New("payment session is busy")
	// ErrSessionDisposed the session was disposed.
	ErrSessionDisposed = errors.New("payment session is disposed")
)

type provider interface {
	CreateCryptoDeposit(ctx context.Context, req domain.PaymentRequest) (domain.PaymentIntent, error)
	CryptoDepositStatus(ctx context.Context, depositID string) (string, error)
}

// Snapshot point-in-time copy of a session.
type Snapshot struct {
	CreatedAt        time.Time
	SessionID        string
	DepositID        string
	Currency         string
	PaymentAddress   string
	CheckoutURL      string
	QRCodeURL        string
	StatusLabel      string
	State            State
	Destination      domain.Destination
	Amount           decimal.Decimal
	RemainingSeconds int
}

// Option configures the Session.
type Option func(*Session)

// WithBudget sets how long the user has to pay.
func WithBudget(d time.Duration) Option {
	return func(s *Session) {
		if d >= time.Second {
			s.budget = d
		}
	}
}

// WithPollInterval sets the interval between status polls.
func WithPollInterval(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithTickInterval sets the countdown refresh interval.
func WithTickInterval(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.tickInterval = d
		}
	}
}

// WithPollCeiling sets the hard upper bound of the polling loop.
func WithPollCeiling(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.pollCeiling = d
		}
	}
}

// WithClock replaces the clock.
func WithClock(c clockwork.Clock) Option {
	return func(s *Session) {
		s.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.l = l
		}
	}
}

// WithOnChange registers an observer called with a snapshot after every change.
// Snapshots are delivered in order on a dedicated goroutine, so the observer
// may call back into the session, Dispose included.
func WithOnChange(fn func(Snapshot)) Option {
	return func(s *Session) {
		s.onChange = fn
	}
}

// Session one crypto deposit attempt.
//
// idle -> creating -> awaiting_payment -> paid | expired | cancelled.
// While awaiting payment a countdown loop and a poll loop run; every exit goes
// through release, which stops both of them.
type Session struct {
	provider provider
	clock    clockwork.Clock
	l        *zap.Logger
	onChange func(Snapshot)

	budget       time.Duration
	pollInterval time.Duration
	tickInterval time.Duration
	pollCeiling  time.Duration

	mu        sync.Mutex
	snap      Snapshot
	disposed  bool
	countdown clockwork.Ticker
	poller    clockwork.Ticker
	ceiling   clockwork.Timer
	cancel    context.CancelFunc
	done      chan struct{}
	released  bool
	queue     []Snapshot

	wake      chan struct{}
	delivered chan struct{}

	wg sync.WaitGroup
}

// NewSession creates an idle session.
func NewSession(p provider, opts ...Option) *Session {
	s := &Session{
		provider:     p,
		clock:        clockwork.NewRealClock(),
		l:            zap.NewNop(),
		budget:       DefaultBudget,
		pollInterval: DefaultPollInterval,
		tickInterval: DefaultTickInterval,
		pollCeiling:  DefaultPollCeiling,
		snap:         Snapshot{State: StateIdle},
		done:         make(chan struct{}),
		wake:         make(chan struct{}, 1),
		delivered:    make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.onChange != nil {
		go s.deliverLoop()
	} else {
		close(s.delivered)
	}

	return s
}

// Create creates the deposit at the provider and starts waiting for the payment.
// On failure the session returns to idle and can be created again.
func (s *Session) Create(ctx context.Context, req domain.PaymentRequest) error {
	if err := req.Validate(); err != nil {
		return errors.Wrap(err, "invalid payment request")
	}

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return ErrSessionDisposed
	}
	if s.snap.State != StateIdle {
		s.mu.Unlock()
		return ErrSessionBusy
	}
	s.snap = Snapshot{
		SessionID:   uuid.NewString(),
		State:       StateCreating,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Destination: req.Destination,
	}
	s.publish()
	s.mu.Unlock()

	intent, err := s.provider.CreateCryptoDeposit(ctx, req)

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		if err == nil {
			s.l.Warn("payment session disposed while creating, deposit left unattended",
				zap.String("deposit_id", intent.DepositID))
		}
		return ErrSessionDisposed
	}
	if err != nil {
		s.snap = Snapshot{State: StateIdle}
		s.publish()
		s.mu.Unlock()
		return errors.Wrap(err, "create crypto deposit")
	}

	s.snap.DepositID = intent.DepositID
	s.snap.PaymentAddress = intent.PaymentAddress
	s.snap.CheckoutURL = intent.CheckoutURL
	s.snap.QRCodeURL = intent.QRCodeURL
	if !intent.Amount.IsZero() {
		s.snap.Amount = intent.Amount
	}
	if intent.Currency != "" {
		s.snap.Currency = intent.Currency
	}
	s.snap.CreatedAt = s.clock.Now()
	s.snap.RemainingSeconds = s.budgetSeconds()
	s.snap.State = StateAwaiting

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.countdown = s.clock.NewTicker(s.tickInterval)
	s.poller = s.clock.NewTicker(s.pollInterval)
	s.ceiling = s.clock.NewTimer(s.pollCeiling)

	s.wg.Add(2)
	go s.countdownLoop(loopCtx, s.countdown)
	go s.pollLoop(loopCtx, s.poller, s.ceiling)

	metrics.PaymentSessionsActive.Inc()
	s.publish()
	snap := s.snap
	s.mu.Unlock()

	if intent.PaymentAddress == "" {
		s.l.Warn("provider returned no payment address", zap.String("deposit_id", intent.DepositID))
	}
	s.l.Info("payment session awaiting payment",
		zap.String("session_id", snap.SessionID),
		zap.String("deposit_id", snap.DepositID),
		zap.String("amount", snap.Amount.String()),
		zap.String("currency", snap.Currency),
		zap.String("destination", snap.Destination.String()))

	return nil
}

func (s *Session) budgetSeconds() int {
	return int(s.budget / time.Second)
}

func (s *Session) countdownLoop(ctx context.Context, ticker clockwork.Ticker) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.tick()
		}
	}
}

func (s *Session) tick() {
	s.mu.Lock()
	if s.snap.State != StateAwaiting {
		s.mu.Unlock()
		return
	}

	elapsed := int(s.clock.Since(s.snap.CreatedAt) / time.Second)
	remaining := s.budgetSeconds() - elapsed
	if remaining < 0 {
		remaining = 0
	}
	s.snap.RemainingSeconds = remaining
	if remaining == 0 {
		s.finish(StateExpired)
	}
	s.publish()
	snap := s.snap
	s.mu.Unlock()

	if snap.State == StateExpired {
		s.l.Info("payment session expired", zap.String("deposit_id", snap.DepositID))
	}
}

func (s *Session) pollLoop(ctx context.Context, ticker clockwork.Ticker, ceiling clockwork.Timer) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ceiling.Chan():
			s.expireAtCeiling()
			return
		case <-ticker.Chan():
			s.poll(ctx)
		}
	}
}

func (s *Session) poll(ctx context.Context) {
	s.mu.Lock()
	if s.snap.State != StateAwaiting {
		s.mu.Unlock()
		return
	}
	depositID := s.snap.DepositID
	s.mu.Unlock()

	status, err := s.provider.CryptoDepositStatus(ctx, depositID)

	s.mu.Lock()
	if s.snap.State != StateAwaiting {
		s.mu.Unlock()
		metrics.PaymentPollTotal.WithLabelValues("stale").Inc()
		s.l.Debug("ignoring poll result of a finished session",
			zap.String("deposit_id", depositID), zap.String("status", status))
		return
	}
	if err != nil {
		s.mu.Unlock()
		metrics.PaymentPollTotal.WithLabelValues("failed").Inc()
		s.l.Warn("payment status poll failed", zap.String("deposit_id", depositID), zap.Error(err))
		return
	}

	s.snap.StatusLabel = status
	result := "pending"
	if domain.IsPaidStatus(status) {
		s.finish(StatePaid)
		result = "paid"
	}
	s.publish()
	paid := s.snap.State == StatePaid
	s.mu.Unlock()

	metrics.PaymentPollTotal.WithLabelValues(result).Inc()
	if paid {
		s.l.Info("payment received", zap.String("deposit_id", depositID), zap.String("status", status))
	}
}

func (s *Session) expireAtCeiling() {
	s.mu.Lock()
	if s.snap.State != StateAwaiting {
		s.mu.Unlock()
		return
	}
	s.finish(StateExpired)
	s.publish()
	depositID := s.snap.DepositID
	s.mu.Unlock()

	s.l.Info("payment polling ceiling reached", zap.String("deposit_id", depositID))
}

// finish moves the session to a terminal state and releases it. Callers hold s.mu.
func (s *Session) finish(state State) {
	if s.snap.State == StateAwaiting {
		metrics.PaymentSessionsActive.Dec()
	}
	s.snap.State = state
	metrics.PaymentSessionsTotal.WithLabelValues(state.String()).Inc()
	s.release()
}

// release stops the countdown, the poller and the ceiling timer and cancels the loop context.
// It never waits for the loops. Callers hold s.mu.
func (s *Session) release() {
	if s.released {
		return
	}
	s.released = true

	if s.countdown != nil {
		s.countdown.Stop()
	}
	if s.poller != nil {
		s.poller.Stop()
	}
	if s.ceiling != nil {
		s.ceiling.Stop()
	}
	if s.cancel != nil {
		s.cancel()
	}
	close(s.done)
}

// Dispose cancels a session that has not finished yet and waits for its loops to exit.
// A finished session keeps its state. Safe to call more than once, from the
// observer too. Pending observer calls are not waited for, see Delivered.
func (s *Session) Dispose() {
	s.mu.Lock()
	if !s.disposed {
		s.disposed = true
		if !s.snap.State.Terminal() {
			s.finish(StateCancelled)
			s.publish()
		}
		s.release()
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// Delivered is closed once the observer has seen every snapshot of a finished session.
func (s *Session) Delivered() <-chan struct{} {
	return s.delivered
}

// Snapshot returns a copy of the session.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// Done is closed once the session is finished.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.State
}

// RemainingSeconds returns the seconds left to pay.
func (s *Session) RemainingSeconds() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.RemainingSeconds
}

// Status returns the last status reported by the provider.
func (s *Session) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.StatusLabel
}

// publish queues the current snapshot for the observer. Callers hold s.mu.
func (s *Session) publish() {
	if s.onChange == nil {
		return
	}
	s.queue = append(s.queue, s.snap)
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// deliverLoop runs the observer outside the loops tracked by wg. Snapshots of a
// released session are queued in the same critical section that releases it,
// so the batch taken after release is the last one.
func (s *Session) deliverLoop() {
	defer close(s.delivered)

	for {
		select {
		case <-s.wake:
		case <-s.done:
		}

		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		released := s.released
		s.mu.Unlock()

		for _, snap := range batch {
			s.onChange(snap)
		}
		if released {
			return
		}
	}
}
