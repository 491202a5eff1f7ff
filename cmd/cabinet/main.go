// Command cabinet is the client-side core of a trading-account dashboard.
//
// Usage:
//
//	cabinet --config config.yaml dashboard
//	cabinet --config config.yaml deposit
//
// Required environment variables:
//
//	CABINET_TOKEN: bearer token of the cabinet API
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/charmbracelet/huh"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/vadiminshakov/cabinet/config"
	"github.com/vadiminshakov/cabinet/internal/balances"
	"github.com/vadiminshakov/cabinet/internal/clients"
	"github.com/vadiminshakov/cabinet/internal/domain"
	"github.com/vadiminshakov/cabinet/internal/events"
	"github.com/vadiminshakov/cabinet/internal/metrics"
	"github.com/vadiminshakov/cabinet/internal/payment"
	"github.com/vadiminshakov/cabinet/internal/web"
	"github.com/vadiminshakov/cabinet/internal/wizard"
)

func main() {
	cfg, command, err := config.Get(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.MustRegister()

	creds := clients.NewTokenStore(cfg.Token)
	burst := int(cfg.RequestsPerSecond)
	client := clients.NewCabinetClient(cfg.APIURL, creds,
		clients.WithTimeout(cfg.RequestTimeout),
		clients.WithRateLimit(cfg.RequestsPerSecond, burst),
		clients.WithLogger(logger.Named("api")),
	)

	switch command {
	case config.CommandDeposit:
		err = runDeposit(ctx, cfg, client, logger.Named("deposit"))
	default:
		err = runDashboard(ctx, cfg, client, creds, logger.Named("dashboard"))
	}

	if err != nil {
		if errors.Is(err, clients.ErrUnauthenticated) {
			logger.Fatal("not authenticated, set a valid token in "+config.TokenEnv, zap.Error(err))
		}
		logger.Fatal("cabinet stopped", zap.Error(err))
	}
}

func newLogger(level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, errors.Wrapf(err, "invalid log level %q", level)
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)

	return zcfg.Build()
}

// clearingLoader drops the token once the backend rejected it.
type clearingLoader struct {
	*balances.Aggregator
	creds *clients.TokenStore
}

func (c clearingLoader) Load(ctx context.Context) error {
	err := c.Aggregator.Load(ctx)
	if errors.Is(err, clients.ErrUnauthenticated) {
		c.creds.Clear()
	}
	return err
}

func runDashboard(ctx context.Context, cfg config.Config, client *clients.CabinetClient, creds *clients.TokenStore, l *zap.Logger) error {
	broadcaster := events.NewSummaryBroadcaster(16)

	agg := balances.NewAggregator(client, client, broadcaster,
		balances.WithPlatform(cfg.Platform),
		balances.WithDebounce(cfg.RefreshDebounce),
		balances.WithHistoryLimit(cfg.HistoryLimit),
		balances.WithLogger(l),
	)
	defer agg.Close()

	source := clearingLoader{Aggregator: agg, creds: creds}
	if err := source.Load(ctx); err != nil {
		return errors.Wrap(err, "load accounts")
	}

	srv := web.NewServer(cfg.Web.Addr, source, broadcaster, l.Named("web"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if len(cfg.Web.TLSDomains) > 0 {
			return srv.StartWithAutoTLS(gctx, cfg.Web.TLSDomains, cfg.Web.CertCacheDir)
		}
		return srv.Start(gctx)
	})
	g.Go(func() error {
		ch := broadcaster.Subscribe()
		defer broadcaster.Unsubscribe(ch)

		for {
			select {
			case <-gctx.Done():
				return nil
			case s := <-ch:
				l.Info("summary updated",
					zap.String("balance", s.TotalBalance.String()),
					zap.String("credit", s.TotalCredit.String()),
					zap.String("equity", s.TotalEquity.String()),
					zap.String("deposits", s.TotalDeposits.String()),
					zap.String("withdrawals", s.TotalWithdrawals.String()),
					zap.Int("accounts", s.Accounts),
					zap.Bool("loading", s.Loading))
			}
		}
	})

	return g.Wait()
}

func runDeposit(ctx context.Context, cfg config.Config, client *clients.CabinetClient, l *zap.Logger) error {
	records, err := client.Accounts(ctx)
	if err != nil {
		if errors.Is(err, clients.ErrUnauthenticated) {
			return err
		}
		l.Warn("failed to load accounts, only the wallet is offered", zap.Error(err))
	}

	var accounts []domain.AccountRecord
	for _, r := range domain.Dedup(records) {
		if domain.Classify(r, cfg.Platform) == domain.ClassActive {
			accounts = append(accounts, r)
		}
	}

	var printMu sync.Mutex
	render := func(snap payment.Snapshot) {
		printMu.Lock()
		defer printMu.Unlock()
		fmt.Print("\033[H\033[2J")
		fmt.Print(wizard.RenderSession(snap))
	}

	form := &wizard.Form{}
	for {
		req, err := wizard.RunDeposit(accounts, cfg.Payment.Currency, cfg.Payment.MinAmount, form)
		if err != nil {
			if errors.Is(err, wizard.ErrCancelled) || errors.Is(err, huh.ErrUserAborted) {
				return nil
			}
			return err
		}

		session := payment.NewSession(client,
			payment.WithBudget(cfg.Payment.Budget),
			payment.WithPollInterval(cfg.Payment.PollInterval),
			payment.WithTickInterval(cfg.Payment.TickInterval),
			payment.WithPollCeiling(cfg.Payment.PollCeiling),
			payment.WithLogger(l),
			payment.WithOnChange(render),
		)

		if err := session.Create(ctx, req); err != nil {
			session.Dispose()
			if errors.Is(err, clients.ErrUnauthenticated) {
				return err
			}
			if ctx.Err() != nil {
				return nil
			}
			l.Warn("failed to create payment", zap.Error(err))
			fmt.Printf("\nPayment could not be created: %v\nPress enter to try again.", err)
			fmt.Scanln()
			continue
		}

		select {
		case <-ctx.Done():
		case <-session.Done():
		}
		session.Dispose()
		<-session.Delivered()

		return nil
	}
}
