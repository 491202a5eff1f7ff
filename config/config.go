package config

import (
	"flag"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// TokenEnv environment variable holding the API bearer token.
const TokenEnv = "CABINET_TOKEN"

const (
	CommandDashboard = "dashboard"
	CommandDeposit   = "deposit"
)

type Config struct {
	APIURL            string
	Platform          string
	LogLevel          string
	Token             string
	RequestTimeout    time.Duration
	RequestsPerSecond float64
	HistoryLimit      int
	RefreshDebounce   time.Duration
	Payment           PaymentConfig
	Web               WebConfig
}

type PaymentConfig struct {
	Currency     string
	MinAmount    decimal.Decimal
	Budget       time.Duration
	PollInterval time.Duration
	TickInterval time.Duration
	PollCeiling  time.Duration
}

type WebConfig struct {
	Addr         string
	TLSDomains   []string
	CertCacheDir string
}

type ConfigTmp struct {
	APIURL            string        `yaml:"api_url"`
	Platform          string        `yaml:"platform"`
	LogLevel          string        `yaml:"log_level"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	HistoryLimit      int           `yaml:"history_limit"`
	RefreshDebounce   time.Duration `yaml:"refresh_debounce"`
	Payment           PaymentTmp    `yaml:"payment"`
	Web               WebTmp        `yaml:"web"`
}

type PaymentTmp struct {
	Currency     string        `yaml:"currency"`
	MinAmount    string        `yaml:"min_amount"`
	Budget       time.Duration `yaml:"budget"`
	PollInterval time.Duration `yaml:"poll_interval"`
	TickInterval time.Duration `yaml:"tick_interval"`
	PollCeiling  time.Duration `yaml:"poll_ceiling"`
}

type WebTmp struct {
	Addr         string   `yaml:"addr"`
	TLSDomains   []string `yaml:"tls_domains"`
	CertCacheDir string   `yaml:"cert_cache_dir"`
}

func defaults() ConfigTmp {
	return ConfigTmp{
		Platform:          "mt5",
		LogLevel:          "info",
		RequestTimeout:    15 * time.Second,
		RequestsPerSecond: 20,
		HistoryLimit:      100,
		RefreshDebounce:   300 * time.Millisecond,
		Payment: PaymentTmp{
			Currency:     "USDT",
			MinAmount:    "10",
			Budget:       3599 * time.Second,
			PollInterval: 5 * time.Second,
			TickInterval: time.Second,
			PollCeiling:  time.Hour,
		},
		Web: WebTmp{
			Addr:         ":8080",
			CertCacheDir: "cert-cache",
		},
	}
}

// Get parses the command line and loads the configuration.
// It returns the command to run, dashboard when none is given.
func Get(args []string) (Config, string, error) {
	fs := flag.NewFlagSet("cabinet", flag.ContinueOnError)
	path := fs.String("config", "", "path to yaml config")
	logLevel := fs.String("log-level", "", "overrides log_level from the config")
	addr := fs.String("addr", "", "overrides web.addr from the config")
	if err := fs.Parse(args); err != nil {
		return Config{}, "", err
	}

	cfg, err := Load(*path)
	if err != nil {
		return Config{}, "", err
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *addr != "" {
		cfg.Web.Addr = *addr
	}

	command := CommandDashboard
	if fs.NArg() > 0 {
		command = fs.Arg(0)
	}
	switch command {
	case CommandDashboard, CommandDeposit:
	default:
		return Config{}, "", errors.Errorf("unknown command %q, expected %s or %s", command, CommandDashboard, CommandDeposit)
	}

	return cfg, command, nil
}

// Load reads the yaml file at path over the defaults. An empty path yields the defaults.
// The token always comes from the environment.
func Load(path string) (Config, error) {
	tmp := defaults()

	if path != "" {
		f, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Wrap(err, "read config")
		}
		if err := yaml.Unmarshal(f, &tmp); err != nil {
			return Config{}, errors.Wrapf(err, "parse config %s", path)
		}
	}

	cfg, err := tmp.toConfig()
	if err != nil {
		return Config{}, err
	}
	cfg.Token = strings.TrimSpace(os.Getenv(TokenEnv))

	return cfg, nil
}

func (c ConfigTmp) toConfig() (Config, error) {
	if strings.TrimSpace(c.APIURL) == "" {
		return Config{}, errors.New("api_url is required")
	}
	if strings.TrimSpace(c.Platform) == "" {
		return Config{}, errors.New("platform is required")
	}
	if c.RequestTimeout <= 0 {
		return Config{}, errors.Errorf("request_timeout must be positive, got %s", c.RequestTimeout)
	}
	if c.Payment.Budget < time.Second {
		return Config{}, errors.Errorf("payment.budget must be at least 1s, got %s", c.Payment.Budget)
	}
	if c.Payment.PollInterval <= 0 || c.Payment.TickInterval <= 0 || c.Payment.PollCeiling <= 0 {
		return Config{}, errors.New("payment intervals must be positive")
	}
	if strings.TrimSpace(c.Payment.Currency) == "" {
		return Config{}, errors.New("payment.currency is required")
	}

	minAmount, err := decimal.NewFromString(c.Payment.MinAmount)
	if err != nil {
		return Config{}, errors.Wrapf(err, "invalid payment.min_amount %q", c.Payment.MinAmount)
	}

	return Config{
		APIURL:            strings.TrimRight(c.APIURL, "/"),
		Platform:          c.Platform,
		LogLevel:          c.LogLevel,
		RequestTimeout:    c.RequestTimeout,
		RequestsPerSecond: c.RequestsPerSecond,
		HistoryLimit:      c.HistoryLimit,
		RefreshDebounce:   c.RefreshDebounce,
		Payment: PaymentConfig{
			Currency:     strings.ToUpper(c.Payment.Currency),
			MinAmount:    minAmount,
			Budget:       c.Payment.Budget,
			PollInterval: c.Payment.PollInterval,
			TickInterval: c.Payment.TickInterval,
			PollCeiling:  c.Payment.PollCeiling,
		},
		Web: WebConfig{
			Addr:         c.Web.Addr,
			TLSDomains:   c.Web.TLSDomains,
			CertCacheDir: c.Web.CertCacheDir,
		},
	}, nil
}
