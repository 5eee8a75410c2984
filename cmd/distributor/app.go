package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/stake-reward-distributor/internal/allocation"
	"github.com/yourorg/stake-reward-distributor/internal/circuitbreaker"
	"github.com/yourorg/stake-reward-distributor/internal/config"
	"github.com/yourorg/stake-reward-distributor/internal/export"
	"github.com/yourorg/stake-reward-distributor/internal/fetch"
	"github.com/yourorg/stake-reward-distributor/internal/ledger/evm"
	"github.com/yourorg/stake-reward-distributor/internal/metrics"
	"github.com/yourorg/stake-reward-distributor/internal/model"
	"github.com/yourorg/stake-reward-distributor/internal/otel"
	"github.com/yourorg/stake-reward-distributor/internal/pipeline"
	"github.com/yourorg/stake-reward-distributor/internal/security"
	"github.com/yourorg/stake-reward-distributor/internal/settlement"
	"github.com/yourorg/stake-reward-distributor/internal/store"
	"github.com/yourorg/stake-reward-distributor/internal/validation"
	"github.com/yourorg/stake-reward-distributor/internal/verify"
)

const (
	dateLayout     = "2006-01-02"
	defaultEnvFile = ".env"
	metricsJob     = "stake_reward_distributor"
)

// options are the flags shared by every command.
type options struct {
	date         string
	configPath   string
	envFile      string
	transferMode string
	snapshot     string
	force        bool
}

// app is the per-invocation wiring of config, store and observability.
type app struct {
	cfg     *config.Config
	date    string
	force   bool
	opts    *options
	store   *store.Store
	metrics *metrics.Metrics
	out     io.Writer

	shutdownTracer func()
}

func newApp(out io.Writer, opts *options) (*app, error) {
	if err := loadEnvFile(opts.envFile); err != nil {
		return nil, err
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if opts.transferMode != "" {
		cfg.Settlement.TransferMode = strings.ToLower(opts.transferMode)
	}
	setupLogging(cfg.LogLevel, cfg.LogFormat)

	date, err := parseRunDate(opts.date)
	if err != nil {
		return nil, err
	}

	s, err := store.Open(cfg.StorePath)
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:            cfg,
		date:           date,
		force:          opts.force,
		opts:           opts,
		store:          s,
		metrics:        metrics.New(),
		out:            out,
		shutdownTracer: otel.InitTracer(cfg.OtelEndpoint),
	}, nil
}

// Close releases the store and flushes traces.
func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		logrus.WithError(err).Error("Failed to close run store")
	}
	a.shutdownTracer()
}

// loadEnvFile loads a .env file without overriding the real environment. A
// missing default file is not an error; a missing explicit one is.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	err := godotenv.Load(path)
	if err == nil {
		logrus.Debugf("Loaded environment from %s", path)
		return nil
	}
	if errors.Is(err, fs.ErrNotExist) && path == defaultEnvFile {
		return nil
	}
	return fmt.Errorf("failed to load env file %s: %w", path, err)
}

// parseRunDate validates --date, defaulting to today in UTC.
func parseRunDate(s string) (string, error) {
	if s == "" {
		return time.Now().UTC().Format(dateLayout), nil
	}
	d, err := time.Parse(dateLayout, s)
	if err != nil {
		return "", fmt.Errorf("invalid --date %q, expected YYYY-MM-DD", s)
	}
	return d.Format(dateLayout), nil
}

// pipeline builds the compute side of a cycle from configuration.
func (a *app) pipeline() (*pipeline.Pipeline, error) {
	engine, err := allocation.NewEngine(a.cfg.Policy)
	if err != nil {
		return nil, err
	}

	src := a.cfg.Sources
	client := fetch.NewHTTPClient(src.Timeout, src.Retries)
	opts := fetch.DefaultFailoverOptions()
	opts.Retries = src.Retries
	opts.Timeout = src.Timeout

	market := &fetch.MarketSnapshot{
		RewardTokenSymbol: src.RewardTokenSymbol,
		BaseAssetSymbol:   src.BaseAssetSymbol,
		StatsPrimary:      statsSource(src.StatsPrimaryURL, client),
		StatsBackup:       statsSource(src.StatsBackupURL, client),
		Fallback:          src.Fallback,
		Options:           opts,
	}
	if src.PricePrimaryURL != "" {
		market.PricePrimary = fetch.NewPriceSource(src.PricePrimaryURL, client)
	}
	if src.PriceBackupURL != "" {
		market.PriceBackup = fetch.NewPriceSource(src.PriceBackupURL, client)
	}

	var stakes fetch.Fetcher[[]model.ParticipantStake]
	if a.opts.snapshot != "" {
		snap, err := loadSnapshot(a.opts.snapshot)
		if err != nil {
			return nil, err
		}
		stakes = snap
	} else {
		stakes = &fetch.StakeSnapshot{
			RewardStakersPrimary: balanceSource(src.RewardStakersPrimaryURL, client),
			RewardStakersBackup:  balanceSource(src.RewardStakersBackupURL, client),
			DelegatorsPrimary:    balanceSource(src.DelegatorsPrimaryURL, client),
			DelegatorsBackup:     balanceSource(src.DelegatorsBackupURL, client),
			Options:              opts,
		}
	}

	var guard *circuitbreaker.CircuitBreaker
	if a.cfg.Guard.Enabled {
		guard = circuitbreaker.New(circuitbreaker.Thresholds{
			MaxPriceChange:     a.cfg.Guard.MaxPriceChange,
			MaxYieldPct:        a.cfg.Guard.MaxYieldPct,
			MaxPrincipalChange: a.cfg.Guard.MaxPrincipalChange,
		}).WithTripCallback(func(reason string, _ model.MarketParameters) {
			a.metrics.BreakerTripped()
		})
	}

	vopts := validation.DefaultValidationOptions()
	vopts.MinRewardTokenStake = a.cfg.Snapshot.MinRewardTokenStake
	vopts.MinBaseAssetStake = a.cfg.Snapshot.MinBaseAssetStake

	return &pipeline.Pipeline{
		Market:     market,
		Stakes:     stakes,
		Engine:     engine,
		Store:      a.store,
		Guard:      guard,
		Validation: vopts,
		Metrics:    a.metrics,
	}, nil
}

func statsSource(url string, client *http.Client) fetch.Fetcher[fetch.ProtocolStats] {
	if url == "" {
		return nil
	}
	return fetch.NewStatsSource(url, client)
}

func balanceSource(url string, client *http.Client) fetch.Fetcher[[]fetch.StakeBalance] {
	if url == "" {
		return nil
	}
	return fetch.NewBalanceSource(url, client)
}

// loadSnapshot reads a recorded stake snapshot, a JSON array of stakes.
func loadSnapshot(path string) (fetch.StaticStakes, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	var stakes []model.ParticipantStake
	if err := json.Unmarshal(data, &stakes); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot %s: %w", path, err)
	}
	logrus.WithFields(logrus.Fields{
		"path":         path,
		"participants": len(stakes),
	}).Info("Using recorded stake snapshot")
	return fetch.StaticStakes(stakes), nil
}

// ledger connects the settlement ledger and resolves the reward token.
func (a *app) ledger(ctx context.Context) (*evm.Ledger, model.Address, error) {
	if err := a.cfg.RequireLedger(); err != nil {
		return nil, model.Address{}, err
	}
	asset, err := model.ParseAddress(a.cfg.Ledger.TokenAddress)
	if err != nil {
		return nil, model.Address{}, fmt.Errorf("invalid reward token address: %w", err)
	}
	l, err := evm.Dial(ctx, a.cfg.Ledger.RPCURL, a.cfg.Ledger.ChainID, a.cfg.Ledger.SenderKeyHex, a.cfg.Ledger.GasLimit)
	if err != nil {
		return nil, model.Address{}, err
	}
	return l, asset, nil
}

func (a *app) batcher(ctx context.Context) (*settlement.Batcher, error) {
	l, asset, err := a.ledger(ctx)
	if err != nil {
		return nil, err
	}
	s := a.cfg.Settlement
	return settlement.NewBatcher(l, a.store, l.Sender(), asset, settlement.Options{
		BatchSize:   s.BatchSize,
		SubmitDelay: s.SubmitDelay,
		BatchPause:  s.BatchPause,
	}).WithMetrics(a.metrics), nil
}

func (a *app) verifier(ctx context.Context) (*verify.Verifier, error) {
	l, asset, err := a.ledger(ctx)
	if err != nil {
		return nil, err
	}
	return verify.New(l, a.store, asset).WithMetrics(a.metrics), nil
}

// report prints payload as JSON, exports it signed when a webhook is
// configured and pushes the run's metrics. Export failures are logged, never
// returned, so they cannot mask the command's own result.
func (a *app) report(ctx context.Context, command string, payload interface{}, cmdErr error) {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(payload); err != nil {
		logrus.WithError(err).Error("Failed to write summary")
	}

	if a.cfg.Export.WebhookURL != "" {
		if err := a.export(ctx, command, payload); err != nil {
			logrus.WithError(err).Error("Failed to export run summary")
		}
	}

	if cmdErr == nil {
		a.metrics.MarkSuccess()
	}
	if err := a.metrics.Push(a.cfg.PushgatewayURL, metricsJob, command); err != nil {
		logrus.WithError(err).Warn("Failed to push metrics")
	}
}

func (a *app) export(ctx context.Context, command string, payload interface{}) error {
	signer, err := security.NewSigner(a.cfg.Export.SigningKeyHex)
	if err != nil {
		return err
	}
	env, err := signer.Sign(payload)
	if err != nil {
		return err
	}
	hook := export.NewWebhook(export.WebhookConfig{
		URL:      a.cfg.Export.WebhookURL,
		APIKey:   a.cfg.Export.WebhookAPIKey,
		RetryMax: a.cfg.Sources.Retries,
	})
	return hook.Send(ctx, export.Delivery{
		Command:  command,
		RunDate:  a.date,
		Envelope: env,
	})
}
