// Package config provides configuration loading and management for the distributor.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/stake-reward-distributor/internal/allocation"
	"github.com/yourorg/stake-reward-distributor/internal/model"
)

// Config holds all distributor configuration
type Config struct {
	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`

	// Policy holds the business constants of the allocation
	Policy allocation.Policy `json:"policy"`

	Sources    SourcesConfig    `json:"sources"`
	Snapshot   SnapshotConfig   `json:"snapshot"`
	Guard      GuardConfig      `json:"guard"`
	Ledger     LedgerConfig     `json:"ledger"`
	Settlement SettlementConfig `json:"settlement"`
	Verify     VerifyConfig     `json:"verify"`

	// StorePath is the badger directory holding run state
	StorePath string `json:"store_path"`

	// PushgatewayURL, when set, receives the run's metrics on exit
	PushgatewayURL string `json:"pushgateway_url"`

	// OtelEndpoint for tracing; empty disables it
	OtelEndpoint string `json:"otel_endpoint"`

	Export ExportConfig `json:"export"`
}

// SourcesConfig defines where market and stake data come from
type SourcesConfig struct {
	RewardTokenSymbol string `json:"reward_token_symbol"`
	BaseAssetSymbol   string `json:"base_asset_symbol"`

	PricePrimaryURL string `json:"price_primary_url"`
	PriceBackupURL  string `json:"price_backup_url"`
	StatsPrimaryURL string `json:"stats_primary_url"`
	StatsBackupURL  string `json:"stats_backup_url"`

	RewardStakersPrimaryURL string `json:"reward_stakers_primary_url"`
	RewardStakersBackupURL  string `json:"reward_stakers_backup_url"`
	DelegatorsPrimaryURL    string `json:"delegators_primary_url"`
	DelegatorsBackupURL     string `json:"delegators_backup_url"`

	Retries int           `json:"retries"`
	Timeout time.Duration `json:"timeout"`

	// Fallback values apply only where configured non-zero
	Fallback model.MarketParameters `json:"fallback"`
}

// SnapshotConfig defines stake snapshot hygiene thresholds
type SnapshotConfig struct {
	MinRewardTokenStake float64 `json:"min_reward_token_stake"`
	MinBaseAssetStake   float64 `json:"min_base_asset_stake"`
}

// GuardConfig defines the market anomaly guard thresholds
type GuardConfig struct {
	Enabled            bool    `json:"enabled"`
	MaxPriceChange     float64 `json:"max_price_change"`
	MaxYieldPct        float64 `json:"max_yield_pct"`
	MaxPrincipalChange float64 `json:"max_principal_change"`
}

// LedgerConfig defines the settlement ledger connection
type LedgerConfig struct {
	RPCURL       string `json:"rpc_url"`
	ChainID      int64  `json:"chain_id"`
	TokenAddress string `json:"token_address"`
	SenderKeyHex string `json:"sender_key,omitempty"`
	GasLimit     uint64 `json:"gas_limit"`
}

// SettlementConfig defines transfer batching and pacing
type SettlementConfig struct {
	// TransferMode has no default; it must be chosen by the operator
	TransferMode string        `json:"transfer_mode"`
	BatchSize    int           `json:"batch_size"`
	SubmitDelay  time.Duration `json:"submit_delay"`
	BatchPause   time.Duration `json:"batch_pause"`
}

// VerifyConfig defines verification sampling and parallelism
type VerifyConfig struct {
	SampleHead int `json:"sample_head"`
	Workers    int `json:"workers"`
}

// ExportConfig defines where signed run summaries are sent
type ExportConfig struct {
	WebhookURL    string `json:"webhook_url"`
	WebhookAPIKey string `json:"webhook_api_key,omitempty"`
	SigningKeyHex string `json:"signing_key,omitempty"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "json",
		Policy:    allocation.DefaultPolicy(),
		Sources: SourcesConfig{
			RewardTokenSymbol: "reward",
			BaseAssetSymbol:   "base",
			Retries:           3,
			Timeout:           10 * time.Second,
		},
		Guard: GuardConfig{
			Enabled:            true,
			MaxPriceChange:     0.5,
			MaxYieldPct:        25,
			MaxPrincipalChange: 0.5,
		},
		Ledger: LedgerConfig{
			GasLimit: 100000,
		},
		Settlement: SettlementConfig{
			BatchSize:   50,
			SubmitDelay: 500 * time.Millisecond,
			BatchPause:  10 * time.Second,
		},
		Verify: VerifyConfig{
			SampleHead: 5,
			Workers:    8,
		},
		StorePath: "./data/runs",
	}
}

// Load builds the configuration from defaults, an optional JSON file and
// environment variables, in that order of precedence.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
		logrus.Infof("Loaded configuration from %s", path)
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables, using the current values as defaults
func applyEnv(c *Config) {
	c.LogLevel = GetEnvOrDefault("LOG_LEVEL", c.LogLevel)
	c.LogFormat = GetEnvOrDefault("LOG_FORMAT", c.LogFormat)

	p := &c.Policy
	p.RateMinPct = GetEnvAsFloat("RATE_MIN_PCT", p.RateMinPct)
	p.CurveCeilingPct = GetEnvAsFloat("CURVE_CEILING_PCT", p.CurveCeilingPct)
	p.MaxIterations = GetEnvAsInt("CALIBRATION_MAX_ITERATIONS", p.MaxIterations)
	p.Tolerance = GetEnvAsFloat("CALIBRATION_TOLERANCE", p.Tolerance)
	p.BuybackFraction = GetEnvAsFloat("BUYBACK_FRACTION", p.BuybackFraction)
	p.BonusSplitFraction = GetEnvAsFloat("BONUS_SPLIT_FRACTION", p.BonusSplitFraction)
	p.ExpectedFeeFraction = GetEnvAsFloat("EXPECTED_FEE_FRACTION", p.ExpectedFeeFraction)
	p.FeeDriftTolerance = GetEnvAsFloat("FEE_DRIFT_TOLERANCE", p.FeeDriftTolerance)
	p.Decimals = int32(GetEnvAsInt("TOKEN_DECIMALS", int(p.Decimals)))

	s := &c.Sources
	s.RewardTokenSymbol = GetEnvOrDefault("REWARD_TOKEN_SYMBOL", s.RewardTokenSymbol)
	s.BaseAssetSymbol = GetEnvOrDefault("BASE_ASSET_SYMBOL", s.BaseAssetSymbol)
	s.PricePrimaryURL = GetEnvOrDefault("PRICE_PRIMARY_URL", s.PricePrimaryURL)
	s.PriceBackupURL = GetEnvOrDefault("PRICE_BACKUP_URL", s.PriceBackupURL)
	s.StatsPrimaryURL = GetEnvOrDefault("STATS_PRIMARY_URL", s.StatsPrimaryURL)
	s.StatsBackupURL = GetEnvOrDefault("STATS_BACKUP_URL", s.StatsBackupURL)
	s.RewardStakersPrimaryURL = GetEnvOrDefault("REWARD_STAKERS_PRIMARY_URL", s.RewardStakersPrimaryURL)
	s.RewardStakersBackupURL = GetEnvOrDefault("REWARD_STAKERS_BACKUP_URL", s.RewardStakersBackupURL)
	s.DelegatorsPrimaryURL = GetEnvOrDefault("DELEGATORS_PRIMARY_URL", s.DelegatorsPrimaryURL)
	s.DelegatorsBackupURL = GetEnvOrDefault("DELEGATORS_BACKUP_URL", s.DelegatorsBackupURL)
	s.Retries = GetEnvAsInt("FETCH_RETRIES", s.Retries)
	s.Timeout = GetEnvAsDuration("FETCH_TIMEOUT", s.Timeout)
	s.Fallback.RewardTokenPrice = GetEnvAsFloat("FALLBACK_REWARD_TOKEN_PRICE", s.Fallback.RewardTokenPrice)
	s.Fallback.BaseAssetPrice = GetEnvAsFloat("FALLBACK_BASE_ASSET_PRICE", s.Fallback.BaseAssetPrice)
	s.Fallback.BaseYieldRatePct = GetEnvAsFloat("FALLBACK_BASE_YIELD_RATE_PCT", s.Fallback.BaseYieldRatePct)
	s.Fallback.LockedPrincipal = GetEnvAsFloat("FALLBACK_LOCKED_PRINCIPAL", s.Fallback.LockedPrincipal)
	s.Fallback.PlatformFeeFraction = GetEnvAsFloat("FALLBACK_PLATFORM_FEE_FRACTION", s.Fallback.PlatformFeeFraction)

	c.Snapshot.MinRewardTokenStake = GetEnvAsFloat("MIN_REWARD_TOKEN_STAKE", c.Snapshot.MinRewardTokenStake)
	c.Snapshot.MinBaseAssetStake = GetEnvAsFloat("MIN_BASE_ASSET_STAKE", c.Snapshot.MinBaseAssetStake)

	c.Guard.Enabled = GetEnvAsBool("GUARD_ENABLED", c.Guard.Enabled)
	c.Guard.MaxPriceChange = GetEnvAsFloat("GUARD_MAX_PRICE_CHANGE", c.Guard.MaxPriceChange)
	c.Guard.MaxYieldPct = GetEnvAsFloat("GUARD_MAX_YIELD_PCT", c.Guard.MaxYieldPct)
	c.Guard.MaxPrincipalChange = GetEnvAsFloat("GUARD_MAX_PRINCIPAL_CHANGE", c.Guard.MaxPrincipalChange)

	c.Ledger.RPCURL = GetEnvOrDefault("LEDGER_RPC_URL", c.Ledger.RPCURL)
	c.Ledger.ChainID = int64(GetEnvAsInt("LEDGER_CHAIN_ID", int(c.Ledger.ChainID)))
	c.Ledger.TokenAddress = GetEnvOrDefault("REWARD_TOKEN_ADDRESS", c.Ledger.TokenAddress)
	c.Ledger.SenderKeyHex = strings.TrimPrefix(GetEnvOrDefault("SENDER_PRIVATE_KEY", c.Ledger.SenderKeyHex), "0x")
	c.Ledger.GasLimit = uint64(GetEnvAsInt("LEDGER_GAS_LIMIT", int(c.Ledger.GasLimit)))

	c.Settlement.TransferMode = strings.ToLower(GetEnvOrDefault("TRANSFER_MODE", c.Settlement.TransferMode))
	c.Settlement.BatchSize = GetEnvAsInt("BATCH_SIZE", c.Settlement.BatchSize)
	c.Settlement.SubmitDelay = GetEnvAsDuration("SUBMIT_DELAY", c.Settlement.SubmitDelay)
	c.Settlement.BatchPause = GetEnvAsDuration("BATCH_PAUSE", c.Settlement.BatchPause)

	c.Verify.SampleHead = GetEnvAsInt("VERIFY_SAMPLE_HEAD", c.Verify.SampleHead)
	c.Verify.Workers = GetEnvAsInt("VERIFY_WORKERS", c.Verify.Workers)

	c.StorePath = GetEnvOrDefault("STORE_PATH", c.StorePath)
	c.PushgatewayURL = GetEnvOrDefault("PUSHGATEWAY_URL", c.PushgatewayURL)
	c.OtelEndpoint = GetEnvOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", c.OtelEndpoint)

	c.Export.WebhookURL = GetEnvOrDefault("WEBHOOK_URL", c.Export.WebhookURL)
	c.Export.WebhookAPIKey = GetEnvOrDefault("WEBHOOK_API_KEY", c.Export.WebhookAPIKey)
	c.Export.SigningKeyHex = strings.TrimPrefix(GetEnvOrDefault("SUMMARY_SIGNING_KEY", c.Export.SigningKeyHex), "0x")
}

// Validate checks settings that would otherwise fail deep inside a run.
// Ledger credentials are checked by the commands that need them.
func (c *Config) Validate() error {
	if err := c.Policy.Validate(); err != nil {
		return fmt.Errorf("invalid policy: %w", err)
	}
	if c.Sources.Retries < 0 {
		return fmt.Errorf("fetch retries must be non-negative, got %d", c.Sources.Retries)
	}
	if c.Sources.Timeout <= 0 {
		return fmt.Errorf("fetch timeout must be positive, got %s", c.Sources.Timeout)
	}
	if c.Settlement.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", c.Settlement.BatchSize)
	}
	if c.Settlement.SubmitDelay < 0 || c.Settlement.BatchPause < 0 {
		return fmt.Errorf("submit delay and batch pause must be non-negative")
	}
	if c.Settlement.TransferMode != "" {
		if _, err := model.ParseTransferMode(c.Settlement.TransferMode); err != nil {
			return err
		}
	}
	if c.Verify.Workers <= 0 {
		return fmt.Errorf("verify workers must be positive, got %d", c.Verify.Workers)
	}
	if c.StorePath == "" {
		return fmt.Errorf("store path is required")
	}
	return nil
}

// RequireLedger checks that everything needed to submit transfers is present.
func (c *Config) RequireLedger() error {
	var missing []string
	if c.Ledger.RPCURL == "" {
		missing = append(missing, "LEDGER_RPC_URL")
	}
	if c.Ledger.ChainID == 0 {
		missing = append(missing, "LEDGER_CHAIN_ID")
	}
	if c.Ledger.TokenAddress == "" {
		missing = append(missing, "REWARD_TOKEN_ADDRESS")
	}
	if c.Ledger.SenderKeyHex == "" {
		missing = append(missing, "SENDER_PRIVATE_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("ledger configuration incomplete: missing %s", strings.Join(missing, ", "))
	}
	return nil
}
