package config

import (
	"time"

	"github.com/dustfold/sweeper/internal/core/domain"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server   ServerConfig   `yaml:"server"`
	Chains   []ChainConfig  `yaml:"chains"`
	Redis    RedisConfig    `yaml:"redis"`
	Logging  LoggingConfig  `yaml:"logging"`
	Database PostgresConfig `yaml:"database"`
	Oracle   OracleConfig   `yaml:"oracle"`
	Quotes   QuoteConfig    `yaml:"quotes"`
	Queue    QueueConfig    `yaml:"queue"`
	Sweep    SweepConfig    `yaml:"sweep"`
	Gate     GateConfig     `yaml:"gate"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
}

// PostgresConfig holds PostgreSQL connection configuration.
type PostgresConfig struct {
	URL      string `yaml:"url"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// ChainConfig holds settings for a specific blockchain.
type ChainConfig struct {
	Chain       domain.Chain       `yaml:"chain"`
	Family      domain.ChainFamily `yaml:"family"`
	IndexerURL  string             `yaml:"indexer_url"`  // balance indexing provider
	RPCURL      string             `yaml:"rpc_url"`      // settlement endpoint
	NativeToken string             `yaml:"native_token"` // pseudo-address for gas token pricing
	PageSize    int                `yaml:"page_size"`
}

// OracleConfig holds price oracle thresholds. The confidence mechanism
// (deviation + liquidity gating) is fixed; the numbers are tunable.
type OracleConfig struct {
	SourceTimeout         time.Duration  `yaml:"source_timeout"`
	CacheTTL              time.Duration  `yaml:"cache_ttl"`
	HighMaxDeviationPct   float64        `yaml:"high_max_deviation_pct"`
	MediumMaxDeviationPct float64        `yaml:"medium_max_deviation_pct"`
	MinLiquidityUSD       float64        `yaml:"min_liquidity_usd"`
	HighLiquidityUSD      float64        `yaml:"high_liquidity_usd"`
	HighVolume24hUSD      float64        `yaml:"high_volume_24h_usd"`
	Sources               []SourceConfig `yaml:"sources"`
}

// SourceConfig holds one upstream price source.
type SourceConfig struct {
	Name       string  `yaml:"name"`
	URL        string  `yaml:"url"`
	APIKey     string  `yaml:"api_key"`
	RatePerSec float64 `yaml:"rate_per_sec"`
}

// QuoteConfig holds quote aggregation settings.
type QuoteConfig struct {
	TTL                time.Duration   `yaml:"ttl"`
	DefaultSlippagePct float64         `yaml:"default_slippage_pct"`
	Adapters           []AdapterConfig `yaml:"adapters"`
}

// AdapterConfig holds one external swap/bridge provider.
type AdapterConfig struct {
	Name       string   `yaml:"name"`
	Kind       string   `yaml:"kind"` // swap, bridge
	URL        string   `yaml:"url"`
	APIKey     string   `yaml:"api_key"`
	Chains     []string `yaml:"chains"`
	RatePerSec float64  `yaml:"rate_per_sec"`
}

// QueueConfig holds job queue settings.
type QueueConfig struct {
	Workers       int           `yaml:"workers"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	Retention     time.Duration `yaml:"retention"`
	AwaitInterval time.Duration `yaml:"await_interval"`
}

// SweepConfig holds orchestrator settings.
type SweepConfig struct {
	DustThresholdUSD  float64       `yaml:"dust_threshold_usd"`
	SwapTrackDelay    time.Duration `yaml:"swap_track_delay"`
	BridgeTrackDelay  time.Duration `yaml:"bridge_track_delay"`
	TrackRedriveEvery time.Duration `yaml:"track_redrive_every"`
	SubmitDeadline    time.Duration `yaml:"submit_deadline"`
}

// GateConfig holds payment-gate admission settings.
type GateConfig struct {
	Enabled     bool          `yaml:"enabled"`
	VerifierURL string        `yaml:"verifier_url"`
	NonceTTL    time.Duration `yaml:"nonce_ttl"`
}
