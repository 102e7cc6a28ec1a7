package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/dustfold/sweeper/internal/core/domain"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	for i := range cfg.Chains {
		c := &cfg.Chains[i]
		if c.Family == "" {
			fam, ok := domain.ChainFamilies[c.Chain]
			if !ok {
				return nil, fmt.Errorf("unknown chain %q and no family configured", c.Chain)
			}
			c.Family = fam
		}
		if c.PageSize == 0 {
			c.PageSize = 100
		}
	}

	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}

	if cfg.Oracle.SourceTimeout == 0 {
		cfg.Oracle.SourceTimeout = 3 * time.Second
	}
	if cfg.Oracle.CacheTTL == 0 {
		// Short enough to bound staleness for a money-moving decision.
		cfg.Oracle.CacheTTL = 30 * time.Second
	}
	if cfg.Oracle.HighMaxDeviationPct == 0 {
		cfg.Oracle.HighMaxDeviationPct = 1.5
	}
	if cfg.Oracle.MediumMaxDeviationPct == 0 {
		cfg.Oracle.MediumMaxDeviationPct = 5.0
	}
	if cfg.Oracle.MinLiquidityUSD == 0 {
		cfg.Oracle.MinLiquidityUSD = 10_000
	}
	if cfg.Oracle.HighLiquidityUSD == 0 {
		cfg.Oracle.HighLiquidityUSD = 50_000
	}
	if cfg.Oracle.HighVolume24hUSD == 0 {
		cfg.Oracle.HighVolume24hUSD = 10_000
	}

	if cfg.Quotes.TTL == 0 {
		cfg.Quotes.TTL = 60 * time.Second
	}
	if cfg.Quotes.DefaultSlippagePct == 0 {
		cfg.Quotes.DefaultSlippagePct = 0.5
	}

	if cfg.Queue.Workers == 0 {
		cfg.Queue.Workers = 4
	}
	if cfg.Queue.PollInterval == 0 {
		cfg.Queue.PollInterval = 500 * time.Millisecond
	}
	if cfg.Queue.Retention == 0 {
		cfg.Queue.Retention = 24 * time.Hour
	}
	if cfg.Queue.AwaitInterval == 0 {
		cfg.Queue.AwaitInterval = 200 * time.Millisecond
	}

	if cfg.Sweep.DustThresholdUSD == 0 {
		cfg.Sweep.DustThresholdUSD = 1.00
	}
	if cfg.Sweep.SwapTrackDelay == 0 {
		cfg.Sweep.SwapTrackDelay = 5 * time.Second
	}
	if cfg.Sweep.BridgeTrackDelay == 0 {
		// Bridge finality is slower than a same-chain swap.
		cfg.Sweep.BridgeTrackDelay = 30 * time.Second
	}
	if cfg.Sweep.TrackRedriveEvery == 0 {
		cfg.Sweep.TrackRedriveEvery = 15 * time.Second
	}
	if cfg.Sweep.SubmitDeadline == 0 {
		cfg.Sweep.SubmitDeadline = 30 * time.Minute
	}

	if cfg.Gate.NonceTTL == 0 {
		cfg.Gate.NonceTTL = time.Hour
	}
}
