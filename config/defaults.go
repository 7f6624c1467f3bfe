package config

import (
	"time"

	"github.com/Klingon-tech/klingvault/internal/challenge"
	"github.com/Klingon-tech/klingvault/internal/coinselect"
	"github.com/Klingon-tech/klingvault/internal/engine"
	"github.com/Klingon-tech/klingvault/internal/rotation"
	"github.com/Klingon-tech/klingvault/internal/threat"
)

// DefaultMainnet returns the default configuration for mainnet.
func DefaultMainnet() *Config {
	th := threat.DefaultConfig()
	rot := rotation.DefaultPolicy()
	return &Config{
		Network: Mainnet,
		DataDir: DefaultDataDir(),
		RPC: RPCConfig{
			Enabled:    true,
			Addr:       "127.0.0.1",
			Port:       8745,
			AllowedIPs: []string{"127.0.0.1"},
			RateLimit:  20,
			RateBurst:  40,
		},
		Storage: StorageConfig{
			Enabled:          true,
			SnapshotInterval: 5 * time.Minute,
		},
		Keystore: KeystoreConfig{
			Enabled: true,
		},
		Threat: ThreatConfig{
			VelocityThreshold:   th.VelocityThreshold,
			VelocityWindow:      th.VelocityWindow,
			SimilarityThreshold: th.SimilarityThreshold,
		},
		Rotation: RotationConfig{
			MaxAge:      rot.MaxAge,
			GracePeriod: rot.GracePeriod,
		},
		Challenge: ChallengeConfig{
			TTL:        challenge.DefaultTTL,
			MaxPending: challenge.DefaultMaxPending,
			Domain:     challenge.DefaultDomain,
		},
		Drafts: DraftsConfig{
			TTL: engine.DefaultDraftTTL,
		},
		CoinSelect: CoinSelectConfig{
			MaxIterations: coinselect.DefaultMaxIterations,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9745",
		},
		Log: LogConfig{
			Level: "info",
			JSON:  false,
		},
	}
}

// DefaultTestnet returns the default configuration for testnet.
func DefaultTestnet() *Config {
	cfg := DefaultMainnet()
	cfg.Network = Testnet
	cfg.RPC.Port = 8845
	cfg.Metrics.Addr = "127.0.0.1:9845"
	return cfg
}

// Default returns the default configuration for the given network.
func Default(network NetworkType) *Config {
	switch network {
	case Testnet:
		return DefaultTestnet()
	default:
		return DefaultMainnet()
	}
}
