package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/holiman/uint256"

	klog "github.com/Klingon-tech/klingvault/internal/log"
	"github.com/Klingon-tech/klingvault/internal/policy"
	"github.com/Klingon-tech/klingvault/pkg/chain"
)

// Validate checks runtime config for obvious operator mistakes.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Network != Mainnet && cfg.Network != Testnet {
		return fmt.Errorf("network must be %q or %q", Mainnet, Testnet)
	}
	if cfg.RPC.Port < 0 || cfg.RPC.Port > 65535 {
		return fmt.Errorf("rpc.port must be in range [0, 65535]")
	}
	if cfg.RPC.RateLimit < 0 {
		return fmt.Errorf("rpc.ratelimit must not be negative")
	}
	if cfg.RPC.RateBurst < 0 {
		return fmt.Errorf("rpc.burst must not be negative")
	}
	for i, entry := range cfg.RPC.AllowedIPs {
		if _, _, err := net.ParseCIDR(entry); err == nil {
			continue
		}
		if net.ParseIP(entry) == nil {
			return fmt.Errorf("rpc.allowed[%d] %q is not an IP or CIDR", i, entry)
		}
	}
	if cfg.Storage.SnapshotInterval < 0 {
		return fmt.Errorf("storage.snapshot_interval must not be negative")
	}

	if _, err := cfg.Policy.Limits(); err != nil {
		return err
	}

	if cfg.Threat.VelocityThreshold < 0 {
		return fmt.Errorf("threat.velocity must not be negative")
	}
	if cfg.Threat.VelocityWindow < 0 {
		return fmt.Errorf("threat.window must not be negative")
	}
	if cfg.Threat.SimilarityThreshold < 0 || cfg.Threat.SimilarityThreshold > 100 {
		return fmt.Errorf("threat.similarity must be in range [0, 100]")
	}

	if cfg.Rotation.MaxAge < 0 || cfg.Rotation.GracePeriod < 0 {
		return fmt.Errorf("rotation durations must not be negative")
	}
	if cfg.Challenge.TTL < 0 {
		return fmt.Errorf("challenge.ttl must not be negative")
	}
	if cfg.Challenge.MaxPending < 0 {
		return fmt.Errorf("challenge.maxpending must not be negative")
	}
	if cfg.Drafts.TTL < 0 {
		return fmt.Errorf("drafts.ttl must not be negative")
	}
	if cfg.CoinSelect.MaxIterations < 0 {
		return fmt.Errorf("coinselect.maxiterations must not be negative")
	}
	if cfg.Metrics.Enabled {
		if _, _, err := net.SplitHostPort(cfg.Metrics.Addr); err != nil {
			return fmt.Errorf("metrics.addr: %w", err)
		}
	}
	if cfg.Log.Level != "" && !klog.ValidLevel(strings.ToLower(cfg.Log.Level)) {
		return fmt.Errorf("log.level %q is not a known level", cfg.Log.Level)
	}
	return nil
}

// Configured reports whether any default limit is set.
func (p PolicyConfig) Configured() bool {
	return p.PerTx != "" || p.Daily != "" || p.Weekly != "" || p.Monthly != "" ||
		p.WhitelistOnly || len(p.AllowedChains) > 0 || p.Cooldown != 0
}

// Limits converts the policy section into default spending limits.
func (p PolicyConfig) Limits() (policy.Limits, error) {
	l := policy.Limits{
		WhitelistOnly: p.WhitelistOnly,
		Cooldown:      p.Cooldown,
	}
	amounts := []struct {
		key string
		in  string
		out **uint256.Int
	}{
		{"policy.pertx", p.PerTx, &l.PerTx},
		{"policy.daily", p.Daily, &l.Daily},
		{"policy.weekly", p.Weekly, &l.Weekly},
		{"policy.monthly", p.Monthly, &l.Monthly},
	}
	for _, a := range amounts {
		if strings.TrimSpace(a.in) == "" {
			continue
		}
		v, err := uint256.FromDecimal(strings.TrimSpace(a.in))
		if err != nil {
			return policy.Limits{}, fmt.Errorf("%s: %w", a.key, err)
		}
		*a.out = v
	}
	for _, s := range p.AllowedChains {
		c, err := chain.Parse(s)
		if err != nil {
			return policy.Limits{}, fmt.Errorf("policy.chains: %w", err)
		}
		l.AllowedChains = append(l.AllowedChains, c)
	}
	if err := l.Validate(); err != nil {
		return policy.Limits{}, fmt.Errorf("policy: %w", err)
	}
	return l, nil
}
