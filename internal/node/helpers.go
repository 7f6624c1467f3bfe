package node

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Klingon-tech/klingvault/config"
	"github.com/Klingon-tech/klingvault/internal/adapter/bitcoin"
	"github.com/Klingon-tech/klingvault/internal/challenge"
	"github.com/Klingon-tech/klingvault/internal/engine"
	"github.com/Klingon-tech/klingvault/internal/policy"
	"github.com/Klingon-tech/klingvault/internal/rotation"
	"github.com/Klingon-tech/klingvault/internal/threat"
)

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

// engineOptions builds the engine stores from configuration. Storage,
// keystore and metrics are attached by the caller.
func engineOptions(cfg *config.Config, now func() time.Time) (engine.Options, error) {
	if now == nil {
		now = time.Now
	}

	reg, err := engine.DefaultRegistry(
		bitcoin.WithMaxIterations(cfg.CoinSelect.MaxIterations),
		bitcoin.WithMinConfirmations(cfg.CoinSelect.MinConfirmations),
	)
	if err != nil {
		return engine.Options{}, fmt.Errorf("chain registry: %w", err)
	}

	limits, err := cfg.Policy.Limits()
	if err != nil {
		return engine.Options{}, err
	}

	tc := threat.DefaultConfig()
	if cfg.Threat.VelocityThreshold > 0 {
		tc.VelocityThreshold = cfg.Threat.VelocityThreshold
	}
	if cfg.Threat.VelocityWindow > 0 {
		tc.VelocityWindow = cfg.Threat.VelocityWindow
	}
	if cfg.Threat.SimilarityThreshold > 0 {
		tc.SimilarityThreshold = cfg.Threat.SimilarityThreshold
	}
	tc.Now = now

	return engine.Options{
		Registry: reg,
		Policy:   policy.New(policy.Config{Defaults: limits, Now: now}),
		Threat:   threat.New(tc),
		Keys: rotation.NewManager(rotation.Policy{
			MaxAge:      cfg.Rotation.MaxAge,
			GracePeriod: cfg.Rotation.GracePeriod,
		}, now),
		Challenges: challenge.New(challenge.Config{
			TTL:        cfg.Challenge.TTL,
			MaxPending: cfg.Challenge.MaxPending,
			Domain:     cfg.Challenge.Domain,
			Now:        now,
		}),
		DraftTTL:      cfg.Drafts.TTL,
		ReserveInputs: cfg.Drafts.Reserve,
		Now:           now,
	}, nil
}

// applyOverrides re-applies operator settings on top of a restored
// snapshot: configured default limits replace the snapshot's, configured
// list entries are added, and lockdown can only be switched on.
func applyOverrides(eng *engine.Engine, cfg *config.Config) error {
	if cfg.Policy.Configured() {
		limits, err := cfg.Policy.Limits()
		if err != nil {
			return err
		}
		if err := eng.Policy().SetDefaults(limits); err != nil {
			return fmt.Errorf("policy defaults: %w", err)
		}
	}
	if cfg.Policy.Lockdown && !eng.Policy().Lockdown() {
		eng.Policy().SetLockdown(true)
	}
	for _, addr := range cfg.Threat.Blacklist {
		eng.Threat().Blacklist(addr)
	}
	for _, addr := range cfg.Threat.Whitelist {
		eng.Threat().Whitelist(addr)
	}
	return nil
}
