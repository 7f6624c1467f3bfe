// Package config handles daemon configuration.
//
// Settings are resolved in this order, later sources winning:
//   - built-in defaults for the network
//   - the <datadir>/klingvault.conf file
//   - KLINGVAULT_* environment variables (optionally from <datadir>/.env)
//   - command-line flags
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// NetworkType identifies mainnet or testnet.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
)

// Config holds daemon runtime configuration.
type Config struct {
	// Core
	Network NetworkType `conf:"network"`
	DataDir string      `conf:"datadir"`

	RPC        RPCConfig
	Storage    StorageConfig
	Keystore   KeystoreConfig
	Policy     PolicyConfig
	Threat     ThreatConfig
	Rotation   RotationConfig
	Challenge  ChallengeConfig
	Drafts     DraftsConfig
	CoinSelect CoinSelectConfig
	Metrics    MetricsConfig
	Log        LogConfig
}

// RPCConfig holds RPC server settings.
type RPCConfig struct {
	Enabled     bool     `conf:"rpc.enabled"`
	Addr        string   `conf:"rpc.addr"`
	Port        int      `conf:"rpc.port"`
	AllowedIPs  []string `conf:"rpc.allowed"`
	CORSOrigins []string `conf:"rpc.cors"` // Allowed CORS origins ("*" = all).
	// RateLimit is requests per second per client IP; 0 disables limiting.
	RateLimit  float64 `conf:"rpc.ratelimit"`
	RateBurst  int     `conf:"rpc.burst"`
	TrustProxy bool    `conf:"rpc.trustproxy"` // Honour X-Forwarded-For / X-Real-IP.
}

// StorageConfig controls snapshot persistence.
type StorageConfig struct {
	Enabled bool   `conf:"storage.enabled"`
	Dir     string `conf:"storage.dir"` // Empty = <datadir>/<network>/db.
	// SnapshotInterval is how often state is saved while running; 0 saves
	// only on shutdown.
	SnapshotInterval time.Duration `conf:"storage.snapshot_interval"`
}

// KeystoreConfig controls the encrypted wallet keystore.
type KeystoreConfig struct {
	Enabled bool   `conf:"keystore.enabled"`
	Dir     string `conf:"keystore.dir"` // Empty = <datadir>/<network>/keystore.
}

// PolicyConfig holds default spending limits applied to accounts without
// their own. Amounts are decimal base-unit strings; empty means no limit.
type PolicyConfig struct {
	PerTx         string        `conf:"policy.pertx"`
	Daily         string        `conf:"policy.daily"`
	Weekly        string        `conf:"policy.weekly"`
	Monthly       string        `conf:"policy.monthly"`
	WhitelistOnly bool          `conf:"policy.whitelistonly"`
	AllowedChains []string      `conf:"policy.chains"`
	Cooldown      time.Duration `conf:"policy.cooldown"`
	Lockdown      bool          `conf:"policy.lockdown"`
}

// ThreatConfig tunes the threat detector.
type ThreatConfig struct {
	VelocityThreshold   int           `conf:"threat.velocity"`
	VelocityWindow      time.Duration `conf:"threat.window"`
	SimilarityThreshold int           `conf:"threat.similarity"` // Percent.
	Blacklist           []string      `conf:"threat.blacklist"`
	Whitelist           []string      `conf:"threat.whitelist"`
}

// RotationConfig sets when keys should rotate.
type RotationConfig struct {
	MaxAge      time.Duration `conf:"rotation.maxage"`
	GracePeriod time.Duration `conf:"rotation.grace"`
}

// ChallengeConfig configures challenge-response authentication.
type ChallengeConfig struct {
	TTL        time.Duration `conf:"challenge.ttl"`
	MaxPending int           `conf:"challenge.maxpending"`
	Domain     string        `conf:"challenge.domain"`
}

// DraftsConfig controls unsigned draft lifetime.
type DraftsConfig struct {
	TTL time.Duration `conf:"drafts.ttl"`
	// Reserve makes every draft hold its inputs or nonce until released.
	Reserve bool `conf:"drafts.reserve"`
}

// CoinSelectConfig bounds UTXO selection.
type CoinSelectConfig struct {
	MaxIterations    int    `conf:"coinselect.maxiterations"`
	MinConfirmations uint32 `conf:"coinselect.minconf"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `conf:"metrics.enabled"`
	Addr    string `conf:"metrics.addr"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `conf:"log.level"`
	File  string `conf:"log.file"`
	JSON  bool   `conf:"log.json"`
}

// DefaultDataDir returns the platform-specific default data directory.
//
//	Linux:   ~/.klingvault
//	macOS:   ~/Library/Application Support/Klingvault
//	Windows: %APPDATA%\Klingvault
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".klingvault"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "Klingvault")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData != "" {
			return filepath.Join(appData, "Klingvault")
		}
		return filepath.Join(home, "AppData", "Roaming", "Klingvault")
	default:
		return filepath.Join(home, ".klingvault")
	}
}

// NetworkDataDir returns the network-specific data directory.
func (c *Config) NetworkDataDir() string {
	return filepath.Join(c.DataDir, string(c.Network))
}

// StorageDir returns the snapshot database directory.
func (c *Config) StorageDir() string {
	if c.Storage.Dir != "" {
		return c.Storage.Dir
	}
	return filepath.Join(c.NetworkDataDir(), "db")
}

// KeystoreDir returns the keystore directory.
func (c *Config) KeystoreDir() string {
	if c.Keystore.Dir != "" {
		return c.Keystore.Dir
	}
	return filepath.Join(c.NetworkDataDir(), "keystore")
}

// LogsDir returns the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// ConfigFile returns the config file path.
func (c *Config) ConfigFile() string {
	return filepath.Join(c.DataDir, "klingvault.conf")
}

// EnvFile returns the optional dotenv file path.
func (c *Config) EnvFile() string {
	return filepath.Join(c.DataDir, ".env")
}

// RPCListenAddr returns host:port for the RPC server.
func (c *Config) RPCListenAddr() string {
	return joinHostPort(c.RPC.Addr, c.RPC.Port)
}
