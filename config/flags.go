package config

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
)

// Version is reported by --version. Overridden at link time.
var Version = "0.1.0"

// Flags holds parsed command-line flags.
type Flags struct {
	// Commands
	Help    bool
	Version bool

	// Core
	Network string
	DataDir string
	Config  string

	// RPC
	RPC        bool
	RPCAddr    string
	RPCPort    int
	RPCAllowed string
	RPCCORS    string
	RateLimit  float64
	RateBurst  int

	// Storage
	Storage     bool
	StorageDir  string
	KeystoreDir string

	// Security
	Lockdown bool
	Reserve  bool

	// Metrics
	Metrics     bool
	MetricsAddr string

	// Logging
	LogLevel string
	LogFile  string
	LogJSON  bool

	// Remaining args
	Args []string

	// Explicitly-set flags (for true/false and zero overrides).
	SetRPC       bool
	SetStorage   bool
	SetLockdown  bool
	SetReserve   bool
	SetMetrics   bool
	SetLogJSON   bool
	SetRateLimit bool
}

func newFlagSet(f *Flags) *flag.FlagSet {
	fs := flag.NewFlagSet("klingvaultd", flag.ContinueOnError)

	// Commands
	fs.BoolVar(&f.Help, "help", false, "Show help message")
	fs.BoolVar(&f.Help, "h", false, "Show help message (shorthand)")
	fs.BoolVar(&f.Version, "version", false, "Show version information")
	fs.BoolVar(&f.Version, "v", false, "Show version (shorthand)")

	// Core
	fs.StringVar(&f.Network, "network", "", "Network type (mainnet or testnet)")
	fs.BoolFunc("testnet", "Shorthand for --network=testnet", func(string) error {
		f.Network = string(Testnet)
		return nil
	})
	fs.StringVar(&f.DataDir, "datadir", "", "Data directory path")
	fs.StringVar(&f.Config, "config", "", "Config file path")
	fs.StringVar(&f.Config, "c", "", "Config file path (shorthand)")

	// RPC
	fs.BoolVar(&f.RPC, "rpc", true, "Enable RPC server")
	fs.StringVar(&f.RPCAddr, "rpc-addr", "", "RPC listen address")
	fs.IntVar(&f.RPCPort, "rpc-port", 0, "RPC listen port")
	fs.StringVar(&f.RPCAllowed, "rpc-allowed", "", "Allowed IPs for RPC")
	fs.StringVar(&f.RPCCORS, "rpc-cors", "", "Allowed CORS origins for RPC (comma-separated)")
	fs.Float64Var(&f.RateLimit, "rpc-ratelimit", 0, "RPC requests per second per client (0 = unlimited)")
	fs.IntVar(&f.RateBurst, "rpc-burst", 0, "RPC rate limit burst")

	// Storage
	fs.BoolVar(&f.Storage, "storage", true, "Persist snapshots to disk")
	fs.StringVar(&f.StorageDir, "storage-dir", "", "Snapshot database directory")
	fs.StringVar(&f.KeystoreDir, "keystore-dir", "", "Keystore directory")

	// Security
	fs.BoolVar(&f.Lockdown, "lockdown", false, "Start in lockdown (refuse every send)")
	fs.BoolVar(&f.Reserve, "reserve", false, "Reserve inputs and nonces for every draft")

	// Metrics
	fs.BoolVar(&f.Metrics, "metrics", false, "Serve Prometheus metrics")
	fs.StringVar(&f.MetricsAddr, "metrics-addr", "", "Metrics listen address")

	// Logging
	fs.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&f.LogFile, "log-file", "", "Log file path")
	fs.BoolVar(&f.LogJSON, "log-json", false, "Output logs as JSON")

	fs.SetOutput(io.Discard)
	return fs
}

// ParseArgs parses command-line arguments (without the program name).
func ParseArgs(args []string) (*Flags, error) {
	f := &Flags{}
	fs := newFlagSet(f)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	f.SetRPC = isFlagSet(fs, "rpc")
	f.SetStorage = isFlagSet(fs, "storage")
	f.SetLockdown = isFlagSet(fs, "lockdown")
	f.SetReserve = isFlagSet(fs, "reserve")
	f.SetMetrics = isFlagSet(fs, "metrics")
	f.SetLogJSON = isFlagSet(fs, "log-json")
	f.SetRateLimit = isFlagSet(fs, "rpc-ratelimit")

	f.Args = fs.Args()

	// A positional argument stops the parser; anything flag-like after it
	// was silently ignored.
	for _, arg := range f.Args {
		if strings.HasPrefix(arg, "-") {
			return nil, fmt.Errorf("flag %q was not parsed (positional argument stopped parsing)", arg)
		}
	}
	return f, nil
}

// ParseFlags parses os.Args, exiting on error.
func ParseFlags() *Flags {
	f, err := ParseArgs(os.Args[1:])
	if err != nil {
		if err == flag.ErrHelp {
			printUsage()
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return f
}

// ApplyFlags applies command-line flags to a Config struct.
func ApplyFlags(cfg *Config, f *Flags) {
	// Core
	if f.Network != "" {
		cfg.Network = NetworkType(f.Network)
	}
	if f.DataDir != "" {
		cfg.DataDir = f.DataDir
	}

	// RPC
	if f.SetRPC {
		cfg.RPC.Enabled = f.RPC
	}
	if f.RPCAddr != "" {
		cfg.RPC.Addr = f.RPCAddr
	}
	if f.RPCPort != 0 {
		cfg.RPC.Port = f.RPCPort
	}
	if f.RPCAllowed != "" {
		cfg.RPC.AllowedIPs = parseStringList(f.RPCAllowed)
	}
	if f.RPCCORS != "" {
		cfg.RPC.CORSOrigins = parseStringList(f.RPCCORS)
	}
	if f.SetRateLimit {
		cfg.RPC.RateLimit = f.RateLimit
	}
	if f.RateBurst != 0 {
		cfg.RPC.RateBurst = f.RateBurst
	}

	// Storage
	if f.SetStorage {
		cfg.Storage.Enabled = f.Storage
	}
	if f.StorageDir != "" {
		cfg.Storage.Dir = f.StorageDir
	}
	if f.KeystoreDir != "" {
		cfg.Keystore.Dir = f.KeystoreDir
	}

	// Security
	if f.SetLockdown {
		cfg.Policy.Lockdown = f.Lockdown
	}
	if f.SetReserve {
		cfg.Drafts.Reserve = f.Reserve
	}

	// Metrics
	if f.SetMetrics {
		cfg.Metrics.Enabled = f.Metrics
	}
	if f.MetricsAddr != "" {
		cfg.Metrics.Addr = f.MetricsAddr
	}

	// Logging
	if f.LogLevel != "" {
		cfg.Log.Level = f.LogLevel
	}
	if f.LogFile != "" {
		cfg.Log.File = f.LogFile
	}
	if f.SetLogJSON {
		cfg.Log.JSON = f.LogJSON
	}
}

// isFlagSet checks if a flag was explicitly set.
func isFlagSet(fs *flag.FlagSet, name string) bool {
	found := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

func printUsage() {
	usage := `Klingvault - multi-chain transaction and security engine

Usage:
  klingvaultd [options]
  klingvaultd --help

Commands:
  --help, -h      Show this help message
  --version, -v   Show version information

Core Options:
  --network       Network type: mainnet (default) or testnet
  --testnet       Shorthand for --network=testnet
  --datadir       Data directory (default: ~/.klingvault)
  --config, -c    Config file path (default: <datadir>/klingvault.conf)

RPC Options:
  --rpc             Enable RPC server (default: true)
  --rpc-addr        RPC listen address (default: 127.0.0.1)
  --rpc-port        RPC port (mainnet: 8745, testnet: 8845)
  --rpc-allowed     Allowed IPs for RPC (comma-separated)
  --rpc-cors        Allowed CORS origins for RPC (comma-separated)
  --rpc-ratelimit   Requests per second per client (0 = unlimited)
  --rpc-burst       Rate limit burst size

Storage Options:
  --storage         Persist snapshots to disk (default: true)
  --storage-dir     Snapshot database directory
  --keystore-dir    Keystore directory

Security Options:
  --lockdown        Start in lockdown (refuse every send)
  --reserve         Reserve inputs and nonces for every draft

Metrics Options:
  --metrics         Serve Prometheus metrics
  --metrics-addr    Metrics listen address (default: 127.0.0.1:9745)

Logging Options:
  --log-level     Log level: debug, info, warn, error (default: info)
  --log-file      Log file path (default: stdout)
  --log-json      Output logs as JSON

Environment:
  Every config key can be set as KLINGVAULT_<KEY> with dots replaced by
  underscores, e.g. KLINGVAULT_RPC_PORT=9000. Variables are also read from
  <datadir>/.env. Flags override the environment, which overrides the
  config file.
`
	fmt.Print(usage)
}

// Load loads configuration with the following precedence:
// 1. Default values
// 2. Auto-create data dirs + default config (idempotent)
// 3. Config file
// 4. Environment (after loading <datadir>/.env)
// 5. Command-line flags
func Load() (*Config, *Flags, error) {
	flags := ParseFlags()

	if flags.Help {
		printUsage()
		os.Exit(0)
	}
	if flags.Version {
		fmt.Println("klingvaultd version " + Version)
		os.Exit(0)
	}

	cfg, err := Resolve(flags, os.LookupEnv)
	if err != nil {
		return nil, nil, err
	}
	return cfg, flags, nil
}

// Resolve builds the config for flags, reading the environment through
// lookup after loading the data directory's .env file.
func Resolve(flags *Flags, lookup func(string) (string, bool)) (*Config, error) {
	network := Mainnet
	if strings.EqualFold(flags.Network, string(Testnet)) {
		network = Testnet
	}
	cfg := Default(network)
	if v, ok := lookup(EnvName("datadir")); ok && v != "" {
		cfg.DataDir = v
	}
	if flags.DataDir != "" {
		cfg.DataDir = flags.DataDir
	}

	if err := EnsureDataDirs(cfg); err != nil {
		return nil, fmt.Errorf("ensuring data dirs: %w", err)
	}

	configPath := flags.Config
	if configPath == "" {
		configPath = cfg.ConfigFile()
	}
	fileValues, err := LoadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config file: %w", err)
	}
	// The data directory is fixed by now.
	delete(fileValues, "datadir")
	if err := ApplyFileConfig(cfg, fileValues); err != nil {
		return nil, fmt.Errorf("applying config file: %w", err)
	}

	if err := LoadEnvFile(cfg.EnvFile()); err != nil {
		return nil, fmt.Errorf("loading env file: %w", err)
	}
	envValues := EnvValues(lookup)
	delete(envValues, "datadir")
	if err := ApplyFileConfig(cfg, envValues); err != nil {
		return nil, fmt.Errorf("applying environment: %w", err)
	}

	ApplyFlags(cfg, flags)
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// EnsureDataDirs creates the data directory structure and a default config
// file if they don't already exist. It is safe to call on every startup.
func EnsureDataDirs(cfg *Config) error {
	dirs := []string{
		cfg.DataDir,
		cfg.NetworkDataDir(),
		cfg.StorageDir(),
		cfg.KeystoreDir(),
		cfg.LogsDir(),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}

	configPath := cfg.ConfigFile()
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := WriteDefaultConfig(configPath, cfg.Network); err != nil {
			return fmt.Errorf("writing config file: %w", err)
		}
	}

	return nil
}
