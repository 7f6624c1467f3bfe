package config

import (
	"bufio"
	"fmt"
	"os"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "KLINGVAULT_"

// LoadFile loads configuration from a .conf file.
// Format: key = value (one per line, # for comments)
func LoadFile(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]string), nil
		}
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("line %d: invalid format (expected key = value)", lineNum)
		}

		key := strings.TrimSpace(parts[0])
		value := unquote(strings.TrimSpace(parts[1]))
		values[key] = value
	}

	return values, scanner.Err()
}

func unquote(value string) string {
	if len(value) >= 2 {
		if (value[0] == '"' && value[len(value)-1] == '"') ||
			(value[0] == '\'' && value[len(value)-1] == '\'') {
			return value[1 : len(value)-1]
		}
	}
	return value
}

// ApplyFileConfig applies file configuration to a Config struct.
func ApplyFileConfig(cfg *Config, values map[string]string) error {
	// Sorted so errors are reported deterministically.
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if err := setConfigValue(cfg, key, values[key]); err != nil {
			return fmt.Errorf("config key %q: %w", key, err)
		}
	}
	return nil
}

// Keys returns every conf key, in struct order.
func Keys() []string {
	var out []string
	var walk func(t reflect.Type)
	walk = func(t reflect.Type) {
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if tag := f.Tag.Get("conf"); tag != "" {
				out = append(out, tag)
				continue
			}
			if f.Type.Kind() == reflect.Struct {
				walk(f.Type)
			}
		}
	}
	walk(reflect.TypeOf(Config{}))
	return out
}

// EnvName returns the environment variable overriding key.
func EnvName(key string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// LoadEnvFile reads a dotenv file into the process environment without
// overriding variables that are already set. A missing file is not an error.
func LoadEnvFile(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	return godotenv.Load(path)
}

// EnvValues collects KLINGVAULT_* overrides using lookup.
func EnvValues(lookup func(string) (string, bool)) map[string]string {
	values := make(map[string]string)
	for _, key := range Keys() {
		if v, ok := lookup(EnvName(key)); ok {
			values[key] = v
		}
	}
	return values
}

// setConfigValue sets a config value by key.
func setConfigValue(cfg *Config, key, value string) error {
	var err error
	switch key {
	// Core
	case "network":
		cfg.Network = NetworkType(value)
	case "datadir":
		cfg.DataDir = value

	// RPC
	case "rpc.enabled", "rpc":
		cfg.RPC.Enabled = parseBool(value)
	case "rpc.addr":
		cfg.RPC.Addr = value
	case "rpc.port":
		cfg.RPC.Port, err = strconv.Atoi(value)
	case "rpc.allowed":
		cfg.RPC.AllowedIPs = parseStringList(value)
	case "rpc.cors":
		cfg.RPC.CORSOrigins = parseStringList(value)
	case "rpc.ratelimit":
		cfg.RPC.RateLimit, err = strconv.ParseFloat(value, 64)
	case "rpc.burst":
		cfg.RPC.RateBurst, err = strconv.Atoi(value)
	case "rpc.trustproxy":
		cfg.RPC.TrustProxy = parseBool(value)

	// Storage
	case "storage.enabled", "storage":
		cfg.Storage.Enabled = parseBool(value)
	case "storage.dir":
		cfg.Storage.Dir = value
	case "storage.snapshot_interval":
		cfg.Storage.SnapshotInterval, err = time.ParseDuration(value)

	// Keystore
	case "keystore.enabled", "keystore":
		cfg.Keystore.Enabled = parseBool(value)
	case "keystore.dir":
		cfg.Keystore.Dir = value

	// Policy defaults
	case "policy.pertx":
		cfg.Policy.PerTx = value
	case "policy.daily":
		cfg.Policy.Daily = value
	case "policy.weekly":
		cfg.Policy.Weekly = value
	case "policy.monthly":
		cfg.Policy.Monthly = value
	case "policy.whitelistonly":
		cfg.Policy.WhitelistOnly = parseBool(value)
	case "policy.chains":
		cfg.Policy.AllowedChains = parseStringList(value)
	case "policy.cooldown":
		cfg.Policy.Cooldown, err = time.ParseDuration(value)
	case "policy.lockdown":
		cfg.Policy.Lockdown = parseBool(value)

	// Threat
	case "threat.velocity":
		cfg.Threat.VelocityThreshold, err = strconv.Atoi(value)
	case "threat.window":
		cfg.Threat.VelocityWindow, err = time.ParseDuration(value)
	case "threat.similarity":
		cfg.Threat.SimilarityThreshold, err = strconv.Atoi(value)
	case "threat.blacklist":
		cfg.Threat.Blacklist = parseStringList(value)
	case "threat.whitelist":
		cfg.Threat.Whitelist = parseStringList(value)

	// Rotation
	case "rotation.maxage":
		cfg.Rotation.MaxAge, err = time.ParseDuration(value)
	case "rotation.grace":
		cfg.Rotation.GracePeriod, err = time.ParseDuration(value)

	// Challenge
	case "challenge.ttl":
		cfg.Challenge.TTL, err = time.ParseDuration(value)
	case "challenge.maxpending":
		cfg.Challenge.MaxPending, err = strconv.Atoi(value)
	case "challenge.domain":
		cfg.Challenge.Domain = value

	// Drafts
	case "drafts.ttl":
		cfg.Drafts.TTL, err = time.ParseDuration(value)
	case "drafts.reserve":
		cfg.Drafts.Reserve = parseBool(value)

	// Coin selection
	case "coinselect.maxiterations":
		cfg.CoinSelect.MaxIterations, err = strconv.Atoi(value)
	case "coinselect.minconf":
		var n uint64
		n, err = strconv.ParseUint(value, 10, 32)
		cfg.CoinSelect.MinConfirmations = uint32(n)

	// Metrics
	case "metrics.enabled", "metrics":
		cfg.Metrics.Enabled = parseBool(value)
	case "metrics.addr":
		cfg.Metrics.Addr = value

	// Logging
	case "log.level":
		cfg.Log.Level = value
	case "log.file":
		cfg.Log.File = value
	case "log.json":
		cfg.Log.JSON = parseBool(value)

	default:
		// Unknown keys are ignored
	}
	return err
}

// parseBool parses a boolean value.
func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

// parseStringList parses a comma-separated list.
func parseStringList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

func joinHostPort(host string, port int) string {
	if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		host = "[" + host + "]"
	}
	return host + ":" + strconv.Itoa(port)
}

// WriteDefaultConfig writes a default configuration file.
func WriteDefaultConfig(path string, network NetworkType) error {
	d := Default(network)
	content := `# Klingvault daemon configuration
#
# Every key can also be set from the environment as KLINGVAULT_<KEY>, with
# dots replaced by underscores (rpc.port -> KLINGVAULT_RPC_PORT). Variables
# may be placed in <datadir>/.env.

# Network: mainnet or testnet
network = ` + string(network) + `

# Data directory (default: ~/.klingvault)
# datadir = ~/.klingvault

# ============================================================================
# RPC Server
# ============================================================================

rpc.enabled = true
rpc.addr = 127.0.0.1
rpc.port = ` + strconv.Itoa(d.RPC.Port) + `
rpc.allowed = 127.0.0.1
# CORS allowed origins ("*" for all)
# rpc.cors = http://localhost:3000

# Requests per second per client IP (0 = unlimited) and burst size
rpc.ratelimit = ` + strconv.FormatFloat(d.RPC.RateLimit, 'f', -1, 64) + `
rpc.burst = ` + strconv.Itoa(d.RPC.RateBurst) + `
# Trust X-Forwarded-For / X-Real-IP (only behind a reverse proxy)
# rpc.trustproxy = false

# ============================================================================
# Storage
# ============================================================================

storage.enabled = true
# storage.dir =
storage.snapshot_interval = ` + d.Storage.SnapshotInterval.String() + `

keystore.enabled = true
# keystore.dir =

# ============================================================================
# Spending policy defaults (decimal base units, empty = unlimited)
# ============================================================================

# policy.pertx =
# policy.daily =
# policy.weekly =
# policy.monthly =
# policy.whitelistonly = false
# policy.chains = bitcoin,ethereum
# policy.cooldown = 0s
# policy.lockdown = false

# ============================================================================
# Threat detection
# ============================================================================

threat.velocity = ` + strconv.Itoa(d.Threat.VelocityThreshold) + `
threat.window = ` + d.Threat.VelocityWindow.String() + `
threat.similarity = ` + strconv.Itoa(d.Threat.SimilarityThreshold) + `
# threat.blacklist =
# threat.whitelist =

# ============================================================================
# Key rotation and challenges
# ============================================================================

rotation.maxage = ` + d.Rotation.MaxAge.String() + `
rotation.grace = ` + d.Rotation.GracePeriod.String() + `

challenge.ttl = ` + d.Challenge.TTL.String() + `
challenge.maxpending = ` + strconv.Itoa(d.Challenge.MaxPending) + `
challenge.domain = ` + d.Challenge.Domain + `

# ============================================================================
# Drafts and coin selection
# ============================================================================

drafts.ttl = ` + d.Drafts.TTL.String() + `
# drafts.reserve = false

coinselect.maxiterations = ` + strconv.Itoa(d.CoinSelect.MaxIterations) + `
# coinselect.minconf = 0

# ============================================================================
# Metrics
# ============================================================================

# metrics.enabled = false
# metrics.addr = ` + d.Metrics.Addr + `

# ============================================================================
# Logging
# ============================================================================

log.level = info
# log.file =
log.json = false
`
	return os.WriteFile(path, []byte(content), 0600)
}
