// Package threat assesses recipient addresses before funds move.
package threat

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	klog "github.com/Klingon-tech/klingvault/internal/log"
	"github.com/Klingon-tech/klingvault/internal/secmem"
)

// Level is an ordered risk level.
type Level int

// Risk levels, lowest first.
const (
	Low Level = iota
	Medium
	High
	Critical
)

func (l Level) String() string {
	switch l {
	case Low:
		return "Low"
	case Medium:
		return "Medium"
	case High:
		return "High"
	case Critical:
		return "Critical"
	default:
		return fmt.Sprintf("Level(%d)", int(l))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (l Level) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Level) UnmarshalText(b []byte) error {
	for c := Low; c <= Critical; c++ {
		if strings.EqualFold(string(b), c.String()) {
			*l = c
			return nil
		}
	}
	return fmt.Errorf("unknown risk level %q", b)
}

func (l Level) raise() Level {
	if l >= Critical {
		return Critical
	}
	return l + 1
}

func (l Level) lower() Level {
	if l <= Low {
		return Low
	}
	return l - 1
}

// Reason kinds.
const (
	KindBlacklisted     = "blacklisted"
	KindBurnAddress     = "burn_address"
	KindAddressPoisoned = "address_poisoning"
	KindUnknown         = "unknown_recipient"
	KindWhitelisted     = "whitelisted"
	KindHighVelocity    = "high_velocity"
)

// Reason is one finding contributing to an assessment.
type Reason struct {
	Kind   string `json:"kind"`
	Level  Level  `json:"level"`
	Detail string `json:"detail,omitempty"`
}

// Assessment is the verdict for one address.
type Assessment struct {
	Address     string   `json:"address"`
	Level       Level    `json:"level"`
	Reasons     []Reason `json:"reasons"`
	Blacklisted bool     `json:"blacklisted"`
	Whitelisted bool     `json:"whitelisted"`
}

// Blocked reports whether the assessment forbids signing.
func (a Assessment) Blocked() bool { return a.Level >= Critical }

// Config tunes the detector.
type Config struct {
	// More than VelocityThreshold sends to one address within
	// VelocityWindow raise the level by one step.
	VelocityThreshold int
	VelocityWindow    time.Duration
	// SimilarityThreshold is the percentage of matching characters at
	// which two equal-length addresses are considered look-alikes.
	SimilarityThreshold int
	HistorySize         int

	Now func() time.Time
}

// DefaultConfig returns the default detector settings.
func DefaultConfig() Config {
	return Config{
		VelocityThreshold:   20,
		VelocityWindow:      time.Hour,
		SimilarityThreshold: 80,
		HistorySize:         1000,
		Now:                 time.Now,
	}
}

type sendRecord struct {
	address string
	at      time.Time
}

// Detector holds the address lists and recent send history. One mutex
// guards all of it.
type Detector struct {
	cfg Config

	mu        sync.RWMutex
	blacklist map[string]struct{}
	whitelist map[string]struct{}
	history   []sendRecord
}

// New creates a detector. Zero config fields take their defaults.
func New(cfg Config) *Detector {
	def := DefaultConfig()
	if cfg.VelocityThreshold <= 0 {
		cfg.VelocityThreshold = def.VelocityThreshold
	}
	if cfg.VelocityWindow <= 0 {
		cfg.VelocityWindow = def.VelocityWindow
	}
	if cfg.SimilarityThreshold <= 0 || cfg.SimilarityThreshold > 100 {
		cfg.SimilarityThreshold = def.SimilarityThreshold
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Detector{
		cfg:       cfg,
		blacklist: make(map[string]struct{}),
		whitelist: make(map[string]struct{}),
	}
}

var evmAddress = regexp.MustCompile(`^0[xX][0-9a-fA-F]{40}$`)

// Normalize trims an address and lowercases EVM hex. Other encodings are
// case-sensitive and kept as given.
func Normalize(address string) string {
	a := strings.TrimSpace(address)
	if evmAddress.MatchString(a) {
		return strings.ToLower(a)
	}
	return a
}

var burnAddresses = map[string]struct{}{
	"0x0000000000000000000000000000000000000000": {},
	"0x000000000000000000000000000000000000dead": {},
	"0xdead000000000000000042069420694206942069": {},
	"1BitcoinEaterAddressDontSendf59kuE":         {},
	"11111111111111111111111111111111":           {}, // Solana system program
	"rrrrrrrrrrrrrrrrrrrrrhoLvTp":                {}, // XRP ACCOUNT_ZERO
	"rrrrrrrrrrrrrrrrrrrrBZbvji":                 {}, // XRP ACCOUNT_ONE
}

var zeroHeavyEVM = regexp.MustCompile(`^0x0{32,}[0-9a-f]{0,8}$`)

func isBurn(addr string) bool {
	if _, ok := burnAddresses[addr]; ok {
		return true
	}
	return zeroHeavyEVM.MatchString(addr)
}

// Assess scores an address. It never records anything.
func (d *Detector) Assess(address string) Assessment {
	addr := Normalize(address)
	now := d.cfg.Now()

	d.mu.RLock()
	_, black := d.blacklist[addr]
	_, white := d.whitelist[addr]
	lookalike := d.findLookalike(addr)
	known := white || d.paidBefore(addr)
	recent := d.recentSends(addr, now)
	d.mu.RUnlock()

	a := Assessment{Address: addr, Level: Low, Blacklisted: black, Whitelisted: white}
	add := func(kind string, level Level, detail string) {
		a.Reasons = append(a.Reasons, Reason{Kind: kind, Level: level, Detail: detail})
		if level > a.Level {
			a.Level = level
		}
	}

	if isBurn(addr) {
		add(KindBurnAddress, High, "address matches a null or burn pattern")
	}
	if lookalike != "" {
		add(KindAddressPoisoned, High, "resembles known address "+lookalike)
	}
	if !known {
		add(KindUnknown, Low, "recipient has not been paid or trusted before")
	}

	if white && !black {
		a.Level = a.Level.lower()
		a.Reasons = append(a.Reasons, Reason{Kind: KindWhitelisted, Level: Low})
	}
	if recent > d.cfg.VelocityThreshold {
		a.Level = a.Level.raise()
		a.Reasons = append(a.Reasons, Reason{
			Kind:   KindHighVelocity,
			Level:  a.Level,
			Detail: fmt.Sprintf("%d sends within %s", recent, d.cfg.VelocityWindow),
		})
	}
	if black {
		// Blacklisting overrides every other signal, whitelist included.
		a.Level = Critical
		a.Reasons = append(a.Reasons, Reason{Kind: KindBlacklisted, Level: Critical, Detail: "address is blacklisted"})
		klog.Threat.Warn().Str("address", secmem.Mask(addr)).Msg("Blacklisted address assessed")
	}
	return a
}

// findLookalike returns a known address (whitelisted or previously paid)
// that addr imitates. Caller holds d.mu.
func (d *Detector) findLookalike(addr string) string {
	check := func(known string) bool {
		return known != addr && Similar(addr, known, d.cfg.SimilarityThreshold)
	}
	for known := range d.whitelist {
		if check(known) {
			return known
		}
	}
	for i := len(d.history) - 1; i >= 0; i-- {
		if check(d.history[i].address) {
			return d.history[i].address
		}
	}
	return ""
}

func (d *Detector) paidBefore(addr string) bool {
	for _, r := range d.history {
		if r.address == addr {
			return true
		}
	}
	return false
}

func (d *Detector) recentSends(addr string, now time.Time) int {
	n := 0
	for _, r := range d.history {
		if r.address == addr && now.Sub(r.at) <= d.cfg.VelocityWindow {
			n++
		}
	}
	return n
}

// Similar reports whether a and b look alike: the same leading and
// trailing characters with a different body, or at least threshold
// percent of positions equal.
func Similar(a, b string, threshold int) bool {
	if a == b {
		return false
	}
	ab, bb := stripHexPrefix(a), stripHexPrefix(b)
	const prefix, suffix = 4, 4
	if len(ab) >= 12 && len(bb) >= 12 &&
		ab[:prefix] == bb[:prefix] && ab[len(ab)-suffix:] == bb[len(bb)-suffix:] {
		return true
	}
	if len(ab) != len(bb) || len(ab) == 0 {
		return false
	}
	same := 0
	for i := 0; i < len(ab); i++ {
		if ab[i] == bb[i] {
			same++
		}
	}
	return same*100/len(ab) >= threshold
}

func stripHexPrefix(s string) string {
	if strings.HasPrefix(s, "0x") {
		return s[2:]
	}
	return s
}

// RecordSend notes a signed payment to address. The oldest entries are
// dropped beyond the history cap.
func (d *Detector) RecordSend(address string) {
	addr := Normalize(address)
	now := d.cfg.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.history = append(d.history, sendRecord{address: addr, at: now})
	if over := len(d.history) - d.cfg.HistorySize; over > 0 {
		d.history = append(d.history[:0], d.history[over:]...)
	}
}

// HistoryLen returns the number of recorded sends.
func (d *Detector) HistoryLen() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.history)
}

// Blacklist adds an address to the blacklist.
func (d *Detector) Blacklist(address string) {
	addr := Normalize(address)
	d.mu.Lock()
	d.blacklist[addr] = struct{}{}
	d.mu.Unlock()
	klog.Threat.Info().Str("address", addr).Msg("Address blacklisted")
}

// Unblacklist removes an address from the blacklist.
func (d *Detector) Unblacklist(address string) {
	d.mu.Lock()
	delete(d.blacklist, Normalize(address))
	d.mu.Unlock()
}

// Whitelist marks an address as trusted.
func (d *Detector) Whitelist(address string) {
	addr := Normalize(address)
	d.mu.Lock()
	d.whitelist[addr] = struct{}{}
	d.mu.Unlock()
	klog.Threat.Info().Str("address", addr).Msg("Address whitelisted")
}

// Unwhitelist removes an address from the trusted set.
func (d *Detector) Unwhitelist(address string) {
	d.mu.Lock()
	delete(d.whitelist, Normalize(address))
	d.mu.Unlock()
}

// IsWhitelisted reports whether address is trusted.
func (d *Detector) IsWhitelisted(address string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.whitelist[Normalize(address)]
	return ok
}

// IsBlacklisted reports whether address is blacklisted.
func (d *Detector) IsBlacklisted(address string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.blacklist[Normalize(address)]
	return ok
}

// Lists is the persisted form of the address lists.
type Lists struct {
	Blacklist []string `json:"blacklist"`
	Whitelist []string `json:"whitelist"`
}

// Export returns both lists, sorted.
func (d *Detector) Export() Lists {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return Lists{Blacklist: sortedKeys(d.blacklist), Whitelist: sortedKeys(d.whitelist)}
}

// Import replaces both lists.
func (d *Detector) Import(l Lists) {
	black := make(map[string]struct{}, len(l.Blacklist))
	for _, a := range l.Blacklist {
		black[Normalize(a)] = struct{}{}
	}
	white := make(map[string]struct{}, len(l.Whitelist))
	for _, a := range l.Whitelist {
		white[Normalize(a)] = struct{}{}
	}
	d.mu.Lock()
	d.blacklist, d.whitelist = black, white
	d.mu.Unlock()
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
