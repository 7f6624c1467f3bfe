package threat

import (
	"encoding/json"
	"testing"
	"time"
)

const (
	trusted = "0x1234567890abcdef1234567890abcdef12345678"
	btcAddr = "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4"
	xrpAddr = "rHb9CJAWyB4rj91VRWn96DkukG4bwdtyTh"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *clock { return &clock{t: time.Unix(1_700_000_000, 0)} }

func newDetector(c *clock) *Detector { return New(Config{Now: c.now}) }

func hasReason(a Assessment, kind string) bool {
	for _, r := range a.Reasons {
		if r.Kind == kind {
			return true
		}
	}
	return false
}

func TestAssessBlacklistBeatsWhitelist(t *testing.T) {
	d := newDetector(newClock())
	d.Whitelist(trusted)
	d.Blacklist(trusted)

	a := d.Assess(trusted)
	if a.Level != Critical {
		t.Fatalf("level = %v, want Critical", a.Level)
	}
	if !a.Blocked() {
		t.Error("blacklisted assessment should block")
	}
	if !a.Blacklisted || !a.Whitelisted {
		t.Errorf("flags = black %v white %v, want both", a.Blacklisted, a.Whitelisted)
	}
	if hasReason(a, KindWhitelisted) {
		t.Error("whitelist must not apply to a blacklisted address")
	}
}

func TestAssessUnknownRecipient(t *testing.T) {
	d := newDetector(newClock())
	a := d.Assess(btcAddr)
	if a.Level != Low {
		t.Errorf("level = %v, want Low", a.Level)
	}
	if !hasReason(a, KindUnknown) {
		t.Errorf("reasons = %+v, want %s", a.Reasons, KindUnknown)
	}
	if a.Blocked() {
		t.Error("unknown recipient should not block")
	}
}

func TestAssessBurnAddresses(t *testing.T) {
	d := newDetector(newClock())
	for _, addr := range []string{
		"0x0000000000000000000000000000000000000000",
		"0x000000000000000000000000000000000000dEaD",
		"0x0000000000000000000000000000000000000001",
		"1BitcoinEaterAddressDontSendf59kuE",
		"rrrrrrrrrrrrrrrrrrrrrhoLvTp",
	} {
		a := d.Assess(addr)
		if a.Level != High || !hasReason(a, KindBurnAddress) {
			t.Errorf("%s: level %v reasons %+v, want High burn", addr, a.Level, a.Reasons)
		}
	}
}

func TestAssessPoisoning(t *testing.T) {
	d := newDetector(newClock())
	d.Whitelist(trusted)

	a := d.Assess("0x1234000000000000000000000000000000005678")
	if a.Level != High || !hasReason(a, KindAddressPoisoned) {
		t.Fatalf("level %v reasons %+v, want High poisoning", a.Level, a.Reasons)
	}

	// Look-alikes of previously paid addresses count too.
	d2 := newDetector(newClock())
	d2.RecordSend(trusted)
	a = d2.Assess("0x1234ffffffffffffffffffffffffffffffff5678")
	if !hasReason(a, KindAddressPoisoned) {
		t.Errorf("reasons = %+v, want poisoning against history", a.Reasons)
	}

	if a := d.Assess(trusted); hasReason(a, KindAddressPoisoned) {
		t.Error("a known address does not poison itself")
	}
}

func TestWhitelistLowersOneStep(t *testing.T) {
	d := newDetector(newClock())
	burn := "0x000000000000000000000000000000000000dead"
	d.Whitelist(burn)
	a := d.Assess(burn)
	if a.Level != Medium {
		t.Errorf("level = %v, want Medium", a.Level)
	}

	d.Whitelist(btcAddr)
	if a := d.Assess(btcAddr); a.Level != Low {
		t.Errorf("level = %v, want Low floor", a.Level)
	}
}

func TestVelocityEscalation(t *testing.T) {
	c := newClock()
	d := New(Config{VelocityThreshold: 3, VelocityWindow: time.Hour, Now: c.now})

	for i := 0; i < 3; i++ {
		d.RecordSend(btcAddr)
		c.advance(time.Minute)
	}
	if a := d.Assess(btcAddr); a.Level != Low {
		t.Fatalf("at threshold: level = %v, want Low", a.Level)
	}

	d.RecordSend(btcAddr)
	a := d.Assess(btcAddr)
	if a.Level != Medium || !hasReason(a, KindHighVelocity) {
		t.Fatalf("over threshold: level %v reasons %+v, want Medium velocity", a.Level, a.Reasons)
	}

	c.advance(2 * time.Hour)
	if a := d.Assess(btcAddr); a.Level != Low {
		t.Errorf("after window: level = %v, want Low", a.Level)
	}
}

func TestDefaultVelocityThreshold(t *testing.T) {
	if got := DefaultConfig().VelocityThreshold; got != 20 {
		t.Fatalf("default threshold = %d, want 20", got)
	}

	c := newClock()
	d := newDetector(c)
	for i := 0; i < 20; i++ {
		d.RecordSend(btcAddr)
		c.advance(time.Minute)
	}
	if a := d.Assess(btcAddr); hasReason(a, KindHighVelocity) {
		t.Fatalf("20 sends in an hour flagged: %+v", a.Reasons)
	}
	d.RecordSend(btcAddr)
	if a := d.Assess(btcAddr); !hasReason(a, KindHighVelocity) {
		t.Fatalf("21st send not flagged: level %v", a.Level)
	}
}

func TestHistoryCap(t *testing.T) {
	d := New(Config{HistorySize: 3})
	for i := 0; i < 5; i++ {
		d.RecordSend(btcAddr)
	}
	if got := d.HistoryLen(); got != 3 {
		t.Errorf("history = %d, want 3", got)
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"  0xABCDEFabcdef0123456789ABCDEFabcdef012345 ", "0xabcdefabcdef0123456789abcdefabcdef012345"},
		{xrpAddr, xrpAddr},
		{" " + btcAddr + "\n", btcAddr},
		{"0xABC", "0xABC"},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	d := newDetector(newClock())
	d.Blacklist("0x1234567890ABCDEF1234567890ABCDEF12345678")
	if !d.IsBlacklisted(trusted) {
		t.Error("EVM addresses should match case-insensitively")
	}
	d.Blacklist(xrpAddr)
	if d.IsBlacklisted("rhb9cjawyb4rj91vrwn96dkukg4bwdtyth") {
		t.Error("base58 addresses are case-sensitive")
	}
}

func TestSimilar(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want bool
	}{
		{"identical", trusted, trusted, false},
		{"prefix and suffix", trusted, "0x1234aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa5678", true},
		{"prefix only", trusted, "0x1234aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", false},
		{"one char off", "abcdefghij", "abcdefghiX", true},
		{"half match", "abcdefghij", "abcdeXXXXX", false},
		{"short strings", "abc", "abd", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Similar(tt.a, tt.b, 80); got != tt.want {
				t.Errorf("Similar(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestExportImport(t *testing.T) {
	d := newDetector(newClock())
	d.Blacklist(xrpAddr)
	d.Whitelist(trusted)
	d.Whitelist(btcAddr)
	d.Unwhitelist(btcAddr)

	lists := d.Export()
	if len(lists.Blacklist) != 1 || len(lists.Whitelist) != 1 {
		t.Fatalf("export = %+v", lists)
	}

	data, err := json.Marshal(lists)
	if err != nil {
		t.Fatal(err)
	}
	var back Lists
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}

	d2 := newDetector(newClock())
	d2.Import(back)
	if !d2.IsBlacklisted(xrpAddr) || !d2.IsWhitelisted(trusted) || d2.IsWhitelisted(btcAddr) {
		t.Errorf("imported lists = %+v", d2.Export())
	}

	d2.Unblacklist(xrpAddr)
	if d2.IsBlacklisted(xrpAddr) {
		t.Error("unblacklist had no effect")
	}
}

func TestLevelText(t *testing.T) {
	for l := Low; l <= Critical; l++ {
		b, _ := l.MarshalText()
		var back Level
		if err := back.UnmarshalText(b); err != nil || back != l {
			t.Errorf("round trip %v: got %v, %v", l, back, err)
		}
	}
	var l Level
	if err := l.UnmarshalText([]byte("severe")); err == nil {
		t.Error("expected error for unknown level")
	}
}
