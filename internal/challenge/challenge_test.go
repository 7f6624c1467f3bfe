package challenge

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Klingon-tech/klingvault/pkg/chain"
	"github.com/Klingon-tech/klingvault/pkg/crypto"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

var (
	secpSecret = bytes.Repeat([]byte{0x11}, 32)
	edSeed     = bytes.Repeat([]byte{0x22}, 32)
)

func secpSigner(t *testing.T) Signer {
	t.Helper()
	pub, err := crypto.SecpPublicKey(secpSecret)
	if err != nil {
		t.Fatal(err)
	}
	return Signer{PublicKey: pub, Curve: chain.Secp256k1}
}

func edSigner(t *testing.T) Signer {
	t.Helper()
	pub, err := crypto.Ed25519PublicKey(edSeed)
	if err != nil {
		t.Fatal(err)
	}
	return Signer{PublicKey: pub, Curve: chain.Ed25519}
}

func signSecp(t *testing.T, msg string) []byte {
	t.Helper()
	sig, err := crypto.SignECDSA(secpSecret, crypto.SHA256([]byte(msg)))
	if err != nil {
		t.Fatal(err)
	}
	return sig
}

func signEd(t *testing.T, msg string) []byte {
	t.Helper()
	sig, err := crypto.SignEd25519(edSeed, []byte(msg))
	if err != nil {
		t.Fatal(err)
	}
	return sig
}

func newRegistry() (*Registry, *clock) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	return New(Config{Now: c.now}), c
}

func TestCreate(t *testing.T) {
	r, c := newRegistry()
	ch, err := r.Create(secpSigner(t))
	if err != nil {
		t.Fatal(err)
	}
	if len(ch.Nonce) != 2*NonceSize {
		t.Errorf("nonce length = %d, want %d", len(ch.Nonce), 2*NonceSize)
	}
	if !ch.ExpiresAt.Equal(c.t.Add(DefaultTTL)) {
		t.Errorf("expiry = %v", ch.ExpiresAt)
	}
	if !strings.Contains(ch.Message, ch.Nonce) || !strings.HasPrefix(ch.Message, DefaultDomain) {
		t.Errorf("message = %q", ch.Message)
	}

	ch2, _ := r.Create(secpSigner(t))
	if ch2.Nonce == ch.Nonce {
		t.Error("nonces repeat")
	}
}

func TestVerifyValidThenReplayed(t *testing.T) {
	tests := []struct {
		name   string
		signer func(*testing.T) Signer
		sign   func(*testing.T, string) []byte
	}{
		{"secp256k1", secpSigner, signSecp},
		{"ed25519", edSigner, signEd},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := newRegistry()
			ch, err := r.Create(tt.signer(t))
			if err != nil {
				t.Fatal(err)
			}
			sig := tt.sign(t, ch.Message)
			if got := r.Verify(ch.Nonce, sig); got != Valid {
				t.Fatalf("first verify = %s, want Valid", got)
			}
			if got := r.Verify(ch.Nonce, sig); got != Replayed {
				t.Errorf("second verify = %s, want Replayed", got)
			}
		})
	}
}

func TestVerifyCompactSignature(t *testing.T) {
	r, _ := newRegistry()
	ch, _ := r.Create(secpSigner(t))
	der := signSecp(t, ch.Message)

	// DER: 0x30 len 0x02 rlen r 0x02 slen s
	rlen := int(der[3])
	rb := der[4 : 4+rlen]
	sb := der[4+rlen+2:]
	compact := make([]byte, 64)
	copy(compact[32-len(bytes.TrimLeft(rb, "\x00")):32], bytes.TrimLeft(rb, "\x00"))
	copy(compact[64-len(bytes.TrimLeft(sb, "\x00")):], bytes.TrimLeft(sb, "\x00"))

	if got := r.Verify(ch.Nonce, compact); got != Valid {
		t.Errorf("compact verify = %s, want Valid", got)
	}
}

func TestVerifyInvalid(t *testing.T) {
	r, _ := newRegistry()
	ch, _ := r.Create(secpSigner(t))

	if got := r.Verify("deadbeef", signSecp(t, ch.Message)); got != Invalid {
		t.Errorf("unknown nonce = %s, want Invalid", got)
	}
	if got := r.Verify(ch.Nonce, signSecp(t, "another message")); got != Invalid {
		t.Errorf("wrong message = %s, want Invalid", got)
	}
	// A failed attempt still consumes the nonce.
	if got := r.Verify(ch.Nonce, signSecp(t, ch.Message)); got != Replayed {
		t.Errorf("after failure = %s, want Replayed", got)
	}

	ch2, _ := r.Create(edSigner(t))
	if got := r.Verify(ch2.Nonce, signSecp(t, ch2.Message)); got != Invalid {
		t.Errorf("curve mismatch = %s, want Invalid", got)
	}
}

func TestVerifyExpired(t *testing.T) {
	r, c := newRegistry()
	ch, _ := r.Create(edSigner(t))
	sig := signEd(t, ch.Message)

	c.t = ch.ExpiresAt
	ch2, _ := r.Create(edSigner(t))
	c.t = ch.ExpiresAt.Add(time.Second)
	if got := r.Verify(ch.Nonce, sig); got != Expired {
		t.Errorf("after expiry = %s, want Expired", got)
	}
	if got := r.Verify(ch.Nonce, sig); got != Replayed {
		t.Errorf("expired then retried = %s, want Replayed", got)
	}

	// Exactly at expiry is still in time.
	c.t = ch2.ExpiresAt
	if got := r.Verify(ch2.Nonce, signEd(t, ch2.Message)); got != Valid {
		t.Errorf("at expiry = %s, want Valid", got)
	}
}

func TestMaxPending(t *testing.T) {
	r, c := newRegistry()
	s := secpSigner(t)
	for i := 0; i < DefaultMaxPending; i++ {
		if _, err := r.Create(s); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}
	if _, err := r.Create(s); !errors.Is(err, ErrTooManyPending) {
		t.Fatalf("err = %v, want ErrTooManyPending", err)
	}
	if _, err := r.Create(edSigner(t)); err != nil {
		t.Errorf("other signer blocked: %v", err)
	}

	c.t = c.t.Add(DefaultTTL + time.Second)
	if _, err := r.Create(s); err != nil {
		t.Errorf("after expiry: %v", err)
	}
}

func TestCancelAndPrune(t *testing.T) {
	r, c := newRegistry()
	ch, _ := r.Create(edSigner(t))
	if err := r.Cancel(ch.Nonce); err != nil {
		t.Fatal(err)
	}
	if got := r.Verify(ch.Nonce, signEd(t, ch.Message)); got != Replayed {
		t.Errorf("cancelled = %s, want Replayed", got)
	}
	if err := r.Cancel("nope"); !errors.Is(err, chain.ErrValidation) {
		t.Errorf("cancel unknown: %v", err)
	}

	c.t = c.t.Add(time.Hour)
	if n := r.Prune(); n != 1 {
		t.Errorf("pruned %d, want 1", n)
	}
	if _, ok := r.Get(ch.Nonce); ok {
		t.Error("pruned challenge still present")
	}
}

func TestSignerValidate(t *testing.T) {
	tests := []struct {
		name string
		s    Signer
	}{
		{"short secp", Signer{PublicKey: make([]byte, 32), Curve: chain.Secp256k1}},
		{"off-curve secp", Signer{PublicKey: append([]byte{0x02}, bytes.Repeat([]byte{0xff}, 32)...), Curve: chain.Secp256k1}},
		{"short ed25519", Signer{PublicKey: make([]byte, 31), Curve: chain.Ed25519}},
		{"monero", Signer{PublicKey: make([]byte, 32), Curve: chain.Ed25519Monero}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := newRegistry()
			if _, err := r.Create(tt.s); !errors.Is(err, chain.ErrValidation) {
				t.Errorf("err = %v, want ErrValidation", err)
			}
		})
	}
}

func TestConsumedNonceStaysReplayedAfterCleanup(t *testing.T) {
	t.Run("cleanup on create", func(t *testing.T) {
		r, c := newRegistry()
		s := secpSigner(t)
		ch, err := r.Create(s)
		if err != nil {
			t.Fatal(err)
		}
		if got := r.Verify(ch.Nonce, signSecp(t, ch.Message)); got != Valid {
			t.Fatalf("verify = %s, want Valid", got)
		}

		c.t = c.t.Add(DefaultTTL + time.Second)
		// The last create hits the pending cap and drops expired records.
		for i := 0; i < DefaultMaxPending+1; i++ {
			if _, err := r.Create(s); err != nil && !errors.Is(err, ErrTooManyPending) {
				t.Fatalf("create %d: %v", i, err)
			}
		}
		if _, ok := r.Get(ch.Nonce); ok {
			t.Fatal("expired challenge not cleaned up")
		}
		if got := r.Verify(ch.Nonce, signSecp(t, ch.Message)); got != Replayed {
			t.Errorf("re-verify after cleanup = %s, want Replayed", got)
		}
	})

	t.Run("prune", func(t *testing.T) {
		r, c := newRegistry()
		used, _ := r.Create(edSigner(t))
		unused, _ := r.Create(edSigner(t))
		if got := r.Verify(used.Nonce, signEd(t, used.Message)); got != Valid {
			t.Fatalf("verify = %s, want Valid", got)
		}

		c.t = c.t.Add(DefaultTTL + time.Second)
		if n := r.Prune(); n != 2 {
			t.Errorf("pruned %d, want 2", n)
		}
		if got := r.Verify(used.Nonce, signEd(t, used.Message)); got != Replayed {
			t.Errorf("consumed nonce = %s, want Replayed", got)
		}
		if got := r.Verify(unused.Nonce, signEd(t, unused.Message)); got != Invalid {
			t.Errorf("never-verified pruned nonce = %s, want Invalid", got)
		}
	})
}
