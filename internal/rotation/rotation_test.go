package rotation

import (
	"errors"
	"testing"
	"time"

	"github.com/Klingon-tech/klingvault/pkg/chain"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func setup(t *testing.T) (*Manager, *clock) {
	t.Helper()
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	m := NewManager(Policy{MaxAge: 100 * time.Hour, GracePeriod: 10 * time.Hour}, c.now)
	if _, err := m.Register(KeyRecord{ID: "k1", Chain: chain.Bitcoin, Path: "m/84'/0'/0'/0/0"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return m, c
}

func TestRegister(t *testing.T) {
	m, _ := setup(t)
	k, err := m.Get("k1")
	if err != nil {
		t.Fatal(err)
	}
	if k.State != Active || k.Version != 1 || k.CreatedAt.IsZero() {
		t.Errorf("record = %+v", k)
	}

	if _, err := m.Register(KeyRecord{ID: "k1", Chain: chain.Bitcoin}); !errors.Is(err, ErrKeyExists) {
		t.Errorf("duplicate: err = %v, want ErrKeyExists", err)
	}
	k2, err := m.Register(KeyRecord{ID: "k2", Chain: chain.Bitcoin, Path: "m/84'/0'/0'/0/0", State: Compromised})
	if err != nil {
		t.Fatal(err)
	}
	if k2.Version != 2 || k2.State != Active {
		t.Errorf("second key = %+v, want version 2 Active", k2)
	}
	if _, err := m.Register(KeyRecord{ID: "k3", Chain: "dogecoin"}); !errors.Is(err, chain.ErrValidation) {
		t.Errorf("bad chain: err = %v", err)
	}
}

func TestTransitions(t *testing.T) {
	tests := []struct {
		name string
		path []State
		ok   bool
	}{
		{"forward chain", []State{VerifyOnly, Deprecated, Compromised}, true},
		{"skip", []State{Deprecated}, false},
		{"backwards", []State{VerifyOnly, Active}, false},
		{"self", []State{Active}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := setup(t)
			var err error
			for _, s := range tt.path {
				if _, err = m.Transition("k1", s, "test"); err != nil {
					break
				}
			}
			if tt.ok && err != nil {
				t.Errorf("err = %v, want nil", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("err = %v, want ErrInvalidTransition", err)
			}
		})
	}

	m, _ := setup(t)
	if _, err := m.Transition("missing", VerifyOnly, ""); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("missing key: err = %v", err)
	}
}

func TestCompromisedNeverSigns(t *testing.T) {
	for _, from := range []State{Active, VerifyOnly, Deprecated} {
		t.Run(string(from), func(t *testing.T) {
			m, _ := setup(t)
			if from != Active {
				m.Transition("k1", VerifyOnly, "")
			}
			if from == Deprecated {
				m.Transition("k1", Deprecated, "")
			}
			rec, err := m.MarkCompromised("k1", "seed leaked")
			if err != nil {
				t.Fatal(err)
			}
			if rec.State != Compromised || rec.Reason != "seed leaked" {
				t.Errorf("record = %+v", rec)
			}
			if err := m.CanSign("k1"); !errors.Is(err, ErrKeyNotActive) {
				t.Errorf("CanSign = %v, want ErrKeyNotActive", err)
			}
			if err := m.CanVerify("k1"); !errors.Is(err, ErrKeyNotActive) {
				t.Errorf("CanVerify = %v, want ErrKeyNotActive", err)
			}
			for _, s := range []State{Active, VerifyOnly, Deprecated} {
				if _, err := m.Transition("k1", s, ""); !errors.Is(err, ErrInvalidTransition) {
					t.Errorf("leaving Compromised to %s: err = %v", s, err)
				}
			}
		})
	}
}

func TestCanSignCanVerify(t *testing.T) {
	m, _ := setup(t)
	if err := m.CanSign("k1"); err != nil {
		t.Errorf("active CanSign = %v", err)
	}
	m.Transition("k1", VerifyOnly, "")
	if err := m.CanSign("k1"); !errors.Is(err, ErrKeyNotActive) {
		t.Errorf("verify-only CanSign = %v", err)
	}
	if err := m.CanVerify("k1"); err != nil {
		t.Errorf("verify-only CanVerify = %v", err)
	}
	if err := m.CanSign("nope"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("missing CanSign = %v", err)
	}
}

func TestCheckRotationIsPure(t *testing.T) {
	m, c := setup(t)

	r, err := m.CheckRotation("k1")
	if err != nil {
		t.Fatal(err)
	}
	if r.Due || r.Warning != "" {
		t.Errorf("fresh key: %+v", r)
	}

	c.t = c.t.Add(80 * time.Hour)
	if r, _ := m.CheckRotation("k1"); r.Due || r.Warning == "" {
		t.Errorf("at 80%%: %+v, want warning only", r)
	}

	c.t = c.t.Add(21 * time.Hour)
	r, _ = m.CheckRotation("k1")
	if !r.Due || r.Recommended != VerifyOnly {
		t.Fatalf("past max age: %+v", r)
	}
	if k, _ := m.Get("k1"); k.State != Active {
		t.Errorf("CheckRotation changed state to %s", k.State)
	}

	k, err := m.ApplyRotation("k1")
	if err != nil || k.State != VerifyOnly {
		t.Fatalf("ApplyRotation = %+v, %v", k, err)
	}

	c.t = c.t.Add(5 * time.Hour)
	if r, _ := m.CheckRotation("k1"); r.Due {
		t.Errorf("inside grace period: %+v", r)
	}
	c.t = c.t.Add(6 * time.Hour)
	r, _ = m.CheckRotation("k1")
	if !r.Due || r.Recommended != Deprecated {
		t.Errorf("after grace period: %+v", r)
	}
}

func TestExportImport(t *testing.T) {
	m, _ := setup(t)
	m.Register(KeyRecord{ID: "k2", Chain: chain.Ethereum})
	m.MarkCompromised("k2", "lost")

	recs := m.Export()
	if len(recs) != 2 {
		t.Fatalf("exported %d records", len(recs))
	}
	m2 := NewManager(Policy{}, nil)
	if err := m2.Import(recs); err != nil {
		t.Fatal(err)
	}
	if err := m2.CanSign("k2"); !errors.Is(err, ErrKeyNotActive) {
		t.Errorf("imported compromised key signs: %v", err)
	}
	if err := m2.Import([]KeyRecord{{ID: "x", State: "Bogus"}}); !errors.Is(err, chain.ErrValidation) {
		t.Errorf("bad state: err = %v", err)
	}
	if p := m2.Policy(); p != DefaultPolicy() {
		t.Errorf("policy = %+v, want defaults", p)
	}
}
