package engine

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/Klingon-tech/klingvault/internal/keys"
	klog "github.com/Klingon-tech/klingvault/internal/log"
	"github.com/Klingon-tech/klingvault/internal/policy"
	"github.com/Klingon-tech/klingvault/internal/rotation"
	"github.com/Klingon-tech/klingvault/internal/secmem"
	"github.com/Klingon-tech/klingvault/internal/threat"
	"github.com/Klingon-tech/klingvault/pkg/chain"
	"github.com/Klingon-tech/klingvault/pkg/crypto"
)

// SnapshotVersion is the current snapshot format.
const SnapshotVersion = 1

// Storage layout. Every store has its own record; keys and accounts have
// one record each.
var (
	metaKey       = []byte("meta")
	policyKey     = []byte("policy")
	threatKey     = []byte("threat")
	keyPrefix     = []byte("key/")
	accountPrefix = []byte("account/")
)

// Snapshot is the persistent state of the security stores. Drafts and
// spending counters are transient and not included.
type Snapshot struct {
	Version   int                  `json:"version"`
	CreatedAt time.Time            `json:"createdAt"`
	Policy    policy.Snapshot      `json:"policy"`
	Threat    threat.Lists         `json:"threat"`
	Keys      []rotation.KeyRecord `json:"keys"`
	Accounts  []keys.Account       `json:"accounts"`
}

type envelope struct {
	Snapshot json.RawMessage `json:"snapshot"`
	// Checksum is the hex BLAKE3 digest of Snapshot.
	Checksum string `json:"checksum"`
}

// storeMeta is written with every persisted snapshot.
type storeMeta struct {
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	// Checksum is the hex BLAKE3 digest of all other records in key order.
	Checksum string `json:"checksum"`
}

func (e *Engine) snapshot() Snapshot {
	return Snapshot{
		Version:   SnapshotVersion,
		CreatedAt: e.now().UTC(),
		Policy:    e.policy.Export(),
		Threat:    e.threat.Export(),
		Keys:      e.keys.Export(),
		Accounts:  e.Accounts(),
	}
}

// ExportSnapshot serializes the stores with a checksum, and persists them
// when a DB is configured.
func (e *Engine) ExportSnapshot() ([]byte, error) {
	s := e.snapshot()
	body, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	sum := crypto.Fingerprint(body)
	data, err := json.Marshal(envelope{Snapshot: body, Checksum: hex.EncodeToString(sum[:])})
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	if err := e.persist(s); err != nil {
		return nil, err
	}
	return data, nil
}

// ImportSnapshot verifies and applies a snapshot, then persists it when a
// DB is configured. Nothing is applied if any part fails validation.
func (e *Engine) ImportSnapshot(data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("%w: decode snapshot: %v", chain.ErrValidation, err)
	}
	sum := crypto.Fingerprint(env.Snapshot)
	want, err := hex.DecodeString(env.Checksum)
	if err != nil || !secmem.Compare(sum[:], want) {
		return fmt.Errorf("%w: %w", chain.ErrValidation, ErrSnapshotChecksum)
	}
	var s Snapshot
	if err := json.Unmarshal(env.Snapshot, &s); err != nil {
		return fmt.Errorf("%w: decode snapshot: %v", chain.ErrValidation, err)
	}
	if s.Version != SnapshotVersion {
		return fmt.Errorf("%w: unsupported snapshot version %d", chain.ErrValidation, s.Version)
	}
	if err := e.apply(s); err != nil {
		return err
	}
	return e.persist(s)
}

func (e *Engine) apply(s Snapshot) error {
	// Validate the parts that can fail before touching any store.
	if err := s.Policy.Defaults.Validate(); err != nil {
		return err
	}
	for id, l := range s.Policy.Accounts {
		if err := l.Validate(); err != nil {
			return fmt.Errorf("account %s: %w", id, err)
		}
	}
	if err := e.keys.Import(s.Keys); err != nil {
		return err
	}
	if err := e.policy.Import(s.Policy); err != nil {
		return err
	}
	e.threat.Import(s.Threat)

	accounts := make(map[string]keys.Account, len(s.Accounts))
	for _, a := range s.Accounts {
		accounts[a.ID] = a
	}
	e.accountsMu.Lock()
	e.accounts = accounts
	e.accountsMu.Unlock()

	klog.Engine.Info().
		Int("keys", len(s.Keys)).
		Int("accounts", len(s.Accounts)).
		Time("created", s.CreatedAt).
		Msg("Snapshot applied")
	return nil
}

// persist writes s as one record per store in a single batch. Records of
// keys and accounts that no longer exist are deleted in the same batch.
func (e *Engine) persist(s Snapshot) error {
	if e.db == nil {
		return nil
	}
	records := make(map[string][]byte, 2+len(s.Keys)+len(s.Accounts))
	add := func(key string, v any) error {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode %s: %w", key, err)
		}
		records[key] = b
		return nil
	}
	if err := add(string(policyKey), s.Policy); err != nil {
		return err
	}
	if err := add(string(threatKey), s.Threat); err != nil {
		return err
	}
	for _, r := range s.Keys {
		if err := add(string(keyPrefix)+r.ID, r); err != nil {
			return err
		}
	}
	for _, a := range s.Accounts {
		if err := add(string(accountPrefix)+a.ID, a); err != nil {
			return err
		}
	}
	sum := recordsDigest(records)
	meta, err := json.Marshal(storeMeta{Version: s.Version, CreatedAt: s.CreatedAt, Checksum: hex.EncodeToString(sum[:])})
	if err != nil {
		return fmt.Errorf("encode meta: %w", err)
	}

	e.persistMu.Lock()
	defer e.persistMu.Unlock()

	var stale [][]byte
	for _, prefix := range [][]byte{keyPrefix, accountPrefix} {
		err := e.db.ForEach(prefix, func(k, _ []byte) error {
			if _, ok := records[string(k)]; !ok {
				stale = append(stale, bytes.Clone(k))
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("scan snapshot records: %w", err)
		}
	}

	b := e.db.NewBatch()
	for _, k := range stale {
		if err := b.Delete(k); err != nil {
			return fmt.Errorf("persist snapshot: %w", err)
		}
	}
	for k, v := range records {
		if err := b.Put([]byte(k), v); err != nil {
			return fmt.Errorf("persist snapshot: %w", err)
		}
	}
	if err := b.Put(metaKey, meta); err != nil {
		return fmt.Errorf("persist snapshot: %w", err)
	}
	if err := b.Commit(); err != nil {
		return fmt.Errorf("persist snapshot: %w", err)
	}
	klog.Storage.Debug().
		Int("records", len(records)).
		Int("deleted", len(stale)).
		Msg("Snapshot persisted")
	return nil
}

// recordsDigest hashes records in key order.
func recordsDigest(records map[string][]byte) [32]byte {
	names := make([]string, 0, len(records))
	for k := range records {
		names = append(names, k)
	}
	sort.Strings(names)
	var buf bytes.Buffer
	for _, k := range names {
		buf.WriteString(k)
		buf.WriteByte(0)
		buf.Write(records[k])
		buf.WriteByte(0)
	}
	return crypto.Fingerprint(buf.Bytes())
}

// Restore loads the persisted stores, if any. It reports whether a
// snapshot was found.
func (e *Engine) Restore() (bool, error) {
	if e.db == nil {
		return false, nil
	}
	ok, err := e.db.Has(metaKey)
	if err != nil {
		return false, fmt.Errorf("read snapshot: %w", err)
	}
	if !ok {
		return false, nil
	}
	raw, err := e.db.Get(metaKey)
	if err != nil {
		return false, fmt.Errorf("read snapshot: %w", err)
	}
	var meta storeMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return false, fmt.Errorf("%w: decode snapshot meta: %v", chain.ErrValidation, err)
	}
	if meta.Version != SnapshotVersion {
		return false, fmt.Errorf("%w: unsupported snapshot version %d", chain.ErrValidation, meta.Version)
	}

	records := make(map[string][]byte)
	err = e.db.ForEach(nil, func(k, v []byte) error {
		if !bytes.Equal(k, metaKey) {
			records[string(k)] = v
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("read snapshot: %w", err)
	}
	sum := recordsDigest(records)
	want, err := hex.DecodeString(meta.Checksum)
	if err != nil || !secmem.Compare(sum[:], want) {
		return false, fmt.Errorf("%w: %w", chain.ErrValidation, ErrSnapshotChecksum)
	}

	s := Snapshot{Version: meta.Version, CreatedAt: meta.CreatedAt}
	for k, v := range records {
		var err error
		switch {
		case k == string(policyKey):
			err = json.Unmarshal(v, &s.Policy)
		case k == string(threatKey):
			err = json.Unmarshal(v, &s.Threat)
		case bytes.HasPrefix([]byte(k), keyPrefix):
			var r rotation.KeyRecord
			if err = json.Unmarshal(v, &r); err == nil {
				s.Keys = append(s.Keys, r)
			}
		case bytes.HasPrefix([]byte(k), accountPrefix):
			var a keys.Account
			if err = json.Unmarshal(v, &a); err == nil {
				s.Accounts = append(s.Accounts, a)
			}
		default:
			klog.Storage.Warn().Str("key", k).Msg("Unknown snapshot record ignored")
		}
		if err != nil {
			return false, fmt.Errorf("%w: decode %s: %v", chain.ErrValidation, k, err)
		}
	}
	if err := e.apply(s); err != nil {
		return false, err
	}
	return true, nil
}
