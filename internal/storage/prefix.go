package storage

// PrefixDB scopes a Store to one key namespace. The engine keeps all of its
// records under a single prefix so the database can be shared.
type PrefixDB struct {
	inner  Store
	prefix []byte
}

// NewPrefixDB returns a view of inner where every key carries prefix.
func NewPrefixDB(inner Store, prefix []byte) *PrefixDB {
	return &PrefixDB{inner: inner, prefix: append([]byte(nil), prefix...)}
}

func (p *PrefixDB) key(k []byte) []byte {
	out := make([]byte, 0, len(p.prefix)+len(k))
	out = append(out, p.prefix...)
	return append(out, k...)
}

// Get retrieves a value by key.
func (p *PrefixDB) Get(key []byte) ([]byte, error) { return p.inner.Get(p.key(key)) }

// Put stores a key-value pair.
func (p *PrefixDB) Put(key, value []byte) error { return p.inner.Put(p.key(key), value) }

// Delete removes a key.
func (p *PrefixDB) Delete(key []byte) error { return p.inner.Delete(p.key(key)) }

// Has checks if a key exists.
func (p *PrefixDB) Has(key []byte) (bool, error) { return p.inner.Has(p.key(key)) }

// ForEach visits the keys under prefix within the namespace. Keys reach fn
// without the namespace prefix.
func (p *PrefixDB) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	n := len(p.prefix)
	return p.inner.ForEach(p.key(prefix), func(key, value []byte) error {
		return fn(key[n:], value)
	})
}

// NewBatch returns a batch that commits through the inner store's
// transaction.
func (p *PrefixDB) NewBatch() Batch {
	return &prefixBatch{db: p, inner: p.inner.NewBatch()}
}

// Close is a no-op. The inner store is closed by its owner.
func (p *PrefixDB) Close() error { return nil }

type prefixBatch struct {
	db    *PrefixDB
	inner Batch
}

func (b *prefixBatch) Put(key, value []byte) error { return b.inner.Put(b.db.key(key), value) }

func (b *prefixBatch) Delete(key []byte) error { return b.inner.Delete(b.db.key(key)) }

func (b *prefixBatch) Commit() error { return b.inner.Commit() }
