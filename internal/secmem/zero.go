package secmem

import "runtime"

// Zero overwrites b with zeros.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}

// ZeroAll zeroes every slice in bs.
func ZeroAll(bs ...[]byte) {
	for _, b := range bs {
		Zero(b)
	}
}

// IsZero reports whether every byte of b is zero.
func IsZero(b []byte) bool {
	var acc byte
	for _, c := range b {
		acc |= c
	}
	return acc == 0
}

// Buffer owns a copy of secret bytes until Release is called.
type Buffer struct {
	b        []byte
	released bool
}

// NewBuffer copies src into a new Buffer. The caller remains responsible
// for zeroing src.
func NewBuffer(src []byte) *Buffer {
	b := make([]byte, len(src))
	copy(b, src)
	return &Buffer{b: b}
}

// Bytes returns the underlying secret. It is nil after Release.
func (s *Buffer) Bytes() []byte {
	if s == nil || s.released {
		return nil
	}
	return s.b
}

// Len returns the secret length.
func (s *Buffer) Len() int {
	if s == nil || s.released {
		return 0
	}
	return len(s.b)
}

// Release zeroes the secret. It is safe to call more than once.
func (s *Buffer) Release() {
	if s == nil || s.released {
		return
	}
	Zero(s.b)
	s.b = nil
	s.released = true
}

// With runs fn on secret and zeroes secret afterwards, whether fn returns
// normally, fails, or panics.
func With(secret []byte, fn func([]byte) error) error {
	defer Zero(secret)
	return fn(secret)
}
