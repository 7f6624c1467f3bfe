// Package secmem holds the secret-handling primitives: constant-time
// comparison, redaction of log text, and scoped zeroing of key material.
package secmem

// Compare reports whether a and b hold the same bytes. It visits every
// position of the longer slice and folds the length difference into the
// accumulator, so its running time depends only on the input lengths.
func Compare(a, b []byte) bool {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}

	diff := uint32(len(a) ^ len(b))
	for i := 0; i < n; i++ {
		var x, y byte
		if i < len(a) {
			x = a[i]
		}
		if i < len(b) {
			y = b[i]
		}
		diff |= uint32(x ^ y)
	}
	return diff == 0
}

// CompareString is Compare for strings.
func CompareString(a, b string) bool {
	return Compare([]byte(a), []byte(b))
}
