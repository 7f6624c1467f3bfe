package secmem

import "regexp"

// Placeholder replaces every redacted span.
const Placeholder = "[REDACTED]"

var (
	// 32+ hex digits covers private keys, seeds and tx-sized blobs.
	hexRun = regexp.MustCompile(`(?i)(0x)?[0-9a-f]{32,}`)
	// WIF keys are 51-52 chars, Solana keypairs 87-88.
	base58Run = regexp.MustCompile(`[1-9A-HJ-NP-Za-km-z]{50,}`)
	wordRun   = regexp.MustCompile(`\b[a-z]{3,8}(?:[ \t]+[a-z]{3,8}){11,}\b`)
)

// Redact replaces secret-looking spans of s with Placeholder: long hex runs,
// long base58 runs and mnemonic-like sequences of twelve or more lowercase
// words.
func Redact(s string) string {
	if s == "" {
		return s
	}
	s = wordRun.ReplaceAllString(s, Placeholder)
	s = hexRun.ReplaceAllString(s, Placeholder)
	return base58Run.ReplaceAllString(s, Placeholder)
}

// Mask keeps the first and last four characters of s, for showing
// addresses in logs. Strings of eight characters or fewer become "****".
func Mask(s string) string {
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "..." + s[len(s)-4:]
}
