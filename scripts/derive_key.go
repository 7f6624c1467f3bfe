// derive_key.go prints the pubkey and address for a hex-encoded private key file.
// Usage: go run scripts/derive_key.go <chain> <keyfile>
package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/Klingon-tech/klingvault/internal/engine"
	"github.com/Klingon-tech/klingvault/internal/secmem"
	"github.com/Klingon-tech/klingvault/pkg/chain"
	"github.com/Klingon-tech/klingvault/pkg/crypto"
)

func main() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: derive_key <chain> <keyfile>")
		os.Exit(1)
	}
	c, err := chain.Parse(os.Args[1])
	if err != nil {
		fail(err)
	}
	info, _ := c.Info()

	data, err := os.ReadFile(os.Args[2])
	if err != nil {
		fail(err)
	}
	keyBytes, err := hex.DecodeString(strings.TrimSpace(strings.TrimPrefix(string(data), "0x")))
	secmem.Zero(data)
	if err != nil {
		fail(err)
	}
	defer secmem.Zero(keyBytes)

	var pub []byte
	switch info.Curve {
	case chain.Secp256k1:
		pub, err = crypto.SecpPublicKey(keyBytes)
	case chain.Ed25519:
		pub, err = crypto.Ed25519PublicKey(keyBytes)
	default:
		err = fmt.Errorf("%s keys cannot be derived from a single private key", c)
	}
	if err != nil {
		fail(err)
	}

	reg, err := engine.DefaultRegistry()
	if err != nil {
		fail(err)
	}
	a, err := reg.Get(c)
	if err != nil {
		fail(err)
	}
	addr, err := a.AddressFromPublicKey(pub)
	if err != nil {
		fail(err)
	}
	fmt.Printf("chain=%s\n", c)
	fmt.Printf("pubkey=%s\n", hex.EncodeToString(pub))
	fmt.Printf("address=%s\n", addr)
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
