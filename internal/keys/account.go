package keys

import (
	"encoding/hex"

	"github.com/Klingon-tech/klingvault/pkg/chain"
	"github.com/Klingon-tech/klingvault/pkg/crypto"
)

// ImportedPath marks accounts created from imported secrets.
const ImportedPath = "imported"

// Account is a chain identity. It never holds private key material, with
// the exception of a Monero private view key, which only grants read access.
type Account struct {
	ID           string             `json:"id"`
	Chain        chain.Chain        `json:"chain"`
	Path         string             `json:"path"`
	PublicKey    chain.HexBytes     `json:"publicKey"`
	Address      string             `json:"address"`
	KeyID        string             `json:"keyId"`
	Capabilities chain.Capabilities `json:"capabilities"`
	ViewKey      chain.HexBytes     `json:"viewKey,omitempty"`
}

// KeyID returns the stable identifier of a public key: the first 16 bytes
// of its BLAKE3 digest, hex encoded.
func KeyID(pub []byte) string {
	fp := crypto.Fingerprint(pub)
	return hex.EncodeToString(fp[:16])
}

// AccountID returns the account identifier for an address on a chain.
func AccountID(c chain.Chain, address string) string {
	return string(c) + ":" + address
}
