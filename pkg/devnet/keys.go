// Package devnet holds the insecure, deterministic fixtures of the local development network.
package devnet

import (
	"crypto/ecdsa"
	mathrand "math/rand"

	"github.com/ethereum/go-ethereum/crypto"
)

const (
	accountKeyIndex = 0
	bridgeKeyIndex  = 1000
)

// InsecureDeterministicEcdsaKeyByIndex generates a deterministic secp256k1 key from a given index.
// The scalar is read straight from the seeded source: ecdsa.GenerateKey may consume a random extra byte.
func InsecureDeterministicEcdsaKeyByIndex(idx uint64) *ecdsa.PrivateKey {
	r := mathrand.New(mathrand.NewSource(int64(555 + idx))) //#nosec G404 Devnet keys are not secret.
	for {
		b := make([]byte, 32)
		_, _ = r.Read(b)
		key, err := crypto.ToECDSA(b)
		if err == nil {
			return key
		}
	}
}

// AccountKey is the ledger account key of devnet bridge node idx.
func AccountKey(idx uint64) *ecdsa.PrivateKey {
	return InsecureDeterministicEcdsaKeyByIndex(accountKeyIndex + idx)
}

// BridgeKey is the attestation and release signing key of devnet bridge node idx.
func BridgeKey(idx uint64) *ecdsa.PrivateKey {
	return InsecureDeterministicEcdsaKeyByIndex(bridgeKeyIndex + idx)
}
