package ledger

import (
	"crypto/ecdsa"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	ethcommon "github.com/ethereum/go-ethereum/common"
)

// Scrypt parameters used when importing keys. Tests lower them.
var (
	scryptN = keystore.StandardScryptN
	scryptP = keystore.StandardScryptP
)

// LoadAccountKey decrypts the ledger account key from an encrypted key store directory. accountRef is either the
// account address or its index within the directory listing.
func LoadAccountKey(dir string, accountRef string, passphrase string) (*ecdsa.PrivateKey, error) {
	ks := keystore.NewKeyStore(dir, scryptN, scryptP)
	accts := ks.Accounts()
	if len(accts) == 0 {
		return nil, fmt.Errorf("no accounts in key store %s", dir)
	}

	acct, err := findAccount(accts, accountRef)
	if err != nil {
		return nil, err
	}

	keyJSON, err := os.ReadFile(acct.URL.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	key, err := keystore.DecryptKey(keyJSON, passphrase)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt key for %s: %w", acct.Address, err)
	}
	return key.PrivateKey, nil
}

func findAccount(accts []accounts.Account, ref string) (accounts.Account, error) {
	if ethcommon.IsHexAddress(ref) {
		want := ethcommon.HexToAddress(ref)
		for _, a := range accts {
			if a.Address == want {
				return a, nil
			}
		}
		return accounts.Account{}, fmt.Errorf("account %s not found in key store", want)
	}

	idx, err := strconv.Atoi(strings.TrimSpace(ref))
	if err != nil {
		return accounts.Account{}, fmt.Errorf("invalid account reference %q", ref)
	}
	if idx < 0 || idx >= len(accts) {
		return accounts.Account{}, fmt.Errorf("account index %d out of range, key store has %d accounts", idx, len(accts))
	}
	return accts[idx], nil
}

// ImportAccountKey encrypts key into the key store directory and returns the account address.
func ImportAccountKey(dir string, key *ecdsa.PrivateKey, passphrase string) (ethcommon.Address, error) {
	ks := keystore.NewKeyStore(dir, scryptN, scryptP)
	acct, err := ks.ImportECDSA(key, passphrase)
	if err != nil {
		return ethcommon.Address{}, fmt.Errorf("failed to import key: %w", err)
	}
	return acct.Address, nil
}
