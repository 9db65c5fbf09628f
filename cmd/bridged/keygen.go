package bridged

import (
	"crypto/ecdsa"
	"crypto/rand"
	"log"

	"github.com/jingzhongxu/ladder/pkg/common"
	"github.com/jingzhongxu/ladder/pkg/ledger"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"
)

var keyDescription *string
var blockType *string

var accountPassphrase *string

func init() {
	keyDescription = KeygenCmd.Flags().String("desc", "", "Human-readable key description (optional)")
	blockType = KeygenCmd.Flags().String("block-type", common.BridgeKeyArmoredBlock, "block type of armored file (optional)")

	accountPassphrase = AccountCmd.Flags().String("passphrase", "", "Passphrase encrypting the new account key (required)")
}

var KeygenCmd = &cobra.Command{
	Use:   "keygen [KEYFILE]",
	Short: "Create bridge signing key at the specified path",
	Run:   runKeygen,
	Args:  cobra.ExactArgs(1),
}

var AccountCmd = &cobra.Command{
	Use:   "account-new [KEYSTOREDIR]",
	Short: "Create a ledger account key in the specified key store directory",
	Run:   runAccountNew,
	Args:  cobra.ExactArgs(1),
}

func runKeygen(cmd *cobra.Command, args []string) {
	common.LockMemory()
	common.SetRestrictiveUmask()

	log.Print("Creating new key at ", args[0])

	gk, err := ecdsa.GenerateKey(ethcrypto.S256(), rand.Reader)
	if err != nil {
		log.Fatalf("failed to generate key: %v", err)
	}

	err = common.WriteArmoredKey(gk, *keyDescription, args[0], *blockType, false)
	if err != nil {
		log.Fatalf("failed to write key: %v", err)
	}
}

func runAccountNew(cmd *cobra.Command, args []string) {
	common.LockMemory()
	common.SetRestrictiveUmask()

	if *accountPassphrase == "" {
		log.Fatal("Please specify --passphrase")
	}

	key, err := ecdsa.GenerateKey(ethcrypto.S256(), rand.Reader)
	if err != nil {
		log.Fatalf("failed to generate key: %v", err)
	}

	addr, err := ledger.ImportAccountKey(args[0], key, *accountPassphrase)
	if err != nil {
		log.Fatalf("failed to store account key: %v", err)
	}
	log.Print("Created ledger account ", addr.Hex(), " in ", args[0])
}
