// Package ledger is the bridge's view of the local ledger: the transaction and event encodings, and a client for
// reading ledger state, submitting transactions and following storage changes.
package ledger

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum"
	ethcommon "github.com/ethereum/go-ethereum/common"
)

var (
	ErrUnknownBlock  = errors.New("unknown block")
	ErrStaleNonce    = errors.New("transaction nonce is lower than the account nonce")
	ErrAlreadyInPool = errors.New("transaction with this sender and nonce is already in the pool")
)

// Client is the narrow interface the bridge consumes from the ledger.
type Client interface {
	// Head returns the current best block.
	Head(ctx context.Context) (Head, error)
	// AccountNonce returns the next transaction nonce of who as of block at.
	AccountNonce(ctx context.Context, who ethcommon.Address, at ethcommon.Hash) (uint64, error)
	// IsValidator reports whether who is in the validator set as of block at.
	IsValidator(ctx context.Context, who ethcommon.Address, at ethcommon.Hash) (bool, error)
	// Validators returns the validator set as of block at.
	Validators(ctx context.Context, at ethcommon.Hash) ([]ethcommon.Address, error)
	// SubmitTransaction pushes tx into the transaction pool.
	SubmitTransaction(ctx context.Context, tx *Transaction) (ethcommon.Hash, error)
	// SubscribeStorageChanges delivers a ChangeSet for every block that changed any of keys.
	SubscribeStorageChanges(ctx context.Context, keys []ethcommon.Hash, ch chan<- *ChangeSet) (ethereum.Subscription, error)
	// GenesisHash returns the hash of the ledger's genesis block.
	GenesisHash(ctx context.Context) (ethcommon.Hash, error)
	Close()
}
