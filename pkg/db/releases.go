package db

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/jingzhongxu/ladder/pkg/common"

	"github.com/dgraph-io/badger/v3"
	ethcommon "github.com/ethereum/go-ethereum/common"
)

// ReleaseDB is the outbound sender's durable outbox. A release is pending from the moment the sender accepts it
// until its transaction was submitted, and released afterwards. Released messages are never submitted again.
type ReleaseDB interface {
	StorePendingRelease(r *PendingRelease) error
	GetPendingReleases(chain string) ([]*PendingRelease, error)
	MarkReleased(chain string, id common.MessageID, txHash ethcommon.Hash) error
	IsReleased(chain string, id common.MessageID) (bool, error)
}

// PendingRelease is a confirmed ledger message waiting to be released on an external chain.
type PendingRelease struct {
	Chain      string           `json:"chain"`
	ID         common.MessageID `json:"id"`
	Message    []byte           `json:"message"`
	Signatures []byte           `json:"signatures"`

	// Seq orders pending releases by arrival. StorePendingRelease assigns it from a persisted counter when zero.
	Seq uint64 `json:"seq"`
}

type MockReleaseDB struct {
}

func (d *MockReleaseDB) StorePendingRelease(r *PendingRelease) error {
	return nil
}

func (d *MockReleaseDB) GetPendingReleases(chain string) ([]*PendingRelease, error) {
	return nil, nil
}

func (d *MockReleaseDB) MarkReleased(chain string, id common.MessageID, txHash ethcommon.Hash) error {
	return nil
}

func (d *MockReleaseDB) IsReleased(chain string, id common.MessageID) (bool, error) {
	return false, nil
}

const releasePending = "RELEASE:PENDING:"
const releaseDone = "RELEASE:DONE:"

func releasePendingPrefix(chain string) []byte {
	return []byte(fmt.Sprintf("%v%v:", releasePending, chain))
}

func releasePendingKey(chain string, id common.MessageID) []byte {
	return []byte(fmt.Sprintf("%v%v:%v", releasePending, chain, id))
}

func releaseDoneKey(chain string, id common.MessageID) []byte {
	return []byte(fmt.Sprintf("%v%v:%v", releaseDone, chain, id))
}

func (d *Database) StorePendingRelease(r *PendingRelease) error {
	if r.Seq == 0 {
		n, err := d.releaseSeq.Next()
		if err != nil {
			return fmt.Errorf("failed to allocate release sequence number: %w", err)
		}
		r.Seq = n + 1
	}
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal pending release: %w", err)
	}
	err = d.db.Update(func(txn *badger.Txn) error {
		return txn.Set(releasePendingKey(r.Chain, r.ID), b)
	})
	if err != nil {
		return fmt.Errorf("failed to commit tx: %w", err)
	}
	return nil
}

// GetPendingReleases returns the pending releases of a chain in arrival order.
func (d *Database) GetPendingReleases(chain string) ([]*PendingRelease, error) {
	pending := []*PendingRelease{}
	prefixBytes := releasePendingPrefix(chain)
	err := d.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchSize = 10
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefixBytes); it.ValidForPrefix(prefixBytes); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}

			var r PendingRelease
			if err := json.Unmarshal(val, &r); err != nil {
				return fmt.Errorf("failed to unmarshal pending release for key '%s': %w", string(item.Key()), err)
			}
			pending = append(pending, &r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].Seq < pending[j].Seq
	})
	return pending, nil
}

// MarkReleased drops the pending entry and records the release transaction in one database transaction.
func (d *Database) MarkReleased(chain string, id common.MessageID, txHash ethcommon.Hash) error {
	err := d.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(releasePendingKey(chain, id)); err != nil {
			return err
		}
		return txn.Set(releaseDoneKey(chain, id), txHash.Bytes())
	})
	if err != nil {
		return fmt.Errorf("failed to commit tx: %w", err)
	}
	return nil
}

func (d *Database) IsReleased(chain string, id common.MessageID) (bool, error) {
	err := d.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(releaseDoneKey(chain, id))
		return err
	})
	if err == nil {
		return true, nil
	}
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return false, err
}
