package db

import (
	"fmt"

	"github.com/dgraph-io/badger/v3"
)

// releaseSeqBandwidth is the number of release sequence numbers leased from disk at a time.
const releaseSeqBandwidth = 100

var releaseSeqKey = []byte("RELEASE:SEQ")

type Database struct {
	db         *badger.DB
	releaseSeq *badger.Sequence
}

// Open opens the badger database at path, creating it if needed.
func Open(path string) (*Database, error) {
	db, err := badger.Open(badger.DefaultOptions(path).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return newDatabase(db)
}

// OpenInMemory opens a database that is never written to disk.
func OpenInMemory() (*Database, error) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	return newDatabase(db)
}

func newDatabase(db *badger.DB) (*Database, error) {
	seq, err := db.GetSequence(releaseSeqKey, releaseSeqBandwidth)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open release sequence: %w", err)
	}
	return &Database{db: db, releaseSeq: seq}, nil
}

func (d *Database) Close() error {
	if err := d.releaseSeq.Release(); err != nil {
		d.db.Close()
		return fmt.Errorf("failed to release sequence: %w", err)
	}
	return d.db.Close()
}
