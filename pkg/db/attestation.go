package db

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jingzhongxu/ladder/pkg/attestation"
	"github.com/jingzhongxu/ladder/pkg/common"

	"github.com/dgraph-io/badger/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var storedRecordsTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "bridge_db_total_attestation_record_writes",
		Help: "Total number of attestation record writes to the database",
	})

const attestationRecord = "ATTEST:"

func attestationRecordKey(dir attestation.Direction, id common.MessageID) []byte {
	return []byte(fmt.Sprintf("%v%v:%v", attestationRecord, dir, id))
}

// AttestationStore persists attestation records in the database.
type AttestationStore struct {
	d *Database
}

func (d *Database) AttestationStore() *AttestationStore {
	return &AttestationStore{d: d}
}

func (s *AttestationStore) GetRecord(dir attestation.Direction, id common.MessageID) (*attestation.MessageRecord, error) {
	var r attestation.MessageRecord
	err := s.d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(attestationRecordKey(dir, id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &r)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, attestation.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read attestation record: %w", err)
	}
	return &r, nil
}

func (s *AttestationStore) PutRecord(r *attestation.MessageRecord) error {
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal attestation record: %w", err)
	}
	err = s.d.db.Update(func(txn *badger.Txn) error {
		return txn.Set(attestationRecordKey(r.Direction, r.ID), b)
	})
	if err != nil {
		return fmt.Errorf("failed to commit tx: %w", err)
	}
	storedRecordsTotal.Inc()
	return nil
}
