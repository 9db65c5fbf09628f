package attestation

import (
	"sync"

	"github.com/jingzhongxu/ladder/pkg/common"
)

// Store persists message records.
type Store interface {
	// GetRecord returns ErrRecordNotFound if no record exists for the message.
	GetRecord(dir Direction, id common.MessageID) (*MessageRecord, error)
	PutRecord(r *MessageRecord) error
}

type recordKey struct {
	dir Direction
	id  common.MessageID
}

// MemoryStore is a Store that keeps records in memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[recordKey]*MessageRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[recordKey]*MessageRecord)}
}

func (s *MemoryStore) GetRecord(dir Direction, id common.MessageID) (*MessageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[recordKey{dir, id}]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return r.clone(), nil
}

func (s *MemoryStore) PutRecord(r *MessageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[recordKey{r.Direction, r.ID}] = r.clone()
	return nil
}

func (r *MessageRecord) clone() *MessageRecord {
	c := *r
	c.Attestations = make([]Attestation, len(r.Attestations))
	copy(c.Attestations, r.Attestations)
	if r.Payload != nil {
		c.Payload = append([]byte(nil), r.Payload...)
	}
	return &c
}
