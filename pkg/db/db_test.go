package db

import (
	"testing"

	"github.com/jingzhongxu/ladder/pkg/attestation"
	"github.com/jingzhongxu/ladder/pkg/common"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttestationStore(t *testing.T) {
	db, err := Open(t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	store := db.AttestationStore()
	id := common.NewMessageID([]byte("payload"))

	_, err = store.GetRecord(attestation.DirectionIngress, id)
	assert.ErrorIs(t, err, attestation.ErrRecordNotFound)

	validator := ethcommon.HexToAddress("0x1000000000000000000000000000000000000001")
	r := &attestation.MessageRecord{
		Direction:    attestation.DirectionIngress,
		ID:           id,
		Attestations: []attestation.Attestation{attestation.NewAttestation(validator, make([]byte, 65))},
		Sent:         true,
		Payload:      []byte("payload"),
	}
	require.NoError(t, store.PutRecord(r))

	got, err := store.GetRecord(attestation.DirectionIngress, id)
	require.NoError(t, err)
	assert.Equal(t, r, got)

	// Egress records live in their own key space.
	_, err = store.GetRecord(attestation.DirectionEgress, id)
	assert.ErrorIs(t, err, attestation.ErrRecordNotFound)
}

func TestAttestationStoreBacksKeeper(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	validator := ethcommon.HexToAddress("0x1000000000000000000000000000000000000001")
	k, err := attestation.NewKeeper(nopLogger(), db.AttestationStore(), validatorSet{validator}, attestation.DefaultThreshold)
	require.NoError(t, err)

	c, err := k.AttestIngress(validator, []byte("payload"), make([]byte, 65))
	require.NoError(t, err)
	require.NotNil(t, c)

	_, err = k.AttestIngress(validator, []byte("payload"), make([]byte, 65))
	assert.ErrorIs(t, err, attestation.ErrDuplicateAttestation)
}

func TestReleaseOutbox(t *testing.T) {
	db, err := Open(t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	first := &PendingRelease{Chain: "chain_a", ID: common.NewMessageID([]byte("1")), Message: []byte("1"), Signatures: []byte{1}, Seq: 1}
	second := &PendingRelease{Chain: "chain_a", ID: common.NewMessageID([]byte("2")), Message: []byte("2"), Signatures: []byte{2}, Seq: 2}
	other := &PendingRelease{Chain: "chain_b", ID: common.NewMessageID([]byte("3")), Message: []byte("3"), Signatures: []byte{3}, Seq: 3}
	require.NoError(t, db.StorePendingRelease(second))
	require.NoError(t, db.StorePendingRelease(first))
	require.NoError(t, db.StorePendingRelease(other))

	pending, err := db.GetPendingReleases("chain_a")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, first, pending[0])
	assert.Equal(t, second, pending[1])

	released, err := db.IsReleased("chain_a", first.ID)
	require.NoError(t, err)
	assert.False(t, released)

	require.NoError(t, db.MarkReleased("chain_a", first.ID, ethcommon.HexToHash("0x01")))

	released, err = db.IsReleased("chain_a", first.ID)
	require.NoError(t, err)
	assert.True(t, released)

	// Released state is per chain.
	released, err = db.IsReleased("chain_b", first.ID)
	require.NoError(t, err)
	assert.False(t, released)

	pending, err = db.GetPendingReleases("chain_a")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, second.ID, pending[0].ID)

	pending, err = db.GetPendingReleases("chain_b")
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestReleaseSequenceSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	require.NoError(t, err)

	var ids []common.MessageID
	store := func(db *Database, payload string) {
		r := &PendingRelease{Chain: "chain_a", ID: common.NewMessageID([]byte(payload)), Message: []byte(payload)}
		require.NoError(t, db.StorePendingRelease(r))
		assert.NotZero(t, r.Seq)
		ids = append(ids, r.ID)
	}
	for _, p := range []string{"zulu", "alpha", "mike"} {
		store(db, p)
	}
	require.NoError(t, db.Close())

	db, err = Open(dir)
	require.NoError(t, err)
	defer db.Close()
	for _, p := range []string{"yankee", "bravo"} {
		store(db, p)
	}

	pending, err := db.GetPendingReleases("chain_a")
	require.NoError(t, err)
	require.Len(t, pending, len(ids))
	for i, p := range pending {
		assert.Equal(t, ids[i], p.ID)
		if i > 0 {
			assert.Greater(t, p.Seq, pending[i-1].Seq)
		}
	}
}
