package attestation

import (
	"testing"

	"github.com/jingzhongxu/ladder/pkg/common"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type staticValidators map[ethcommon.Address]bool

func (s staticValidators) IsValidator(addr ethcommon.Address) bool {
	return s[addr]
}

var (
	val1     = ethcommon.HexToAddress("0x1000000000000000000000000000000000000001")
	val2     = ethcommon.HexToAddress("0x1000000000000000000000000000000000000002")
	val3     = ethcommon.HexToAddress("0x1000000000000000000000000000000000000003")
	outsider = ethcommon.HexToAddress("0x9000000000000000000000000000000000000009")
)

func testSig(t *testing.T, message []byte) []byte {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	sig, err := crypto.Sign(crypto.Keccak256(message), key)
	require.NoError(t, err)
	return sig
}

func newTestKeeper(t *testing.T, threshold int) *Keeper {
	t.Helper()
	k, err := NewKeeper(zap.NewNop(), NewMemoryStore(), staticValidators{val1: true, val2: true, val3: true}, threshold)
	require.NoError(t, err)
	return k
}

func TestAttestIngressSingleAttestationConfirms(t *testing.T) {
	k := newTestKeeper(t, DefaultThreshold)
	msg := []byte("ingress payload")
	sig := testSig(t, msg)

	c, err := k.AttestIngress(val1, msg, sig)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, DirectionIngress, c.Direction)
	assert.Equal(t, common.NewMessageID(msg), c.ID)
	assert.Equal(t, msg, c.Message)
	require.Len(t, c.Attestations, 1)
	assert.Equal(t, val1, c.Attestations[0].Validator)
	assert.Equal(t, sig, c.Signatures())
	assert.Equal(t, crypto.Keccak256Hash(sig), c.Attestations[0].SignatureHash)

	r, err := k.Record(DirectionIngress, common.NewMessageID(msg))
	require.NoError(t, err)
	assert.True(t, r.Sent)
	assert.Equal(t, msg, r.Payload)
	require.Len(t, r.Attestations, 1)
	assert.Equal(t, val1, r.Attestations[0].Validator)
}

func TestAttestRejectsNonValidator(t *testing.T) {
	k := newTestKeeper(t, DefaultThreshold)
	msg := []byte("ingress payload")

	c, err := k.AttestIngress(outsider, msg, testSig(t, msg))
	assert.ErrorIs(t, err, ErrNotAuthorized)
	assert.Nil(t, c)

	_, err = k.Record(DirectionIngress, common.NewMessageID(msg))
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestAttestDuplicateLeavesRecordUnchanged(t *testing.T) {
	k := newTestKeeper(t, 3)
	msg := []byte("egress payload")

	c, err := k.AttestEgress(val1, msg, testSig(t, msg))
	require.NoError(t, err)
	assert.Nil(t, c)

	before, err := k.Record(DirectionEgress, common.NewMessageID(msg))
	require.NoError(t, err)

	c, err = k.AttestEgress(val1, msg, testSig(t, msg))
	assert.ErrorIs(t, err, ErrDuplicateAttestation)
	assert.Nil(t, c)

	after, err := k.Record(DirectionEgress, common.NewMessageID(msg))
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, 1, after.Count())
}

func TestAttestEmitsAtMostOnce(t *testing.T) {
	k := newTestKeeper(t, DefaultThreshold)
	msg := []byte("ingress payload")

	emitted := 0
	var errs []error
	for _, v := range []ethcommon.Address{val1, val2, val3, val1} {
		c, err := k.AttestIngress(v, msg, testSig(t, msg))
		if c != nil {
			emitted++
		}
		errs = append(errs, err)
	}
	assert.Equal(t, 1, emitted)
	assert.NoError(t, errs[0])
	assert.ErrorIs(t, errs[1], ErrAlreadySent)
	assert.ErrorIs(t, errs[2], ErrAlreadySent)
	// A validator that already signed gets DuplicateAttestation even after the message was sent.
	assert.ErrorIs(t, errs[3], ErrDuplicateAttestation)

	r, err := k.Record(DirectionIngress, common.NewMessageID(msg))
	require.NoError(t, err)
	assert.Equal(t, 1, r.Count())
}

func TestAttestThreshold(t *testing.T) {
	k := newTestKeeper(t, 2)
	msg := []byte("ingress payload")

	c, err := k.AttestIngress(val1, msg, testSig(t, msg))
	require.NoError(t, err)
	assert.Nil(t, c)

	r, err := k.Record(DirectionIngress, common.NewMessageID(msg))
	require.NoError(t, err)
	assert.False(t, r.Sent)
	assert.Nil(t, r.Payload)

	c, err = k.AttestIngress(val2, msg, testSig(t, msg))
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, []ethcommon.Address{val1, val2}, []ethcommon.Address{c.Attestations[0].Validator, c.Attestations[1].Validator})
	assert.Len(t, c.Signatures(), 2*crypto.SignatureLength)

	_, err = k.AttestIngress(val3, msg, testSig(t, msg))
	assert.ErrorIs(t, err, ErrAlreadySent)
}

func TestIngressAndEgressAreIndependent(t *testing.T) {
	k := newTestKeeper(t, DefaultThreshold)
	msg := []byte("same payload")

	c, err := k.AttestIngress(val1, msg, testSig(t, msg))
	require.NoError(t, err)
	require.NotNil(t, c)

	c, err = k.AttestEgress(val1, msg, testSig(t, msg))
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, DirectionEgress, c.Direction)
}

func TestAttestInputValidation(t *testing.T) {
	k := newTestKeeper(t, DefaultThreshold)

	_, err := k.AttestIngress(val1, nil, testSig(t, []byte("x")))
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, err = k.AttestIngress(val1, []byte("x"), []byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrInvalidAttestationSig)

	_, err = NewKeeper(zap.NewNop(), NewMemoryStore(), staticValidators{}, 0)
	assert.ErrorIs(t, err, ErrInvalidThreshold)
}

func TestErrorFromCode(t *testing.T) {
	assert.Equal(t, ErrNotAuthorized, ErrorFromCode(ErrNotAuthorized.Code))
	assert.Equal(t, ErrAlreadySent, ErrorFromCode(1103))
	assert.Nil(t, ErrorFromCode(9999))
}

func TestResetAuthorities(t *testing.T) {
	k := newTestKeeper(t, DefaultThreshold)

	msg := make([]byte, 32+2*20)
	msg[31] = 7
	copy(msg[32:], val2.Bytes())
	copy(msg[52:], val3.Bytes())

	height, auths, err := ParseAuthorities(msg)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), height)
	assert.Equal(t, []ethcommon.Address{val2, val3}, auths)

	assert.NoError(t, k.ResetAuthorities(val1, msg, nil))
	assert.ErrorIs(t, k.ResetAuthorities(outsider, msg, nil), ErrNotAuthorized)
	assert.ErrorIs(t, k.ResetAuthorities(val1, msg[:40], nil), ErrInvalidAuthorities)

	assert.NoError(t, k.Rollback(val1, msg, nil))
	assert.ErrorIs(t, k.Rollback(outsider, msg, nil), ErrNotAuthorized)
}
