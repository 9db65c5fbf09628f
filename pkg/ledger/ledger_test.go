package ledger

import (
	"testing"

	"github.com/jingzhongxu/ladder/pkg/attestation"
	"github.com/jingzhongxu/ladder/pkg/common"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testGenesis = crypto.Keccak256Hash([]byte("test genesis"))

func TestSignAndVerifyTransaction(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	call := Call{Kind: CallMatrixIngress, Message: []byte("payload"), Signature: []byte("sig")}
	tx, err := SignTransaction(key, 7, call, testGenesis)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), tx.Sender)
	require.NoError(t, tx.Verify(testGenesis))

	// Bound to the genesis hash.
	assert.ErrorIs(t, tx.Verify(crypto.Keccak256Hash([]byte("other ledger"))), ErrInvalidTxSignature)

	// Bound to the nonce.
	tampered := *tx
	tampered.Nonce = 8
	assert.ErrorIs(t, tampered.Verify(testGenesis), ErrInvalidTxSignature)

	b, err := tx.Encode()
	require.NoError(t, err)
	decoded, err := DecodeTransaction(b)
	require.NoError(t, err)
	assert.Equal(t, tx, decoded)
	assert.Equal(t, tx.Hash(), decoded.Hash())
}

func TestCallForRelay(t *testing.T) {
	expected := map[common.RelayType]CallKind{
		common.RelayIngress:        CallMatrixIngress,
		common.RelayEgress:         CallMatrixEgress,
		common.RelayDeposit:        CallBankDeposit,
		common.RelayWithdraw:       CallBankWithdraw,
		common.RelaySetAuthorities: CallMatrixResetAuthorities,
		common.RelayExchangeRate:   CallExchangeRateCheck,
	}
	for rt, kind := range expected {
		call, err := CallForRelay(rt, []byte{1}, []byte{2})
		require.NoError(t, err)
		assert.Equal(t, kind, call.Kind, rt.String())
	}

	_, err := CallForRelay(common.RelayType(0), nil, nil)
	assert.Error(t, err)
}

func TestEventRecordsRoundTrip(t *testing.T) {
	sig := make([]byte, crypto.SignatureLength)
	sig[0] = 0xaa
	validator := ethcommon.HexToAddress("0x1000000000000000000000000000000000000001")

	confirmed, err := NewEventRecord(0, EventIngressConfirmed, &ConfirmedEvent{
		Message:      []byte("payload"),
		Attestations: []attestation.Attestation{attestation.NewAttestation(validator, sig)},
	})
	require.NoError(t, err)
	result, err := NewEventRecord(0, EventExtrinsicFailed, &TxResultEvent{Sender: validator, Code: 1102, Reason: "duplicate"})
	require.NoError(t, err)

	data, err := EncodeEventRecords([]EventRecord{confirmed, result})
	require.NoError(t, err)

	records, err := DecodeEventRecords(data)
	require.NoError(t, err)
	require.Len(t, records, 2)

	c, err := records[0].Confirmed()
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), c.Message)
	assert.Equal(t, sig, c.Signatures())
	assert.Equal(t, validator, c.Attestations[0].Validator)

	_, err = records[1].Confirmed()
	assert.Error(t, err)
	r, err := records[1].TxResult()
	require.NoError(t, err)
	assert.Equal(t, uint32(1102), r.Code)

	empty, err := EncodeEventRecords(nil)
	require.NoError(t, err)
	records, err = DecodeEventRecords(empty)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestEventsStorageKey(t *testing.T) {
	assert.Equal(t, crypto.Keccak256Hash([]byte("System Events")), EventsStorageKey)
}

func TestLoadAccountKey(t *testing.T) {
	scryptN, scryptP = keystore.LightScryptN, keystore.LightScryptP
	dir := t.TempDir()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr, err := ImportAccountKey(dir, key, "hunter2")
	require.NoError(t, err)

	loaded, err := LoadAccountKey(dir, "0", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, crypto.FromECDSA(key), crypto.FromECDSA(loaded))

	loaded, err = LoadAccountKey(dir, addr.Hex(), "hunter2")
	require.NoError(t, err)
	assert.Equal(t, addr, crypto.PubkeyToAddress(loaded.PublicKey))

	_, err = LoadAccountKey(dir, "0", "wrong")
	assert.Error(t, err)
	_, err = LoadAccountKey(dir, "3", "hunter2")
	assert.ErrorContains(t, err, "out of range")
	_, err = LoadAccountKey(t.TempDir(), "0", "hunter2")
	assert.ErrorContains(t, err, "no accounts")
}
