package ledger

import (
	"bytes"
	"crypto/ecdsa"
	"errors"
	"fmt"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

var (
	ErrInvalidTxSignature = errors.New("transaction signature does not match sender")
)

// Transaction is a signed ledger transaction. The signature covers the nonce, the call and the genesis hash of
// the ledger, so a transaction can neither be replayed on another ledger nor reordered within one.
type Transaction struct {
	Nonce     uint64
	Call      Call
	Sender    ethcommon.Address
	Signature []byte
}

type signingPayload struct {
	Nonce   uint64
	Call    Call
	Genesis ethcommon.Hash
}

// SigningHash returns the digest a sender signs for the given nonce, call and genesis hash.
func SigningHash(nonce uint64, call Call, genesis ethcommon.Hash) (ethcommon.Hash, error) {
	b, err := rlp.EncodeToBytes(&signingPayload{Nonce: nonce, Call: call, Genesis: genesis})
	if err != nil {
		return ethcommon.Hash{}, fmt.Errorf("failed to encode signing payload: %w", err)
	}
	return crypto.Keccak256Hash(b), nil
}

// SignTransaction builds and signs a transaction with the ledger account key.
func SignTransaction(key *ecdsa.PrivateKey, nonce uint64, call Call, genesis ethcommon.Hash) (*Transaction, error) {
	digest, err := SigningHash(nonce, call, genesis)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	return &Transaction{
		Nonce:     nonce,
		Call:      call,
		Sender:    crypto.PubkeyToAddress(key.PublicKey),
		Signature: sig,
	}, nil
}

// Verify checks that the transaction was signed by its sender for the ledger with the given genesis hash.
func (tx *Transaction) Verify(genesis ethcommon.Hash) error {
	digest, err := SigningHash(tx.Nonce, tx.Call, genesis)
	if err != nil {
		return err
	}
	pub, err := crypto.SigToPub(digest.Bytes(), tx.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTxSignature, err)
	}
	if !bytes.Equal(crypto.PubkeyToAddress(*pub).Bytes(), tx.Sender.Bytes()) {
		return ErrInvalidTxSignature
	}
	return nil
}

func (tx *Transaction) Encode() ([]byte, error) {
	return rlp.EncodeToBytes(tx)
}

func DecodeTransaction(b []byte) (*Transaction, error) {
	tx := new(Transaction)
	if err := rlp.DecodeBytes(b, tx); err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}
	return tx, nil
}

// Hash is the keccak256 hash of the encoded transaction.
func (tx *Transaction) Hash() ethcommon.Hash {
	b, err := tx.Encode()
	if err != nil {
		panic(err)
	}
	return crypto.Keccak256Hash(b)
}
