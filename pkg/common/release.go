package common

import (
	ethcommon "github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// Release is a ledger-confirmed message on its way to the external chain named by its destination tag.
type Release struct {
	ID          MessageID
	Message     []byte
	Signatures  []byte
	Destination ChainTag

	// Ledger block whose events carried the confirmation.
	LedgerBlock  ethcommon.Hash
	LedgerNumber uint64
}

func (r *Release) ZapFields(fields ...zap.Field) []zap.Field {
	return append(fields,
		zap.Stringer("msgID", r.ID),
		zap.Stringer("destination", r.Destination),
		zap.Int("signatures", len(r.Signatures)/65),
		zap.Uint64("ledgerBlock", r.LedgerNumber),
	)
}
