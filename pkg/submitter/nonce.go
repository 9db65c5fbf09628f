package submitter

import (
	"context"

	ethcommon "github.com/ethereum/go-ethereum/common"
)

// PacketNonce is the next ledger transaction nonce of the signing account, and the head it was derived against.
type PacketNonce struct {
	Nonce     uint64
	LastBlock ethcommon.Hash
}

// NonceFetcher reads the account nonce of who as of block at.
type NonceFetcher func(ctx context.Context, who ethcommon.Address, at ethcommon.Hash) (uint64, error)

type nonceReply struct {
	nonce uint64
	err   error
}

type nonceRequest struct {
	ctx   context.Context
	head  ethcommon.Hash
	reply chan nonceReply
}

// NonceManager hands out ledger nonces for one account. All state lives in the goroutine running Run, so callers
// never share it directly.
type NonceManager struct {
	who   ethcommon.Address
	fetch NonceFetcher
	reqC  chan nonceRequest
}

func NewNonceManager(who ethcommon.Address, fetch NonceFetcher) *NonceManager {
	return &NonceManager{
		who:   who,
		fetch: fetch,
		reqC:  make(chan nonceRequest),
	}
}

// Run serves Next requests until ctx is canceled.
func (m *NonceManager) Run(ctx context.Context) error {
	var state *PacketNonce
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-m.reqC:
			if state != nil && state.LastBlock == req.head {
				state.Nonce++
				req.reply <- nonceReply{nonce: state.Nonce}
				continue
			}
			// The head moved: the ledger's account nonce is authoritative again.
			n, err := m.fetch(req.ctx, m.who, req.head)
			if err != nil {
				req.reply <- nonceReply{err: err}
				continue
			}
			state = &PacketNonce{Nonce: n, LastBlock: req.head}
			nonceResets.Inc()
			req.reply <- nonceReply{nonce: n}
		}
	}
}

// Next returns the nonce to use for a transaction built against head.
func (m *NonceManager) Next(ctx context.Context, head ethcommon.Hash) (uint64, error) {
	req := nonceRequest{ctx: ctx, head: head, reply: make(chan nonceReply, 1)}
	select {
	case m.reqC <- req:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case r := <-req.reply:
		return r.nonce, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
