package ledger

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

// Namespace is the JSON-RPC namespace of the ledger API.
const Namespace = "ledger"

// RPCClient implements Client on top of the ledger's JSON-RPC API.
type RPCClient struct {
	c *rpc.Client
}

// Dial connects to the ledger's JSON-RPC endpoint. Subscriptions require a websocket or IPC endpoint.
func Dial(ctx context.Context, rawurl string) (*RPCClient, error) {
	c, err := rpc.DialContext(ctx, rawurl)
	if err != nil {
		return nil, fmt.Errorf("failed to dial ledger at %s: %w", rawurl, err)
	}
	return NewRPCClient(c), nil
}

func NewRPCClient(c *rpc.Client) *RPCClient {
	return &RPCClient{c: c}
}

func (c *RPCClient) Head(ctx context.Context) (Head, error) {
	var h Head
	err := c.c.CallContext(ctx, &h, Namespace+"_head")
	return h, err
}

func (c *RPCClient) AccountNonce(ctx context.Context, who ethcommon.Address, at ethcommon.Hash) (uint64, error) {
	var n hexutil.Uint64
	err := c.c.CallContext(ctx, &n, Namespace+"_accountNonce", who, at)
	return uint64(n), err
}

func (c *RPCClient) IsValidator(ctx context.Context, who ethcommon.Address, at ethcommon.Hash) (bool, error) {
	var ok bool
	err := c.c.CallContext(ctx, &ok, Namespace+"_isValidator", who, at)
	return ok, err
}

func (c *RPCClient) Validators(ctx context.Context, at ethcommon.Hash) ([]ethcommon.Address, error) {
	var vals []ethcommon.Address
	err := c.c.CallContext(ctx, &vals, Namespace+"_validators", at)
	return vals, err
}

func (c *RPCClient) SubmitTransaction(ctx context.Context, tx *Transaction) (ethcommon.Hash, error) {
	b, err := tx.Encode()
	if err != nil {
		return ethcommon.Hash{}, fmt.Errorf("failed to encode transaction: %w", err)
	}
	var hash ethcommon.Hash
	err = c.c.CallContext(ctx, &hash, Namespace+"_submitTransaction", hexutil.Bytes(b))
	return hash, err
}

func (c *RPCClient) SubscribeStorageChanges(ctx context.Context, keys []ethcommon.Hash, ch chan<- *ChangeSet) (ethereum.Subscription, error) {
	sub, err := c.c.Subscribe(ctx, Namespace, ch, "storageChanges", keys)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to storage changes: %w", err)
	}
	return sub, nil
}

func (c *RPCClient) GenesisHash(ctx context.Context) (ethcommon.Hash, error) {
	var hash ethcommon.Hash
	err := c.c.CallContext(ctx, &hash, Namespace+"_genesisHash")
	return hash, err
}

func (c *RPCClient) Close() {
	c.c.Close()
}
