package devledger

import (
	"context"
	"fmt"
	"net/http"

	"github.com/jingzhongxu/ladder/pkg/ledger"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

// API exposes a Ledger under the ledger JSON-RPC namespace.
type API struct {
	l *Ledger
}

func (api *API) Head(ctx context.Context) (ledger.Head, error) {
	return api.l.Head(ctx)
}

func (api *API) AccountNonce(ctx context.Context, who ethcommon.Address, at ethcommon.Hash) (hexutil.Uint64, error) {
	n, err := api.l.AccountNonce(ctx, who, at)
	return hexutil.Uint64(n), err
}

func (api *API) IsValidator(ctx context.Context, who ethcommon.Address, at ethcommon.Hash) (bool, error) {
	return api.l.IsValidatorAt(ctx, who, at)
}

func (api *API) Validators(ctx context.Context, at ethcommon.Hash) ([]ethcommon.Address, error) {
	return api.l.Validators(ctx, at)
}

func (api *API) GenesisHash(ctx context.Context) (ethcommon.Hash, error) {
	return api.l.GenesisHash(ctx)
}

func (api *API) SubmitTransaction(ctx context.Context, raw hexutil.Bytes) (ethcommon.Hash, error) {
	tx, err := ledger.DecodeTransaction(raw)
	if err != nil {
		return ethcommon.Hash{}, err
	}
	return api.l.SubmitTransaction(ctx, tx)
}

// StorageChanges streams the change sets of keys for every new block.
func (api *API) StorageChanges(ctx context.Context, keys []ethcommon.Hash) (*rpc.Subscription, error) {
	notifier, supported := rpc.NotifierFromContext(ctx)
	if !supported {
		return &rpc.Subscription{}, rpc.ErrNotificationsUnsupported
	}
	rpcSub := notifier.CreateSubscription()

	changes := make(chan *ledger.ChangeSet, 16)
	sub, err := api.l.SubscribeStorageChanges(ctx, keys, changes)
	if err != nil {
		return nil, err
	}

	go func() {
		defer sub.Unsubscribe()
		for {
			select {
			case cs := <-changes:
				if err := notifier.Notify(rpcSub.ID, cs); err != nil {
					return
				}
			case <-rpcSub.Err():
				return
			case <-notifier.Closed():
				return
			}
		}
	}()
	return rpcSub, nil
}

// NewServer returns an RPC server with the ledger API registered.
func NewServer(l *Ledger) (*rpc.Server, error) {
	srv := rpc.NewServer()
	if err := srv.RegisterName(ledger.Namespace, &API{l: l}); err != nil {
		return nil, fmt.Errorf("failed to register ledger API: %w", err)
	}
	return srv, nil
}

// Handler serves the API over both websocket and plain HTTP. Subscriptions are only available over websocket.
func Handler(srv *rpc.Server) http.Handler {
	ws := srv.WebsocketHandler([]string{"*"})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Upgrade") == "websocket" {
			ws.ServeHTTP(w, r)
			return
		}
		srv.ServeHTTP(w, r)
	})
}
