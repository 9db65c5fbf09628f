package evm

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Connector is the part of the external chain's RPC API the watcher uses.
type Connector interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	Close()
}

// DialFunc opens a connector to the chain at url.
type DialFunc func(ctx context.Context, url string) (Connector, error)

// DialEthClient connects with go-ethereum's ethclient.
func DialEthClient(ctx context.Context, url string) (Connector, error) {
	c, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dialing eth client failed: %w", err)
	}
	return c, nil
}

// filterQuery selects the bridge events emitted by contract in [from, to].
func filterQuery(contract ethcommon.Address, topics []ethcommon.Hash, from, to uint64) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []ethcommon.Address{contract},
		Topics:    [][]ethcommon.Hash{topics},
	}
}
