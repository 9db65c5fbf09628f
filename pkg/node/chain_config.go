package node

import (
	"errors"
	"fmt"
	"math/big"
	"regexp"

	"github.com/jingzhongxu/ladder/pkg/common"
	"github.com/jingzhongxu/ladder/pkg/sender"
	"github.com/jingzhongxu/ladder/pkg/watchers/evm"

	ethcommon "github.com/ethereum/go-ethereum/common"
)

// ChainConfig describes one external chain the bridge watches and releases to.
type ChainConfig struct {
	// Name is used in logs, metrics, runnable names and the cursor file name.
	Name string
	// Tag is the destination tag ingress messages carry to be released on this chain.
	Tag      common.ChainTag
	URL      string
	Contract ethcommon.Address

	StartHeight   uint64
	Confirmations uint64

	GasPrice       *big.Int
	GasLimit       uint64
	MaxTxPerSecond float64

	// Test hooks replacing the ethclient connections.
	watcherDialer evm.DialFunc
	senderDialer  sender.DialFunc
}

var reChainName = regexp.MustCompile(`^[a-z0-9_]{1,32}$`)

var ErrNoChains = errors.New("no external chains configured")

// ValidateChains checks that chain names and tags are usable and unique.
func ValidateChains(chains []ChainConfig) error {
	if len(chains) == 0 {
		return ErrNoChains
	}
	names := make(map[string]struct{}, len(chains))
	tags := make(map[common.ChainTag]string, len(chains))
	for _, c := range chains {
		if !reChainName.MatchString(c.Name) {
			return fmt.Errorf("invalid chain name %q", c.Name)
		}
		if _, ok := names[c.Name]; ok {
			return fmt.Errorf("chain %s is configured twice", c.Name)
		}
		names[c.Name] = struct{}{}

		if c.Tag == (common.ChainTag{}) {
			return fmt.Errorf("chain %s has no destination tag", c.Name)
		}
		if other, ok := tags[c.Tag]; ok {
			return fmt.Errorf("chains %s and %s share the destination tag %s", other, c.Name, c.Tag)
		}
		tags[c.Tag] = c.Name

		if c.URL == "" {
			return fmt.Errorf("chain %s has no RPC URL", c.Name)
		}
		if c.Contract == (ethcommon.Address{}) {
			return fmt.Errorf("chain %s has no bridge contract address", c.Name)
		}
	}
	return nil
}

// Strategy selects which halves of the pipeline this process runs.
type Strategy struct {
	// Listener runs the chain watchers and submits what they observe to the ledger.
	Listener bool
	// Sender releases ledger confirmations on the external chains. A disabled sender drops them.
	Sender bool
}
