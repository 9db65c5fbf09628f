package node

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/jingzhongxu/ladder/pkg/attestation"
	"github.com/jingzhongxu/ladder/pkg/common"
	"github.com/jingzhongxu/ladder/pkg/db"
	"github.com/jingzhongxu/ladder/pkg/ethabi"
	"github.com/jingzhongxu/ladder/pkg/ledger/devledger"
	"github.com/jingzhongxu/ladder/pkg/readiness"
	"github.com/jingzhongxu/ladder/pkg/sender"
	"github.com/jingzhongxu/ladder/pkg/supervisor"
	"github.com/jingzhongxu/ladder/pkg/watchers/evm"

	"github.com/ethereum/go-ethereum"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testBlockTime = 20 * time.Millisecond

var (
	tagA = common.ChainTagFromUint64(1)
	tagB = common.ChainTagFromUint64(2)
)

// fakeChain serves both the watcher and the sender side of one external chain.
type fakeChain struct {
	chainID *big.Int

	mu   sync.Mutex
	head uint64
	logs []types.Log
	sent []*types.Transaction
}

func (c *fakeChain) BlockNumber(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head, nil
}

func (c *fakeChain) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []types.Log
	for _, l := range c.logs {
		if l.BlockNumber >= q.FromBlock.Uint64() && l.BlockNumber <= q.ToBlock.Uint64() {
			out = append(out, l)
		}
	}
	return out, nil
}

func (c *fakeChain) ChainID(ctx context.Context) (*big.Int, error) {
	return c.chainID, nil
}

func (c *fakeChain) PendingNonceAt(ctx context.Context, account ethcommon.Address) (uint64, error) {
	return 7, nil
}

func (c *fakeChain) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, tx)
	return nil
}

func (c *fakeChain) Close() {}

func (c *fakeChain) addLog(t *testing.T, contract ethcommon.Address, rt common.RelayType, block uint64, payload []byte) {
	t.Helper()
	topics, data, err := ethabi.EventLog(rt, payload)
	require.NoError(t, err)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logs = append(c.logs, types.Log{
		Address:     contract,
		Topics:      topics,
		Data:        data,
		BlockNumber: block,
		TxHash:      crypto.Keccak256Hash(payload),
	})
	if block > c.head {
		c.head = block
	}
}

func (c *fakeChain) sentTxs() []*types.Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*types.Transaction(nil), c.sent...)
}

func (c *fakeChain) chainConfig(name string, tag common.ChainTag, contract ethcommon.Address) ChainConfig {
	return ChainConfig{
		Name:          name,
		Tag:           tag,
		URL:           "ws://" + name,
		Contract:      contract,
		StartHeight:   1,
		watcherDialer: func(ctx context.Context, url string) (evm.Connector, error) { return c, nil },
		senderDialer:  func(ctx context.Context, url string) (sender.Transactor, error) { return c, nil },
	}
}

func ingressPayload(tag common.ChainTag, value uint64) []byte {
	e := &common.IngressEvent{
		Tag:       tag,
		Recipient: ethcommon.HexToAddress("0x90F8bf6A479f320ead074411a4B0e7944Ea8c9C1"),
		Value:     uint256.NewInt(value),
		TxHash:    ethcommon.HexToHash("0x4d0b5b0b7d3f6f0b9b6e0d7c2b5c3fdb2c1b2f0a1e0d9c8b7a6f5e4d3c2b1a09"),
	}
	return e.Serialize()
}

type testNode struct {
	accountKey *ecdsa.PrivateKey
	bridgeKey  *ecdsa.PrivateKey
	ledger     *devledger.Ledger
	chainA     *fakeChain
	chainB     *fakeChain
	chains     []ChainConfig
}

func newTestNode(t *testing.T) *testNode {
	t.Helper()
	readiness.NoPanic = true

	accountKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	bridgeKey, err := crypto.GenerateKey()
	require.NoError(t, err)

	l, err := devledger.New(zap.NewNop(), devledger.Config{
		Validators: []ethcommon.Address{crypto.PubkeyToAddress(accountKey.PublicKey)},
	})
	require.NoError(t, err)

	n := &testNode{
		accountKey: accountKey,
		bridgeKey:  bridgeKey,
		ledger:     l,
		chainA:     &fakeChain{chainID: big.NewInt(1337), head: 1},
		chainB:     &fakeChain{chainID: big.NewInt(1338), head: 1},
	}
	n.chains = []ChainConfig{
		n.chainA.chainConfig("chain_a", tagA, ethcommon.HexToAddress("0x0290FB167208Af455bB137780163b7B7a9a10C16")),
		n.chainB.chainConfig("chain_b", tagB, ethcommon.HexToAddress("0xCfEB869F69431e42cdB54A4F4f105C19C080A601")),
	}
	return n
}

func (n *testNode) run(t *testing.T, strategy Strategy) {
	t.Helper()
	database, err := db.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	g := NewBridgeNode(common.GoTest, n.accountKey, n.bridgeKey)
	supervisor.New(ctx, zap.NewNop(), g.Run(cancel,
		BridgeOptionDatabase(database),
		BridgeOptionDevLedger(n.ledger, testBlockTime),
		BridgeOptionSubmitter(time.Second),
		BridgeOptionWatchers(n.chains, strategy, t.TempDir(), time.Second),
		BridgeOptionSenders(n.chains, strategy, time.Second),
		BridgeOptionRelay(),
	), supervisor.WithPropagatePanic)
}

func TestIngressIsReleasedOnDestinationChainOnly(t *testing.T) {
	n := newTestNode(t)
	payload := ingressPayload(tagA, 1000)
	n.chainA.addLog(t, n.chains[0].Contract, common.RelayIngress, 3, payload)

	n.run(t, Strategy{Listener: true, Sender: true})

	require.Eventually(t, func() bool { return len(n.chainA.sentTxs()) == 1 }, 5*time.Second, 10*time.Millisecond)
	tx := n.chainA.sentTxs()[0]

	assert.Equal(t, uint64(7), tx.Nonce())
	require.NotNil(t, tx.To())
	assert.Equal(t, n.chains[0].Contract, *tx.To())
	from, err := types.Sender(types.NewEIP155Signer(n.chainA.chainID), tx)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(n.bridgeKey.PublicKey), from)

	message, signatures, err := ethabi.UnpackRelease(tx.Data())
	require.NoError(t, err)
	assert.Equal(t, payload, message)
	require.Len(t, signatures, crypto.SignatureLength)
	signer, err := crypto.SigToPub(crypto.Keccak256(payload), signatures)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(n.bridgeKey.PublicKey), crypto.PubkeyToAddress(*signer))

	record, err := n.ledger.Keeper().Record(attestation.DirectionIngress, common.NewMessageID(payload))
	require.NoError(t, err)
	assert.True(t, record.Sent)

	time.Sleep(10 * testBlockTime)
	assert.Empty(t, n.chainB.sentTxs())
	assert.Len(t, n.chainA.sentTxs(), 1)
}

func TestDisabledSenderDropsReleases(t *testing.T) {
	n := newTestNode(t)
	payload := ingressPayload(tagB, 5)
	n.chainA.addLog(t, n.chains[0].Contract, common.RelayIngress, 2, payload)

	n.run(t, Strategy{Listener: true, Sender: false})

	require.Eventually(t, func() bool {
		record, err := n.ledger.Keeper().Record(attestation.DirectionIngress, common.NewMessageID(payload))
		return err == nil && record.Sent
	}, 5*time.Second, 10*time.Millisecond)

	time.Sleep(10 * testBlockTime)
	assert.Empty(t, n.chainA.sentTxs())
	assert.Empty(t, n.chainB.sentTxs())
}

func TestApplyOptionsOrdering(t *testing.T) {
	n := newTestNode(t)
	g := NewBridgeNode(common.GoTest, n.accountKey, n.bridgeKey)
	g.initializeBasic(func() {})

	err := g.applyOptions(context.Background(), zap.NewNop(), []*BridgeOption{BridgeOptionSubmitter(time.Second)})
	assert.ErrorContains(t, err, "requires ledger to be configured first")

	g.initializeBasic(func() {})
	err = g.applyOptions(context.Background(), zap.NewNop(), []*BridgeOption{
		BridgeOptionLedger(n.ledger.Client()),
		BridgeOptionDevLedger(n.ledger, testBlockTime),
	})
	assert.ErrorContains(t, err, "already configured")
}

func TestListenerDisabledRegistersNoWatchers(t *testing.T) {
	n := newTestNode(t)
	g := NewBridgeNode(common.GoTest, n.accountKey, n.bridgeKey)
	g.initializeBasic(func() {})

	err := g.applyOptions(context.Background(), zap.NewNop(), []*BridgeOption{
		BridgeOptionDatabase(nil),
		BridgeOptionDevLedger(n.ledger, testBlockTime),
		BridgeOptionSubmitter(time.Second),
		BridgeOptionWatchers(n.chains, Strategy{Sender: true}, "", time.Second),
		BridgeOptionSenders(n.chains, Strategy{Sender: true}, time.Second),
		BridgeOptionRelay(),
	})
	require.NoError(t, err)

	assert.NotContains(t, g.runnablesWithScissors, "chain_a_watch")
	assert.Contains(t, g.runnablesWithScissors, "chain_a_send")
	assert.Contains(t, g.runnablesWithScissors, "chain_b_send")
	assert.Contains(t, g.runnablesWithScissors, "relay")
	assert.Len(t, g.routes, 2)
}

func TestValidateChains(t *testing.T) {
	valid := func() []ChainConfig {
		return []ChainConfig{
			{Name: "chain_a", Tag: tagA, URL: "ws://a", Contract: ethcommon.HexToAddress("0x01")},
			{Name: "chain_b", Tag: tagB, URL: "ws://b", Contract: ethcommon.HexToAddress("0x02")},
		}
	}
	require.NoError(t, ValidateChains(valid()))
	assert.ErrorIs(t, ValidateChains(nil), ErrNoChains)

	tests := []struct {
		name   string
		mutate func(c []ChainConfig)
		err    string
	}{
		{"bad name", func(c []ChainConfig) { c[0].Name = "Chain-A" }, "invalid chain name"},
		{"duplicate name", func(c []ChainConfig) { c[1].Name = "chain_a" }, "configured twice"},
		{"missing tag", func(c []ChainConfig) { c[0].Tag = common.ChainTag{} }, "no destination tag"},
		{"shared tag", func(c []ChainConfig) { c[1].Tag = tagA }, "share the destination tag"},
		{"missing url", func(c []ChainConfig) { c[1].URL = "" }, "no RPC URL"},
		{"missing contract", func(c []ChainConfig) { c[0].Contract = ethcommon.Address{} }, "no bridge contract"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := valid()
			tc.mutate(c)
			assert.ErrorContains(t, ValidateChains(c), tc.err)
		})
	}
}
