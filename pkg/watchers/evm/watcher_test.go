package evm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/jingzhongxu/ladder/pkg/common"
	"github.com/jingzhongxu/ladder/pkg/cursor"
	"github.com/jingzhongxu/ladder/pkg/ethabi"
	"github.com/jingzhongxu/ladder/pkg/supervisor"

	"github.com/ethereum/go-ethereum"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testContract = ethcommon.HexToAddress("0x0290FB167208Af455bB137780163b7B7a9a10C16")

type mockConnector struct {
	mu       sync.Mutex
	head     uint64
	logs     []types.Log
	failures []error
	queries  []ethereum.FilterQuery
}

func (m *mockConnector) nextFailure() error {
	if len(m.failures) == 0 {
		return nil
	}
	err := m.failures[0]
	m.failures = m.failures[1:]
	return err
}

func (m *mockConnector) BlockNumber(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.head, nil
}

func (m *mockConnector) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries = append(m.queries, q)
	if err := m.nextFailure(); err != nil {
		return nil, err
	}
	var out []types.Log
	for _, l := range m.logs {
		if l.BlockNumber >= q.FromBlock.Uint64() && l.BlockNumber <= q.ToBlock.Uint64() {
			out = append(out, l)
		}
	}
	return out, nil
}

func (m *mockConnector) Close() {}

func (m *mockConnector) setHead(h uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.head = h
}

func (m *mockConnector) addLog(t *testing.T, rt common.RelayType, block uint64, index uint, payload string) {
	t.Helper()
	topics, data, err := ethabi.EventLog(rt, []byte(payload))
	require.NoError(t, err)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, types.Log{
		Address:     testContract,
		Topics:      topics,
		Data:        data,
		BlockNumber: block,
		Index:       index,
		TxHash:      ethcommon.BytesToHash([]byte(payload)),
	})
}

func (m *mockConnector) fromBlocks() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []uint64
	for _, q := range m.queries {
		out = append(out, q.FromBlock.Uint64())
	}
	return out
}

func (m *mockConnector) dialer() DialFunc {
	return func(ctx context.Context, url string) (Connector, error) {
		return m, nil
	}
}

// chanSubmitter hands every submitted message to C. The first calls fail with failures, in order.
type chanSubmitter struct {
	C chan *common.RelayMessage

	mu       sync.Mutex
	failures []error
	calls    int
}

func newChanSubmitter(capacity int, failures ...error) *chanSubmitter {
	return &chanSubmitter{C: make(chan *common.RelayMessage, capacity), failures: failures}
}

func (s *chanSubmitter) Submit(ctx context.Context, msg *common.RelayMessage) error {
	s.mu.Lock()
	s.calls++
	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()
	if !common.SendOnChannel(ctx, s.C, msg) {
		return ctx.Err()
	}
	return nil
}

func (s *chanSubmitter) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func testConfig(dir string) Config {
	return Config{
		NetworkName:   "chaina",
		URL:           "ws://chaina.invalid",
		Contract:      testContract,
		StateDir:      dir,
		StartHeight:   1,
		Confirmations: 2,
		PollInterval:  10 * time.Millisecond,
		RetryInterval: 10 * time.Millisecond,
		BatchSize:     4,
	}
}

// runWatcher starts w under a supervisor that never restarts it and returns the error it exits with.
func runWatcher(t *testing.T, w *Watcher) (<-chan error, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errC := make(chan error, 1)
	supervisor.New(ctx, zap.NewNop(), func(ctx context.Context) error {
		err := supervisor.RunWithPolicy(ctx, "watcher", supervisor.RestartNever(), func(ctx context.Context) error {
			err := w.Run(ctx)
			select {
			case errC <- err:
			default:
			}
			return err
		})
		if err != nil {
			return err
		}
		supervisor.Signal(ctx, supervisor.SignalHealthy)
		<-ctx.Done()
		return ctx.Err()
	})
	return errC, cancel
}

func receive(t *testing.T, msgC <-chan *common.RelayMessage, n int) []*common.RelayMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msgs, err := common.ReadFromChannelWithTimeout(ctx, msgC, n)
	require.NoError(t, err)
	return msgs
}

func waitForCursor(t *testing.T, dir string, height int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		c, err := cursor.Open(dir, "chaina", 0)
		return err == nil && c.Height() == height
	}, 5*time.Second, 10*time.Millisecond)
}

func TestForwardsConfirmedEvents(t *testing.T) {
	dir := t.TempDir()
	conn := &mockConnector{head: 10}
	conn.addLog(t, common.RelayIngress, 3, 0, "first")
	conn.addLog(t, common.RelayDeposit, 5, 1, "second")
	// Not buried under enough confirmations yet.
	conn.addLog(t, common.RelayIngress, 9, 0, "third")

	sub := newChanSubmitter(10)
	_, cancel := runWatcher(t, NewWatcher(testConfig(dir), sub).WithDialer(conn.dialer()))
	defer cancel()

	msgs := receive(t, sub.C, 2)
	assert.Equal(t, common.RelayIngress, msgs[0].Type)
	assert.Equal(t, []byte("first"), msgs[0].Payload)
	assert.EqualValues(t, 3, msgs[0].BlockNumber)
	assert.Equal(t, "chaina", msgs[0].SourceChain)
	assert.Equal(t, common.RelayDeposit, msgs[1].Type)
	assert.EqualValues(t, 1, msgs[1].LogIndex)

	waitForCursor(t, dir, 8)

	conn.setHead(11)
	msgs = receive(t, sub.C, 1)
	assert.Equal(t, []byte("third"), msgs[0].Payload)
	waitForCursor(t, dir, 9)
}

func TestResumesAfterCursor(t *testing.T) {
	dir := t.TempDir()
	conn := &mockConnector{head: 8}
	conn.addLog(t, common.RelayIngress, 6, 0, "before restart")

	sub := newChanSubmitter(10)
	_, cancel := runWatcher(t, NewWatcher(testConfig(dir), sub).WithDialer(conn.dialer()))
	receive(t, sub.C, 1)
	waitForCursor(t, dir, 6)
	cancel()

	conn2 := &mockConnector{head: 9}
	conn2.logs = append([]types.Log(nil), conn.logs...)
	conn2.addLog(t, common.RelayIngress, 7, 0, "after restart")

	sub2 := newChanSubmitter(10)
	_, cancel2 := runWatcher(t, NewWatcher(testConfig(dir), sub2).WithDialer(conn2.dialer()))
	defer cancel2()

	msgs := receive(t, sub2.C, 1)
	assert.Equal(t, []byte("after restart"), msgs[0].Payload)
	waitForCursor(t, dir, 7)
	assert.Equal(t, uint64(7), conn2.fromBlocks()[0])
	assert.Empty(t, sub2.C)
}

func TestTimeoutRetriesWithoutAdvancing(t *testing.T) {
	dir := t.TempDir()
	conn := &mockConnector{head: 6, failures: []error{context.DeadlineExceeded, fmt.Errorf("wrapped: %w", context.DeadlineExceeded)}}
	conn.addLog(t, common.RelayIngress, 2, 0, "a")
	conn.addLog(t, common.RelayIngress, 4, 0, "b")

	sub := newChanSubmitter(10)
	errC, cancel := runWatcher(t, NewWatcher(testConfig(dir), sub).WithDialer(conn.dialer()))
	defer cancel()

	msgs := receive(t, sub.C, 2)
	assert.Equal(t, []byte("a"), msgs[0].Payload)
	assert.Equal(t, []byte("b"), msgs[1].Payload)
	waitForCursor(t, dir, 4)

	froms := conn.fromBlocks()
	require.GreaterOrEqual(t, len(froms), 3)
	assert.Equal(t, []uint64{1, 1, 1}, froms[:3])

	// No duplicates and the watcher is still running.
	assert.Empty(t, sub.C)
	assert.Empty(t, errC)
}

func TestFailedSubmissionIsRetriedFromCursor(t *testing.T) {
	dir := t.TempDir()
	conn := &mockConnector{head: 10}
	conn.addLog(t, common.RelayIngress, 3, 0, "first")

	sub := newChanSubmitter(10, errors.New("ledger unavailable"))
	errC, cancel := runWatcher(t, NewWatcher(testConfig(dir), sub).WithDialer(conn.dialer()))
	defer cancel()

	msgs := receive(t, sub.C, 1)
	assert.Equal(t, []byte("first"), msgs[0].Payload)
	waitForCursor(t, dir, 8)
	assert.Equal(t, 2, sub.callCount())

	// The retry starts right after the last fully submitted block.
	froms := conn.fromBlocks()
	require.GreaterOrEqual(t, len(froms), 2)
	assert.Equal(t, []uint64{1, 3}, froms[:2])
	assert.Empty(t, errC)
}

func TestUnsubmittedEventsAreRedeliveredAfterRestart(t *testing.T) {
	dir := t.TempDir()
	conn := &mockConnector{head: 10}
	conn.addLog(t, common.RelayIngress, 3, 0, "first")
	conn.addLog(t, common.RelayDeposit, 5, 0, "second")

	// Nobody reads from the unbuffered channel, so the first submission blocks until shutdown.
	stuck := newChanSubmitter(0)
	errC, cancel := runWatcher(t, NewWatcher(testConfig(dir), stuck).WithDialer(conn.dialer()))
	require.Eventually(t, func() bool { return stuck.callCount() == 1 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case <-errC:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not exit")
	}

	c, err := cursor.Open(dir, "chaina", 0)
	require.NoError(t, err)
	assert.EqualValues(t, 2, c.Height())

	sub := newChanSubmitter(10)
	_, cancel2 := runWatcher(t, NewWatcher(testConfig(dir), sub).WithDialer(conn.dialer()))
	defer cancel2()

	msgs := receive(t, sub.C, 2)
	assert.Equal(t, []byte("first"), msgs[0].Payload)
	assert.Equal(t, []byte("second"), msgs[1].Payload)
	waitForCursor(t, dir, 8)
}

func TestOtherErrorsAreFatal(t *testing.T) {
	dir := t.TempDir()
	conn := &mockConnector{head: 6, failures: []error{errors.New("connection refused")}}
	conn.addLog(t, common.RelayIngress, 2, 0, "a")

	sub := newChanSubmitter(10)
	errC, cancel := runWatcher(t, NewWatcher(testConfig(dir), sub).WithDialer(conn.dialer()))
	defer cancel()

	select {
	case err := <-errC:
		assert.ErrorContains(t, err, "connection refused")
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not exit")
	}

	// Not restarted.
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, conn.fromBlocks(), 1)
	assert.Empty(t, sub.C)
}

func TestDialTimeoutIsRetried(t *testing.T) {
	dir := t.TempDir()
	conn := &mockConnector{head: 4}
	conn.addLog(t, common.RelayEgress, 1, 0, "a")

	var mu sync.Mutex
	attempts := 0
	dial := func(ctx context.Context, url string) (Connector, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts == 1 {
			return nil, &net.OpError{Op: "dial", Err: timeoutError{}}
		}
		return conn, nil
	}

	sub := newChanSubmitter(10)
	_, cancel := runWatcher(t, NewWatcher(testConfig(dir), sub).WithDialer(dial))
	defer cancel()

	msgs := receive(t, sub.C, 1)
	assert.Equal(t, common.RelayEgress, msgs[0].Type)
	mu.Lock()
	assert.Equal(t, 2, attempts)
	mu.Unlock()
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestIsTimeout(t *testing.T) {
	assert.True(t, isTimeout(context.DeadlineExceeded))
	assert.True(t, isTimeout(fmt.Errorf("query: %w", context.DeadlineExceeded)))
	assert.True(t, isTimeout(&net.OpError{Op: "read", Err: timeoutError{}}))
	assert.False(t, isTimeout(errors.New("connection refused")))
	assert.False(t, isTimeout(context.Canceled))
}
