// Package ethabi holds the ABI of the bridge contract deployed on each external chain.
package ethabi

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jingzhongxu/ladder/pkg/common"

	"github.com/ethereum/go-ethereum/accounts/abi"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// BridgeABI declares one event per relay type, each carrying the raw message, and the release function the
// outbound sender calls.
const BridgeABI = `[
	{"anonymous":false,"inputs":[{"indexed":false,"internalType":"bytes","name":"message","type":"bytes"}],"name":"Ingress","type":"event"},
	{"anonymous":false,"inputs":[{"indexed":false,"internalType":"bytes","name":"message","type":"bytes"}],"name":"Egress","type":"event"},
	{"anonymous":false,"inputs":[{"indexed":false,"internalType":"bytes","name":"message","type":"bytes"}],"name":"Deposit","type":"event"},
	{"anonymous":false,"inputs":[{"indexed":false,"internalType":"bytes","name":"message","type":"bytes"}],"name":"Withdraw","type":"event"},
	{"anonymous":false,"inputs":[{"indexed":false,"internalType":"bytes","name":"message","type":"bytes"}],"name":"SetAuthorities","type":"event"},
	{"anonymous":false,"inputs":[{"indexed":false,"internalType":"bytes","name":"message","type":"bytes"}],"name":"ExchangeRate","type":"event"},
	{"inputs":[{"internalType":"bytes","name":"message","type":"bytes"},{"internalType":"bytes","name":"signatures","type":"bytes"}],"name":"release","outputs":[],"stateMutability":"nonpayable","type":"function"}
]`

const releaseMethod = "release"

var ErrUnknownEvent = errors.New("log is not a bridge event")

var (
	bridgeABI    abi.ABI
	topicToRelay = map[ethcommon.Hash]common.RelayType{}
)

func init() {
	var err error
	bridgeABI, err = abi.JSON(strings.NewReader(BridgeABI))
	if err != nil {
		panic(fmt.Sprintf("invalid bridge ABI: %v", err))
	}
	for name, ev := range bridgeABI.Events {
		t, err := common.ParseRelayType(name)
		if err != nil {
			panic(fmt.Sprintf("bridge ABI declares an unexpected event: %v", err))
		}
		topicToRelay[ev.ID] = t
	}
	if len(topicToRelay) != len(common.RelayTypes()) {
		panic("bridge ABI is missing a relay event")
	}
}

// EventTopics returns the topic of every bridge event, for use as the first topic filter of a log query.
func EventTopics() []ethcommon.Hash {
	topics := make([]ethcommon.Hash, 0, len(topicToRelay))
	for _, t := range common.RelayTypes() {
		topics = append(topics, bridgeABI.Events[t.String()].ID)
	}
	return topics
}

// ParseLog decodes a bridge event log into its relay type and message.
func ParseLog(log types.Log) (common.RelayType, []byte, error) {
	if len(log.Topics) == 0 {
		return 0, nil, ErrUnknownEvent
	}
	t, ok := topicToRelay[log.Topics[0]]
	if !ok {
		return 0, nil, fmt.Errorf("%w: topic %s", ErrUnknownEvent, log.Topics[0])
	}
	values, err := bridgeABI.Unpack(t.String(), log.Data)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to unpack %s event: %w", t, err)
	}
	message, ok := values[0].([]byte)
	if !ok {
		return 0, nil, fmt.Errorf("unexpected %s message type %T", t, values[0])
	}
	return t, message, nil
}

// EventLog builds the topics and data of the bridge event of type t carrying message.
func EventLog(t common.RelayType, message []byte) ([]ethcommon.Hash, []byte, error) {
	ev, ok := bridgeABI.Events[t.String()]
	if !ok {
		return nil, nil, fmt.Errorf("no bridge event for %s", t)
	}
	data, err := ev.Inputs.Pack(message)
	if err != nil {
		return nil, nil, err
	}
	return []ethcommon.Hash{ev.ID}, data, nil
}

// PackRelease encodes the calldata of release(message, signatures).
func PackRelease(message []byte, signatures []byte) ([]byte, error) {
	return bridgeABI.Pack(releaseMethod, message, signatures)
}

// UnpackRelease decodes calldata produced by PackRelease.
func UnpackRelease(calldata []byte) (message []byte, signatures []byte, err error) {
	method, ok := bridgeABI.Methods[releaseMethod]
	if !ok || len(calldata) < 4 || string(calldata[:4]) != string(method.ID) {
		return nil, nil, errors.New("calldata is not a release call")
	}
	values, err := method.Inputs.Unpack(calldata[4:])
	if err != nil {
		return nil, nil, err
	}
	return values[0].([]byte), values[1].([]byte), nil
}
