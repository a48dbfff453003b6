package chain

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// lifecycleABI covers the three subscription-contract events the engine
// reacts to. Plan ids are bytes32; due times are unix seconds.
const lifecycleABI = `[
	{"type":"event","name":"SubscriptionCreated","inputs":[
		{"name":"planId","type":"bytes32","indexed":true},
		{"name":"subscriber","type":"address","indexed":true},
		{"name":"nextDue","type":"uint256","indexed":false}]},
	{"type":"event","name":"PaymentProcessed","inputs":[
		{"name":"planId","type":"bytes32","indexed":true},
		{"name":"subscriber","type":"address","indexed":true},
		{"name":"amount","type":"uint256","indexed":false},
		{"name":"nextDue","type":"uint256","indexed":false}]},
	{"type":"event","name":"SubscriptionCanceled","inputs":[
		{"name":"planId","type":"bytes32","indexed":true},
		{"name":"subscriber","type":"address","indexed":true}]}
]`

const erc20ABI = `[
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[
		{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"allowance","stateMutability":"view","inputs":[
		{"name":"owner","type":"address"},{"name":"spender","type":"address"}],
		"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"transferFrom","stateMutability":"nonpayable","inputs":[
		{"name":"from","type":"address"},{"name":"to","type":"address"},
		{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("parse abi: %v", err))
	}
	return parsed
}

var (
	lifecycleEvents = mustParseABI(lifecycleABI)
	erc20           = mustParseABI(erc20ABI)
)

// decodeLifecycleLog maps a raw contract log onto a LifecycleEvent.
// Unknown topics return (nil, nil) so callers can skip foreign logs.
func decodeLifecycleLog(log types.Log) (*LifecycleEvent, error) {
	if len(log.Topics) < 3 {
		return nil, nil
	}

	var name string
	switch log.Topics[0] {
	case lifecycleEvents.Events["SubscriptionCreated"].ID:
		name = "SubscriptionCreated"
	case lifecycleEvents.Events["PaymentProcessed"].ID:
		name = "PaymentProcessed"
	case lifecycleEvents.Events["SubscriptionCanceled"].ID:
		name = "SubscriptionCanceled"
	default:
		return nil, nil
	}

	event := &LifecycleEvent{
		Type:       EventType(name),
		PlanID:     log.Topics[1].Hex(),
		Subscriber: common.BytesToAddress(log.Topics[2].Bytes()).Hex(),
	}

	values, err := lifecycleEvents.Unpack(name, log.Data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}

	switch name {
	case "SubscriptionCreated":
		if len(values) != 1 {
			return nil, fmt.Errorf("decode %s: unexpected field count %d", name, len(values))
		}
		event.NextDueAt = unixTime(values[0])
	case "PaymentProcessed":
		if len(values) != 2 {
			return nil, fmt.Errorf("decode %s: unexpected field count %d", name, len(values))
		}
		amount, ok := values[0].(*big.Int)
		if !ok {
			return nil, fmt.Errorf("decode %s: amount is not uint256", name)
		}
		event.Amount = amount
		event.NextDueAt = unixTime(values[1])
	}

	return event, nil
}

func unixTime(v any) time.Time {
	secs, ok := v.(*big.Int)
	if !ok || !secs.IsInt64() {
		return time.Time{}
	}
	return time.Unix(secs.Int64(), 0).UTC()
}
