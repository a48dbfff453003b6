// Package chain wraps all RPC access to the payment chain behind one
// client contract: balances, allowances, fees, transfer submission,
// receipt confirmation, and lifecycle event subscription.
package chain

import (
	"context"
	"errors"
	"math/big"
	"time"
)

var (
	ErrReceiptNotFound   = errors.New("transaction receipt not available yet")
	ErrConfirmTimeout    = errors.New("transaction not confirmed within budget")
	ErrNoEventEndpoint   = errors.New("no websocket endpoint configured for event subscriptions")
	ErrInvalidFundingKey = errors.New("invalid funding private key")
)

// EventType enumerates the lifecycle events emitted by the subscription
// contract.
type EventType string

const (
	EventSubscriptionCreated  EventType = "SubscriptionCreated"
	EventPaymentProcessed     EventType = "PaymentProcessed"
	EventSubscriptionCanceled EventType = "SubscriptionCanceled"
)

// LifecycleEvent is one decoded subscription-contract event.
type LifecycleEvent struct {
	Type       EventType
	PlanID     string
	Subscriber string
	Amount     *big.Int
	NextDueAt  time.Time
}

// FeeData carries the chain's current fee suggestion.
type FeeData struct {
	GasFeeCap *big.Int
	GasTipCap *big.Int
}

// Receipt is the settled result of a submitted transaction.
type Receipt struct {
	TxHash      string
	Succeeded   bool
	BlockNumber uint64
	GasUsed     uint64
}

// EventHandler consumes decoded lifecycle events.
type EventHandler func(LifecycleEvent)

// Subscription is a handle on a live event stream.
type Subscription interface {
	Unsubscribe()
	Err() <-chan error
}

// Client is the chain contract consumed by the payment engine. Addresses
// and hashes cross this boundary as hex strings; amounts as base units.
type Client interface {
	// FundingAddress is the account that signs and pays for transfers.
	FundingAddress() string

	GetNativeBalance(ctx context.Context, address string) (*big.Int, error)
	GetTokenBalance(ctx context.Context, token, address string) (*big.Int, error)
	GetAllowance(ctx context.Context, token, owner, spender string) (*big.Int, error)

	GetFeeData(ctx context.Context) (*FeeData, error)
	// EstimateTransferGas estimates the gas limit for a transfer. An empty
	// token means a native transfer.
	EstimateTransferGas(ctx context.Context, token, from, to string, amount *big.Int) (uint64, error)

	// SendNativeTransfer moves native currency from the funding account.
	// Exactly one transaction is submitted per call.
	SendNativeTransfer(ctx context.Context, to string, amount *big.Int) (string, error)
	// SendTokenTransfer pulls tokens from the subscriber to the recipient
	// via the standard transferFrom, spending the funding account's
	// approved allowance.
	SendTokenTransfer(ctx context.Context, token, from, to string, amount *big.Int) (string, error)

	// WaitForReceipt blocks until the transaction is mined or the timeout
	// elapses, returning ErrConfirmTimeout in the latter case.
	WaitForReceipt(ctx context.Context, txHash string, timeout time.Duration) (*Receipt, error)
	// PollReceipt is the non-blocking probe used to settle indeterminate
	// submissions; ErrReceiptNotFound means still pending.
	PollReceipt(ctx context.Context, txHash string) (*Receipt, error)

	// SubscribeEvents streams lifecycle events, optionally scoped to one
	// plan id (empty means all plans).
	SubscribeEvents(ctx context.Context, planID string, handler EventHandler) (Subscription, error)
}
