// Package chaintest provides an in-memory chain.Client for engine tests.
package chaintest

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/paycadence/paycadence/internal/chain"
)

// SentTransfer records one submission through the fake.
type SentTransfer struct {
	Token  string
	From   string
	To     string
	Amount *big.Int
	TxHash string
}

// FakeClient implements chain.Client against in-memory state. The zero
// value is usable; balances default to zero and confirmations to timeout.
type FakeClient struct {
	mu sync.Mutex

	Funding        string
	NativeBalances map[string]*big.Int
	TokenBalances  map[string]*big.Int // key: token|address
	Allowances     map[string]*big.Int // key: token|owner|spender

	GasEstimate uint64
	EstimateErr error
	Fees        *chain.FeeData

	SendErr  error
	Receipts map[string]*chain.Receipt // by tx hash; absent means unmined

	sent     []SentTransfer
	hashSeq  int
	handlers []chain.EventHandler
	SubErr   error
}

func New() *FakeClient {
	return &FakeClient{
		Funding:        "0xF00D000000000000000000000000000000000000",
		NativeBalances: map[string]*big.Int{},
		TokenBalances:  map[string]*big.Int{},
		Allowances:     map[string]*big.Int{},
		GasEstimate:    21000,
		Fees:           &chain.FeeData{GasFeeCap: big.NewInt(1), GasTipCap: big.NewInt(1)},
		Receipts:       map[string]*chain.Receipt{},
	}
}

func (f *FakeClient) FundingAddress() string { return f.Funding }

func (f *FakeClient) SetNativeBalance(address string, balance *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.NativeBalances[address] = balance
}

func (f *FakeClient) SetTokenBalance(token, address string, balance *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.TokenBalances[token+"|"+address] = balance
}

func (f *FakeClient) SetAllowance(token, owner, spender string, amount *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Allowances[token+"|"+owner+"|"+spender] = amount
}

func (f *FakeClient) GetNativeBalance(_ context.Context, address string) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.NativeBalances[address]; ok {
		return new(big.Int).Set(b), nil
	}
	return big.NewInt(0), nil
}

func (f *FakeClient) GetTokenBalance(_ context.Context, token, address string) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.TokenBalances[token+"|"+address]; ok {
		return new(big.Int).Set(b), nil
	}
	return big.NewInt(0), nil
}

func (f *FakeClient) GetAllowance(_ context.Context, token, owner, spender string) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.Allowances[token+"|"+owner+"|"+spender]; ok {
		return new(big.Int).Set(a), nil
	}
	return big.NewInt(0), nil
}

func (f *FakeClient) GetFeeData(context.Context) (*chain.FeeData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Fees, nil
}

func (f *FakeClient) EstimateTransferGas(context.Context, string, string, string, *big.Int) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.EstimateErr != nil {
		return 0, f.EstimateErr
	}
	return f.GasEstimate, nil
}

func (f *FakeClient) SendNativeTransfer(_ context.Context, to string, amount *big.Int) (string, error) {
	return f.record("", f.Funding, to, amount)
}

func (f *FakeClient) SendTokenTransfer(_ context.Context, token, from, to string, amount *big.Int) (string, error) {
	return f.record(token, from, to, amount)
}

func (f *FakeClient) record(token, from, to string, amount *big.Int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil {
		return "", f.SendErr
	}
	f.hashSeq++
	hash := fmt.Sprintf("0xfake%04d", f.hashSeq)
	f.sent = append(f.sent, SentTransfer{
		Token:  token,
		From:   from,
		To:     to,
		Amount: new(big.Int).Set(amount),
		TxHash: hash,
	})
	return hash, nil
}

// Sent returns a copy of all submissions so far.
func (f *FakeClient) Sent() []SentTransfer {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]SentTransfer, len(f.sent))
	copy(out, f.sent)
	return out
}

// ConfirmNext marks the most recent submission as mined.
func (f *FakeClient) ConfirmNext(succeeded bool) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	hash := f.sent[len(f.sent)-1].TxHash
	f.Receipts[hash] = &chain.Receipt{TxHash: hash, Succeeded: succeeded, BlockNumber: 1}
	return hash
}

func (f *FakeClient) SetReceipt(hash string, succeeded bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Receipts[hash] = &chain.Receipt{TxHash: hash, Succeeded: succeeded, BlockNumber: 1}
}

func (f *FakeClient) WaitForReceipt(ctx context.Context, txHash string, _ time.Duration) (*chain.Receipt, error) {
	receipt, err := f.PollReceipt(ctx, txHash)
	if err == chain.ErrReceiptNotFound {
		return nil, chain.ErrConfirmTimeout
	}
	return receipt, err
}

func (f *FakeClient) PollReceipt(_ context.Context, txHash string) (*chain.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.Receipts[txHash]; ok {
		return r, nil
	}
	return nil, chain.ErrReceiptNotFound
}

type fakeSubscription struct {
	errs chan error
}

func (s *fakeSubscription) Unsubscribe() {}

func (s *fakeSubscription) Err() <-chan error { return s.errs }

func (f *FakeClient) SubscribeEvents(_ context.Context, _ string, handler chain.EventHandler) (chain.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SubErr != nil {
		return nil, f.SubErr
	}
	f.handlers = append(f.handlers, handler)
	return &fakeSubscription{errs: make(chan error, 1)}, nil
}

// Emit fans one lifecycle event out to every live handler.
func (f *FakeClient) Emit(event chain.LifecycleEvent) {
	f.mu.Lock()
	handlers := append([]chain.EventHandler(nil), f.handlers...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(event)
	}
}
