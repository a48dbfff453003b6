package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// transactor serializes every transfer signed by the funding account.
// The account nonce is the one shared resource across concurrent payment
// workers; every submission passes through this mutex.
type transactor struct {
	mu        sync.Mutex
	key       *ecdsa.PrivateKey
	from      common.Address
	chainID   *big.Int
	nonce     uint64
	nonceInit bool
}

func newTransactor(hexKey string, chainID int64) (*transactor, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, ErrInvalidFundingKey
	}
	return &transactor{
		key:     key,
		from:    crypto.PubkeyToAddress(key.PublicKey),
		chainID: big.NewInt(chainID),
	}, nil
}

func (t *transactor) send(ctx context.Context, client *ethclient.Client, to common.Address, value *big.Int, data []byte) (common.Hash, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.nonceInit {
		nonce, err := client.PendingNonceAt(ctx, t.from)
		if err != nil {
			return common.Hash{}, fmt.Errorf("fetch nonce: %w", err)
		}
		t.nonce = nonce
		t.nonceInit = true
	}

	gas, err := client.EstimateGas(ctx, ethereum.CallMsg{
		From:  t.from,
		To:    &to,
		Value: value,
		Data:  data,
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("estimate gas: %w", err)
	}

	tx, err := t.buildTx(ctx, client, to, value, data, gas)
	if err != nil {
		return common.Hash{}, err
	}

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(t.chainID), t.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign transaction: %w", err)
	}

	if err := client.SendTransaction(ctx, signed); err != nil {
		// The local nonce may be desynced from the chain; refetch before
		// the next submission instead of guessing.
		t.nonceInit = false
		return common.Hash{}, fmt.Errorf("send transaction: %w", err)
	}
	t.nonce++
	return signed.Hash(), nil
}

func (t *transactor) buildTx(ctx context.Context, client *ethclient.Client, to common.Address, value *big.Int, data []byte, gas uint64) (*types.Transaction, error) {
	head, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch head: %w", err)
	}

	if head.BaseFee == nil {
		gasPrice, err := client.SuggestGasPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("suggest gas price: %w", err)
		}
		return types.NewTx(&types.LegacyTx{
			Nonce:    t.nonce,
			GasPrice: gasPrice,
			Gas:      gas,
			To:       &to,
			Value:    value,
			Data:     data,
		}), nil
	}

	tipCap, err := client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas tip: %w", err)
	}
	feeCap := new(big.Int).Add(tipCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))

	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   t.chainID,
		Nonce:     t.nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     value,
		Data:      data,
	}), nil
}
