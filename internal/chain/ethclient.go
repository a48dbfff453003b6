package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/paycadence/paycadence/internal/config"
	"go.uber.org/zap"
)

const receiptPollInterval = 2 * time.Second

type evmClient struct {
	rpc      *ethclient.Client
	ws       *ethclient.Client
	contract common.Address
	tr       *transactor
	log      *zap.Logger
}

// NewEVMClient dials the configured RPC endpoint and verifies the chain id
// before handing the client to the engine. A websocket endpoint is dialed
// only when configured; without one, event subscriptions are unavailable
// and the scanner carries discovery alone.
func NewEVMClient(cfg config.Config, log *zap.Logger) (Client, error) {
	rpc, err := ethclient.Dial(cfg.ChainRPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc %s: %w", cfg.ChainRPCURL, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	chainID, err := rpc.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("reach chain at %s: %w", cfg.ChainRPCURL, err)
	}
	if chainID.Int64() != cfg.ChainID {
		return nil, fmt.Errorf("chain id mismatch: endpoint reports %d, configured %d", chainID.Int64(), cfg.ChainID)
	}

	tr, err := newTransactor(cfg.FundingKey, cfg.ChainID)
	if err != nil {
		return nil, err
	}

	var ws *ethclient.Client
	if cfg.ChainWSURL != "" {
		ws, err = ethclient.Dial(cfg.ChainWSURL)
		if err != nil {
			return nil, fmt.Errorf("dial ws %s: %w", cfg.ChainWSURL, err)
		}
	}

	log = log.Named("chain")
	log.Info("chain client ready",
		zap.Int64("chain_id", cfg.ChainID),
		zap.String("funding", tr.from.Hex()),
		zap.Bool("events", ws != nil),
	)

	return &evmClient{
		rpc:      rpc,
		ws:       ws,
		contract: common.HexToAddress(cfg.ContractAddress),
		tr:       tr,
		log:      log,
	}, nil
}

func (c *evmClient) FundingAddress() string {
	return c.tr.from.Hex()
}

func (c *evmClient) GetNativeBalance(ctx context.Context, address string) (*big.Int, error) {
	return c.rpc.BalanceAt(ctx, common.HexToAddress(address), nil)
}

func (c *evmClient) GetTokenBalance(ctx context.Context, token, address string) (*big.Int, error) {
	data, err := erc20.Pack("balanceOf", common.HexToAddress(address))
	if err != nil {
		return nil, err
	}
	return c.callUint256(ctx, token, "balanceOf", data)
}

func (c *evmClient) GetAllowance(ctx context.Context, token, owner, spender string) (*big.Int, error) {
	data, err := erc20.Pack("allowance", common.HexToAddress(owner), common.HexToAddress(spender))
	if err != nil {
		return nil, err
	}
	return c.callUint256(ctx, token, "allowance", data)
}

func (c *evmClient) callUint256(ctx context.Context, token, method string, data []byte) (*big.Int, error) {
	to := common.HexToAddress(token)
	out, err := c.rpc.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	values, err := erc20.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", method, err)
	}
	result, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("decode %s: not a uint256", method)
	}
	return result, nil
}

func (c *evmClient) GetFeeData(ctx context.Context) (*FeeData, error) {
	head, err := c.rpc.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch head: %w", err)
	}
	if head.BaseFee == nil {
		gasPrice, err := c.rpc.SuggestGasPrice(ctx)
		if err != nil {
			return nil, err
		}
		return &FeeData{GasFeeCap: gasPrice, GasTipCap: gasPrice}, nil
	}
	tipCap, err := c.rpc.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, err
	}
	feeCap := new(big.Int).Add(tipCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	return &FeeData{GasFeeCap: feeCap, GasTipCap: tipCap}, nil
}

func (c *evmClient) EstimateTransferGas(ctx context.Context, token, from, to string, amount *big.Int) (uint64, error) {
	if token == "" {
		target := common.HexToAddress(to)
		return c.rpc.EstimateGas(ctx, ethereum.CallMsg{
			From:  c.tr.from,
			To:    &target,
			Value: amount,
		})
	}

	data, err := erc20.Pack("transferFrom", common.HexToAddress(from), common.HexToAddress(to), amount)
	if err != nil {
		return 0, err
	}
	target := common.HexToAddress(token)
	return c.rpc.EstimateGas(ctx, ethereum.CallMsg{
		From: c.tr.from,
		To:   &target,
		Data: data,
	})
}

func (c *evmClient) SendNativeTransfer(ctx context.Context, to string, amount *big.Int) (string, error) {
	hash, err := c.tr.send(ctx, c.rpc, common.HexToAddress(to), amount, nil)
	if err != nil {
		return "", err
	}
	return hash.Hex(), nil
}

func (c *evmClient) SendTokenTransfer(ctx context.Context, token, from, to string, amount *big.Int) (string, error) {
	data, err := erc20.Pack("transferFrom", common.HexToAddress(from), common.HexToAddress(to), amount)
	if err != nil {
		return "", err
	}
	hash, err := c.tr.send(ctx, c.rpc, common.HexToAddress(token), nil, data)
	if err != nil {
		return "", err
	}
	return hash.Hex(), nil
}

func (c *evmClient) WaitForReceipt(ctx context.Context, txHash string, timeout time.Duration) (*Receipt, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.PollReceipt(ctx, txHash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ErrReceiptNotFound) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, ErrConfirmTimeout
		case <-ticker.C:
		}
	}
}

func (c *evmClient) PollReceipt(ctx context.Context, txHash string) (*Receipt, error) {
	receipt, err := c.rpc.TransactionReceipt(ctx, common.HexToHash(txHash))
	if errors.Is(err, ethereum.NotFound) {
		return nil, ErrReceiptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch receipt: %w", err)
	}
	return &Receipt{
		TxHash:      txHash,
		Succeeded:   receipt.Status == types.ReceiptStatusSuccessful,
		BlockNumber: receipt.BlockNumber.Uint64(),
		GasUsed:     receipt.GasUsed,
	}, nil
}

type logSubscription struct {
	upstream ethereum.Subscription
	cancel   context.CancelFunc
	errs     chan error
}

func (s *logSubscription) Unsubscribe() {
	s.cancel()
	s.upstream.Unsubscribe()
}

func (s *logSubscription) Err() <-chan error { return s.errs }

func (c *evmClient) SubscribeEvents(ctx context.Context, planID string, handler EventHandler) (Subscription, error) {
	if c.ws == nil {
		return nil, ErrNoEventEndpoint
	}

	topics := [][]common.Hash{{
		lifecycleEvents.Events["SubscriptionCreated"].ID,
		lifecycleEvents.Events["PaymentProcessed"].ID,
		lifecycleEvents.Events["SubscriptionCanceled"].ID,
	}}
	if planID != "" {
		topics = append(topics, []common.Hash{common.HexToHash(planID)})
	}

	query := ethereum.FilterQuery{
		Addresses: []common.Address{c.contract},
		Topics:    topics,
	}

	logs := make(chan types.Log, 64)
	upstream, err := c.ws.SubscribeFilterLogs(ctx, query, logs)
	if err != nil {
		return nil, fmt.Errorf("subscribe logs: %w", err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &logSubscription{upstream: upstream, cancel: cancel, errs: make(chan error, 1)}

	go func() {
		for {
			select {
			case <-subCtx.Done():
				return
			case err := <-upstream.Err():
				if err != nil {
					sub.errs <- err
				}
				return
			case entry := <-logs:
				event, err := decodeLifecycleLog(entry)
				if err != nil {
					c.log.Warn("undecodable lifecycle log",
						zap.String("tx", entry.TxHash.Hex()),
						zap.Error(err),
					)
					continue
				}
				if event != nil {
					handler(*event)
				}
			}
		}
	}()

	return sub, nil
}
