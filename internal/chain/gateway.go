package chain

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stablemint/settler/internal/domain"
)

const defaultPollInterval = 2 * time.Second

// Config wires a Gateway to a node, a token contract, and the account the
// node signs with. Authority must be the contract's designated minter or
// every mint will be rejected on-chain; the gateway checks this up front.
type Config struct {
	RPCURL        string
	TokenAddress  string
	Authority     string
	TokenDecimals int32
	PollInterval  time.Duration
	HTTPClient    *http.Client
	Logger        *slog.Logger
}

type Gateway struct {
	rpc          *rpcClient
	token        string
	authority    string
	decimals     int32
	pollInterval time.Duration
	logger       *slog.Logger

	mu          sync.Mutex
	authorityOK bool
}

func NewGateway(cfg Config) *Gateway {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	pollInterval := cfg.PollInterval
	if pollInterval == 0 {
		pollInterval = defaultPollInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Gateway{
		rpc:          &rpcClient{url: cfg.RPCURL, httpClient: httpClient},
		token:        strings.ToLower(cfg.TokenAddress),
		authority:    strings.ToLower(cfg.Authority),
		decimals:     cfg.TokenDecimals,
		pollInterval: pollInterval,
		logger:       logger,
	}
}

type MintResult struct {
	TxHash      string
	BlockNumber uint64
}

type Log struct {
	Address string   `json:"address"`
	Topics  []string `json:"topics"`
	Data    string   `json:"data"`
}

type Receipt struct {
	TxHash      string `json:"transactionHash"`
	Status      string `json:"status"`
	BlockNumber string `json:"blockNumber"`
	Logs        []Log  `json:"logs"`
}

// Succeeded reports whether the transaction executed without reverting.
func (r *Receipt) Succeeded() bool {
	return r.Status == "0x1"
}

// Block returns the receipt's block number as an integer.
func (r *Receipt) Block() (uint64, error) {
	return hexToUint64(r.BlockNumber)
}

// Mint submits a mint transaction for the wallet and blocks until the node
// reports a receipt (one block of finality). It never retries internally;
// retry policy belongs to the settlement coordinator.
func (g *Gateway) Mint(ctx context.Context, wallet string, amount decimal.Decimal) (*MintResult, error) {
	if err := g.ensureAuthority(ctx); err != nil {
		return nil, err
	}

	to, err := encodeAddress(wallet)
	if err != nil {
		return nil, err
	}
	units, err := g.baseUnits(amount)
	if err != nil {
		return nil, err
	}

	var txHash string
	err = g.rpc.call(ctx, "eth_sendTransaction", []any{map[string]string{
		"from": g.authority,
		"to":   g.token,
		"data": selMint + to + units,
	}}, &txHash)
	if err != nil {
		return nil, fmt.Errorf("submit mint: %w", err)
	}

	g.logger.Info("mint submitted", "tx_hash", txHash, "wallet", wallet, "amount", amount.String())

	receipt, err := g.waitReceipt(ctx, txHash)
	if err != nil {
		return nil, err
	}
	if !receipt.Succeeded() {
		return nil, fmt.Errorf("mint transaction %s reverted", txHash)
	}

	blockNumber, err := hexToUint64(receipt.BlockNumber)
	if err != nil {
		return nil, err
	}

	return &MintResult{TxHash: txHash, BlockNumber: blockNumber}, nil
}

// Balance reads the wallet's token balance, converted out of base units.
func (g *Gateway) Balance(ctx context.Context, wallet string) (decimal.Decimal, error) {
	arg, err := encodeAddress(wallet)
	if err != nil {
		return decimal.Zero, err
	}

	var result string
	err = g.rpc.call(ctx, "eth_call", []any{map[string]string{
		"to":   g.token,
		"data": selBalanceOf + arg,
	}, "latest"}, &result)
	if err != nil {
		return decimal.Zero, fmt.Errorf("read balance: %w", err)
	}

	units, err := hexToBig(result)
	if err != nil {
		return decimal.Zero, err
	}

	return decimal.NewFromBigInt(units, -g.decimals), nil
}

// Receipt fetches a transaction receipt, or nil when the transaction is
// unknown or not yet mined.
func (g *Gateway) Receipt(ctx context.Context, txHash string) (*Receipt, error) {
	var receipt *Receipt
	if err := g.rpc.call(ctx, "eth_getTransactionReceipt", []any{txHash}, &receipt); err != nil {
		return nil, err
	}
	return receipt, nil
}

// TokenAddress returns the token contract address the gateway talks to.
func (g *Gateway) TokenAddress() string {
	return g.token
}

// ensureAuthority asserts the configured signing account is the contract's
// minter. A mismatch is a fatal configuration problem, surfaced before any
// transaction is submitted. The check is cached after the first success.
func (g *Gateway) ensureAuthority(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.authorityOK {
		return nil
	}

	var result string
	err := g.rpc.call(ctx, "eth_call", []any{map[string]string{
		"to":   g.token,
		"data": selMinter,
	}, "latest"}, &result)
	if err != nil {
		return fmt.Errorf("read minter: %w", err)
	}

	minter := wordToAddress(result)
	if minter != g.authority {
		g.logger.Error("minting authority mismatch", "configured", g.authority, "contract_minter", minter)
		return fmt.Errorf("%w: contract minter is %s", domain.ErrMintAuthorization, minter)
	}

	g.authorityOK = true
	return nil
}

func (g *Gateway) waitReceipt(ctx context.Context, txHash string) (*Receipt, error) {
	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := g.Receipt(ctx, txHash)
		if err != nil {
			return nil, err
		}
		if receipt != nil {
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for receipt %s: %w", txHash, ctx.Err())
		case <-ticker.C:
		}
	}
}

// baseUnits converts a token amount into contract base units. The amount
// must not carry more precision than the token supports.
func (g *Gateway) baseUnits(amount decimal.Decimal) (string, error) {
	scaled := amount.Shift(g.decimals)
	if !scaled.IsInteger() {
		return "", fmt.Errorf("amount %s exceeds token precision of %d decimals", amount, g.decimals)
	}
	if scaled.Sign() <= 0 {
		return "", fmt.Errorf("amount must be positive, got %s", amount)
	}
	return encodeUint256(scaled.BigInt())
}
