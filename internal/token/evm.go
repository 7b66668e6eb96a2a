package token

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/mbd888/escrowd/internal/address"
	"github.com/mbd888/escrowd/internal/circuitbreaker"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/retry"
	"github.com/mbd888/escrowd/internal/units"
)

// EthClient abstracts go-ethereum client for testing
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// Minimal ERC-20 ABI: the calls escrow custody needs.
const erc20ABI = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transferFrom","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

const (
	// DefaultGasLimit for token transfers when estimation fails
	DefaultGasLimit = uint64(100000)

	// DefaultConfirmationTimeout for waiting on transactions
	DefaultConfirmationTimeout = 60 * time.Second

	// ConfirmationPollInterval between receipt checks
	ConfirmationPollInterval = 2 * time.Second
)

// EVMConfig configures a contract gateway.
type EVMConfig struct {
	RPCURL         string
	PrivateKey     string // custody key, hex, 0x optional
	ChainID        int64
	Contract       string // token contract, hex or base58
	ConfirmTimeout time.Duration
}

// EVMOption configures the gateway.
type EVMOption func(*EVMGateway)

// WithClient sets a custom Ethereum client (useful for testing)
func WithClient(client EthClient) EVMOption {
	return func(g *EVMGateway) { g.client = client }
}

// WithPollInterval overrides the receipt polling interval.
func WithPollInterval(d time.Duration) EVMOption {
	return func(g *EVMGateway) { g.pollInterval = d }
}

// WithBreaker shares a circuit breaker across gateways.
func WithBreaker(b *circuitbreaker.Breaker) EVMOption {
	return func(g *EVMGateway) { g.breaker = b }
}

// WithLogger sets the logger used for settlement anomalies.
func WithLogger(l *slog.Logger) EVMOption {
	return func(g *EVMGateway) { g.logger = l }
}

// EVMGateway holds custody of escrowed tokens in a contract on a chain
// that speaks Ethereum JSON-RPC. Every state-changing call waits for a
// successful receipt before returning.
type EVMGateway struct {
	client         EthClient
	privateKey     *ecdsa.PrivateKey
	custody        common.Address
	chainID        *big.Int
	contract       common.Address
	abi            abi.ABI
	confirmTimeout time.Duration
	pollInterval   time.Duration
	breaker        *circuitbreaker.Breaker
	logger         *slog.Logger

	sendMu sync.Mutex // serializes nonce allocation
}

// NewEVM creates a gateway and dials the RPC endpoint unless a client is
// supplied.
func NewEVM(cfg EVMConfig, opts ...EVMOption) (*EVMGateway, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	contract, err := address.Parse(cfg.Contract)
	if err != nil {
		return nil, fmt.Errorf("token contract: %w", err)
	}

	parsedABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token ABI: %w", err)
	}

	g := &EVMGateway{
		privateKey:     privateKey,
		custody:        crypto.PubkeyToAddress(privateKey.PublicKey),
		chainID:        big.NewInt(cfg.ChainID),
		contract:       contract.Common(),
		abi:            parsedABI,
		confirmTimeout: cfg.ConfirmTimeout,
		pollInterval:   ConfirmationPollInterval,
		logger:         slog.Default(),
	}
	if g.confirmTimeout <= 0 {
		g.confirmTimeout = DefaultConfirmationTimeout
	}

	for _, opt := range opts {
		opt(g)
	}
	if g.breaker == nil {
		g.breaker = circuitbreaker.New(5, 30*time.Second)
	}

	if g.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		g.client = client
	}

	return g, nil
}

func validateConfig(cfg EVMConfig) error {
	if cfg.RPCURL == "" {
		return fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
	}
	if cfg.PrivateKey == "" {
		return fmt.Errorf("%w: private key required", ErrInvalidPrivateKey)
	}
	if len(strings.TrimPrefix(cfg.PrivateKey, "0x")) != 64 {
		return fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	if cfg.ChainID == 0 {
		return errors.New("chain ID required")
	}
	if cfg.Contract == "" {
		return errors.New("token contract address required")
	}
	return nil
}

// Custody is the account that holds escrowed funds.
func (g *EVMGateway) Custody() address.Address {
	return address.FromCommon(g.custody)
}

// Contract is the token contract this gateway talks to.
func (g *EVMGateway) Contract() address.Address {
	return address.FromCommon(g.contract)
}

func (g *EVMGateway) BalanceOf(ctx context.Context, acct address.Address) (uint64, error) {
	return g.callUint(ctx, "balanceOf", acct.Common())
}

func (g *EVMGateway) Allowance(ctx context.Context, owner, spender address.Address) (uint64, error) {
	return g.callUint(ctx, "allowance", owner.Common(), spender.Common())
}

// Transfer sends amount from custody to to and waits for the receipt.
func (g *EVMGateway) Transfer(ctx context.Context, to address.Address, amount uint64) (err error) {
	defer metrics.ObserveChainCall("transfer", time.Now(), &err)
	if to.IsZero() {
		return ErrInvalidAddress
	}
	hash, err := g.send(ctx, "transfer", to.Common(), units.Big(amount))
	if err != nil {
		return err
	}
	return g.waitForConfirmation(ctx, hash)
}

// TransferFrom pulls amount from an owner that approved custody.
func (g *EVMGateway) TransferFrom(ctx context.Context, from, to address.Address, amount uint64) (err error) {
	defer metrics.ObserveChainCall("transferFrom", time.Now(), &err)
	if to.IsZero() {
		return ErrInvalidAddress
	}
	hash, err := g.send(ctx, "transferFrom", from.Common(), to.Common(), units.Big(amount))
	if err != nil {
		return err
	}
	return g.waitForConfirmation(ctx, hash)
}

// TransferBatch pays every leg out of custody. A chain cannot apply
// several transfers atomically, so the batch is simulated up front: the
// custody balance must cover the total and each leg must succeed under
// eth_call. Only then are the legs sent, in order. If a leg fails after
// an earlier one landed the error wraps ErrPartialSettlement and the
// event is logged for manual reconciliation.
func (g *EVMGateway) TransferBatch(ctx context.Context, legs []Payout) (err error) {
	defer metrics.ObserveChainCall("transferBatch", time.Now(), &err)

	total, err := Total(legs)
	if err != nil {
		return err
	}
	bal, err := g.BalanceOf(ctx, g.Custody())
	if err != nil {
		return &TransferError{Op: "preflight", Err: err}
	}
	if bal < total {
		return &TransferError{Op: "preflight", Err: fmt.Errorf("%w: custody has %d, batch needs %d", ErrInsufficientBalance, bal, total)}
	}
	for _, p := range legs {
		if p.To.IsZero() {
			return ErrInvalidAddress
		}
		if err := g.simulate(ctx, "transfer", p.To.Common(), units.Big(p.Amount)); err != nil {
			return &TransferError{Op: "preflight", Err: err}
		}
	}

	var sent []string
	for i, p := range legs {
		hash, err := g.send(ctx, "transfer", p.To.Common(), units.Big(p.Amount))
		if err == nil {
			err = g.waitForConfirmation(ctx, hash)
		}
		if err != nil {
			if i == 0 {
				return err
			}
			g.logger.Error("CRITICAL: settlement partially applied, reconcile manually",
				"sent_txs", sent, "failed_leg", i, "to", p.To.String(), "amount", p.Amount, "error", err)
			return &TransferError{Op: "batch", TxHash: hash, Err: fmt.Errorf("%w: leg %d: %v", ErrPartialSettlement, i, err)}
		}
		sent = append(sent, hash)
	}
	return nil
}

// Close closes the client connection
func (g *EVMGateway) Close() error {
	if g.client != nil {
		g.client.Close()
	}
	return nil
}

// callUint runs a read-only call returning a single uint256.
func (g *EVMGateway) callUint(ctx context.Context, method string, args ...any) (v uint64, err error) {
	defer metrics.ObserveChainCall(method, time.Now(), &err)

	data, err := g.abi.Pack(method, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to pack %s call: %w", method, err)
	}

	var out []byte
	// Reads are idempotent, so they get retries behind the breaker.
	err = retry.Do(ctx, retry.Default, func(ctx context.Context) error {
		err := g.breaker.Do("rpc", func() error {
			var callErr error
			out, callErr = g.client.CallContract(ctx, ethereum.CallMsg{To: &g.contract, Data: data}, nil)
			return callErr
		})
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to call %s: %w", method, err)
	}
	if len(out) == 0 {
		return 0, fmt.Errorf("%s: empty result (is %s a token contract?)", method, g.contract.Hex())
	}
	return units.FromBig(new(big.Int).SetBytes(out))
}

// simulate dry-runs a state-changing call from custody.
func (g *EVMGateway) simulate(ctx context.Context, method string, args ...any) error {
	data, err := g.abi.Pack(method, args...)
	if err != nil {
		return err
	}
	out, err := g.client.CallContract(ctx, ethereum.CallMsg{From: g.custody, To: &g.contract, Data: data}, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransactionFailed, err)
	}
	// Tokens such as USDT return nothing; treat that as success.
	if len(out) == 0 {
		return nil
	}
	res, err := g.abi.Unpack(method, out)
	if err != nil {
		return fmt.Errorf("%w: decode: %v", ErrTransactionFailed, err)
	}
	if ok, _ := res[0].(bool); !ok {
		return fmt.Errorf("%w: %s returned false", ErrTransactionFailed, method)
	}
	return nil
}

// send signs and broadcasts a contract call, returning the tx hash.
func (g *EVMGateway) send(ctx context.Context, method string, args ...any) (string, error) {
	if !g.breaker.Allow("rpc") {
		return "", &TransferError{Op: method, Err: circuitbreaker.ErrOpen}
	}

	data, err := g.abi.Pack(method, args...)
	if err != nil {
		return "", &TransferError{Op: "pack", Err: err}
	}

	g.sendMu.Lock()
	defer g.sendMu.Unlock()

	nonce, err := g.client.PendingNonceAt(ctx, g.custody)
	if err != nil {
		g.breaker.RecordFailure("rpc")
		return "", &TransferError{Op: "nonce", Err: err}
	}

	gasPrice, err := g.client.SuggestGasPrice(ctx)
	if err != nil {
		g.breaker.RecordFailure("rpc")
		return "", &TransferError{Op: "gas_price", Err: err}
	}

	gasLimit, err := g.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  g.custody,
		To:    &g.contract,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, g.contract, big.NewInt(0), gasLimit, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(g.chainID), g.privateKey)
	if err != nil {
		return "", &TransferError{Op: "sign", Err: err}
	}

	hash := signedTx.Hash().Hex()
	if err := g.client.SendTransaction(ctx, signedTx); err != nil {
		g.breaker.RecordFailure("rpc")
		return "", &TransferError{Op: "send", TxHash: hash, Err: err}
	}
	g.breaker.RecordSuccess("rpc")
	return hash, nil
}

// waitForConfirmation polls until the transaction is mined.
func (g *EVMGateway) waitForConfirmation(ctx context.Context, txHash string) error {
	hash := common.HexToHash(txHash)

	ctx, cancel := context.WithTimeout(ctx, g.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := g.client.TransactionReceipt(ctx, hash)
		if err == nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return &TransferError{Op: "confirm", TxHash: txHash, Err: ErrTransactionFailed}
			}
			return nil
		}
		// Not yet mined; keep polling.

		select {
		case <-ctx.Done():
			// The transaction was broadcast; it may still be mined.
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return &TransferError{Op: "confirm", TxHash: txHash, Err: fmt.Errorf("%w: %w", ErrUnconfirmed, ErrTimeout)}
			}
			return &TransferError{Op: "confirm", TxHash: txHash, Err: fmt.Errorf("%w: %w", ErrUnconfirmed, ctx.Err())}
		case <-ticker.C:
		}
	}
}
