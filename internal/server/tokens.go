package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/escrowd/internal/address"
	"github.com/mbd888/escrowd/internal/circuitbreaker"
	"github.com/mbd888/escrowd/internal/config"
	"github.com/mbd888/escrowd/internal/escrow"
	"github.com/mbd888/escrowd/internal/token"
)

// Development custody account and token used with the in-memory ledger.
var (
	devCustody = address.MustParse("0x00000000000000000000000000000000000e5c00")
	devToken   = address.MustParse("0x00000000000000000000000000000000000e5c01")
)

// tokenBackend builds and tracks the gateways the escrow service uses.
// With a custody key it talks to token contracts over JSON-RPC; otherwise
// each token address gets its own in-memory ledger.
type tokenBackend struct {
	cfg     *config.Config
	logger  *slog.Logger
	breaker *circuitbreaker.Breaker

	mu      sync.Mutex
	ledgers map[address.Address]*token.MemoryLedger
	evms    []*token.EVMGateway
}

func newTokenBackend(cfg *config.Config, logger *slog.Logger) *tokenBackend {
	return &tokenBackend{
		cfg:     cfg,
		logger:  logger,
		breaker: circuitbreaker.New(5, 30*time.Second),
		ledgers: make(map[address.Address]*token.MemoryLedger),
	}
}

// initial returns the configured token address and its gateway.
func (b *tokenBackend) initial(ctx context.Context) (address.Address, escrow.TokenGateway, error) {
	tokenAddr := devToken
	if b.cfg.TokenContract != "" {
		a, err := address.Parse(b.cfg.TokenContract)
		if err != nil {
			return address.Zero, nil, fmt.Errorf("token contract: %w", err)
		}
		tokenAddr = a
	}
	gw, err := b.resolve(ctx, tokenAddr)
	return tokenAddr, gw, err
}

// resolve is the escrow.GatewayResolver behind SetToken.
func (b *tokenBackend) resolve(_ context.Context, tokenAddr address.Address) (escrow.TokenGateway, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.cfg.UsesChain() {
		return b.ledgerLocked(tokenAddr).Account(devCustody), nil
	}

	gw, err := token.NewEVM(token.EVMConfig{
		RPCURL:     b.cfg.RPCURL,
		PrivateKey: b.cfg.CustodyKey,
		ChainID:    b.cfg.ChainID,
		Contract:   tokenAddr.String(),
	}, token.WithBreaker(b.breaker), token.WithLogger(b.logger))
	if err != nil {
		return nil, err
	}
	b.evms = append(b.evms, gw)
	b.logger.Info("token gateway ready", "token", tokenAddr.String(), "custody", gw.Custody().String())
	return gw, nil
}

// ledger returns the in-memory ledger for a token, or nil on a chain backend.
func (b *tokenBackend) ledger(tokenAddr address.Address) *token.MemoryLedger {
	if b.cfg.UsesChain() {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ledgerLocked(tokenAddr)
}

func (b *tokenBackend) ledgerLocked(tokenAddr address.Address) *token.MemoryLedger {
	l, ok := b.ledgers[tokenAddr]
	if !ok {
		l = token.NewMemoryLedger()
		b.ledgers[tokenAddr] = l
	}
	return l
}

func (b *tokenBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var firstErr error
	for _, gw := range b.evms {
		if err := gw.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	b.evms = nil
	return firstErr
}
