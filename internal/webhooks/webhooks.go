// Package webhooks delivers escrow events to URLs registered by the
// parties involved.
//
// A party (sender, recipient, arbitrator or fee wallet) subscribes to
// event types for its own address and receives, for example:
// - TransactionCreated when funds are locked for it
// - DisputeRaised when a counterparty or the arbitrator freezes a deal
// - FundsReleased / TransactionRefunded when money moves
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/escrowd/internal/address"
	"github.com/mbd888/escrowd/internal/circuitbreaker"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/retry"
	"github.com/mbd888/escrowd/internal/security"
)

// EventType is an escrow event name, or "*" for every event.
type EventType string

// AllEvents subscribes to every event type.
const AllEvents EventType = "*"

// MaxConsecutiveFailures deactivates a subscription after this many
// failed deliveries in a row.
const MaxConsecutiveFailures = 10

// ErrNotFound is returned for unknown subscription ids.
var ErrNotFound = errors.New("webhook subscription not found")

// Event is the JSON body POSTed to subscribers.
type Event struct {
	ID            string            `json:"id"`
	Type          EventType         `json:"type"`
	Timestamp     time.Time         `json:"timestamp"`
	TransactionID *uint64           `json:"transactionId,omitempty"`
	Data          map[string]string `json:"data"`
}

// Subscription represents a webhook subscription
type Subscription struct {
	ID                  string          `json:"id"`
	Address             address.Address `json:"address"`
	URL                 string          `json:"url"`
	Secret              string          `json:"-"` // Used for HMAC signing
	Events              []EventType     `json:"events"`
	Active              bool            `json:"active"`
	CreatedAt           time.Time       `json:"createdAt"`
	LastSuccess         *time.Time      `json:"lastSuccess,omitempty"`
	LastError           string          `json:"lastError,omitempty"`
	ConsecutiveFailures int             `json:"consecutiveFailures"`
}

// Matches reports whether sub wants events of type t.
func (sub *Subscription) Matches(t EventType) bool {
	for _, et := range sub.Events {
		if et == t || et == AllEvents {
			return true
		}
	}
	return false
}

// Store persists webhook subscriptions
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	GetByAddress(ctx context.Context, addr address.Address) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// Dispatcher sends webhook events
type Dispatcher struct {
	store        Store
	client       *http.Client
	breaker      *circuitbreaker.Breaker
	policy       retry.Policy
	logger       *slog.Logger
	urlValidator func(string) error
	now          func() time.Time

	wg sync.WaitGroup
}

// NewDispatcher creates a new webhook dispatcher
func NewDispatcher(store Store, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		breaker:      circuitbreaker.New(5, time.Minute),
		policy:       retry.Default,
		logger:       logger,
		urlValidator: security.ValidateEndpointURL,
		now:          time.Now,
	}
}

// WithURLValidator replaces the callback URL check applied before each
// delivery.
func (d *Dispatcher) WithURLValidator(fn func(string) error) *Dispatcher {
	d.urlValidator = fn
	return d
}

// DispatchToAddress sends an event to the active, matching webhooks of
// one address. Deliveries run in the background; Wait blocks until they
// finish.
func (d *Dispatcher) DispatchToAddress(ctx context.Context, addr address.Address, event *Event) error {
	subs, err := d.store.GetByAddress(ctx, addr)
	if err != nil {
		return fmt.Errorf("failed to get subscriptions: %w", err)
	}

	for _, sub := range subs {
		if !sub.Active || !sub.Matches(event.Type) {
			continue
		}
		d.wg.Add(1)
		go func(sub *Subscription) {
			defer d.wg.Done()
			d.send(context.WithoutCancel(ctx), sub, event)
		}(sub)
	}
	return nil
}

// Wait blocks until in-flight deliveries finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, event *Event) {
	if err := d.urlValidator(sub.URL); err != nil {
		d.updateError(ctx, sub, fmt.Sprintf("url rejected: %v", err))
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		d.updateError(ctx, sub, "failed to marshal event")
		return
	}

	key := breakerKey(sub.URL)
	err = retry.Do(ctx, d.policy, func(ctx context.Context) error {
		err := d.breaker.Do(key, func() error { return d.post(ctx, sub, event, payload) })
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues("failure").Inc()
		d.updateError(ctx, sub, err.Error())
		return
	}
	metrics.WebhookDeliveriesTotal.WithLabelValues("success").Inc()
	d.updateSuccess(ctx, sub)
}

func (d *Dispatcher) post(ctx context.Context, sub *Subscription, event *Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Escrow-Event", string(event.Type))
	req.Header.Set("X-Escrow-Delivery", event.ID)
	req.Header.Set("X-Escrow-Timestamp", fmt.Sprintf("%d", event.Timestamp.Unix()))
	if sub.Secret != "" {
		req.Header.Set("X-Escrow-Signature", Sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	default:
		return fmt.Errorf("status %d", resp.StatusCode)
	}
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks a signature produced by Sign in constant time.
func Verify(payload []byte, secret, signature string) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hmac.Equal(h.Sum(nil), want)
}

func breakerKey(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Host
}

func (d *Dispatcher) updateSuccess(ctx context.Context, sub *Subscription) {
	now := d.now()
	upd := *sub
	upd.LastSuccess = &now
	upd.LastError = ""
	upd.ConsecutiveFailures = 0
	if err := d.store.Update(ctx, &upd); err != nil {
		d.logger.Warn("webhook status update failed", "webhook", sub.ID, "error", err)
	}
}

func (d *Dispatcher) updateError(ctx context.Context, sub *Subscription, errMsg string) {
	upd := *sub
	upd.LastError = errMsg
	upd.ConsecutiveFailures = sub.ConsecutiveFailures + 1
	if upd.ConsecutiveFailures >= MaxConsecutiveFailures {
		upd.Active = false
		d.logger.Warn("webhook deactivated", "webhook", sub.ID, "address", sub.Address, "failures", upd.ConsecutiveFailures)
	}
	if err := d.store.Update(ctx, &upd); err != nil {
		d.logger.Warn("webhook status update failed", "webhook", sub.ID, "error", err)
	}
}

// MemoryStore is an in-memory implementation for testing
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs: make(map[string]*Subscription),
	}
}

func (m *MemoryStore) Create(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subs[id]; ok {
		cp := *sub
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) GetByAddress(_ context.Context, addr address.Address) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if sub.Address == addr {
			cp := *sub
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

func (m *MemoryStore) Update(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.ID]; !ok {
		return ErrNotFound
	}
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrNotFound
	}
	delete(m.subs, id)
	return nil
}
