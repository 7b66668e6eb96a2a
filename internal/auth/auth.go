// Package auth provides API authentication for the escrow service.
//
// Authentication model:
// - Reads (transactions, settings, custody balance): no auth required
// - Mutations (create, confirm, dispute, admin): require an API key
// - API keys are bound to one address and issued against a wallet signature
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/escrowd/internal/address"
)

// Errors
var (
	ErrNoAPIKey      = errors.New("API key required")
	ErrInvalidAPIKey = errors.New("invalid or expired API key")
	ErrNotOwner      = errors.New("not authorized for this resource")
	ErrKeyNotFound   = errors.New("API key not found")
)

// APIKey represents an API key
type APIKey struct {
	ID        string          `json:"id"`
	Hash      string          `json:"-"` // SHA256 hash of key (stored)
	Address   address.Address `json:"address"`
	Name      string          `json:"name"`
	CreatedAt time.Time       `json:"createdAt"`
	LastUsed  time.Time       `json:"lastUsed,omitempty"`
	ExpiresAt *time.Time      `json:"expiresAt,omitempty"`
	Revoked   bool            `json:"revoked"`
}

// Store persists API keys
type Store interface {
	Create(ctx context.Context, key *APIKey) error
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	GetByAddress(ctx context.Context, addr address.Address) ([]*APIKey, error)
	Update(ctx context.Context, key *APIKey) error
	Delete(ctx context.Context, id string) error
}

// Manager handles authentication
type Manager struct {
	store Store
	now   func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time // login signature hash -> expiry
}

// NewManager creates a new auth manager
func NewManager(store Store) *Manager {
	return &Manager{
		store: store,
		now:   time.Now,
		seen:  make(map[string]time.Time),
	}
}

// GenerateKey creates a new API key for an address.
// Returns the raw key (shown once) and the stored metadata.
func (m *Manager) GenerateKey(ctx context.Context, addr address.Address, name string) (rawKey string, key *APIKey, err error) {
	if addr.IsZero() {
		return "", nil, address.ErrInvalid
	}

	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", nil, err
	}

	rawKey = "sk_" + hex.EncodeToString(b)
	key = &APIKey{
		ID:        "ak_" + hex.EncodeToString(b[:8]),
		Hash:      hashKey(rawKey),
		Address:   addr,
		Name:      name,
		CreatedAt: m.now().UTC(),
	}

	if err := m.store.Create(ctx, key); err != nil {
		return "", nil, err
	}
	return rawKey, key, nil
}

// ValidateKey validates an API key and returns the key metadata
func (m *Manager) ValidateKey(ctx context.Context, rawKey string) (*APIKey, error) {
	if rawKey == "" {
		return nil, ErrNoAPIKey
	}

	rawKey = strings.TrimPrefix(rawKey, "Bearer ")
	rawKey = strings.TrimSpace(rawKey)

	if !strings.HasPrefix(rawKey, "sk_") {
		return nil, ErrInvalidAPIKey
	}

	key, err := m.store.GetByHash(ctx, hashKey(rawKey))
	if err != nil {
		return nil, ErrInvalidAPIKey
	}
	if key.Revoked {
		return nil, ErrInvalidAPIKey
	}
	if key.ExpiresAt != nil && m.now().After(*key.ExpiresAt) {
		return nil, ErrInvalidAPIKey
	}

	// Update last used (fire and forget)
	used := *key
	used.LastUsed = m.now().UTC()
	go func() {
		_ = m.store.Update(context.WithoutCancel(ctx), &used)
	}()

	return key, nil
}

// ListKeys returns all keys for an address, newest first
func (m *Manager) ListKeys(ctx context.Context, addr address.Address) ([]*APIKey, error) {
	keys, err := m.store.GetByAddress(ctx, addr)
	if err != nil {
		return nil, err
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].CreatedAt.After(keys[j].CreatedAt) })
	return keys, nil
}

// RevokeKey revokes an API key owned by addr
func (m *Manager) RevokeKey(ctx context.Context, keyID string, addr address.Address) error {
	keys, err := m.store.GetByAddress(ctx, addr)
	if err != nil {
		return err
	}

	for _, k := range keys {
		if k.ID == keyID && !k.Revoked {
			k.Revoked = true
			return m.store.Update(ctx, k)
		}
	}
	return ErrKeyNotFound
}

func hashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// MemoryStore is an in-memory implementation of Store
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string]*APIKey // by ID
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys: make(map[string]*APIKey),
	}
}

func (s *MemoryStore) Create(_ context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *key
	s.keys[key.ID] = &cp
	return nil
}

func (s *MemoryStore) GetByHash(_ context.Context, hash string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.Hash == hash {
			cp := *k
			return &cp, nil
		}
	}
	return nil, ErrKeyNotFound
}

func (s *MemoryStore) GetByAddress(_ context.Context, addr address.Address) ([]*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*APIKey
	for _, k := range s.keys {
		if k.Address == addr {
			cp := *k
			result = append(result, &cp)
		}
	}
	return result, nil
}

// Update stores the mutable fields. Revocation is sticky: a late
// last-used write never resurrects a revoked key.
func (s *MemoryStore) Update(_ context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.keys[key.ID]
	if !ok {
		return ErrKeyNotFound
	}
	if key.LastUsed.After(cur.LastUsed) {
		cur.LastUsed = key.LastUsed
	}
	cur.Revoked = cur.Revoked || key.Revoked
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, id)
	return nil
}
