package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/mbd888/escrowd/internal/address"
)

var (
	alice = address.MustParse("0xaaaa000000000000000000000000000000000001")
	bob   = address.MustParse("0xbbbb000000000000000000000000000000000002")
)

func TestGenerateKey(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()

	rawKey, key, err := mgr.GenerateKey(ctx, alice, "Test key")
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	if !strings.HasPrefix(rawKey, "sk_") {
		t.Errorf("Expected raw key to start with sk_, got %s", rawKey[:10])
	}
	if len(rawKey) != 67 { // "sk_" + 64 hex chars
		t.Errorf("Expected raw key length 67, got %d", len(rawKey))
	}

	if !strings.HasPrefix(key.ID, "ak_") {
		t.Errorf("Expected key ID to start with ak_, got %s", key.ID)
	}
	if key.Address != alice {
		t.Errorf("Expected address %s, got %s", alice, key.Address)
	}
	if key.Name != "Test key" {
		t.Errorf("Expected name 'Test key', got %s", key.Name)
	}
}

func TestGenerateKey_RejectsZeroAddress(t *testing.T) {
	mgr := NewManager(NewMemoryStore())

	if _, _, err := mgr.GenerateKey(context.Background(), address.Zero, "nobody"); err == nil {
		t.Error("Expected error for zero address")
	}
}

func TestValidateKey(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()

	rawKey, _, err := mgr.GenerateKey(ctx, alice, "Primary")
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	key, err := mgr.ValidateKey(ctx, rawKey)
	if err != nil {
		t.Errorf("ValidateKey failed for valid key: %v", err)
	}
	if key.Address != alice {
		t.Errorf("Expected address %s, got %s", alice, key.Address)
	}

	if _, err = mgr.ValidateKey(ctx, "Bearer "+rawKey); err != nil {
		t.Errorf("ValidateKey failed with Bearer prefix: %v", err)
	}

	_, err = mgr.ValidateKey(ctx, "sk_wrongkey12345678901234567890123456789012345678901234567890")
	if err != ErrInvalidAPIKey {
		t.Errorf("Expected ErrInvalidAPIKey for wrong key, got: %v", err)
	}

	_, err = mgr.ValidateKey(ctx, "")
	if err != ErrNoAPIKey {
		t.Errorf("Expected ErrNoAPIKey for empty key, got: %v", err)
	}

	_, err = mgr.ValidateKey(ctx, "not_a_valid_key")
	if err != ErrInvalidAPIKey {
		t.Errorf("Expected ErrInvalidAPIKey for malformed key, got: %v", err)
	}
}

func TestValidateKey_Expired(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store)
	ctx := context.Background()

	rawKey, key, _ := mgr.GenerateKey(ctx, alice, "short lived")
	exp := time.Now().Add(-time.Minute)
	key.ExpiresAt = &exp
	store.keys[key.ID].ExpiresAt = &exp

	if _, err := mgr.ValidateKey(ctx, rawKey); err != ErrInvalidAPIKey {
		t.Errorf("Expected ErrInvalidAPIKey for expired key, got: %v", err)
	}
}

func TestListKeys(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()

	_, _, _ = mgr.GenerateKey(ctx, alice, "Key 1")
	_, _, _ = mgr.GenerateKey(ctx, alice, "Key 2")
	_, _, _ = mgr.GenerateKey(ctx, bob, "Key 3")

	keys, err := mgr.ListKeys(ctx, alice)
	if err != nil {
		t.Fatalf("ListKeys failed: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("Expected 2 keys for alice, got %d", len(keys))
	}

	keys, err = mgr.ListKeys(ctx, bob)
	if err != nil {
		t.Fatalf("ListKeys failed: %v", err)
	}
	if len(keys) != 1 {
		t.Errorf("Expected 1 key for bob, got %d", len(keys))
	}
}

func TestRevokeKey(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()

	rawKey, key, _ := mgr.GenerateKey(ctx, alice, "To revoke")

	if _, err := mgr.ValidateKey(ctx, rawKey); err != nil {
		t.Errorf("Key should be valid before revoke")
	}

	if err := mgr.RevokeKey(ctx, key.ID, bob); err != ErrKeyNotFound {
		t.Errorf("Expected ErrKeyNotFound when revoking someone else's key, got: %v", err)
	}

	if err := mgr.RevokeKey(ctx, key.ID, alice); err != nil {
		t.Fatalf("RevokeKey failed: %v", err)
	}

	if _, err := mgr.ValidateKey(ctx, rawKey); err != ErrInvalidAPIKey {
		t.Errorf("Expected ErrInvalidAPIKey after revoke, got: %v", err)
	}

	if err := mgr.RevokeKey(ctx, key.ID, alice); err != ErrKeyNotFound {
		t.Errorf("Expected ErrKeyNotFound for second revoke, got: %v", err)
	}
}

func TestMemoryStore_RevocationIsSticky(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	key := &APIKey{ID: "ak_1", Hash: "h", Address: alice}
	_ = store.Create(ctx, key)

	_ = store.Update(ctx, &APIKey{ID: "ak_1", Revoked: true})
	// A stale last-used write carries Revoked=false.
	_ = store.Update(ctx, &APIKey{ID: "ak_1", LastUsed: time.Now()})

	got, err := store.GetByHash(ctx, "h")
	if err != nil {
		t.Fatalf("GetByHash failed: %v", err)
	}
	if !got.Revoked {
		t.Error("Expected revocation to survive a later update")
	}
	if got.LastUsed.IsZero() {
		t.Error("Expected last used to be recorded")
	}
}

func TestKeyHashNotExposed(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()

	rawKey, _, _ := mgr.GenerateKey(ctx, alice, "Test")
	key, _ := mgr.ValidateKey(ctx, rawKey)

	if key.Hash == rawKey {
		t.Error("Hash should not equal raw key")
	}
	if key.Hash == "" {
		t.Error("Hash should be set")
	}
}
