package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mbd888/escrowd/internal/address"
)

// LoginWindow bounds how old a signed login message may be.
const LoginWindow = 5 * time.Minute

// maxClockSkew tolerates signer clocks running slightly ahead.
const maxClockSkew = 30 * time.Second

var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrLoginExpired     = errors.New("login message expired")
	ErrLoginReplayed    = errors.New("login message already used")
)

// LoginMessage builds the text a wallet signs to obtain an API key.
// Format: "escrowd login|{base58 address}|{unix seconds}"
func LoginMessage(addr address.Address, issued time.Time) string {
	return fmt.Sprintf("escrowd login|%s|%d", addr.String(), issued.Unix())
}

// HashMessage creates an Ethereum signed message hash (EIP-191 personal_sign).
func HashMessage(message string) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(message))
	return crypto.Keccak256([]byte(prefix + message))
}

// RecoverAddress recovers the signer of message from a hex-encoded
// 65-byte signature (r[32] + s[32] + v[1]).
func RecoverAddress(message, signatureHex string) (address.Address, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(signatureHex, "0x"))
	if err != nil {
		return address.Zero, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if len(sig) != crypto.SignatureLength {
		return address.Zero, fmt.Errorf("%w: %d bytes", ErrInvalidSignature, len(sig))
	}

	// Wallets emit v = 27/28, SigToPub expects 0/1.
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(HashMessage(message), sig)
	if err != nil {
		return address.Zero, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return address.FromCommon(crypto.PubkeyToAddress(*pub)), nil
}

// VerifySignature checks that want signed message.
func VerifySignature(message, signatureHex string, want address.Address) error {
	got, err := RecoverAddress(message, signatureHex)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%w: signed by %s", ErrInvalidSignature, got)
	}
	return nil
}

// Login issues a fresh API key to the holder of addr. The signed message
// must be LoginMessage(addr, t) with t inside LoginWindow, and each
// message is accepted once whatever its signature encoding.
func (m *Manager) Login(ctx context.Context, addr address.Address, issuedUnix int64, signatureHex, name string) (string, *APIKey, error) {
	now := m.now()
	issued := time.Unix(issuedUnix, 0)
	if issued.After(now.Add(maxClockSkew)) || now.Sub(issued) > LoginWindow {
		return "", nil, ErrLoginExpired
	}

	message := LoginMessage(addr, issued)
	if err := VerifySignature(message, signatureHex, addr); err != nil {
		return "", nil, err
	}

	if err := m.markUsed(message, now); err != nil {
		return "", nil, err
	}

	if name == "" {
		name = "Wallet login"
	}
	return m.GenerateKey(ctx, addr, name)
}

func (m *Manager) markUsed(message string, now time.Time) error {
	sum := sha256.Sum256([]byte(message))
	id := hex.EncodeToString(sum[:])

	m.mu.Lock()
	defer m.mu.Unlock()
	for k, exp := range m.seen {
		if now.After(exp) {
			delete(m.seen, k)
		}
	}
	if _, dup := m.seen[id]; dup {
		return ErrLoginReplayed
	}
	m.seen[id] = now.Add(LoginWindow + maxClockSkew)
	return nil
}
