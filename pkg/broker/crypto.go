package broker

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SealedPayload is the on-disk shape of an encrypted message payload
// (§4.3.4). There is no separate IV field: the GCM nonce is prepended
// inside Data by the seal, matching the teacher's SecretsManager
// convention. KeyID names the ring key that sealed it.
type SealedPayload struct {
	Encrypted bool   `json:"encrypted"`
	Data      []byte `json:"data"`
	KeyID     string `json:"key_id"`
}

type ringKey struct {
	id        string
	key       []byte // 32 bytes, AES-256
	createdAt time.Time
	retiredAt time.Time // zero while current
}

// KeyRing is the process-scoped symmetric-key capability behind at-rest
// encryption: one current key encrypts new payloads, and keys retired by
// rotation remain available to decrypt outstanding messages for 24h
// (§4.3.4), matching the teacher's AES-256-GCM SecretsManager scheme.
// Lifecycle: created at broker startup, explicit Close clears all keys.
type KeyRing struct {
	mu          sync.RWMutex
	current     *ringKey
	retired     map[string]*ringKey
	rotateEvery time.Duration
	retention   time.Duration
	stopCh      chan struct{}
}

// NewKeyRing creates a KeyRing with an initial current key and starts its
// rotation loop if rotateEvery > 0.
func NewKeyRing(rotateEvery time.Duration) (*KeyRing, error) {
	kr := &KeyRing{
		retired:     make(map[string]*ringKey),
		rotateEvery: rotateEvery,
		retention:   24 * time.Hour,
		stopCh:      make(chan struct{}),
	}

	key, err := newRandomKey()
	if err != nil {
		return nil, err
	}
	kr.current = key

	if rotateEvery > 0 {
		go kr.rotateLoop()
	}
	return kr, nil
}

func newRandomKey() (*ringKey, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return &ringKey{id: uuid.NewString(), key: key, createdAt: time.Now()}, nil
}

func (kr *KeyRing) rotateLoop() {
	ticker := time.NewTicker(kr.rotateEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			kr.Rotate()
		case <-kr.stopCh:
			return
		}
	}
}

// Rotate replaces the current key with a freshly generated one, retiring
// the old key for 24h so in-flight messages sealed under it still decrypt.
func (kr *KeyRing) Rotate() error {
	next, err := newRandomKey()
	if err != nil {
		return err
	}

	kr.mu.Lock()
	defer kr.mu.Unlock()
	old := kr.current
	old.retiredAt = time.Now()
	kr.retired[old.id] = old
	kr.current = next
	kr.evictExpiredLocked()
	return nil
}

func (kr *KeyRing) evictExpiredLocked() {
	now := time.Now()
	for id, k := range kr.retired {
		if now.Sub(k.retiredAt) > kr.retention {
			delete(kr.retired, id)
		}
	}
}

// Close stops the rotation loop and clears every key from memory.
func (kr *KeyRing) Close() {
	select {
	case <-kr.stopCh:
	default:
		close(kr.stopCh)
	}

	kr.mu.Lock()
	defer kr.mu.Unlock()
	kr.current = nil
	kr.retired = nil
}

// Seal encrypts plaintext under the current key using AES-256-GCM.
func (kr *KeyRing) Seal(plaintext []byte) (SealedPayload, error) {
	kr.mu.RLock()
	k := kr.current
	kr.mu.RUnlock()
	if k == nil {
		return SealedPayload{}, fmt.Errorf("key ring closed")
	}

	data, err := encrypt(k.key, plaintext)
	if err != nil {
		return SealedPayload{}, err
	}
	return SealedPayload{Encrypted: true, Data: data, KeyID: k.id}, nil
}

// Open decrypts a SealedPayload, trying the current key and then any
// still-retained retired key matching KeyID.
func (kr *KeyRing) Open(sealed SealedPayload) ([]byte, error) {
	kr.mu.RLock()
	defer kr.mu.RUnlock()

	if kr.current != nil && (sealed.KeyID == "" || sealed.KeyID == kr.current.id) {
		if pt, err := decrypt(kr.current.key, sealed.Data); err == nil {
			return pt, nil
		}
	}
	if k, ok := kr.retired[sealed.KeyID]; ok {
		return decrypt(k.key, sealed.Data)
	}
	return nil, fmt.Errorf("no key available to decrypt payload sealed under key %q", sealed.KeyID)
}

func encrypt(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func decrypt(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	return gcm.Open(nil, nonce, ciphertext, nil)
}
