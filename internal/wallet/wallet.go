// Package wallet opens signing sessions for agent smart accounts. Key
// decryption itself is a capability supplied by the host; this package
// only manages sessions and serializes use per agent so user-operation
// nonces never race.
package wallet

import (
	"crypto/ecdsa"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog/log"
)

// KeyDecrypter recovers an agent's signer key from its encrypted form.
type KeyDecrypter interface {
	DecryptSignerKey(encrypted string) (string, error)
}

// Session is an open signing handle for one agent's smart account.
type Session struct {
	AgentID      uint
	SmartAccount common.Address
	key          *ecdsa.PrivateKey
	release      func()
}

// SignerAddress is the EOA controlling the smart account.
func (s *Session) SignerAddress() common.Address {
	return crypto.PubkeyToAddress(s.key.PublicKey)
}

// Sign signs a 32-byte digest with the session key.
func (s *Session) Sign(digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, fmt.Errorf("digest must be 32 bytes, got %d", len(digest))
	}
	return crypto.Sign(digest, s.key)
}

// Close releases the per-agent lock. Must be called exactly once.
func (s *Session) Close() {
	s.key = nil
	s.release()
}

// Manager hands out sessions, one at a time per agent.
type Manager struct {
	decrypter KeyDecrypter

	mu    sync.Mutex
	locks map[uint]*sync.Mutex
}

func NewManager(decrypter KeyDecrypter) *Manager {
	return &Manager{decrypter: decrypter, locks: make(map[uint]*sync.Mutex)}
}

// Open decrypts the agent's signer key and returns a session holding the
// agent's lock. Concurrent opens for the same agent block.
func (m *Manager) Open(agentID uint, smartAccount, encryptedKey string) (*Session, error) {
	lock := m.agentLock(agentID)
	lock.Lock()

	keyHex, err := m.decrypter.DecryptSignerKey(encryptedKey)
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("decrypt signer key for agent %d: %w", agentID, err)
	}
	key, err := crypto.HexToECDSA(trimHexPrefix(keyHex))
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("parse signer key for agent %d: %w", agentID, err)
	}

	log.Debug().Uint("agent", agentID).Str("account", smartAccount).Msg("wallet session opened")
	return &Session{
		AgentID:      agentID,
		SmartAccount: common.HexToAddress(smartAccount),
		key:          key,
		release:      lock.Unlock,
	}, nil
}

func (m *Manager) agentLock(agentID uint) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[agentID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[agentID] = lock
	}
	return lock
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
