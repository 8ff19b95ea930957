package wallet

import (
	"encoding/hex"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type plaintextDecrypter struct{ err error }

func (d plaintextDecrypter) DecryptSignerKey(encrypted string) (string, error) {
	return encrypted, d.err
}

func testKeyHex(t *testing.T) string {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return "0x" + hex.EncodeToString(crypto.FromECDSA(key))
}

func TestOpenAndSign(t *testing.T) {
	m := NewManager(plaintextDecrypter{})
	session, err := m.Open(1, "0x00000000000000000000000000000000000000aa", testKeyHex(t))
	require.NoError(t, err)
	defer session.Close()

	assert.Equal(t, uint(1), session.AgentID)
	assert.NotEqual(t, "0x0000000000000000000000000000000000000000", session.SignerAddress().Hex())

	digest := crypto.Keccak256([]byte("payload"))
	sig, err := session.Sign(digest)
	require.NoError(t, err)
	assert.Len(t, sig, 65)
}

func TestSignRejectsBadDigest(t *testing.T) {
	m := NewManager(plaintextDecrypter{})
	session, err := m.Open(1, "0xaa", testKeyHex(t))
	require.NoError(t, err)
	defer session.Close()

	_, err = session.Sign([]byte("short"))
	assert.Error(t, err)
}

func TestDecryptFailureReleasesLock(t *testing.T) {
	m := NewManager(plaintextDecrypter{err: errors.New("hsm offline")})
	_, err := m.Open(2, "0xaa", "whatever")
	require.Error(t, err)

	// The agent lock must be free again after a failed open.
	done := make(chan struct{})
	go func() {
		lock := m.agentLock(2)
		lock.Lock()
		lock.Unlock()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("agent lock still held after failed open")
	}
}

func TestSameAgentSerialized(t *testing.T) {
	m := NewManager(plaintextDecrypter{})
	keyHex := testKeyHex(t)

	first, err := m.Open(3, "0xaa", keyHex)
	require.NoError(t, err)

	var wg sync.WaitGroup
	secondOpened := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		second, err := m.Open(3, "0xaa", keyHex)
		require.NoError(t, err)
		close(secondOpened)
		second.Close()
	}()

	select {
	case <-secondOpened:
		t.Fatal("second session opened while first still held")
	case <-time.After(50 * time.Millisecond):
	}

	first.Close()
	wg.Wait()
}

func TestDifferentAgentsNotSerialized(t *testing.T) {
	m := NewManager(plaintextDecrypter{})
	keyHex := testKeyHex(t)

	a, err := m.Open(10, "0xaa", keyHex)
	require.NoError(t, err)
	defer a.Close()

	done := make(chan struct{})
	go func() {
		b, err := m.Open(11, "0xbb", keyHex)
		require.NoError(t, err)
		b.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("unrelated agent blocked")
	}
}
