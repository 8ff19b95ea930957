package bundler

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moltiverse/arenad/internal/wallet"
)

type plaintextDecrypter struct{}

func (plaintextDecrypter) DecryptSignerKey(encrypted string) (string, error) {
	return encrypted, nil
}

func testSession(t *testing.T) *wallet.Session {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	m := wallet.NewManager(plaintextDecrypter{})
	session, err := m.Open(1, "0x00000000000000000000000000000000000000aa",
		hex.EncodeToString(crypto.FromECDSA(key)))
	require.NoError(t, err)
	t.Cleanup(session.Close)
	return session
}

func TestExecuteSubmitsAndWaits(t *testing.T) {
	var sawSend, sawAPIKey bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if r.Header.Get("x-api-key") == "secret" {
			sawAPIKey = true
		}

		switch req.Method {
		case "eth_sendUserOperation":
			sawSend = true
			op := req.Params[0].(map[string]interface{})
			assert.NotEmpty(t, op["signature"])
			assert.NotEmpty(t, op["callData"])
			json.NewEncoder(w).Encode(map[string]interface{}{
				"jsonrpc": "2.0", "id": req.ID, "result": "0xophash",
			})
		case "eth_getUserOperationReceipt":
			assert.Equal(t, "0xophash", req.Params[0])
			json.NewEncoder(w).Encode(map[string]interface{}{
				"jsonrpc": "2.0", "id": req.ID,
				"result": map[string]interface{}{
					"success": true,
					"receipt": map[string]interface{}{"transactionHash": "0xabc123"},
				},
			})
		default:
			t.Fatalf("unexpected method %s", req.Method)
		}
	}))
	defer server.Close()

	c := NewClient(server.URL, "secret", "0x00000000000000000000000000000000000000ee", 10143, false, nil)
	txHash, err := c.Execute(context.Background(), testSession(t),
		common.HexToAddress("0xbb"), []byte{0x01, 0x02})

	require.NoError(t, err)
	assert.Equal(t, "0xabc123", txHash)
	assert.True(t, sawSend)
	assert.True(t, sawAPIKey)
}

func TestExecuteRevertedOp(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		switch req.Method {
		case "eth_sendUserOperation":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"jsonrpc": "2.0", "id": req.ID, "result": "0xop",
			})
		case "eth_getUserOperationReceipt":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"jsonrpc": "2.0", "id": req.ID,
				"result": map[string]interface{}{
					"success": false,
					"receipt": map[string]interface{}{"transactionHash": "0xdead"},
				},
			})
		}
	}))
	defer server.Close()

	c := NewClient(server.URL, "", "0xee", 10143, false, nil)
	_, err := c.Execute(context.Background(), testSession(t), common.Address{}, []byte{0x01})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "reverted")
}

func TestExecuteBundlerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0", "id": req.ID,
			"error": map[string]interface{}{"code": -32000, "message": "replacement transaction underpriced"},
		})
	}))
	defer server.Close()

	c := NewClient(server.URL, "", "0xee", 10143, false, nil)
	_, err := c.Execute(context.Background(), testSession(t), common.Address{}, []byte{0x01})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "replacement transaction")
}

func TestDryRunSkipsNetwork(t *testing.T) {
	c := NewClient("http://unreachable.invalid", "", "0xee", 10143, true, nil)
	txHash, err := c.Execute(context.Background(), testSession(t), common.Address{}, []byte{0x01})

	require.NoError(t, err)
	assert.Contains(t, txHash, "0xdryrun")
}

type stubNonceSource struct {
	nonce uint64
	err   error
	calls int
}

func (s *stubNonceSource) UserOpNonce(context.Context, common.Address, common.Address) (uint64, error) {
	s.calls++
	return s.nonce, s.err
}

func TestNonceSeededFromEntryPoint(t *testing.T) {
	src := &stubNonceSource{nonce: 7}
	c := NewClient("http://unused.invalid", "", "0xee", 10143, false, src)
	sender := common.HexToAddress("0xaa")

	n, err := c.nextNonce(context.Background(), sender)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), n, "sequence resumes from on-chain state")

	n, err = c.nextNonce(context.Background(), sender)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), n)
	assert.Equal(t, 1, src.calls, "entry point read once per sender")
}

func TestNonceSeedFailureRetriedNextCall(t *testing.T) {
	src := &stubNonceSource{err: errors.New("rpc down")}
	c := NewClient("http://unused.invalid", "", "0xee", 10143, false, src)
	sender := common.HexToAddress("0xaa")

	_, err := c.nextNonce(context.Background(), sender)
	require.Error(t, err)

	// The next call seeds again rather than silently starting at zero.
	src.err = nil
	src.nonce = 3
	n, err := c.nextNonce(context.Background(), sender)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), n)
}

func TestPackExecuteShape(t *testing.T) {
	callData := []byte{0xde, 0xad, 0xbe, 0xef}
	out := packExecute(common.HexToAddress("0xbb"), callData)

	selector := crypto.Keccak256([]byte("execute(address,uint256,bytes)"))[:4]
	assert.Equal(t, selector, out[:4])
	// selector + addr + value + offset + length + padded data
	assert.Len(t, out, 4+4*32+32)
}
