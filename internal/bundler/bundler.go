// Package bundler submits user operations for agent smart accounts over
// JSON-RPC and polls for their receipts. The bundler is an external
// service; this client only shapes, signs and ships operations.
package bundler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog/log"

	"github.com/moltiverse/arenad/internal/wallet"
)

const (
	requestTimeout  = 30 * time.Second
	receiptInterval = 2 * time.Second
	receiptTimeout  = 60 * time.Second
)

// NonceSource reads a smart account's current user-op nonce from the
// entry point contract. Nil is allowed in dry runs and tests; the local
// sequence then starts at zero.
type NonceSource interface {
	UserOpNonce(ctx context.Context, entryPoint, sender common.Address) (uint64, error)
}

// Client talks to an ERC-4337 style bundler endpoint. It owns the
// per-sender nonce sequence so every submitter in the process shares it.
type Client struct {
	httpClient *http.Client
	url        string
	apiKey     string
	entryPoint common.Address
	chainID    *big.Int
	dryRun     bool
	nonceSrc   NonceSource
	reqID      atomic.Int64

	nonceMu sync.Mutex
	nonces  map[common.Address]uint64
	seeded  map[common.Address]bool
}

func NewClient(url, apiKey, entryPoint string, chainID int64, dryRun bool, nonceSrc NonceSource) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: requestTimeout},
		url:        url,
		apiKey:     apiKey,
		entryPoint: common.HexToAddress(entryPoint),
		chainID:    big.NewInt(chainID),
		dryRun:     dryRun,
		nonceSrc:   nonceSrc,
		nonces:     make(map[common.Address]uint64),
		seeded:     make(map[common.Address]bool),
	}
}

// nextNonce hands out the sender's next user-op nonce. The first nonce per
// sender is seeded from the entry point so a restarted process continues
// the on-chain sequence instead of re-signing from zero.
func (c *Client) nextNonce(ctx context.Context, sender common.Address) (uint64, error) {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()
	if !c.seeded[sender] {
		if c.nonceSrc != nil {
			n, err := c.nonceSrc.UserOpNonce(ctx, c.entryPoint, sender)
			if err != nil {
				return 0, fmt.Errorf("seed nonce for %s: %w", sender.Hex(), err)
			}
			c.nonces[sender] = n
		}
		c.seeded[sender] = true
	}
	n := c.nonces[sender]
	c.nonces[sender] = n + 1
	return n, nil
}

// userOperation is the wire shape for eth_sendUserOperation.
type userOperation struct {
	Sender    string `json:"sender"`
	Nonce     string `json:"nonce"`
	CallData  string `json:"callData"`
	Signature string `json:"signature"`
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type userOpReceipt struct {
	Success bool `json:"success"`
	Receipt struct {
		TransactionHash string `json:"transactionHash"`
	} `json:"receipt"`
}

// Execute builds a user operation calling target with callData from the
// session's smart account, signs it, submits it and waits for inclusion.
// Returns the on-chain transaction hash.
func (c *Client) Execute(ctx context.Context, session *wallet.Session, target common.Address, callData []byte) (string, error) {
	if c.dryRun {
		hash := fmt.Sprintf("0xdryrun%058x", time.Now().UnixNano())
		log.Info().Uint("agent", session.AgentID).Str("target", target.Hex()).
			Msg("dry run: user operation skipped")
		return hash, nil
	}

	nonce, err := c.nextNonce(ctx, session.SmartAccount)
	if err != nil {
		return "", err
	}
	execData := packExecute(target, callData)
	op := userOperation{
		Sender:   session.SmartAccount.Hex(),
		Nonce:    hexutil.EncodeUint64(nonce),
		CallData: hexutil.Encode(execData),
	}
	digest := opDigest(op, c.entryPoint, c.chainID)
	sig, err := session.Sign(digest)
	if err != nil {
		return "", fmt.Errorf("sign user operation: %w", err)
	}
	op.Signature = hexutil.Encode(sig)

	var opHash string
	if err := c.rpc(ctx, "eth_sendUserOperation", []interface{}{op, c.entryPoint.Hex()}, &opHash); err != nil {
		return "", err
	}
	log.Debug().Uint("agent", session.AgentID).Str("op_hash", opHash).Msg("user operation submitted")

	return c.waitForReceipt(ctx, opHash)
}

// waitForReceipt polls eth_getUserOperationReceipt until inclusion or the
// receipt deadline.
func (c *Client) waitForReceipt(ctx context.Context, opHash string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, receiptTimeout)
	defer cancel()

	ticker := time.NewTicker(receiptInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("user operation %s receipt timeout: %w", opHash, ctx.Err())
		case <-ticker.C:
		}

		var receipt *userOpReceipt
		if err := c.rpc(ctx, "eth_getUserOperationReceipt", []interface{}{opHash}, &receipt); err != nil {
			log.Debug().Err(err).Str("op_hash", opHash).Msg("receipt poll failed")
			continue
		}
		if receipt == nil {
			continue
		}
		if !receipt.Success {
			return "", fmt.Errorf("user operation %s reverted in tx %s", opHash, receipt.Receipt.TransactionHash)
		}
		return receipt.Receipt.TransactionHash, nil
	}
}

func (c *Client) rpc(ctx context.Context, method string, params []interface{}, result interface{}) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.reqID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s status %d: %s", method, resp.StatusCode, string(raw))
	}

	var parsed rpcResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if parsed.Error != nil {
		return fmt.Errorf("%s: bundler error %d: %s", method, parsed.Error.Code, parsed.Error.Message)
	}
	if result != nil && len(parsed.Result) > 0 {
		if err := json.Unmarshal(parsed.Result, result); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	return nil
}

// packExecute wraps target calldata in the smart account's execute frame.
func packExecute(target common.Address, callData []byte) []byte {
	// execute(address,uint256,bytes) with zero value.
	selector := crypto.Keccak256([]byte("execute(address,uint256,bytes)"))[:4]
	out := make([]byte, 0, 4+3*32+len(callData)+32)
	out = append(out, selector...)
	out = append(out, common.LeftPadBytes(target.Bytes(), 32)...)
	out = append(out, make([]byte, 32)...)
	out = append(out, common.LeftPadBytes(big.NewInt(96).Bytes(), 32)...)
	out = append(out, common.LeftPadBytes(big.NewInt(int64(len(callData))).Bytes(), 32)...)
	padded := len(callData)
	if rem := padded % 32; rem != 0 {
		padded += 32 - rem
	}
	out = append(out, common.RightPadBytes(callData, padded)...)
	return out
}

// opDigest is the signed commitment over the operation's content.
func opDigest(op userOperation, entryPoint common.Address, chainID *big.Int) []byte {
	payload := crypto.Keccak256(
		common.HexToAddress(op.Sender).Bytes(),
		[]byte(op.Nonce),
		hexutil.MustDecode(op.CallData),
	)
	return crypto.Keccak256(payload, entryPoint.Bytes(), common.LeftPadBytes(chainID.Bytes(), 32))
}
