package chain

import (
	"encoding/hex"
	"errors"
	"strings"
)

// dataError is the shape go-ethereum RPC errors expose revert data through.
type dataError interface {
	Error() string
	ErrorData() interface{}
}

// DecodeRevert walks the cause chain for revert data and resolves its
// 4-byte selector against the contract's custom errors. Returns the error
// name and true when decoded.
func DecodeRevert(err error) (string, bool) {
	for e := err; e != nil; e = errors.Unwrap(e) {
		var de dataError
		if !errors.As(e, &de) {
			continue
		}
		hexData, ok := de.ErrorData().(string)
		if !ok {
			continue
		}
		if name, ok := selectorName(hexData); ok {
			return name, true
		}
	}
	// Some RPCs put the selector straight in the message.
	if err != nil {
		if name, ok := selectorInMessage(err.Error()); ok {
			return name, true
		}
	}
	return "", false
}

// RevertReason renders a human reason for a failed contract call.
func RevertReason(err error) string {
	if name, ok := DecodeRevert(err); ok {
		return name
	}
	return err.Error()
}

func selectorName(hexData string) (string, bool) {
	data, decodeErr := hex.DecodeString(strings.TrimPrefix(hexData, "0x"))
	if decodeErr != nil || len(data) < 4 {
		return "", false
	}
	for name, abiErr := range arenaABI.Errors {
		if string(abiErr.ID.Bytes()[:4]) == string(data[:4]) {
			return name, true
		}
	}
	return "", false
}

func selectorInMessage(msg string) (string, bool) {
	for name, abiErr := range arenaABI.Errors {
		selector := "0x" + hex.EncodeToString(abiErr.ID.Bytes()[:4])
		if strings.Contains(msg, selector) || strings.Contains(msg, name) {
			return name, true
		}
	}
	return "", false
}
