package rpc

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/ftupas/kakarot-rpc/internal/translate"
)

// param decodes the i-th positional argument into dst. Absent and null
// arguments leave dst untouched.
func param(params []json.RawMessage, i int, dst any) error {
	if i >= len(params) {
		return nil
	}
	raw := bytes.TrimSpace(params[i])
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	if err := jsonc.Unmarshal(raw, dst); err != nil {
		return invalidParams("argument %d: %v", i, err)
	}
	return nil
}

// required is param for arguments that may not be null.
func required(params []json.RawMessage, i int, dst any) error {
	if i >= len(params) || bytes.Equal(bytes.TrimSpace(params[i]), []byte("null")) {
		return invalidParams("missing value for required argument %d", i)
	}
	return param(params, i, dst)
}

// storageKey accepts a full hash or a shorter quantity such as "0x0".
type storageKey common.Hash

func (k *storageKey) UnmarshalJSON(data []byte) error {
	var s string
	if err := jsonc.Unmarshal(data, &s); err != nil {
		return err
	}
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s)%2 == 1 {
		s = "0" + s
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(b) > common.HashLength {
		return errors.New("storage key exceeds 32 bytes")
	}
	*k = storageKey(common.BytesToHash(b))
	return nil
}

// CallArgs is the transaction-like object of eth_call and eth_estimateGas.
type CallArgs struct {
	From                 *common.Address `json:"from"`
	To                   *common.Address `json:"to"`
	Gas                  *hexutil.Big    `json:"gas"`
	GasPrice             *hexutil.Big    `json:"gasPrice"`
	MaxFeePerGas         *hexutil.Big    `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big    `json:"maxPriorityFeePerGas"`
	Value                *hexutil.Big    `json:"value"`
	Data                 *hexutil.Bytes  `json:"data"`
	Input                *hexutil.Bytes  `json:"input"`
}

func (a CallArgs) msg() (translate.CallMsg, error) {
	if a.GasPrice != nil && (a.MaxFeePerGas != nil || a.MaxPriorityFeePerGas != nil) {
		return translate.CallMsg{}, invalidParams("both gasPrice and maxFeePerGas or maxPriorityFeePerGas specified")
	}
	if a.Data != nil && a.Input != nil && !bytes.Equal(*a.Data, *a.Input) {
		return translate.CallMsg{}, invalidParams("both \"data\" and \"input\" are set and not equal")
	}
	m := translate.CallMsg{From: a.From, To: a.To}
	if a.Gas != nil {
		m.Gas = a.Gas.ToInt()
	}
	switch {
	case a.GasPrice != nil:
		m.GasPrice = a.GasPrice.ToInt()
	case a.MaxFeePerGas != nil:
		m.GasPrice = a.MaxFeePerGas.ToInt()
	}
	if a.Value != nil {
		m.Value = a.Value.ToInt()
	}
	switch {
	case a.Input != nil:
		m.Data = *a.Input
	case a.Data != nil:
		m.Data = *a.Data
	}
	return m, nil
}
