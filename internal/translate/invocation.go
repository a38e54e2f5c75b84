package translate

import (
	"fmt"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/ftupas/kakarot-rpc/internal/felt"
	"github.com/ftupas/kakarot-rpc/internal/upstream"
)

// executeHeaderLen is the call-array prefix of an __execute__ invocation
// carrying a single call: [call_len, to, selector, data_offset, data_len, calldata_len].
const executeHeaderLen = 6

// Invocation is a backend entrypoint call produced from an Ethereum request.
// Signature, Nonce and MaxFee are only set for invoke transactions.
type Invocation struct {
	Target    felt.Felt
	Selector  felt.Felt
	Calldata  []felt.Felt
	Signature []felt.Felt
	Nonce     felt.Felt
	MaxFee    felt.Felt
}

// FunctionCall returns the read-only form of the invocation.
func (inv Invocation) FunctionCall() upstream.FunctionCall {
	return upstream.FunctionCall{
		ContractAddress:    inv.Target,
		EntryPointSelector: inv.Selector,
		Calldata:           inv.Calldata,
	}
}

// InvokeTxn returns the invocation as an account transaction sent by Target.
func (inv Invocation) InvokeTxn() upstream.InvokeTxn {
	return upstream.InvokeTxn{
		Type:          upstream.TxTypeInvoke,
		SenderAddress: inv.Target,
		Calldata:      inv.Calldata,
		MaxFee:        inv.MaxFee,
		Version:       "0x1",
		Signature:     inv.Signature,
		Nonce:         inv.Nonce,
	}
}

// EncodeTransaction wraps a signed EVM transaction into an __execute__ call on
// the sender's backend account. The account forwards the raw bytes to the
// zkEVM's eth_send_transaction entrypoint.
func (t *Translator) EncodeTransaction(tx *types.Transaction, sender common.Address) (Invocation, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return Invocation{}, fmt.Errorf("encode transaction: %w", err)
	}
	price := tx.GasPrice()
	if tx.Type() != types.LegacyTxType && tx.Type() != types.AccessListTxType {
		price = tx.GasFeeCap()
	}
	maxFee := new(big.Int).Mul(new(big.Int).SetUint64(tx.Gas()), price)
	if !FitsU128(maxFee) {
		return Invocation{}, fmt.Errorf("%w: max fee %s exceeds 128 bits", ErrEncodingOverflow, maxFee)
	}
	fee, err := felt.FromBig(maxFee)
	if err != nil {
		return Invocation{}, fmt.Errorf("%w: %v", ErrEncodingOverflow, err)
	}
	sig, err := encodeSignature(tx)
	if err != nil {
		return Invocation{}, err
	}

	n := felt.FromUint64(uint64(len(raw)))
	calldata := make([]felt.Felt, 0, executeHeaderLen+len(raw))
	calldata = append(calldata,
		felt.One,
		t.cfg.KakarotAddress,
		SelectorEthSendTransaction,
		felt.Zero,
		n,
		n,
	)
	calldata = append(calldata, EncodeBytes(raw)...)

	return Invocation{
		Target:    t.ToBackend(sender),
		Selector:  SelectorExecute,
		Calldata:  calldata,
		Signature: sig,
		Nonce:     felt.FromUint64(tx.Nonce()),
		MaxFee:    fee,
	}, nil
}

func encodeSignature(tx *types.Transaction) ([]felt.Felt, error) {
	v, r, s := tx.RawSignatureValues()
	rl, rh, err := EncodeBig(r)
	if err != nil {
		return nil, fmt.Errorf("signature r: %w", err)
	}
	sl, sh, err := EncodeBig(s)
	if err != nil {
		return nil, fmt.Errorf("signature s: %w", err)
	}
	vf, err := felt.FromBig(v)
	if err != nil {
		return nil, fmt.Errorf("%w: signature v: %v", ErrEncodingOverflow, err)
	}
	return []felt.Felt{rl, rh, sl, sh, vf}, nil
}

// DecodeTransaction recovers the raw EVM transaction bytes from __execute__
// calldata built by EncodeTransaction. Calldata of any other shape yields
// ErrNotEVMTransaction.
func (t *Translator) DecodeTransaction(calldata []felt.Felt) ([]byte, error) {
	if len(calldata) < executeHeaderLen {
		return nil, fmt.Errorf("%w: calldata too short", ErrNotEVMTransaction)
	}
	if !calldata[0].Equal(felt.One) ||
		!calldata[1].Equal(t.cfg.KakarotAddress) ||
		!calldata[2].Equal(SelectorEthSendTransaction) ||
		!calldata[3].IsZero() {
		return nil, fmt.Errorf("%w: not a zkEVM call", ErrNotEVMTransaction)
	}
	n, ok := calldata[4].Uint64()
	if !ok || !calldata[5].Equal(calldata[4]) || n != uint64(len(calldata)-executeHeaderLen) {
		return nil, fmt.Errorf("%w: inconsistent data length", ErrNotEVMTransaction)
	}
	raw, err := DecodeBytes(calldata[executeHeaderLen:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotEVMTransaction, err)
	}
	return raw, nil
}

// CallMsg is an eth_call / eth_estimateGas request.
type CallMsg struct {
	From     *common.Address
	To       *common.Address
	Gas      *big.Int
	GasPrice *big.Int
	Value    *big.Int
	Data     []byte
}

// EncodeCall builds a zkEVM eth_call invocation:
// [origin, to, gas_limit, gas_price, value.low, value.high, data_len, data...].
// A nil To encodes as the zero address, which the zkEVM treats as a deploy.
func (t *Translator) EncodeCall(msg CallMsg, defaultGas uint64) (Invocation, error) {
	var origin, to common.Address
	if msg.From != nil {
		origin = *msg.From
	}
	if msg.To != nil {
		to = *msg.To
	}
	gas := new(big.Int).SetUint64(defaultGas)
	if msg.Gas != nil {
		gas = msg.Gas
	}
	if gas.Sign() < 0 || !gas.IsUint64() {
		return Invocation{}, fmt.Errorf("%w: gas limit %s exceeds 64 bits", ErrEncodingOverflow, gas)
	}
	price := new(big.Int)
	if msg.GasPrice != nil {
		price = msg.GasPrice
	}
	if !FitsU128(price) {
		return Invocation{}, fmt.Errorf("%w: gas price %s exceeds 128 bits", ErrEncodingOverflow, price)
	}
	priceFelt, err := felt.FromBig(price)
	if err != nil {
		return Invocation{}, fmt.Errorf("%w: %v", ErrEncodingOverflow, err)
	}
	vl, vh, err := EncodeBig(msg.Value)
	if err != nil {
		return Invocation{}, err
	}
	if uint64(len(msg.Data)) > math.MaxUint32 {
		return Invocation{}, fmt.Errorf("%w: call data too large", ErrEncodingOverflow)
	}

	calldata := make([]felt.Felt, 0, 7+len(msg.Data))
	calldata = append(calldata,
		AddressToFelt(origin),
		AddressToFelt(to),
		felt.FromUint64(gas.Uint64()),
		priceFelt,
		vl,
		vh,
		felt.FromUint64(uint64(len(msg.Data))),
	)
	calldata = append(calldata, EncodeBytes(msg.Data)...)
	return Invocation{
		Target:   t.cfg.KakarotAddress,
		Selector: SelectorEthCall,
		Calldata: calldata,
	}, nil
}
