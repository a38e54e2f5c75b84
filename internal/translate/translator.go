// Package translate converts between Ethereum-shaped values and the backend's
// felt-based calldata, addresses and events.
package translate

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ftupas/kakarot-rpc/internal/felt"
	"github.com/ftupas/kakarot-rpc/internal/logging"
	"github.com/ftupas/kakarot-rpc/internal/upstream"
)

var (
	// ErrUnmappedAddress is returned when a backend address has no EVM counterpart.
	ErrUnmappedAddress = errors.New("backend address has no ethereum mapping")
	// ErrEncodingOverflow is returned when a value does not fit its target width.
	ErrEncodingOverflow = errors.New("value overflows encoding")
	// ErrNotEVMTransaction marks backend transactions that do not carry an EVM payload.
	ErrNotEVMTransaction = errors.New("not an evm transaction")
	// ErrMalformedOutput is returned when backend output does not have the expected shape.
	ErrMalformedOutput = errors.New("malformed backend output")
)

// Entrypoints exposed by the zkEVM contracts and accounts.
var (
	SelectorEthCall            = felt.Selector("eth_call")
	SelectorEthSendTransaction = felt.Selector("eth_send_transaction")
	SelectorExecute            = felt.Selector("__execute__")
	SelectorGetEVMAddress      = felt.Selector("get_evm_address")
	SelectorBytecode           = felt.Selector("bytecode")
	SelectorStorage            = felt.Selector("storage")
	SelectorBalanceOf          = felt.Selector("balanceOf")
)

const defaultReverseIndexSize = 65536

// ContractCaller runs read-only backend entrypoints.
type ContractCaller interface {
	CallContract(ctx context.Context, call upstream.FunctionCall, id upstream.BlockID) ([]felt.Felt, error)
}

// Config names the zkEVM deployment the translator targets.
type Config struct {
	KakarotAddress     felt.Felt
	ProxyClassHash     felt.Felt
	NativeTokenAddress felt.Felt
	ReverseIndexSize   int
}

// Translator maps addresses and values between the two worlds. The forward
// mapping is a pure function of the deployment; the reverse direction is
// answered from an index of addresses seen so far, falling back to asking
// the account itself.
type Translator struct {
	cfg      Config
	caller   ContractCaller
	reverse  *lru.Cache[felt.Felt, common.Address]
	unmapped *lru.Cache[felt.Felt, struct{}]
}

func New(cfg Config, caller ContractCaller) (*Translator, error) {
	size := cfg.ReverseIndexSize
	if size <= 0 {
		size = defaultReverseIndexSize
	}
	reverse, err := lru.New[felt.Felt, common.Address](size)
	if err != nil {
		return nil, err
	}
	unmapped, err := lru.New[felt.Felt, struct{}](size)
	if err != nil {
		return nil, err
	}
	return &Translator{cfg: cfg, caller: caller, reverse: reverse, unmapped: unmapped}, nil
}

func (t *Translator) KakarotAddress() felt.Felt     { return t.cfg.KakarotAddress }
func (t *Translator) NativeTokenAddress() felt.Felt { return t.cfg.NativeTokenAddress }

// ToBackend returns the backend account address of an EVM address: the
// address the zkEVM deploys the account's proxy to, salted by the EVM address.
func (t *Translator) ToBackend(addr common.Address) felt.Felt {
	out := ComputeBackendAddress(t.cfg.KakarotAddress, t.cfg.ProxyClassHash, addr)
	t.reverse.Add(out, addr)
	return out
}

// ComputeBackendAddress is the stateless form of ToBackend.
func ComputeBackendAddress(kakarot, proxyClassHash felt.Felt, addr common.Address) felt.Felt {
	return felt.ContractAddress(kakarot, AddressToFelt(addr), proxyClassHash, nil)
}

// ToEthereum resolves a backend address to its EVM address. The answer is
// only trusted if the forward mapping reproduces the backend address.
func (t *Translator) ToEthereum(ctx context.Context, backend felt.Felt) (common.Address, error) {
	if addr, ok := t.reverse.Get(backend); ok {
		return addr, nil
	}
	if _, ok := t.unmapped.Get(backend); ok {
		return common.Address{}, fmt.Errorf("%w: %s", ErrUnmappedAddress, backend.Hex())
	}
	out, err := t.caller.CallContract(ctx, upstream.FunctionCall{
		ContractAddress:    backend,
		EntryPointSelector: SelectorGetEVMAddress,
	}, upstream.Latest())
	if err != nil {
		var rpcErr *upstream.RPCError
		if errors.As(err, &rpcErr) {
			t.unmapped.Add(backend, struct{}{})
			return common.Address{}, fmt.Errorf("%w: %s", ErrUnmappedAddress, backend.Hex())
		}
		return common.Address{}, err
	}
	if len(out) != 1 {
		t.unmapped.Add(backend, struct{}{})
		return common.Address{}, fmt.Errorf("%w: %s: get_evm_address returned %d values", ErrUnmappedAddress, backend.Hex(), len(out))
	}
	addr, err := FeltToAddress(out[0])
	if err != nil {
		t.unmapped.Add(backend, struct{}{})
		return common.Address{}, fmt.Errorf("%w: %s: %v", ErrUnmappedAddress, backend.Hex(), err)
	}
	if !t.ToBackend(addr).Equal(backend) {
		t.reverse.Remove(backend)
		t.unmapped.Add(backend, struct{}{})
		logging.Logger().Warn("address_mapping_mismatch",
			"component", "translate",
			"backend", backend.Hex(),
			"evm", addr.Hex(),
		)
		return common.Address{}, fmt.Errorf("%w: %s", ErrUnmappedAddress, backend.Hex())
	}
	return addr, nil
}

// AccountCall targets a view entrypoint on the backend account of addr.
func (t *Translator) AccountCall(addr common.Address, selector felt.Felt, args ...felt.Felt) upstream.FunctionCall {
	if args == nil {
		args = []felt.Felt{}
	}
	return upstream.FunctionCall{
		ContractAddress:    t.ToBackend(addr),
		EntryPointSelector: selector,
		Calldata:           args,
	}
}

// NativeBalanceCall queries the fee token balance held by the account of addr.
func (t *Translator) NativeBalanceCall(addr common.Address) upstream.FunctionCall {
	return upstream.FunctionCall{
		ContractAddress:    t.cfg.NativeTokenAddress,
		EntryPointSelector: SelectorBalanceOf,
		Calldata:           []felt.Felt{t.ToBackend(addr)},
	}
}

// AddressToFelt embeds a 20-byte EVM address in a felt.
func AddressToFelt(addr common.Address) felt.Felt { return felt.FromBytes(addr.Bytes()) }

// FeltToAddress extracts an EVM address, rejecting felts wider than 160 bits.
func FeltToAddress(f felt.Felt) (common.Address, error) {
	if f.BigInt().BitLen() > 160 {
		return common.Address{}, fmt.Errorf("%w: %s is not a 20-byte address", ErrEncodingOverflow, f.Hex())
	}
	b := f.Bytes32()
	return common.BytesToAddress(b[12:]), nil
}
