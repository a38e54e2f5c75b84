// Package fakestark is an in-memory Starknet node hosting a minimal zkEVM.
// It executes value transfers, contract deployments and log emissions so
// the bridge can be exercised end to end without a real backend.
package fakestark

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/ftupas/kakarot-rpc/internal/felt"
	"github.com/ftupas/kakarot-rpc/internal/translate"
	"github.com/ftupas/kakarot-rpc/internal/upstream"
)

// Defaults match the bridge configuration defaults.
var (
	DefaultKakarot     = felt.MustHex("0x9001")
	DefaultProxyClass  = felt.MustHex("0xba8f3f34eb92f56498fdf14ecac1f19d507dcc6859fa6d85eb8a68f6d44a47")
	DefaultNativeToken = felt.MustHex("0x49d36570d4e46f48e99674bd3fcc84644ddd6b96f7c741b1562b82f9e004dc7")
	Sequencer          = felt.MustHex("0x1176a1bd84444c89232ec27754698e5d2e7e1a7f1539f12027f28b23ec9f3d8")
)

const (
	DefaultChainID = 1263227476
	genesisTime    = 1_700_000_000
)

// CallHandler answers zkEVM eth_call requests for contracts. ok=false makes
// the call revert with ret as revert data.
type CallHandler func(from, to common.Address, data []byte) (ret []byte, ok bool, gasUsed uint64)

type account struct {
	evm     common.Address
	nonce   uint64
	code    []byte
	storage map[common.Hash]common.Hash
}

// Chain is the fake backend. All methods are safe for concurrent use.
type Chain struct {
	ChainID     uint64
	Kakarot     felt.Felt
	ProxyClass  felt.Felt
	NativeToken felt.Felt

	tr     *translate.Translator
	signer types.Signer

	mu          sync.Mutex
	accounts    map[felt.Felt]*account
	balances    map[felt.Felt]*big.Int
	blocks      []*upstream.Block
	receipts    map[felt.Felt]*upstream.Receipt
	reverts     map[common.Address]string
	callHandler CallHandler
	calls       map[string]int
}

func New() *Chain {
	c := &Chain{
		ChainID:     DefaultChainID,
		Kakarot:     DefaultKakarot,
		ProxyClass:  DefaultProxyClass,
		NativeToken: DefaultNativeToken,
		signer:      types.LatestSignerForChainID(big.NewInt(DefaultChainID)),
		accounts:    make(map[felt.Felt]*account),
		balances:    make(map[felt.Felt]*big.Int),
		receipts:    make(map[felt.Felt]*upstream.Receipt),
		reverts:     make(map[common.Address]string),
		calls:       make(map[string]int),
	}
	tr, err := translate.New(translate.Config{
		KakarotAddress:     c.Kakarot,
		ProxyClassHash:     c.ProxyClass,
		NativeTokenAddress: c.NativeToken,
	}, c)
	if err != nil {
		panic(err)
	}
	c.tr = tr
	c.mine(nil, nil)
	return c
}

// BackendAddress is the account address the zkEVM assigns to addr.
func (c *Chain) BackendAddress(addr common.Address) felt.Felt {
	return translate.ComputeBackendAddress(c.Kakarot, c.ProxyClass, addr)
}

// Fund deploys an EOA account for addr if needed and credits amount.
func (c *Chain) Fund(addr common.Address, amount *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := c.ensure(addr)
	c.credit(key, amount)
}

// Deploy installs code at addr.
func (c *Chain) Deploy(addr common.Address, code []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := c.ensure(addr)
	c.accounts[key].code = append([]byte(nil), code...)
}

// SetStorage writes one storage slot of a deployed account.
func (c *Chain) SetStorage(addr common.Address, slot, value common.Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := c.ensure(addr)
	c.accounts[key].storage[slot] = value
}

// RevertOn makes every transaction sent to addr revert with reason.
func (c *Chain) RevertOn(addr common.Address, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reverts[addr] = reason
}

// HandleCalls installs the eth_call handler.
func (c *Chain) HandleCalls(h CallHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callHandler = h
}

// MineEmpty appends a block without transactions.
func (c *Chain) MineEmpty() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mine(nil, nil).BlockNumber
}

// MineForeign appends a block holding one non-EVM invoke transaction.
func (c *Chain) MineForeign() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx := upstream.Transaction{
		Type:          upstream.TxTypeInvoke,
		Version:       "0x1",
		SenderAddress: Sequencer,
		Calldata:      []felt.Felt{felt.One, c.NativeToken, felt.Selector("transfer"), felt.Zero, felt.FromUint64(3), felt.FromUint64(3), felt.One, felt.One, felt.Zero},
		Nonce:         felt.FromUint64(uint64(len(c.blocks))),
	}
	tx.Hash = felt.PedersenArray(Sequencer, tx.Nonce, felt.FromShortString("foreign"))
	rc := &upstream.Receipt{
		Hash:            tx.Hash,
		Type:            upstream.TxTypeInvoke,
		ActualFee:       upstream.FeePayment{Amount: felt.FromUint64(1), Unit: "WEI"},
		ExecutionStatus: upstream.ExecutionSucceeded,
		FinalityStatus:  upstream.StatusAcceptedOnL2,
		Events: []upstream.Event{{
			FromAddress: c.NativeToken,
			Keys:        []felt.Felt{felt.Selector("Transfer")},
			Data:        []felt.Felt{Sequencer, Sequencer, felt.One, felt.Zero},
		}},
	}
	return c.mine([]upstream.Transaction{tx}, []*upstream.Receipt{rc}).BlockNumber
}

// Calls reports how many times a backend method was served.
func (c *Chain) Calls(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[method]
}

func (c *Chain) count(method string) {
	c.calls[method]++
}

func (c *Chain) ensure(addr common.Address) felt.Felt {
	key := c.BackendAddress(addr)
	if _, ok := c.accounts[key]; !ok {
		c.accounts[key] = &account{evm: addr, storage: make(map[common.Hash]common.Hash)}
	}
	return key
}

func (c *Chain) balance(key felt.Felt) *big.Int {
	if b, ok := c.balances[key]; ok {
		return b
	}
	return new(big.Int)
}

func (c *Chain) credit(key felt.Felt, amount *big.Int) {
	c.balances[key] = new(big.Int).Add(c.balance(key), amount)
}

func (c *Chain) debit(key felt.Felt, amount *big.Int) {
	c.balances[key] = new(big.Int).Sub(c.balance(key), amount)
}

func (c *Chain) mine(txs []upstream.Transaction, receipts []*upstream.Receipt) *upstream.Block {
	number := uint64(len(c.blocks))
	parent := felt.Zero
	if number > 0 {
		parent = c.blocks[number-1].BlockHash
	}
	parts := []felt.Felt{felt.FromUint64(number), parent}
	for _, tx := range txs {
		parts = append(parts, tx.Hash)
	}
	b := &upstream.Block{
		Status:           upstream.StatusAcceptedOnL2,
		BlockHash:        felt.PedersenArray(parts...),
		ParentHash:       parent,
		BlockNumber:      number,
		NewRoot:          felt.PedersenArray(felt.FromShortString("root"), felt.FromUint64(number)),
		Timestamp:        genesisTime + number*6,
		SequencerAddress: Sequencer,
		Transactions:     append([]upstream.Transaction{}, txs...),
	}
	for _, rc := range receipts {
		h, n := b.BlockHash, number
		rc.BlockHash, rc.BlockNumber = &h, &n
		c.receipts[rc.Hash] = rc
	}
	c.blocks = append(c.blocks, b)
	return b
}

// chainIDFelt is the backend chain id: the EVM chain id as a felt.
func (c *Chain) chainIDFelt() felt.Felt { return felt.FromUint64(c.ChainID) }

func (c *Chain) BlockNumber(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count("starknet_blockNumber")
	return uint64(len(c.blocks) - 1), nil
}

func (c *Chain) BlockWithTxs(_ context.Context, id upstream.BlockID) (*upstream.Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count("starknet_getBlockWithTxs")
	b, err := c.block(id)
	if err != nil {
		return nil, err
	}
	cp := *b
	cp.Transactions = append([]upstream.Transaction(nil), b.Transactions...)
	return &cp, nil
}

func (c *Chain) block(id upstream.BlockID) (*upstream.Block, error) {
	if n, ok := id.Number(); ok {
		if n >= uint64(len(c.blocks)) {
			return nil, errBlockNotFound
		}
		return c.blocks[n], nil
	}
	if h, ok := id.Hash(); ok {
		for _, b := range c.blocks {
			if b.BlockHash.Equal(h) {
				return b, nil
			}
		}
		return nil, errBlockNotFound
	}
	return c.blocks[len(c.blocks)-1], nil
}

func (c *Chain) TransactionReceipt(_ context.Context, hash felt.Felt) (*upstream.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count("starknet_getTransactionReceipt")
	rc, ok := c.receipts[hash]
	if !ok {
		return nil, &upstream.RPCError{Code: upstream.CodeTxHashNotFound, Message: "Transaction hash not found"}
	}
	cp := *rc
	return &cp, nil
}

func (c *Chain) Nonce(_ context.Context, id upstream.BlockID, addr felt.Felt) (felt.Felt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count("starknet_getNonce")
	if _, err := c.block(id); err != nil {
		return felt.Zero, err
	}
	acc, ok := c.accounts[addr]
	if !ok {
		return felt.Zero, errContractNotFound
	}
	return felt.FromUint64(acc.nonce), nil
}

// CallContract serves the account views, the native token balance and the
// zkEVM eth_call entrypoint. State is always the latest state.
func (c *Chain) CallContract(_ context.Context, call upstream.FunctionCall, id upstream.BlockID) ([]felt.Felt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count("starknet_call")
	if _, err := c.block(id); err != nil {
		return nil, err
	}
	switch {
	case call.ContractAddress.Equal(c.NativeToken):
		if !call.EntryPointSelector.Equal(translate.SelectorBalanceOf) || len(call.Calldata) != 1 {
			return nil, errEntrypoint
		}
		lo, hi, err := translate.EncodeBig(c.balance(call.Calldata[0]))
		if err != nil {
			return nil, err
		}
		return []felt.Felt{lo, hi}, nil
	case call.ContractAddress.Equal(c.Kakarot):
		if !call.EntryPointSelector.Equal(translate.SelectorEthCall) {
			return nil, errEntrypoint
		}
		return c.ethCall(call.Calldata)
	}
	acc, ok := c.accounts[call.ContractAddress]
	if !ok {
		return nil, errContractNotFound
	}
	switch {
	case call.EntryPointSelector.Equal(translate.SelectorGetEVMAddress):
		return []felt.Felt{translate.AddressToFelt(acc.evm)}, nil
	case call.EntryPointSelector.Equal(translate.SelectorBytecode):
		out := []felt.Felt{felt.FromUint64(uint64(len(acc.code)))}
		return append(out, translate.EncodeBytes(acc.code)...), nil
	case call.EntryPointSelector.Equal(translate.SelectorStorage):
		if len(call.Calldata) != 2 {
			return nil, errEntrypoint
		}
		key, err := translate.DecodeUint256(call.Calldata[0], call.Calldata[1])
		if err != nil {
			return nil, err
		}
		lo, hi := translate.EncodeTopic(acc.storage[common.Hash(key.Bytes32())])
		return []felt.Felt{lo, hi}, nil
	}
	return nil, errEntrypoint
}

func (c *Chain) ethCall(calldata []felt.Felt) ([]felt.Felt, error) {
	if len(calldata) < 7 {
		return nil, errEntrypoint
	}
	from, err := translate.FeltToAddress(calldata[0])
	if err != nil {
		return nil, err
	}
	to, err := translate.FeltToAddress(calldata[1])
	if err != nil {
		return nil, err
	}
	data, err := translate.DecodeBytes(calldata[7:])
	if err != nil {
		return nil, err
	}
	ret, ok, gas := []byte{}, true, uint64(21000)
	if reason, reverts := c.reverts[to]; reverts {
		ret, ok = revertData(reason), false
	} else if c.callHandler != nil {
		ret, ok, gas = c.callHandler(from, to, data)
	}
	out := []felt.Felt{felt.FromUint64(uint64(len(ret)))}
	out = append(out, translate.EncodeBytes(ret)...)
	success := felt.Zero
	if ok {
		success = felt.One
	}
	return append(out, success, felt.FromUint64(gas)), nil
}

// AddInvokeTransaction validates and executes an EVM transaction wrapped in
// an __execute__ call, then mines it into its own block.
func (c *Chain) AddInvokeTransaction(_ context.Context, inv upstream.InvokeTxn) (felt.Felt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count("starknet_addInvokeTransaction")

	raw, err := c.tr.DecodeTransaction(inv.Calldata)
	if err != nil {
		return felt.Zero, validationFailure(err.Error())
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return felt.Zero, validationFailure(err.Error())
	}
	from, err := types.Sender(c.signer, tx)
	if err != nil {
		return felt.Zero, validationFailure("invalid signature")
	}
	sender := c.ensure(from)
	if !sender.Equal(inv.SenderAddress) {
		return felt.Zero, validationFailure("sender mismatch")
	}

	hash := felt.PedersenArray(sender, felt.FromUint64(tx.Nonce()), felt.FromBytes(tx.Hash().Bytes()))
	if _, dup := c.receipts[hash]; dup {
		return felt.Zero, &upstream.RPCError{Code: upstream.CodeDuplicateTx, Message: "A transaction with the same hash already exists in the mempool"}
	}
	acc := c.accounts[sender]
	if tx.Nonce() != acc.nonce {
		return felt.Zero, &upstream.RPCError{Code: upstream.CodeInvalidNonce, Message: "Invalid transaction nonce"}
	}

	gasUsed := intrinsicGas(tx)
	if gasUsed > tx.Gas() {
		return felt.Zero, validationFailure("intrinsic gas too low")
	}
	price := tx.GasPrice()
	if tx.Type() == types.DynamicFeeTxType {
		price = tx.GasFeeCap()
	}
	fee := new(big.Int).Mul(new(big.Int).SetUint64(gasUsed), price)
	cost := new(big.Int).Add(fee, tx.Value())
	if c.balance(sender).Cmp(cost) < 0 {
		return felt.Zero, &upstream.RPCError{Code: upstream.CodeInsufficientFunds, Message: "Account balance is smaller than the transaction's max_fee"}
	}

	acc.nonce++
	c.debit(sender, fee)
	rc := &upstream.Receipt{
		Hash:            hash,
		Type:            upstream.TxTypeInvoke,
		ActualFee:       upstream.FeePayment{Amount: mustFelt(fee), Unit: "WEI"},
		ExecutionStatus: upstream.ExecutionSucceeded,
		FinalityStatus:  upstream.StatusAcceptedOnL2,
	}
	if err := c.execute(tx, from, sender, rc); err != nil {
		rc.ExecutionStatus = upstream.ExecutionReverted
		rc.RevertReason = err.Error()
		rc.Events = nil
	}
	rc.Events = append(rc.Events, upstream.Event{
		FromAddress: c.NativeToken,
		Keys:        []felt.Felt{felt.Selector("Transfer")},
		Data:        []felt.Felt{sender, Sequencer, mustFelt(fee), felt.Zero},
	})

	c.mine([]upstream.Transaction{{
		Hash:          hash,
		Type:          upstream.TxTypeInvoke,
		Version:       inv.Version,
		SenderAddress: inv.SenderAddress,
		Calldata:      inv.Calldata,
		Signature:     inv.Signature,
		Nonce:         inv.Nonce,
		MaxFee:        inv.MaxFee,
	}}, []*upstream.Receipt{rc})
	return hash, nil
}

func (c *Chain) execute(tx *types.Transaction, from common.Address, sender felt.Felt, rc *upstream.Receipt) error {
	if tx.To() == nil {
		addr := crypto.CreateAddress(from, tx.Nonce())
		key := c.ensure(addr)
		c.accounts[key].code = append([]byte(nil), tx.Data()...)
		c.debit(sender, tx.Value())
		c.credit(key, tx.Value())
		return nil
	}
	to := *tx.To()
	if reason, ok := c.reverts[to]; ok {
		return errors.New(reason)
	}
	key := c.ensure(to)
	c.debit(sender, tx.Value())
	c.credit(key, tx.Value())
	if len(c.accounts[key].code) > 0 {
		// contracts log LOG2(keccak(data), from) with the call data as payload
		topics := []common.Hash{crypto.Keccak256Hash(tx.Data()), common.BytesToHash(from.Bytes())}
		rc.Events = append(rc.Events, upstream.Event{
			FromAddress: key,
			Keys:        translate.EncodeEventKeys(topics),
			Data:        translate.EncodeBytes(tx.Data()),
		})
	}
	return nil
}

// intrinsicGas charges 21000 plus 16 per data byte.
func intrinsicGas(tx *types.Transaction) uint64 {
	return 21000 + 16*uint64(len(tx.Data()))
}

func mustFelt(v *big.Int) felt.Felt {
	f, err := felt.FromBig(v)
	if err != nil {
		panic(fmt.Sprintf("fakestark: %v", err))
	}
	return f
}

func revertData(reason string) []byte {
	if reason == "" {
		return nil
	}
	// Error(string)
	sel := crypto.Keccak256([]byte("Error(string)"))[:4]
	body := make([]byte, 64+((len(reason)+31)/32)*32)
	body[31] = 0x20
	new(big.Int).SetUint64(uint64(len(reason))).FillBytes(body[32:64])
	copy(body[64:], reason)
	return append(sel, body...)
}

var (
	errBlockNotFound    = &upstream.RPCError{Code: upstream.CodeBlockNotFound, Message: "Block not found"}
	errContractNotFound = &upstream.RPCError{Code: upstream.CodeContractNotFound, Message: "Contract not found"}
	errEntrypoint       = &upstream.RPCError{Code: upstream.CodeContractError, Message: "Contract error", Data: []byte(`{"revert_error":"Entry point not found"}`)}
)

func validationFailure(msg string) error {
	return &upstream.RPCError{Code: upstream.CodeValidationFailure, Message: "Account validation failed", Data: []byte(fmt.Sprintf("%q", msg))}
}
