package upstream

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/ftupas/kakarot-rpc/internal/felt"
)

const (
	tagLatest  = "latest"
	tagPending = "pending"

	StatusAcceptedOnL2 = "ACCEPTED_ON_L2"
	StatusAcceptedOnL1 = "ACCEPTED_ON_L1"
	StatusPending      = "PENDING"

	ExecutionSucceeded = "SUCCEEDED"
	ExecutionReverted  = "REVERTED"

	TxTypeInvoke = "INVOKE"
)

// BlockID selects a backend block by tag, number or hash.
type BlockID struct {
	tag    string
	number *uint64
	hash   *felt.Felt
}

func Latest() BlockID  { return BlockID{tag: tagLatest} }
func Pending() BlockID { return BlockID{tag: tagPending} }

func ByNumber(n uint64) BlockID { return BlockID{number: &n} }

func ByHash(h felt.Felt) BlockID { return BlockID{hash: &h} }

func (b BlockID) Number() (uint64, bool) {
	if b.number == nil {
		return 0, false
	}
	return *b.number, true
}

func (b BlockID) Hash() (felt.Felt, bool) {
	if b.hash == nil {
		return felt.Zero, false
	}
	return *b.hash, true
}

func (b BlockID) String() string {
	switch {
	case b.number != nil:
		return fmt.Sprintf("#%d", *b.number)
	case b.hash != nil:
		return b.hash.Hex()
	case b.tag != "":
		return b.tag
	default:
		return tagLatest
	}
}

func (b BlockID) MarshalJSON() ([]byte, error) {
	switch {
	case b.number != nil:
		return json.Marshal(map[string]uint64{"block_number": *b.number})
	case b.hash != nil:
		return json.Marshal(map[string]felt.Felt{"block_hash": *b.hash})
	case b.tag != "":
		return json.Marshal(b.tag)
	default:
		return json.Marshal(tagLatest)
	}
}

type ResourcePrice struct {
	PriceInWei felt.Felt `json:"price_in_wei"`
	PriceInFri felt.Felt `json:"price_in_fri"`
}

// Block is a backend block with full transactions.
type Block struct {
	Status           string        `json:"status"`
	BlockHash        felt.Felt     `json:"block_hash"`
	ParentHash       felt.Felt     `json:"parent_hash"`
	BlockNumber      uint64        `json:"block_number"`
	NewRoot          felt.Felt     `json:"new_root"`
	Timestamp        uint64        `json:"timestamp"`
	SequencerAddress felt.Felt     `json:"sequencer_address"`
	L1GasPrice       ResourcePrice `json:"l1_gas_price"`
	Transactions     []Transaction `json:"transactions"`
}

// Accepted reports whether the block is final enough to cache.
func (b *Block) Accepted() bool {
	return b.Status == StatusAcceptedOnL2 || b.Status == StatusAcceptedOnL1
}

type Transaction struct {
	Hash          felt.Felt   `json:"transaction_hash"`
	Type          string      `json:"type"`
	Version       string      `json:"version,omitempty"`
	SenderAddress felt.Felt   `json:"sender_address"`
	Calldata      []felt.Felt `json:"calldata"`
	Signature     []felt.Felt `json:"signature"`
	Nonce         felt.Felt   `json:"nonce"`
	MaxFee        felt.Felt   `json:"max_fee"`
}

// FeePayment accepts both the object form ({"amount","unit"}) and the older
// bare-felt form of actual_fee.
type FeePayment struct {
	Amount felt.Felt `json:"amount"`
	Unit   string    `json:"unit,omitempty"`
}

func (f *FeePayment) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		f.Unit = "WEI"
		return json.Unmarshal(b, &f.Amount)
	}
	type plain FeePayment
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*f = FeePayment(p)
	return nil
}

type Event struct {
	FromAddress felt.Felt   `json:"from_address"`
	Keys        []felt.Felt `json:"keys"`
	Data        []felt.Felt `json:"data"`
}

type Receipt struct {
	Hash            felt.Felt  `json:"transaction_hash"`
	Type            string     `json:"type"`
	ActualFee       FeePayment `json:"actual_fee"`
	ExecutionStatus string     `json:"execution_status"`
	FinalityStatus  string     `json:"finality_status"`
	BlockHash       *felt.Felt `json:"block_hash,omitempty"`
	BlockNumber     *uint64    `json:"block_number,omitempty"`
	RevertReason    string     `json:"revert_reason,omitempty"`
	Events          []Event    `json:"events"`
}

func (r *Receipt) Succeeded() bool { return r.ExecutionStatus != ExecutionReverted }

// FunctionCall is the argument to starknet_call.
type FunctionCall struct {
	ContractAddress    felt.Felt   `json:"contract_address"`
	EntryPointSelector felt.Felt   `json:"entry_point_selector"`
	Calldata           []felt.Felt `json:"calldata"`
}

// InvokeTxn is a version 1 invoke transaction as accepted by
// starknet_addInvokeTransaction.
type InvokeTxn struct {
	Type          string      `json:"type"`
	SenderAddress felt.Felt   `json:"sender_address"`
	Calldata      []felt.Felt `json:"calldata"`
	MaxFee        felt.Felt   `json:"max_fee"`
	Version       string      `json:"version"`
	Signature     []felt.Felt `json:"signature"`
	Nonce         felt.Felt   `json:"nonce"`
}
