package translate

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"

	"github.com/ftupas/kakarot-rpc/internal/felt"
	"github.com/ftupas/kakarot-rpc/internal/upstream"
)

// ErrNotEVMEvent marks backend events that were not emitted by an EVM LOG opcode.
var ErrNotEVMEvent = errors.New("not an evm event")

const maxTopics = 4

// EncodeTopic splits a topic into the (low, high) key pair used by zkEVM events.
func EncodeTopic(h common.Hash) (low, high felt.Felt) {
	return EncodeUint256(new(uint256.Int).SetBytes32(h.Bytes()))
}

// EncodeEventKeys is the inverse of the topic part of DecodeEvent.
func EncodeEventKeys(topics []common.Hash) []felt.Felt {
	keys := make([]felt.Felt, 0, 2*len(topics))
	for _, t := range topics {
		lo, hi := EncodeTopic(t)
		keys = append(keys, lo, hi)
	}
	return keys
}

// DecodeEvent turns a zkEVM event into a log. Keys hold topics as (low, high)
// pairs and data holds one byte per felt. Only address, topics and data are
// filled; block and transaction linkage is the caller's job.
func (t *Translator) DecodeEvent(ctx context.Context, ev upstream.Event) (*types.Log, error) {
	if len(ev.Keys)%2 != 0 || len(ev.Keys) > 2*maxTopics {
		return nil, fmt.Errorf("%w: %d keys", ErrNotEVMEvent, len(ev.Keys))
	}
	topics := make([]common.Hash, 0, len(ev.Keys)/2)
	for i := 0; i < len(ev.Keys); i += 2 {
		v, err := DecodeUint256(ev.Keys[i], ev.Keys[i+1])
		if err != nil {
			return nil, fmt.Errorf("%w: topic %d: %v", ErrNotEVMEvent, i/2, err)
		}
		topics = append(topics, common.Hash(v.Bytes32()))
	}
	data, err := DecodeBytes(ev.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotEVMEvent, err)
	}
	addr, err := t.ToEthereum(ctx, ev.FromAddress)
	if err != nil {
		return nil, err
	}
	return &types.Log{Address: addr, Topics: topics, Data: data}, nil
}
