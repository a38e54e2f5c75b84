package filters

import (
	"bytes"
	"encoding/json"
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/ftupas/kakarot-rpc/internal/chain"
)

const maxTopics = 4

// Criteria selects logs by block range or block hash, emitting address and
// topic pattern. A nil topic slot matches anything.
type Criteria struct {
	FromBlock *chain.BlockRef
	ToBlock   *chain.BlockRef
	BlockHash *common.Hash
	Addresses []common.Address
	Topics    [][]common.Hash
}

type criteriaJSON struct {
	FromBlock *chain.BlockRef   `json:"fromBlock"`
	ToBlock   *chain.BlockRef   `json:"toBlock"`
	BlockHash *common.Hash      `json:"blockHash"`
	Address   json.RawMessage   `json:"address"`
	Topics    []json.RawMessage `json:"topics"`
}

// UnmarshalJSON accepts the eth_newFilter / eth_getLogs object. "address" is
// a single address or a list; each topic slot is null, a hash or a list of
// hashes.
func (c *Criteria) UnmarshalJSON(data []byte) error {
	var raw criteriaJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.BlockHash != nil && (raw.FromBlock != nil || raw.ToBlock != nil) {
		return fmt.Errorf("%w: blockHash excludes fromBlock and toBlock", ErrInvalidCriteria)
	}
	out := Criteria{FromBlock: raw.FromBlock, ToBlock: raw.ToBlock, BlockHash: raw.BlockHash}

	if a := bytes.TrimSpace(raw.Address); len(a) > 0 && !bytes.Equal(a, []byte("null")) {
		if a[0] == '[' {
			if err := json.Unmarshal(a, &out.Addresses); err != nil {
				return fmt.Errorf("%w: address: %v", ErrInvalidCriteria, err)
			}
		} else {
			var one common.Address
			if err := json.Unmarshal(a, &one); err != nil {
				return fmt.Errorf("%w: address: %v", ErrInvalidCriteria, err)
			}
			out.Addresses = []common.Address{one}
		}
	}

	if len(raw.Topics) > maxTopics {
		return fmt.Errorf("%w: %d topic slots", ErrInvalidCriteria, len(raw.Topics))
	}
	for i, slot := range raw.Topics {
		hashes, err := decodeSlot(slot)
		if err != nil {
			return fmt.Errorf("%w: topic %d: %v", ErrInvalidCriteria, i, err)
		}
		out.Topics = append(out.Topics, hashes)
	}
	*c = out
	return nil
}

func decodeSlot(slot json.RawMessage) ([]common.Hash, error) {
	slot = bytes.TrimSpace(slot)
	if len(slot) == 0 || bytes.Equal(slot, []byte("null")) {
		return nil, nil
	}
	if slot[0] != '[' {
		var h common.Hash
		if err := json.Unmarshal(slot, &h); err != nil {
			return nil, err
		}
		return []common.Hash{h}, nil
	}
	var alts []*common.Hash
	if err := json.Unmarshal(slot, &alts); err != nil {
		return nil, err
	}
	out := make([]common.Hash, 0, len(alts))
	for _, h := range alts {
		// a null alternative widens the slot to anything
		if h == nil {
			return nil, nil
		}
		out = append(out, *h)
	}
	return out, nil
}

// Matcher tests logs against the address and topic part of Criteria.
type Matcher struct {
	addresses mapset.Set[common.Address]
	topics    []mapset.Set[common.Hash]
}

func NewMatcher(c Criteria) *Matcher {
	m := &Matcher{}
	if len(c.Addresses) > 0 {
		m.addresses = mapset.NewThreadUnsafeSet(c.Addresses...)
	}
	for _, slot := range c.Topics {
		if len(slot) == 0 {
			m.topics = append(m.topics, nil)
			continue
		}
		m.topics = append(m.topics, mapset.NewThreadUnsafeSet(slot...))
	}
	return m
}

// Match reports whether l satisfies the criteria. A constrained slot past
// the end of the log's topics never matches.
func (m *Matcher) Match(l *types.Log) bool {
	if m.addresses != nil && !m.addresses.Contains(l.Address) {
		return false
	}
	for i, alts := range m.topics {
		if alts == nil {
			continue
		}
		if i >= len(l.Topics) || !alts.Contains(l.Topics[i]) {
			return false
		}
	}
	return true
}

// Filter returns the logs in ls that match, preserving order.
func (m *Matcher) Filter(ls []*types.Log) []*types.Log {
	var out []*types.Log
	for _, l := range ls {
		if m.Match(l) {
			out = append(out, l)
		}
	}
	return out
}
