package rpc

import (
	"context"
	"encoding/hex"
	"sync"

	"github.com/google/uuid"

	"github.com/ftupas/kakarot-rpc/internal/chain"
	"github.com/ftupas/kakarot-rpc/internal/filters"
	"github.com/ftupas/kakarot-rpc/internal/logging"
)

const (
	subNewHeads = "newHeads"
	subLogs     = "logs"
)

// subscriber is the connection-side half of eth_subscribe. Handlers find it
// in the request context; plain HTTP requests have none.
type subscriber interface {
	subscribe(kind string, c filters.Criteria) (string, error)
	unsubscribe(id string) bool
}

type subscriberKey struct{}

func withSubscriber(ctx context.Context, s subscriber) context.Context {
	return context.WithValue(ctx, subscriberKey{}, s)
}

func subscriberFrom(ctx context.Context) (subscriber, bool) {
	s, ok := ctx.Value(subscriberKey{}).(subscriber)
	return s, ok
}

type subscription struct {
	id      string
	kind    string
	matcher *filters.Matcher
	send    func(msg []byte) bool
}

// Hub fans new blocks out to eth_subscribe subscribers.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]*subscription
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]*subscription)}
}

func (h *Hub) add(kind string, c filters.Criteria, send func([]byte) bool) (string, error) {
	switch kind {
	case subNewHeads, subLogs:
	default:
		return "", invalidParams("unsupported subscription %q", kind)
	}
	u := uuid.New()
	s := &subscription{
		id:      "0x" + hex.EncodeToString(u[:]),
		kind:    kind,
		matcher: filters.NewMatcher(c),
		send:    send,
	}
	h.mu.Lock()
	h.subs[s.id] = s
	h.mu.Unlock()
	return s.id, nil
}

func (h *Hub) remove(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[id]; !ok {
		return false
	}
	delete(h.subs, id)
	return true
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

type subscriptionResult struct {
	Subscription string `json:"subscription"`
	Result       any    `json:"result"`
}

func notify(id string, result any) ([]byte, error) {
	return jsonc.Marshal(&notification{
		JSONRPC: version,
		Method:  "eth_subscription",
		Params:  subscriptionResult{Subscription: id, Result: result},
	})
}

// Publish delivers b to every subscription: its header to newHeads
// subscribers and each matching log to logs subscribers.
func (h *Hub) Publish(b *chain.Block) {
	h.mu.RLock()
	subs := make([]*subscription, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.RUnlock()
	if len(subs) == 0 {
		return
	}

	header := marshalHeader(b)
	logs := b.Logs()
	for _, s := range subs {
		switch s.kind {
		case subNewHeads:
			h.deliver(s, header)
		case subLogs:
			for _, l := range logs {
				if s.matcher.Match(l) {
					h.deliver(s, l)
				}
			}
		}
	}
}

func (h *Hub) deliver(s *subscription, result any) {
	msg, err := notify(s.id, result)
	if err != nil {
		logging.Logger().Error("notification_encode_failed", "component", "rpc", "subscription", s.id, "err", err)
		return
	}
	if !s.send(msg) {
		logging.Logger().Warn("notification_dropped", "component", "rpc", "subscription", s.id)
	}
}
