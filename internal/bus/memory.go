// Package bus provides an in-process domain.SignalBus for deployments
// without Redis.
package bus

import (
	"context"
	"path"
	"sync"

	"github.com/alanyoungcy/swapdesk/internal/domain"
)

// subscriberBuffer matches the buffer of the Redis bus.
const subscriberBuffer = 128

type subscriber struct {
	pattern string
	ch      chan []byte
}

// Memory fans published payloads out to subscribers in the same process.
// Channels support the same glob patterns as Redis PSUBSCRIBE. A slow
// subscriber loses messages instead of blocking the publisher.
type Memory struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

// NewMemory creates an empty bus.
func NewMemory() *Memory {
	return &Memory{subs: make(map[*subscriber]struct{})}
}

// Publish delivers payload to every matching subscriber.
func (m *Memory) Publish(_ context.Context, channel string, payload []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for s := range m.subs {
		if ok, _ := path.Match(s.pattern, channel); !ok {
			continue
		}
		select {
		case s.ch <- payload:
		default:
		}
	}
	return nil
}

// Subscribe returns a channel of payloads published to channels matching
// pattern. The channel closes when ctx is done.
func (m *Memory) Subscribe(ctx context.Context, pattern string) (<-chan []byte, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, err
	}
	s := &subscriber{pattern: pattern, ch: make(chan []byte, subscriberBuffer)}
	m.mu.Lock()
	m.subs[s] = struct{}{}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.subs, s)
		close(s.ch)
		m.mu.Unlock()
	}()
	return s.ch, nil
}

var _ domain.SignalBus = (*Memory)(nil)
