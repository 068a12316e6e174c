package bus

import (
	"context"
	"sync"

	"pkt.systems/pslog"
)

const defaultDepth = 256

// Memory is an in-process PubSub for single-binary deployments and tests.
// Delivery is per-subscriber buffered; a slow subscriber drops messages
// rather than blocking publishers.
type Memory struct {
	mu    sync.Mutex
	subs  map[string]map[chan []byte]struct{}
	log   pslog.Logger
	depth int
}

// NewMemory constructs an in-process bus.
func NewMemory(logger pslog.Logger) *Memory {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Memory{
		subs:  make(map[string]map[chan []byte]struct{}),
		log:   logger,
		depth: defaultDepth,
	}
}

// Publish delivers payload to all current subscribers of channel. Sends are
// non-blocking, so they happen under the lock; a cancelled subscriber can
// never be sent to after its channel closes.
func (m *Memory) Publish(ctx context.Context, channel string, payload []byte) error {
	if m == nil {
		return nil
	}
	dropped := 0
	m.mu.Lock()
	for sub := range m.subs[channel] {
		select {
		case sub <- payload:
		default:
			dropped++
		}
	}
	m.mu.Unlock()
	if dropped > 0 {
		m.log.With("channel", channel).Trace("bus dropped", "count", dropped)
	}
	return nil
}

// Subscribe registers a subscriber and returns its delivery channel plus a
// cancel func. Cancel is idempotent per subscription.
func (m *Memory) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	ch := make(chan []byte, m.depth)
	m.mu.Lock()
	chanSubs := m.subs[channel]
	if chanSubs == nil {
		chanSubs = make(map[chan []byte]struct{})
		m.subs[channel] = chanSubs
	}
	chanSubs[ch] = struct{}{}
	count := len(chanSubs)
	m.mu.Unlock()
	m.log.With("channel", channel).Debug("bus subscribe", "subs", count)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			if subs := m.subs[channel]; subs != nil {
				delete(subs, ch)
				if len(subs) == 0 {
					delete(m.subs, channel)
				}
			}
			// Closed under the lock so Publish cannot hold a reference to a
			// closed channel.
			close(ch)
			m.mu.Unlock()
			m.log.With("channel", channel).Debug("bus unsubscribe")
		})
	}
	return ch, cancel, nil
}
