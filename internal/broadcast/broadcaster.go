package broadcast

import (
	"sync"

	"go.uber.org/zap"

	"github.com/turnwatch/turnwatch-server/internal/combatlog"
	"github.com/turnwatch/turnwatch-server/internal/metrics"
)

// Sink receives framed push messages for one subscriber. A Send error marks
// the sink as disconnected; it is unsubscribed, not treated as a failure of
// the combat. Implementations must be comparable (use a pointer receiver):
// the sink value identifies the subscription.
type Sink interface {
	Send(frame []byte) error
}

type message struct {
	seq   uint64
	frame []byte
}

type subscriber struct {
	sink      Sink
	ch        chan message
	done      chan struct{}
	closeOnce sync.Once
}

func (s *subscriber) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// enqueue adds a message to the subscriber queue, dropping the oldest pending
// message when the queue is full. Reports whether anything was dropped.
func (s *subscriber) enqueue(msg message) bool {
	dropped := false
	for {
		select {
		case s.ch <- msg:
			return dropped
		default:
			select {
			case <-s.ch:
				dropped = true
			default:
			}
		}
	}
}

// Broadcaster fans committed log entries out to all live subscribers of each
// combat. New subscribers receive a full journal replay before any live
// entry; entries arriving during replay are buffered on the subscriber queue
// and deduplicated by sequence number, so delivery never interleaves out of
// order.
type Broadcaster struct {
	journal   *combatlog.Journal
	queueSize int
	metrics   *metrics.Metrics
	logger    *zap.Logger

	mu   sync.RWMutex
	subs map[string]map[Sink]*subscriber
}

// New creates a broadcaster. queueSize bounds each subscriber's pending
// queue; metrics may be nil.
func New(journal *combatlog.Journal, queueSize int, m *metrics.Metrics, logger *zap.Logger) *Broadcaster {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Broadcaster{
		journal:   journal,
		queueSize: queueSize,
		metrics:   m,
		logger:    logger,
		subs:      make(map[string]map[Sink]*subscriber),
	}
}

// Subscribe registers the sink for a combat and starts its writer. The first
// messages sent are a full replay of the committed log in (round, turn,
// sequence) order; live entries follow without gaps or reordering.
func (b *Broadcaster) Subscribe(combatID string, sink Sink) {
	sub := &subscriber{
		sink: sink,
		ch:   make(chan message, b.queueSize),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	combatSubs, ok := b.subs[combatID]
	if !ok {
		combatSubs = make(map[Sink]*subscriber)
		b.subs[combatID] = combatSubs
	}
	replaced := false
	if old, exists := combatSubs[sink]; exists {
		old.close()
		replaced = true
	}
	combatSubs[sink] = sub
	b.mu.Unlock()

	// Replay is taken after registration: anything committed afterwards lands
	// on the queue, and overlap is dropped by the sequence check in run.
	replay := b.journal.Replay(combatID, 0)

	// A replaced sink is still one subscriber; the gauge moves only on a
	// genuinely new registration.
	if b.metrics != nil && !replaced {
		b.metrics.SubscribersActive.Inc()
	}
	if b.logger != nil {
		b.logger.Debug("subscriber attached",
			zap.String("combat_id", combatID),
			zap.Int("replay_entries", len(replay)),
		)
	}

	go b.run(combatID, sub, replay)
}

// Unsubscribe removes the sink. Safe to call for a sink that was never
// subscribed or is already gone.
func (b *Broadcaster) Unsubscribe(combatID string, sink Sink) {
	b.mu.Lock()
	combatSubs, ok := b.subs[combatID]
	if !ok {
		b.mu.Unlock()
		return
	}
	sub, exists := combatSubs[sink]
	if exists {
		delete(combatSubs, sink)
		if len(combatSubs) == 0 {
			delete(b.subs, combatID)
		}
	}
	b.mu.Unlock()

	if exists {
		sub.close()
		if b.metrics != nil {
			b.metrics.SubscribersActive.Dec()
		}
	}
}

// Publish sanitizes and frames the entry once, then enqueues it to every
// live subscriber of the combat. A SerializationError is returned to the
// caller; the durable log already holds the entry and is unaffected.
func (b *Broadcaster) Publish(combatID string, entry combatlog.Entry) error {
	frame, err := encodeEntry(entry)
	if err != nil {
		if b.metrics != nil {
			b.metrics.PublishFailures.Inc()
		}
		return err
	}

	b.mu.RLock()
	targets := make([]*subscriber, 0, len(b.subs[combatID]))
	for _, sub := range b.subs[combatID] {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		if sub.enqueue(message{seq: entry.Sequence, frame: frame}) {
			if b.metrics != nil {
				b.metrics.FramesDropped.Inc()
			}
			if b.logger != nil {
				b.logger.Warn("slow subscriber, dropped oldest frame",
					zap.String("combat_id", combatID),
				)
			}
		}
	}

	if b.metrics != nil {
		b.metrics.EntriesPublished.Inc()
	}
	return nil
}

// SubscriberCount returns the number of live subscribers for a combat.
func (b *Broadcaster) SubscriberCount(combatID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[combatID])
}

// CloseAll disconnects every subscriber, for server shutdown.
func (b *Broadcaster) CloseAll() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for combatID, combatSubs := range b.subs {
		for _, sub := range combatSubs {
			sub.close()
		}
		delete(b.subs, combatID)
	}
}

// run delivers the replay then drains the live queue, skipping sequences the
// replay already covered. A write error detaches the subscriber.
func (b *Broadcaster) run(combatID string, sub *subscriber, replay []combatlog.Entry) {
	var lastSent uint64

	for _, e := range replay {
		frame, err := encodeEntry(e)
		if err != nil {
			// One bad historical entry must not sever the stream.
			if b.logger != nil {
				b.logger.Warn("skipping non-serializable replay entry",
					zap.String("combat_id", combatID),
					zap.Uint64("sequence", e.Sequence),
					zap.Error(err),
				)
			}
			continue
		}
		if err := sub.sink.Send(frame); err != nil {
			b.Unsubscribe(combatID, sub.sink)
			return
		}
		lastSent = e.Sequence
	}

	for {
		select {
		case <-sub.done:
			return
		case msg := <-sub.ch:
			if msg.seq != 0 && msg.seq <= lastSent {
				continue
			}
			if err := sub.sink.Send(msg.frame); err != nil {
				b.Unsubscribe(combatID, sub.sink)
				return
			}
			if msg.seq != 0 {
				lastSent = msg.seq
			}
		}
	}
}
