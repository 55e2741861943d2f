package mqtt

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"merosslink/pkg/clock"
)

// Priority orders queued publishes. Commands outrank state announcements,
// which outrank polling queries.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow

	priorityLevels
)

// Publisher is the transport surface the queue drains into.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
	IsConnected() bool
}

type queued struct {
	priority Priority
	topic    string
	payload  []byte
}

// SendQueue spaces publishes at a fixed interval so a shared (or vendor
// rate-limited) broker is not flooded by a burst of polls. The first publish
// of an idle queue goes out immediately; while draining, the highest
// priority pending item is sent each interval.
type SendQueue struct {
	pub      Publisher
	clock    clock.Clock
	interval time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	pending [priorityLevels][]queued
	timer   clock.Timer
	busy    bool
	stopped bool
}

// NewSendQueue builds a queue over pub. interval <= 0 disables pacing and
// every publish goes out inline.
func NewSendQueue(pub Publisher, cl clock.Clock, interval time.Duration, logger *zap.Logger) *SendQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cl == nil {
		cl = clock.New()
	}
	return &SendQueue{
		pub:      pub,
		clock:    cl,
		interval: interval,
		logger:   logger,
	}
}

// Enqueue submits a publish. An idle queue sends inline and reports the
// publish error; a draining queue buffers and returns nil (the eventual
// failure is logged).
func (q *SendQueue) Enqueue(priority Priority, topic string, payload []byte) error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil
	}
	if q.interval <= 0 {
		q.mu.Unlock()
		return q.pub.Publish(topic, 0, false, payload)
	}
	if q.busy {
		q.pending[priority] = append(q.pending[priority], queued{priority, topic, payload})
		q.mu.Unlock()
		return nil
	}
	q.busy = true
	if q.timer == nil {
		q.timer = q.clock.AfterFunc(q.interval, q.drain)
	} else {
		q.timer.Reset(q.interval)
	}
	q.mu.Unlock()
	return q.pub.Publish(topic, 0, false, payload)
}

// Len reports the number of buffered publishes.
func (q *SendQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, level := range q.pending {
		n += len(level)
	}
	return n
}

// Stop drops buffered publishes and cancels the pacing timer.
func (q *SendQueue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stopped = true
	if q.timer != nil {
		q.timer.Stop()
	}
	for i := range q.pending {
		q.pending[i] = nil
	}
}

func (q *SendQueue) drain() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	var item queued
	found := false
	for i := range q.pending {
		if len(q.pending[i]) > 0 {
			item = q.pending[i][0]
			q.pending[i] = q.pending[i][1:]
			found = true
			break
		}
	}
	if !found {
		q.busy = false
		q.mu.Unlock()
		return
	}
	q.timer.Reset(q.interval)
	q.mu.Unlock()

	if err := q.pub.Publish(item.topic, 0, false, item.payload); err != nil {
		q.logger.Warn("queued publish failed",
			zap.String("topic", item.topic),
			zap.Error(err))
	}
}
