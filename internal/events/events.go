// Package events implements the engine's fan-out event bus (spec §4.6).
// It is grounded in the broadcast-channel EventBus used by the
// rescale-labs example (internal/events), adapted to the tagged-union
// EngineEvent variants this spec defines and the lossy, bounded-capacity
// delivery contract spec §4.6 describes.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Kind discriminates an EngineEvent's payload. Values match the SSE
// "type" discriminator in spec §6.1.
type Kind string

const (
	KindTransferRequest  Kind = "transferRequest"
	KindProgress         Kind = "progress"
	KindTransferComplete Kind = "transferComplete"
	KindTransferFailed   Kind = "transferFailed"
	KindTransferRetry    Kind = "transferRetry"
	KindServerStarted    Kind = "serverStarted"
	KindServerStopped    Kind = "serverStopped"
	KindPortChanged      Kind = "portChanged"
)

// PendingTransfer mirrors state.PendingTransfer without importing the
// state package, keeping events a leaf dependency.
type PendingTransfer struct {
	TransferID string    `json:"transferId"`
	SenderName string    `json:"senderName,omitempty"`
	SourceIP   string    `json:"sourceIp"`
	TotalSize  int64     `json:"totalSize"`
	FileCount  int       `json:"fileCount"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// Progress describes an in-flight transfer's byte-level progress.
// BytesTransferred/TotalBytes are scoped to CurrentFile; Overall* cover
// the whole multi-file transfer.
type Progress struct {
	TransferID       string  `json:"transferId"`
	CurrentFile      string  `json:"currentFile"`
	BytesTransferred int64   `json:"bytesTransferred"`
	TotalBytes       int64   `json:"totalBytes"`
	OverallBytes     int64   `json:"overallBytesTransferred"`
	OverallTotal     int64   `json:"overallTotalBytes"`
	SpeedBytesPerSec float64 `json:"speedBps"`
}

// EngineEvent is the tagged-union payload delivered to every subscriber.
// At most one of the pointer fields is non-nil, selected by Kind:
// TransferRequest for KindTransferRequest, Progress for KindProgress.
type EngineEvent struct {
	Kind Kind      `json:"type"`
	Time time.Time `json:"time"`

	TransferRequest *PendingTransfer `json:"pending,omitempty"`
	Progress        *Progress        `json:"progress,omitempty"`

	TransferID string `json:"transferId,omitempty"`
	Error      string `json:"error,omitempty"`

	Attempt     int `json:"attempt,omitempty"`
	MaxAttempts int `json:"maxAttempts,omitempty"`

	Port    int `json:"port,omitempty"`
	OldPort int `json:"oldPort,omitempty"`
}

// DefaultCapacity is the minimum subscriber buffer size spec §4.6 requires.
const DefaultCapacity = 100

// subscriber pairs a receiver channel with its own drop counter, so
// concurrent Publish calls (one per in-flight HTTP request, per spec
// §5) never contend on a shared map write — only the atomic counter is
// touched outside of the subscribers-map lock.
type subscriber struct {
	ch      chan EngineEvent
	dropped atomic.Int64
}

// Bus is a broadcast channel of EngineEvent. Delivery is best-effort: a
// subscriber that falls behind has its oldest buffered event dropped so
// the publisher never blocks (spec §4.6's lossy-broadcast contract).
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]*subscriber
	nextID      int
	capacity    int
}

// NewBus creates an event bus with the given per-subscriber buffer
// capacity. A capacity below DefaultCapacity is raised to it.
func NewBus(capacity int) *Bus {
	if capacity < DefaultCapacity {
		capacity = DefaultCapacity
	}
	return &Bus{
		subscribers: make(map[int]*subscriber),
		capacity:    capacity,
	}
}

// Subscribe returns a new receiver channel and a cancel func to stop
// receiving and release its resources.
func (b *Bus) Subscribe() (<-chan EngineEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	sub := &subscriber{ch: make(chan EngineEvent, b.capacity)}
	b.subscribers[id] = sub

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subscribers[id]; ok {
			close(s.ch)
			delete(b.subscribers, id)
		}
	}
	return sub.ch, cancel
}

// Publish delivers event to every subscriber. If a subscriber's buffer
// is full, its oldest event is dropped to make room rather than
// blocking the publisher. Publish only takes the map's read lock since
// it never adds or removes subscribers, so concurrent Publish calls
// from different in-flight transfers never block each other.
func (b *Bus) Publish(event EngineEvent) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		ch := sub.ch
		select {
		case ch <- event:
		default:
			// Buffer full: drop the oldest queued event, then retry once.
			select {
			case <-ch:
				sub.dropped.Add(1)
			default:
			}
			select {
			case ch <- event:
			default:
				sub.dropped.Add(1)
			}
		}
	}
}

// DroppedCount returns how many events have been dropped across every
// subscriber, mainly for tests and diagnostics.
func (b *Bus) DroppedCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	total := int64(0)
	for _, sub := range b.subscribers {
		total += sub.dropped.Load()
	}
	return int(total)
}

// SubscriberCount reports how many live subscribers are attached.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
