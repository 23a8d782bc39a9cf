// Package queue implements the message queue (C7): a bounded priority
// heap with TTL, batching and rate-limited cooperative processors,
// private to a single owning session. The heap mechanics are stdlib
// container/heap — no third-party priority-heap library was found
// across the example pack (see DESIGN.md) — wrapped in an API shaped
// like the teacher's pulse/async.Queue (Subscribe/Stats idiom).
package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/prats-2311/story-sign-sub001/internal/apperrors"
	"github.com/prats-2311/story-sign-sub001/internal/logging"
)

// Priority orders messages; higher values dequeue first.
type Priority int

const (
	Low Priority = iota
	Normal
	High
	Critical
)

// Handler processes a dequeued message's content. Returning an error
// triggers the retry-then-fail policy in spec §4.2.
type Handler func(ctx context.Context, content interface{}) error

// Message is a queued unit of work.
type Message struct {
	ID              string
	Content         interface{}
	Priority        Priority
	CreatedAt       time.Time
	ExpiresAt       time.Time // zero means no TTL
	RetriesRemaining int
}

func (m *Message) expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && now.After(m.ExpiresAt)
}

// item is the heap element: ordered by (-priority, created_at) so that
// higher priority dequeues first, FIFO within a priority.
type item struct {
	msg   *Message
	index int
}

type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].msg.Priority != h[j].msg.Priority {
		return h[i].msg.Priority > h[j].msg.Priority
	}
	return h[i].msg.CreatedAt.Before(h[j].msg.CreatedAt)
}
func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *itemHeap) Push(x interface{}) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Stats carries the counters spec §4.2 requires: queued/processed/
// failed/expired totals, a rolling average processing time, and a
// rolling throughput (messages/sec) over a genuine 60s window — not a
// lifetime-counter difference mislabeled as one (see DESIGN.md open
// question decisions).
type Stats struct {
	Queued    int64
	Processed int64
	Failed    int64
	Expired   int64

	AvgProcessingMS float64
	ThroughputPerSec float64
}

const (
	procWindowSamples = 100
	throughputWindowSeconds = 60
)

// Config parameterizes a Queue per spec §4.2.
type Config struct {
	MaxSize         int
	BatchSize       int
	BatchTimeout    time.Duration
	ProcessorCount  int
	MaxRetries      int
	ProcessRate     rate.Limit // global semaphore bounding concurrent processing
	ProcessBurst    int
}

func DefaultConfig() Config {
	return Config{
		MaxSize:        100,
		BatchSize:      10,
		BatchTimeout:   10 * time.Millisecond,
		ProcessorCount: 2,
		MaxRetries:     3,
		ProcessRate:    50,
		ProcessBurst:   10,
	}
}

// Queue is a bounded, per-session priority queue with TTL and batching.
// Not safe for use across sessions — each session owns exactly one.
type Queue struct {
	cfg Config

	mu   sync.Mutex
	heap itemHeap
	byID map[string]*item

	handlers []Handler
	limiter  *rate.Limiter

	procTimesMS []float64
	throughput  []int64 // per-second buckets, ring of throughputWindowSeconds
	throughputHead time.Time

	stats Stats

	notify chan struct{}

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates a Queue with the given config. Call Start to launch
// processor workers, RegisterHandler before Start to wire consumers.
func New(cfg Config) *Queue {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultConfig().MaxSize
	}
	if cfg.ProcessorCount <= 0 {
		cfg.ProcessorCount = 1
	}
	q := &Queue{
		cfg:    cfg,
		byID:   make(map[string]*item),
		notify: make(chan struct{}, 1),
	}
	heap.Init(&q.heap)
	if cfg.ProcessRate > 0 {
		q.limiter = rate.NewLimiter(cfg.ProcessRate, maxInt(1, cfg.ProcessBurst))
	}
	return q
}

// RegisterHandler adds a consumer invoked for every dequeued message.
func (q *Queue) RegisterHandler(h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers = append(q.handlers, h)
}

// Enqueue adds msg with the given priority and optional TTL (zero means
// no expiry), returning its id. Fails with CodeCapacity if the queue is
// full and no expired entries can be reclaimed.
func (q *Queue) Enqueue(content interface{}, priority Priority, ttl time.Duration) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	if len(q.heap) >= q.cfg.MaxSize {
		q.sweepExpiredLocked(now)
		if len(q.heap) >= q.cfg.MaxSize {
			return "", apperrors.WithCode(apperrors.New("queue full"), apperrors.CodeCapacity)
		}
	}

	msg := &Message{
		ID:               uuid.NewString(),
		Content:          content,
		Priority:         priority,
		CreatedAt:        now,
		RetriesRemaining: q.cfg.MaxRetries,
	}
	if ttl > 0 {
		msg.ExpiresAt = now.Add(ttl)
	}

	it := &item{msg: msg}
	heap.Push(&q.heap, it)
	q.byID[msg.ID] = it
	q.stats.Queued++

	select {
	case q.notify <- struct{}{}:
	default:
	}

	return msg.ID, nil
}

func (q *Queue) sweepExpiredLocked(now time.Time) {
	kept := q.heap[:0]
	for _, it := range q.heap {
		if it.msg.expired(now) {
			delete(q.byID, it.msg.ID)
			q.stats.Expired++
			continue
		}
		kept = append(kept, it)
	}
	q.heap = kept
	heap.Init(&q.heap)
}

// Dequeue returns the highest-priority non-expired message, blocking up
// to timeout, or (nil, false) on timeout.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Message, bool) {
	deadline := time.Now().Add(timeout)
	for {
		if msg, ok := q.tryDequeue(); ok {
			return msg, true
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, false
		}
		select {
		case <-ctx.Done():
			return nil, false
		case <-q.notify:
		case <-time.After(remaining):
		}
	}
}

func (q *Queue) tryDequeue() (*Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	for len(q.heap) > 0 {
		it := heap.Pop(&q.heap).(*item)
		delete(q.byID, it.msg.ID)
		if it.msg.expired(now) {
			q.stats.Expired++
			continue
		}
		return it.msg, true
	}
	return nil, false
}

// Len reports the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Snapshot returns a copy of the current Stats.
func (q *Queue) Snapshot() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

func (q *Queue) recordProcessed(elapsed time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stats.Processed++
	q.bumpThroughputLocked()

	ms := float64(elapsed.Microseconds()) / 1000.0
	q.procTimesMS = append(q.procTimesMS, ms)
	if len(q.procTimesMS) > procWindowSamples {
		q.procTimesMS = q.procTimesMS[len(q.procTimesMS)-procWindowSamples:]
	}
	sum := 0.0
	for _, v := range q.procTimesMS {
		sum += v
	}
	q.stats.AvgProcessingMS = sum / float64(len(q.procTimesMS))
}

func (q *Queue) recordFailed() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stats.Failed++
}

func (q *Queue) bumpThroughputLocked() {
	now := time.Now()
	sec := now.Truncate(time.Second)
	if q.throughputHead.IsZero() {
		q.throughputHead = sec
		q.throughput = []int64{1}
		return
	}
	gap := int(sec.Sub(q.throughputHead).Seconds())
	if gap <= 0 {
		q.throughput[len(q.throughput)-1]++
	} else {
		for i := 0; i < gap-1 && len(q.throughput) < throughputWindowSeconds; i++ {
			q.throughput = append(q.throughput, 0)
		}
		q.throughput = append(q.throughput, 1)
		q.throughputHead = sec
	}
	if len(q.throughput) > throughputWindowSeconds {
		q.throughput = q.throughput[len(q.throughput)-throughputWindowSeconds:]
	}

	var total int64
	for _, v := range q.throughput {
		total += v
	}
	q.stats.ThroughputPerSec = float64(total) / float64(len(q.throughput))
}

// Start launches cfg.ProcessorCount cooperative processor workers that
// dequeue, rate-limit, batch and invoke all registered handlers. This is
// distinct from (and composes with) internal/session's egress batching:
// this queue batches inbound messages before they reach a handler, per
// spec §4.2; the egress worker separately batches outbound messages on
// their way to the client.
func (q *Queue) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	for i := 0; i < q.cfg.ProcessorCount; i++ {
		q.wg.Add(1)
		go q.processorLoop(ctx, i)
	}
}

func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
}

func (q *Queue) processorLoop(ctx context.Context, id int) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		batch := q.collectBatch(ctx)
		if len(batch) == 0 {
			continue
		}

		if q.limiter != nil {
			if err := q.limiter.Wait(ctx); err != nil {
				return
			}
		}

		start := time.Now()
		if err := q.dispatchBatch(ctx, batch); err != nil {
			for _, msg := range batch {
				q.handleFailure(msg, err, id)
			}
			continue
		}
		elapsed := time.Since(start)
		for range batch {
			q.recordProcessed(elapsed)
		}
	}
}

// collectBatch gathers up to cfg.BatchSize messages, waiting at most
// cfg.BatchTimeout past the first arrival, per spec §4.2's batching
// rule. A Critical message is never batched: if it is the first message
// dequeued, it is returned alone immediately; if one arrives while a
// batch of lower-priority messages is being collected, it is pushed
// back to the front of the queue (to be picked up, alone, by the next
// iteration) and the in-progress batch is flushed as-is.
func (q *Queue) collectBatch(ctx context.Context) []*Message {
	first, ok := q.Dequeue(ctx, 500*time.Millisecond)
	if !ok {
		return nil
	}
	if q.cfg.BatchSize <= 1 || first.Priority == Critical {
		return []*Message{first}
	}

	batch := []*Message{first}
	batchTimeout := q.cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 10 * time.Millisecond
	}
	deadline := time.Now().Add(batchTimeout)

	for len(batch) < q.cfg.BatchSize {
		if msg, ok := q.tryDequeue(); ok {
			if msg.Priority == Critical {
				q.push(msg)
				break
			}
			batch = append(batch, msg)
			continue
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		select {
		case <-ctx.Done():
			return batch
		case <-q.notify:
		case <-time.After(remaining):
			return batch
		}
	}
	return batch
}

// dispatchBatch invokes every registered handler once per batch. A
// single-message batch passes its Content through unwrapped; a
// multi-message batch is flattened into a []interface{} of its
// members' Content, the synthetic batch message spec §4.2 describes.
func (q *Queue) dispatchBatch(ctx context.Context, batch []*Message) error {
	q.mu.Lock()
	handlers := append([]Handler(nil), q.handlers...)
	q.mu.Unlock()

	var content interface{}
	if len(batch) == 1 {
		content = batch[0].Content
	} else {
		contents := make([]interface{}, len(batch))
		for i, msg := range batch {
			contents[i] = msg.Content
		}
		content = contents
	}

	for _, h := range handlers {
		if err := h(ctx, content); err != nil {
			return err
		}
	}
	return nil
}

// push re-enqueues msg, preserving its existing id and retry count.
// Used both for failed-handler retries and to put a Critical message
// back in front after it interrupts an in-progress batch collection.
func (q *Queue) push(msg *Message) {
	q.mu.Lock()
	it := &item{msg: msg}
	heap.Push(&q.heap, it)
	q.byID[msg.ID] = it
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue) handleFailure(msg *Message, err error, workerID int) {
	msg.RetriesRemaining--
	if msg.RetriesRemaining > 0 {
		q.push(msg)
		logging.Debugw("queue message re-enqueued after handler error",
			"message_id", msg.ID, "worker", workerID, "retries_remaining", msg.RetriesRemaining, "error", err)
		return
	}
	q.recordFailed()
	logging.Warnw("queue message failed permanently", "message_id", msg.ID, "worker", workerID, "error", err)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
