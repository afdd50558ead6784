package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/enhancr/api/internal/model"
)

// Connection states of a Subscriber
type SubscriberState string

const (
	StateConnecting   SubscriberState = "CONNECTING"
	StateOpen         SubscriberState = "OPEN"
	StateReconnecting SubscriberState = "RECONNECTING"
	StateClosed       SubscriberState = "CLOSED"
)

// ErrStreamClosed signals a deliberate server-side close. The stream
// implementation returns it from ReadMessage; the subscriber stops
// without burning reconnect budget.
var ErrStreamClosed = errors.New("status stream closed")

// ErrObservationFailed is returned when the reconnect budget is spent.
// It means status observation stopped, nothing more: the jobs themselves
// keep running and their truth stays in the store.
var ErrObservationFailed = errors.New("status observation failed")

const maxReconnectAttempts = 5

// StreamConn is a minimal read-only status stream
type StreamConn interface {
	ReadMessage() ([]byte, error)
	Close() error
}

// DialFunc opens a status stream for a topic
type DialFunc func(ctx context.Context, topic string) (StreamConn, error)

// Subscriber consumes a topic's status stream and feeds each snapshot to
// a handler. It reconnects with exponential backoff on stream errors and
// gives up after a fixed attempt budget.
type Subscriber struct {
	topic   string
	dial    DialFunc
	handler func(model.JobStatusResponse)
	backoff time.Duration

	mu    sync.Mutex
	state SubscriberState
}

func NewSubscriber(topic string, dial DialFunc, handler func(model.JobStatusResponse)) *Subscriber {
	return &Subscriber{
		topic:   topic,
		dial:    dial,
		handler: handler,
		backoff: time.Second,
		state:   StateConnecting,
	}
}

// State returns the current connection state
func (s *Subscriber) State() SubscriberState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Subscriber) setState(state SubscriberState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Run consumes the stream until the context ends or the reconnect budget
// is spent. A successful read resets the attempt counter.
func (s *Subscriber) Run(ctx context.Context) error {
	attempts := 0
	delay := s.backoff

	for {
		s.setState(StateConnecting)
		conn, err := s.dial(ctx, s.topic)
		if err != nil {
			attempts++
			if attempts >= maxReconnectAttempts {
				s.setState(StateClosed)
				return ErrObservationFailed
			}
			s.setState(StateReconnecting)
			zap.L().Warn("Status stream dial failed, backing off",
				zap.String("topic", s.topic),
				zap.Int("attempt", attempts),
				zap.Error(err))
			select {
			case <-ctx.Done():
				s.setState(StateClosed)
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			continue
		}

		s.setState(StateOpen)
		readAny, err := s.consume(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			s.setState(StateClosed)
			return ctx.Err()
		}
		if errors.Is(err, ErrStreamClosed) {
			s.setState(StateClosed)
			return nil
		}
		if readAny {
			attempts = 0
			delay = s.backoff
		}

		attempts++
		if attempts >= maxReconnectAttempts {
			s.setState(StateClosed)
			return ErrObservationFailed
		}
		s.setState(StateReconnecting)
		select {
		case <-ctx.Done():
			s.setState(StateClosed)
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}

func (s *Subscriber) consume(ctx context.Context, conn StreamConn) (bool, error) {
	readAny := false
	for {
		if ctx.Err() != nil {
			return readAny, ctx.Err()
		}
		data, err := conn.ReadMessage()
		if err != nil {
			return readAny, err
		}
		readAny = true

		var msg model.WSStatusMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type != model.WSMessageTypeStatus {
			continue
		}
		s.handler(msg.Snapshot)
	}
}

// BatchTracker folds a stream of per-job status snapshots into live batch
// counts. Each job latches at its first observed terminal state, so
// redundant or out-of-order snapshots never double-count, and the
// all-done callback fires exactly once.
type BatchTracker struct {
	mu       sync.Mutex
	total    int
	terminal map[string]model.JobStatus

	processing map[string]bool
	completed  int
	failed     int

	fired  bool
	onDone func()
}

// NewBatchTracker tracks a batch of total jobs and calls onDone once when
// every job has reached a terminal state. onDone may be nil.
func NewBatchTracker(total int, onDone func()) *BatchTracker {
	return &BatchTracker{
		total:      total,
		terminal:   make(map[string]model.JobStatus, total),
		processing: make(map[string]bool, total),
		onDone:     onDone,
	}
}

// Observe folds one snapshot into the batch state.
func (t *BatchTracker) Observe(snap model.JobStatusResponse) {
	t.mu.Lock()

	if _, done := t.terminal[snap.JobID]; done {
		t.mu.Unlock()
		return
	}

	switch {
	case snap.Status == model.JobStatusProcessing:
		t.processing[snap.JobID] = true
		t.mu.Unlock()
		return
	case snap.Status.Terminal():
		t.terminal[snap.JobID] = snap.Status
		delete(t.processing, snap.JobID)
		if snap.Status == model.JobStatusCompleted {
			t.completed++
		} else {
			t.failed++
		}
	default:
		t.mu.Unlock()
		return
	}

	fire := false
	if len(t.terminal) == t.total && !t.fired {
		t.fired = true
		fire = true
	}
	t.mu.Unlock()

	if fire && t.onDone != nil {
		t.onDone()
	}
}

// Counts returns the live aggregate: in-flight, completed and failed.
func (t *BatchTracker) Counts() (processing, completed, failed int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.processing), t.completed, t.failed
}

// Done reports whether every tracked job is terminal.
func (t *BatchTracker) Done() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.terminal) == t.total
}
