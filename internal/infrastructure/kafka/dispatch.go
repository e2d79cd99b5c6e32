package kafka

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/ikanisa/easymo-sub022/internal/retry"
)

const (
	fetchErrDelay = 1 * time.Second

	defaultRedeliveryBase = 500 * time.Millisecond
	defaultRedeliveryMax  = 30 * time.Second

	// backlogWarn is the lane depth at which a stuck partition gets reported.
	backlogWarn = 1000
)

// Fetcher is the read side of a consumer group member.
type Fetcher interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
}

// HandleFunc handles one message. A nil error means the message was acknowledged;
// an error means it was not, and it is handed to the handler again.
type HandleFunc func(ctx context.Context, msg kafka.Message) error

type DispatchOption func(*dispatcher)

// WithRedeliveryBackoff sets the delay between redeliveries of an unacknowledged
// message. It doubles from base and stops growing at maxDelay.
func WithRedeliveryBackoff(base, maxDelay time.Duration) DispatchOption {
	return func(d *dispatcher) {
		d.redeliveryBase = base
		d.redeliveryMax = maxDelay
	}
}

type laneKey struct {
	topic     string
	partition int
}

type dispatcher struct {
	handle         HandleFunc
	logger         *slog.Logger
	redeliveryBase time.Duration
	redeliveryMax  time.Duration
}

// Dispatch fetches until ctx is done and hands each message to a goroutine owned
// by its topic partition. Messages of one partition are handled in order, one at a time;
// partitions progress independently, and a partition whose handler hangs only grows
// its own backlog.
//
// A message whose handler returns an error is redelivered in place with backoff and
// the partition does not move past it, so no later offset of that partition is
// committed ahead of it.
//
// On shutdown no new messages are fetched, but lanes drain what they already hold.
// Handlers get a context that is not cancelled by ctx, so an in-flight message finishes.
// A lane that is still redelivering when ctx ends stops there; the group resumes
// from that message on the next assignment.
func Dispatch(ctx context.Context, f Fetcher, handle HandleFunc, logger *slog.Logger, opts ...DispatchOption) error {
	if logger == nil {
		logger = slog.Default()
	}
	d := &dispatcher{
		handle:         handle,
		logger:         logger,
		redeliveryBase: defaultRedeliveryBase,
		redeliveryMax:  defaultRedeliveryMax,
	}
	for _, opt := range opts {
		opt(d)
	}

	workCtx := context.WithoutCancel(ctx)
	lanes := make(map[laneKey]*lane)
	var wg sync.WaitGroup

	defer func() {
		for _, l := range lanes {
			l.close()
		}
		wg.Wait()
	}()

	for {
		msg, err := f.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			logger.Error("failed to fetch message", "error", err)
			if err := retry.Sleep(ctx, fetchErrDelay); err != nil {
				return nil
			}
			continue
		}

		key := laneKey{topic: msg.Topic, partition: msg.Partition}
		l, ok := lanes[key]
		if !ok {
			l = newLane()
			lanes[key] = l
			wg.Add(1)
			go func() {
				defer wg.Done()
				d.run(ctx, workCtx, l)
			}()
			logger.Debug("partition lane started", "topic", key.topic, "partition", key.partition)
		}

		if depth := l.push(msg); depth == backlogWarn {
			logger.Warn("partition backlog is growing, its handler may be stuck",
				"topic", key.topic, "partition", key.partition, "backlog", depth)
		}
	}
}

func (d *dispatcher) run(ctx, workCtx context.Context, l *lane) {
	for {
		msg, ok := l.next()
		if !ok {
			return
		}
		if !d.deliver(ctx, workCtx, msg) {
			return
		}
	}
}

// deliver hands msg to the handler until it is acknowledged. It reports false
// when ctx ended first.
func (d *dispatcher) deliver(ctx, workCtx context.Context, msg kafka.Message) bool {
	for attempt := 0; ; attempt++ {
		err := d.handle(workCtx, msg)
		if err == nil {
			return true
		}

		delay := retry.Delay(d.redeliveryBase, 2, attempt, 0)
		if delay > d.redeliveryMax {
			delay = d.redeliveryMax
		}
		logger := d.logger.With("topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset)
		logger.Warn("message not acknowledged, redelivering", "attempt", attempt+1, "delay", delay, "error", err)

		if retry.Sleep(ctx, delay) != nil {
			logger.Warn("stopping with message unacknowledged, partition halted before it")
			return false
		}
	}
}

// lane is an unbounded FIFO feeding one partition's goroutine.
type lane struct {
	mu      sync.Mutex
	pending []kafka.Message
	closed  bool
	wake    chan struct{}
}

func newLane() *lane {
	return &lane{wake: make(chan struct{}, 1)}
}

// push queues msg and returns the lane depth.
func (l *lane) push(msg kafka.Message) int {
	l.mu.Lock()
	l.pending = append(l.pending, msg)
	n := len(l.pending)
	l.mu.Unlock()

	l.signal()
	return n
}

func (l *lane) close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	l.signal()
}

func (l *lane) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// next blocks for the oldest queued message. It reports false once the lane
// is closed and empty.
func (l *lane) next() (kafka.Message, bool) {
	for {
		l.mu.Lock()
		if len(l.pending) > 0 {
			msg := l.pending[0]
			l.pending[0] = kafka.Message{}
			l.pending = l.pending[1:]
			l.mu.Unlock()
			return msg, true
		}
		closed := l.closed
		l.mu.Unlock()

		if closed {
			return kafka.Message{}, false
		}
		<-l.wake
	}
}
