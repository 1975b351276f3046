package telemetry

import (
	"context"
	"log/slog"
	"sync"
)

// Writer is the only process-wide mutable telemetry state: a bounded buffer of
// finished spans drained by one background goroutine, so Flush never blocks
// the evaluation that produced the span.
type Writer struct {
	store *Store
	queue chan *CupcakeSpan
	done  chan struct{}
	once  sync.Once
}

// NewWriter starts the background drain goroutine. A nil store is valid and
// makes the writer a no-op sink, for callers (tests, embeddings without a
// configured telemetry backend) that don't want persistence.
func NewWriter(store *Store, queueSize int) *Writer {
	if queueSize <= 0 {
		queueSize = 256
	}
	w := &Writer{
		store: store,
		queue: make(chan *CupcakeSpan, queueSize),
		done:  make(chan struct{}),
	}
	go w.drain()
	return w
}

func (w *Writer) drain() {
	defer close(w.done)
	for span := range w.queue {
		if w.store == nil {
			continue
		}
		if err := w.store.Persist(context.Background(), span); err != nil {
			slog.Error("telemetry: failed to persist span", "span_id", span.SpanID, "error", err)
		}
	}
}

// Flush enqueues a finished span for background persistence. Non-blocking
// unless the queue is full, in which case the span is dropped and logged
// rather than stalling the caller (the decision has already been returned).
func (w *Writer) Flush(span *CupcakeSpan) {
	if w == nil || span == nil {
		return
	}
	select {
	case w.queue <- span:
	default:
		slog.Warn("telemetry: span queue full, dropping span", "span_id", span.SpanID)
	}
}

// Close stops accepting new spans and waits for the queue to drain.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.once.Do(func() { close(w.queue) })
	<-w.done
	if w.store != nil {
		return w.store.Close()
	}
	return nil
}

// DropGuard returns a func to `defer` immediately after a span is created.
// It recovers a panicking evaluation goroutine, stamps the span as
// panicked, finishes and flushes it, then re-panics so the caller's own
// recovery (or process crash) still happens — the span is captured either
// way.
// Usage:
//	span := telemetry.New(...)
//	defer writer.DropGuard(span)()
//	... evaluation ...
//	span.Finish()
//	writer.Flush(span)
func (w *Writer) DropGuard(span *CupcakeSpan) func() {
	return func() {
		if r := recover(); r != nil {
			span.Panicked = true
			span.PanicDetail = panicDetail(r)
			span.Finish()
			w.Flush(span)
			panic(r)
		}
	}
}

func panicDetail(r any) string {
	if err, ok := r.(error); ok {
		return err.Error()
	}
	if s, ok := r.(string); ok {
		return s
	}
	return "non-error panic value"
}
