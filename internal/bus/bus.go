// Package bus implements the Event Bus: the single path by which
// enriched events reach every registered sink in global event-id
// order.
package bus

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"trapline/internal/capture"
	"trapline/internal/enrich"
	"trapline/internal/telemetry"
)

// Sink receives CanonicalEvents from the Bus. Handle must not block
// indefinitely: the Bus only guarantees delivery to the sink's own
// bounded queue, not that the sink drains it promptly.
type Sink interface {
	Name() string
	Handle(evt capture.CanonicalEvent)
}

// sinkQueue pairs a Sink with its dedicated bounded channel and
// dispatch goroutine.
type sinkQueue struct {
	sink    Sink
	queue   chan capture.CanonicalEvent
	durable bool
	dropped atomic.Int64
}

// Bus enriches RawCaptures and fans each resulting CanonicalEvent out
// to every registered sink. It owns the single event-id counter; a
// Bus is constructed once by the Supervisor, never as a package-level
// singleton.
type Bus struct {
	enricher    *enrich.Enricher
	nextEventID atomic.Int64

	sinks       []*sinkQueue
	queueSize   int
	sendTimeout time.Duration

	droppedTotal atomic.Int64

	tracer *telemetry.Provider
}

// New constructs a Bus. queueSize bounds each sink's channel
// (BUS_QUEUE_SIZE, default 1024); sendTimeout bounds how long Publish
// waits on a saturated durable sink before dropping the event.
func New(enricher *enrich.Enricher, queueSize int, sendTimeout time.Duration) *Bus {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if sendTimeout <= 0 {
		sendTimeout = 2 * time.Second
	}
	return &Bus{
		enricher:    enricher,
		queueSize:   queueSize,
		sendTimeout: sendTimeout,
	}
}

// SetTracer attaches a telemetry provider so Publish traces each
// capture's trip through Enrich and sink dispatch. Safe to leave unset
// when telemetry is disabled: Publish treats a nil tracer as a no-op.
func (b *Bus) SetTracer(tracer *telemetry.Provider) {
	b.tracer = tracer
}

// RegisterSink adds a sink and starts its dispatch goroutine. durable
// marks a sink (the Capture Log) whose saturation makes Publish block
// up to sendTimeout before dropping; non-durable sinks (the
// Subscription Hub) are always dropped immediately on saturation and
// never make a producer wait.
func (b *Bus) RegisterSink(ctx context.Context, sink Sink, durable bool) {
	sq := &sinkQueue{
		sink:    sink,
		queue:   make(chan capture.CanonicalEvent, b.queueSize),
		durable: durable,
	}
	b.sinks = append(b.sinks, sq)
	go b.dispatch(ctx, sq)
}

// dispatch drains one sink's queue independently, so a stalled sink
// never blocks delivery to any other sink.
func (b *Bus) dispatch(ctx context.Context, sq *sinkQueue) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sq.queue:
			if !ok {
				return
			}
			sq.sink.Handle(evt)
		}
	}
}

// Publish enriches raw and attempts delivery to every registered
// sink's queue. Non-durable sinks drop immediately on a full queue;
// the durable sink blocks up to the configured send timeout, then
// drops and increments the dropped counter.
func (b *Bus) Publish(ctx context.Context, raw capture.RawCapture) (int64, error) {
	var span trace.Span
	if b.tracer != nil {
		ctx, span = b.tracer.StartCaptureSpan(ctx, string(raw.Service), string(raw.EventType), raw.SourceIP)
	}

	evt := b.enricher.Enrich(raw)
	evt.EventID = b.nextEventID.Add(1)

	for _, sq := range b.sinks {
		if sq.durable {
			b.sendDurable(ctx, sq, evt)
		} else {
			b.sendBestEffort(ctx, sq, evt)
		}
	}

	if b.tracer != nil {
		b.tracer.EndCaptureSpan(span, evt.RiskScore, string(evt.RiskLevel), nil)
	}

	return evt.EventID, nil
}

func (b *Bus) sendDurable(ctx context.Context, sq *sinkQueue, evt capture.CanonicalEvent) {
	timer := time.NewTimer(b.sendTimeout)
	defer timer.Stop()

	select {
	case sq.queue <- evt:
	case <-ctx.Done():
	case <-timer.C:
		sq.dropped.Add(1)
		b.droppedTotal.Add(1)
		slog.Warn("event dropped: durable sink saturated",
			"sink", sq.sink.Name(),
			"event_id", evt.EventID,
			"timeout", b.sendTimeout,
		)
		if b.tracer != nil {
			b.tracer.RecordSinkDropped(ctx, sq.sink.Name())
		}
	}
}

func (b *Bus) sendBestEffort(ctx context.Context, sq *sinkQueue, evt capture.CanonicalEvent) {
	select {
	case sq.queue <- evt:
	default:
		sq.dropped.Add(1)
		b.droppedTotal.Add(1)
		if b.tracer != nil {
			b.tracer.RecordSinkDropped(ctx, sq.sink.Name())
		}
	}
}

// DroppedTotal returns the cumulative count of events dropped across
// all sinks due to backpressure.
func (b *Bus) DroppedTotal() int64 {
	return b.droppedTotal.Load()
}

// SinkStats reports per-sink drop counts, keyed by sink name.
func (b *Bus) SinkStats() map[string]int64 {
	stats := make(map[string]int64, len(b.sinks))
	for _, sq := range b.sinks {
		stats[sq.sink.Name()] = sq.dropped.Load()
	}
	return stats
}
