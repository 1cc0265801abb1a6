package redis

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"ohlcsync/internal/logger"
	"ohlcsync/internal/model"
)

// pendingWrite is a write held back while the circuit is open.
type pendingWrite struct {
	candle *model.Candle
	points []model.IndicatorPoint
}

// BufferedWriter wraps a Writer with a circuit breaker. While the circuit is
// open, writes are buffered locally and replayed when it closes again.
// It implements model.Publisher: publishing never fails a sync cycle.
type BufferedWriter struct {
	writer *Writer
	cb     *CircuitBreaker

	mu     sync.Mutex
	buffer []pendingWrite
	maxBuf int

	// Callbacks
	OnBuffer func()          // called when a write is buffered (for metrics)
	OnFlush  func(count int) // called after flushing buffered writes
}

// NewBufferedWriter creates a BufferedWriter; maxBufferSize defaults to 10000.
func NewBufferedWriter(w *Writer, cb *CircuitBreaker, maxBufferSize int) *BufferedWriter {
	if maxBufferSize <= 0 {
		maxBufferSize = 10000
	}
	bw := &BufferedWriter{
		writer: w,
		cb:     cb,
		buffer: make([]pendingWrite, 0, 64),
		maxBuf: maxBufferSize,
	}

	prev := cb.OnStateChange
	cb.OnStateChange = func(from, to State) {
		if prev != nil {
			prev(from, to)
		}
		if to == StateClosed {
			go bw.Flush(context.Background())
		}
	}

	return bw
}

// PublishCandle writes the latest candle through the circuit breaker.
func (bw *BufferedWriter) PublishCandle(ctx context.Context, c model.Candle) {
	err := bw.cb.Execute(func() error { return bw.writer.WriteCandle(ctx, c) })
	bw.handle(ctx, err, pendingWrite{candle: &c})
}

// PublishPoints writes indicator points through the circuit breaker.
func (bw *BufferedWriter) PublishPoints(ctx context.Context, points []model.IndicatorPoint) {
	if len(points) == 0 {
		return
	}
	err := bw.cb.Execute(func() error { return bw.writer.WritePoints(ctx, points) })
	bw.handle(ctx, err, pendingWrite{points: points})
}

func (bw *BufferedWriter) handle(ctx context.Context, err error, pw pendingWrite) {
	switch {
	case err == nil:
	case errors.Is(err, ErrCircuitOpen):
		bw.bufferWrite(pw)
	default:
		logger.From(ctx).Warn("redis publish failed", slog.String("error", err.Error()))
		bw.bufferWrite(pw)
	}
}

func (bw *BufferedWriter) bufferWrite(pw pendingWrite) {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	if len(bw.buffer) >= bw.maxBuf {
		bw.buffer = bw.buffer[1:]
	}
	bw.buffer = append(bw.buffer, pw)

	if bw.OnBuffer != nil {
		bw.OnBuffer()
	}
}

// Flush replays buffered writes. Writes that fail again stay buffered.
func (bw *BufferedWriter) Flush(ctx context.Context) {
	bw.mu.Lock()
	if len(bw.buffer) == 0 {
		bw.mu.Unlock()
		return
	}
	toFlush := bw.buffer
	bw.buffer = make([]pendingWrite, 0, 64)
	bw.mu.Unlock()

	flushed := 0
	for i, pw := range toFlush {
		var err error
		if pw.candle != nil {
			err = bw.writer.WriteCandle(ctx, *pw.candle)
		} else {
			err = bw.writer.WritePoints(ctx, pw.points)
		}
		if err != nil {
			slog.Warn("redis flush stopped", "remaining", len(toFlush)-i, "error", err)
			bw.mu.Lock()
			bw.buffer = append(toFlush[i:], bw.buffer...)
			bw.mu.Unlock()
			break
		}
		flushed++
	}

	if flushed > 0 {
		slog.Info("redis buffered writes flushed", "count", flushed)
	}
	if bw.OnFlush != nil {
		bw.OnFlush(flushed)
	}
}

// PendingCount returns the number of buffered writes waiting to be flushed.
func (bw *BufferedWriter) PendingCount() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}
