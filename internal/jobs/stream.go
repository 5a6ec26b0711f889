package jobs

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dispatch/internal/logging"
	"github.com/fyrsmithlabs/dispatch/internal/telemetry"
)

// maxFrameSize bounds a single NDJSON line. Frames carry log lines and
// output chunks, not whole artifacts.
const maxFrameSize = 1 << 20

// ErrStreamClosed is returned by Next after Close.
var ErrStreamClosed = errors.New("jobs: event stream closed")

// Stream reads decoded events from one job's NDJSON event stream.
//
// Resuming: opening with from=N delivers only frames with seq > N, so a
// consumer that remembers LastSeq across a disconnect sees every frame
// exactly once. Duplicates the backend replays below the watermark are
// filtered here, not pushed onto callers.
type Stream struct {
	jobID   string
	body    io.ReadCloser
	scanner *bufio.Scanner
	logger  *logging.Logger
	metrics *telemetry.ClientMetrics

	lastSeq int64

	closeOnce sync.Once
	closed    atomic.Bool
}

// OpenStream opens the event stream for a job. from is the resume
// watermark: 0 reads from the beginning, N skips everything at or below
// N. The stream lives until ctx is cancelled, the terminal frame
// arrives, or Close is called.
func (c *Client) OpenStream(ctx context.Context, jobID string, from int64) (*Stream, error) {
	if jobID == "" {
		return nil, fmt.Errorf("job ID is required")
	}
	if from < 0 {
		return nil, fmt.Errorf("resume offset must be non-negative, got %d", from)
	}

	body, err := c.api.Stream(ctx, fmt.Sprintf("/jobs/%s/events?from=%d", jobID, from))
	if err != nil {
		return nil, err
	}

	if from > 0 {
		c.metrics.StreamResumed(ctx)
		c.logger.Debug(ctx, "resuming event stream",
			zap.String("job_id", jobID),
			zap.Int64("from", from),
		)
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)

	return &Stream{
		jobID:   jobID,
		body:    body,
		scanner: scanner,
		logger:  c.logger,
		metrics: c.metrics,
		lastSeq: from,
	}, nil
}

// Next returns the next well-formed event with seq above the watermark.
// Malformed and unknown frames are counted and skipped, never surfaced.
// io.EOF means the backend closed the stream; a cancelled context
// surfaces as the context's error.
func (s *Stream) Next(ctx context.Context) (Event, error) {
	if s.closed.Load() {
		return nil, ErrStreamClosed
	}

	for s.scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		ev := Decode(line)
		if ev.Kind() == KindIgnored {
			s.metrics.FrameDropped(ctx)
			s.logger.Debug(ctx, "dropping unrecognized frame",
				zap.String("job_id", s.jobID),
				zap.Int64("seq", ev.EventSeq()),
			)
			continue
		}

		// Frames at or below the watermark are replays from a resume;
		// delivering them would double-apply state transitions.
		if ev.EventSeq() <= s.lastSeq {
			s.metrics.FrameDropped(ctx)
			continue
		}
		s.lastSeq = ev.EventSeq()

		s.metrics.FrameDecoded(ctx, string(ev.Kind()))
		return ev, nil
	}

	if err := s.scanner.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("reading event stream: %w", err)
	}
	return nil, io.EOF
}

// LastSeq returns the highest sequence number delivered so far. Pass it
// as the from offset when reopening after a disconnect.
func (s *Stream) LastSeq() int64 {
	return s.lastSeq
}

// Close releases the underlying connection. Safe to call any number of
// times and concurrently with Next: a Next blocked on the body unblocks
// with a read error once the body closes under it.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		err = s.body.Close()
	})
	return err
}
