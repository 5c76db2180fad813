package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/yourorg/batchwatch/internal/classify"
	"github.com/yourorg/batchwatch/internal/coalesce"
	"github.com/yourorg/batchwatch/internal/filter"
	xlog "github.com/yourorg/batchwatch/internal/log"
	"github.com/yourorg/batchwatch/internal/metrics"
	"github.com/yourorg/batchwatch/internal/stats"
	"github.com/yourorg/batchwatch/internal/stream"
	"github.com/yourorg/batchwatch/pkg/types"
)

const readBufferSize = 32 * 1024

// Outcome is the final state of a session.
type Outcome struct {
	SessionID string
	State     types.State
	Reason    string
	Error     *types.ErrorClassification
	Stats     types.Stats
	Results   []types.ResultRecord
	Progress  types.Progress
}

// Session is one batch run. It is created by Orchestrator.Start and never
// reused.
type Session struct {
	id        string
	client    *Client
	endpoint  Endpoint
	opts      Options
	logger    zerolog.Logger
	startedAt time.Time
	loop      *loop

	onTerminal func(*Session)

	mu              sync.Mutex
	machine         *machine
	cancel          context.CancelFunc
	cancelOnce      sync.Once
	cancelRequested bool
	// ending is set once the read loop has decided the terminal state.
	ending   bool
	stopping bool
	stopDone chan struct{}

	outcome Outcome
	done    chan struct{}
}

// ID returns the session id sent to the backend.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() types.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.state
}

// Done is closed when the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// Outcome returns the final outcome. It is only meaningful after Done is
// closed.
func (s *Session) Outcome() Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome
}

// Wait blocks until the session is terminal and any stop notification has
// finished, or ctx is done. A stop notification is bounded by the client's
// StopTimeout.
func (s *Session) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-s.done:
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
	s.mu.Lock()
	stopping := s.stopping
	s.mu.Unlock()
	if stopping {
		select {
		case <-s.stopDone:
		case <-ctx.Done():
			return s.Outcome(), ctx.Err()
		}
	}
	return s.Outcome(), nil
}

// markEnding records that the read loop has chosen a terminal state, so a
// later Cancel does not notify the backend.
func (s *Session) markEnding() {
	s.mu.Lock()
	s.ending = true
	s.mu.Unlock()
}

func (s *Session) isCancelRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelRequested
}

func (s *Session) emit(u types.Update) {
	if s.opts.OnUpdate == nil {
		return
	}
	u.SessionID = s.id
	u.Results = s.loop.coalescer.Visible()
	u.Stats = s.loop.emitted.Clone()
	u.Progress = s.loop.progress
	s.opts.OnUpdate(u)
}

func (s *Session) transition(to types.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	from := s.machine.state
	if err := s.machine.fire(to); err != nil {
		s.logger.Error().Err(err).Msg("rejected state transition")
		return err
	}
	s.logger.Debug().Str(xlog.FieldOldState, string(from)).Str(xlog.FieldNewState, string(to)).Msg("session state changed")
	return nil
}

func (s *Session) run(ctx context.Context, payload map[string]any) {
	resp, err := s.client.StartBatch(ctx, s.endpoint.StartURL, payload)
	if err != nil {
		s.failTransport(err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body := readErrorBody(resp.Body)
		c, _ := classify.Classify(resp.StatusCode, body, nil)
		s.logger.Warn().Int(xlog.FieldStatus, resp.StatusCode).Str("kind", string(c.Kind)).Msg("start batch rejected")
		s.finish(types.StateFailed, c.Reason, c)
		return
	}

	if s.isCancelRequested() {
		s.finish(types.StateCancelled, "cancelled", nil)
		return
	}
	if err := s.transition(types.StateStreaming); err != nil {
		return
	}
	s.emit(types.Update{State: types.StateStreaming})

	l := s.loop
	buf := make([]byte, readBufferSize)
	for {
		if s.isCancelRequested() {
			s.finish(types.StateCancelled, "cancelled", nil)
			return
		}
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			l.consume(l.decoder.Feed(buf[:n]))
			if l.terminal != "" {
				s.finish(l.terminal, l.reason, l.err)
				return
			}
			l.tick()
		}
		if errors.Is(rerr, io.EOF) {
			l.consume(l.decoder.Finish())
			if l.terminal != "" {
				s.finish(l.terminal, l.reason, l.err)
				return
			}
			l.end(types.StateCompleted, "stream ended", nil)
			l.flush()
			s.finish(types.StateCompleted, "stream ended", nil)
			return
		}
		if rerr != nil {
			s.failTransport(rerr)
			return
		}
	}
}

// failTransport handles an error from the request or a body read.
func (s *Session) failTransport(err error) {
	c := classify.FromError(err)
	if c == nil || s.isCancelRequested() {
		s.finish(types.StateCancelled, "cancelled", nil)
		return
	}
	l := s.loop
	if c.PreservePartial {
		l.flush()
	} else {
		metrics.AddDiscarded(l.coalescer.Discard())
	}
	s.logger.Warn().Err(err).Str("kind", string(c.Kind)).Msg("batch stream failed")
	s.finish(types.StateFailed, c.Reason, c)
}

// finish moves the session to a terminal state and emits the final update.
// Cancellation discards pending records; every other path has already
// flushed what it keeps.
func (s *Session) finish(state types.State, reason string, cerr *types.ErrorClassification) {
	l := s.loop
	if s.State().Terminal() {
		return
	}
	if state == types.StateCancelled {
		metrics.AddDiscarded(l.coalescer.Discard())
	}
	if err := s.transition(state); err != nil {
		return
	}

	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.outcome = Outcome{
		SessionID: s.id,
		State:     state,
		Reason:    reason,
		Error:     cerr,
		Stats:     l.emitted.Clone(),
		Results:   l.coalescer.Visible(),
		Progress:  l.progress,
	}
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	metrics.ObserveSession(string(state), time.Since(s.startedAt))
	ev := s.logger.Info()
	if state == types.StateFailed {
		ev = s.logger.Warn()
	}
	ev.Str("state", string(state)).Str("reason", reason).Int("total", l.emitted.Total).Msg("batch session finished")

	s.emit(types.Update{State: state, Reason: reason, Error: cerr})
	if s.onTerminal != nil {
		s.onTerminal(s)
	}
	close(s.done)
}

// loop holds state owned by the read goroutine. It implements
// stream.Handler.
type loop struct {
	s         *Session
	decoder   stream.Decoder
	coalescer *coalesce.Coalescer
	stats     *stats.Accumulator
	// emitted is the stats snapshot published with the last flush. It only
	// counts records that are visible.
	emitted  types.Stats
	progress types.Progress
	seq      int
	clock    coalesce.Clock
	terminal types.State
	reason   string
	err      *types.ErrorClassification
}

func (l *loop) consume(frames []types.FrameEvent) {
	for _, f := range frames {
		if l.terminal != "" {
			return
		}
		metrics.IncFrame(string(f.Kind))
		stream.Dispatch(f, l)
	}
}

func (l *loop) now() time.Time {
	if l.clock != nil {
		return l.clock.Now()
	}
	return time.Now()
}

// tick applies the flush thresholds outside of a result frame, so pending
// records become visible while only progress frames or partial chunks arrive.
func (l *loop) tick() {
	if flushed, ok := l.coalescer.MaybeFlush(); ok {
		l.publish(flushed)
	}
}

// end records the terminal state chosen by a frame. Frames after it are not
// dispatched.
func (l *loop) end(state types.State, reason string, cerr *types.ErrorClassification) {
	l.terminal = state
	l.reason = reason
	l.err = cerr
	l.s.markEnding()
}

func (l *loop) flush() {
	flushed := l.coalescer.Flush()
	if len(flushed) == 0 {
		return
	}
	l.publish(flushed)
}

func (l *loop) publish(flushed []types.ResultRecord) {
	l.emitted = l.stats.Merged()
	metrics.ObserveFlush(len(flushed))
	l.s.emit(types.Update{State: types.StateStreaming, Flushed: flushed})
}

func (l *loop) OnStart(p map[string]any) {
	total, _ := stream.Int(p, "total")
	l.progress = types.Progress{Processed: 0, Total: total}
	l.s.emit(types.Update{State: types.StateStreaming})
}

func (l *loop) OnProgress(p map[string]any) {
	if n, ok := stream.Int(p, "processed", "current", "checked"); ok {
		l.progress.Processed = n
	}
	if total, ok := stream.Int(p, "total"); ok {
		l.progress.Total = total
	}
	l.s.emit(types.Update{State: types.StateStreaming})
}

func (l *loop) OnResult(p map[string]any) {
	opts := l.s.opts
	item := opts.Classifier.Item(p)
	fields := p
	if opts.Mask != nil {
		item = filter.MaskItem(item, *opts.Mask)
		fields = filter.MaskFields(p, *opts.Mask)
	}
	category := opts.Classifier.Category(p)
	l.seq++
	rec := types.ResultRecord{
		ID:         fmt.Sprintf("%06d-%s", l.seq, item),
		SessionID:  l.s.id,
		Item:       item,
		Category:   category,
		Fields:     fields,
		ReceivedAt: l.now(),
	}
	l.stats.Apply(category)
	metrics.IncResult(category)
	l.coalescer.Add(rec)
	l.tick()
}

func (l *loop) OnComplete(map[string]any) {
	l.end(types.StateCompleted, "completed", nil)
	l.flush()
}

func (l *loop) OnCreditExhausted(p map[string]any) {
	reason := stream.String(p, "message", "error")
	if reason == "" {
		reason = "credits exhausted"
	}
	l.end(types.StateCreditExhausted, reason, &types.ErrorClassification{Kind: types.CreditError, Reason: reason, PreservePartial: true})
	l.flush()
}

func (l *loop) OnFatal(p map[string]any) {
	reason := stream.String(p, "message", "error")
	if reason == "" {
		reason = "backend reported an error"
	}
	l.end(types.StateFailed, reason, &types.ErrorClassification{Kind: types.BackendError, Reason: reason, PreservePartial: true})
	l.flush()
}
