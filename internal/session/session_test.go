package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/yourorg/batchwatch/internal/classify"
	"github.com/yourorg/batchwatch/internal/coalesce"
	"github.com/yourorg/batchwatch/internal/config"
	"github.com/yourorg/batchwatch/internal/filter"
	"github.com/yourorg/batchwatch/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

var liveDead = classify.NewRules(config.ProfileConfig{
	ItemField:  "card",
	Categories: map[string]string{"live": "live", "dead": "dead"},
})

type backend struct {
	srv      *httptest.Server
	stops    atomic.Int32
	stopIDs  chan string
	startReq chan map[string]any
}

// newBackend serves /start with handler and counts /stop calls.
func newBackend(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) *backend {
	t.Helper()
	b := &backend{stopIDs: make(chan string, 8), startReq: make(chan map[string]any, 1)}
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		select {
		case b.startReq <- body:
		default:
		}
		handler(w, r)
	})
	mux.HandleFunc("/stop", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		b.stops.Add(1)
		b.stopIDs <- body["session_id"]
		w.WriteHeader(http.StatusNoContent)
	})
	b.srv = httptest.NewServer(mux)
	t.Cleanup(b.srv.Close)
	return b
}

func (b *backend) endpoint() Endpoint {
	return Endpoint{StartURL: b.srv.URL + "/start", StopURL: b.srv.URL + "/stop"}
}

func newTestOrchestrator(t *testing.T, timeout time.Duration) *Orchestrator {
	t.Helper()
	tr := &http.Transport{}
	t.Cleanup(tr.CloseIdleConnections)
	return New(&Client{HTTPClient: &http.Client{Transport: tr, Timeout: timeout}, StopTimeout: time.Second})
}

func frame(event, data string) string {
	return "event: " + event + "\ndata: " + data + "\n\n"
}

// streamFrames writes frames one at a time, flushing after each.
func streamFrames(frames ...string) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		for _, f := range frames {
			_, _ = w.Write([]byte(f))
			fl.Flush()
		}
	}
}

type updateLog struct {
	mu      sync.Mutex
	updates []types.Update
}

func (u *updateLog) record(up types.Update) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.updates = append(u.updates, up)
}

func (u *updateLog) all() []types.Update {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]types.Update(nil), u.updates...)
}

func (u *updateLog) states() []types.State {
	var out []types.State
	for _, up := range u.all() {
		if len(out) == 0 || out[len(out)-1] != up.State {
			out = append(out, up.State)
		}
	}
	return out
}

func waitOutcome(t *testing.T, s *Session) Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := s.Wait(ctx)
	require.NoError(t, err)
	return out
}

func items(rs []types.ResultRecord) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.Item
	}
	return out
}

func TestCompletedScenario(t *testing.T) {
	b := newBackend(t, streamFrames(
		frame("start", `{"total":2}`),
		frame("result", `{"card":"A","status":"live"}`),
		frame("result", `{"card":"B","status":"dead"}`),
		frame("complete", `{}`),
	))
	o := newTestOrchestrator(t, 0)
	var log updateLog
	s, err := o.Start(context.Background(), []string{"A", "B"}, b.endpoint(), Options{
		Classifier: liveDead,
		Baseline:   types.Stats{Counts: map[string]int{"live": 0, "dead": 0}},
		OnUpdate:   log.record,
	})
	require.NoError(t, err)

	out := waitOutcome(t, s)
	assert.Equal(t, types.StateCompleted, out.State)
	assert.Equal(t, map[string]int{"live": 1, "dead": 1}, out.Stats.Counts)
	assert.Equal(t, 2, out.Stats.Total)
	assert.Equal(t, []string{"B", "A"}, items(out.Results))
	assert.Equal(t, types.Progress{Processed: 0, Total: 2}, out.Progress)
	assert.Zero(t, b.stops.Load())
	assert.Nil(t, o.Active())

	assert.Equal(t, []types.State{types.StateStarting, types.StateStreaming, types.StateCompleted}, log.states())
	for _, up := range log.all() {
		assert.Equal(t, up.Stats.Sum(), up.Stats.Total)
		assert.Equal(t, s.ID(), up.SessionID)
	}

	req := <-b.startReq
	assert.Equal(t, s.ID(), req["session_id"])
	assert.Equal(t, []any{"A", "B"}, req["items"])
}

func TestQuotaStatusFailsWithCreditError(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"quota exceeded"}` + "\n\n" + frame("result", `{"card":"X","status":"live"}`)))
	})
	prior := []types.ResultRecord{{ID: "000001-P", Item: "P", Category: "live"}}
	o := newTestOrchestrator(t, 0)
	s, err := o.Start(context.Background(), []string{"X"}, b.endpoint(), Options{
		Classifier: liveDead,
		Baseline:   types.Stats{Counts: map[string]int{"live": 1}, Total: 1},
		Prior:      prior,
	})
	require.NoError(t, err)

	out := waitOutcome(t, s)
	assert.Equal(t, types.StateFailed, out.State)
	require.NotNil(t, out.Error)
	assert.Equal(t, types.CreditError, out.Error.Kind)
	assert.True(t, out.Error.PreservePartial)
	assert.Equal(t, []string{"P"}, items(out.Results))
	assert.Equal(t, 1, out.Stats.Total)
}

func TestGenericStatusUsesBodyMessage(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"too many items for tier"}`))
	})
	s, err := newTestOrchestrator(t, 0).Start(context.Background(), []string{"X"}, b.endpoint(), Options{Classifier: liveDead})
	require.NoError(t, err)
	out := waitOutcome(t, s)
	assert.Equal(t, types.StateFailed, out.State)
	assert.Equal(t, types.GenericError, out.Error.Kind)
	assert.Equal(t, "too many items for tier", out.Reason)
}

func TestCreditExhaustedStopsConsuming(t *testing.T) {
	b := newBackend(t, streamFrames(
		frame("result", `{"card":"A","status":"live"}`)+
			frame("credit_exhausted", `{"message":"no credits left"}`)+
			frame("result", `{"card":"B","status":"dead"}`),
		frame("complete", `{}`),
	))
	s, err := newTestOrchestrator(t, 0).Start(context.Background(), []string{"A", "B"}, b.endpoint(), Options{Classifier: liveDead})
	require.NoError(t, err)
	out := waitOutcome(t, s)
	assert.Equal(t, types.StateCreditExhausted, out.State)
	assert.Equal(t, "no credits left", out.Reason)
	assert.Equal(t, []string{"A"}, items(out.Results))
	assert.Equal(t, 1, out.Stats.Total)
	require.NotNil(t, out.Error)
	assert.Equal(t, types.CreditError, out.Error.Kind)
}

func TestFatalErrorFlushesPartialResults(t *testing.T) {
	var frames []string
	for i := 0; i < 3; i++ {
		frames = append(frames, frame("result", fmt.Sprintf(`{"card":"c%d","status":"dead"}`, i)))
	}
	frames = append(frames, frame("fatal_error", `{"message":"gateway down"}`), frame("result", `{"card":"late","status":"live"}`))
	b := newBackend(t, streamFrames(frames...))

	clk := &stepClock{now: time.Now()}
	s, err := newTestOrchestrator(t, 0).Start(context.Background(), []string{"x"}, b.endpoint(), Options{
		Classifier: liveDead,
		Clock:      clk,
	})
	require.NoError(t, err)
	out := waitOutcome(t, s)
	assert.Equal(t, types.StateFailed, out.State)
	assert.Equal(t, "gateway down", out.Reason)
	assert.Equal(t, []string{"c2", "c1", "c0"}, items(out.Results))
	assert.Equal(t, map[string]int{"dead": 3, "live": 0, "error": 0}, out.Stats.Counts)
}

func TestStreamEndWithoutCompleteParsesTail(t *testing.T) {
	b := newBackend(t, streamFrames(
		frame("result", `{"card":"A","status":"live"}`),
		"event: result\ndata: {\"card\":\"B\",\"status\":\"live\"}",
	))
	s, err := newTestOrchestrator(t, 0).Start(context.Background(), []string{"A", "B"}, b.endpoint(), Options{Classifier: liveDead})
	require.NoError(t, err)
	out := waitOutcome(t, s)
	assert.Equal(t, types.StateCompleted, out.State)
	assert.Equal(t, []string{"B", "A"}, items(out.Results))
	assert.Equal(t, 2, out.Stats.Counts["live"])
}

func TestSplitChunksAndSizeFlushes(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 25; i++ {
		sb.WriteString(frame("result", fmt.Sprintf(`{"card":"c%02d","status":"live"}`, i)))
	}
	sb.WriteString(frame("complete", `{}`))
	raw := sb.String()

	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		fl := w.(http.Flusher)
		for i := 0; i < len(raw); i += 7 {
			end := i + 7
			if end > len(raw) {
				end = len(raw)
			}
			_, _ = w.Write([]byte(raw[i:end]))
			fl.Flush()
		}
	})

	var log updateLog
	s, err := newTestOrchestrator(t, 0).Start(context.Background(), []string{"x"}, b.endpoint(), Options{
		Classifier: liveDead,
		Clock:      &stepClock{now: time.Now()},
		OnUpdate:   log.record,
	})
	require.NoError(t, err)
	out := waitOutcome(t, s)
	require.Equal(t, types.StateCompleted, out.State)
	require.Len(t, out.Results, 25)
	assert.Equal(t, "c24", out.Results[0].Item)
	assert.Equal(t, "c00", out.Results[24].Item)

	var flushSizes []int
	for _, up := range log.all() {
		if len(up.Flushed) > 0 {
			flushSizes = append(flushSizes, len(up.Flushed))
			assert.Equal(t, len(up.Results), up.Stats.Total, "stats must match visible results")
		}
	}
	assert.Equal(t, []int{10, 10, 5}, flushSizes)
}

func TestCancelIsIdempotentAndNotifiesOnce(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		fl := w.(http.Flusher)
		_, _ = w.Write([]byte(frame("start", `{"total":100}`) + frame("result", `{"card":"A","status":"live"}`)))
		fl.Flush()
		<-r.Context().Done()
	})
	streaming := make(chan struct{})
	var once sync.Once
	s, err := newTestOrchestrator(t, 0).Start(context.Background(), []string{"A"}, b.endpoint(), Options{
		Classifier: liveDead,
		Flush:      coalesce.Config{MaxItems: 1},
		OnUpdate: func(u types.Update) {
			if len(u.Flushed) > 0 {
				once.Do(func() { close(streaming) })
			}
		},
	})
	require.NoError(t, err)
	<-streaming

	s.Cancel()
	s.Cancel()
	out := waitOutcome(t, s)
	s.Cancel()

	assert.Equal(t, types.StateCancelled, out.State)
	assert.Nil(t, out.Error)
	assert.Equal(t, []string{"A"}, items(out.Results))
	assert.Equal(t, int32(1), b.stops.Load())
	assert.Equal(t, s.ID(), <-b.stopIDs)
}

func TestCancelAfterCompleteIsNoop(t *testing.T) {
	b := newBackend(t, streamFrames(frame("complete", `{}`)))
	s, err := newTestOrchestrator(t, 0).Start(context.Background(), []string{"A"}, b.endpoint(), Options{Classifier: liveDead})
	require.NoError(t, err)
	out := waitOutcome(t, s)
	require.Equal(t, types.StateCompleted, out.State)

	s.Cancel()
	s.Cancel()
	_ = waitOutcome(t, s)
	assert.Equal(t, types.StateCompleted, s.State())
	assert.Zero(t, b.stops.Load())
}

func TestParentContextTeardownCancelsOnce(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})
	ctx, cancel := context.WithCancel(context.Background())
	var log updateLog
	s, err := newTestOrchestrator(t, 0).Start(ctx, []string{"A"}, b.endpoint(), Options{Classifier: liveDead, OnUpdate: log.record})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.State() == types.StateStreaming }, 5*time.Second, 5*time.Millisecond)

	cancel()
	out := waitOutcome(t, s)
	assert.Equal(t, types.StateCancelled, out.State)
	assert.Equal(t, int32(1), b.stops.Load())
	states := log.states()
	assert.Equal(t, types.StateCancelled, states[len(states)-1])
}

func TestCancelDiscardsPending(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		fl := w.(http.Flusher)
		_, _ = w.Write([]byte(frame("result", `{"card":"A","status":"live"}`) + frame("result", `{"card":"B","status":"live"}`) + frame("progress", `{"processed":2,"total":5}`)))
		fl.Flush()
		<-r.Context().Done()
	})
	progressed := make(chan struct{})
	var once sync.Once
	s, err := newTestOrchestrator(t, 0).Start(context.Background(), []string{"A", "B"}, b.endpoint(), Options{
		Classifier: liveDead,
		Clock:      &stepClock{now: time.Now()},
		OnUpdate: func(u types.Update) {
			if u.Progress.Processed == 2 {
				once.Do(func() { close(progressed) })
			}
		},
	})
	require.NoError(t, err)
	<-progressed
	s.Cancel()
	out := waitOutcome(t, s)
	assert.Equal(t, types.StateCancelled, out.State)
	assert.Empty(t, out.Results)
	assert.Equal(t, 0, out.Stats.Total)
	assert.Equal(t, types.Progress{Processed: 2, Total: 5}, out.Progress)
}

func TestTimeoutPreservesPending(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		fl := w.(http.Flusher)
		_, _ = w.Write([]byte(frame("result", `{"card":"A","status":"live"}`)))
		fl.Flush()
		<-r.Context().Done()
	})
	s, err := newTestOrchestrator(t, 300*time.Millisecond).Start(context.Background(), []string{"A"}, b.endpoint(), Options{
		Classifier: liveDead,
		Clock:      &stepClock{now: time.Now()},
	})
	require.NoError(t, err)
	out := waitOutcome(t, s)
	assert.Equal(t, types.StateFailed, out.State)
	require.NotNil(t, out.Error)
	assert.Equal(t, types.TimeoutError, out.Error.Kind)
	assert.Equal(t, []string{"A"}, items(out.Results))
	assert.Equal(t, 1, out.Stats.Total)
	assert.Zero(t, b.stops.Load())
}

func TestResumeContinuesIDsAndStats(t *testing.T) {
	b := newBackend(t, streamFrames(
		frame("result", `{"card":"A","status":"live"}`),
		frame("result", `{"card":"A","status":"dead"}`),
		frame("complete", `{}`),
	))
	prior := []types.ResultRecord{{ID: "000002-Q"}, {ID: "000001-P"}}
	s, err := newTestOrchestrator(t, 0).Start(context.Background(), []string{"A", "A"}, b.endpoint(), Options{
		Classifier: liveDead,
		Baseline:   types.Stats{Counts: map[string]int{"live": 1, "dead": 1}, Total: 2},
		Prior:      prior,
	})
	require.NoError(t, err)
	out := waitOutcome(t, s)
	require.Len(t, out.Results, 4)
	assert.Equal(t, "000004-A", out.Results[0].ID)
	assert.Equal(t, "000003-A", out.Results[1].ID)
	assert.Equal(t, "000001-P", out.Results[3].ID)
	assert.Equal(t, map[string]int{"live": 2, "dead": 2}, out.Stats.Counts)
	assert.Equal(t, 4, out.Stats.Total)
}

func TestMaskAppliedToRecords(t *testing.T) {
	b := newBackend(t, streamFrames(
		frame("result", `{"card":"4111111111111111","status":"live","gateway":"g"}`),
		frame("complete", `{}`),
	))
	mask := filter.MaskConfig{KeepPrefix: 4, KeepSuffix: 2, Replacement: "*", Fields: []string{"card"}}
	s, err := newTestOrchestrator(t, 0).Start(context.Background(), []string{"x"}, b.endpoint(), Options{
		Classifier: liveDead,
		Mask:       &mask,
	})
	require.NoError(t, err)
	out := waitOutcome(t, s)
	require.Len(t, out.Results, 1)
	rec := out.Results[0]
	assert.Equal(t, "4111**********11", rec.Item)
	assert.Equal(t, "000001-4111**********11", rec.ID)
	assert.Equal(t, "4111**********11", rec.Fields["card"])
	assert.Equal(t, "g", rec.Fields["gateway"])
	assert.Equal(t, "live", rec.Category)
}

func TestStartGuards(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})
	o := newTestOrchestrator(t, 0)

	_, err := o.Start(context.Background(), nil, b.endpoint(), Options{Classifier: liveDead})
	assert.ErrorIs(t, err, ErrNoItems)
	_, err = o.Start(context.Background(), []string{"A"}, b.endpoint(), Options{})
	assert.ErrorIs(t, err, ErrNoClassifier)

	s, err := o.Start(context.Background(), []string{"A"}, b.endpoint(), Options{Classifier: liveDead})
	require.NoError(t, err)
	_, err = o.Start(context.Background(), []string{"A"}, b.endpoint(), Options{Classifier: liveDead})
	assert.ErrorIs(t, err, ErrSessionActive)
	assert.Same(t, s, o.Active())

	s.Cancel()
	_ = waitOutcome(t, s)
	assert.Nil(t, o.Active())

	s2, err := o.Start(context.Background(), []string{"A"}, b.endpoint(), Options{Classifier: liveDead})
	require.NoError(t, err)
	assert.NotEqual(t, s.ID(), s2.ID())
	s2.Cancel()
	_ = waitOutcome(t, s2)
}

func TestStopFailureIsSwallowed(t *testing.T) {
	start := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer start.Close()
	ep := Endpoint{StartURL: start.URL, StopURL: "http://127.0.0.1:1/stop"}
	s, err := newTestOrchestrator(t, 0).Start(context.Background(), []string{"A"}, ep, Options{Classifier: liveDead})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.State() == types.StateStreaming }, 5*time.Second, 5*time.Millisecond)
	s.Cancel()
	out := waitOutcome(t, s)
	assert.Equal(t, types.StateCancelled, out.State)
}

// stepClock never advances, so only size and forced flushes happen.
type stepClock struct {
	now time.Time
}

func (c *stepClock) Now() time.Time { return c.now }

// manualClock moves only when advanced.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestPendingFlushedByTimeBetweenResults(t *testing.T) {
	resume := make(chan struct{})
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		fl := w.(http.Flusher)
		_, _ = w.Write([]byte(frame("result", `{"card":"A","status":"live"}`) +
			frame("result", `{"card":"B","status":"live"}`) +
			frame("result", `{"card":"C","status":"dead"}`) +
			frame("progress", `{"processed":3,"total":5}`)))
		fl.Flush()
		select {
		case <-resume:
		case <-r.Context().Done():
			return
		}
		_, _ = w.Write([]byte(frame("progress", `{"processed":4,"total":5}`) + frame("complete", `{}`)))
		fl.Flush()
	})

	clk := &manualClock{now: time.Now()}
	var log updateLog
	var once sync.Once
	s, err := newTestOrchestrator(t, 0).Start(context.Background(), []string{"A", "B", "C"}, b.endpoint(), Options{
		Classifier: liveDead,
		Clock:      clk,
		OnUpdate: func(u types.Update) {
			log.record(u)
			if u.Progress.Processed == 3 {
				// the stream pauses longer than the flush interval
				once.Do(func() {
					clk.Advance(100 * time.Millisecond)
					close(resume)
				})
			}
		},
	})
	require.NoError(t, err)
	out := waitOutcome(t, s)
	require.Equal(t, types.StateCompleted, out.State)

	updates := log.all()
	flushedAt, progressedAt := -1, -1
	for i, up := range updates {
		if flushedAt < 0 && len(up.Flushed) > 0 {
			flushedAt = i
			assert.Equal(t, []string{"C", "B", "A"}, items(up.Flushed))
			assert.Equal(t, types.StateStreaming, up.State)
			assert.Equal(t, 3, up.Stats.Total)
		}
		if progressedAt < 0 && up.Progress.Processed == 4 {
			progressedAt = i
		}
	}
	require.GreaterOrEqual(t, flushedAt, 0)
	require.GreaterOrEqual(t, progressedAt, 0)
	assert.Less(t, flushedAt, progressedAt, "pending results must become visible before the stream resumes")
}

func TestProgressLeavesStatsUnchanged(t *testing.T) {
	b := newBackend(t, streamFrames(
		frame("start", `{"total":4}`),
		frame("progress", `{"processed":1,"total":4}`),
		frame("progress", `{"processed":2,"total":4}`),
		frame("result", `{"card":"A","status":"live"}`),
		frame("progress", `{"processed":3,"total":4}`),
		frame("progress", `{"checked":4,"total":4}`),
		frame("complete", `{}`),
	))
	baseline := types.Stats{Counts: map[string]int{"live": 2, "dead": 1}, Total: 3}
	var log updateLog
	s, err := newTestOrchestrator(t, 0).Start(context.Background(), []string{"A"}, b.endpoint(), Options{
		Classifier: liveDead,
		Baseline:   baseline,
		Flush:      coalesce.Config{MaxItems: 1},
		OnUpdate:   log.record,
	})
	require.NoError(t, err)
	out := waitOutcome(t, s)
	require.Equal(t, types.StateCompleted, out.State)

	afterResult := types.Stats{Counts: map[string]int{"live": 3, "dead": 1}, Total: 4}
	var sawBefore, sawAfter bool
	for _, up := range log.all() {
		switch up.Progress.Processed {
		case 1, 2:
			sawBefore = true
			assert.Equal(t, baseline, up.Stats)
			assert.Empty(t, up.Results)
		case 3, 4:
			sawAfter = true
			assert.Equal(t, afterResult, up.Stats)
			assert.Equal(t, []string{"A"}, items(up.Results))
		}
	}
	assert.True(t, sawBefore)
	assert.True(t, sawAfter)
	assert.Equal(t, afterResult, out.Stats)
	assert.Equal(t, types.Progress{Processed: 4, Total: 4}, out.Progress)
}

func TestCancelDuringCompleteSendsNoStop(t *testing.T) {
	release := make(chan struct{})
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
		_, _ = w.Write([]byte(frame("result", `{"card":"A","status":"live"}`) + frame("complete", `{}`)))
	})

	var current atomic.Pointer[Session]
	s, err := newTestOrchestrator(t, 0).Start(context.Background(), []string{"A"}, b.endpoint(), Options{
		Classifier: liveDead,
		Clock:      &stepClock{now: time.Now()},
		OnUpdate: func(u types.Update) {
			// the complete frame flushes A; cancel lands before the
			// session has moved to its terminal state
			if len(u.Flushed) > 0 {
				current.Load().Cancel()
			}
		},
	})
	require.NoError(t, err)
	current.Store(s)
	close(release)

	out := waitOutcome(t, s)
	assert.Equal(t, types.StateCompleted, out.State)
	assert.Equal(t, []string{"A"}, items(out.Results))
	assert.Zero(t, b.stops.Load())
}

func TestWaitReturnsWhileStopInFlight(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})
	mux.HandleFunc("/stop", func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	tr := &http.Transport{}
	defer tr.CloseIdleConnections()
	o := New(&Client{HTTPClient: &http.Client{Transport: tr}, StopTimeout: 300 * time.Millisecond})
	s, err := o.Start(context.Background(), []string{"A"}, Endpoint{StartURL: srv.URL + "/start", StopURL: srv.URL + "/stop"}, Options{Classifier: liveDead})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.State() == types.StateStreaming }, 5*time.Second, 5*time.Millisecond)

	s.Cancel()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end after cancel")
	}

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	out, err := s.Wait(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, types.StateCancelled, out.State)

	// the stop call gives up after StopTimeout
	out = waitOutcome(t, s)
	assert.Equal(t, types.StateCancelled, out.State)
}
