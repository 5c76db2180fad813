// Package session runs batch sessions: it opens the start request, drives the
// read loop over the event stream, and exposes lifecycle updates.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/yourorg/batchwatch/internal/classify"
	"github.com/yourorg/batchwatch/internal/coalesce"
	"github.com/yourorg/batchwatch/internal/filter"
	xlog "github.com/yourorg/batchwatch/internal/log"
	"github.com/yourorg/batchwatch/internal/stats"
	"github.com/yourorg/batchwatch/pkg/types"
)

var (
	// ErrSessionActive is returned when Start is called while a session of
	// the same Orchestrator is still live.
	ErrSessionActive = errors.New("a batch session is already active")
	// ErrNoItems is returned when Start is called without items.
	ErrNoItems = errors.New("batch has no items")
	// ErrNoClassifier is returned when Options lacks a Classifier.
	ErrNoClassifier = errors.New("classifier is required")
)

// UpdateFunc observes session updates. It runs on the session's read
// goroutine and must not block for long.
type UpdateFunc func(types.Update)

// Options parameterise one session.
type Options struct {
	// SessionID is generated when empty.
	SessionID  string
	Classifier classify.Classifier
	// Baseline and Prior carry counts and records of earlier sessions of the
	// same run so totals stay additive across resumption.
	Baseline types.Stats
	Prior    []types.ResultRecord
	// Seq is the sequence number record ids continue from. It is raised to
	// len(Prior) when lower.
	Seq   int
	Flush coalesce.Config
	Clock coalesce.Clock
	// Mask, when set, is applied to items and result fields before they are
	// stored in records.
	Mask *filter.MaskConfig
	// Extra fields are merged into the start request body.
	Extra    map[string]any
	OnUpdate UpdateFunc
}

// Orchestrator owns at most one live session.
type Orchestrator struct {
	client *Client
	logger zerolog.Logger

	mu     sync.Mutex
	active *Session
}

// New returns an Orchestrator that uses client for backend calls.
func New(client *Client) *Orchestrator {
	if client == nil {
		client = &Client{}
	}
	return &Orchestrator{client: client, logger: xlog.WithComponent("session")}
}

// Active returns the live session, or nil.
func (o *Orchestrator) Active() *Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}

// Start begins a new session and returns immediately; the request and read
// loop run on their own goroutine. Cancelling ctx tears the session down
// through Cancel, so the backend is told to stop.
func (o *Orchestrator) Start(ctx context.Context, items []string, ep Endpoint, opts Options) (*Session, error) {
	if len(items) == 0 {
		return nil, ErrNoItems
	}
	if opts.Classifier == nil {
		return nil, ErrNoClassifier
	}

	o.mu.Lock()
	if o.active != nil {
		o.mu.Unlock()
		return nil, ErrSessionActive
	}
	id := opts.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	s := newSession(id, o.client, ep, opts, o.logger.With().Str(xlog.FieldSessionID, id).Logger())
	s.onTerminal = o.release
	o.active = s
	o.mu.Unlock()

	reqCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Lock()
	s.cancel = cancel
	if err := s.machine.fire(types.StateStarting); err != nil {
		s.mu.Unlock()
		cancel()
		o.release(s)
		return nil, err
	}
	s.mu.Unlock()
	s.emit(types.Update{State: types.StateStarting})

	stopWatch := context.AfterFunc(ctx, s.Cancel)
	payload := make(map[string]any, len(opts.Extra)+2)
	for k, v := range opts.Extra {
		payload[k] = v
	}
	payload["session_id"] = id
	payload["items"] = items

	s.logger.Info().Int("items", len(items)).Str(xlog.FieldURL, ep.StartURL).Msg("batch session starting")
	go func() {
		defer stopWatch()
		s.run(reqCtx, payload)
	}()
	return s, nil
}

func (o *Orchestrator) release(s *Session) {
	o.mu.Lock()
	if o.active == s {
		o.active = nil
	}
	o.mu.Unlock()
}

func newSession(id string, client *Client, ep Endpoint, opts Options, logger zerolog.Logger) *Session {
	baseline := opts.Baseline
	if len(baseline.Counts) == 0 {
		baseline = stats.Zero(opts.Classifier.Categories()...)
	}
	acc := stats.New(baseline)
	seq := opts.Seq
	if seq < len(opts.Prior) {
		seq = len(opts.Prior)
	}
	s := &Session{
		id:        id,
		client:    client,
		endpoint:  ep,
		opts:      opts,
		logger:    logger,
		machine:   &machine{state: types.StateIdle},
		done:      make(chan struct{}),
		stopDone:  make(chan struct{}),
		startedAt: time.Now(),
	}
	s.loop = &loop{
		s:         s,
		coalescer: coalesce.New(opts.Flush, opts.Prior, opts.Clock),
		stats:     acc,
		emitted:   acc.Merged(),
		seq:       seq,
		clock:     opts.Clock,
	}
	return s
}
