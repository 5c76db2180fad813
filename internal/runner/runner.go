// Package runner ties a batch session to the run store: it creates or
// reopens a run, starts the session with the run's baseline, and persists
// every flush and the final outcome.
package runner

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/yourorg/batchwatch/internal/classify"
	"github.com/yourorg/batchwatch/internal/coalesce"
	"github.com/yourorg/batchwatch/internal/config"
	xlog "github.com/yourorg/batchwatch/internal/log"
	"github.com/yourorg/batchwatch/internal/session"
	"github.com/yourorg/batchwatch/internal/stats"
	"github.com/yourorg/batchwatch/internal/store"
	"github.com/yourorg/batchwatch/pkg/types"
)

// ErrTooManyItems is returned when the input exceeds batch.max_items.
var ErrTooManyItems = errors.New("too many items for one batch")

// Params describe one run or resumption.
type Params struct {
	Items []string
	// RunID resumes an existing run when set.
	RunID   string
	Profile string
	// HTTPClient overrides the client built from backend config.
	HTTPClient *http.Client
	Clock      coalesce.Clock
	OnUpdate   session.UpdateFunc
}

// Result is the persisted run plus the session outcome.
type Result struct {
	Run     *types.Run
	Outcome session.Outcome
}

// Execute runs one session to completion. Cancelling ctx cancels the session
// and notifies the backend; Execute still waits for the final state and
// records it.
func Execute(ctx context.Context, cfg *config.Config, st store.Store, p Params) (*Result, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if st == nil {
		return nil, errors.New("store is nil")
	}
	if len(p.Items) == 0 {
		return nil, session.ErrNoItems
	}
	if cfg.Batch.MaxItems > 0 && len(p.Items) > cfg.Batch.MaxItems {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyItems, len(p.Items), cfg.Batch.MaxItems)
	}

	run, prior, err := openRun(cfg, st, p)
	if err != nil {
		return nil, err
	}
	classifier, err := classify.ForProfile(cfg, run.Profile)
	if err != nil {
		return nil, err
	}
	baseline := run.Stats
	if len(baseline.Counts) == 0 {
		baseline = stats.Zero(classifier.Categories()...)
	}

	logger := xlog.WithComponent("runner").With().Str(xlog.FieldRunID, run.ID).Logger()
	rec := &recorder{store: st, runID: run.ID, forward: p.OnUpdate}

	httpClient := p.HTTPClient
	if httpClient == nil {
		httpClient = session.NewHTTPClient(cfg.Backend.RequestTimeout)
	}
	orch := session.New(&session.Client{
		APIKey:      cfg.Backend.APIKey,
		HTTPClient:  httpClient,
		StopTimeout: cfg.Backend.StopTimeout,
	})
	mask := cfg.Mask
	sess, err := orch.Start(ctx, p.Items, session.Endpoint{
		StartURL: cfg.Backend.StartURL(),
		StopURL:  cfg.Backend.StopURL(),
	}, session.Options{
		Classifier: classifier,
		Baseline:   baseline,
		Prior:      prior,
		Seq:        baseline.Sum(),
		Flush: coalesce.Config{
			MaxItems:    cfg.Batch.FlushMaxItems,
			MaxInterval: cfg.Batch.FlushInterval,
		},
		Clock:    p.Clock,
		Mask:     &mask,
		Extra:    map[string]any{"run_id": run.ID, "profile": run.Profile},
		OnUpdate: rec.record,
	})
	if err != nil {
		_ = st.UpdateRun(run.ID, types.StateFailed, err.Error(), baseline)
		return nil, err
	}
	logger.Info().Str(xlog.FieldSessionID, sess.ID()).Int("items", len(p.Items)).Int("prior", len(prior)).Msg("run started")

	// The session reacts to ctx itself; waiting must outlive it so the final
	// state is always recorded.
	out, err := sess.Wait(context.WithoutCancel(ctx))
	if err != nil {
		return nil, err
	}
	if err := st.UpdateRun(run.ID, out.State, out.Reason, out.Stats); err != nil {
		rec.fail(err)
	}
	final, err := st.GetRun(run.ID)
	if err != nil {
		rec.fail(err)
		final = run
	}
	logger.Info().Str("state", string(out.State)).Int("total", out.Stats.Total).Msg("run finished")
	return &Result{Run: final, Outcome: out}, rec.err()
}

func openRun(cfg *config.Config, st store.Store, p Params) (*types.Run, []types.ResultRecord, error) {
	if p.RunID == "" {
		profile := p.Profile
		if profile == "" {
			profile = cfg.Batch.Profile
		}
		if _, ok := cfg.Profiles[profile]; !ok {
			return nil, nil, fmt.Errorf("unknown profile %q", profile)
		}
		run, err := st.CreateRun(cfg.Backend.StartURL(), profile, len(p.Items), types.Stats{})
		if err != nil {
			return nil, nil, fmt.Errorf("create run: %w", err)
		}
		return run, nil, nil
	}

	run, err := st.GetRun(p.RunID)
	if err != nil {
		return nil, nil, err
	}
	if p.Profile != "" && p.Profile != run.Profile {
		return nil, nil, fmt.Errorf("run %s uses profile %q, not %q", run.ID, run.Profile, p.Profile)
	}
	prior, err := st.GetResults(run.ID, "")
	if err != nil {
		return nil, nil, fmt.Errorf("load prior results: %w", err)
	}
	if err := st.AddItems(run.ID, len(p.Items)); err != nil {
		return nil, nil, err
	}
	return run, prior, nil
}

// recorder persists session updates. Store errors do not stop the session;
// the first one is returned by Execute.
type recorder struct {
	store   store.Store
	runID   string
	forward session.UpdateFunc

	// state was last written by record. Terminal states are written by
	// Execute.
	state types.State

	mu    sync.Mutex
	first error
}

func (r *recorder) record(u types.Update) {
	changed := u.State != r.state && !u.State.Terminal()
	if len(u.Flushed) > 0 {
		if err := r.store.SaveResults(r.runID, u.Flushed); err != nil {
			r.fail(err)
		}
		changed = !u.State.Terminal()
	}
	if changed {
		if err := r.store.UpdateRun(r.runID, u.State, "", u.Stats); err != nil {
			r.fail(err)
		}
		r.state = u.State
	}
	if r.forward != nil {
		r.forward(u)
	}
}

func (r *recorder) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	logger := xlog.WithComponent("runner")
	logger.Error().Err(err).Str(xlog.FieldRunID, r.runID).Msg("persist run")
	if r.first == nil {
		r.first = fmt.Errorf("persist run %s: %w", r.runID, err)
	}
}

func (r *recorder) err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.first
}
