package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/yourorg/batchwatch/pkg/types"
)

type SQLiteStore struct {
	db         *sql.DB
	maxResults int
}

// NewSQLiteStore opens the database at dsn. maxResults bounds the number of
// stored result records across all runs; zero or less disables pruning.
func NewSQLiteStore(dsn string, maxResults int) (*SQLiteStore, error) {
	if dir := filepath.Dir(dsn); dsn != ":memory:" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db, maxResults: maxResults}
	if err := s.Init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Init() error {
	if _, err := s.db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return err
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			endpoint TEXT NOT NULL,
			profile TEXT NOT NULL,
			item_count INTEGER NOT NULL DEFAULT 0,
			result_count INTEGER NOT NULL DEFAULT 0,
			state TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			stats TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS results (
			pk INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			item TEXT NOT NULL,
			category TEXT NOT NULL,
			fields TEXT,
			received_at DATETIME NOT NULL,
			UNIQUE(run_id, id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_results_run ON results(run_id, category);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) CreateRun(endpoint, profile string, itemCount int, baseline types.Stats) (*types.Run, error) {
	now := time.Now().UTC()
	id, err := s.nextRunID(now)
	if err != nil {
		return nil, err
	}
	if baseline.Counts == nil {
		baseline.Counts = map[string]int{}
	}
	run := &types.Run{ID: id, Endpoint: endpoint, Profile: profile, ItemCount: itemCount, State: types.StateIdle, Stats: baseline, CreatedAt: now, UpdatedAt: now}
	statsJSON, err := json.Marshal(run.Stats)
	if err != nil {
		return nil, err
	}
	_, err = s.db.Exec(`INSERT INTO runs(id,endpoint,profile,item_count,result_count,state,reason,stats,created_at,updated_at) VALUES(?,?,?,?,?,?,?,?,?,?)`,
		run.ID, run.Endpoint, run.Profile, run.ItemCount, 0, string(run.State), "", string(statsJSON), run.CreatedAt, run.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return run, nil
}

func (s *SQLiteStore) nextRunID(now time.Time) (string, error) {
	prefix := fmt.Sprintf("run_%s_", now.Format("20060102"))
	rows, err := s.db.Query(`SELECT id FROM runs WHERE id LIKE ?`, prefix+"%")
	if err != nil {
		return "", err
	}
	defer rows.Close()
	maxN := 0
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", err
		}
		var n int
		_, _ = fmt.Sscanf(id, prefix+"%03d", &n)
		if n > maxN {
			maxN = n
		}
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s%03d", prefix, maxN+1), nil
}

const runColumns = `id,endpoint,profile,item_count,result_count,state,reason,stats,created_at,updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*types.Run, error) {
	var out types.Run
	var state, statsJSON string
	if err := row.Scan(&out.ID, &out.Endpoint, &out.Profile, &out.ItemCount, &out.ResultCount, &state, &out.Reason, &statsJSON, &out.CreatedAt, &out.UpdatedAt); err != nil {
		return nil, err
	}
	out.State = types.State(state)
	if err := json.Unmarshal([]byte(statsJSON), &out.Stats); err != nil {
		return nil, fmt.Errorf("decode stats of run %s: %w", out.ID, err)
	}
	if out.Stats.Counts == nil {
		out.Stats.Counts = map[string]int{}
	}
	return &out, nil
}

func (s *SQLiteStore) GetRun(id string) (*types.Run, error) {
	run, err := scanRun(s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return run, err
}

func (s *SQLiteStore) UpdateRun(id string, state types.State, reason string, stats types.Stats) error {
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`UPDATE runs SET state=?, reason=?, stats=?, updated_at=? WHERE id=?`, string(state), reason, string(statsJSON), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

// AddItems grows the item count of a resumed run.
func (s *SQLiteStore) AddItems(id string, n int) error {
	res, err := s.db.Exec(`UPDATE runs SET item_count=item_count+?, updated_at=? WHERE id=?`, n, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (s *SQLiteStore) ListRuns() ([]types.Run, error) {
	rows, err := s.db.Query(`SELECT ` + runColumns + ` FROM runs ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]types.Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteRun(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM results WHERE run_id=?`, id); err != nil {
		return err
	}
	res, err := tx.Exec(`DELETE FROM runs WHERE id=?`, id)
	if err != nil {
		return err
	}
	if err := requireRow(res, id); err != nil {
		return err
	}
	return tx.Commit()
}

// SaveResults stores one flushed batch. results is newest first, as a flush
// returns it; records are inserted oldest first so insertion order matches
// arrival order. A record id already stored for the run is skipped.
func (s *SQLiteStore) SaveResults(runID string, results []types.ResultRecord) error {
	if len(results) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.Prepare(`INSERT INTO results(run_id,id,session_id,item,category,fields,received_at) VALUES(?,?,?,?,?,?,?)
	ON CONFLICT(run_id,id) DO NOTHING`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i := len(results) - 1; i >= 0; i-- {
		r := results[i]
		var fields []byte
		if r.Fields != nil {
			if fields, err = json.Marshal(r.Fields); err != nil {
				return fmt.Errorf("encode fields of %s: %w", r.ID, err)
			}
		}
		if _, err := stmt.Exec(runID, r.ID, r.SessionID, r.Item, r.Category, string(fields), r.ReceivedAt.UTC()); err != nil {
			return err
		}
	}
	if s.maxResults > 0 {
		if _, err := tx.Exec(`DELETE FROM results WHERE pk NOT IN (SELECT pk FROM results ORDER BY pk DESC LIMIT ?)`, s.maxResults); err != nil {
			return fmt.Errorf("prune results: %w", err)
		}
	}
	if _, err := tx.Exec(`UPDATE runs SET result_count=(SELECT COUNT(*) FROM results WHERE results.run_id=runs.id)`); err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE runs SET updated_at=? WHERE id=?`, time.Now().UTC(), runID); err != nil {
		return err
	}
	return tx.Commit()
}

// GetResults returns a run's results newest first. An empty category
// returns all of them.
func (s *SQLiteStore) GetResults(runID, category string) ([]types.ResultRecord, error) {
	query := `SELECT id,session_id,item,category,fields,received_at FROM results WHERE run_id=?`
	args := []any{runID}
	if category != "" {
		query += ` AND category=?`
		args = append(args, category)
	}
	rows, err := s.db.Query(query+` ORDER BY pk DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]types.ResultRecord, 0)
	for rows.Next() {
		var r types.ResultRecord
		var fields sql.NullString
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Item, &r.Category, &fields, &r.ReceivedAt); err != nil {
			return nil, err
		}
		if fields.Valid && fields.String != "" {
			if err := json.Unmarshal([]byte(fields.String), &r.Fields); err != nil {
				return nil, fmt.Errorf("decode fields of %s: %w", r.ID, err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return errors.New("store is nil")
	}
	return s.db.Close()
}
