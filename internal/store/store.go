package store

import (
	"errors"

	"github.com/yourorg/batchwatch/pkg/types"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("run not found")

type Store interface {
	CreateRun(endpoint, profile string, itemCount int, baseline types.Stats) (*types.Run, error)
	GetRun(id string) (*types.Run, error)
	UpdateRun(id string, state types.State, reason string, stats types.Stats) error
	AddItems(id string, n int) error
	ListRuns() ([]types.Run, error)
	DeleteRun(id string) error

	SaveResults(runID string, results []types.ResultRecord) error
	GetResults(runID, category string) ([]types.ResultRecord, error)

	Close() error
}
