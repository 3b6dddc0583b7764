// Package ledger persists sweeps and their runs so that progress can be
// inspected while a sweep runs and after it finished.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethpandaops/sweepoor/pkg/config"
	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when a sweep does not exist.
var ErrNotFound = errors.New("sweep not found")

// Store provides persistence for sweeps and runs.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	UpsertSweep(ctx context.Context, sweep *Sweep) error
	GetSweep(ctx context.Context, sweepID string) (*Sweep, error)
	ListSweeps(ctx context.Context) ([]Sweep, error)

	UpsertRun(ctx context.Context, run *Run) error
	UpdateRunStates(ctx context.Context, sweepID string, states map[string]string) error
	ListRuns(ctx context.Context, sweepID string) ([]Run, error)
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a ledger backed by the configured database driver.
func NewStore(log logrus.FieldLogger, cfg *config.DatabaseConfig) Store {
	return &store{
		log: log.WithField("component", "ledger"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	switch s.cfg.Driver {
	case config.DatabaseSQLite:
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case config.DatabasePostgres:
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Discard})
	if err != nil {
		return fmt.Errorf("opening ledger database: %w", err)
	}

	if s.cfg.Driver == config.DatabaseSQLite {
		// One connection so that ":memory:" databases are shared and
		// concurrent writers serialize instead of failing with SQLITE_BUSY.
		sqlDB, err := db.DB()
		if err != nil {
			return fmt.Errorf("getting underlying db: %w", err)
		}

		sqlDB.SetMaxOpenConns(1)
	}

	s.db = db

	if err := s.db.WithContext(ctx).AutoMigrate(&Sweep{}, &Run{}); err != nil {
		return fmt.Errorf("running ledger migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Ledger database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// UpsertSweep inserts the sweep or replaces the row with the same sweep ID.
func (s *store) UpsertSweep(ctx context.Context, sw *Sweep) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Sweep

		err := tx.Where("sweep_id = ?", sw.SweepID).Take(&existing).Error

		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			sw.ID = 0

			return tx.Create(sw).Error
		case err != nil:
			return err
		}

		sw.ID = existing.ID

		return tx.Save(sw).Error
	})
	if err != nil {
		return fmt.Errorf("upserting sweep: %w", err)
	}

	return nil
}

// GetSweep returns one sweep or ErrNotFound.
func (s *store) GetSweep(ctx context.Context, sweepID string) (*Sweep, error) {
	var sw Sweep

	err := s.db.WithContext(ctx).Where("sweep_id = ?", sweepID).Take(&sw).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sweepID)
	}

	if err != nil {
		return nil, fmt.Errorf("getting sweep: %w", err)
	}

	return &sw, nil
}

// ListSweeps returns all sweeps, newest first.
func (s *store) ListSweeps(ctx context.Context) ([]Sweep, error) {
	var sweeps []Sweep
	if err := s.db.WithContext(ctx).
		Order("started_at DESC").
		Find(&sweeps).Error; err != nil {
		return nil, fmt.Errorf("listing sweeps: %w", err)
	}

	return sweeps, nil
}

// UpsertRun inserts the run or replaces the row with the same sweep ID and
// run key.
func (s *store) UpsertRun(ctx context.Context, run *Run) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Run

		err := tx.Where("sweep_id = ? AND run_key = ?", run.SweepID, run.RunKey).
			Take(&existing).Error

		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			run.ID = 0

			return tx.Create(run).Error
		case err != nil:
			return err
		}

		run.ID = existing.ID

		return tx.Save(run).Error
	})
	if err != nil {
		return fmt.Errorf("upserting run: %w", err)
	}

	return nil
}

// UpdateRunStates sets the job state of existing runs, keyed by run key.
// Unknown run keys are ignored.
func (s *store) UpdateRunStates(ctx context.Context, sweepID string, states map[string]string) error {
	if len(states) == 0 {
		return nil
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for key, state := range states {
			if err := tx.Model(&Run{}).
				Where("sweep_id = ? AND run_key = ?", sweepID, key).
				Update("state", state).Error; err != nil {
				return fmt.Errorf("updating run state: %w", err)
			}
		}

		return nil
	})
}

// ListRuns returns the runs of a sweep ordered by run key.
func (s *store) ListRuns(ctx context.Context, sweepID string) ([]Run, error) {
	var runs []Run
	if err := s.db.WithContext(ctx).
		Where("sweep_id = ?", sweepID).
		Order("run_key ASC").
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	return runs, nil
}
