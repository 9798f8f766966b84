package store

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/MIAOMC-Server/SSaver/pkg/database"
	"github.com/MIAOMC-Server/SSaver/pkg/logger"
	"github.com/MIAOMC-Server/SSaver/pkg/metrics"
	"github.com/MIAOMC-Server/SSaver/pkg/retry"
	"github.com/MIAOMC-Server/SSaver/pkg/stats"
	"github.com/MIAOMC-Server/SSaver/pkg/worker"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// ErrConflict means the row changed between fetch and conditional write
var ErrConflict = errors.New("record changed concurrently")

// Revision identifies the row version a record was fetched at. It is empty
// when no row exists.
type Revision string

// MergeFunc derives the record to write from the stored one. prev is nil when
// the player has no record on this server yet.
type MergeFunc func(prev *stats.Record) (*stats.Record, error)

// PersistError wraps any failure of a single fetch or write attempt
type PersistError struct {
	Key stats.PlayerKey
	Op  string
	Err error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Key, e.Err)
}

func (e *PersistError) Unwrap() error {
	return e.Err
}

// Pool hands out the database handle in service. *database.Manager
// implements it.
type Pool interface {
	Current() (database.DB, error)
	Table() string
}

// Submitter queues tasks for background execution. *worker.WorkerPool
// implements it.
type Submitter interface {
	Submit(ctx context.Context, task worker.Task) (*worker.Future, error)
}

// Options controls how writes are executed and reported
type Options struct {
	Async            bool
	ShowSaveMessages bool
	// MergeAttempts bounds the fetch-merge-write cycles of Apply
	MergeAttempts int
}

// Gateway reads and writes player records through the connection pool
type Gateway struct {
	pool    Pool
	workers Submitter
	logger  *logger.Logger
	opts    atomic.Pointer[Options]
	backoff retry.RetryOptions
}

// NewGateway creates a new Gateway. workers may be nil when every write is
// synchronous.
func NewGateway(pool Pool, workers Submitter, l *logger.Logger, opts Options) *Gateway {
	g := &Gateway{
		pool:    pool,
		workers: workers,
		logger:  l,
		backoff: retry.RetryOptions{
			InitialInterval: 50 * time.Millisecond,
			MaxInterval:     500 * time.Millisecond,
			Multiplier:      2.0,
			Classifier: func(err error) bool {
				return errors.Is(err, ErrConflict)
			},
		},
	}
	g.SetOptions(opts)
	return g
}

// SetOptions replaces the execution options; used on reload
func (g *Gateway) SetOptions(opts Options) {
	if opts.MergeAttempts < 1 {
		opts.MergeAttempts = 3
	}
	g.opts.Store(&opts)
}

// Fetch loads the stored record for key and its revision. A missing row is
// reported as a nil record, not an error.
func (g *Gateway) Fetch(ctx context.Context, key stats.PlayerKey) (*stats.Record, Revision, error) {
	db, err := g.pool.Current()
	if err != nil {
		return nil, "", &PersistError{Key: key, Op: "fetch", Err: err}
	}

	query := fmt.Sprintf(`SELECT data, xmin::text FROM %s WHERE uuid = $1 AND serverName = $2`, g.table())

	var data, rev string
	err = db.QueryRow(ctx, query, key.PlayerID.String(), key.ServerName).Scan(&data, &rev)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", &PersistError{Key: key, Op: "fetch", Err: err}
	}

	rec, err := stats.Decode([]byte(data))
	if err != nil {
		return nil, "", &PersistError{Key: key, Op: "decode", Err: err}
	}
	if n := rec.UnrecognizedKeys(); n > 0 {
		g.logger.ForPlayer(key).Warn("stored record has unrecognized statistic keys, keeping them as is",
			zap.Int("keys", n))
	}
	return rec, Revision(rev), nil
}

// Upsert writes rec for key unconditionally, creating the row if needed
func (g *Gateway) Upsert(ctx context.Context, key stats.PlayerKey, rec *stats.Record, version string) *worker.Future {
	data, err := stats.Encode(rec)
	if err != nil {
		return g.execute(ctx, key, "upsert", func(context.Context) error {
			return &PersistError{Key: key, Op: "encode", Err: err}
		})
	}

	return g.execute(ctx, key, "upsert", func(ctx context.Context) error {
		db, err := g.pool.Current()
		if err != nil {
			return &PersistError{Key: key, Op: "upsert", Err: err}
		}

		query := fmt.Sprintf(`
			INSERT INTO %s (uuid, serverName, data, dataVersion)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (uuid, serverName) DO UPDATE SET
				data = EXCLUDED.data,
				dataVersion = EXCLUDED.dataVersion,
				updateDate = CURRENT_TIMESTAMP`, g.table())

		if _, err := db.Exec(ctx, query, key.PlayerID.String(), key.ServerName, string(data), version); err != nil {
			return &PersistError{Key: key, Op: "upsert", Err: err}
		}
		return nil
	})
}

// Apply fetches the stored record, merges it and writes the result only if
// the row is unchanged since the fetch. Conflicts restart the cycle.
func (g *Gateway) Apply(ctx context.Context, key stats.PlayerKey, version string, merge MergeFunc) *worker.Future {
	return g.execute(ctx, key, "apply", func(ctx context.Context) error {
		opts := g.backoff
		opts.MaxAttempts = g.opts.Load().MergeAttempts
		opts.OnRetry = func(attempt int, err error) {
			g.logger.ForPlayer(key).Debug("record changed during merge, retrying", zap.Int("attempt", attempt))
		}

		err := retry.Do(ctx, func(int) error {
			return g.applyOnce(ctx, key, version, merge)
		}, opts)
		if errors.Is(err, ErrConflict) {
			return &PersistError{Key: key, Op: "apply", Err: err}
		}
		return err
	})
}

func (g *Gateway) applyOnce(ctx context.Context, key stats.PlayerKey, version string, merge MergeFunc) error {
	prev, rev, err := g.Fetch(ctx, key)
	if err != nil {
		return err
	}

	var base *stats.Record
	if prev != nil {
		base = prev.Clone()
	}
	next, err := merge(base)
	if err != nil {
		return &PersistError{Key: key, Op: "merge", Err: err}
	}

	data, err := stats.Encode(next)
	if err != nil {
		return &PersistError{Key: key, Op: "encode", Err: err}
	}

	db, err := g.pool.Current()
	if err != nil {
		return &PersistError{Key: key, Op: "write", Err: err}
	}

	var query string
	args := []any{key.PlayerID.String(), key.ServerName, string(data), version}
	if prev == nil {
		query = fmt.Sprintf(`
			INSERT INTO %s (uuid, serverName, data, dataVersion)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (uuid, serverName) DO NOTHING`, g.table())
	} else {
		query = fmt.Sprintf(`
			UPDATE %s SET data = $3, dataVersion = $4, updateDate = CURRENT_TIMESTAMP
			WHERE uuid = $1 AND serverName = $2 AND xmin::text = $5`, g.table())
		args = append(args, string(rev))
	}

	tag, err := db.Exec(ctx, query, args...)
	if err != nil {
		return &PersistError{Key: key, Op: "write", Err: err}
	}
	if tag.RowsAffected() == 0 {
		metrics.MergeConflictsTotal.Inc()
		return ErrConflict
	}
	return nil
}

func (g *Gateway) execute(ctx context.Context, key stats.PlayerKey, op string, run func(ctx context.Context) error) *worker.Future {
	opts := g.opts.Load()

	task := func(ctx context.Context) worker.Result {
		start := time.Now()
		err := run(ctx)
		metrics.SaveLatency.Observe(time.Since(start).Seconds())

		log := g.logger.ForPlayer(key)
		if err != nil {
			metrics.SavesTotal.WithLabelValues(metrics.ResultError).Inc()
			log.Error("failed to save player statistics", err, zap.String("op", op))
			return worker.Result{Err: err}
		}

		metrics.SavesTotal.WithLabelValues(metrics.ResultOK).Inc()
		if opts.ShowSaveMessages {
			log.Info("saved player statistics", zap.String("op", op))
		} else {
			log.Debug("saved player statistics", zap.String("op", op))
		}
		return worker.Result{Saved: true}
	}

	if !opts.Async || g.workers == nil {
		return worker.RunInline(ctx, task)
	}

	f, err := g.workers.Submit(ctx, task)
	if err != nil {
		g.logger.ForPlayer(key).Warn("background queue unavailable, saving inline", zap.Error(err))
		return worker.RunInline(ctx, task)
	}
	return f
}

func (g *Gateway) table() string {
	return pgx.Identifier{g.pool.Table()}.Sanitize()
}
