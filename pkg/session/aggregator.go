package session

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/MIAOMC-Server/SSaver/pkg/collector"
	"github.com/MIAOMC-Server/SSaver/pkg/logger"
	"github.com/MIAOMC-Server/SSaver/pkg/metrics"
	"github.com/MIAOMC-Server/SSaver/pkg/stats"
	"github.com/MIAOMC-Server/SSaver/pkg/store"
	"github.com/MIAOMC-Server/SSaver/pkg/worker"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrNoCounters is reported when a session passes the gate but its end event
// carried no counters to collect
var ErrNoCounters = errors.New("session end carries no counters")

// Outcome is what happened to one session end
type Outcome int

const (
	// OutcomeSkipped means no start was known, nothing was written
	OutcomeSkipped Outcome = iota
	// OutcomeSaved means the record was durably written
	OutcomeSaved
	// OutcomeNotSaved means the session's contribution was dropped
	OutcomeNotSaved
	// OutcomeScheduled means the write was queued on the background workers
	OutcomeScheduled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSkipped:
		return metrics.OutcomeLabelSkipped
	case OutcomeSaved:
		return metrics.OutcomeLabelSaved
	case OutcomeScheduled:
		return metrics.OutcomeLabelScheduled
	default:
		return metrics.OutcomeLabelFailed
	}
}

// AggregationError is returned when a session's contribution is dropped
type AggregationError struct {
	Key   stats.PlayerKey
	Stage string
	Err   error
}

func (e *AggregationError) Error() string {
	return fmt.Sprintf("session for %s dropped at %s: %v", e.Key, e.Stage, e.Err)
}

func (e *AggregationError) Unwrap() error {
	return e.Err
}

// SessionEnd describes a player leaving the server
type SessionEnd struct {
	PlayerID      uuid.UUID
	PlayerName    string
	FirstJoin     int64 // unix millis
	EngineVersion string
	// At is the end time; zero means now
	At time.Time
	// Counters is read only when the session passes the minimum length
	Counters collector.CounterSource
}

// Collector builds a snapshot from a player's counters
type Collector interface {
	Collect(src collector.CounterSource) (stats.Snapshot, error)
}

// Persister runs a fetch-merge-write against the store. *store.Gateway
// implements it.
type Persister interface {
	Apply(ctx context.Context, key stats.PlayerKey, version string, merge store.MergeFunc) *worker.Future
}

// Config holds the aggregation policy
type Config struct {
	ServerName string
	// MinSessionTime is the shortest session, in seconds, whose counters are kept
	MinSessionTime int64
}

// Aggregator turns session start/end events into record writes
type Aggregator struct {
	windows   WindowStore
	collector Collector
	persister Persister
	logger    *logger.Logger
	cfg       atomic.Pointer[Config]

	// Now is the clock used when events carry no timestamp
	Now func() time.Time
}

// NewAggregator creates a new Aggregator instance
func NewAggregator(cfg Config, windows WindowStore, c Collector, p Persister, l *logger.Logger) *Aggregator {
	a := &Aggregator{
		windows:   windows,
		collector: c,
		persister: p,
		logger:    l,
		Now:       time.Now,
	}
	a.Configure(cfg)
	return a
}

// Configure replaces the policy; used on reload
func (a *Aggregator) Configure(cfg Config) {
	a.cfg.Store(&cfg)
}

// OnSessionStart records the start of a session, overwriting a stale one
func (a *Aggregator) OnSessionStart(ctx context.Context, id uuid.UUID, at time.Time) error {
	if at.IsZero() {
		at = a.Now()
	}
	if err := a.windows.Put(ctx, id, at); err != nil {
		return fmt.Errorf("failed to record session start: %w", err)
	}
	metrics.SessionsStartedTotal.Inc()
	a.logger.Debug("session started", zap.Stringer("player", id), zap.Time("at", at))
	return nil
}

// OnSessionEnd closes the player's session and merges it into the stored
// record. A missing start is skipped without error.
func (a *Aggregator) OnSessionEnd(ctx context.Context, ev SessionEnd) (outcome Outcome, err error) {
	cfg := a.cfg.Load()
	key := stats.NewPlayerKey(ev.PlayerID, cfg.ServerName)
	log := a.logger.ForPlayer(key)

	defer func() {
		metrics.SessionsEndedTotal.WithLabelValues(outcome.String()).Inc()
		if err != nil {
			log.Error("session not saved", err)
		}
	}()

	start, ok, err := a.windows.Take(ctx, ev.PlayerID)
	if err != nil {
		return OutcomeNotSaved, &AggregationError{Key: key, Stage: "window", Err: err}
	}
	if !ok {
		log.Warn("no session start recorded, skipping", zap.String("player_name", ev.PlayerName))
		return OutcomeSkipped, nil
	}

	end := ev.At
	if end.IsZero() {
		end = a.Now()
	}
	seconds := SessionSeconds(start, end)

	var snap *stats.Snapshot
	if seconds >= cfg.MinSessionTime {
		if ev.Counters == nil {
			return OutcomeNotSaved, &AggregationError{Key: key, Stage: "collect", Err: ErrNoCounters}
		}
		collected, err := a.collector.Collect(ev.Counters)
		if err != nil {
			return OutcomeNotSaved, &AggregationError{Key: key, Stage: "collect", Err: err}
		}
		snap = &collected
	}

	meta := stats.Meta{FirstJoinDate: ev.FirstJoin, PlayerName: ev.PlayerName}
	log.Debug("session ended",
		zap.Int64("session_seconds", seconds),
		zap.Bool("details", snap != nil))

	f := a.persister.Apply(ctx, key, stats.VersionTag(ev.EngineVersion), func(prev *stats.Record) (*stats.Record, error) {
		return Merge(prev, seconds, meta, snap), nil
	})

	select {
	case <-f.Done():
	default:
		return OutcomeScheduled, nil
	}

	res, _ := f.Wait(ctx)
	if !res.Saved {
		// the gateway already logged the cause
		return OutcomeNotSaved, nil
	}
	return OutcomeSaved, nil
}

// SessionSeconds is the whole seconds from start to end, floored at zero
func SessionSeconds(start, end time.Time) int64 {
	d := end.Sub(start)
	if d < 0 {
		return 0
	}
	return int64(d / time.Second)
}

// Merge derives the next record from the stored one. Online time accumulates
// and meta is overwritten. The detail maps, unrecognized entries included, are
// replaced by snap when it is non-nil and kept exactly as stored otherwise.
func Merge(prev *stats.Record, seconds int64, meta stats.Meta, snap *stats.Snapshot) *stats.Record {
	next := stats.NewRecord()
	if prev != nil {
		next = prev.Clone()
	}

	next.Meta.OnlineTimeInSeconds += seconds
	next.Meta.FirstJoinDate = meta.FirstJoinDate
	next.Meta.PlayerName = meta.PlayerName

	if snap != nil {
		next.Snapshot = snap.Clone()
		next.Unrecognized = nil
	}
	return next
}
