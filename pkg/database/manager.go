package database

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MIAOMC-Server/SSaver/pkg/config"
	"github.com/MIAOMC-Server/SSaver/pkg/logger"
	"github.com/MIAOMC-Server/SSaver/pkg/metrics"
	"github.com/MIAOMC-Server/SSaver/pkg/schema"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const pingTimeout = 5 * time.Second

// ErrClosed is returned when the manager holds no pool
var ErrClosed = errors.New("connection pool is closed")

// DB is the handle persistence code runs statements on
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ConnectivityError reports that the database could not be reached or the
// pool could not be built
type ConnectivityError struct {
	Op  string
	Err error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("database %s: %v", e.Op, e.Err)
}

func (e *ConnectivityError) Unwrap() error {
	return e.Err
}

type handle struct {
	pool *pgxpool.Pool
	cfg  config.DatabaseConfig
}

// Manager owns the connection pool and can replace it without a restart.
// Operations already holding the old pool finish on it; the old pool closes
// once its connections are released.
type Manager struct {
	logger     *logger.Logger
	reconciler *schema.Reconciler

	reinitMu sync.Mutex
	current  atomic.Pointer[handle]

	// connect builds a pool and verify checks it before it goes into service
	connect func(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error)
	verify  func(ctx context.Context, h *handle) error
}

// Open builds the pool for cfg. Connections are established lazily; call
// TestConnection to verify the database is reachable.
func Open(ctx context.Context, cfg config.DatabaseConfig, l *logger.Logger) (*Manager, error) {
	pool, err := newPool(ctx, cfg)
	if err != nil {
		return nil, &ConnectivityError{Op: "open", Err: err}
	}

	m := &Manager{
		logger:     l,
		reconciler: schema.NewReconciler(l),
		connect:    newPool,
	}
	m.verify = m.test
	m.current.Store(&handle{pool: pool, cfg: cfg})
	return m, nil
}

func newPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(ConnString(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	poolCfg.MaxConns = int32(cfg.MaxConns)
	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	return pool, nil
}

// ConnString renders cfg as a postgres:// URI
func ConnString(cfg config.DatabaseConfig) string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(cfg.Username, cfg.Password),
		Host:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Path:   "/" + cfg.Name,
	}
	return u.String()
}

// TestConnection acquires a connection, pings it and reconciles the schema on
// it. Any failure is logged and reported as false.
func (m *Manager) TestConnection(ctx context.Context) bool {
	h := m.current.Load()
	if h == nil {
		m.logger.Error("connection test failed", ErrClosed)
		return false
	}
	if err := m.verify(ctx, h); err != nil {
		m.logger.Error("connection test failed", err, zap.String("host", h.cfg.Host), zap.Int("port", h.cfg.Port))
		return false
	}
	return true
}

func (m *Manager) test(ctx context.Context, h *handle) error {
	conn, err := acquire(ctx, h.pool, h.cfg.AcquireTimeout)
	if err != nil {
		return err
	}
	defer conn.Release()

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		return &ConnectivityError{Op: "ping", Err: err}
	}

	return m.reconciler.Reconcile(ctx, conn, h.cfg.TableName)
}

// Reinitialize builds and tests a pool from cfg and swaps it in. On failure
// the previous pool stays in service.
func (m *Manager) Reinitialize(ctx context.Context, cfg config.DatabaseConfig) error {
	m.reinitMu.Lock()
	defer m.reinitMu.Unlock()

	pool, err := m.connect(ctx, cfg)
	if err != nil {
		metrics.PoolReinitsTotal.WithLabelValues(metrics.ResultError).Inc()
		return &ConnectivityError{Op: "reinitialize", Err: err}
	}

	next := &handle{pool: pool, cfg: cfg}
	if err := m.verify(ctx, next); err != nil {
		pool.Close()
		metrics.PoolReinitsTotal.WithLabelValues(metrics.ResultError).Inc()
		m.logger.Error("pool reinitialization failed, keeping previous pool", err)

		var connErr *ConnectivityError
		if errors.As(err, &connErr) {
			return err
		}
		return &ConnectivityError{Op: "reinitialize", Err: err}
	}

	if old := m.current.Swap(next); old != nil {
		// Close blocks until acquired connections are returned
		go old.pool.Close()
	}
	metrics.PoolReinitsTotal.WithLabelValues(metrics.ResultOK).Inc()
	m.logger.Info("connection pool reinitialized", zap.String("host", cfg.Host), zap.String("table", cfg.TableName))
	return nil
}

// Current returns a handle on the pool in service
func (m *Manager) Current() (DB, error) {
	h := m.current.Load()
	if h == nil {
		return nil, &ConnectivityError{Op: "current", Err: ErrClosed}
	}
	return &pooled{pool: h.pool, acquireTimeout: h.cfg.AcquireTimeout}, nil
}

// Table returns the statistics table of the pool in service
func (m *Manager) Table() string {
	if h := m.current.Load(); h != nil {
		return h.cfg.TableName
	}
	return ""
}

// Ping checks the pool in service can reach the database
func (m *Manager) Ping(ctx context.Context) error {
	h := m.current.Load()
	if h == nil {
		return &ConnectivityError{Op: "ping", Err: ErrClosed}
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := h.pool.Ping(pingCtx); err != nil {
		return &ConnectivityError{Op: "ping", Err: err}
	}
	return nil
}

// Stats reports the pool in service for the metrics gauges
func (m *Manager) Stats() metrics.PoolStats {
	h := m.current.Load()
	if h == nil {
		return metrics.PoolStats{}
	}
	s := h.pool.Stat()
	return metrics.PoolStats{
		Acquired: s.AcquiredConns(),
		Idle:     s.IdleConns(),
		Total:    s.TotalConns(),
		Max:      s.MaxConns(),
	}
}

// RegisterMetrics exports the pool gauges on reg
func (m *Manager) RegisterMetrics(reg prometheus.Registerer) error {
	return metrics.RegisterPoolGauges(reg, m.Stats)
}

// Close closes the pool in service. The manager is unusable afterwards.
func (m *Manager) Close() {
	m.reinitMu.Lock()
	defer m.reinitMu.Unlock()

	if h := m.current.Swap(nil); h != nil {
		h.pool.Close()
	}
}

func acquire(ctx context.Context, pool *pgxpool.Pool, timeout time.Duration) (*pgxpool.Conn, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, &ConnectivityError{Op: "acquire", Err: err}
	}
	return conn, nil
}
