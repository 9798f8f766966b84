package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MIAOMC-Server/SSaver/pkg/consumer"
	"github.com/MIAOMC-Server/SSaver/pkg/logger"
	"github.com/MIAOMC-Server/SSaver/pkg/parser"
	"github.com/MIAOMC-Server/SSaver/pkg/retry"
	"github.com/MIAOMC-Server/SSaver/pkg/session"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SessionHandler receives session lifecycle events. *session.Aggregator
// implements it.
type SessionHandler interface {
	OnSessionStart(ctx context.Context, id uuid.UUID, at time.Time) error
	OnSessionEnd(ctx context.Context, ev session.SessionEnd) (session.Outcome, error)
}

// Drainer waits for queued writes. *worker.WorkerPool implements it.
type Drainer interface {
	Shutdown(ctx context.Context) error
}

// ReloadFunc re-reads configuration and applies it to running components
type ReloadFunc func(ctx context.Context) error

// Service feeds session events from Kafka to the aggregator. Events and
// reloads are handled one at a time on the Start goroutine.
//
// Committing an offset commits everything before it on the partition, so an
// event that cannot be handled stops the service instead of being stepped
// over; it is redelivered after restart.
type Service struct {
	logger   *logger.Logger
	consumer consumer.Consumer
	handler  SessionHandler
	workers  Drainer
	reload   ReloadFunc
	reloadCh chan struct{}
	retry    retry.RetryOptions
}

// NewService creates a new Syncer service instance
func NewService(
	l *logger.Logger,
	c consumer.Consumer,
	h SessionHandler,
	w Drainer,
	reload ReloadFunc,
) *Service {
	return &Service{
		logger:   l,
		consumer: c,
		handler:  h,
		workers:  w,
		reload:   reload,
		reloadCh: make(chan struct{}, 1),
		retry: retry.RetryOptions{
			MaxAttempts:     5,
			InitialInterval: 200 * time.Millisecond,
			MaxInterval:     5 * time.Second,
			Multiplier:      2.0,
		},
	}
}

// RequestReload asks the loop to reload. Requests made while one is pending
// are merged.
func (s *Service) RequestReload() {
	select {
	case s.reloadCh <- struct{}{}:
	default:
	}
}

// Start begins the message consumption and processing loop
func (s *Service) Start(ctx context.Context) error {
	s.logger.Info("starting syncer service")

	msgChan, errChan := s.consumer.Consume(ctx)

	for {
		select {
		case msg, ok := <-msgChan:
			if !ok {
				return s.Shutdown(context.Background())
			}

			if err := s.handleMessage(ctx, msg); err != nil {
				if ctx.Err() != nil {
					return s.Shutdown(context.Background())
				}
				s.logger.Error("failed to handle session event, stopping", err,
					zap.Int("partition", msg.Partition), zap.Int64("offset", msg.Offset))
				_ = s.Shutdown(context.Background())
				return fmt.Errorf("session event at partition %d offset %d: %w", msg.Partition, msg.Offset, err)
			}

		case err, ok := <-errChan:
			if !ok {
				errChan = nil
				continue
			}
			if err != nil {
				_ = s.Shutdown(context.Background())
				return fmt.Errorf("consumer error: %w", err)
			}

		case <-s.reloadCh:
			s.runReload(ctx)

		case <-ctx.Done():
			return s.Shutdown(context.Background())
		}
	}
}

func (s *Service) runReload(ctx context.Context) {
	if s.reload == nil {
		return
	}
	s.logger.Info("reloading configuration")
	if err := s.reload(ctx); err != nil {
		s.logger.Error("reload failed, keeping previous settings where not applied", err)
		return
	}
	s.logger.Info("reload complete")
}

func (s *Service) handleMessage(ctx context.Context, msg consumer.Message) error {
	ev, err := parser.ParseEvent(msg.Value)
	if err != nil {
		s.logger.Warn("skipping malformed session event",
			zap.Error(err),
			zap.Int64("offset", msg.Offset),
			zap.ByteString("payload", msg.Value))

		return s.consumer.Commit(ctx, msg)
	}

	switch ev.Type {
	case parser.EventJoin:
		opts := s.retry
		opts.OnRetry = func(attempt int, err error) {
			s.logger.Warn("failed to record session start, retrying",
				zap.Error(err), zap.Int("attempt", attempt), zap.Stringer("player", ev.PlayerID))
		}
		err := retry.Do(ctx, func(int) error {
			return s.handler.OnSessionStart(ctx, ev.PlayerID, ev.Time())
		}, opts)
		if err != nil {
			return err
		}

	case parser.EventQuit:
		outcome, err := s.handler.OnSessionEnd(ctx, ev.SessionEnd())
		var aggErr *session.AggregationError
		if err != nil && !errors.As(err, &aggErr) {
			return err
		}
		// aggregation errors drop the session; it is not replayed
		s.logger.Debug("session end handled",
			zap.Stringer("player", ev.PlayerID), zap.Stringer("outcome", outcome))
	}

	return s.consumer.Commit(ctx, msg)
}

// Shutdown waits for queued writes and closes the consumer
func (s *Service) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down syncer service")

	var errPool error
	if s.workers != nil {
		errPool = s.workers.Shutdown(ctx)
	}
	errCons := s.consumer.Close()

	if errPool != nil || errCons != nil {
		return fmt.Errorf("shutdown errors: pool=%v, consumer=%v", errPool, errCons)
	}
	return nil
}
