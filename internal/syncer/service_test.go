package syncer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MIAOMC-Server/SSaver/pkg/config"
	"github.com/MIAOMC-Server/SSaver/pkg/consumer"
	"github.com/MIAOMC-Server/SSaver/pkg/logger"
	"github.com/MIAOMC-Server/SSaver/pkg/session"
	"github.com/MIAOMC-Server/SSaver/pkg/stats"
	"github.com/MIAOMC-Server/SSaver/pkg/store"
	"github.com/MIAOMC-Server/SSaver/pkg/worker"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// Mocks
type MockConsumer struct{ mock.Mock }

func (m *MockConsumer) Consume(ctx context.Context) (<-chan consumer.Message, <-chan error) {
	args := m.Called(ctx)
	return args.Get(0).(chan consumer.Message), args.Get(1).(chan error)
}
func (m *MockConsumer) Commit(ctx context.Context, msg consumer.Message) error {
	return m.Called(ctx, msg).Error(0)
}
func (m *MockConsumer) Close() error { return m.Called().Error(0) }

type MockHandler struct{ mock.Mock }

func (m *MockHandler) OnSessionStart(ctx context.Context, id uuid.UUID, at time.Time) error {
	return m.Called(ctx, id, at).Error(0)
}
func (m *MockHandler) OnSessionEnd(ctx context.Context, ev session.SessionEnd) (session.Outcome, error) {
	args := m.Called(ctx, ev)
	return args.Get(0).(session.Outcome), args.Error(1)
}

type MockDrainer struct{ mock.Mock }

func (m *MockDrainer) Shutdown(ctx context.Context) error { return m.Called(ctx).Error(0) }

const playerID = "0f8fad5b-d9cb-469f-a165-70867728950e"

func newService(reload ReloadFunc) (*Service, *MockConsumer, *MockHandler, *MockDrainer) {
	mc := new(MockConsumer)
	mh := new(MockHandler)
	md := new(MockDrainer)
	s := NewService(logger.NewNop(), mc, mh, md, reload)
	s.retry.MaxAttempts = 3
	s.retry.InitialInterval = time.Millisecond
	s.retry.MaxInterval = time.Millisecond
	return s, mc, mh, md
}

func TestJoinEventStartsSession(t *testing.T) {
	s, mc, mh, _ := newService(nil)
	msg := consumer.Message{Offset: 7, Value: []byte(`{"type":"join","player_id":"` + playerID + `","timestamp":1714564800000}`)}

	mh.On("OnSessionStart", mock.Anything, uuid.MustParse(playerID), time.UnixMilli(1714564800000)).Return(nil)
	mc.On("Commit", mock.Anything, msg).Return(nil)

	require.NoError(t, s.handleMessage(context.Background(), msg))
	mh.AssertExpectations(t)
	mc.AssertExpectations(t)
}

func TestQuitEventEndsSession(t *testing.T) {
	s, mc, mh, _ := newService(nil)
	msg := consumer.Message{Offset: 8, Value: []byte(`{"type":"quit","player_id":"` + playerID + `","player_name":"Steve","statistics":{"untyped":{"JUMP":1}}}`)}

	mh.On("OnSessionEnd", mock.Anything, mock.MatchedBy(func(ev session.SessionEnd) bool {
		return ev.PlayerName == "Steve" && ev.Counters != nil
	})).Return(session.OutcomeSaved, nil)
	mc.On("Commit", mock.Anything, msg).Return(nil)

	require.NoError(t, s.handleMessage(context.Background(), msg))
	mh.AssertExpectations(t)
	mc.AssertExpectations(t)
}

func TestDroppedSessionIsCommitted(t *testing.T) {
	s, mc, mh, _ := newService(nil)
	msg := consumer.Message{Value: []byte(`{"type":"quit","player_id":"` + playerID + `"}`)}

	mh.On("OnSessionEnd", mock.Anything, mock.Anything).
		Return(session.OutcomeNotSaved, &session.AggregationError{Stage: "collect", Err: errors.New("boom")})
	mc.On("Commit", mock.Anything, msg).Return(nil)

	require.NoError(t, s.handleMessage(context.Background(), msg))
	mc.AssertCalled(t, "Commit", mock.Anything, msg)
}

func TestJoinFailureIsNotCommitted(t *testing.T) {
	s, mc, mh, _ := newService(nil)
	msg := consumer.Message{Value: []byte(`{"type":"join","player_id":"` + playerID + `"}`)}

	mh.On("OnSessionStart", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("redis down"))

	assert.Error(t, s.handleMessage(context.Background(), msg))
	mh.AssertNumberOfCalls(t, "OnSessionStart", 3)
	mc.AssertNotCalled(t, "Commit", mock.Anything, mock.Anything)
}

func TestJoinRecoversFromTransientFailure(t *testing.T) {
	s, mc, mh, _ := newService(nil)
	msg := consumer.Message{Value: []byte(`{"type":"join","player_id":"` + playerID + `"}`)}

	mh.On("OnSessionStart", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("redis down")).Once()
	mh.On("OnSessionStart", mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()
	mc.On("Commit", mock.Anything, msg).Return(nil)

	require.NoError(t, s.handleMessage(context.Background(), msg))
	mh.AssertNumberOfCalls(t, "OnSessionStart", 2)
	mc.AssertCalled(t, "Commit", mock.Anything, msg)
}

func TestUnhandledEventStopsBeforeLaterCommits(t *testing.T) {
	s, mc, mh, md := newService(nil)
	msgs := make(chan consumer.Message, 2)
	errs := make(chan error, 1)

	failed := consumer.Message{Offset: 10, Value: []byte(`{"type":"join","player_id":"` + playerID + `"}`)}
	next := consumer.Message{Offset: 11, Value: []byte(`{"type":"join","player_id":"` + uuid.NewString() + `"}`)}
	msgs <- failed
	msgs <- next

	mc.On("Consume", mock.Anything).Return(msgs, errs)
	mc.On("Close").Return(nil)
	md.On("Shutdown", mock.Anything).Return(nil)
	mh.On("OnSessionStart", mock.Anything, uuid.MustParse(playerID), mock.Anything).Return(errors.New("redis down"))
	mh.On("OnSessionStart", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	mc.On("Commit", mock.Anything, mock.Anything).Return(nil)

	err := s.Start(context.Background())
	assert.ErrorContains(t, err, "offset 10")
	mc.AssertNotCalled(t, "Commit", mock.Anything, mock.Anything)
	md.AssertCalled(t, "Shutdown", mock.Anything)
	mc.AssertCalled(t, "Close")
}

func TestMalformedEventsAreSkipped(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("malformed payloads are committed without reaching the handler", prop.ForAll(
		func(payload string) bool {
			s, mc, mh, _ := newService(nil)
			msg := consumer.Message{Value: []byte(payload)}
			mc.On("Commit", mock.Anything, msg).Return(nil)

			if err := s.handleMessage(context.Background(), msg); err != nil {
				return false
			}
			return mc.AssertNumberOfCalls(t, "Commit", 1) &&
				len(mh.Calls) == 0
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}

func TestStartStopsAndDrainsOnCancel(t *testing.T) {
	s, mc, _, md := newService(nil)
	msgs := make(chan consumer.Message)
	errs := make(chan error, 1)

	mc.On("Consume", mock.Anything).Return(msgs, errs)
	mc.On("Close").Return(nil)
	md.On("Shutdown", mock.Anything).Return(nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("service did not stop")
	}
	md.AssertCalled(t, "Shutdown", mock.Anything)
	mc.AssertCalled(t, "Close")
}

func TestStartReturnsConsumerError(t *testing.T) {
	s, mc, _, md := newService(nil)
	msgs := make(chan consumer.Message)
	errs := make(chan error, 1)
	errs <- errors.New("broker gone")

	mc.On("Consume", mock.Anything).Return(msgs, errs)
	mc.On("Close").Return(nil)
	md.On("Shutdown", mock.Anything).Return(nil)

	err := s.Start(context.Background())
	assert.ErrorContains(t, err, "broker gone")
}

func TestReloadRunsOnLoop(t *testing.T) {
	reloaded := make(chan struct{}, 1)
	s, mc, _, md := newService(func(ctx context.Context) error {
		reloaded <- struct{}{}
		return errors.New("database unreachable")
	})
	msgs := make(chan consumer.Message)
	errs := make(chan error, 1)

	mc.On("Consume", mock.Anything).Return(msgs, errs)
	mc.On("Close").Return(nil)
	md.On("Shutdown", mock.Anything).Return(nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	s.RequestReload()
	s.RequestReload()

	select {
	case <-reloaded:
	case <-time.After(2 * time.Second):
		t.Fatal("reload not run")
	}

	// a failed reload keeps the loop alive
	cancel()
	assert.NoError(t, <-done)
}

type MockReinit struct{ mock.Mock }

func (m *MockReinit) Reinitialize(ctx context.Context, cfg config.DatabaseConfig) error {
	return m.Called(ctx, cfg).Error(0)
}

type keyRecorder struct{ keys []stats.PlayerKey }

func (r *keyRecorder) Apply(ctx context.Context, key stats.PlayerKey, version string, merge store.MergeFunc) *worker.Future {
	r.keys = append(r.keys, key)
	return worker.Resolved(worker.Result{Saved: true})
}

func TestReloaderAppliesSettingsBeforePool(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
kafka:
  brokers: ["localhost:9092"]
  topic: sessions
database:
  tableName: stats_v2
settings:
  serverName: lobby
  minSessionTime: 120
`), 0o644))

	rec := &keyRecorder{}
	agg := session.NewAggregator(session.Config{ServerName: "root", MinSessionTime: 60},
		session.NewMemoryWindows(), nil, rec, logger.NewNop())
	db := new(MockReinit)
	db.On("Reinitialize", mock.Anything, mock.MatchedBy(func(cfg config.DatabaseConfig) bool {
		return cfg.TableName == "stats_v2"
	})).Return(errors.New("refused"))

	reload := NewReloader(path, db, Configurable{Aggregator: agg}, logger.NewNop())
	assert.ErrorContains(t, reload(context.Background()), "refused")
	db.AssertExpectations(t)

	// settings stay applied even though the pool rebuild failed: a 100s
	// session is under the new 120s gate, so no counters are required
	id := uuid.New()
	require.NoError(t, agg.OnSessionStart(context.Background(), id, time.Unix(0, 0)))
	out, err := agg.OnSessionEnd(context.Background(), session.SessionEnd{PlayerID: id, At: time.Unix(100, 0)})
	require.NoError(t, err)
	assert.Equal(t, session.OutcomeSaved, out)
	require.Len(t, rec.keys, 1)
	assert.Equal(t, "lobby", rec.keys[0].ServerName)
}

func TestReloaderRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database:\n  tableName: \"bad name\"\n"), 0o644))

	db := new(MockReinit)
	reload := NewReloader(path, db, Configurable{}, logger.NewNop())

	assert.Error(t, reload(context.Background()))
	db.AssertNotCalled(t, "Reinitialize", mock.Anything, mock.Anything)
}

func TestSettingsMapping(t *testing.T) {
	cfg := &config.AppConfig{Settings: config.SettingsConfig{
		ServerName:       "survival",
		MinSessionTime:   30,
		SaveAsync:        true,
		ShowSaveMessages: false,
	}}

	assert.Equal(t, store.Options{Async: true}, GatewayOptions(cfg))
	assert.Equal(t, session.Config{ServerName: "survival", MinSessionTime: 30}, AggregatorConfig(cfg))
}
