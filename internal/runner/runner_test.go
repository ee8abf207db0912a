package runner

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bhandras/meshclient/internal/config"
	"github.com/bhandras/meshclient/internal/metrics"
	"github.com/bhandras/meshclient/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// workerFunc adapts a function to Worker.
type workerFunc func(ctx context.Context, ready func()) error

func (f workerFunc) Run(ctx context.Context, ready func()) error { return f(ctx, ready) }

// cooperative confirms and then blocks until cancelled.
func cooperative(ctx context.Context, ready func()) error {
	ready()
	<-ctx.Done()
	return nil
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.SpawnTimeout = time.Second
	cfg.StopTimeout = time.Second
	cfg.LiveChannel = false
	return cfg
}

func creds(email string) session.Credentials {
	return session.Credentials{URL: "https://mesh.example.com", Email: email, Password: "pw"}
}

// fixedFactory returns a factory building fn and counting builds.
func fixedFactory(count *atomic.Int32, fn workerFunc) WorkerFactory {
	return func(*session.Session) (Worker, error) {
		if count != nil {
			count.Add(1)
		}
		return fn, nil
	}
}

func TestStartThenStop(t *testing.T) {
	t.Parallel()

	m := metrics.New()
	r := New(testConfig(), WithWorkerFactory(fixedFactory(nil, cooperative)), WithMetrics(m))

	res, err := r.Start(creds("a@b.c"))
	require.NoError(t, err)
	require.Equal(t, ResultStarted, res)

	snap, ok := r.Current()
	require.True(t, ok)
	require.Equal(t, session.StatusRunning, snap.Status)
	require.Equal(t, "a@b.c", snap.Email)

	res, err = r.Stop()
	require.NoError(t, err)
	require.Equal(t, ResultStopped, res)

	_, ok = r.Current()
	require.False(t, ok)

	require.Equal(t, 1.0, metricValue(t, m, "meshclient_sessions_started_total"))
	require.Equal(t, 1.0, metricValue(t, m, "meshclient_sessions_ended_total"))
	require.Equal(t, 0.0, metricValue(t, m, "meshclient_session_running"))
}

// metricValue sums every series of the named family.
func metricValue(t *testing.T, m *metrics.Metrics, name string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)

	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			switch {
			case metric.GetCounter() != nil:
				total += metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				total += metric.GetGauge().GetValue()
			}
		}
	}
	return total
}

func TestSecondStartKeepsFirstCredentials(t *testing.T) {
	t.Parallel()

	var builds atomic.Int32
	r := New(testConfig(), WithWorkerFactory(fixedFactory(&builds, cooperative)))
	defer r.Close()

	res, err := r.Start(creds("first@b.c"))
	require.NoError(t, err)
	require.Equal(t, ResultStarted, res)
	first, _ := r.Current()

	res, err = r.Start(creds("second@b.c"))
	require.NoError(t, err)
	require.Equal(t, ResultAlreadyRunning, res)

	snap, ok := r.Current()
	require.True(t, ok)
	require.Equal(t, first.ID, snap.ID)
	require.Equal(t, "first@b.c", snap.Email)
	require.EqualValues(t, 1, builds.Load())
}

func TestStopWithoutSessionIsNoop(t *testing.T) {
	t.Parallel()

	r := New(testConfig(), WithWorkerFactory(fixedFactory(nil, cooperative)))
	for i := 0; i < 3; i++ {
		res, err := r.Stop()
		require.NoError(t, err)
		require.Equal(t, ResultAlreadyStopped, res)
	}
	_, ok := r.Current()
	require.False(t, ok)

	_, err := r.Wait(context.Background())
	require.ErrorIs(t, err, ErrNoSession)
}

func TestRestartAfterStop(t *testing.T) {
	t.Parallel()

	var builds atomic.Int32
	r := New(testConfig(), WithWorkerFactory(fixedFactory(&builds, cooperative)))
	defer r.Close()

	_, err := r.Start(creds("a@b.c"))
	require.NoError(t, err)
	first, _ := r.Current()
	_, err = r.Stop()
	require.NoError(t, err)

	res, err := r.Start(creds("a@b.c"))
	require.NoError(t, err)
	require.Equal(t, ResultStarted, res)
	second, ok := r.Current()
	require.True(t, ok)
	require.NotEqual(t, first.ID, second.ID)
	require.EqualValues(t, 2, builds.Load())
}

func TestInvalidArgumentsNeverSpawn(t *testing.T) {
	t.Parallel()

	var builds atomic.Int32
	r := New(testConfig(), WithWorkerFactory(fixedFactory(&builds, cooperative)))

	for _, c := range []session.Credentials{
		{URL: "", Email: "a@b.c", Password: "pw"},
		{URL: "https://x.io", Email: "", Password: "pw"},
		{URL: "https://x.io", Email: "a@b.c", Password: ""},
		{URL: "not a url", Email: "a@b.c", Password: "pw"},
	} {
		res, err := r.Start(c)
		require.ErrorIs(t, err, ErrInvalidArgument)
		require.ErrorIs(t, err, session.ErrInvalidCredentials)
		require.Equal(t, ResultNone, res)
	}
	require.Zero(t, builds.Load())
	_, ok := r.Current()
	require.False(t, ok)
}

func TestInvalidArgumentsWhileRunning(t *testing.T) {
	t.Parallel()

	r := New(testConfig(), WithWorkerFactory(fixedFactory(nil, cooperative)))
	defer r.Close()

	_, err := r.Start(creds("a@b.c"))
	require.NoError(t, err)

	_, err = r.Start(session.Credentials{URL: "https://x.io", Email: "", Password: "pw"})
	require.ErrorIs(t, err, ErrInvalidArgument)

	snap, ok := r.Current()
	require.True(t, ok)
	require.Equal(t, session.StatusRunning, snap.Status)
}

func TestAuthenticationFailureThenCorrectedStart(t *testing.T) {
	t.Parallel()

	factory := func(s *session.Session) (Worker, error) {
		if s.Credentials().Password == "wrong" {
			return workerFunc(func(_ context.Context, ready func()) error {
				ready()
				return session.NewFailure(session.ReasonAuthenticationFailed,
					errors.New("password mismatch"))
			}), nil
		}
		return workerFunc(cooperative), nil
	}
	r := New(testConfig(), WithWorkerFactory(factory))
	defer r.Close()

	bad := creds("a@b.c")
	bad.Password = "wrong"
	res, err := r.Start(bad)
	require.NoError(t, err)
	require.Equal(t, ResultStarted, res)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := r.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, session.StatusFailed, snap.Status)
	require.Equal(t, session.ReasonAuthenticationFailed, snap.Reason)

	// The failed session is not live: stop is a no-op and start succeeds.
	res, err = r.Stop()
	require.NoError(t, err)
	require.Equal(t, ResultAlreadyStopped, res)

	res, err = r.Start(creds("a@b.c"))
	require.NoError(t, err)
	require.Equal(t, ResultStarted, res)
	snap, _ = r.Current()
	require.Equal(t, session.StatusRunning, snap.Status)
}

func TestStopTimeoutAbandonsWorker(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	defer close(release)

	m := metrics.New()
	cfg := testConfig()
	cfg.StopTimeout = 50 * time.Millisecond

	var builds atomic.Int32
	factory := func(*session.Session) (Worker, error) {
		if builds.Add(1) == 1 {
			return workerFunc(func(_ context.Context, ready func()) error {
				ready()
				<-release // ignores cancellation
				return nil
			}), nil
		}
		return workerFunc(cooperative), nil
	}
	r := New(cfg, WithWorkerFactory(factory), WithMetrics(m))
	defer r.Close()

	_, err := r.Start(creds("a@b.c"))
	require.NoError(t, err)

	start := time.Now()
	res, err := r.Stop()
	require.ErrorIs(t, err, ErrStopTimeout)
	require.Equal(t, ResultNone, res)
	require.Less(t, time.Since(start), 2*time.Second)

	_, ok := r.Current()
	require.False(t, ok)
	require.Equal(t, 1.0, metricValue(t, m, "meshclient_stop_timeouts_total"))

	// The slot is free again even though the stale goroutine still runs.
	res, err = r.Start(creds("a@b.c"))
	require.NoError(t, err)
	require.Equal(t, ResultStarted, res)
}

func TestStaleWorkerCannotResurrectSession(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	cfg := testConfig()
	cfg.StopTimeout = 20 * time.Millisecond

	var stale *session.Session
	factory := func(s *session.Session) (Worker, error) {
		stale = s
		return workerFunc(func(_ context.Context, ready func()) error {
			ready()
			<-release
			return errors.New("late error")
		}), nil
	}
	r := New(cfg, WithWorkerFactory(factory))

	_, err := r.Start(creds("a@b.c"))
	require.NoError(t, err)
	_, err = r.Stop()
	require.ErrorIs(t, err, ErrStopTimeout)

	close(release)
	select {
	case <-stale.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("stale worker did not exit")
	}
	require.Equal(t, session.StatusFailed, stale.Status())
	require.Equal(t, session.ReasonStopTimeout, stale.Failure().Reason)
}

func TestSpawnFailures(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		factory WorkerFactory
	}{
		{"factory error", func(*session.Session) (Worker, error) {
			return nil, errors.New("no resources")
		}},
		{"nil worker", func(*session.Session) (Worker, error) {
			return nil, nil
		}},
		{"factory panic", func(*session.Session) (Worker, error) {
			panic("boom")
		}},
		{"exit before confirming", fixedFactory(nil, func(context.Context, func()) error {
			return nil
		})},
		{"never confirms", fixedFactory(nil, func(ctx context.Context, _ func()) error {
			<-ctx.Done()
			return nil
		})},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.SpawnTimeout = 50 * time.Millisecond
			r := New(cfg, WithWorkerFactory(tc.factory))

			res, err := r.Start(creds("a@b.c"))
			require.ErrorIs(t, err, ErrSpawnFailed)
			require.Equal(t, ResultNone, res)

			snap, ok := r.Current()
			require.True(t, ok)
			require.Equal(t, session.StatusFailed, snap.Status)
			require.Equal(t, session.ReasonSpawnFailed, snap.Reason)

			res, err = r.Stop()
			require.NoError(t, err)
			require.Equal(t, ResultAlreadyStopped, res)
		})
	}
}

func TestWorkerPanicBecomesInternalFault(t *testing.T) {
	t.Parallel()

	r := New(testConfig(), WithWorkerFactory(fixedFactory(nil, func(_ context.Context, ready func()) error {
		ready()
		panic("worker bug")
	})))

	_, err := r.Start(creds("a@b.c"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := r.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, session.StatusFailed, snap.Status)
	require.Equal(t, session.ReasonInternalFault, snap.Reason)
}

func TestWorkerExitingOnItsOwnIsFault(t *testing.T) {
	t.Parallel()

	r := New(testConfig(), WithWorkerFactory(fixedFactory(nil, func(_ context.Context, ready func()) error {
		ready()
		return nil
	})))

	_, err := r.Start(creds("a@b.c"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := r.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, session.ReasonInternalFault, snap.Reason)
}

func TestStartDoesNotWaitForWork(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	r := New(testConfig(), WithWorkerFactory(fixedFactory(nil, func(ctx context.Context, ready func()) error {
		ready()
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})))
	defer r.Close()
	defer close(release)

	start := time.Now()
	_, err := r.Start(creds("a@b.c"))
	require.NoError(t, err)
	require.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestConcurrentStartStopKeepsOneSession(t *testing.T) {
	t.Parallel()

	var active, maxActive atomic.Int32
	factory := fixedFactory(nil, func(ctx context.Context, ready func()) error {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			cur := maxActive.Load()
			if n <= cur || maxActive.CompareAndSwap(cur, n) {
				break
			}
		}
		ready()
		<-ctx.Done()
		return nil
	})
	r := New(testConfig(), WithWorkerFactory(factory))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for j := 0; j < 25; j++ {
				if rng.Intn(2) == 0 {
					res, err := r.Start(creds("a@b.c"))
					assert.NoError(t, err)
					assert.Contains(t, []Result{ResultStarted, ResultAlreadyRunning}, res)
				} else {
					res, err := r.Stop()
					assert.NoError(t, err)
					assert.Contains(t, []Result{ResultStopped, ResultAlreadyStopped}, res)
				}
			}
		}(int64(i))
	}
	wg.Wait()

	_, err := r.Stop()
	require.NoError(t, err)
	require.LessOrEqual(t, maxActive.Load(), int32(1))
	require.Eventually(t, func() bool { return active.Load() == 0 },
		time.Second, time.Millisecond)
}

func TestCloseStopsLiveSession(t *testing.T) {
	t.Parallel()

	var stopped atomic.Bool
	r := New(testConfig(), WithWorkerFactory(fixedFactory(nil, func(ctx context.Context, ready func()) error {
		ready()
		<-ctx.Done()
		stopped.Store(true)
		return nil
	})))

	_, err := r.Start(creds("a@b.c"))
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.True(t, stopped.Load())
	require.NoError(t, r.Close())
}
