// Package worker runs the long-lived part of a session: the first login,
// the periodic uptime and bandwidth reports, and the optional live channel.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bhandras/meshclient/internal/api"
	"github.com/bhandras/meshclient/internal/config"
	"github.com/bhandras/meshclient/internal/metrics"
	"github.com/bhandras/meshclient/internal/session"
	"github.com/bhandras/meshclient/internal/websocket"
	"github.com/bhandras/meshclient/pkg/logger"
	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
)

// API is the subset of the remote service used by the worker.
type API interface {
	GetToken(ctx context.Context, email, password string) (api.Token, error)
	CheckToken(ctx context.Context, email string, token api.Token) (api.Token, error)
	ReportUptime(ctx context.Context, email string, token api.Token, up api.Uptime) error
	SubmitBandwidth(ctx context.Context, email string, token api.Token, bw api.Bandwidth) error
	MeasureDownload(ctx context.Context, probeURL string) (api.Bandwidth, error)
}

// LiveChannel is a long-running connection driven by Run until ctx ends.
type LiveChannel interface {
	Run(ctx context.Context) error
	Close() error
}

// LiveDialer builds the live channel. token returns the api token currently
// held by the worker, which may change after a re-login.
type LiveDialer func(creds session.Credentials, token func() api.Token) (LiveChannel, error)

// Option configures a Worker.
type Option func(*Worker)

// WithAPI replaces the HTTP client.
func WithAPI(a API) Option {
	return func(w *Worker) { w.api = a }
}

// WithLiveDialer replaces the live channel constructor. A nil dialer
// disables the channel.
func WithLiveDialer(d LiveDialer) Option {
	return func(w *Worker) { w.live = d }
}

// WithMetrics records report outcomes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Worker) { w.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

// Worker drives one session. A Worker is single use.
type Worker struct {
	creds   session.Credentials
	cfg     *config.Config
	api     API
	live    LiveDialer
	metrics *metrics.Metrics
	now     func() time.Time

	startedAt     time.Time
	lastBandwidth time.Time
	failures      int

	tokenMu sync.Mutex
	token   api.Token
}

// New builds a worker for creds. Without options it talks HTTP to
// creds.URL and, if cfg.LiveChannel is set, opens the websocket channel.
func New(creds session.Credentials, cfg *config.Config, opts ...Option) *Worker {
	if cfg == nil {
		cfg = config.Default()
	}
	w := &Worker{
		creds: creds,
		cfg:   cfg,
		api:   api.NewClient(creds.URL, cfg.RequestTimeout),
		now:   time.Now,
	}
	if cfg.LiveChannel {
		w.live = w.dialWebsocket
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run executes the session until ctx is cancelled or the session fails.
//
// ready is called once, before any network activity, to confirm the worker
// is executing. A nil return means the worker observed cancellation and
// exited cleanly. Failures are returned as *session.FailureError.
func (w *Worker) Run(ctx context.Context, ready func()) (err error) {
	defer recoverFailure("worker", &err)

	if ready != nil {
		ready()
	}
	w.startedAt = w.now()

	logger.Infof("session %s: logging in", w.creds)
	tok, err := w.login(ctx)
	if err != nil {
		if ctx.Err() != nil {
			logger.Debugf("session %s: cancelled during login", w.creds)
			return nil
		}
		logger.Warnf("session %s: login failed: %v", w.creds, err)
		return session.NewFailure(session.ReasonAuthenticationFailed, err)
	}
	w.setToken(tok)
	logger.Infof("session %s: logged in", w.creds)

	g, gctx := errgroup.WithContext(ctx)

	if w.live != nil {
		ch, err := w.live(w.creds, w.currentToken)
		if err != nil {
			logger.Warnf("session %s: live channel disabled: %v", w.creds, err)
		} else {
			g.Go(func() (err error) {
				defer recoverFailure("live channel", &err)
				defer ch.Close()
				if err := ch.Run(gctx); err != nil {
					logger.Warnf("session %s: live channel: %v", w.creds, err)
				}
				return nil
			})
		}
	}

	g.Go(func() (err error) {
		defer recoverFailure("report loop", &err)
		return w.loop(gctx)
	})

	return g.Wait()
}

// loop repeats units of work until cancellation or too many failures.
func (w *Worker) loop(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.cfg.BackoffInitial
	b.MaxInterval = w.cfg.BackoffMax
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		if ctx.Err() != nil {
			return nil
		}

		err := w.step(ctx)

		if ctx.Err() != nil {
			return nil
		}

		delay := w.cfg.ReportInterval
		if err != nil {
			w.failures++
			logger.Warnf("session %s: work failed (%d/%d): %v",
				w.creds, w.failures, w.cfg.MaxConsecutiveFailures, err)
			if w.failures >= w.cfg.MaxConsecutiveFailures {
				return session.NewFailure(session.ReasonTooManyFailures, err)
			}
			delay = b.NextBackOff()
		} else {
			w.failures = 0
			b.Reset()
		}

		if !sleep(ctx, delay) {
			return nil
		}
	}
}

// step is one unit of work: refresh the token if needed, report uptime and,
// when due, report bandwidth.
func (w *Worker) step(ctx context.Context) error {
	tok := w.currentToken()
	if tok.IsZero() || tok.ExpiringWithin(w.now(), w.cfg.TokenRefreshWindow) {
		fresh, err := w.login(ctx)
		if err != nil {
			return fmt.Errorf("re-login: %w", err)
		}
		w.setToken(fresh)
		tok = fresh
		logger.Debugf("session %s: api token refreshed", w.creds)
	}

	up := api.Uptime{Duration: w.now().Sub(w.startedAt)}
	err := w.call(ctx, func(ctx context.Context) error {
		return w.api.ReportUptime(ctx, w.creds.Email, tok, up)
	})
	w.metrics.RecordReport(metrics.KindUptime, err)
	if err != nil {
		w.handleUnauthorized(ctx, tok, err)
		return fmt.Errorf("report uptime: %w", err)
	}
	logger.Tracef("session %s: uptime %s reported", w.creds, up.Duration.Round(time.Second))

	if w.bandwidthDue() {
		w.reportBandwidth(ctx, tok)
	}
	return nil
}

func (w *Worker) bandwidthDue() bool {
	if w.cfg.SpeedTestURL == "" {
		return false
	}
	return w.lastBandwidth.IsZero() || w.now().Sub(w.lastBandwidth) >= w.cfg.BandwidthInterval
}

// reportBandwidth measures and submits bandwidth. Its failures are logged
// but do not count against the session.
func (w *Worker) reportBandwidth(ctx context.Context, tok api.Token) {
	w.lastBandwidth = w.now()

	var bw api.Bandwidth
	err := w.call(ctx, func(ctx context.Context) error {
		var err error
		bw, err = w.api.MeasureDownload(ctx, w.cfg.SpeedTestURL)
		return err
	})
	if err == nil {
		err = w.call(ctx, func(ctx context.Context) error {
			return w.api.SubmitBandwidth(ctx, w.creds.Email, tok, bw)
		})
		if err != nil {
			w.handleUnauthorized(ctx, tok, err)
		}
	}
	w.metrics.RecordReport(metrics.KindBandwidth, err)
	if err != nil {
		if ctx.Err() == nil {
			logger.Warnf("session %s: bandwidth report: %v", w.creds, err)
		}
		return
	}
	logger.Debugf("session %s: bandwidth %.2f Mbps down, %.1f ms",
		w.creds, bw.DownloadMbps, bw.LatencyMs)
}

// handleUnauthorized asks the service whether tok is still valid after a
// 401/403 and drops it if not, so the next unit of work logs in again.
func (w *Worker) handleUnauthorized(ctx context.Context, tok api.Token, err error) {
	if !errors.Is(err, api.ErrUnauthorized) {
		return
	}
	checkErr := w.call(ctx, func(ctx context.Context) error {
		_, err := w.api.CheckToken(ctx, w.creds.Email, tok)
		return err
	})
	if checkErr == nil {
		logger.Debugf("session %s: api token still valid after %v", w.creds, err)
		return
	}
	logger.Infof("session %s: api token revoked, will log in again", w.creds)
	w.tokenMu.Lock()
	if w.token.Value == tok.Value {
		w.token = api.Token{}
	}
	w.tokenMu.Unlock()
}

func (w *Worker) login(ctx context.Context) (api.Token, error) {
	var tok api.Token
	err := w.call(ctx, func(ctx context.Context) error {
		var err error
		tok, err = w.api.GetToken(ctx, w.creds.Email, w.creds.Password)
		return err
	})
	w.metrics.RecordReport(metrics.KindLogin, err)
	return tok, err
}

// call runs fn with a context bounded by RequestTimeout.
func (w *Worker) call(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.RequestTimeout)
	defer cancel()
	return fn(ctx)
}

func (w *Worker) currentToken() api.Token {
	w.tokenMu.Lock()
	defer w.tokenMu.Unlock()
	return w.token
}

func (w *Worker) setToken(tok api.Token) {
	w.tokenMu.Lock()
	defer w.tokenMu.Unlock()
	w.token = tok
}

// dialWebsocket is the default LiveDialer.
func (w *Worker) dialWebsocket(creds session.Credentials, token func() api.Token) (LiveChannel, error) {
	if _, err := websocket.URLFor(creds.URL, creds.Email, ""); err != nil {
		return nil, err
	}
	endpoint := func() (string, error) {
		tok := token()
		if tok.IsZero() {
			return "", errors.New("no api token")
		}
		return websocket.URLFor(creds.URL, creds.Email, tok.Value)
	}
	return websocket.NewClient("",
		websocket.WithEndpointFunc(endpoint),
		websocket.WithBackoff(w.cfg.BackoffInitial, w.cfg.BackoffMax),
		websocket.WithDialTimeout(w.cfg.RequestTimeout),
		websocket.WithOnConnect(w.metrics.LiveConnected),
		websocket.WithHandler(func(websocket.Message) { w.metrics.LiveMessage() }),
	), nil
}

// sleep waits for d or until ctx is done. It reports whether the full delay
// elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// recoverFailure converts a panic into an InternalFault failure.
func recoverFailure(where string, err *error) {
	if r := recover(); r != nil {
		logger.Panic(where, r)
		*err = session.NewFailure(session.ReasonInternalFault, fmt.Errorf("panic in %s: %v", where, r))
	}
}
