package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bhandras/meshclient/internal/config"
	"github.com/bhandras/meshclient/internal/metrics"
	"github.com/bhandras/meshclient/internal/runner"
	"github.com/bhandras/meshclient/internal/session"
	"github.com/bhandras/meshclient/pkg/logger"
	"github.com/bhandras/meshclient/sdk"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

// passwordEnv is read when --password is not given.
const passwordEnv = "MESHCLIENT_PASSWORD"

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a session until interrupted or until it fails",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		logLevel, _ := cmd.Flags().GetString("log-level")
		metricsAddr, _ := cmd.Flags().GetString("metrics-listen")

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
		level, err := logger.ParseLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger.SetLevel(level)
		if cfg.LogDir != "" && sdk.SetLogDirectory(cfg.LogDir) != sdk.CodeOK {
			return fmt.Errorf("log directory %q unusable", cfg.LogDir)
		}

		creds := session.Credentials{}
		creds.URL, _ = cmd.Flags().GetString("url")
		creds.Email, _ = cmd.Flags().GetString("email")
		creds.Password, _ = cmd.Flags().GetString("password")
		if creds.Password == "" {
			creds.Password = os.Getenv(passwordEnv)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		m := metrics.New()
		if metricsAddr != "" {
			srv, err := serveMetrics(metricsAddr, m)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
		}

		code, err := runSession(ctx, runner.New(cfg, runner.WithMetrics(m)), creds, cmd.OutOrStdout())
		if code != sdk.CodeOK {
			return &exitError{code: code, err: err}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().String("url", "", "Mesh service base URL")
	runCmd.Flags().String("email", "", "Account email")
	runCmd.Flags().String("password", "", "Account password (default $"+passwordEnv+")")
	runCmd.Flags().String("metrics-listen", "", "Serve Prometheus metrics on this address, e.g. 127.0.0.1:9464")
}

// runSession starts a session on r and blocks until ctx is done or the
// session ends on its own. It returns the status code the library would
// report for the same outcome.
func runSession(ctx context.Context, r *runner.Runner, creds session.Credentials, out io.Writer) (int8, error) {
	if _, err := r.Start(creds); err != nil {
		return sdk.CodeFor(err), err
	}
	snap, _ := r.Current()
	fmt.Fprintf(out, "session %s started for %s\n", snap.ID, snap.Email)

	snap, err := r.Wait(ctx)
	if err == nil {
		fmt.Fprintf(out, "session %s ended: %s\n", snap.ID, snap.Status)
		code := sdk.CodeForSnapshot(snap)
		if code != sdk.CodeOK {
			return code, errors.New(snap.Err)
		}
		return code, nil
	}

	// Interrupted: stop cooperatively.
	res, err := r.Stop()
	if err != nil {
		return sdk.CodeFor(err), err
	}
	if res == runner.ResultAlreadyStopped {
		// The session ended on its own while we were being interrupted.
		if last, ok := r.Current(); ok && sdk.CodeForSnapshot(last) != sdk.CodeOK {
			return sdk.CodeForSnapshot(last), errors.New(last.Err)
		}
	}
	fmt.Fprintf(out, "session %s stopped\n", snap.ID)
	return sdk.CodeOK, nil
}

func serveMetrics(addr string, m *metrics.Metrics) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warnf("metrics server: %v", err)
		}
	}()
	logger.Infof("metrics on http://%s/metrics", ln.Addr())
	return srv, nil
}
