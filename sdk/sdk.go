// Package sdk is the boundary between a host application and the session
// lifecycle engine. Every entry point is synchronous, safe to call from any
// thread, never panics, and reports its outcome as an int8 status code.
//
// The package holds no state beyond one lazily built runner and the optional
// diagnostic log file.
package sdk

import (
	"io"
	"os"
	"sync"

	"github.com/bhandras/meshclient/internal/config"
	"github.com/bhandras/meshclient/internal/runner"
	"github.com/bhandras/meshclient/internal/session"
	"github.com/bhandras/meshclient/internal/version"
	"github.com/bhandras/meshclient/pkg/logger"
)

// lifecycle is the part of *runner.Runner the boundary calls.
type lifecycle interface {
	Start(creds session.Credentials) (runner.Result, error)
	Stop() (runner.Result, error)
	Current() (session.Snapshot, bool)
}

var (
	runnerMu sync.Mutex
	rn       lifecycle

	logMu   sync.Mutex
	logFile *logger.RotatingFile
)

// defaultRunner returns the process-wide runner, building it on first use
// from MESHCLIENT_* environment settings.
func defaultRunner() lifecycle {
	runnerMu.Lock()
	defer runnerMu.Unlock()

	if rn != nil {
		return rn
	}

	cfg, err := config.Load("")
	if err != nil {
		logger.Warnf("sdk: %v; using defaults", err)
		cfg = config.Default()
	}
	if level, err := logger.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	if cfg.LogDir != "" {
		if code := SetLogDirectory(cfg.LogDir); code != CodeOK {
			logger.Warnf("sdk: log directory %q unusable", cfg.LogDir)
		}
	}

	rn = runner.New(cfg)
	logger.Infof("sdk: meshclient %s ready", version.RichVersion())
	return rn
}

// swapRunner replaces the process-wide runner and returns the previous one.
func swapRunner(r lifecycle) lifecycle {
	runnerMu.Lock()
	defer runnerMu.Unlock()
	prev := rn
	rn = r
	return prev
}

// RunLib starts a background session for the given account.
//
// It returns CodeOK when a session was started or one was already running
// (the running session keeps its credentials), CodeInvalidArgument for
// empty or malformed arguments, and CodeSpawnFailed when the session could
// not be brought up. Authentication happens after RunLib returns.
func RunLib(url, email, password string) (code int8) {
	defer func() {
		if r := recover(); r != nil {
			logger.Panic("RunLib", r)
			code = CodeInternalFault
		}
	}()

	res, err := defaultRunner().Start(session.Credentials{
		URL:      url,
		Email:    email,
		Password: password,
	})
	if err != nil {
		logger.Warnf("run_lib: %v", err)
		return CodeFor(err)
	}
	if res == runner.ResultAlreadyRunning {
		logger.Infof("run_lib: session already running")
	}
	return CodeOK
}

// StopLib stops the background session.
//
// It returns CodeOK when the session stopped or none was running, and
// CodeTimeout when the session did not acknowledge in time; in that case
// the session is abandoned and a new one may be started.
func StopLib() (code int8) {
	defer func() {
		if r := recover(); r != nil {
			logger.Panic("StopLib", r)
			code = CodeInternalFault
		}
	}()

	res, err := defaultRunner().Stop()
	if err != nil {
		logger.Warnf("stop_lib: %v", err)
		return CodeFor(err)
	}
	if res == runner.ResultAlreadyStopped {
		logger.Debugf("stop_lib: no session running")
	}
	return CodeOK
}

// SessionCode reports the state of the most recent session: CodeOK while it
// runs or after a clean stop, otherwise the code of its failure (for
// example CodeAuthenticationFailed after a rejected login).
func SessionCode() (code int8) {
	defer func() {
		if r := recover(); r != nil {
			logger.Panic("SessionCode", r)
			code = CodeInternalFault
		}
	}()

	snap, ok := defaultRunner().Current()
	if !ok {
		return CodeOK
	}
	return CodeForSnapshot(snap)
}

// SetLogDirectory mirrors all log output into a rotating file under dir.
func SetLogDirectory(dir string) (code int8) {
	defer func() {
		if r := recover(); r != nil {
			logger.Panic("SetLogDirectory", r)
			code = CodeInternalFault
		}
	}()

	f, err := logger.OpenRotatingFile(dir, "", 0, 0)
	if err != nil {
		logger.Warnf("sdk: open log directory: %v", err)
		return CodeInvalidArgument
	}

	logMu.Lock()
	prev := logFile
	logFile = f
	logMu.Unlock()

	logger.SetOutput(io.MultiWriter(os.Stderr, f))
	if prev != nil {
		_ = prev.Close()
	}
	logger.Infof("sdk: logging to %s", f.Path())
	return CodeOK
}

// Version returns the library version.
func Version() string {
	return version.RichVersion()
}
