package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"trace":   LevelTrace,
		"DEBUG":   LevelDebug,
		" info ":  LevelInfo,
		"":        LevelInfo,
		"warning": LevelWarn,
		"error":   LevelError,
	}
	for raw, want := range cases {
		got, err := ParseLevel(raw)
		require.NoError(t, err, raw)
		require.Equal(t, want, got, raw)
	}

	_, err := ParseLevel("loud")
	require.Error(t, err)
}

func TestLevelThreshold(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	SetLevel(LevelWarn)
	t.Cleanup(func() {
		SetOutput(os.Stderr)
		SetLevel(LevelInfo)
	})

	Infof("hidden %d", 1)
	Warnf("shown %d", 2)
	Errorf("also shown")

	out := buf.String()
	require.NotContains(t, out, "hidden")
	require.Contains(t, out, "shown 2")
	require.Contains(t, out, "also shown")
	require.False(t, Enabled(LevelDebug))
	require.True(t, Enabled(LevelError))
}

func TestTraceLevelIsLabelled(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	SetLevel(LevelTrace)
	t.Cleanup(func() {
		SetOutput(os.Stderr)
		SetLevel(LevelInfo)
	})

	Tracef("wire detail")
	require.Contains(t, buf.String(), "level=TRACE")
	require.Contains(t, buf.String(), "wire detail")
}

func TestRotatingFileRotates(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	r, err := OpenRotatingFile(dir, "test.log", 16, 3)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	for i := 0; i < 5; i++ {
		_, err := r.Write([]byte(strings.Repeat("x", 10) + "\n"))
		require.NoError(t, err)
	}

	_, err = os.Stat(filepath.Join(dir, "test.log"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "test.log.1"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "test.log.2"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "test.log.3"))
	require.True(t, os.IsNotExist(err))
}

func TestRotatingFileRequiresDir(t *testing.T) {
	t.Parallel()

	_, err := OpenRotatingFile("", "x.log", 0, 0)
	require.Error(t, err)
}

func TestPanicLogsStack(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() { SetOutput(os.Stderr) })

	func() {
		defer func() {
			if r := recover(); r != nil {
				Panic("TestPanicLogsStack", r)
			}
		}()
		panic("kaboom")
	}()

	out := buf.String()
	require.Contains(t, out, "GO PANIC: TestPanicLogsStack: kaboom")
	require.Contains(t, out, "stack=")
}
