package testutils

import (
	"bytes"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
)

// NewLogger returns a debug-level logger whose output lands in the test log.
func NewLogger(t testing.TB) *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	logger.SetOutput(&testWriter{t: t})
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	return logger
}

type testWriter struct {
	mu   sync.Mutex
	t    testing.TB
	done bool
}

func (w *testWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.done {
		w.t.Log(string(bytes.TrimRight(p, "\n")))
	}
	return len(p), nil
}

// Silence stops forwarding; loggers outliving the test must not call t.Log.
func Silence(logger *logrus.Logger) {
	if w, ok := logger.Out.(*testWriter); ok {
		w.mu.Lock()
		w.done = true
		w.mu.Unlock()
	}
}
