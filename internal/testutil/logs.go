// Package testutil holds small test helpers shared across this
// module's packages.
package testutil

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// ObservedLogger returns a *zap.Logger backed by an in-memory observer,
// so a test can assert on what was logged without a real sink.
func ObservedLogger() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return zap.New(core), logs
}

// EnsureNoErrors calls t.Error if logs contains any ErrorLevel (or
// above) entry. Intended to run after exercising the code under test,
// so unexpected error logs surface as a test failure.
func EnsureNoErrors(t *testing.T, logs *observer.ObservedLogs) {
	t.Helper()
	for _, e := range logs.TakeAll() {
		if e.Level >= zapcore.ErrorLevel {
			t.Errorf("unexpected error log: %s %v", e.Message, e.ContextMap())
		}
	}
}
