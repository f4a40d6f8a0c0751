package common

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSafeGoRunsFunction(t *testing.T) {
	done := make(chan struct{})
	SafeGo(GetLogger(), "test-run", func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("function never ran")
	}
}

func TestSafeGoRecoversPanic(t *testing.T) {
	done := make(chan struct{})
	SafeGo(GetLogger(), "test-panic", func() {
		defer close(done)
		panic("boom")
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("panicking goroutine never unwound")
	}
	// Reaching this point means the panic stayed inside the goroutine.
}

func TestSafeGoNilLoggerFallsBackToStderr(t *testing.T) {
	done := make(chan struct{})
	SafeGo(nil, "test-nil-logger", func() {
		defer close(done)
		panic("boom")
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("panicking goroutine never unwound")
	}
}

func TestSafeGoCountsSpawns(t *testing.T) {
	before := GetGoroutineCount()
	done := make(chan struct{})
	SafeGo(GetLogger(), "test-count", func() { close(done) })

	assert.Equal(t, before+1, GetGoroutineCount())
	<-done
}
