package logging

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLog(t *testing.T) (*SecurityLog, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger := NewLogger(Config{Level: "info", Output: &buf})
	return NewSecurityLog(logger, 64), &buf
}

func TestSecurityLogDrainsOnClose(t *testing.T) {
	seclog, buf := newTestLog(t)

	require.True(t, seclog.Emit(SecurityEvent{Kind: "refusal", Ticket: "t-1", UserID: "u-1"}))
	require.True(t, seclog.Emit(SecurityEvent{Kind: "audit", Ticket: "t-2", UserID: "u-1"}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, seclog.Close(ctx))

	out := buf.String()
	assert.Contains(t, out, "t-1")
	assert.Contains(t, out, "t-2")
	assert.EqualValues(t, 0, seclog.Dropped())
}

func TestEmitAfterCloseIsDropped(t *testing.T) {
	seclog, _ := newTestLog(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, seclog.Close(ctx))

	assert.False(t, seclog.Emit(SecurityEvent{Kind: "refusal", Ticket: "t-1"}))
	assert.EqualValues(t, 1, seclog.Dropped())
}

func TestEmitConcurrentWithCloseDoesNotPanic(t *testing.T) {
	seclog, buf := newTestLog(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				seclog.Emit(SecurityEvent{Kind: "refusal", Ticket: "t-race"})
			}
		}()
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, seclog.Close(ctx))
	wg.Wait()

	// Everything accepted before the close must have been written.
	written := strings.Count(buf.String(), "t-race")
	assert.EqualValues(t, 1600-seclog.Dropped(), written)
}
