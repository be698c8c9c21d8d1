// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

// recordingT captures Fatalf instead of stopping the goroutine, so the
// helpers' failure paths can be observed. Fatalf panics to unwind the
// helper the same way runtime.Goexit would.
type recordingT struct {
	message string
}

type fatalPanic struct{}

func (r *recordingT) Helper() {}

func (r *recordingT) Fatalf(format string, args ...any) {
	r.message = fmt.Sprintf(format, args...)
	panic(fatalPanic{})
}

func captureFatal(run func(t *recordingT)) (message string) {
	recorder := &recordingT{}
	defer func() {
		if recovered := recover(); recovered != nil {
			if _, ok := recovered.(fatalPanic); !ok {
				panic(recovered)
			}
		}
		message = recorder.message
	}()
	run(recorder)
	return ""
}

func TestRequireReceive(t *testing.T) {
	t.Parallel()
	channel := make(chan int, 1)
	channel <- 7
	if got := RequireReceive(t, channel, time.Second, "value"); got != 7 {
		t.Fatalf("got %d, want 7", got)
	}
}

func TestRequireReceiveClosed(t *testing.T) {
	t.Parallel()
	channel := make(chan int)
	close(channel)
	message := captureFatal(func(recorder *recordingT) {
		RequireReceive(recorder, channel, time.Second, "replay for %s", "viewer")
	})
	if !strings.Contains(message, "channel closed") || !strings.Contains(message, "replay for viewer") {
		t.Fatalf("unexpected failure message %q", message)
	}
}

func TestRequireReceiveTimeout(t *testing.T) {
	t.Parallel()
	channel := make(chan int)
	message := captureFatal(func(recorder *recordingT) {
		RequireReceive(recorder, channel, 10*time.Millisecond)
	})
	if !strings.Contains(message, "timed out") || !strings.Contains(message, "(no message)") {
		t.Fatalf("unexpected failure message %q", message)
	}
}

func TestRequireClosed(t *testing.T) {
	t.Parallel()
	channel := make(chan struct{})
	close(channel)
	RequireClosed(t, channel, time.Second, "closed channel")
}

func TestUniqueID(t *testing.T) {
	t.Parallel()
	first := UniqueID("session")
	second := UniqueID("session")
	if first == second {
		t.Fatalf("UniqueID returned %q twice", first)
	}
	if !strings.HasPrefix(first, "session-") {
		t.Errorf("UniqueID = %q, want session- prefix", first)
	}
}
