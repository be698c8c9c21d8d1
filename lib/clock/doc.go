// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock is the injectable time source for holdfast.
//
// The session daemon schedules its exit-linger deadline and the
// supervisor stamps registry probe times through a Clock rather than
// the time package, so tests can drive both without sleeping:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	daemon, _ := terminal.Start(terminal.Config{Clock: fake, ExitLinger: time.Minute, ...})
//	fake.WaitForTimers(1)
//	fake.Advance(time.Minute)
//
// Fake timers fire synchronously inside Advance, in deadline order.
package clock
