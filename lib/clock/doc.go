// Copyright 2026 The Liaison Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source.
//
// The daemon's time-sensitive components (session expiry, the cron
// scheduler, the notification throttle, turn timeouts) all take a
// Clock so tests can drive them deterministically with a FakeClock
// instead of sleeping real wall-clock time.
package clock
