// SPDX-FileCopyrightText: Copyright (C) 2026 The rtps authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package retry computes resend periods for messages sent over best-effort
// channels, such as authentication handshake tokens.
package retry

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/katzenpost/hpqc/rand"
)

const (
	// DefaultBaseDelay is the default initial resend period.
	DefaultBaseDelay = 500 * time.Millisecond

	// DefaultMaxDelay is the default upper bound of a resend period.
	DefaultMaxDelay = 10 * time.Second

	// DefaultGain is the default multiplier applied per attempt. A gain of
	// 1 keeps the period constant.
	DefaultGain = 1.0
)

// Delay returns the period to wait before resend number attempt (counting
// from 0): baseDelay * gain^attempt capped at maxDelay, then scaled by a
// random factor in [1-jitter, 1+jitter].
func Delay(baseDelay, maxDelay time.Duration, gain, jitter float64, attempt int) time.Duration {
	if gain <= 0 {
		gain = DefaultGain
	}
	delay := float64(baseDelay) * math.Pow(gain, float64(attempt))
	if maxDelay > 0 && delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}

	if jitter > 0 {
		delay *= 1 - jitter + uniform()*2*jitter
	}
	return time.Duration(delay)
}

// uniform returns a float64 in [0, 1).
func uniform() float64 {
	var b [8]byte
	if _, err := rand.Reader.Read(b[:]); err != nil {
		return 0.5
	}
	return float64(binary.LittleEndian.Uint64(b[:])>>11) / (1 << 53)
}
