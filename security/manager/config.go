// SPDX-FileCopyrightText: Copyright (C) 2026 The rtps authors
// SPDX-License-Identifier: AGPL-3.0-only

package manager

import (
	"time"

	"github.com/rtpsgo/rtps/core/retry"
)

const (
	// DefaultStatelessHistoryDepth is the history depth of the stateless
	// writer and reader.
	DefaultStatelessHistoryDepth = 20
)

// Config is the manager configuration.
type Config struct {
	// HandshakeResendPeriod is the delay before the first resend of a
	// handshake message.
	HandshakeResendPeriod time.Duration

	// HandshakeResendMaxPeriod caps the resend period.
	HandshakeResendMaxPeriod time.Duration

	// HandshakeResendGain multiplies the period after every resend.
	HandshakeResendGain float64

	// HandshakeResendJitter randomizes each period by this fraction.
	HandshakeResendJitter float64

	// StatelessHistoryDepth is the history depth of the stateless endpoints.
	StatelessHistoryDepth int
}

func (c *Config) applyDefaults() {
	if c.HandshakeResendPeriod <= 0 {
		c.HandshakeResendPeriod = retry.DefaultBaseDelay
	}
	if c.HandshakeResendMaxPeriod <= 0 {
		c.HandshakeResendMaxPeriod = retry.DefaultMaxDelay
	}
	if c.HandshakeResendMaxPeriod < c.HandshakeResendPeriod {
		c.HandshakeResendMaxPeriod = c.HandshakeResendPeriod
	}
	if c.HandshakeResendGain <= 0 {
		c.HandshakeResendGain = retry.DefaultGain
	}
	if c.HandshakeResendJitter < 0 || c.HandshakeResendJitter >= 1 {
		c.HandshakeResendJitter = 0
	}
	if c.StatelessHistoryDepth <= 0 {
		c.StatelessHistoryDepth = DefaultStatelessHistoryDepth
	}
}

func (c *Config) resendDelay(attempt int) time.Duration {
	return retry.Delay(c.HandshakeResendPeriod, c.HandshakeResendMaxPeriod, c.HandshakeResendGain, c.HandshakeResendJitter, attempt)
}
