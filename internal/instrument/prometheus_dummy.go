// SPDX-FileCopyrightText: Copyright (C) 2026 The rtps authors
// SPDX-License-Identifier: AGPL-3.0-only

//go:build noprometheus

package instrument

import "net/http"

// Start does nothing
func Start(address string) *http.Server { return nil }

// HandshakeMessageSent does nothing
func HandshakeMessageSent() {}

// HandshakeMessageResent does nothing
func HandshakeMessageResent() {}

// MessageDropped does nothing
func MessageDropped(class string) {}

// Authentication does nothing
func Authentication(status string) {}

// TokensStored does nothing
func TokensStored(class string) {}

// TokensApplied does nothing
func TokensApplied(class string) {}

// SampleDelivered does nothing
func SampleDelivered(controller string, size int) {}

// SampleDropped does nothing
func SampleDropped(controller string) {}

// QueuedSamples does nothing
func QueuedSamples(controller string, n int) {}
