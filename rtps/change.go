// SPDX-FileCopyrightText: Copyright (C) 2026 The rtps authors
// SPDX-License-Identifier: AGPL-3.0-only

package rtps

import "time"

// ChangeKind is the kind of a cache change.
type ChangeKind uint8

const (
	// ChangeAlive carries data.
	ChangeAlive ChangeKind = iota

	// ChangeNotAliveDisposed disposes an instance.
	ChangeNotAliveDisposed

	// ChangeNotAliveUnregistered unregisters an instance.
	ChangeNotAliveUnregistered
)

// CacheChange is one versioned sample held in a writer or reader history.
type CacheChange struct {
	Kind            ChangeKind
	WriterGUID      GUID
	SequenceNumber  SequenceNumber
	SourceTimestamp time.Time
	Payload         []byte
}

// Size returns the serialized payload length.
func (c *CacheChange) Size() int {
	return len(c.Payload)
}
