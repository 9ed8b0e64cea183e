// SPDX-FileCopyrightText: Copyright (C) 2026 The rtps authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package rtps defines the RTPS entity identifiers, cache changes, property
// policies and proxy data shared by the security manager and the flow
// controllers.
package rtps

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	// GUIDPrefixLength is the length of a GUID prefix in bytes.
	GUIDPrefixLength = 12

	// EntityIDLength is the length of an entity id in bytes.
	EntityIDLength = 4

	// GUIDLength is the length of a serialized GUID in bytes.
	GUIDLength = GUIDPrefixLength + EntityIDLength
)

// ErrInvalidGUID is returned when parsing a malformed GUID.
var ErrInvalidGUID = errors.New("rtps: invalid GUID")

// GUIDPrefix identifies a participant.
type GUIDPrefix [GUIDPrefixLength]byte

// EntityID identifies an entity within a participant.
type EntityID [EntityIDLength]byte

// Well known entity ids.
var (
	EntityIDUnknown                    = EntityID{0x00, 0x00, 0x00, 0x00}
	EntityIDParticipant                = EntityID{0x00, 0x00, 0x01, 0xc1}
	EntityIDParticipantStatelessWriter = EntityID{0x00, 0x02, 0x01, 0xc3}
	EntityIDParticipantStatelessReader = EntityID{0x00, 0x02, 0x01, 0xc4}
	EntityIDVolatileSecureWriter       = EntityID{0xff, 0x02, 0x02, 0xc3}
	EntityIDVolatileSecureReader       = EntityID{0xff, 0x02, 0x02, 0xc4}
)

// GUID is a globally unique entity identifier.
type GUID struct {
	Prefix GUIDPrefix
	Entity EntityID
}

// GUIDUnknown is the unset GUID.
var GUIDUnknown GUID

// IsUnknown reports whether g is the unset GUID.
func (g GUID) IsUnknown() bool {
	return g == GUIDUnknown
}

// ParticipantGUID returns the GUID of the participant owning g.
func (g GUID) ParticipantGUID() GUID {
	return GUID{Prefix: g.Prefix, Entity: EntityIDParticipant}
}

// SameParticipant reports whether g and other belong to one participant.
func (g GUID) SameParticipant(other GUID) bool {
	return g.Prefix == other.Prefix
}

// Compare orders GUIDs bytewise, prefix first.
func (g GUID) Compare(other GUID) int {
	if c := bytes.Compare(g.Prefix[:], other.Prefix[:]); c != 0 {
		return c
	}
	return bytes.Compare(g.Entity[:], other.Entity[:])
}

// Bytes returns the 16 byte wire form of g.
func (g GUID) Bytes() []byte {
	b := make([]byte, 0, GUIDLength)
	b = append(b, g.Prefix[:]...)
	return append(b, g.Entity[:]...)
}

// String returns the hex prefix and entity id separated by "|".
func (g GUID) String() string {
	return hex.EncodeToString(g.Prefix[:]) + "|" + hex.EncodeToString(g.Entity[:])
}

// GUIDFromBytes parses the 16 byte wire form of a GUID.
func GUIDFromBytes(b []byte) (GUID, error) {
	var g GUID
	if len(b) != GUIDLength {
		return g, fmt.Errorf("%w: length %d", ErrInvalidGUID, len(b))
	}
	copy(g.Prefix[:], b[:GUIDPrefixLength])
	copy(g.Entity[:], b[GUIDPrefixLength:])
	return g, nil
}

// ParseGUIDPrefix parses a hex encoded GUID prefix.
func ParseGUIDPrefix(s string) (GUIDPrefix, error) {
	var p GUIDPrefix
	b, err := hex.DecodeString(s)
	if err != nil {
		return p, fmt.Errorf("%w: %v", ErrInvalidGUID, err)
	}
	if len(b) != GUIDPrefixLength {
		return p, fmt.Errorf("%w: prefix length %d", ErrInvalidGUID, len(b))
	}
	copy(p[:], b)
	return p, nil
}

// SequenceNumber numbers changes of one writer, starting at 1.
type SequenceNumber int64

// SequenceNumberUnknown is the unset sequence number.
const SequenceNumberUnknown SequenceNumber = 0

// Builtin endpoint flags advertised in participant discovery data.
const (
	BuiltinParticipantStatelessWriter  uint32 = 1 << 22
	BuiltinParticipantStatelessReader  uint32 = 1 << 23
	BuiltinVolatileMessageSecureWriter uint32 = 1 << 24
	BuiltinVolatileMessageSecureReader uint32 = 1 << 25
)
