// SPDX-FileCopyrightText: Copyright (C) 2026 The rtps authors
// SPDX-License-Identifier: AGPL-3.0-only

package security

import (
	"strings"

	"github.com/rtpsgo/rtps/rtps"
)

// Endpoint protection properties and their enabling value.
const (
	PropSubmessageProtectionKind = "rtps.endpoint.submessage_protection_kind"
	PropPayloadProtectionKind    = "rtps.endpoint.payload_protection_kind"
	PropBuiltinEndpointName      = "dds.sec.builtin_endpoint_name"

	ProtectionKindEncrypt = "ENCRYPT"

	// BuiltinVolatileSecureWriterName marks the key exchange writer when
	// registering it with the cryptography plugin.
	BuiltinVolatileSecureWriterName = "BuiltinParticipantVolatileMessageSecureWriter"

	// BuiltinVolatileSecureReaderName marks the key exchange reader.
	BuiltinVolatileSecureReaderName = "BuiltinParticipantVolatileMessageSecureReader"
)

// Participant security attribute flags.
const (
	ParticipantFlagRTPSProtected       uint32 = 1 << 0
	ParticipantFlagDiscoveryProtected  uint32 = 1 << 1
	ParticipantFlagLivelinessProtected uint32 = 1 << 2
	ParticipantFlagValid               uint32 = 1 << 31
)

// Endpoint security attribute flags.
const (
	EndpointFlagReadProtected       uint32 = 1 << 0
	EndpointFlagWriteProtected      uint32 = 1 << 1
	EndpointFlagDiscoveryProtected  uint32 = 1 << 2
	EndpointFlagLivelinessProtected uint32 = 1 << 3
	EndpointFlagSubmessageProtected uint32 = 1 << 4
	EndpointFlagPayloadProtected    uint32 = 1 << 5
	EndpointFlagKeyProtected        uint32 = 1 << 6
	EndpointFlagValid               uint32 = 1 << 31
)

// ParticipantSecurityAttributes is the protection applied to a participant.
type ParticipantSecurityAttributes struct {
	AllowUnauthenticatedParticipants bool
	IsAccessProtected                bool
	IsRTPSProtected                  bool
	IsDiscoveryProtected             bool
	IsLivelinessProtected            bool
}

// Mask returns the attribute bitmask advertised in discovery data.
func (a ParticipantSecurityAttributes) Mask() uint32 {
	m := ParticipantFlagValid
	if a.IsRTPSProtected {
		m |= ParticipantFlagRTPSProtected
	}
	if a.IsDiscoveryProtected {
		m |= ParticipantFlagDiscoveryProtected
	}
	if a.IsLivelinessProtected {
		m |= ParticipantFlagLivelinessProtected
	}
	return m
}

// EndpointSecurityAttributes is the protection applied to a writer or
// reader.
type EndpointSecurityAttributes struct {
	IsReadProtected       bool
	IsWriteProtected      bool
	IsDiscoveryProtected  bool
	IsLivelinessProtected bool
	IsSubmessageProtected bool
	IsPayloadProtected    bool
	IsKeyProtected        bool
}

// Mask returns the attribute bitmask advertised in discovery data.
func (a EndpointSecurityAttributes) Mask() uint32 {
	m := EndpointFlagValid
	for _, f := range []struct {
		set  bool
		flag uint32
	}{
		{a.IsReadProtected, EndpointFlagReadProtected},
		{a.IsWriteProtected, EndpointFlagWriteProtected},
		{a.IsDiscoveryProtected, EndpointFlagDiscoveryProtected},
		{a.IsLivelinessProtected, EndpointFlagLivelinessProtected},
		{a.IsSubmessageProtected, EndpointFlagSubmessageProtected},
		{a.IsPayloadProtected, EndpointFlagPayloadProtected},
		{a.IsKeyProtected, EndpointFlagKeyProtected},
	} {
		if f.set {
			m |= f.flag
		}
	}
	return m
}

// NeedsCrypto reports whether the endpoint needs key material.
func (a EndpointSecurityAttributes) NeedsCrypto() bool {
	return a.IsSubmessageProtected || a.IsPayloadProtected
}

// Compatible reports whether a remote endpoint advertising mask may be
// matched with a local endpoint carrying a.
func (a EndpointSecurityAttributes) Compatible(mask uint32) bool {
	if mask&EndpointFlagValid == 0 {
		// Peers without security advertise nothing.
		mask = EndpointFlagValid
	}
	return a.Mask() == mask
}

// EndpointAttributesFromMask rebuilds attributes from a discovery bitmask.
func EndpointAttributesFromMask(m uint32) EndpointSecurityAttributes {
	return EndpointSecurityAttributes{
		IsReadProtected:       m&EndpointFlagReadProtected != 0,
		IsWriteProtected:      m&EndpointFlagWriteProtected != 0,
		IsDiscoveryProtected:  m&EndpointFlagDiscoveryProtected != 0,
		IsLivelinessProtected: m&EndpointFlagLivelinessProtected != 0,
		IsSubmessageProtected: m&EndpointFlagSubmessageProtected != 0,
		IsPayloadProtected:    m&EndpointFlagPayloadProtected != 0,
		IsKeyProtected:        m&EndpointFlagKeyProtected != 0,
	}
}

// EndpointAttributesFromProperties derives endpoint protection from the
// per-endpoint protection kind properties.
func EndpointAttributesFromProperties(props rtps.PropertyPolicy) EndpointSecurityAttributes {
	var a EndpointSecurityAttributes
	if v, ok := props.Find(PropSubmessageProtectionKind); ok && strings.EqualFold(v, ProtectionKindEncrypt) {
		a.IsSubmessageProtected = true
	}
	if v, ok := props.Find(PropPayloadProtectionKind); ok && strings.EqualFold(v, ProtectionKindEncrypt) {
		a.IsPayloadProtected = true
	}
	return a
}
