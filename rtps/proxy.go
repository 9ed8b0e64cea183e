// SPDX-FileCopyrightText: Copyright (C) 2026 The rtps authors
// SPDX-License-Identifier: AGPL-3.0-only

package rtps

// ParticipantProxyData is what discovery knows about a remote participant.
// Tokens are kept in their serialized form; the security package decodes
// them.
type ParticipantProxyData struct {
	GUID                      GUID
	DomainID                  uint32
	IdentityToken             []byte
	PermissionsToken          []byte
	AvailableBuiltinEndpoints uint32
	SecurityAttributes        uint32
	PluginSecurityAttributes  uint32
	Properties                PropertyPolicy
}

// ReaderProxyData is what discovery knows about a remote reader.
type ReaderProxyData struct {
	GUID               GUID
	TopicName          string
	SecurityAttributes uint32
	Properties         PropertyPolicy
}

// WriterProxyData is what discovery knows about a remote writer.
type WriterProxyData struct {
	GUID               GUID
	TopicName          string
	SecurityAttributes uint32
	Properties         PropertyPolicy
}
