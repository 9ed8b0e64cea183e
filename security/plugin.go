// SPDX-FileCopyrightText: Copyright (C) 2026 The rtps authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package security defines the authentication, access control and
// cryptography plugin capabilities used by the security manager, together
// with the tokens, handles and generic messages they exchange.
package security

import "github.com/rtpsgo/rtps/rtps"

// Plugin selection properties.
const (
	PropAuthPlugin   = "dds.sec.auth.plugin"
	PropAccessPlugin = "dds.sec.access.plugin"
	PropCryptoPlugin = "dds.sec.crypto.plugin"
)

// ValidationResult is the outcome of an authentication step.
type ValidationResult int

const (
	ValidationOK ValidationResult = iota
	ValidationFailed
	ValidationPendingRetry
	ValidationPendingHandshakeRequest
	ValidationPendingHandshakeMessage
	ValidationOKWithFinalMessage
)

func (r ValidationResult) String() string {
	switch r {
	case ValidationOK:
		return "VALIDATION_OK"
	case ValidationFailed:
		return "VALIDATION_FAILED"
	case ValidationPendingRetry:
		return "VALIDATION_PENDING_RETRY"
	case ValidationPendingHandshakeRequest:
		return "VALIDATION_PENDING_HANDSHAKE_REQUEST"
	case ValidationPendingHandshakeMessage:
		return "VALIDATION_PENDING_HANDSHAKE_MESSAGE"
	case ValidationOKWithFinalMessage:
		return "VALIDATION_OK_WITH_FINAL_MESSAGE"
	default:
		return "VALIDATION_UNKNOWN"
	}
}

// Authentication validates identities and runs the handshake.
type Authentication interface {
	// ValidateLocalIdentity validates the local identity and returns the
	// GUID the participant must adopt.
	ValidateLocalIdentity(candidate rtps.GUID, domainID uint32, props rtps.PropertyPolicy) (ValidationResult, IdentityHandle, rtps.GUID, error)

	// ValidateRemoteIdentity validates a discovered identity token. The
	// result says whether the local side must send the handshake request
	// (PENDING_HANDSHAKE_REQUEST) or wait for one (PENDING_HANDSHAKE_MESSAGE).
	ValidateRemoteIdentity(local IdentityHandle, localGUID rtps.GUID, remoteToken *IdentityToken, remoteGUID rtps.GUID) (ValidationResult, IdentityHandle, error)

	BeginHandshakeRequest(initiator, replier IdentityHandle) (ValidationResult, HandshakeHandle, *HandshakeMessageToken, error)
	BeginHandshakeReply(in *HandshakeMessageToken, initiator, replier IdentityHandle) (ValidationResult, HandshakeHandle, *HandshakeMessageToken, error)
	ProcessHandshake(in *HandshakeMessageToken, handshake HandshakeHandle) (ValidationResult, *HandshakeMessageToken, error)

	SharedSecret(handshake HandshakeHandle) (SecretHandle, error)
	AuthenticatedPeerCredentialToken(handshake HandshakeHandle) (*AuthenticatedPeerCredentialToken, error)
	IdentityToken(local IdentityHandle) (*IdentityToken, error)
	CheckGUIDComesFrom(adjusted, original rtps.GUID) bool

	ReturnIdentityHandle(IdentityHandle) error
	ReturnHandshakeHandle(HandshakeHandle) error
	ReturnSharedSecretHandle(SecretHandle) error
}

// AccessControl decides what authenticated participants may do.
type AccessControl interface {
	ValidateLocalPermissions(auth Authentication, identity IdentityHandle, domainID uint32, props rtps.PropertyPolicy) (PermissionsHandle, error)
	CheckCreateParticipant(perms PermissionsHandle, domainID uint32, props rtps.PropertyPolicy) error
	ParticipantSecurityAttributes(perms PermissionsHandle) (ParticipantSecurityAttributes, error)
	PermissionsToken(perms PermissionsHandle) (*PermissionsToken, error)

	ValidateRemotePermissions(auth Authentication, local, remote IdentityHandle, token *PermissionsToken, cred *AuthenticatedPeerCredentialToken) (PermissionsHandle, error)
	CheckRemoteParticipant(perms PermissionsHandle, domainID uint32, pdata *rtps.ParticipantProxyData) error

	ReturnPermissionsHandle(PermissionsHandle) error
}

// CryptoKeyFactory creates and destroys key material.
type CryptoKeyFactory interface {
	RegisterLocalParticipant(identity IdentityHandle, perms PermissionsHandle, props rtps.PropertyPolicy, attrs ParticipantSecurityAttributes) (ParticipantCryptoHandle, error)
	RegisterMatchedRemoteParticipant(local ParticipantCryptoHandle, remoteIdentity IdentityHandle, remotePerms PermissionsHandle, secret SecretHandle) (ParticipantCryptoHandle, error)
	RegisterLocalDatawriter(participant ParticipantCryptoHandle, props rtps.PropertyPolicy, attrs EndpointSecurityAttributes) (DatawriterCryptoHandle, error)
	RegisterMatchedRemoteDatareader(localWriter DatawriterCryptoHandle, remoteParticipant ParticipantCryptoHandle, secret SecretHandle, relayOnly bool) (DatareaderCryptoHandle, error)
	RegisterLocalDatareader(participant ParticipantCryptoHandle, props rtps.PropertyPolicy, attrs EndpointSecurityAttributes) (DatareaderCryptoHandle, error)
	RegisterMatchedRemoteDatawriter(localReader DatareaderCryptoHandle, remoteParticipant ParticipantCryptoHandle, secret SecretHandle) (DatawriterCryptoHandle, error)

	UnregisterParticipant(ParticipantCryptoHandle) error
	UnregisterDatawriter(DatawriterCryptoHandle) error
	UnregisterDatareader(DatareaderCryptoHandle) error
}

// CryptoKeyExchange produces and consumes crypto tokens.
type CryptoKeyExchange interface {
	CreateLocalParticipantCryptoTokens(local, remote ParticipantCryptoHandle) ([]CryptoToken, error)
	SetRemoteParticipantCryptoTokens(local, remote ParticipantCryptoHandle, tokens []CryptoToken) error
	CreateLocalDatawriterCryptoTokens(localWriter DatawriterCryptoHandle, remoteReader DatareaderCryptoHandle) ([]CryptoToken, error)
	SetRemoteDatawriterCryptoTokens(localReader DatareaderCryptoHandle, remoteWriter DatawriterCryptoHandle, tokens []CryptoToken) error
	CreateLocalDatareaderCryptoTokens(localReader DatareaderCryptoHandle, remoteWriter DatawriterCryptoHandle) ([]CryptoToken, error)
	SetRemoteDatareaderCryptoTokens(localWriter DatawriterCryptoHandle, remoteReader DatareaderCryptoHandle, tokens []CryptoToken) error
}

// SecureSubmessageCategory classifies an incoming protected submessage.
type SecureSubmessageCategory int

const (
	InfoSubmessage SecureSubmessageCategory = iota
	DatawriterSubmessage
	DatareaderSubmessage
)

// CryptoTransform protects and unprotects payloads, submessages and whole
// RTPS messages.
type CryptoTransform interface {
	EncodeSerializedPayload(plain []byte, writer DatawriterCryptoHandle) ([]byte, error)
	DecodeSerializedPayload(encoded []byte, reader DatareaderCryptoHandle, writer DatawriterCryptoHandle) ([]byte, error)

	EncodeDatawriterSubmessage(plain []byte, writer DatawriterCryptoHandle, readers []DatareaderCryptoHandle) ([]byte, error)
	EncodeDatareaderSubmessage(plain []byte, reader DatareaderCryptoHandle, writers []DatawriterCryptoHandle) ([]byte, error)

	EncodeRTPSMessage(plain []byte, sender ParticipantCryptoHandle, receivers []ParticipantCryptoHandle) ([]byte, error)
	DecodeRTPSMessage(encoded []byte, receiver, sender ParticipantCryptoHandle) ([]byte, error)

	// PreprocessSecureSubmessage locates the handles needed to decode a
	// protected submessage. For DatawriterSubmessage the writer handle is
	// the remote writer and the reader handle the local reader; for
	// DatareaderSubmessage it is the other way round.
	PreprocessSecureSubmessage(encoded []byte, receiver, sender ParticipantCryptoHandle) (SecureSubmessageCategory, DatawriterCryptoHandle, DatareaderCryptoHandle, error)
	DecodeDatawriterSubmessage(encoded []byte, reader DatareaderCryptoHandle, writer DatawriterCryptoHandle) ([]byte, error)
	DecodeDatareaderSubmessage(encoded []byte, writer DatawriterCryptoHandle, reader DatareaderCryptoHandle) ([]byte, error)

	ExtraRTPSMessageSize(receivers int) int
	ExtraSubmessageSize() int
	ExtraPayloadSize() int
}

// Cryptography bundles the three cryptographic capabilities.
type Cryptography interface {
	KeyFactory() CryptoKeyFactory
	KeyExchange() CryptoKeyExchange
	Transform() CryptoTransform
}

// Factory builds plugins from participant properties. Each constructor
// returns a nil plugin and a nil error when the capability is not
// configured.
type Factory interface {
	NewAuthentication(props rtps.PropertyPolicy) (Authentication, error)
	NewAccessControl(props rtps.PropertyPolicy) (AccessControl, error)
	NewCryptography(props rtps.PropertyPolicy) (Cryptography, error)
}
