// SPDX-FileCopyrightText: Copyright (C) 2026 The rtps authors
// SPDX-License-Identifier: AGPL-3.0-only

package manager

import (
	"github.com/rtpsgo/rtps/rtps"
	"github.com/rtpsgo/rtps/security"
)

// authStatus is the handshake state of a remote participant.
type authStatus int

const (
	statusInit authStatus = iota
	statusRequestNotSend
	statusWaitingRequest
	statusWaitingReply
	statusWaitingFinal
	statusOK
	statusFailed
	statusNotAvailable
)

func (s authStatus) String() string {
	switch s {
	case statusInit:
		return "INIT"
	case statusRequestNotSend:
		return "REQUEST_NOT_SEND"
	case statusWaitingRequest:
		return "WAITING_REQUEST"
	case statusWaitingReply:
		return "WAITING_REPLY"
	case statusWaitingFinal:
		return "WAITING_FINAL"
	case statusOK:
		return "OK"
	case statusFailed:
		return "FAILED"
	case statusNotAvailable:
		return "NOT_AVAILABLE"
	default:
		return "UNKNOWN"
	}
}

// authInfo is the handshake progress of one remote participant. It is
// taken out of its record while a goroutine works on it unlocked.
type authInfo struct {
	status    authStatus
	handshake security.Owned[security.HandshakeHandle]

	// expectedSeq is the sequence number of our last sent message; replies
	// must relate to it.
	expectedSeq int64

	// lastReceived is the identity of the last message accepted.
	lastReceived security.MessageIdentity

	// lastChange is the stateless writer change holding lastMessage.
	lastChange  rtps.SequenceNumber
	lastMessage []byte
	finalSent   bool

	attempt  int
	timerGen uint64
}

// remoteParticipant is the record of a discovered participant.
type remoteParticipant struct {
	guid  rtps.GUID
	pdata rtps.ParticipantProxyData

	// auth is nil while taken out, which reads as NOT_AVAILABLE.
	auth *authInfo

	identity    security.Owned[security.IdentityHandle]
	permissions security.Owned[security.PermissionsHandle]
	crypto      security.Owned[security.ParticipantCryptoHandle]
	secret      security.Owned[security.SecretHandle]
}

func (r *remoteParticipant) status() authStatus {
	if r.auth == nil {
		return statusNotAvailable
	}
	return r.auth.status
}

// remoteEndpoint is a remote endpoint matched with a protected local one.
type remoteEndpoint[R comparable, P any] struct {
	participant rtps.GUID
	proxy       P
	handle      security.Owned[R]

	tokensSent     bool
	tokensReceived bool
	paired         bool
}

// readyToPair reports whether pairing is due, and marks it done.
func (e *remoteEndpoint[R, P]) readyToPair() bool {
	if e.paired || !e.tokensSent || !e.tokensReceived {
		return false
	}
	e.paired = true
	return true
}

// association holds the crypto state of a protected local endpoint.
type association[L, R comparable, P any] struct {
	guid        rtps.GUID
	handle      security.Owned[L]
	attrs       security.EndpointSecurityAttributes
	keyExchange bool
	remotes     map[rtps.GUID]*remoteEndpoint[R, P]
}

func newAssociation[L, R comparable, P any](guid rtps.GUID, handle security.Owned[L], attrs security.EndpointSecurityAttributes, keyExchange bool) *association[L, R, P] {
	return &association[L, R, P]{
		guid:        guid,
		handle:      handle,
		attrs:       attrs,
		keyExchange: keyExchange,
		remotes:     make(map[rtps.GUID]*remoteEndpoint[R, P]),
	}
}

// release unregisters every remote handle, then the local one.
func (a *association[L, R, P]) release() []error {
	var errs []error
	for guid, ep := range a.remotes {
		if err := ep.handle.Release(); err != nil {
			errs = append(errs, err)
		}
		delete(a.remotes, guid)
	}
	if err := a.handle.Release(); err != nil {
		errs = append(errs, err)
	}
	return errs
}

// releaseParticipant unregisters the remote endpoints of participant.
func (a *association[L, R, P]) releaseParticipant(participant rtps.GUID) []error {
	var errs []error
	for guid, ep := range a.remotes {
		if ep.participant != participant {
			continue
		}
		if err := ep.handle.Release(); err != nil {
			errs = append(errs, err)
		}
		delete(a.remotes, guid)
	}
	return errs
}

type (
	writerAssociation = association[security.DatawriterCryptoHandle, security.DatareaderCryptoHandle, rtps.ReaderProxyData]
	readerAssociation = association[security.DatareaderCryptoHandle, security.DatawriterCryptoHandle, rtps.WriterProxyData]
	remoteReader      = remoteEndpoint[security.DatareaderCryptoHandle, rtps.ReaderProxyData]
	remoteWriter      = remoteEndpoint[security.DatawriterCryptoHandle, rtps.WriterProxyData]
)

// endpointPair keys pending endpoint tokens by (remote, local) endpoint.
type endpointPair struct {
	remote rtps.GUID
	local  rtps.GUID
}

// pendingStore keeps token messages that arrived before their match. The
// last message for a key wins.
type pendingStore struct {
	participants map[rtps.GUID][]security.CryptoToken
	readers      map[endpointPair][]security.CryptoToken
	writers      map[endpointPair][]security.CryptoToken
}

func newPendingStore() pendingStore {
	return pendingStore{
		participants: make(map[rtps.GUID][]security.CryptoToken),
		readers:      make(map[endpointPair][]security.CryptoToken),
		writers:      make(map[endpointPair][]security.CryptoToken),
	}
}

func takeTokens[K comparable](m map[K][]security.CryptoToken, k K) ([]security.CryptoToken, bool) {
	tokens, ok := m[k]
	if ok {
		delete(m, k)
	}
	return tokens, ok
}

// forgetParticipant erases the entries sent by participant.
func (s *pendingStore) forgetParticipant(participant rtps.GUID) {
	delete(s.participants, participant)
	for k := range s.readers {
		if k.remote.SameParticipant(participant) {
			delete(s.readers, k)
		}
	}
	for k := range s.writers {
		if k.remote.SameParticipant(participant) {
			delete(s.writers, k)
		}
	}
}

// forgetLocal erases the entries addressed to a local endpoint.
func (s *pendingStore) forgetLocal(local rtps.GUID) {
	for k := range s.readers {
		if k.local == local {
			delete(s.readers, k)
		}
	}
	for k := range s.writers {
		if k.local == local {
			delete(s.writers, k)
		}
	}
}

// pendingReader is a remote reader discovered before its participant
// finished authentication.
type pendingReader struct {
	localWriter rtps.GUID
	rdata       rtps.ReaderProxyData
}

// pendingWriter is a remote writer discovered before its participant
// finished authentication.
type pendingWriter struct {
	localReader rtps.GUID
	wdata       rtps.WriterProxyData
}

// resendEvent is pushed on the timer queue for a handshake resend.
type resendEvent struct {
	guid rtps.GUID
	gen  uint64
}
