// SPDX-FileCopyrightText: Copyright (C) 2026 The rtps authors
// SPDX-License-Identifier: AGPL-3.0-only

package manager

import (
	"errors"
	"time"

	"github.com/rtpsgo/rtps/internal/instrument"
	"github.com/rtpsgo/rtps/rtps"
	"github.com/rtpsgo/rtps/security"
)

var (
	errNoEntities     = errors.New("manager: builtin endpoints not created")
	errNoSharedSecret = errors.New("manager: no shared secret")
)

// DiscoveredParticipant starts authenticating a participant found by
// discovery. With security inactive the participant is authorized at once.
func (m *Manager) DiscoveredParticipant(pdata *rtps.ParticipantProxyData) error {
	m.Lock()
	if !m.active {
		m.Unlock()
		m.discovery.ParticipantAuthorized(pdata)
		return nil
	}

	guid := pdata.GUID.ParticipantGUID()
	if guid.SameParticipant(m.localGUID) {
		m.Unlock()
		return nil
	}
	if _, ok := m.remotes[guid]; ok {
		m.Unlock()
		return nil
	}

	var (
		res    security.ValidationResult
		handle security.IdentityHandle
	)
	token, err := security.UnmarshalToken(pdata.IdentityToken)
	if err == nil {
		res, handle, err = m.auth.ValidateRemoteIdentity(m.localIdentity.Get(), m.localGUID, &token, guid)
	}

	var status authStatus
	switch {
	case err != nil:
		status = statusFailed
	case res == security.ValidationPendingHandshakeRequest:
		status = statusRequestNotSend
	case res == security.ValidationPendingHandshakeMessage:
		status = statusWaitingRequest
	case res == security.ValidationOK:
		status = statusOK
	default:
		status = statusFailed
		err = security.NewError("validate_remote_identity", nil, "unexpected result %v", res)
	}
	if status == statusFailed {
		if handle != nil {
			m.auth.ReturnIdentityHandle(handle)
		}
		m.Unlock()
		m.log.Errorf("validate_remote_identity %v: %v", guid, err)
		instrument.Authentication(Unauthorized.String())
		m.listener.OnParticipantAuthentication(guid, Unauthorized)
		return err
	}

	rec := &remoteParticipant{
		guid:     guid,
		pdata:    *pdata,
		auth:     &authInfo{status: status},
		identity: security.Own(handle, m.auth.ReturnIdentityHandle),
	}
	m.remotes[guid] = rec
	sw, sr := m.statelessWriter, m.statelessReader
	m.Unlock()

	m.log.Debugf("Discovered participant %v: %v", guid, status)
	if sw != nil && sr != nil {
		if err := sw.MatchedReaderAdd(&rtps.ReaderProxyData{GUID: rtps.GUID{Prefix: guid.Prefix, Entity: rtps.EntityIDParticipantStatelessReader}}); err != nil {
			m.log.Errorf("Matching stateless reader of %v: %v", guid, err)
		}
		if err := sr.MatchedWriterAdd(&rtps.WriterProxyData{GUID: rtps.GUID{Prefix: guid.Prefix, Entity: rtps.EntityIDParticipantStatelessWriter}}); err != nil {
			m.log.Errorf("Matching stateless writer of %v: %v", guid, err)
		}
	}

	switch status {
	case statusRequestNotSend:
		m.beginHandshakeRequest(guid)
	case statusOK:
		if ticket, ok := m.takeAuth(guid); ok {
			m.completeHandshake(guid, ticket.info)
		}
	}
	return nil
}

// RemoveParticipant forgets a participant and everything matched with it.
func (m *Manager) RemoveParticipant(pdata *rtps.ParticipantProxyData) {
	m.Lock()
	if !m.active {
		m.Unlock()
		return
	}
	callouts := m.eraseParticipantLocked(pdata.GUID.ParticipantGUID())
	m.Unlock()

	runCallouts(callouts)
}

func runCallouts(callouts []func()) {
	for _, fn := range callouts {
		fn()
	}
}

// eraseParticipantLocked drops the record of guid and returns the
// collaborator calls undoing its matches.
func (m *Manager) eraseParticipantLocked(guid rtps.GUID) []func() {
	rec, ok := m.remotes[guid]
	if !ok {
		return nil
	}
	delete(m.remotes, guid)
	m.timers.Remove(func(v interface{}) bool {
		ev, ok := v.(*resendEvent)
		return ok && ev.guid == guid
	})

	for _, a := range m.writers {
		m.logErrors("unregister_datareader", a.releaseParticipant(guid))
	}
	for _, a := range m.readers {
		m.logErrors("unregister_datawriter", a.releaseParticipant(guid))
	}
	m.pending.forgetParticipant(guid)
	delete(m.pendingReaders, guid)
	delete(m.pendingWriters, guid)

	var lastChange rtps.SequenceNumber
	if rec.auth != nil {
		lastChange = rec.auth.lastChange
	}
	m.releaseRemote(rec)

	sw, sr, vw, vr := m.statelessWriter, m.statelessReader, m.volatileWriter, m.volatileReader
	prefix := guid.Prefix
	return []func(){func() {
		if sw != nil {
			if lastChange != rtps.SequenceNumberUnknown {
				sw.RemoveChange(lastChange)
			}
			sw.MatchedReaderRemove(rtps.GUID{Prefix: prefix, Entity: rtps.EntityIDParticipantStatelessReader})
		}
		if sr != nil {
			sr.MatchedWriterRemove(rtps.GUID{Prefix: prefix, Entity: rtps.EntityIDParticipantStatelessWriter})
		}
		if vw != nil {
			vw.MatchedReaderRemove(rtps.GUID{Prefix: prefix, Entity: rtps.EntityIDVolatileSecureReader})
		}
		if vr != nil {
			vr.MatchedWriterRemove(rtps.GUID{Prefix: prefix, Entity: rtps.EntityIDVolatileSecureWriter})
		}
	}}
}

// authTicket is the handshake state taken out of a record together with
// what is needed to work on it unlocked.
type authTicket struct {
	info           *authInfo
	remoteIdentity security.IdentityHandle
	localIdentity  security.IdentityHandle
	source         rtps.GUID
}

// takeAuth takes the handshake state of guid out of its record, leaving the
// record NOT_AVAILABLE.
func (m *Manager) takeAuth(guid rtps.GUID) (authTicket, bool) {
	m.Lock()
	defer m.Unlock()
	rec, ok := m.remotes[guid]
	if !ok || rec.auth == nil {
		return authTicket{}, false
	}
	t := authTicket{
		info:           rec.auth,
		remoteIdentity: rec.identity.Get(),
		localIdentity:  m.localIdentity.Get(),
		source:         m.statelessWriterGUID,
	}
	rec.auth = nil
	return t, true
}

// restoreAuth puts info back into the record of guid. When the record was
// erased meanwhile, info is disposed of and false is returned.
func (m *Manager) restoreAuth(guid rtps.GUID, info *authInfo) bool {
	m.Lock()
	rec, ok := m.remotes[guid]
	if ok && rec.auth == nil {
		rec.auth = info
		m.Unlock()
		return true
	}
	sw := m.statelessWriter
	m.Unlock()

	m.cancelTimer(info)
	m.logErrors("return_handshake_handle", []error{info.handshake.Release()})
	if sw != nil && info.lastChange != rtps.SequenceNumberUnknown {
		sw.RemoveChange(info.lastChange)
	}
	return false
}

func (m *Manager) beginHandshakeRequest(guid rtps.GUID) {
	t, ok := m.takeAuth(guid)
	if !ok {
		return
	}
	if t.info.status != statusRequestNotSend {
		m.restoreAuth(guid, t.info)
		return
	}

	res, hs, out, err := m.auth.BeginHandshakeRequest(t.localIdentity, t.remoteIdentity)
	if hs != nil {
		t.info.handshake = security.Own(hs, m.auth.ReturnHandshakeHandle)
	}
	m.advance(guid, t.info, "begin_handshake_request", res, out, security.MessageIdentity{}, err)
}

// advance applies a plugin result to the taken out handshake state of guid.
// related is the identity of the message being answered.
func (m *Manager) advance(guid rtps.GUID, info *authInfo, op string, res security.ValidationResult, out *security.HandshakeMessageToken, related security.MessageIdentity, err error) {
	if err != nil {
		m.failHandshake(guid, info, op, err)
		return
	}

	switch res {
	case security.ValidationPendingHandshakeMessage:
		if out == nil {
			m.failHandshake(guid, info, op, security.NewError(op, nil, "no handshake message"))
			return
		}
		if err := m.sendHandshake(guid, info, related, out); err != nil {
			m.failHandshake(guid, info, op, err)
			return
		}
		if info.status == statusRequestNotSend {
			info.status = statusWaitingReply
		} else {
			info.status = statusWaitingFinal
		}
		info.attempt = 0
		m.armTimer(guid, info)
		m.restoreAuth(guid, info)
	case security.ValidationOKWithFinalMessage:
		if out == nil {
			m.failHandshake(guid, info, op, security.NewError(op, nil, "no final message"))
			return
		}
		if err := m.sendHandshake(guid, info, related, out); err != nil {
			m.failHandshake(guid, info, op, err)
			return
		}
		info.finalSent = true
		m.completeHandshake(guid, info)
	case security.ValidationOK:
		m.completeHandshake(guid, info)
	default:
		m.failHandshake(guid, info, op, security.NewError(op, nil, "unexpected result %v", res))
	}
}

// sendHandshake publishes out on the stateless writer, replacing the
// previous handshake change of guid.
func (m *Manager) sendHandshake(guid rtps.GUID, info *authInfo, related security.MessageIdentity, out *security.HandshakeMessageToken) error {
	m.RLock()
	sw, source := m.statelessWriter, m.statelessWriterGUID
	m.RUnlock()
	if sw == nil {
		return errNoEntities
	}

	seq := m.messageSeq.Add(1) - 1
	msg := security.ParticipantGenericMessage{
		MessageIdentity:           security.MessageIdentity{SourceGUID: source, SequenceNumber: seq},
		RelatedMessageIdentity:    related,
		DestinationParticipantKey: guid,
		MessageClassID:            security.ClassIDAuth,
		MessageData:               []security.DataHolder{*out},
	}
	payload, err := msg.MarshalBinary()
	if err != nil {
		return err
	}

	if info.lastChange != rtps.SequenceNumberUnknown {
		sw.RemoveChange(info.lastChange)
		info.lastChange = rtps.SequenceNumberUnknown
	}
	changeSeq, err := addChange(sw, payload)
	if err != nil {
		m.log.Errorf("WriterHistory cannot add the handshake change for %v: %v", guid, err)
		return err
	}
	info.lastChange = changeSeq
	info.lastMessage = payload
	info.expectedSeq = seq
	instrument.HandshakeMessageSent()
	return nil
}

func addChange(w BuiltinWriter, payload []byte) (rtps.SequenceNumber, error) {
	change, err := w.NewChange(len(payload))
	if err != nil {
		return rtps.SequenceNumberUnknown, err
	}
	change.Kind = rtps.ChangeAlive
	change.Payload = append(change.Payload[:0], payload...)
	if err := w.AddChange(change); err != nil {
		w.ReleaseChange(change)
		return rtps.SequenceNumberUnknown, err
	}
	return change.SequenceNumber, nil
}

// resendLastChange re-adds the last handshake change to force its
// retransmission.
func (m *Manager) resendLastChange(guid rtps.GUID, info *authInfo) {
	if info.lastMessage == nil {
		return
	}
	m.RLock()
	sw := m.statelessWriter
	m.RUnlock()
	if sw == nil {
		return
	}

	if info.lastChange != rtps.SequenceNumberUnknown {
		sw.RemoveChange(info.lastChange)
		info.lastChange = rtps.SequenceNumberUnknown
	}
	seq, err := addChange(sw, info.lastMessage)
	if err != nil {
		m.log.Errorf("Resending handshake message to %v: %v", guid, err)
		return
	}
	info.lastChange = seq
	instrument.HandshakeMessageResent()
}

func (m *Manager) armTimer(guid rtps.GUID, info *authInfo) {
	info.timerGen = m.timerGen.Add(1)
	m.timers.Push(time.Now().Add(m.cfg.resendDelay(info.attempt)), &resendEvent{guid: guid, gen: info.timerGen})
}

func (m *Manager) cancelTimer(info *authInfo) {
	gen := info.timerGen
	if gen == 0 {
		return
	}
	info.timerGen = 0
	m.timers.Remove(func(v interface{}) bool {
		ev, ok := v.(*resendEvent)
		return ok && ev.gen == gen
	})
}

func (m *Manager) onResendTimer(v interface{}) {
	ev, ok := v.(*resendEvent)
	if !ok {
		return
	}

	m.Lock()
	rec, ok := m.remotes[ev.guid]
	if !ok {
		m.Unlock()
		return
	}
	if rec.auth == nil {
		// Someone is working on the handshake, look again later.
		m.Unlock()
		m.timers.Push(time.Now().Add(m.cfg.HandshakeResendPeriod), ev)
		return
	}
	info := rec.auth
	if info.timerGen != ev.gen || (info.status != statusWaitingReply && info.status != statusWaitingFinal) {
		m.Unlock()
		return
	}
	rec.auth = nil
	m.Unlock()

	m.log.Debugf("Resending handshake message to %v, attempt %d", ev.guid, info.attempt+1)
	m.resendLastChange(ev.guid, info)
	info.attempt++
	m.armTimer(ev.guid, info)
	m.restoreAuth(ev.guid, info)
}

// OnStatelessMessage handles a change received by the stateless reader.
func (m *Manager) OnStatelessMessage(change *rtps.CacheChange) {
	m.RLock()
	sr, local := m.statelessReader, m.localGUID
	m.RUnlock()
	if sr != nil {
		defer sr.ReleaseChange(change)
	}

	var msg security.ParticipantGenericMessage
	if err := msg.UnmarshalBinary(change.Payload); err != nil {
		m.dropMessage(security.ClassIDAuth, "Bad ParticipantGenericMessage: %v", err)
		return
	}
	switch {
	case msg.MessageClassID != security.ClassIDAuth:
		m.dropMessage(msg.MessageClassID, "Discarded ParticipantGenericMessage with class id %q", msg.MessageClassID)
		return
	case !msg.DestinationParticipantKey.IsUnknown() && msg.DestinationParticipantKey != local:
		m.log.Debugf("Ignoring handshake message for %v", msg.DestinationParticipantKey)
		return
	case !msg.DestinationEndpointKey.IsUnknown():
		m.dropMessage(msg.MessageClassID, "Bad ParticipantGenericMessage. destination_endpoint_key is not unknown")
		return
	case !msg.SourceEndpointKey.IsUnknown():
		m.dropMessage(msg.MessageClassID, "Bad ParticipantGenericMessage. source_endpoint_key is not unknown")
		return
	case msg.MessageIdentity.SourceGUID.IsUnknown():
		m.dropMessage(msg.MessageClassID, "Bad ParticipantGenericMessage. message_identity.source_guid is unknown")
		return
	case len(msg.MessageData) != 1:
		m.dropMessage(msg.MessageClassID, "Bad ParticipantGenericMessage. message_data size is %d", len(msg.MessageData))
		return
	}

	m.processHandshakeMessage(msg.MessageIdentity.SourceGUID.ParticipantGUID(), &msg)
}

func (m *Manager) dropMessage(class string, format string, args ...interface{}) {
	m.log.Infof(format, args...)
	instrument.MessageDropped(class)
}

func (m *Manager) processHandshakeMessage(guid rtps.GUID, msg *security.ParticipantGenericMessage) {
	t, ok := m.takeAuth(guid)
	if !ok {
		m.dropMessage(msg.MessageClassID, "Received authentication message but no available record for %v", guid)
		return
	}
	info := t.info
	in := &msg.MessageData[0]
	related := msg.RelatedMessageIdentity
	expected := security.MessageIdentity{SourceGUID: t.source, SequenceNumber: info.expectedSeq}

	switch info.status {
	case statusWaitingRequest:
		if !related.IsUnknown() {
			m.restoreAuth(guid, info)
			m.dropMessage(msg.MessageClassID, "Bad ParticipantGenericMessage. related_message_identity is set on a request")
			return
		}
		info.lastReceived = msg.MessageIdentity
		res, hs, out, err := m.auth.BeginHandshakeReply(in, t.remoteIdentity, t.localIdentity)
		if hs != nil {
			info.handshake = security.Own(hs, m.auth.ReturnHandshakeHandle)
		}
		m.advance(guid, info, "begin_handshake_reply", res, out, msg.MessageIdentity, err)
		return

	case statusWaitingReply, statusWaitingFinal:
		if related == expected {
			info.lastReceived = msg.MessageIdentity
			res, out, err := m.auth.ProcessHandshake(in, info.handshake.Get())
			m.advance(guid, info, "process_handshake", res, out, msg.MessageIdentity, err)
			return
		}
		if info.status == statusWaitingFinal && msg.MessageIdentity == info.lastReceived {
			m.resendLastChange(guid, info)
			m.restoreAuth(guid, info)
			return
		}

	case statusOK:
		if related == expected || msg.MessageIdentity == info.lastReceived {
			m.resendLastChange(guid, info)
			m.restoreAuth(guid, info)
			return
		}
	}

	m.restoreAuth(guid, info)
	m.dropMessage(msg.MessageClassID, "Out of context handshake message from %v in state %v", guid, info.status)
}

// failHandshake erases the record of guid after a plugin failure.
func (m *Manager) failHandshake(guid rtps.GUID, info *authInfo, op string, err error) {
	m.log.Errorf("%s with %v failed: %v", op, guid, err)
	info.status = statusFailed
	if m.restoreAuth(guid, info) {
		m.rejectParticipant(guid)
	}
}

// rejectParticipant erases guid and reports it unauthorized.
func (m *Manager) rejectParticipant(guid rtps.GUID) {
	m.Lock()
	callouts := m.eraseParticipantLocked(guid)
	m.Unlock()

	runCallouts(callouts)
	instrument.Authentication(Unauthorized.String())
	m.listener.OnParticipantAuthentication(guid, Unauthorized)
}

// completeHandshake moves the taken out state of guid to OK and authorizes
// the participant.
func (m *Manager) completeHandshake(guid rtps.GUID, info *authInfo) {
	m.cancelTimer(info)
	if !info.finalSent && info.lastChange != rtps.SequenceNumberUnknown {
		m.RLock()
		sw := m.statelessWriter
		m.RUnlock()
		if sw != nil {
			sw.RemoveChange(info.lastChange)
		}
		info.lastChange = rtps.SequenceNumberUnknown
		info.lastMessage = nil
	}

	var (
		secret security.SecretHandle
		cred   *security.AuthenticatedPeerCredentialToken
		err    error
	)
	if info.handshake.Valid() {
		if secret, err = m.auth.SharedSecret(info.handshake.Get()); err != nil {
			m.log.Errorf("get_shared_secret with %v: %v", guid, err)
		}
		if cred, err = m.auth.AuthenticatedPeerCredentialToken(info.handshake.Get()); err != nil {
			m.log.Errorf("get_authenticated_peer_credential_token with %v: %v", guid, err)
		}
		m.logErrors("return_handshake_handle", []error{info.handshake.Release()})
	}
	info.status = statusOK

	if !m.restoreAuth(guid, info) {
		if secret != nil {
			m.auth.ReturnSharedSecretHandle(secret)
		}
		return
	}
	m.authorize(guid, secret, cred)
}

// authorize runs the access control and cryptography side of a completed
// handshake, then lets discovery proceed with guid.
func (m *Manager) authorize(guid rtps.GUID, secret security.SecretHandle, cred *security.AuthenticatedPeerCredentialToken) {
	m.Lock()
	rec, ok := m.remotes[guid]
	if !ok {
		m.Unlock()
		if secret != nil {
			m.auth.ReturnSharedSecretHandle(secret)
		}
		return
	}
	rec.secret = security.Own(secret, m.auth.ReturnSharedSecretHandle)

	if m.access != nil {
		var token *security.PermissionsToken
		if len(rec.pdata.PermissionsToken) > 0 {
			if tok, err := security.UnmarshalToken(rec.pdata.PermissionsToken); err == nil {
				token = &tok
			}
		}
		perms, err := m.access.ValidateRemotePermissions(m.auth, m.localIdentity.Get(), rec.identity.Get(), token, cred)
		if err == nil {
			rec.permissions = security.Own(perms, m.access.ReturnPermissionsHandle)
			err = m.access.CheckRemoteParticipant(perms, m.domainID, &rec.pdata)
		}
		if err != nil {
			m.Unlock()
			m.log.Errorf("Remote participant %v not allowed: %v", guid, err)
			m.rejectParticipant(guid)
			return
		}
	}

	var (
		callouts       []func()
		pendingReaders []pendingReader
		pendingWriters []pendingWriter
	)
	if m.crypto != nil {
		if secret == nil {
			m.Unlock()
			m.log.Errorf("Remote participant %v authenticated without a shared secret", guid)
			m.rejectParticipant(guid)
			return
		}

		kf, kx := m.crypto.KeyFactory(), m.crypto.KeyExchange()
		handle, err := kf.RegisterMatchedRemoteParticipant(m.localCrypto.Get(), rec.identity.Get(), rec.permissions.Get(), secret)
		if err != nil {
			m.Unlock()
			m.log.Errorf("register_matched_remote_participant %v: %v", guid, err)
			m.rejectParticipant(guid)
			return
		}
		rec.crypto = security.Own(handle, kf.UnregisterParticipant)

		if tokens, ok := takeTokens(m.pending.participants, guid); ok {
			if err := kx.SetRemoteParticipantCryptoTokens(m.localCrypto.Get(), handle, tokens); err != nil {
				m.log.Errorf("set_remote_participant_crypto_tokens %v: %v", guid, err)
			} else {
				instrument.TokensApplied(security.ClassIDParticipantCryptoTokens)
			}
		}

		callouts = append(callouts, m.matchKeyExchangeLocked(guid)...)

		tokens, err := kx.CreateLocalParticipantCryptoTokens(m.localCrypto.Get(), handle)
		if err != nil {
			m.log.Errorf("create_local_participant_crypto_tokens %v: %v", guid, err)
		} else {
			msg := m.tokenMessageLocked(security.ClassIDParticipantCryptoTokens, guid, rtps.GUIDUnknown, rtps.GUIDUnknown, tokens)
			callouts = append(callouts, func() {
				if err := m.sendVolatile(&msg); err != nil {
					m.log.Errorf("Sending participant crypto tokens to %v: %v", guid, err)
				}
			})
		}

		pendingReaders, pendingWriters = m.pendingReaders[guid], m.pendingWriters[guid]
		delete(m.pendingReaders, guid)
		delete(m.pendingWriters, guid)
	}
	pdata := rec.pdata
	m.Unlock()

	runCallouts(callouts)
	for i := range pendingReaders {
		p := &pendingReaders[i]
		if err := m.DiscoveredReader(p.localWriter, guid, &p.rdata); err != nil {
			m.log.Errorf("Replaying reader %v of %v: %v", p.rdata.GUID, guid, err)
		}
	}
	for i := range pendingWriters {
		p := &pendingWriters[i]
		if err := m.DiscoveredWriter(p.localReader, guid, &p.wdata); err != nil {
			m.log.Errorf("Replaying writer %v of %v: %v", p.wdata.GUID, guid, err)
		}
	}

	m.log.Noticef("Participant %v authorized", guid)
	instrument.Authentication(Authorized.String())
	m.discovery.ParticipantAuthorized(&pdata)
	m.listener.OnParticipantAuthentication(guid, Authorized)
}
