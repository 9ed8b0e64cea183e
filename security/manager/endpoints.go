// SPDX-FileCopyrightText: Copyright (C) 2026 The rtps authors
// SPDX-License-Identifier: AGPL-3.0-only

package manager

import (
	"github.com/rtpsgo/rtps/internal/instrument"
	"github.com/rtpsgo/rtps/rtps"
	"github.com/rtpsgo/rtps/security"
)

// RegisterLocalWriter computes the security attributes of a local writer
// from its properties and, when they require cryptography, registers it with
// the crypto plugin.
func (m *Manager) RegisterLocalWriter(guid rtps.GUID, props rtps.PropertyPolicy) (security.EndpointSecurityAttributes, error) {
	attrs := security.EndpointAttributesFromProperties(props)
	if !attrs.NeedsCrypto() {
		return attrs, nil
	}
	return attrs, m.registerWriter(guid, props, attrs)
}

// RegisterLocalBuiltinWriter registers a builtin writer with fixed
// attributes.
func (m *Manager) RegisterLocalBuiltinWriter(guid rtps.GUID, attrs security.EndpointSecurityAttributes) error {
	if !attrs.NeedsCrypto() {
		return nil
	}
	var props rtps.PropertyPolicy
	if guid.Entity == rtps.EntityIDVolatileSecureWriter {
		props.Set(security.PropBuiltinEndpointName, security.BuiltinVolatileSecureWriterName)
	}
	return m.registerWriter(guid, props, attrs)
}

func (m *Manager) registerWriter(guid rtps.GUID, props rtps.PropertyPolicy, attrs security.EndpointSecurityAttributes) error {
	m.Lock()
	defer m.Unlock()
	if !m.active {
		return ErrNotActive
	}
	if m.crypto == nil {
		m.log.Errorf("Writer %v requests protection without a cryptography plugin", guid)
		return security.NewError("register_local_datawriter", ErrNotActive, "no cryptography plugin")
	}
	if _, ok := m.writers[guid]; ok {
		return ErrAlreadyRegistered
	}

	kf := m.crypto.KeyFactory()
	h, err := kf.RegisterLocalDatawriter(m.localCrypto.Get(), props, attrs)
	if err != nil {
		m.log.Errorf("register_local_datawriter %v: %v", guid, err)
		return err
	}
	m.writers[guid] = newAssociation[security.DatawriterCryptoHandle, security.DatareaderCryptoHandle, rtps.ReaderProxyData](
		guid, security.Own(h, kf.UnregisterDatawriter), attrs, guid.Entity == rtps.EntityIDVolatileSecureWriter)
	return nil
}

// UnregisterLocalWriter drops the crypto state of a local writer and of
// every remote reader matched with it.
func (m *Manager) UnregisterLocalWriter(guid rtps.GUID) {
	m.Lock()
	defer m.Unlock()
	a, ok := m.writers[guid]
	if !ok {
		return
	}
	delete(m.writers, guid)
	m.pending.forgetLocal(guid)
	for p, list := range m.pendingReaders {
		kept := list[:0]
		for _, e := range list {
			if e.localWriter != guid {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(m.pendingReaders, p)
		} else {
			m.pendingReaders[p] = kept
		}
	}
	m.logErrors("unregister_datawriter", a.release())
}

// RegisterLocalReader is the reader counterpart of RegisterLocalWriter.
func (m *Manager) RegisterLocalReader(guid rtps.GUID, props rtps.PropertyPolicy) (security.EndpointSecurityAttributes, error) {
	attrs := security.EndpointAttributesFromProperties(props)
	if !attrs.NeedsCrypto() {
		return attrs, nil
	}
	return attrs, m.registerReader(guid, props, attrs)
}

// RegisterLocalBuiltinReader registers a builtin reader with fixed
// attributes.
func (m *Manager) RegisterLocalBuiltinReader(guid rtps.GUID, attrs security.EndpointSecurityAttributes) error {
	if !attrs.NeedsCrypto() {
		return nil
	}
	var props rtps.PropertyPolicy
	if guid.Entity == rtps.EntityIDVolatileSecureReader {
		props.Set(security.PropBuiltinEndpointName, security.BuiltinVolatileSecureReaderName)
	}
	return m.registerReader(guid, props, attrs)
}

func (m *Manager) registerReader(guid rtps.GUID, props rtps.PropertyPolicy, attrs security.EndpointSecurityAttributes) error {
	m.Lock()
	defer m.Unlock()
	if !m.active {
		return ErrNotActive
	}
	if m.crypto == nil {
		m.log.Errorf("Reader %v requests protection without a cryptography plugin", guid)
		return security.NewError("register_local_datareader", ErrNotActive, "no cryptography plugin")
	}
	if _, ok := m.readers[guid]; ok {
		return ErrAlreadyRegistered
	}

	kf := m.crypto.KeyFactory()
	h, err := kf.RegisterLocalDatareader(m.localCrypto.Get(), props, attrs)
	if err != nil {
		m.log.Errorf("register_local_datareader %v: %v", guid, err)
		return err
	}
	m.readers[guid] = newAssociation[security.DatareaderCryptoHandle, security.DatawriterCryptoHandle, rtps.WriterProxyData](
		guid, security.Own(h, kf.UnregisterDatareader), attrs, guid.Entity == rtps.EntityIDVolatileSecureReader)
	return nil
}

// UnregisterLocalReader drops the crypto state of a local reader and of
// every remote writer matched with it.
func (m *Manager) UnregisterLocalReader(guid rtps.GUID) {
	m.Lock()
	defer m.Unlock()
	a, ok := m.readers[guid]
	if !ok {
		return
	}
	delete(m.readers, guid)
	m.pending.forgetLocal(guid)
	for p, list := range m.pendingWriters {
		kept := list[:0]
		for _, e := range list {
			if e.localReader != guid {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(m.pendingWriters, p)
		} else {
			m.pendingWriters[p] = kept
		}
	}
	m.logErrors("unregister_datareader", a.release())
}

// remoteCryptoLocked returns the crypto handle and shared secret to match
// endpoints of participant with. ok is false while the participant has no
// crypto handle yet.
func (m *Manager) remoteCryptoLocked(participant rtps.GUID) (security.ParticipantCryptoHandle, security.SecretHandle, bool) {
	if participant.SameParticipant(m.localGUID) {
		return m.localCrypto.Get(), nil, m.localCrypto.Valid()
	}
	rec, ok := m.remotes[participant.ParticipantGUID()]
	if !ok || !rec.crypto.Valid() {
		return nil, nil, false
	}
	return rec.crypto.Get(), rec.secret.Get(), true
}

// DiscoveredReader matches a remote reader with a local writer. Pairing is
// reported to Discovery once the crypto tokens went both ways.
func (m *Manager) DiscoveredReader(localWriter, remoteParticipant rtps.GUID, rdata *rtps.ReaderProxyData) error {
	remoteParticipant = remoteParticipant.ParticipantGUID()
	pair := func() { m.discovery.PairRemoteReader(localWriter, remoteParticipant, rdata) }

	m.Lock()
	if !m.active {
		m.Unlock()
		pair()
		return nil
	}
	a, ok := m.writers[localWriter]
	if !ok {
		m.Unlock()
		if !(security.EndpointSecurityAttributes{}).Compatible(rdata.SecurityAttributes) {
			m.log.Warningf("Reader %v is protected, writer %v is not", rdata.GUID, localWriter)
			return ErrIncompatible
		}
		pair()
		return nil
	}
	if !a.attrs.Compatible(rdata.SecurityAttributes) {
		m.Unlock()
		m.log.Warningf("Reader %v security attributes %08x do not match writer %v", rdata.GUID, rdata.SecurityAttributes, localWriter)
		return ErrIncompatible
	}
	if _, ok := a.remotes[rdata.GUID]; ok {
		m.Unlock()
		return nil
	}

	participantCrypto, secret, ok := m.remoteCryptoLocked(remoteParticipant)
	if !ok {
		list := m.pendingReaders[remoteParticipant]
		for _, e := range list {
			if e.localWriter == localWriter && e.rdata.GUID == rdata.GUID {
				m.Unlock()
				return nil
			}
		}
		m.pendingReaders[remoteParticipant] = append(list, pendingReader{localWriter: localWriter, rdata: *rdata})
		m.Unlock()
		m.log.Debugf("Reader %v deferred until %v is authorized", rdata.GUID, remoteParticipant)
		return nil
	}

	kf, kx := m.crypto.KeyFactory(), m.crypto.KeyExchange()
	h, err := kf.RegisterMatchedRemoteDatareader(a.handle.Get(), participantCrypto, secret, false)
	if err != nil {
		m.Unlock()
		m.log.Errorf("register_matched_remote_datareader %v: %v", rdata.GUID, err)
		return err
	}
	ep := &remoteReader{
		participant: remoteParticipant,
		proxy:       *rdata,
		handle:      security.Own(h, kf.UnregisterDatareader),
	}
	a.remotes[rdata.GUID] = ep

	if a.keyExchange {
		ep.tokensSent, ep.tokensReceived, ep.paired = true, true, true
		vw := m.volatileWriter
		m.Unlock()
		if vw != nil {
			return vw.MatchedReaderAdd(rdata)
		}
		return nil
	}

	rollback := func() {
		if cur, ok := a.remotes[rdata.GUID]; ok && cur == ep {
			delete(a.remotes, rdata.GUID)
			m.logErrors("unregister_datareader", []error{ep.handle.Release()})
		}
	}

	if tokens, ok := takeTokens(m.pending.readers, endpointPair{remote: rdata.GUID, local: localWriter}); ok {
		if err := kx.SetRemoteDatareaderCryptoTokens(a.handle.Get(), h, tokens); err != nil {
			m.log.Errorf("set_remote_datareader_crypto_tokens %v: %v", rdata.GUID, err)
		} else {
			ep.tokensReceived = true
			instrument.TokensApplied(security.ClassIDReaderCryptoTokens)
		}
	}

	tokens, err := kx.CreateLocalDatawriterCryptoTokens(a.handle.Get(), h)
	if err != nil {
		rollback()
		m.Unlock()
		m.log.Errorf("create_local_datawriter_crypto_tokens %v: %v", rdata.GUID, err)
		return err
	}
	msg := m.tokenMessageLocked(security.ClassIDWriterCryptoTokens, remoteParticipant, rdata.GUID, localWriter, tokens)

	if remoteParticipant == m.localGUID {
		callouts := m.receiveTokensLocked(&msg)
		ep.tokensSent = true
		if ep.readyToPair() {
			callouts = append(callouts, pair)
		}
		m.Unlock()
		runCallouts(callouts)
		return nil
	}
	m.Unlock()

	if err := m.sendVolatile(&msg); err != nil {
		m.log.Errorf("Sending writer crypto tokens to %v: %v", rdata.GUID, err)
		m.Lock()
		rollback()
		m.Unlock()
		return err
	}

	m.Lock()
	ready := false
	if cur, ok := a.remotes[rdata.GUID]; ok && cur == ep {
		ep.tokensSent = true
		ready = ep.readyToPair()
	}
	m.Unlock()
	if ready {
		pair()
	}
	return nil
}

// RemoveReader forgets a remote reader matched with a local writer.
func (m *Manager) RemoveReader(localWriter, remoteParticipant, remoteReader rtps.GUID) {
	remoteParticipant = remoteParticipant.ParticipantGUID()
	m.Lock()
	defer m.Unlock()
	if !m.active {
		return
	}
	delete(m.pending.readers, endpointPair{remote: remoteReader, local: localWriter})
	if list, ok := m.pendingReaders[remoteParticipant]; ok {
		kept := list[:0]
		for _, e := range list {
			if e.localWriter != localWriter || e.rdata.GUID != remoteReader {
				kept = append(kept, e)
			}
		}
		m.pendingReaders[remoteParticipant] = kept
	}
	a, ok := m.writers[localWriter]
	if !ok {
		return
	}
	if ep, ok := a.remotes[remoteReader]; ok {
		delete(a.remotes, remoteReader)
		m.logErrors("unregister_datareader", []error{ep.handle.Release()})
	}
}

// DiscoveredWriter matches a remote writer with a local reader. Pairing is
// reported to Discovery once the crypto tokens went both ways.
func (m *Manager) DiscoveredWriter(localReader, remoteParticipant rtps.GUID, wdata *rtps.WriterProxyData) error {
	remoteParticipant = remoteParticipant.ParticipantGUID()
	pair := func() { m.discovery.PairRemoteWriter(localReader, remoteParticipant, wdata) }

	m.Lock()
	if !m.active {
		m.Unlock()
		pair()
		return nil
	}
	a, ok := m.readers[localReader]
	if !ok {
		m.Unlock()
		if !(security.EndpointSecurityAttributes{}).Compatible(wdata.SecurityAttributes) {
			m.log.Warningf("Writer %v is protected, reader %v is not", wdata.GUID, localReader)
			return ErrIncompatible
		}
		pair()
		return nil
	}
	if !a.attrs.Compatible(wdata.SecurityAttributes) {
		m.Unlock()
		m.log.Warningf("Writer %v security attributes %08x do not match reader %v", wdata.GUID, wdata.SecurityAttributes, localReader)
		return ErrIncompatible
	}
	if _, ok := a.remotes[wdata.GUID]; ok {
		m.Unlock()
		return nil
	}

	participantCrypto, secret, ok := m.remoteCryptoLocked(remoteParticipant)
	if !ok {
		list := m.pendingWriters[remoteParticipant]
		for _, e := range list {
			if e.localReader == localReader && e.wdata.GUID == wdata.GUID {
				m.Unlock()
				return nil
			}
		}
		m.pendingWriters[remoteParticipant] = append(list, pendingWriter{localReader: localReader, wdata: *wdata})
		m.Unlock()
		m.log.Debugf("Writer %v deferred until %v is authorized", wdata.GUID, remoteParticipant)
		return nil
	}

	kf, kx := m.crypto.KeyFactory(), m.crypto.KeyExchange()
	h, err := kf.RegisterMatchedRemoteDatawriter(a.handle.Get(), participantCrypto, secret)
	if err != nil {
		m.Unlock()
		m.log.Errorf("register_matched_remote_datawriter %v: %v", wdata.GUID, err)
		return err
	}
	ep := &remoteWriter{
		participant: remoteParticipant,
		proxy:       *wdata,
		handle:      security.Own(h, kf.UnregisterDatawriter),
	}
	a.remotes[wdata.GUID] = ep

	if a.keyExchange {
		ep.tokensSent, ep.tokensReceived, ep.paired = true, true, true
		vr := m.volatileReader
		m.Unlock()
		if vr != nil {
			return vr.MatchedWriterAdd(wdata)
		}
		return nil
	}

	rollback := func() {
		if cur, ok := a.remotes[wdata.GUID]; ok && cur == ep {
			delete(a.remotes, wdata.GUID)
			m.logErrors("unregister_datawriter", []error{ep.handle.Release()})
		}
	}

	if tokens, ok := takeTokens(m.pending.writers, endpointPair{remote: wdata.GUID, local: localReader}); ok {
		if err := kx.SetRemoteDatawriterCryptoTokens(a.handle.Get(), h, tokens); err != nil {
			m.log.Errorf("set_remote_datawriter_crypto_tokens %v: %v", wdata.GUID, err)
		} else {
			ep.tokensReceived = true
			instrument.TokensApplied(security.ClassIDWriterCryptoTokens)
		}
	}

	tokens, err := kx.CreateLocalDatareaderCryptoTokens(a.handle.Get(), h)
	if err != nil {
		rollback()
		m.Unlock()
		m.log.Errorf("create_local_datareader_crypto_tokens %v: %v", wdata.GUID, err)
		return err
	}
	msg := m.tokenMessageLocked(security.ClassIDReaderCryptoTokens, remoteParticipant, wdata.GUID, localReader, tokens)

	if remoteParticipant == m.localGUID {
		callouts := m.receiveTokensLocked(&msg)
		ep.tokensSent = true
		if ep.readyToPair() {
			callouts = append(callouts, pair)
		}
		m.Unlock()
		runCallouts(callouts)
		return nil
	}
	m.Unlock()

	if err := m.sendVolatile(&msg); err != nil {
		m.log.Errorf("Sending reader crypto tokens to %v: %v", wdata.GUID, err)
		m.Lock()
		rollback()
		m.Unlock()
		return err
	}

	m.Lock()
	ready := false
	if cur, ok := a.remotes[wdata.GUID]; ok && cur == ep {
		ep.tokensSent = true
		ready = ep.readyToPair()
	}
	m.Unlock()
	if ready {
		pair()
	}
	return nil
}

// RemoveWriter forgets a remote writer matched with a local reader.
func (m *Manager) RemoveWriter(localReader, remoteParticipant, remoteWriter rtps.GUID) {
	remoteParticipant = remoteParticipant.ParticipantGUID()
	m.Lock()
	defer m.Unlock()
	if !m.active {
		return
	}
	delete(m.pending.writers, endpointPair{remote: remoteWriter, local: localReader})
	if list, ok := m.pendingWriters[remoteParticipant]; ok {
		kept := list[:0]
		for _, e := range list {
			if e.localReader != localReader || e.wdata.GUID != remoteWriter {
				kept = append(kept, e)
			}
		}
		m.pendingWriters[remoteParticipant] = kept
	}
	a, ok := m.readers[localReader]
	if !ok {
		return
	}
	if ep, ok := a.remotes[remoteWriter]; ok {
		delete(a.remotes, remoteWriter)
		m.logErrors("unregister_datawriter", []error{ep.handle.Release()})
	}
}

// matchKeyExchangeLocked registers the volatile secure endpoints of an
// authorized participant with ours and returns the calls matching them.
func (m *Manager) matchKeyExchangeLocked(guid rtps.GUID) []func() {
	rec, ok := m.remotes[guid]
	if !ok || !rec.crypto.Valid() {
		return nil
	}
	kf := m.crypto.KeyFactory()

	var callouts []func()
	if a, ok := m.writers[m.volatileWriterGUID]; ok && m.volatileWriter != nil {
		rdata := rtps.ReaderProxyData{
			GUID:               rtps.GUID{Prefix: guid.Prefix, Entity: rtps.EntityIDVolatileSecureReader},
			SecurityAttributes: a.attrs.Mask(),
			Properties:         rtps.PropertyPolicy{{Name: security.PropBuiltinEndpointName, Value: security.BuiltinVolatileSecureReaderName}},
		}
		if _, ok := a.remotes[rdata.GUID]; !ok {
			h, err := kf.RegisterMatchedRemoteDatareader(a.handle.Get(), rec.crypto.Get(), rec.secret.Get(), false)
			if err != nil {
				m.log.Errorf("register_matched_remote_datareader %v: %v", rdata.GUID, err)
			} else {
				a.remotes[rdata.GUID] = &remoteReader{
					participant:    guid,
					proxy:          rdata,
					handle:         security.Own(h, kf.UnregisterDatareader),
					tokensSent:     true,
					tokensReceived: true,
					paired:         true,
				}
				vw := m.volatileWriter
				callouts = append(callouts, func() {
					if err := vw.MatchedReaderAdd(&rdata); err != nil {
						m.log.Errorf("Matching volatile secure reader %v: %v", rdata.GUID, err)
					}
				})
			}
		}
	}
	if a, ok := m.readers[m.volatileReaderGUID]; ok && m.volatileReader != nil {
		wdata := rtps.WriterProxyData{
			GUID:               rtps.GUID{Prefix: guid.Prefix, Entity: rtps.EntityIDVolatileSecureWriter},
			SecurityAttributes: a.attrs.Mask(),
			Properties:         rtps.PropertyPolicy{{Name: security.PropBuiltinEndpointName, Value: security.BuiltinVolatileSecureWriterName}},
		}
		if _, ok := a.remotes[wdata.GUID]; !ok {
			h, err := kf.RegisterMatchedRemoteDatawriter(a.handle.Get(), rec.crypto.Get(), rec.secret.Get())
			if err != nil {
				m.log.Errorf("register_matched_remote_datawriter %v: %v", wdata.GUID, err)
			} else {
				a.remotes[wdata.GUID] = &remoteWriter{
					participant:    guid,
					proxy:          wdata,
					handle:         security.Own(h, kf.UnregisterDatawriter),
					tokensSent:     true,
					tokensReceived: true,
					paired:         true,
				}
				vr := m.volatileReader
				callouts = append(callouts, func() {
					if err := vr.MatchedWriterAdd(&wdata); err != nil {
						m.log.Errorf("Matching volatile secure writer %v: %v", wdata.GUID, err)
					}
				})
			}
		}
	}
	return callouts
}
