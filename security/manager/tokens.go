// SPDX-FileCopyrightText: Copyright (C) 2026 The rtps authors
// SPDX-License-Identifier: AGPL-3.0-only

package manager

import (
	"github.com/rtpsgo/rtps/internal/instrument"
	"github.com/rtpsgo/rtps/rtps"
	"github.com/rtpsgo/rtps/security"
)

// OnVolatileMessage handles a change received by the volatile secure reader.
func (m *Manager) OnVolatileMessage(change *rtps.CacheChange) {
	m.RLock()
	vr := m.volatileReader
	m.RUnlock()
	if vr != nil {
		defer vr.ReleaseChange(change)
	}

	var msg security.ParticipantGenericMessage
	if err := msg.UnmarshalBinary(change.Payload); err != nil {
		m.dropMessage("volatile", "Bad ParticipantGenericMessage: %v", err)
		return
	}

	m.Lock()
	callouts := m.receiveTokensLocked(&msg)
	m.Unlock()
	runCallouts(callouts)
}

// receiveTokensLocked applies or stores a crypto token message and returns
// the pairing calls it made due.
func (m *Manager) receiveTokensLocked(msg *security.ParticipantGenericMessage) []func() {
	if !m.active || m.crypto == nil {
		return nil
	}
	if msg.DestinationParticipantKey != m.localGUID {
		m.dropMessage(msg.MessageClassID, "Token message for %v is not for us", msg.DestinationParticipantKey)
		return nil
	}
	kx := m.crypto.KeyExchange()
	source := msg.MessageIdentity.SourceGUID.ParticipantGUID()

	switch msg.MessageClassID {
	case security.ClassIDParticipantCryptoTokens:
		if !msg.DestinationEndpointKey.IsUnknown() || !msg.SourceEndpointKey.IsUnknown() {
			m.dropMessage(msg.MessageClassID, "Bad participant tokens message. endpoint keys are not unknown")
			return nil
		}
		rec, ok := m.remotes[source]
		if !ok || !rec.crypto.Valid() {
			m.pending.participants[source] = msg.MessageData
			instrument.TokensStored(msg.MessageClassID)
			m.log.Debugf("Stored participant tokens of %v", source)
			return nil
		}
		if err := kx.SetRemoteParticipantCryptoTokens(m.localCrypto.Get(), rec.crypto.Get(), msg.MessageData); err != nil {
			m.log.Errorf("set_remote_participant_crypto_tokens %v: %v", source, err)
			return nil
		}
		instrument.TokensApplied(msg.MessageClassID)
		return nil

	case security.ClassIDWriterCryptoTokens:
		local, remote := msg.DestinationEndpointKey, msg.SourceEndpointKey
		if local.IsUnknown() || !remote.SameParticipant(source) {
			m.dropMessage(msg.MessageClassID, "Bad writer tokens message from %v", source)
			return nil
		}
		a, ok := m.readers[local]
		if !ok {
			m.dropMessage(msg.MessageClassID, "Writer tokens for unknown reader %v", local)
			return nil
		}
		ep, ok := a.remotes[remote]
		if !ok {
			m.pending.writers[endpointPair{remote: remote, local: local}] = msg.MessageData
			instrument.TokensStored(msg.MessageClassID)
			m.log.Debugf("Stored tokens of writer %v for reader %v", remote, local)
			return nil
		}
		if err := kx.SetRemoteDatawriterCryptoTokens(a.handle.Get(), ep.handle.Get(), msg.MessageData); err != nil {
			m.log.Errorf("set_remote_datawriter_crypto_tokens %v: %v", remote, err)
			return nil
		}
		instrument.TokensApplied(msg.MessageClassID)
		ep.tokensReceived = true
		if !ep.readyToPair() {
			return nil
		}
		participant, wdata := ep.participant, ep.proxy
		return []func(){func() { m.discovery.PairRemoteWriter(local, participant, &wdata) }}

	case security.ClassIDReaderCryptoTokens:
		local, remote := msg.DestinationEndpointKey, msg.SourceEndpointKey
		if local.IsUnknown() || !remote.SameParticipant(source) {
			m.dropMessage(msg.MessageClassID, "Bad reader tokens message from %v", source)
			return nil
		}
		a, ok := m.writers[local]
		if !ok {
			m.dropMessage(msg.MessageClassID, "Reader tokens for unknown writer %v", local)
			return nil
		}
		ep, ok := a.remotes[remote]
		if !ok {
			m.pending.readers[endpointPair{remote: remote, local: local}] = msg.MessageData
			instrument.TokensStored(msg.MessageClassID)
			m.log.Debugf("Stored tokens of reader %v for writer %v", remote, local)
			return nil
		}
		if err := kx.SetRemoteDatareaderCryptoTokens(a.handle.Get(), ep.handle.Get(), msg.MessageData); err != nil {
			m.log.Errorf("set_remote_datareader_crypto_tokens %v: %v", remote, err)
			return nil
		}
		instrument.TokensApplied(msg.MessageClassID)
		ep.tokensReceived = true
		if !ep.readyToPair() {
			return nil
		}
		participant, rdata := ep.participant, ep.proxy
		return []func(){func() { m.discovery.PairRemoteReader(local, participant, &rdata) }}
	}

	m.dropMessage(msg.MessageClassID, "Discarded ParticipantGenericMessage with class id %q", msg.MessageClassID)
	return nil
}

// tokenMessageLocked builds a token message sent by the volatile secure
// writer.
func (m *Manager) tokenMessageLocked(class string, destParticipant, destEndpoint, sourceEndpoint rtps.GUID, tokens []security.CryptoToken) security.ParticipantGenericMessage {
	return security.ParticipantGenericMessage{
		MessageIdentity: security.MessageIdentity{
			SourceGUID:     m.volatileWriterGUID,
			SequenceNumber: m.messageSeq.Add(1) - 1,
		},
		DestinationParticipantKey: destParticipant,
		DestinationEndpointKey:    destEndpoint,
		SourceEndpointKey:         sourceEndpoint,
		MessageClassID:            class,
		MessageData:               tokens,
	}
}

func (m *Manager) sendVolatile(msg *security.ParticipantGenericMessage) error {
	m.RLock()
	vw := m.volatileWriter
	m.RUnlock()
	if vw == nil {
		return errNoEntities
	}
	payload, err := msg.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = addChange(vw, payload)
	return err
}
