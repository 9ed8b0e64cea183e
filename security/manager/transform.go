// SPDX-FileCopyrightText: Copyright (C) 2026 The rtps authors
// SPDX-License-Identifier: AGPL-3.0-only

package manager

import (
	"github.com/rtpsgo/rtps/rtps"
	"github.com/rtpsgo/rtps/security"
)

// The hooks below return ErrNotProtected when the traffic passes through
// unchanged.

// EncodeRTPSMessage protects a whole message sent to the given participants.
func (m *Manager) EncodeRTPSMessage(plain []byte, receivers []rtps.GUID) ([]byte, error) {
	m.RLock()
	defer m.RUnlock()
	if !m.active || m.crypto == nil || !m.participantAttrs.IsRTPSProtected {
		return nil, ErrNotProtected
	}

	handles := make([]security.ParticipantCryptoHandle, 0, len(receivers))
	for _, guid := range receivers {
		h, _, ok := m.remoteCryptoLocked(guid)
		if !ok {
			return nil, ErrUnknownParticipant
		}
		handles = append(handles, h)
	}
	return m.crypto.Transform().EncodeRTPSMessage(plain, m.localCrypto.Get(), handles)
}

// DecodeRTPSMessage unprotects a whole message received from sender.
func (m *Manager) DecodeRTPSMessage(encoded []byte, sender rtps.GUID) ([]byte, error) {
	m.RLock()
	defer m.RUnlock()
	if !m.active || m.crypto == nil || !m.participantAttrs.IsRTPSProtected {
		return nil, ErrNotProtected
	}
	h, _, ok := m.remoteCryptoLocked(sender)
	if !ok {
		return nil, ErrUnknownParticipant
	}
	return m.crypto.Transform().DecodeRTPSMessage(encoded, m.localCrypto.Get(), h)
}

// EncodeWriterSubmessage protects a submessage of writer addressed to the
// given remote readers.
func (m *Manager) EncodeWriterSubmessage(plain []byte, writer rtps.GUID, readers []rtps.GUID) ([]byte, error) {
	m.RLock()
	defer m.RUnlock()
	if !m.active || m.crypto == nil {
		return nil, ErrNotProtected
	}
	a, ok := m.writers[writer]
	if !ok || !a.attrs.IsSubmessageProtected {
		return nil, ErrNotProtected
	}

	handles := make([]security.DatareaderCryptoHandle, 0, len(readers))
	for _, guid := range readers {
		ep, ok := a.remotes[guid]
		if !ok {
			return nil, ErrUnknownEndpoint
		}
		handles = append(handles, ep.handle.Get())
	}
	return m.crypto.Transform().EncodeDatawriterSubmessage(plain, a.handle.Get(), handles)
}

// EncodeReaderSubmessage protects a submessage of reader addressed to the
// given remote writers.
func (m *Manager) EncodeReaderSubmessage(plain []byte, reader rtps.GUID, writers []rtps.GUID) ([]byte, error) {
	m.RLock()
	defer m.RUnlock()
	if !m.active || m.crypto == nil {
		return nil, ErrNotProtected
	}
	a, ok := m.readers[reader]
	if !ok || !a.attrs.IsSubmessageProtected {
		return nil, ErrNotProtected
	}

	handles := make([]security.DatawriterCryptoHandle, 0, len(writers))
	for _, guid := range writers {
		ep, ok := a.remotes[guid]
		if !ok {
			return nil, ErrUnknownEndpoint
		}
		handles = append(handles, ep.handle.Get())
	}
	return m.crypto.Transform().EncodeDatareaderSubmessage(plain, a.handle.Get(), handles)
}

// DecodeRTPSSubmessage unprotects a submessage received from sender,
// locating the endpoints from the key material it was sealed with.
func (m *Manager) DecodeRTPSSubmessage(encoded []byte, sender rtps.GUID) ([]byte, error) {
	m.RLock()
	defer m.RUnlock()
	if !m.active || m.crypto == nil {
		return nil, ErrNotProtected
	}
	h, _, ok := m.remoteCryptoLocked(sender)
	if !ok {
		return nil, ErrUnknownParticipant
	}

	t := m.crypto.Transform()
	category, w, r, err := t.PreprocessSecureSubmessage(encoded, m.localCrypto.Get(), h)
	if err != nil {
		return nil, err
	}
	switch category {
	case security.DatawriterSubmessage:
		return t.DecodeDatawriterSubmessage(encoded, r, w)
	case security.DatareaderSubmessage:
		return t.DecodeDatareaderSubmessage(encoded, w, r)
	default:
		return nil, ErrNotProtected
	}
}

// EncodeSerializedPayload protects a sample payload of writer.
func (m *Manager) EncodeSerializedPayload(plain []byte, writer rtps.GUID) ([]byte, error) {
	m.RLock()
	defer m.RUnlock()
	if !m.active || m.crypto == nil {
		return nil, ErrNotProtected
	}
	a, ok := m.writers[writer]
	if !ok || !a.attrs.IsPayloadProtected {
		return nil, ErrNotProtected
	}
	return m.crypto.Transform().EncodeSerializedPayload(plain, a.handle.Get())
}

// DecodeSerializedPayload unprotects a payload sent by a remote writer to a
// local reader.
func (m *Manager) DecodeSerializedPayload(encoded []byte, reader, writer rtps.GUID) ([]byte, error) {
	m.RLock()
	defer m.RUnlock()
	if !m.active || m.crypto == nil {
		return nil, ErrNotProtected
	}
	a, ok := m.readers[reader]
	if !ok || !a.attrs.IsPayloadProtected {
		return nil, ErrNotProtected
	}
	ep, ok := a.remotes[writer]
	if !ok {
		return nil, ErrUnknownEndpoint
	}
	return m.crypto.Transform().DecodeSerializedPayload(encoded, a.handle.Get(), ep.handle.Get())
}

// ExtraRTPSMessageSize is the growth of a protected message sent to
// receivers participants.
func (m *Manager) ExtraRTPSMessageSize(receivers int) int {
	m.RLock()
	defer m.RUnlock()
	if !m.active || m.crypto == nil || !m.participantAttrs.IsRTPSProtected {
		return 0
	}
	return m.crypto.Transform().ExtraRTPSMessageSize(receivers)
}

// ExtraSubmessageSize is the growth of a protected submessage.
func (m *Manager) ExtraSubmessageSize() int {
	m.RLock()
	defer m.RUnlock()
	if !m.active || m.crypto == nil {
		return 0
	}
	return m.crypto.Transform().ExtraSubmessageSize()
}

// ExtraPayloadSize is the growth of a protected payload.
func (m *Manager) ExtraPayloadSize() int {
	m.RLock()
	defer m.RUnlock()
	if !m.active || m.crypto == nil {
		return 0
	}
	return m.crypto.Transform().ExtraPayloadSize()
}
