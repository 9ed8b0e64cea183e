// SPDX-FileCopyrightText: Copyright (C) 2026 The rtps authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package aead is the builtin cryptography plugin. Every protected entity
// owns ChaCha20-Poly1305 key material that is handed to matched peers in
// crypto tokens; the key exchange endpoints use keys derived from the
// handshake secret instead.
package aead

import (
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/rtpsgo/rtps/core/log"
	"github.com/rtpsgo/rtps/rtps"
	"github.com/rtpsgo/rtps/security"
)

const (
	// PluginName selects this plugin through security.PropCryptoPlugin.
	PluginName = "builtin.CHACHA20-POLY1305"

	// ClassID is the class of every crypto token this plugin produces.
	ClassID = "DDS:Crypto:CHACHA20-POLY1305"

	// PropKeyMaterial is the binary token property holding key material.
	PropKeyMaterial = "dds.cryp.keymat"
)

type participant struct {
	security.ParticipantCryptoHandleBase

	// local is nil for the local participant.
	local  *participant
	secret security.SharedSecretProvider

	keys     *keyMaterial
	kxWriter *keyMaterial
	kxReader *keyMaterial
}

type writer struct {
	security.DatawriterCryptoHandleBase

	participant *participant
	// reader is the local reader a remote writer was matched with.
	reader *reader
	remote bool
	kx     bool
	keys   *keyMaterial
}

type reader struct {
	security.DatareaderCryptoHandleBase

	participant *participant
	// writer is the local writer a remote reader was matched with.
	writer    *writer
	remote    bool
	kx        bool
	relayOnly bool
	keys      *keyMaterial
}

// Plugin implements security.Cryptography and its three capabilities.
type Plugin struct {
	sync.Mutex

	log *logging.Logger

	participants map[*participant]struct{}
	writers      map[*writer]struct{}
	readers      map[*reader]struct{}

	// remoteKeys indexes remote writer and reader handles by key id.
	remoteKeys map[uint32][]interface{}
}

// New creates the plugin.
func New(logBackend *log.Backend) *Plugin {
	return &Plugin{
		log:          logBackend.GetLogger("aead"),
		participants: make(map[*participant]struct{}),
		writers:      make(map[*writer]struct{}),
		readers:      make(map[*reader]struct{}),
		remoteKeys:   make(map[uint32][]interface{}),
	}
}

// KeyFactory implements security.Cryptography.
func (p *Plugin) KeyFactory() security.CryptoKeyFactory { return p }

// KeyExchange implements security.Cryptography.
func (p *Plugin) KeyExchange() security.CryptoKeyExchange { return p }

// Transform implements security.Cryptography.
func (p *Plugin) Transform() security.CryptoTransform { return p }

// Outstanding returns the number of handles not yet unregistered.
func (p *Plugin) Outstanding() int {
	p.Lock()
	defer p.Unlock()
	return len(p.participants) + len(p.writers) + len(p.readers)
}

func isKeyExchange(props rtps.PropertyPolicy) bool {
	name, ok := props.Find(security.PropBuiltinEndpointName)
	return ok && (name == security.BuiltinVolatileSecureWriterName || name == security.BuiltinVolatileSecureReaderName)
}

func (p *Plugin) participantLocked(h security.ParticipantCryptoHandle) (*participant, error) {
	ph, ok := h.(*participant)
	if !ok {
		return nil, security.ErrInvalidHandle
	}
	if _, ok := p.participants[ph]; !ok {
		return nil, security.ErrInvalidHandle
	}
	return ph, nil
}

func (p *Plugin) writerLocked(h security.DatawriterCryptoHandle) (*writer, error) {
	wh, ok := h.(*writer)
	if !ok {
		return nil, security.ErrInvalidHandle
	}
	if _, ok := p.writers[wh]; !ok {
		return nil, security.ErrInvalidHandle
	}
	return wh, nil
}

func (p *Plugin) readerLocked(h security.DatareaderCryptoHandle) (*reader, error) {
	rh, ok := h.(*reader)
	if !ok {
		return nil, security.ErrInvalidHandle
	}
	if _, ok := p.readers[rh]; !ok {
		return nil, security.ErrInvalidHandle
	}
	return rh, nil
}

func (p *Plugin) indexLocked(id uint32, h interface{}) {
	p.remoteKeys[id] = append(p.remoteKeys[id], h)
}

func (p *Plugin) unindexLocked(id uint32, h interface{}) {
	entries := p.remoteKeys[id]
	for i, e := range entries {
		if e == h {
			entries = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(entries) == 0 {
		delete(p.remoteKeys, id)
		return
	}
	p.remoteKeys[id] = entries
}

// RegisterLocalParticipant implements security.CryptoKeyFactory.
func (p *Plugin) RegisterLocalParticipant(identity security.IdentityHandle, perms security.PermissionsHandle, props rtps.PropertyPolicy, attrs security.ParticipantSecurityAttributes) (security.ParticipantCryptoHandle, error) {
	keys, err := newKeyMaterial()
	if err != nil {
		return nil, security.NewError("register_local_participant", err, "key generation")
	}
	h := &participant{keys: keys}

	p.Lock()
	defer p.Unlock()
	p.participants[h] = struct{}{}
	return h, nil
}

// RegisterMatchedRemoteParticipant implements security.CryptoKeyFactory.
func (p *Plugin) RegisterMatchedRemoteParticipant(local security.ParticipantCryptoHandle, remoteIdentity security.IdentityHandle, remotePerms security.PermissionsHandle, secret security.SecretHandle) (security.ParticipantCryptoHandle, error) {
	const op = "register_matched_remote_participant"

	provider, ok := secret.(security.SharedSecretProvider)
	if !ok {
		return nil, security.NewError(op, security.ErrInvalidHandle, "secret handle carries no shared secret")
	}
	kxWriter, err := deriveKeyMaterial(provider, kxWriterTag)
	if err != nil {
		return nil, security.NewError(op, err, "key derivation")
	}
	kxReader, err := deriveKeyMaterial(provider, kxReaderTag)
	if err != nil {
		return nil, security.NewError(op, err, "key derivation")
	}

	p.Lock()
	defer p.Unlock()
	lp, err := p.participantLocked(local)
	if err != nil {
		return nil, security.NewError(op, err, "unknown local participant")
	}
	h := &participant{
		local:    lp,
		secret:   provider,
		kxWriter: kxWriter,
		kxReader: kxReader,
	}
	p.participants[h] = struct{}{}
	p.log.Debugf("Registered remote participant, key exchange key ids %08x/%08x", kxWriter.KeyID, kxReader.KeyID)
	return h, nil
}

// RegisterLocalDatawriter implements security.CryptoKeyFactory.
func (p *Plugin) RegisterLocalDatawriter(participantHandle security.ParticipantCryptoHandle, props rtps.PropertyPolicy, attrs security.EndpointSecurityAttributes) (security.DatawriterCryptoHandle, error) {
	const op = "register_local_datawriter"

	h := &writer{kx: isKeyExchange(props)}
	if !h.kx {
		keys, err := newKeyMaterial()
		if err != nil {
			return nil, security.NewError(op, err, "key generation")
		}
		h.keys = keys
	}

	p.Lock()
	defer p.Unlock()
	lp, err := p.participantLocked(participantHandle)
	if err != nil || lp.local != nil {
		return nil, security.NewError(op, security.ErrInvalidHandle, "unknown local participant")
	}
	h.participant = lp
	p.writers[h] = struct{}{}
	return h, nil
}

// RegisterMatchedRemoteDatareader implements security.CryptoKeyFactory.
func (p *Plugin) RegisterMatchedRemoteDatareader(localWriter security.DatawriterCryptoHandle, remoteParticipant security.ParticipantCryptoHandle, secret security.SecretHandle, relayOnly bool) (security.DatareaderCryptoHandle, error) {
	const op = "register_matched_remote_datareader"

	p.Lock()
	defer p.Unlock()
	lw, err := p.writerLocked(localWriter)
	if err != nil {
		return nil, security.NewError(op, err, "unknown local writer")
	}
	rp, err := p.participantLocked(remoteParticipant)
	if err != nil {
		return nil, security.NewError(op, err, "unknown remote participant")
	}

	h := &reader{participant: rp, writer: lw, remote: true, kx: lw.kx, relayOnly: relayOnly}
	if h.kx {
		if rp.kxReader == nil {
			return nil, security.NewError(op, errNoKeys, "no shared secret for key exchange")
		}
		h.keys = rp.kxReader
		p.indexLocked(h.keys.KeyID, h)
	}
	p.readers[h] = struct{}{}
	return h, nil
}

// RegisterLocalDatareader implements security.CryptoKeyFactory.
func (p *Plugin) RegisterLocalDatareader(participantHandle security.ParticipantCryptoHandle, props rtps.PropertyPolicy, attrs security.EndpointSecurityAttributes) (security.DatareaderCryptoHandle, error) {
	const op = "register_local_datareader"

	h := &reader{kx: isKeyExchange(props)}
	if !h.kx {
		keys, err := newKeyMaterial()
		if err != nil {
			return nil, security.NewError(op, err, "key generation")
		}
		h.keys = keys
	}

	p.Lock()
	defer p.Unlock()
	lp, err := p.participantLocked(participantHandle)
	if err != nil || lp.local != nil {
		return nil, security.NewError(op, security.ErrInvalidHandle, "unknown local participant")
	}
	h.participant = lp
	p.readers[h] = struct{}{}
	return h, nil
}

// RegisterMatchedRemoteDatawriter implements security.CryptoKeyFactory.
func (p *Plugin) RegisterMatchedRemoteDatawriter(localReader security.DatareaderCryptoHandle, remoteParticipant security.ParticipantCryptoHandle, secret security.SecretHandle) (security.DatawriterCryptoHandle, error) {
	const op = "register_matched_remote_datawriter"

	p.Lock()
	defer p.Unlock()
	lr, err := p.readerLocked(localReader)
	if err != nil {
		return nil, security.NewError(op, err, "unknown local reader")
	}
	rp, err := p.participantLocked(remoteParticipant)
	if err != nil {
		return nil, security.NewError(op, err, "unknown remote participant")
	}

	h := &writer{participant: rp, reader: lr, remote: true, kx: lr.kx}
	if h.kx {
		if rp.kxWriter == nil {
			return nil, security.NewError(op, errNoKeys, "no shared secret for key exchange")
		}
		h.keys = rp.kxWriter
		p.indexLocked(h.keys.KeyID, h)
	}
	p.writers[h] = struct{}{}
	return h, nil
}

// UnregisterParticipant implements security.CryptoKeyFactory.
func (p *Plugin) UnregisterParticipant(h security.ParticipantCryptoHandle) error {
	p.Lock()
	defer p.Unlock()
	ph, err := p.participantLocked(h)
	if err != nil {
		return err
	}
	delete(p.participants, ph)
	return nil
}

// UnregisterDatawriter implements security.CryptoKeyFactory.
func (p *Plugin) UnregisterDatawriter(h security.DatawriterCryptoHandle) error {
	p.Lock()
	defer p.Unlock()
	wh, err := p.writerLocked(h)
	if err != nil {
		return err
	}
	if wh.remote && wh.keys != nil {
		p.unindexLocked(wh.keys.KeyID, wh)
	}
	delete(p.writers, wh)
	return nil
}

// UnregisterDatareader implements security.CryptoKeyFactory.
func (p *Plugin) UnregisterDatareader(h security.DatareaderCryptoHandle) error {
	p.Lock()
	defer p.Unlock()
	rh, err := p.readerLocked(h)
	if err != nil {
		return err
	}
	if rh.remote && rh.keys != nil {
		p.unindexLocked(rh.keys.KeyID, rh)
	}
	delete(p.readers, rh)
	return nil
}
