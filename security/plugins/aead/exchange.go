// SPDX-FileCopyrightText: Copyright (C) 2026 The rtps authors
// SPDX-License-Identifier: AGPL-3.0-only

package aead

import (
	"github.com/rtpsgo/rtps/security"
)

// CreateLocalParticipantCryptoTokens implements security.CryptoKeyExchange.
func (p *Plugin) CreateLocalParticipantCryptoTokens(local, remote security.ParticipantCryptoHandle) ([]security.CryptoToken, error) {
	const op = "create_local_participant_crypto_tokens"

	p.Lock()
	lp, err := p.participantLocked(local)
	if err == nil && lp.local != nil {
		err = security.ErrInvalidHandle
	}
	if err == nil {
		_, err = p.participantLocked(remote)
	}
	p.Unlock()
	if err != nil {
		return nil, security.NewError(op, err, "unknown participant")
	}
	tok, err := lp.keys.token()
	if err != nil {
		return nil, security.NewError(op, err, "encoding key material")
	}
	return []security.CryptoToken{tok}, nil
}

// SetRemoteParticipantCryptoTokens implements security.CryptoKeyExchange.
func (p *Plugin) SetRemoteParticipantCryptoTokens(local, remote security.ParticipantCryptoHandle, tokens []security.CryptoToken) error {
	const op = "set_remote_participant_crypto_tokens"

	keys, err := keyMaterialFromTokens(tokens)
	if err != nil {
		return security.NewError(op, err, "bad participant tokens")
	}

	p.Lock()
	defer p.Unlock()
	if _, err := p.participantLocked(local); err != nil {
		return security.NewError(op, err, "unknown local participant")
	}
	rp, err := p.participantLocked(remote)
	if err != nil || rp.local == nil {
		return security.NewError(op, security.ErrInvalidHandle, "unknown remote participant")
	}
	rp.keys = keys
	return nil
}

// CreateLocalDatawriterCryptoTokens implements security.CryptoKeyExchange.
func (p *Plugin) CreateLocalDatawriterCryptoTokens(localWriter security.DatawriterCryptoHandle, remoteReader security.DatareaderCryptoHandle) ([]security.CryptoToken, error) {
	const op = "create_local_datawriter_crypto_tokens"

	p.Lock()
	lw, err := p.writerLocked(localWriter)
	if err == nil {
		_, err = p.readerLocked(remoteReader)
	}
	p.Unlock()
	if err != nil {
		return nil, security.NewError(op, err, "unknown endpoint")
	}
	if lw.keys == nil {
		return nil, security.NewError(op, errNoKeys, "key exchange writers do not send tokens")
	}
	tok, err := lw.keys.token()
	if err != nil {
		return nil, security.NewError(op, err, "encoding key material")
	}
	return []security.CryptoToken{tok}, nil
}

// SetRemoteDatawriterCryptoTokens implements security.CryptoKeyExchange.
func (p *Plugin) SetRemoteDatawriterCryptoTokens(localReader security.DatareaderCryptoHandle, remoteWriter security.DatawriterCryptoHandle, tokens []security.CryptoToken) error {
	const op = "set_remote_datawriter_crypto_tokens"

	keys, err := keyMaterialFromTokens(tokens)
	if err != nil {
		return security.NewError(op, err, "bad writer tokens")
	}

	p.Lock()
	defer p.Unlock()
	if _, err := p.readerLocked(localReader); err != nil {
		return security.NewError(op, err, "unknown local reader")
	}
	rw, err := p.writerLocked(remoteWriter)
	if err != nil || !rw.remote {
		return security.NewError(op, security.ErrInvalidHandle, "unknown remote writer")
	}
	if rw.keys != nil {
		p.unindexLocked(rw.keys.KeyID, rw)
	}
	rw.keys = keys
	p.indexLocked(keys.KeyID, rw)
	p.log.Debugf("Remote writer key id %08x", keys.KeyID)
	return nil
}

// CreateLocalDatareaderCryptoTokens implements security.CryptoKeyExchange.
func (p *Plugin) CreateLocalDatareaderCryptoTokens(localReader security.DatareaderCryptoHandle, remoteWriter security.DatawriterCryptoHandle) ([]security.CryptoToken, error) {
	const op = "create_local_datareader_crypto_tokens"

	p.Lock()
	lr, err := p.readerLocked(localReader)
	if err == nil {
		_, err = p.writerLocked(remoteWriter)
	}
	p.Unlock()
	if err != nil {
		return nil, security.NewError(op, err, "unknown endpoint")
	}
	if lr.keys == nil {
		return nil, security.NewError(op, errNoKeys, "key exchange readers do not send tokens")
	}
	tok, err := lr.keys.token()
	if err != nil {
		return nil, security.NewError(op, err, "encoding key material")
	}
	return []security.CryptoToken{tok}, nil
}

// SetRemoteDatareaderCryptoTokens implements security.CryptoKeyExchange.
func (p *Plugin) SetRemoteDatareaderCryptoTokens(localWriter security.DatawriterCryptoHandle, remoteReader security.DatareaderCryptoHandle, tokens []security.CryptoToken) error {
	const op = "set_remote_datareader_crypto_tokens"

	keys, err := keyMaterialFromTokens(tokens)
	if err != nil {
		return security.NewError(op, err, "bad reader tokens")
	}

	p.Lock()
	defer p.Unlock()
	if _, err := p.writerLocked(localWriter); err != nil {
		return security.NewError(op, err, "unknown local writer")
	}
	rr, err := p.readerLocked(remoteReader)
	if err != nil || !rr.remote {
		return security.NewError(op, security.ErrInvalidHandle, "unknown remote reader")
	}
	if rr.keys != nil {
		p.unindexLocked(rr.keys.KeyID, rr)
	}
	rr.keys = keys
	p.indexLocked(keys.KeyID, rr)
	p.log.Debugf("Remote reader key id %08x", keys.KeyID)
	return nil
}
