// SPDX-FileCopyrightText: Copyright (C) 2026 The rtps authors
// SPDX-License-Identifier: AGPL-3.0-only

package aead

import (
	"github.com/rtpsgo/rtps/security"
)

func (p *Plugin) localWriterKeys(h security.DatawriterCryptoHandle) (*keyMaterial, error) {
	p.Lock()
	defer p.Unlock()
	w, err := p.writerLocked(h)
	if err != nil {
		return nil, err
	}
	if w.remote || w.keys == nil {
		return nil, errNoKeys
	}
	return w.keys, nil
}

func (p *Plugin) localReaderKeys(h security.DatareaderCryptoHandle) (*keyMaterial, error) {
	p.Lock()
	defer p.Unlock()
	r, err := p.readerLocked(h)
	if err != nil {
		return nil, err
	}
	if r.remote || r.keys == nil {
		return nil, errNoKeys
	}
	return r.keys, nil
}

// EncodeSerializedPayload implements security.CryptoTransform.
func (p *Plugin) EncodeSerializedPayload(plain []byte, w security.DatawriterCryptoHandle) ([]byte, error) {
	keys, err := p.localWriterKeys(w)
	if err != nil {
		return nil, security.NewError("encode_serialized_payload", err, "no writer keys")
	}
	return keys.seal(plain)
}

// DecodeSerializedPayload implements security.CryptoTransform.
func (p *Plugin) DecodeSerializedPayload(encoded []byte, r security.DatareaderCryptoHandle, w security.DatawriterCryptoHandle) ([]byte, error) {
	const op = "decode_serialized_payload"

	p.Lock()
	_, err := p.readerLocked(r)
	var rw *writer
	if err == nil {
		rw, err = p.writerLocked(w)
	}
	var keys *keyMaterial
	if err == nil {
		keys = rw.keys
	}
	p.Unlock()
	if err != nil {
		return nil, security.NewError(op, err, "unknown endpoint")
	}
	if keys == nil {
		return nil, security.NewError(op, errNoKeys, "no tokens from remote writer")
	}
	plain, err := keys.open(encoded)
	if err != nil {
		return nil, security.NewError(op, err, "payload rejected")
	}
	return plain, nil
}

// EncodeDatawriterSubmessage implements security.CryptoTransform. Key
// exchange writers encode for exactly one reader.
func (p *Plugin) EncodeDatawriterSubmessage(plain []byte, w security.DatawriterCryptoHandle, readers []security.DatareaderCryptoHandle) ([]byte, error) {
	const op = "encode_datawriter_submessage"

	p.Lock()
	lw, err := p.writerLocked(w)
	var keys *keyMaterial
	if err == nil {
		switch {
		case !lw.kx:
			keys = lw.keys
		case len(readers) != 1:
			err = security.NewError(op, nil, "key exchange writer needs one reader, got %d", len(readers))
		default:
			var rr *reader
			if rr, err = p.readerLocked(readers[0]); err == nil {
				keys = rr.participant.kxWriter
			}
		}
	}
	p.Unlock()
	if err != nil {
		return nil, security.NewError(op, err, "cannot select keys")
	}
	if keys == nil {
		return nil, security.NewError(op, errNoKeys, "writer has no keys")
	}
	return keys.seal(plain)
}

// EncodeDatareaderSubmessage implements security.CryptoTransform.
func (p *Plugin) EncodeDatareaderSubmessage(plain []byte, r security.DatareaderCryptoHandle, writers []security.DatawriterCryptoHandle) ([]byte, error) {
	const op = "encode_datareader_submessage"

	p.Lock()
	lr, err := p.readerLocked(r)
	var keys *keyMaterial
	if err == nil {
		switch {
		case !lr.kx:
			keys = lr.keys
		case len(writers) != 1:
			err = security.NewError(op, nil, "key exchange reader needs one writer, got %d", len(writers))
		default:
			var rw *writer
			if rw, err = p.writerLocked(writers[0]); err == nil {
				keys = rw.participant.kxReader
			}
		}
	}
	p.Unlock()
	if err != nil {
		return nil, security.NewError(op, err, "cannot select keys")
	}
	if keys == nil {
		return nil, security.NewError(op, errNoKeys, "reader has no keys")
	}
	return keys.seal(plain)
}

// EncodeRTPSMessage implements security.CryptoTransform.
func (p *Plugin) EncodeRTPSMessage(plain []byte, sender security.ParticipantCryptoHandle, receivers []security.ParticipantCryptoHandle) ([]byte, error) {
	p.Lock()
	lp, err := p.participantLocked(sender)
	p.Unlock()
	if err != nil || lp.local != nil {
		return nil, security.NewError("encode_rtps_message", security.ErrInvalidHandle, "unknown local participant")
	}
	return lp.keys.seal(plain)
}

// DecodeRTPSMessage implements security.CryptoTransform.
func (p *Plugin) DecodeRTPSMessage(encoded []byte, receiver, sender security.ParticipantCryptoHandle) ([]byte, error) {
	const op = "decode_rtps_message"

	p.Lock()
	rp, err := p.participantLocked(sender)
	var keys *keyMaterial
	if err == nil {
		keys = rp.keys
	}
	p.Unlock()
	if err != nil || rp.local == nil {
		return nil, security.NewError(op, security.ErrInvalidHandle, "unknown remote participant")
	}
	if keys == nil {
		return nil, security.NewError(op, errNoKeys, "no tokens from remote participant")
	}
	plain, err := keys.open(encoded)
	if err != nil {
		return nil, security.NewError(op, err, "message rejected")
	}
	return plain, nil
}

// PreprocessSecureSubmessage implements security.CryptoTransform.
func (p *Plugin) PreprocessSecureSubmessage(encoded []byte, receiver, sender security.ParticipantCryptoHandle) (security.SecureSubmessageCategory, security.DatawriterCryptoHandle, security.DatareaderCryptoHandle, error) {
	const op = "preprocess_secure_rtps_submsg"

	id, err := headerKeyID(encoded)
	if err != nil {
		return security.InfoSubmessage, nil, nil, security.NewError(op, err, "bad header")
	}

	p.Lock()
	defer p.Unlock()
	for _, e := range p.remoteKeys[id] {
		switch h := e.(type) {
		case *writer:
			if h.participant == sender && h.reader.participant == receiver {
				return security.DatawriterSubmessage, h, h.reader, nil
			}
		case *reader:
			if h.participant == sender && h.writer.participant == receiver {
				return security.DatareaderSubmessage, h.writer, h, nil
			}
		}
	}
	return security.InfoSubmessage, nil, nil, security.NewError(op, errUnknownKey, "key id %08x", id)
}

// DecodeDatawriterSubmessage implements security.CryptoTransform.
func (p *Plugin) DecodeDatawriterSubmessage(encoded []byte, r security.DatareaderCryptoHandle, w security.DatawriterCryptoHandle) ([]byte, error) {
	const op = "decode_datawriter_submessage"

	p.Lock()
	_, err := p.readerLocked(r)
	var keys *keyMaterial
	if err == nil {
		var rw *writer
		if rw, err = p.writerLocked(w); err == nil {
			keys = rw.keys
		}
	}
	p.Unlock()
	if err != nil {
		return nil, security.NewError(op, err, "unknown endpoint")
	}
	if keys == nil {
		return nil, security.NewError(op, errNoKeys, "no tokens from remote writer")
	}
	plain, err := keys.open(encoded)
	if err != nil {
		return nil, security.NewError(op, err, "submessage rejected")
	}
	return plain, nil
}

// DecodeDatareaderSubmessage implements security.CryptoTransform.
func (p *Plugin) DecodeDatareaderSubmessage(encoded []byte, w security.DatawriterCryptoHandle, r security.DatareaderCryptoHandle) ([]byte, error) {
	const op = "decode_datareader_submessage"

	p.Lock()
	_, err := p.writerLocked(w)
	var keys *keyMaterial
	if err == nil {
		var rr *reader
		if rr, err = p.readerLocked(r); err == nil {
			keys = rr.keys
		}
	}
	p.Unlock()
	if err != nil {
		return nil, security.NewError(op, err, "unknown endpoint")
	}
	if keys == nil {
		return nil, security.NewError(op, errNoKeys, "no tokens from remote reader")
	}
	plain, err := keys.open(encoded)
	if err != nil {
		return nil, security.NewError(op, err, "submessage rejected")
	}
	return plain, nil
}

// ExtraRTPSMessageSize implements security.CryptoTransform. A single
// participant key protects the message whatever the receiver count.
func (p *Plugin) ExtraRTPSMessageSize(receivers int) int {
	return headerSize + tagSize
}

// ExtraSubmessageSize implements security.CryptoTransform.
func (p *Plugin) ExtraSubmessageSize() int {
	return headerSize + tagSize
}

// ExtraPayloadSize implements security.CryptoTransform.
func (p *Plugin) ExtraPayloadSize() int {
	return headerSize + tagSize
}
