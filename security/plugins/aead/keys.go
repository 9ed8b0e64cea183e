// SPDX-FileCopyrightText: Copyright (C) 2026 The rtps authors
// SPDX-License-Identifier: AGPL-3.0-only

package aead

import (
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/chacha20poly1305"
	"github.com/katzenpost/hpqc/rand"
	"golang.org/x/crypto/hkdf"

	"github.com/rtpsgo/rtps/security"
)

const (
	transformKind = 0x00000001
	masterKeySize = 32
	saltSize      = 32

	headerSize = 4 + 4 + chacha20poly1305.NonceSize
	tagSize    = chacha20poly1305.Overhead

	sessionInfo = "rtps aead session v1"
	kxWriterTag = "rtps aead kx writer v1"
	kxReaderTag = "rtps aead kx reader v1"
)

var (
	errTruncated   = errors.New("aead: truncated ciphertext")
	errBadKind     = errors.New("aead: unsupported transformation kind")
	errUnknownKey  = errors.New("aead: unknown key id")
	errNoKeys      = errors.New("aead: no key material")
	errAuthFailure = errors.New("aead: message authentication failed")
)

type keyMaterial struct {
	Kind       uint32 `cbor:"kind"`
	KeyID      uint32 `cbor:"key_id"`
	MasterSalt []byte `cbor:"master_salt"`
	MasterKey  []byte `cbor:"master_key"`

	aead cipher.AEAD
}

func newKeyMaterial() (*keyMaterial, error) {
	buf := make([]byte, 4+saltSize+masterKeySize)
	for {
		if _, err := io.ReadFull(rand.Reader, buf); err != nil {
			return nil, err
		}
		if binary.BigEndian.Uint32(buf) != 0 {
			break
		}
	}
	return keyMaterialFrom(buf)
}

// deriveKeyMaterial produces the keys of the key exchange endpoints from a
// handshake secret. Both peers derive the same material.
func deriveKeyMaterial(secret security.SharedSecretProvider, label string) (*keyMaterial, error) {
	salt := append(append([]byte{}, secret.Challenge1()...), secret.Challenge2()...)
	buf := make([]byte, 4+saltSize+masterKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret.SharedSecret(), salt, []byte(label)), buf); err != nil {
		return nil, err
	}
	return keyMaterialFrom(buf)
}

func keyMaterialFrom(buf []byte) (*keyMaterial, error) {
	k := &keyMaterial{
		Kind:       transformKind,
		KeyID:      binary.BigEndian.Uint32(buf[:4]),
		MasterSalt: buf[4 : 4+saltSize],
		MasterKey:  buf[4+saltSize:],
	}
	if err := k.init(); err != nil {
		return nil, err
	}
	return k, nil
}

func (k *keyMaterial) init() error {
	if k.Kind != transformKind {
		return errBadKind
	}
	if len(k.MasterKey) != masterKeySize || len(k.MasterSalt) != saltSize {
		return errNoKeys
	}
	sessionKey := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, k.MasterKey, k.MasterSalt, []byte(sessionInfo)), sessionKey); err != nil {
		return err
	}
	var err error
	k.aead, err = chacha20poly1305.New(sessionKey)
	return err
}

func (k *keyMaterial) token() (security.CryptoToken, error) {
	raw, err := cbor.Marshal(k)
	if err != nil {
		return security.CryptoToken{}, err
	}
	tok := security.CryptoToken{ClassID: ClassID}
	tok.SetBinary(PropKeyMaterial, raw)
	return tok, nil
}

func keyMaterialFromTokens(tokens []security.CryptoToken) (*keyMaterial, error) {
	if len(tokens) != 1 || tokens[0].ClassID != ClassID {
		return nil, security.ErrInvalidToken
	}
	raw, ok := tokens[0].Binary(PropKeyMaterial)
	if !ok {
		return nil, security.ErrInvalidToken
	}
	k := new(keyMaterial)
	if err := cbor.Unmarshal(raw, k); err != nil {
		return nil, errors.Join(security.ErrInvalidToken, err)
	}
	if err := k.init(); err != nil {
		return nil, errors.Join(security.ErrInvalidToken, err)
	}
	return k, nil
}

// seal returns kind | key id | nonce | ciphertext. The header is
// authenticated as additional data.
func (k *keyMaterial) seal(plain []byte) ([]byte, error) {
	hdr := make([]byte, headerSize)
	binary.BigEndian.PutUint32(hdr[0:4], k.Kind)
	binary.BigEndian.PutUint32(hdr[4:8], k.KeyID)
	nonce := hdr[8:]
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	out := make([]byte, headerSize, headerSize+len(plain)+tagSize)
	copy(out, hdr)
	return k.aead.Seal(out, nonce, plain, hdr), nil
}

func (k *keyMaterial) open(encoded []byte) ([]byte, error) {
	id, err := headerKeyID(encoded)
	if err != nil {
		return nil, err
	}
	if id != k.KeyID {
		return nil, errUnknownKey
	}
	plain, err := k.aead.Open(nil, encoded[8:headerSize], encoded[headerSize:], encoded[:headerSize])
	if err != nil {
		return nil, errAuthFailure
	}
	return plain, nil
}

func headerKeyID(encoded []byte) (uint32, error) {
	if len(encoded) < headerSize+tagSize {
		return 0, errTruncated
	}
	if binary.BigEndian.Uint32(encoded[0:4]) != transformKind {
		return 0, errBadKind
	}
	return binary.BigEndian.Uint32(encoded[4:8]), nil
}
