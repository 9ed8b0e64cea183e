// SPDX-FileCopyrightText: Copyright (C) 2026 The rtps authors
// SPDX-License-Identifier: AGPL-3.0-only

package security

// Handles are opaque plugin-owned values. A plugin implements a handle kind
// by embedding the matching base struct, which keeps the kinds distinct at
// compile time.

// IdentityHandle refers to a validated local or remote identity.
type IdentityHandle interface{ isIdentityHandle() }

// HandshakeHandle refers to an in-progress handshake.
type HandshakeHandle interface{ isHandshakeHandle() }

// PermissionsHandle refers to validated permissions.
type PermissionsHandle interface{ isPermissionsHandle() }

// SecretHandle refers to a shared secret produced by a handshake.
type SecretHandle interface{ isSecretHandle() }

// ParticipantCryptoHandle refers to participant key material.
type ParticipantCryptoHandle interface{ isParticipantCryptoHandle() }

// DatawriterCryptoHandle refers to writer key material.
type DatawriterCryptoHandle interface{ isDatawriterCryptoHandle() }

// DatareaderCryptoHandle refers to reader key material.
type DatareaderCryptoHandle interface{ isDatareaderCryptoHandle() }

// IdentityHandleBase is embedded by IdentityHandle implementations.
type IdentityHandleBase struct{}

func (IdentityHandleBase) isIdentityHandle() {}

// HandshakeHandleBase is embedded by HandshakeHandle implementations.
type HandshakeHandleBase struct{}

func (HandshakeHandleBase) isHandshakeHandle() {}

// PermissionsHandleBase is embedded by PermissionsHandle implementations.
type PermissionsHandleBase struct{}

func (PermissionsHandleBase) isPermissionsHandle() {}

// SecretHandleBase is embedded by SecretHandle implementations.
type SecretHandleBase struct{}

func (SecretHandleBase) isSecretHandle() {}

// ParticipantCryptoHandleBase is embedded by ParticipantCryptoHandle
// implementations.
type ParticipantCryptoHandleBase struct{}

func (ParticipantCryptoHandleBase) isParticipantCryptoHandle() {}

// DatawriterCryptoHandleBase is embedded by DatawriterCryptoHandle
// implementations.
type DatawriterCryptoHandleBase struct{}

func (DatawriterCryptoHandleBase) isDatawriterCryptoHandle() {}

// DatareaderCryptoHandleBase is embedded by DatareaderCryptoHandle
// implementations.
type DatareaderCryptoHandleBase struct{}

func (DatareaderCryptoHandleBase) isDatareaderCryptoHandle() {}

// Owned holds a handle with a single owner. The zero value is empty.
// Release returns the handle to its plugin at most once; Take moves
// ownership out, leaving the source empty.
type Owned[H comparable] struct {
	handle  H
	release func(H) error
	held    bool
}

// Own wraps h, which release will give back to its plugin. A zero h yields
// an empty Owned.
func Own[H comparable](h H, release func(H) error) Owned[H] {
	var zero H
	if h == zero {
		return Owned[H]{}
	}
	return Owned[H]{
		handle:  h,
		release: release,
		held:    true,
	}
}

// Valid reports whether a handle is held.
func (o *Owned[H]) Valid() bool {
	return o.held
}

// Get returns the held handle, or the zero value.
func (o *Owned[H]) Get() H {
	return o.handle
}

// Take moves the handle out of o.
func (o *Owned[H]) Take() Owned[H] {
	moved := *o
	*o = Owned[H]{}
	return moved
}

// Release gives the handle back to its plugin. Calling Release on an empty
// Owned is a no-op.
func (o *Owned[H]) Release() error {
	if !o.held {
		return nil
	}
	h, release := o.handle, o.release
	*o = Owned[H]{}
	if release == nil {
		return nil
	}
	return release(h)
}

// SharedSecretProvider is implemented by secret handles whose contents a
// cryptography plugin may read to derive key exchange keys.
type SharedSecretProvider interface {
	SecretHandle
	Challenge1() []byte
	Challenge2() []byte
	SharedSecret() []byte
}
