// SPDX-FileCopyrightText: Copyright (C) 2026 The rtps authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package pkidh is the builtin authentication plugin. Participants own a
// static X25519 identity key and authenticate each other with a three
// message handshake mixing an ephemeral and a static Diffie-Hellman.
package pkidh

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/hash"
	"github.com/katzenpost/hpqc/nike"
	"github.com/katzenpost/hpqc/nike/x25519"
	"github.com/katzenpost/hpqc/rand"
	"golang.org/x/crypto/hkdf"
	"gopkg.in/op/go-logging.v1"

	"github.com/rtpsgo/rtps/core/log"
	"github.com/rtpsgo/rtps/rtps"
	"github.com/rtpsgo/rtps/security"
)

const (
	// PluginName selects this plugin through security.PropAuthPlugin.
	PluginName = "builtin.PKI-DH"

	// ClassID is the class of every token this plugin produces.
	ClassID = "DDS:Auth:PKI-DH:1.0+x25519"

	// PropPrivateKey holds a hex encoded static private key. A fresh key is
	// generated when absent.
	PropPrivateKey = "dds.sec.auth.builtin.PKI-DH.private_key"

	// PropIdentity is the binary property carrying a static public key.
	PropIdentity = "c.id"

	propMessage   = "c.msg"
	challengeSize = 32
	keySize       = 32
	hkdfInfo      = "rtps pkidh handshake v1"
)

var (
	errWrongRole  = errors.New("pkidh: message does not match handshake state")
	errBadMAC     = errors.New("pkidh: handshake authentication failed")
	errKeyBinding = errors.New("pkidh: GUID is not bound to identity key")
)

type identity struct {
	security.IdentityHandleBase

	guid    rtps.GUID
	public  nike.PublicKey
	private nike.PrivateKey
}

type handshakeStage int

const (
	stageWaitReply handshakeStage = iota
	stageWaitFinal
	stageDone
)

type handshake struct {
	security.HandshakeHandleBase

	local, remote *identity
	initiator     bool
	stage         handshakeStage

	challenge1, challenge2 []byte
	ephemeralPrivate       nike.PrivateKey
	ephemeralPublic        []byte
	peerEphemeral          []byte

	macKey []byte
	secret []byte
}

type sharedSecret struct {
	security.SecretHandleBase

	challenge1, challenge2, secret []byte
}

func (s *sharedSecret) Challenge1() []byte   { return s.challenge1 }
func (s *sharedSecret) Challenge2() []byte   { return s.challenge2 }
func (s *sharedSecret) SharedSecret() []byte { return s.secret }

type requestBody struct {
	Challenge1 []byte `cbor:"challenge1"`
	Ephemeral  []byte `cbor:"dh1"`
	Static     []byte `cbor:"id1"`
}

type replyBody struct {
	Challenge1 []byte `cbor:"challenge1"`
	Challenge2 []byte `cbor:"challenge2"`
	Ephemeral  []byte `cbor:"dh2"`
	MAC        []byte `cbor:"mac2"`
}

type finalBody struct {
	Challenge1 []byte `cbor:"challenge1"`
	Challenge2 []byte `cbor:"challenge2"`
	MAC        []byte `cbor:"mac1"`
}

// Plugin implements security.Authentication.
type Plugin struct {
	sync.Mutex

	log    *logging.Logger
	scheme nike.Scheme

	identities map[*identity]struct{}
	handshakes map[*handshake]struct{}
	secrets    map[*sharedSecret]struct{}
}

// New creates the plugin.
func New(logBackend *log.Backend) *Plugin {
	return &Plugin{
		log:        logBackend.GetLogger("pkidh"),
		scheme:     x25519.Scheme(rand.Reader),
		identities: make(map[*identity]struct{}),
		handshakes: make(map[*handshake]struct{}),
		secrets:    make(map[*sharedSecret]struct{}),
	}
}

// Outstanding returns the number of handles not yet returned.
func (p *Plugin) Outstanding() int {
	p.Lock()
	defer p.Unlock()
	return len(p.identities) + len(p.handshakes) + len(p.secrets)
}

// AdjustGUID binds candidate to the identity key pub: the first six prefix
// bytes come from the key hash, the last six from the candidate prefix hash.
func AdjustGUID(candidate rtps.GUID, pub []byte) rtps.GUID {
	keyHash := hash.Sum256(pub)
	candHash := hash.Sum256(candidate.Prefix[:])

	adjusted := candidate
	copy(adjusted.Prefix[:6], keyHash[:6])
	adjusted.Prefix[0] |= 0x80
	copy(adjusted.Prefix[6:], candHash[:6])
	return adjusted
}

func keyBound(guid rtps.GUID, pub []byte) bool {
	keyHash := hash.Sum256(pub)
	keyHash[0] |= 0x80
	return hmac.Equal(guid.Prefix[:6], keyHash[:6])
}

// ValidateLocalIdentity implements security.Authentication.
func (p *Plugin) ValidateLocalIdentity(candidate rtps.GUID, domainID uint32, props rtps.PropertyPolicy) (security.ValidationResult, security.IdentityHandle, rtps.GUID, error) {
	var (
		pub  nike.PublicKey
		priv nike.PrivateKey
		err  error
	)
	if v, ok := props.Find(PropPrivateKey); ok {
		var raw []byte
		if raw, err = hex.DecodeString(v); err == nil {
			priv, err = p.scheme.UnmarshalBinaryPrivateKey(raw)
		}
		if err != nil {
			return security.ValidationFailed, nil, rtps.GUIDUnknown, security.NewError("validate_local_identity", err, "invalid %s", PropPrivateKey)
		}
		pub = p.scheme.DerivePublicKey(priv)
	} else {
		pub, priv, err = p.scheme.GenerateKeyPair()
		if err != nil {
			return security.ValidationFailed, nil, rtps.GUIDUnknown, security.NewError("validate_local_identity", err, "key generation failed")
		}
	}

	id := &identity{
		guid:    AdjustGUID(candidate, pub.Bytes()),
		public:  pub,
		private: priv,
	}
	p.Lock()
	p.identities[id] = struct{}{}
	p.Unlock()

	p.log.Debugf("Local identity %v validated for domain %d", id.guid, domainID)
	return security.ValidationOK, id, id.guid, nil
}

// ValidateRemoteIdentity implements security.Authentication.
func (p *Plugin) ValidateRemoteIdentity(local security.IdentityHandle, localGUID rtps.GUID, remoteToken *security.IdentityToken, remoteGUID rtps.GUID) (security.ValidationResult, security.IdentityHandle, error) {
	const op = "validate_remote_identity"

	if _, err := p.lookupIdentity(local); err != nil {
		return security.ValidationFailed, nil, security.NewError(op, err, "bad local identity")
	}
	if remoteToken == nil || remoteToken.ClassID != ClassID {
		return security.ValidationFailed, nil, security.NewError(op, security.ErrInvalidToken, "unexpected identity token class")
	}
	raw, ok := remoteToken.Binary(PropIdentity)
	if !ok {
		return security.ValidationFailed, nil, security.NewError(op, security.ErrInvalidToken, "missing %s", PropIdentity)
	}
	pub, err := p.scheme.UnmarshalBinaryPublicKey(raw)
	if err != nil {
		return security.ValidationFailed, nil, security.NewError(op, err, "invalid identity key")
	}
	if !keyBound(remoteGUID, raw) {
		return security.ValidationFailed, nil, security.NewError(op, errKeyBinding, "remote %v", remoteGUID)
	}

	id := &identity{guid: remoteGUID, public: pub}
	p.Lock()
	p.identities[id] = struct{}{}
	p.Unlock()

	// The participant with the greater GUID initiates.
	if localGUID.Compare(remoteGUID) > 0 {
		return security.ValidationPendingHandshakeRequest, id, nil
	}
	return security.ValidationPendingHandshakeMessage, id, nil
}

func (p *Plugin) lookupIdentity(h security.IdentityHandle) (*identity, error) {
	id, ok := h.(*identity)
	if !ok {
		return nil, security.ErrInvalidHandle
	}
	p.Lock()
	defer p.Unlock()
	if _, ok := p.identities[id]; !ok {
		return nil, security.ErrInvalidHandle
	}
	return id, nil
}

func (p *Plugin) lookupHandshake(h security.HandshakeHandle) (*handshake, error) {
	hs, ok := h.(*handshake)
	if !ok {
		return nil, security.ErrInvalidHandle
	}
	p.Lock()
	defer p.Unlock()
	if _, ok := p.handshakes[hs]; !ok {
		return nil, security.ErrInvalidHandle
	}
	return hs, nil
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, err
	}
	return b, nil
}

func messageToken(body interface{}) (*security.HandshakeMessageToken, error) {
	raw, err := cbor.Marshal(body)
	if err != nil {
		return nil, err
	}
	tok := &security.HandshakeMessageToken{ClassID: ClassID}
	tok.SetBinary(propMessage, raw)
	return tok, nil
}

func parseToken(tok *security.HandshakeMessageToken, body interface{}) error {
	if tok == nil || tok.ClassID != ClassID {
		return security.ErrInvalidToken
	}
	raw, ok := tok.Binary(propMessage)
	if !ok {
		return security.ErrInvalidToken
	}
	if err := cbor.Unmarshal(raw, body); err != nil {
		return fmt.Errorf("%w: %v", security.ErrInvalidToken, err)
	}
	return nil
}

// deriveKeys mixes the ephemeral and static DH outputs into a MAC key and
// the shared secret.
func (p *Plugin) deriveKeys(hs *handshake) error {
	peerEph, err := p.scheme.UnmarshalBinaryPublicKey(hs.peerEphemeral)
	if err != nil {
		return err
	}
	ee := p.scheme.DeriveSecret(hs.ephemeralPrivate, peerEph)
	ss := p.scheme.DeriveSecret(hs.local.private, hs.remote.public)

	ikm := append(append([]byte{}, ee...), ss...)
	salt := append(append([]byte{}, hs.challenge1...), hs.challenge2...)
	okm := make([]byte, 2*keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, salt, []byte(hkdfInfo)), okm); err != nil {
		return err
	}
	hs.macKey = okm[:keySize]
	hs.secret = okm[keySize:]
	return nil
}

// transcriptMAC authenticates both challenges and all four public keys,
// in initiator-then-replier order.
func transcriptMAC(hs *handshake, label string) []byte {
	var (
		initEph, replEph       []byte
		initStatic, replStatic []byte
	)
	if hs.initiator {
		initEph, replEph = hs.ephemeralPublic, hs.peerEphemeral
		initStatic, replStatic = hs.local.public.Bytes(), hs.remote.public.Bytes()
	} else {
		initEph, replEph = hs.peerEphemeral, hs.ephemeralPublic
		initStatic, replStatic = hs.remote.public.Bytes(), hs.local.public.Bytes()
	}

	m := hmac.New(sha256.New, hs.macKey)
	for _, b := range [][]byte{[]byte(label), hs.challenge1, hs.challenge2, initEph, replEph, initStatic, replStatic} {
		m.Write(b)
	}
	return m.Sum(nil)
}

func (p *Plugin) newHandshake(local, remote *identity, initiator bool) (*handshake, error) {
	ephPub, ephPriv, err := p.scheme.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return &handshake{
		local:            local,
		remote:           remote,
		initiator:        initiator,
		ephemeralPrivate: ephPriv,
		ephemeralPublic:  ephPub.Bytes(),
	}, nil
}

// BeginHandshakeRequest implements security.Authentication.
func (p *Plugin) BeginHandshakeRequest(initiator, replier security.IdentityHandle) (security.ValidationResult, security.HandshakeHandle, *security.HandshakeMessageToken, error) {
	const op = "begin_handshake_request"

	local, err := p.lookupIdentity(initiator)
	if err != nil || local.private == nil {
		return security.ValidationFailed, nil, nil, security.NewError(op, security.ErrInvalidHandle, "bad initiator identity")
	}
	remote, err := p.lookupIdentity(replier)
	if err != nil {
		return security.ValidationFailed, nil, nil, security.NewError(op, err, "bad replier identity")
	}

	hs, err := p.newHandshake(local, remote, true)
	if err != nil {
		return security.ValidationFailed, nil, nil, security.NewError(op, err, "ephemeral key generation failed")
	}
	if hs.challenge1, err = randomBytes(challengeSize); err != nil {
		return security.ValidationFailed, nil, nil, security.NewError(op, err, "challenge generation failed")
	}
	tok, err := messageToken(&requestBody{
		Challenge1: hs.challenge1,
		Ephemeral:  hs.ephemeralPublic,
		Static:     local.public.Bytes(),
	})
	if err != nil {
		return security.ValidationFailed, nil, nil, security.NewError(op, err, "encoding failed")
	}

	hs.stage = stageWaitReply
	p.Lock()
	p.handshakes[hs] = struct{}{}
	p.Unlock()
	return security.ValidationPendingHandshakeMessage, hs, tok, nil
}

// BeginHandshakeReply implements security.Authentication.
func (p *Plugin) BeginHandshakeReply(in *security.HandshakeMessageToken, initiator, replier security.IdentityHandle) (security.ValidationResult, security.HandshakeHandle, *security.HandshakeMessageToken, error) {
	const op = "begin_handshake_reply"

	remote, err := p.lookupIdentity(initiator)
	if err != nil {
		return security.ValidationFailed, nil, nil, security.NewError(op, err, "bad initiator identity")
	}
	local, err := p.lookupIdentity(replier)
	if err != nil || local.private == nil {
		return security.ValidationFailed, nil, nil, security.NewError(op, security.ErrInvalidHandle, "bad replier identity")
	}

	var req requestBody
	if err := parseToken(in, &req); err != nil {
		return security.ValidationFailed, nil, nil, security.NewError(op, err, "bad request")
	}
	if len(req.Challenge1) != challengeSize || !hmac.Equal(req.Static, remote.public.Bytes()) {
		return security.ValidationFailed, nil, nil, security.NewError(op, security.ErrInvalidToken, "request does not match initiator identity")
	}

	hs, err := p.newHandshake(local, remote, false)
	if err != nil {
		return security.ValidationFailed, nil, nil, security.NewError(op, err, "ephemeral key generation failed")
	}
	hs.challenge1 = req.Challenge1
	hs.peerEphemeral = req.Ephemeral
	if hs.challenge2, err = randomBytes(challengeSize); err != nil {
		return security.ValidationFailed, nil, nil, security.NewError(op, err, "challenge generation failed")
	}
	if err := p.deriveKeys(hs); err != nil {
		return security.ValidationFailed, nil, nil, security.NewError(op, err, "key derivation failed")
	}

	tok, err := messageToken(&replyBody{
		Challenge1: hs.challenge1,
		Challenge2: hs.challenge2,
		Ephemeral:  hs.ephemeralPublic,
		MAC:        transcriptMAC(hs, "reply"),
	})
	if err != nil {
		return security.ValidationFailed, nil, nil, security.NewError(op, err, "encoding failed")
	}

	hs.stage = stageWaitFinal
	p.Lock()
	p.handshakes[hs] = struct{}{}
	p.Unlock()
	return security.ValidationPendingHandshakeMessage, hs, tok, nil
}

// ProcessHandshake implements security.Authentication.
func (p *Plugin) ProcessHandshake(in *security.HandshakeMessageToken, h security.HandshakeHandle) (security.ValidationResult, *security.HandshakeMessageToken, error) {
	const op = "process_handshake"

	hs, err := p.lookupHandshake(h)
	if err != nil {
		return security.ValidationFailed, nil, security.NewError(op, err, "unknown handshake")
	}

	switch {
	case hs.initiator && hs.stage == stageWaitReply:
		var reply replyBody
		if err := parseToken(in, &reply); err != nil {
			return security.ValidationFailed, nil, security.NewError(op, err, "bad reply")
		}
		if !hmac.Equal(reply.Challenge1, hs.challenge1) || len(reply.Challenge2) != challengeSize {
			return security.ValidationFailed, nil, security.NewError(op, errWrongRole, "challenge mismatch")
		}
		hs.challenge2 = reply.Challenge2
		hs.peerEphemeral = reply.Ephemeral
		if err := p.deriveKeys(hs); err != nil {
			return security.ValidationFailed, nil, security.NewError(op, err, "key derivation failed")
		}
		if !hmac.Equal(reply.MAC, transcriptMAC(hs, "reply")) {
			return security.ValidationFailed, nil, security.NewError(op, errBadMAC, "reply from %v", hs.remote.guid)
		}
		tok, err := messageToken(&finalBody{
			Challenge1: hs.challenge1,
			Challenge2: hs.challenge2,
			MAC:        transcriptMAC(hs, "final"),
		})
		if err != nil {
			return security.ValidationFailed, nil, security.NewError(op, err, "encoding failed")
		}
		hs.stage = stageDone
		return security.ValidationOKWithFinalMessage, tok, nil

	case !hs.initiator && hs.stage == stageWaitFinal:
		var final finalBody
		if err := parseToken(in, &final); err != nil {
			return security.ValidationFailed, nil, security.NewError(op, err, "bad final")
		}
		if !hmac.Equal(final.Challenge1, hs.challenge1) || !hmac.Equal(final.Challenge2, hs.challenge2) {
			return security.ValidationFailed, nil, security.NewError(op, errWrongRole, "challenge mismatch")
		}
		if !hmac.Equal(final.MAC, transcriptMAC(hs, "final")) {
			return security.ValidationFailed, nil, security.NewError(op, errBadMAC, "final from %v", hs.remote.guid)
		}
		hs.stage = stageDone
		return security.ValidationOK, nil, nil

	default:
		return security.ValidationFailed, nil, security.NewError(op, errWrongRole, "stage %d", hs.stage)
	}
}

// SharedSecret implements security.Authentication.
func (p *Plugin) SharedSecret(h security.HandshakeHandle) (security.SecretHandle, error) {
	hs, err := p.lookupHandshake(h)
	if err != nil {
		return nil, security.NewError("get_shared_secret", err, "unknown handshake")
	}
	if hs.stage != stageDone {
		return nil, security.NewError("get_shared_secret", errWrongRole, "handshake not complete")
	}
	s := &sharedSecret{
		challenge1: hs.challenge1,
		challenge2: hs.challenge2,
		secret:     hs.secret,
	}
	p.Lock()
	p.secrets[s] = struct{}{}
	p.Unlock()
	return s, nil
}

// AuthenticatedPeerCredentialToken implements security.Authentication.
func (p *Plugin) AuthenticatedPeerCredentialToken(h security.HandshakeHandle) (*security.AuthenticatedPeerCredentialToken, error) {
	hs, err := p.lookupHandshake(h)
	if err != nil {
		return nil, security.NewError("get_authenticated_peer_credential_token", err, "unknown handshake")
	}
	tok := &security.AuthenticatedPeerCredentialToken{ClassID: ClassID}
	tok.SetBinary(PropIdentity, hs.remote.public.Bytes())
	return tok, nil
}

// IdentityToken implements security.Authentication.
func (p *Plugin) IdentityToken(local security.IdentityHandle) (*security.IdentityToken, error) {
	id, err := p.lookupIdentity(local)
	if err != nil {
		return nil, security.NewError("get_identity_token", err, "unknown identity")
	}
	tok := &security.IdentityToken{ClassID: ClassID}
	tok.SetBinary(PropIdentity, id.public.Bytes())
	return tok, nil
}

// CheckGUIDComesFrom implements security.Authentication. Only the candidate
// derived half of the prefix can be verified without the key.
func (p *Plugin) CheckGUIDComesFrom(adjusted, original rtps.GUID) bool {
	candHash := hash.Sum256(original.Prefix[:])
	return adjusted.Entity == original.Entity &&
		adjusted.Prefix[0]&0x80 != 0 &&
		hmac.Equal(adjusted.Prefix[6:], candHash[:6])
}

// ReturnIdentityHandle implements security.Authentication.
func (p *Plugin) ReturnIdentityHandle(h security.IdentityHandle) error {
	id, ok := h.(*identity)
	p.Lock()
	defer p.Unlock()
	if _, live := p.identities[id]; !ok || !live {
		return security.ErrInvalidHandle
	}
	delete(p.identities, id)
	if id.private != nil {
		id.private.Reset()
	}
	return nil
}

// ReturnHandshakeHandle implements security.Authentication.
func (p *Plugin) ReturnHandshakeHandle(h security.HandshakeHandle) error {
	hs, ok := h.(*handshake)
	p.Lock()
	defer p.Unlock()
	if _, live := p.handshakes[hs]; !ok || !live {
		return security.ErrInvalidHandle
	}
	delete(p.handshakes, hs)
	hs.ephemeralPrivate.Reset()
	return nil
}

// ReturnSharedSecretHandle implements security.Authentication.
func (p *Plugin) ReturnSharedSecretHandle(h security.SecretHandle) error {
	s, ok := h.(*sharedSecret)
	p.Lock()
	defer p.Unlock()
	if _, live := p.secrets[s]; !ok || !live {
		return security.ErrInvalidHandle
	}
	delete(p.secrets, s)
	return nil
}
