// SPDX-FileCopyrightText: Copyright (C) 2026 The rtps authors
// SPDX-License-Identifier: AGPL-3.0-only

package manager

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rtpsgo/rtps/core/log"
	"github.com/rtpsgo/rtps/rtps"
	"github.com/rtpsgo/rtps/security"
	"github.com/rtpsgo/rtps/security/plugins/aead"
	"github.com/rtpsgo/rtps/security/plugins/permissions"
	"github.com/rtpsgo/rtps/security/plugins/pkidh"
)

var (
	userWriterEntity = rtps.EntityID{0x00, 0x00, 0x01, 0x03}
	userReaderEntity = rtps.EntityID{0x00, 0x00, 0x01, 0x04}

	protectedProps = rtps.PropertyPolicy{
		{Name: security.PropSubmessageProtectionKind, Value: security.ProtectionKindEncrypt},
		{Name: security.PropPayloadProtectionKind, Value: security.ProtectionKindEncrypt},
	}
)

type node struct {
	m      *Manager
	p      *fakeParticipant
	d      *fakeDiscovery
	auth   *countingAuth
	pk     *pkidh.Plugin
	crypto *aead.Plugin
	perms  *permissions.Plugin
	db     *permissions.DB

	releases *releaseLog
}

type nodeOption func(*nodeConfig)

type nodeConfig struct {
	cfg       Config
	withPerms bool
	grant     permissions.Grant

	// concurrent disables the lock check, which cannot tell the resend
	// timer from the test goroutine.
	concurrent bool
}

func withTimers(cfg Config) nodeOption {
	return func(c *nodeConfig) {
		c.cfg = cfg
		c.concurrent = true
	}
}

func withPermissions(grant permissions.Grant) nodeOption {
	return func(c *nodeConfig) {
		c.withPerms = true
		c.grant = grant
	}
}

func newNode(t *testing.T, prefix byte, opts ...nodeOption) *node {
	require := require.New(t)

	nc := nodeConfig{cfg: Config{HandshakeResendPeriod: time.Hour}}
	for _, opt := range opts {
		opt(&nc)
	}

	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(err)

	h := &harness{t: t}
	n := &node{
		p:      newFakeParticipant(h, rtps.GUID{Prefix: rtps.GUIDPrefix{0x01, 0x0f, prefix}, Entity: rtps.EntityIDParticipant}),
		d:      newFakeDiscovery(h),
		pk:       pkidh.New(logBackend),
		crypto:   aead.New(logBackend),
		releases: new(releaseLog),
	}
	n.auth = &countingAuth{Authentication: n.pk, releases: n.releases}
	factory := &fakeFactory{
		auth:   n.auth,
		crypto: &recordingCrypto{Cryptography: n.crypto, releases: n.releases},
	}
	if nc.withPerms {
		n.db, err = permissions.Open(filepath.Join(t.TempDir(), "permissions.db"), permissions.WithTrustOnFirstUse(nc.grant))
		require.NoError(err)
		t.Cleanup(func() { n.db.Close() })
		n.perms = permissions.New(logBackend, n.db)
		factory.access = &recordingAccess{AccessControl: n.perms, releases: n.releases}
	}

	n.m = New(nc.cfg, n.p, n.d, n.d, factory, logBackend)
	if !nc.concurrent {
		h.m = n.m
	}
	guid, err := n.m.Init(nil)
	require.NoError(err)
	require.True(n.m.IsActive())
	require.True(n.m.CheckGUIDComesFrom(guid, n.p.guid))
	n.p.guid = guid
	require.NoError(n.m.CreateEntities())
	return n
}

func (n *node) guid() rtps.GUID {
	return n.m.LocalGUID()
}

func (n *node) pdata() *rtps.ParticipantProxyData {
	pdata := &rtps.ParticipantProxyData{
		GUID:                      n.guid(),
		IdentityToken:             security.MarshalToken(n.m.IdentityToken()),
		AvailableBuiltinEndpoints: n.m.BuiltinEndpoints(),
	}
	if tok := n.m.PermissionsToken(); tok != nil {
		pdata.PermissionsToken = security.MarshalToken(tok)
	}
	return pdata
}

func (n *node) identityKey(t *testing.T) []byte {
	key, ok := n.m.IdentityToken().Binary(pkidh.PropIdentity)
	require.True(t, ok)
	return key
}

func (n *node) status(guid rtps.GUID) authStatus {
	n.m.RLock()
	defer n.m.RUnlock()
	rec, ok := n.m.remotes[guid]
	if !ok {
		return statusInit
	}
	return rec.status()
}

func (n *node) statelessWriter() *fakeWriter {
	return n.p.writer(rtps.EntityIDParticipantStatelessWriter)
}

func (n *node) volatileWriter() *fakeWriter {
	return n.p.writer(rtps.EntityIDVolatileSecureWriter)
}

// sendStateless hands the pending handshake messages of from to to.
func sendStateless(from, to *node) [][]byte {
	msgs := from.statelessWriter().drain()
	for _, b := range msgs {
		to.m.OnStatelessMessage(&rtps.CacheChange{Payload: b})
	}
	return msgs
}

// sendVolatile hands the pending token messages of from to to, protected
// the way the volatile secure writer protects them on the wire.
func sendVolatile(t *testing.T, from, to *node) int {
	require := require.New(t)

	w := from.volatileWriter()
	reader := rtps.GUID{Prefix: to.guid().Prefix, Entity: rtps.EntityIDVolatileSecureReader}
	msgs := w.drain()
	for _, b := range msgs {
		encoded, err := from.m.EncodeWriterSubmessage(b, w.guid, []rtps.GUID{reader})
		require.NoError(err)
		require.NotEqual(b, encoded)
		plain, err := to.m.DecodeRTPSSubmessage(encoded, w.guid)
		require.NoError(err)
		to.m.OnVolatileMessage(&rtps.CacheChange{Payload: plain})
	}
	return len(msgs)
}

func order(a, b *node) (initiator, replier *node) {
	if a.guid().Compare(b.guid()) > 0 {
		return a, b
	}
	return b, a
}

// authenticate runs a complete handshake between a and b.
func authenticate(t *testing.T, a, b *node) (initiator, replier *node) {
	require := require.New(t)

	require.NoError(a.m.DiscoveredParticipant(b.pdata()))
	require.NoError(b.m.DiscoveredParticipant(a.pdata()))
	initiator, replier = order(a, b)
	require.Equal(statusWaitingReply, initiator.status(replier.guid()))
	require.Equal(statusWaitingRequest, replier.status(initiator.guid()))

	require.Len(sendStateless(initiator, replier), 1)
	require.Equal(statusWaitingFinal, replier.status(initiator.guid()))
	require.Len(sendStateless(replier, initiator), 1)
	require.Len(sendStateless(initiator, replier), 1)
	return initiator, replier
}

func requireNoHandles(t *testing.T, nodes ...*node) {
	for _, n := range nodes {
		require.Zero(t, n.pk.Outstanding(), "authentication handles")
		require.Zero(t, n.crypto.Outstanding(), "crypto handles")
		if n.perms != nil {
			require.Zero(t, n.perms.Outstanding(), "permissions handles")
		}
	}
}

func TestInactive(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(err)
	h := &harness{t: t}
	candidate := rtps.GUID{Prefix: rtps.GUIDPrefix{0x01, 0x0f, 0x10}, Entity: rtps.EntityIDParticipant}
	p := newFakeParticipant(h, candidate)
	d := newFakeDiscovery(h)
	m := New(Config{}, p, d, d, &fakeFactory{}, logBackend)
	h.m = m

	guid, err := m.Init(nil)
	require.NoError(err)
	require.Equal(candidate, guid)
	require.False(m.IsActive())
	require.Zero(m.BuiltinEndpoints())
	require.NoError(m.CreateEntities())
	require.Empty(p.writers)

	remote := &rtps.ParticipantProxyData{GUID: rtps.GUID{Prefix: rtps.GUIDPrefix{0x02}, Entity: rtps.EntityIDParticipant}}
	require.NoError(m.DiscoveredParticipant(remote))
	require.Equal([]rtps.GUID{remote.GUID}, d.authorized)

	w := rtps.GUID{Prefix: candidate.Prefix, Entity: userWriterEntity}
	rdata := &rtps.ReaderProxyData{GUID: rtps.GUID{Prefix: remote.GUID.Prefix, Entity: userReaderEntity}}
	require.NoError(m.DiscoveredReader(w, remote.GUID, rdata))
	require.Equal(1, d.readerPairings(w, rdata.GUID))

	_, err = m.EncodeSerializedPayload([]byte("x"), w)
	require.ErrorIs(err, ErrNotProtected)
	_, err = m.DecodeRTPSSubmessage([]byte("x"), remote.GUID)
	require.ErrorIs(err, ErrNotProtected)
	require.Zero(m.ExtraPayloadSize())
	m.Destroy()
}

func TestHandshake(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	a := newNode(t, 1, withPermissions(permissions.Grant{RTPSProtection: true}))
	b := newNode(t, 2, withPermissions(permissions.Grant{RTPSProtection: true}))
	initiator, replier := authenticate(t, a, b)

	for _, pair := range [][2]*node{{initiator, replier}, {replier, initiator}} {
		local, remote := pair[0], pair[1]
		require.Equal(statusOK, local.status(remote.guid()))
		require.Equal([]rtps.GUID{remote.guid()}, local.d.authorized)
		status, ok := local.d.lastStatus(remote.guid())
		require.True(ok)
		require.Equal(Authorized, status)

		remoteStateless := rtps.GUID{Prefix: remote.guid().Prefix, Entity: rtps.EntityIDParticipantStatelessReader}
		require.True(local.statelessWriter().isMatched(remoteStateless))
		remoteVolatile := rtps.GUID{Prefix: remote.guid().Prefix, Entity: rtps.EntityIDVolatileSecureReader}
		require.True(local.volatileWriter().isMatched(remoteVolatile))
		remoteVolatileWriter := rtps.GUID{Prefix: remote.guid().Prefix, Entity: rtps.EntityIDVolatileSecureWriter}
		require.True(local.p.reader(rtps.EntityIDVolatileSecureReader).isMatched(remoteVolatileWriter))
	}

	// The final message stays in the initiator's history to answer
	// duplicate replies, the replier dropped its reply.
	_, history := initiator.statelessWriter().stats()
	require.Equal(1, history)
	_, history = replier.statelessWriter().stats()
	require.Zero(history)

	// Participant tokens went both ways, whole messages are protected.
	require.Equal(1, sendVolatile(t, initiator, replier))
	require.Equal(1, sendVolatile(t, replier, initiator))

	plain := []byte("participant message")
	encoded, err := initiator.m.EncodeRTPSMessage(plain, []rtps.GUID{replier.guid()})
	require.NoError(err)
	require.Len(encoded, len(plain)+initiator.m.ExtraRTPSMessageSize(1))
	decoded, err := replier.m.DecodeRTPSMessage(encoded, initiator.guid())
	require.NoError(err)
	require.Equal(plain, decoded)

	a.m.Destroy()
	b.m.Destroy()
	a.m.Destroy()
	requireNoHandles(t, a, b)
	require.Empty(a.p.writers)
	require.Empty(a.p.readers)
}

func TestHandshakeIdempotentAfterOK(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	a := newNode(t, 3)
	b := newNode(t, 4)
	require.NoError(a.m.DiscoveredParticipant(b.pdata()))
	require.NoError(b.m.DiscoveredParticipant(a.pdata()))
	initiator, replier := order(a, b)

	request := sendStateless(initiator, replier)
	require.Len(request, 1)
	require.EqualValues(1, replier.auth.replies.Load())

	// A duplicate request while waiting for the final message is answered
	// with the reply already sent.
	replier.m.OnStatelessMessage(&rtps.CacheChange{Payload: request[0]})
	require.EqualValues(1, replier.auth.replies.Load())
	replies := replier.statelessWriter().drain()
	require.Len(replies, 2)
	require.Equal(replies[0], replies[1])

	initiator.m.OnStatelessMessage(&rtps.CacheChange{Payload: replies[0]})
	final := sendStateless(initiator, replier)
	require.Len(final, 1)
	require.Equal(statusOK, initiator.status(replier.guid()))
	require.Equal(statusOK, replier.status(initiator.guid()))

	processed := initiator.auth.processed.Load()
	added, _ := initiator.statelessWriter().stats()

	// The second reply, and any later duplicate, only resends the final.
	for i := 0; i < 3; i++ {
		initiator.m.OnStatelessMessage(&rtps.CacheChange{Payload: replies[1]})
	}
	require.Equal(processed, initiator.auth.processed.Load())
	again, _ := initiator.statelessWriter().stats()
	require.Equal(added+3, again)
	for _, msg := range initiator.statelessWriter().drain() {
		require.Equal(final[0], msg)
	}
	require.Equal(statusOK, initiator.status(replier.guid()))

	// The replier has nothing left to resend.
	processed = replier.auth.processed.Load()
	replier.m.OnStatelessMessage(&rtps.CacheChange{Payload: final[0]})
	require.Equal(processed, replier.auth.processed.Load())
	require.Empty(replier.statelessWriter().drain())
	require.Len(a.d.authorized, 1)
	require.Len(b.d.authorized, 1)

	a.m.Destroy()
	b.m.Destroy()
	requireNoHandles(t, a, b)
}

func TestHandshakeMessageChecks(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	a := newNode(t, 5)
	b := newNode(t, 6)
	require.NoError(a.m.DiscoveredParticipant(b.pdata()))
	require.NoError(b.m.DiscoveredParticipant(a.pdata()))
	initiator, replier := order(a, b)
	request := initiator.statelessWriter().drain()
	require.Len(request, 1)

	var msg security.ParticipantGenericMessage
	require.NoError(msg.UnmarshalBinary(request[0]))

	bad := func(mutate func(*security.ParticipantGenericMessage)) []byte {
		m := msg
		m.MessageData = append([]security.DataHolder(nil), msg.MessageData...)
		mutate(&m)
		out, err := m.MarshalBinary()
		require.NoError(err)
		return out
	}
	for _, payload := range [][]byte{
		bad(func(m *security.ParticipantGenericMessage) { m.MessageClassID = security.ClassIDParticipantCryptoTokens }),
		bad(func(m *security.ParticipantGenericMessage) { m.DestinationEndpointKey = m.MessageIdentity.SourceGUID }),
		bad(func(m *security.ParticipantGenericMessage) { m.SourceEndpointKey = m.MessageIdentity.SourceGUID }),
		bad(func(m *security.ParticipantGenericMessage) { m.MessageData = append(m.MessageData, m.MessageData[0]) }),
		bad(func(m *security.ParticipantGenericMessage) { m.DestinationParticipantKey = m.MessageIdentity.SourceGUID }),
		{0x00, 0x03, 0x00},
	} {
		replier.m.OnStatelessMessage(&rtps.CacheChange{Payload: payload})
	}
	require.Zero(replier.auth.replies.Load())
	require.Equal(statusWaitingRequest, replier.status(initiator.guid()))
	require.Equal(6, replier.p.reader(rtps.EntityIDParticipantStatelessReader).released)

	replier.m.OnStatelessMessage(&rtps.CacheChange{Payload: request[0]})
	require.Equal(statusWaitingFinal, replier.status(initiator.guid()))

	a.m.Destroy()
	b.m.Destroy()
	requireNoHandles(t, a, b)
}

func TestHandshakeResend(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	cfg := Config{
		HandshakeResendPeriod:    10 * time.Millisecond,
		HandshakeResendMaxPeriod: 20 * time.Millisecond,
		HandshakeResendGain:      1.5,
	}
	a := newNode(t, 7, withTimers(cfg))
	b := newNode(t, 8, withTimers(cfg))
	require.NoError(a.m.DiscoveredParticipant(b.pdata()))
	require.NoError(b.m.DiscoveredParticipant(a.pdata()))
	initiator, replier := order(a, b)

	require.Eventually(func() bool {
		added, _ := initiator.statelessWriter().stats()
		return added >= 3
	}, 5*time.Second, 5*time.Millisecond)

	// Only the latest copy stays in history.
	_, history := initiator.statelessWriter().stats()
	require.Equal(1, history)

	msgs := initiator.statelessWriter().drain()
	replier.m.OnStatelessMessage(&rtps.CacheChange{Payload: msgs[len(msgs)-1]})
	for _, msg := range replier.statelessWriter().drain() {
		initiator.m.OnStatelessMessage(&rtps.CacheChange{Payload: msg})
	}
	require.Equal(statusOK, initiator.status(replier.guid()))
	// Late request copies only make the replier resend its reply.
	msgs = initiator.statelessWriter().drain()
	require.NotEmpty(msgs)
	for _, msg := range msgs {
		replier.m.OnStatelessMessage(&rtps.CacheChange{Payload: msg})
	}
	require.Equal(statusOK, replier.status(initiator.guid()))

	// Both timers are cancelled once authenticated.
	time.Sleep(5 * cfg.HandshakeResendMaxPeriod)
	initiator.statelessWriter().drain()
	replier.statelessWriter().drain()
	time.Sleep(5 * cfg.HandshakeResendMaxPeriod)
	require.Empty(initiator.statelessWriter().drain())
	require.Empty(replier.statelessWriter().drain())

	a.m.Destroy()
	b.m.Destroy()
	requireNoHandles(t, a, b)
}

func TestRemotePermissionsDenied(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	a := newNode(t, 9, withPermissions(permissions.Grant{}))
	b := newNode(t, 10, withPermissions(permissions.Grant{}))
	require.NoError(a.db.Put(permissions.Subject(b.identityKey(t)), permissions.Grant{Domains: []uint32{7}}))

	authenticate(t, a, b)

	status, ok := a.d.lastStatus(b.guid())
	require.True(ok)
	require.Equal(Unauthorized, status)
	require.Empty(a.d.authorized)
	a.m.RLock()
	require.Empty(a.m.remotes)
	a.m.RUnlock()
	require.False(a.statelessWriter().isMatched(rtps.GUID{Prefix: b.guid().Prefix, Entity: rtps.EntityIDParticipantStatelessReader}))

	status, ok = b.d.lastStatus(a.guid())
	require.True(ok)
	require.Equal(Authorized, status)

	// Discovering it again starts over.
	require.NoError(a.m.DiscoveredParticipant(b.pdata()))
	require.NotEqual(statusInit, a.status(b.guid()))

	a.m.Destroy()
	b.m.Destroy()
	requireNoHandles(t, a, b)
}

func TestEndpointTokens(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	a := newNode(t, 11)
	b := newNode(t, 12)
	writerNode, readerNode := authenticate(t, a, b)
	require.Equal(1, sendVolatile(t, writerNode, readerNode))
	require.Equal(1, sendVolatile(t, readerNode, writerNode))

	localWriter := rtps.GUID{Prefix: writerNode.guid().Prefix, Entity: userWriterEntity}
	localReader := rtps.GUID{Prefix: readerNode.guid().Prefix, Entity: userReaderEntity}

	attrs, err := writerNode.m.RegisterLocalWriter(localWriter, protectedProps)
	require.NoError(err)
	require.True(attrs.IsSubmessageProtected)
	require.True(attrs.IsPayloadProtected)
	_, err = writerNode.m.RegisterLocalWriter(localWriter, protectedProps)
	require.ErrorIs(err, ErrAlreadyRegistered)
	_, err = readerNode.m.RegisterLocalReader(localReader, protectedProps)
	require.NoError(err)

	rdata := &rtps.ReaderProxyData{GUID: localReader, SecurityAttributes: attrs.Mask()}
	wdata := &rtps.WriterProxyData{GUID: localWriter, SecurityAttributes: attrs.Mask()}

	// Mismatched attributes never match.
	require.ErrorIs(writerNode.m.DiscoveredReader(localWriter, readerNode.guid(), &rtps.ReaderProxyData{GUID: localReader}), ErrIncompatible)

	// A second discovery of the same reader is a no-op.
	require.NoError(writerNode.m.DiscoveredReader(localWriter, readerNode.guid(), rdata))
	require.NoError(writerNode.m.DiscoveredReader(localWriter, readerNode.guid(), rdata))
	writerNode.m.RLock()
	require.Len(writerNode.m.writers[localWriter].remotes, 1)
	writerNode.m.RUnlock()

	// The writer tokens reach the reader side before it discovered the
	// writer and wait in the pending store.
	require.Equal(1, sendVolatile(t, writerNode, readerNode))
	readerNode.m.RLock()
	require.Len(readerNode.m.pending.writers, 1)
	readerNode.m.RUnlock()
	require.Zero(writerNode.d.readerPairings(localWriter, localReader))

	require.NoError(readerNode.m.DiscoveredWriter(localReader, writerNode.guid(), wdata))
	readerNode.m.RLock()
	require.Empty(readerNode.m.pending.writers)
	readerNode.m.RUnlock()
	require.Equal(1, readerNode.d.writerPairings(localReader, localWriter))

	require.Equal(1, sendVolatile(t, readerNode, writerNode))
	require.Equal(1, writerNode.d.readerPairings(localWriter, localReader))

	require.NoError(readerNode.m.DiscoveredWriter(localReader, writerNode.guid(), wdata))
	require.Equal(1, readerNode.d.writerPairings(localReader, localWriter))
	require.Zero(sendVolatile(t, readerNode, writerNode))

	plain := []byte("sample")
	payload, err := writerNode.m.EncodeSerializedPayload(plain, localWriter)
	require.NoError(err)
	require.Len(payload, len(plain)+writerNode.m.ExtraPayloadSize())
	decoded, err := readerNode.m.DecodeSerializedPayload(payload, localReader, localWriter)
	require.NoError(err)
	require.Equal(plain, decoded)

	submsg, err := writerNode.m.EncodeWriterSubmessage(plain, localWriter, []rtps.GUID{localReader})
	require.NoError(err)
	decoded, err = readerNode.m.DecodeRTPSSubmessage(submsg, localWriter)
	require.NoError(err)
	require.Equal(plain, decoded)

	submsg, err = readerNode.m.EncodeReaderSubmessage(plain, localReader, []rtps.GUID{localWriter})
	require.NoError(err)
	decoded, err = writerNode.m.DecodeRTPSSubmessage(submsg, localReader)
	require.NoError(err)
	require.Equal(plain, decoded)

	// Unprotected endpoints pass through.
	other := rtps.GUID{Prefix: writerNode.guid().Prefix, Entity: rtps.EntityID{0, 0, 2, 0x03}}
	attrs, err = writerNode.m.RegisterLocalWriter(other, nil)
	require.NoError(err)
	require.False(attrs.NeedsCrypto())
	_, err = writerNode.m.EncodeSerializedPayload(plain, other)
	require.ErrorIs(err, ErrNotProtected)

	writerNode.m.RemoveReader(localWriter, readerNode.guid(), localReader)
	writerNode.m.RLock()
	require.Empty(writerNode.m.writers[localWriter].remotes)
	writerNode.m.RUnlock()
	writerNode.m.UnregisterLocalWriter(localWriter)
	_, err = writerNode.m.EncodeSerializedPayload(plain, localWriter)
	require.ErrorIs(err, ErrNotProtected)

	a.m.Destroy()
	b.m.Destroy()
	requireNoHandles(t, a, b)
}

func TestDeferredDiscovery(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	a := newNode(t, 13)
	b := newNode(t, 14)
	localWriter := rtps.GUID{Prefix: a.guid().Prefix, Entity: userWriterEntity}
	attrs, err := a.m.RegisterLocalWriter(localWriter, protectedProps)
	require.NoError(err)

	remoteReader := rtps.GUID{Prefix: b.guid().Prefix, Entity: userReaderEntity}
	rdata := &rtps.ReaderProxyData{GUID: remoteReader, SecurityAttributes: attrs.Mask()}
	require.NoError(a.m.DiscoveredReader(localWriter, b.guid(), rdata))
	require.NoError(a.m.DiscoveredReader(localWriter, b.guid(), rdata))
	a.m.RLock()
	require.Len(a.m.pendingReaders[b.guid()], 1)
	a.m.RUnlock()

	authenticate(t, a, b)

	a.m.RLock()
	require.Empty(a.m.pendingReaders)
	require.Len(a.m.writers[localWriter].remotes, 1)
	a.m.RUnlock()

	// Participant tokens and the replayed writer tokens.
	require.Equal(2, sendVolatile(t, a, b))

	a.m.Destroy()
	b.m.Destroy()
	requireNoHandles(t, a, b)
}

func TestLocalMatch(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	a := newNode(t, 15)
	w := rtps.GUID{Prefix: a.guid().Prefix, Entity: userWriterEntity}
	r := rtps.GUID{Prefix: a.guid().Prefix, Entity: userReaderEntity}
	attrs, err := a.m.RegisterLocalWriter(w, protectedProps)
	require.NoError(err)
	_, err = a.m.RegisterLocalReader(r, protectedProps)
	require.NoError(err)

	require.NoError(a.m.DiscoveredReader(w, a.guid(), &rtps.ReaderProxyData{GUID: r, SecurityAttributes: attrs.Mask()}))
	require.Zero(a.d.readerPairings(w, r))
	require.NoError(a.m.DiscoveredWriter(r, a.guid(), &rtps.WriterProxyData{GUID: w, SecurityAttributes: attrs.Mask()}))
	require.Equal(1, a.d.readerPairings(w, r))
	require.Equal(1, a.d.writerPairings(r, w))
	require.Empty(a.volatileWriter().drain())

	plain := []byte("local sample")
	payload, err := a.m.EncodeSerializedPayload(plain, w)
	require.NoError(err)
	decoded, err := a.m.DecodeSerializedPayload(payload, r, w)
	require.NoError(err)
	require.Equal(plain, decoded)

	a.m.Destroy()
	requireNoHandles(t, a)
}

func TestRemoveParticipant(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	a := newNode(t, 16)
	b := newNode(t, 17)
	authenticate(t, a, b)

	localWriter := rtps.GUID{Prefix: a.guid().Prefix, Entity: userWriterEntity}
	attrs, err := a.m.RegisterLocalWriter(localWriter, protectedProps)
	require.NoError(err)
	remoteReader := rtps.GUID{Prefix: b.guid().Prefix, Entity: userReaderEntity}
	require.NoError(a.m.DiscoveredReader(localWriter, b.guid(), &rtps.ReaderProxyData{GUID: remoteReader, SecurityAttributes: attrs.Mask()}))

	a.m.RemoveParticipant(b.pdata())
	a.m.RLock()
	require.Empty(a.m.remotes)
	require.Empty(a.m.writers[localWriter].remotes)
	require.Empty(a.m.writers[a.m.volatileWriterGUID].remotes)
	a.m.RUnlock()
	require.False(a.statelessWriter().isMatched(rtps.GUID{Prefix: b.guid().Prefix, Entity: rtps.EntityIDParticipantStatelessReader}))
	require.False(a.volatileWriter().isMatched(rtps.GUID{Prefix: b.guid().Prefix, Entity: rtps.EntityIDVolatileSecureReader}))

	// Local participant, volatile secure endpoints and localWriter.
	require.Equal(1, a.pk.Outstanding())
	require.Equal(4, a.crypto.Outstanding())

	a.m.Destroy()
	b.m.Destroy()
	requireNoHandles(t, a, b)
}

func TestHandshakePluginFailure(t *testing.T) {
	t.Parallel()

	for i, op := range []string{"validate_remote_identity", "begin_handshake_reply", "process_handshake"} {
		op := op
		prefix := byte(0x20 + 2*i)
		t.Run(op, func(t *testing.T) {
			t.Parallel()
			require := require.New(t)

			a := newNode(t, prefix)
			b := newNode(t, prefix+1)
			initiator, replier := order(a, b)

			var failing, other *node
			switch op {
			case "validate_remote_identity":
				failing, other = a, b
				failing.auth.failOp = op
				require.ErrorIs(a.m.DiscoveredParticipant(b.pdata()), errPluginFailure)
				require.Equal([]string{"identity"}, failing.releases.kinds())
			case "begin_handshake_reply":
				failing, other = replier, initiator
				failing.auth.failOp = op
				require.NoError(a.m.DiscoveredParticipant(b.pdata()))
				require.NoError(b.m.DiscoveredParticipant(a.pdata()))
				require.Len(sendStateless(initiator, replier), 1)
				require.Empty(replier.statelessWriter().drain())
				require.Equal([]string{"handshake", "identity"}, failing.releases.kinds())
			case "process_handshake":
				failing, other = initiator, replier
				failing.auth.failOp = op
				require.NoError(a.m.DiscoveredParticipant(b.pdata()))
				require.NoError(b.m.DiscoveredParticipant(a.pdata()))
				require.Len(sendStateless(initiator, replier), 1)
				require.Len(sendStateless(replier, initiator), 1)
				require.EqualValues(1, initiator.auth.processed.Load())
				require.Empty(initiator.statelessWriter().drain())
				_, history := initiator.statelessWriter().stats()
				require.Zero(history)
				require.Equal([]string{"handshake", "identity"}, failing.releases.kinds())
			}

			status, ok := failing.d.lastStatus(other.guid())
			require.True(ok)
			require.Equal(Unauthorized, status)
			require.Empty(failing.d.authorized)
			failing.m.RLock()
			require.Empty(failing.m.remotes)
			failing.m.RUnlock()
			require.False(failing.statelessWriter().isMatched(rtps.GUID{Prefix: other.guid().Prefix, Entity: rtps.EntityIDParticipantStatelessReader}))

			// Only the local identity is left.
			require.Equal(1, failing.pk.Outstanding())

			a.m.Destroy()
			b.m.Destroy()
			requireNoHandles(t, a, b)
		})
	}
}

func TestDestroyReleaseOrder(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	grant := permissions.Grant{RTPSProtection: true}
	a := newNode(t, 0x30, withPermissions(grant))
	b := newNode(t, 0x31, withPermissions(grant))
	authenticate(t, a, b)
	require.Equal(1, sendVolatile(t, a, b))
	require.Equal(1, sendVolatile(t, b, a))

	localWriter := rtps.GUID{Prefix: a.guid().Prefix, Entity: userWriterEntity}
	localReader := rtps.GUID{Prefix: a.guid().Prefix, Entity: userReaderEntity}
	attrs, err := a.m.RegisterLocalWriter(localWriter, protectedProps)
	require.NoError(err)
	_, err = a.m.RegisterLocalReader(localReader, protectedProps)
	require.NoError(err)
	remoteReader := rtps.GUID{Prefix: b.guid().Prefix, Entity: userReaderEntity}
	remoteWriter := rtps.GUID{Prefix: b.guid().Prefix, Entity: userWriterEntity}
	require.NoError(a.m.DiscoveredReader(localWriter, b.guid(), &rtps.ReaderProxyData{GUID: remoteReader, SecurityAttributes: attrs.Mask()}))
	require.NoError(a.m.DiscoveredWriter(localReader, b.guid(), &rtps.WriterProxyData{GUID: remoteWriter, SecurityAttributes: attrs.Mask()}))

	// Every local endpoint with the handles of its matched remotes, local
	// handle last.
	a.m.RLock()
	var groups [][]interface{}
	for _, w := range a.m.writers {
		var g []interface{}
		for _, ep := range w.remotes {
			g = append(g, ep.handle.Get())
		}
		groups = append(groups, append(g, w.handle.Get()))
	}
	for _, r := range a.m.readers {
		var g []interface{}
		for _, ep := range r.remotes {
			g = append(g, ep.handle.Get())
		}
		groups = append(groups, append(g, r.handle.Get()))
	}
	rec := a.m.remotes[b.guid()]
	require.NotNil(rec)
	require.False(rec.auth.handshake.Valid())
	participants := []release{
		{"identity", rec.identity.Get()},
		{"permissions", rec.permissions.Get()},
		{"participant", rec.crypto.Get()},
		{"secret", rec.secret.Get()},
		{"participant", a.m.localCrypto.Get()},
		{"permissions", a.m.localPermissions.Get()},
		{"identity", a.m.localIdentity.Get()},
	}
	a.m.RUnlock()
	require.Len(groups, 4)

	a.releases.reset()
	a.m.Destroy()
	events := a.releases.snapshot()

	endpoints := 0
	for _, g := range groups {
		endpoints += len(g)
	}
	require.Len(events, endpoints+len(participants))

	pos := make(map[interface{}]int)
	for i, ev := range events[:endpoints] {
		require.Contains([]string{"datawriter", "datareader"}, ev.kind)
		pos[ev.handle] = i
	}
	for _, g := range groups {
		local := g[len(g)-1]
		last, ok := pos[local]
		require.True(ok)
		for j, h := range g[:len(g)-1] {
			i, ok := pos[h]
			require.True(ok)
			require.Less(i, last)
			require.GreaterOrEqual(i, last-len(g)+1, "remote handle %d released apart from its endpoint", j)
		}
	}

	for i, want := range participants {
		got := events[endpoints+i]
		require.Equal(want.kind, got.kind, "release %d", endpoints+i)
		require.True(want.handle == got.handle, "release %d: %v handle", endpoints+i, want.kind)
	}

	b.m.Destroy()
	requireNoHandles(t, a, b)
}

func TestInitRollback(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(err)
	db, err := permissions.Open(filepath.Join(t.TempDir(), "permissions.db"), permissions.WithTrustOnFirstUse(permissions.Grant{RTPSProtection: true}))
	require.NoError(err)
	defer db.Close()

	releases := new(releaseLog)
	pk := pkidh.New(logBackend)
	perms := permissions.New(logBackend, db)
	crypto := aead.New(logBackend)
	factory := &fakeFactory{
		auth:   &countingAuth{Authentication: pk, releases: releases},
		access: &recordingAccess{AccessControl: perms, releases: releases},
		crypto: &recordingCrypto{Cryptography: crypto, releases: releases, failOp: "register_local_participant"},
	}

	h := &harness{t: t}
	p := newFakeParticipant(h, rtps.GUID{Prefix: rtps.GUIDPrefix{0x01, 0x0f, 0x40}, Entity: rtps.EntityIDParticipant})
	d := newFakeDiscovery(h)
	m := New(Config{}, p, d, d, factory, logBackend)
	h.m = m

	guid, err := m.Init(nil)
	require.ErrorIs(err, errPluginFailure)
	require.Equal(rtps.GUIDUnknown, guid)
	require.False(m.IsActive())
	require.Nil(m.IdentityToken())
	require.Zero(m.BuiltinEndpoints())

	require.Equal([]string{"permissions", "identity"}, releases.kinds())
	require.Zero(pk.Outstanding())
	require.Zero(perms.Outstanding())
	require.Zero(crypto.Outstanding())

	require.NoError(m.CreateEntities())
	require.Empty(p.writers)
	m.Destroy()
}
