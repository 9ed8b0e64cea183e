// SPDX-FileCopyrightText: Copyright (C) 2026 The rtps authors
// SPDX-License-Identifier: AGPL-3.0-only

package manager

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rtpsgo/rtps/rtps"
	"github.com/rtpsgo/rtps/security"
)

// harness flags collaborator calls made while the manager lock is held.
type harness struct {
	t *testing.T
	m *Manager
}

func (h *harness) checkUnlocked(op string) {
	if h.m == nil {
		return
	}
	if !h.m.TryLock() {
		h.t.Errorf("%s called with the manager lock held", op)
		return
	}
	h.m.Unlock()
}

type fakeParticipant struct {
	*harness
	sync.Mutex

	guid     rtps.GUID
	domainID uint32
	writers  map[rtps.EntityID]*fakeWriter
	readers  map[rtps.EntityID]*fakeReader
}

func newFakeParticipant(h *harness, guid rtps.GUID) *fakeParticipant {
	return &fakeParticipant{
		harness: h,
		guid:    guid,
		writers: make(map[rtps.EntityID]*fakeWriter),
		readers: make(map[rtps.EntityID]*fakeReader),
	}
}

func (p *fakeParticipant) GUID() rtps.GUID {
	p.checkUnlocked("Participant.GUID")
	return p.guid
}

func (p *fakeParticipant) DomainID() uint32 {
	return p.domainID
}

func (p *fakeParticipant) CreateWriter(entity rtps.EntityID, cfg EndpointConfig) (BuiltinWriter, error) {
	p.checkUnlocked("Participant.CreateWriter")
	p.Lock()
	defer p.Unlock()
	w := &fakeWriter{
		harness: p.harness,
		guid:    rtps.GUID{Prefix: p.guid.Prefix, Entity: entity},
		cfg:     cfg,
		history: make(map[rtps.SequenceNumber][]byte),
		matched: make(map[rtps.GUID]bool),
	}
	p.writers[entity] = w
	return w, nil
}

func (p *fakeParticipant) CreateReader(entity rtps.EntityID, cfg EndpointConfig, listener ChangeListener) (BuiltinReader, error) {
	p.checkUnlocked("Participant.CreateReader")
	p.Lock()
	defer p.Unlock()
	r := &fakeReader{
		harness: p.harness,
		guid:    rtps.GUID{Prefix: p.guid.Prefix, Entity: entity},
		matched: make(map[rtps.GUID]bool),
	}
	p.readers[entity] = r
	return r, nil
}

func (p *fakeParticipant) DeleteWriter(w BuiltinWriter) {
	p.checkUnlocked("Participant.DeleteWriter")
	p.Lock()
	defer p.Unlock()
	delete(p.writers, w.GUID().Entity)
}

func (p *fakeParticipant) DeleteReader(r BuiltinReader) {
	p.checkUnlocked("Participant.DeleteReader")
	p.Lock()
	defer p.Unlock()
	delete(p.readers, r.GUID().Entity)
}

func (p *fakeParticipant) writer(entity rtps.EntityID) *fakeWriter {
	p.Lock()
	defer p.Unlock()
	return p.writers[entity]
}

func (p *fakeParticipant) reader(entity rtps.EntityID) *fakeReader {
	p.Lock()
	defer p.Unlock()
	return p.readers[entity]
}

type fakeWriter struct {
	*harness
	sync.Mutex

	guid    rtps.GUID
	cfg     EndpointConfig
	lastSeq rtps.SequenceNumber
	history map[rtps.SequenceNumber][]byte
	outbox  [][]byte
	added   int
	matched map[rtps.GUID]bool
}

func (w *fakeWriter) GUID() rtps.GUID {
	return w.guid
}

func (w *fakeWriter) NewChange(size int) (*rtps.CacheChange, error) {
	w.checkUnlocked("Writer.NewChange")
	return &rtps.CacheChange{Payload: make([]byte, size)}, nil
}

func (w *fakeWriter) AddChange(change *rtps.CacheChange) error {
	w.checkUnlocked("Writer.AddChange")
	w.Lock()
	defer w.Unlock()
	w.lastSeq++
	change.SequenceNumber = w.lastSeq
	change.WriterGUID = w.guid
	payload := append([]byte(nil), change.Payload...)
	w.history[w.lastSeq] = payload
	w.outbox = append(w.outbox, payload)
	w.added++
	return nil
}

func (w *fakeWriter) RemoveChange(seq rtps.SequenceNumber) bool {
	w.checkUnlocked("Writer.RemoveChange")
	w.Lock()
	defer w.Unlock()
	_, ok := w.history[seq]
	delete(w.history, seq)
	return ok
}

func (w *fakeWriter) ReleaseChange(*rtps.CacheChange) {
	w.checkUnlocked("Writer.ReleaseChange")
}

func (w *fakeWriter) MatchedReaderAdd(rdata *rtps.ReaderProxyData) error {
	w.checkUnlocked("Writer.MatchedReaderAdd")
	w.Lock()
	defer w.Unlock()
	w.matched[rdata.GUID] = true
	return nil
}

func (w *fakeWriter) MatchedReaderRemove(guid rtps.GUID) {
	w.checkUnlocked("Writer.MatchedReaderRemove")
	w.Lock()
	defer w.Unlock()
	delete(w.matched, guid)
}

// drain returns the payloads added since the last drain.
func (w *fakeWriter) drain() [][]byte {
	w.Lock()
	defer w.Unlock()
	out := w.outbox
	w.outbox = nil
	return out
}

func (w *fakeWriter) stats() (added, history int) {
	w.Lock()
	defer w.Unlock()
	return w.added, len(w.history)
}

func (w *fakeWriter) isMatched(guid rtps.GUID) bool {
	w.Lock()
	defer w.Unlock()
	return w.matched[guid]
}

type fakeReader struct {
	*harness
	sync.Mutex

	guid     rtps.GUID
	matched  map[rtps.GUID]bool
	released int
}

func (r *fakeReader) GUID() rtps.GUID {
	return r.guid
}

func (r *fakeReader) MatchedWriterAdd(wdata *rtps.WriterProxyData) error {
	r.checkUnlocked("Reader.MatchedWriterAdd")
	r.Lock()
	defer r.Unlock()
	r.matched[wdata.GUID] = true
	return nil
}

func (r *fakeReader) MatchedWriterRemove(guid rtps.GUID) {
	r.checkUnlocked("Reader.MatchedWriterRemove")
	r.Lock()
	defer r.Unlock()
	delete(r.matched, guid)
}

func (r *fakeReader) ReleaseChange(*rtps.CacheChange) {
	r.checkUnlocked("Reader.ReleaseChange")
	r.Lock()
	defer r.Unlock()
	r.released++
}

func (r *fakeReader) isMatched(guid rtps.GUID) bool {
	r.Lock()
	defer r.Unlock()
	return r.matched[guid]
}

type endpointKey struct {
	local, remote rtps.GUID
}

// fakeDiscovery implements Discovery and Listener.
type fakeDiscovery struct {
	*harness
	sync.Mutex

	authorized    []rtps.GUID
	pairedReaders map[endpointKey]int
	pairedWriters map[endpointKey]int
	statuses      map[rtps.GUID][]AuthenticationStatus
}

func newFakeDiscovery(h *harness) *fakeDiscovery {
	return &fakeDiscovery{
		harness:       h,
		pairedReaders: make(map[endpointKey]int),
		pairedWriters: make(map[endpointKey]int),
		statuses:      make(map[rtps.GUID][]AuthenticationStatus),
	}
}

func (d *fakeDiscovery) ParticipantAuthorized(pdata *rtps.ParticipantProxyData) {
	d.checkUnlocked("Discovery.ParticipantAuthorized")
	d.Lock()
	defer d.Unlock()
	d.authorized = append(d.authorized, pdata.GUID)
}

func (d *fakeDiscovery) PairRemoteReader(localWriter, remoteParticipant rtps.GUID, rdata *rtps.ReaderProxyData) {
	d.checkUnlocked("Discovery.PairRemoteReader")
	d.Lock()
	defer d.Unlock()
	d.pairedReaders[endpointKey{local: localWriter, remote: rdata.GUID}]++
}

func (d *fakeDiscovery) PairRemoteWriter(localReader, remoteParticipant rtps.GUID, wdata *rtps.WriterProxyData) {
	d.checkUnlocked("Discovery.PairRemoteWriter")
	d.Lock()
	defer d.Unlock()
	d.pairedWriters[endpointKey{local: localReader, remote: wdata.GUID}]++
}

func (d *fakeDiscovery) OnParticipantAuthentication(guid rtps.GUID, status AuthenticationStatus) {
	d.checkUnlocked("Listener.OnParticipantAuthentication")
	d.Lock()
	defer d.Unlock()
	d.statuses[guid] = append(d.statuses[guid], status)
}

func (d *fakeDiscovery) lastStatus(guid rtps.GUID) (AuthenticationStatus, bool) {
	d.Lock()
	defer d.Unlock()
	s := d.statuses[guid]
	if len(s) == 0 {
		return 0, false
	}
	return s[len(s)-1], true
}

func (d *fakeDiscovery) readerPairings(local, remote rtps.GUID) int {
	d.Lock()
	defer d.Unlock()
	return d.pairedReaders[endpointKey{local: local, remote: remote}]
}

func (d *fakeDiscovery) writerPairings(local, remote rtps.GUID) int {
	d.Lock()
	defer d.Unlock()
	return d.pairedWriters[endpointKey{local: local, remote: remote}]
}

var errPluginFailure = errors.New("plugin failure")

// release is one handle given back to a plugin.
type release struct {
	kind   string
	handle interface{}
}

// releaseLog records handle releases across plugins in call order.
type releaseLog struct {
	sync.Mutex
	events []release
}

func (l *releaseLog) add(kind string, h interface{}) {
	if l == nil {
		return
	}
	l.Lock()
	defer l.Unlock()
	l.events = append(l.events, release{kind: kind, handle: h})
}

func (l *releaseLog) reset() {
	l.Lock()
	defer l.Unlock()
	l.events = nil
}

func (l *releaseLog) snapshot() []release {
	l.Lock()
	defer l.Unlock()
	return append([]release(nil), l.events...)
}

func (l *releaseLog) kinds() []string {
	var kinds []string
	for _, ev := range l.snapshot() {
		kinds = append(kinds, ev.kind)
	}
	return kinds
}

// countingAuth counts the handshake steps reaching the plugin, records
// returned handles and fails the step named by failOp.
type countingAuth struct {
	security.Authentication

	releases *releaseLog
	failOp   string

	replies   atomic.Int32
	processed atomic.Int32
}

func (a *countingAuth) ValidateRemoteIdentity(local security.IdentityHandle, localGUID rtps.GUID, token *security.IdentityToken, remoteGUID rtps.GUID) (security.ValidationResult, security.IdentityHandle, error) {
	res, h, err := a.Authentication.ValidateRemoteIdentity(local, localGUID, token, remoteGUID)
	if err == nil && a.failOp == "validate_remote_identity" {
		return security.ValidationFailed, h, errPluginFailure
	}
	return res, h, err
}

func (a *countingAuth) BeginHandshakeReply(in *security.HandshakeMessageToken, initiator, replier security.IdentityHandle) (security.ValidationResult, security.HandshakeHandle, *security.HandshakeMessageToken, error) {
	a.replies.Add(1)
	res, h, out, err := a.Authentication.BeginHandshakeReply(in, initiator, replier)
	if err == nil && a.failOp == "begin_handshake_reply" {
		return security.ValidationFailed, h, nil, errPluginFailure
	}
	return res, h, out, err
}

func (a *countingAuth) ProcessHandshake(in *security.HandshakeMessageToken, h security.HandshakeHandle) (security.ValidationResult, *security.HandshakeMessageToken, error) {
	a.processed.Add(1)
	if a.failOp == "process_handshake" {
		return security.ValidationFailed, nil, errPluginFailure
	}
	return a.Authentication.ProcessHandshake(in, h)
}

func (a *countingAuth) ReturnIdentityHandle(h security.IdentityHandle) error {
	a.releases.add("identity", h)
	return a.Authentication.ReturnIdentityHandle(h)
}

func (a *countingAuth) ReturnHandshakeHandle(h security.HandshakeHandle) error {
	a.releases.add("handshake", h)
	return a.Authentication.ReturnHandshakeHandle(h)
}

func (a *countingAuth) ReturnSharedSecretHandle(h security.SecretHandle) error {
	a.releases.add("secret", h)
	return a.Authentication.ReturnSharedSecretHandle(h)
}

type recordingAccess struct {
	security.AccessControl

	releases *releaseLog
}

func (a *recordingAccess) ReturnPermissionsHandle(h security.PermissionsHandle) error {
	a.releases.add("permissions", h)
	return a.AccessControl.ReturnPermissionsHandle(h)
}

type recordingCrypto struct {
	security.Cryptography

	releases *releaseLog
	failOp   string
}

func (c *recordingCrypto) KeyFactory() security.CryptoKeyFactory {
	return &recordingKeyFactory{CryptoKeyFactory: c.Cryptography.KeyFactory(), crypto: c}
}

type recordingKeyFactory struct {
	security.CryptoKeyFactory

	crypto *recordingCrypto
}

func (f *recordingKeyFactory) RegisterLocalParticipant(identity security.IdentityHandle, perms security.PermissionsHandle, props rtps.PropertyPolicy, attrs security.ParticipantSecurityAttributes) (security.ParticipantCryptoHandle, error) {
	if f.crypto.failOp == "register_local_participant" {
		return nil, errPluginFailure
	}
	return f.CryptoKeyFactory.RegisterLocalParticipant(identity, perms, props, attrs)
}

func (f *recordingKeyFactory) UnregisterParticipant(h security.ParticipantCryptoHandle) error {
	f.crypto.releases.add("participant", h)
	return f.CryptoKeyFactory.UnregisterParticipant(h)
}

func (f *recordingKeyFactory) UnregisterDatawriter(h security.DatawriterCryptoHandle) error {
	f.crypto.releases.add("datawriter", h)
	return f.CryptoKeyFactory.UnregisterDatawriter(h)
}

func (f *recordingKeyFactory) UnregisterDatareader(h security.DatareaderCryptoHandle) error {
	f.crypto.releases.add("datareader", h)
	return f.CryptoKeyFactory.UnregisterDatareader(h)
}

type fakeFactory struct {
	auth   security.Authentication
	access security.AccessControl
	crypto security.Cryptography
}

func (f *fakeFactory) NewAuthentication(rtps.PropertyPolicy) (security.Authentication, error) {
	return f.auth, nil
}

func (f *fakeFactory) NewAccessControl(rtps.PropertyPolicy) (security.AccessControl, error) {
	return f.access, nil
}

func (f *fakeFactory) NewCryptography(rtps.PropertyPolicy) (security.Cryptography, error) {
	return f.crypto, nil
}
