// SPDX-FileCopyrightText: Copyright (C) 2026 The rtps authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package loopback implements in-process RTPS participants exchanging
// changes over a shared Bus. Writers keep a history; a change reaches a
// reader once both sides are matched, and every reader is fed by its own
// goroutine.
package loopback

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/rtpsgo/rtps/core/log"
	"github.com/rtpsgo/rtps/core/worker"
	"github.com/rtpsgo/rtps/flowcontrol"
	"github.com/rtpsgo/rtps/rtps"
	"github.com/rtpsgo/rtps/security"
	"github.com/rtpsgo/rtps/security/manager"
)

var (
	// ErrExists is returned when creating an endpoint twice.
	ErrExists = errors.New("loopback: endpoint exists")

	// ErrHistoryFull is returned by AddChange on a full keep-all history.
	ErrHistoryFull = errors.New("loopback: history full")
)

// MaxKeepAllHistory bounds keep-all histories.
const MaxKeepAllHistory = 4096

// SubmessageCodec protects the builtin traffic between participants. It is
// satisfied by *manager.Manager.
type SubmessageCodec interface {
	EncodeWriterSubmessage(plain []byte, writer rtps.GUID, readers []rtps.GUID) ([]byte, error)
	DecodeRTPSSubmessage(encoded []byte, sender rtps.GUID) ([]byte, error)
}

// Bus connects the participants of one process.
type Bus struct {
	sync.Mutex

	logBackend   *log.Backend
	participants map[rtps.GUIDPrefix]*Participant
}

// NewBus creates an empty Bus.
func NewBus(logBackend *log.Backend) *Bus {
	return &Bus{
		logBackend:   logBackend,
		participants: make(map[rtps.GUIDPrefix]*Participant),
	}
}

func (b *Bus) writerLocked(guid rtps.GUID) *Writer {
	if p, ok := b.participants[guid.Prefix]; ok {
		return p.writers[guid.Entity]
	}
	return nil
}

func (b *Bus) readerLocked(guid rtps.GUID) *Reader {
	if p, ok := b.participants[guid.Prefix]; ok {
		return p.readers[guid.Entity]
	}
	return nil
}

// NewParticipant attaches a participant with the given GUID to the bus.
func (b *Bus) NewParticipant(guid rtps.GUID, domainID uint32) *Participant {
	p := &Participant{
		bus:      b,
		log:      b.logBackend.GetLogger(fmt.Sprintf("loopback/%x", guid.Prefix[:4])),
		guid:     guid.ParticipantGUID(),
		domainID: domainID,
		writers:  make(map[rtps.EntityID]*Writer),
		readers:  make(map[rtps.EntityID]*Reader),
		paired:   make(map[pairKey]struct{}),
		auth:     make(map[rtps.GUID]manager.AuthenticationStatus),
	}
	b.Lock()
	b.participants[p.guid.Prefix] = p
	b.Unlock()
	return p
}

type pairKey struct {
	local  rtps.GUID
	remote rtps.GUID
}

// Participant is an in-process participant. It implements
// manager.Participant, manager.Discovery and manager.Listener.
type Participant struct {
	bus   *Bus
	log   *logging.Logger
	codec SubmessageCodec

	guid     rtps.GUID
	domainID uint32
	writers  map[rtps.EntityID]*Writer
	readers  map[rtps.EntityID]*Reader

	authorized []rtps.ParticipantProxyData
	paired     map[pairKey]struct{}
	auth       map[rtps.GUID]manager.AuthenticationStatus
}

// GUID implements manager.Participant.
func (p *Participant) GUID() rtps.GUID {
	p.bus.Lock()
	defer p.bus.Unlock()
	return p.guid
}

// DomainID implements manager.Participant.
func (p *Participant) DomainID() uint32 {
	return p.domainID
}

// Adopt moves the participant to the GUID handed out by the security
// manager. It must be called before any endpoint is created.
func (p *Participant) Adopt(guid rtps.GUID) {
	b := p.bus
	b.Lock()
	defer b.Unlock()
	delete(b.participants, p.guid.Prefix)
	p.guid = guid.ParticipantGUID()
	b.participants[p.guid.Prefix] = p
}

// SetCodec installs the submessage protection of builtin traffic.
func (p *Participant) SetCodec(codec SubmessageCodec) {
	p.bus.Lock()
	defer p.bus.Unlock()
	p.codec = codec
}

// ProxyData describes p for discovery, carrying the tokens and attributes
// of its security manager.
func (p *Participant) ProxyData(sec *manager.Manager) *rtps.ParticipantProxyData {
	pdata := &rtps.ParticipantProxyData{
		GUID:     p.GUID(),
		DomainID: p.domainID,
	}
	if !sec.IsActive() {
		return pdata
	}
	if tok := sec.IdentityToken(); tok != nil {
		pdata.IdentityToken = security.MarshalToken(tok)
	}
	if tok := sec.PermissionsToken(); tok != nil {
		pdata.PermissionsToken = security.MarshalToken(tok)
	}
	pdata.AvailableBuiltinEndpoints = sec.BuiltinEndpoints()
	pdata.SecurityAttributes = sec.ParticipantSecurityAttributes().Mask()
	return pdata
}

// Close detaches the participant and stops its readers.
func (p *Participant) Close() {
	b := p.bus
	b.Lock()
	delete(b.participants, p.guid.Prefix)
	readers := make([]*Reader, 0, len(p.readers))
	for _, r := range p.readers {
		readers = append(readers, r)
	}
	b.Unlock()

	for _, r := range readers {
		r.Halt()
	}
}

// CreateWriter implements manager.Participant.
func (p *Participant) CreateWriter(entity rtps.EntityID, cfg manager.EndpointConfig) (manager.BuiltinWriter, error) {
	return p.NewWriter(entity, cfg)
}

// NewWriter creates a writer owned by p.
func (p *Participant) NewWriter(entity rtps.EntityID, cfg manager.EndpointConfig) (*Writer, error) {
	b := p.bus
	b.Lock()
	defer b.Unlock()
	if _, ok := p.writers[entity]; ok {
		return nil, ErrExists
	}
	w := &Writer{
		participant: p,
		guid:        rtps.GUID{Prefix: p.guid.Prefix, Entity: entity},
		cfg:         cfg,
		matched:     make(map[rtps.GUID]rtps.SequenceNumber),
	}
	p.writers[entity] = w
	return w, nil
}

// CreateReader implements manager.Participant.
func (p *Participant) CreateReader(entity rtps.EntityID, cfg manager.EndpointConfig, listener manager.ChangeListener) (manager.BuiltinReader, error) {
	return p.NewReader(entity, cfg, listener)
}

// NewReader creates a reader owned by p delivering to listener.
func (p *Participant) NewReader(entity rtps.EntityID, cfg manager.EndpointConfig, listener manager.ChangeListener) (*Reader, error) {
	b := p.bus
	b.Lock()
	defer b.Unlock()
	if _, ok := p.readers[entity]; ok {
		return nil, ErrExists
	}
	r := &Reader{
		participant: p,
		guid:        rtps.GUID{Prefix: p.guid.Prefix, Entity: entity},
		cfg:         cfg,
		listener:    listener,
		matched:     make(map[rtps.GUID]struct{}),
		signal:      make(chan struct{}, 1),
	}
	p.readers[entity] = r
	r.Go(r.worker)
	return r, nil
}

// DeleteWriter implements manager.Participant.
func (p *Participant) DeleteWriter(bw manager.BuiltinWriter) {
	b := p.bus
	b.Lock()
	defer b.Unlock()
	if w, ok := bw.(*Writer); ok && p.writers[w.guid.Entity] == w {
		delete(p.writers, w.guid.Entity)
	}
}

// DeleteReader implements manager.Participant.
func (p *Participant) DeleteReader(br manager.BuiltinReader) {
	r, ok := br.(*Reader)
	if !ok {
		return
	}
	b := p.bus
	b.Lock()
	if p.readers[r.guid.Entity] == r {
		delete(p.readers, r.guid.Entity)
	}
	b.Unlock()
	r.Halt()
}

// ParticipantAuthorized implements manager.Discovery.
func (p *Participant) ParticipantAuthorized(pdata *rtps.ParticipantProxyData) {
	p.bus.Lock()
	defer p.bus.Unlock()
	p.authorized = append(p.authorized, *pdata)
	p.log.Debugf("Participant %v authorized", pdata.GUID)
}

// PairRemoteReader implements manager.Discovery by matching the reader with
// the local writer.
func (p *Participant) PairRemoteReader(localWriter, remoteParticipant rtps.GUID, rdata *rtps.ReaderProxyData) {
	p.bus.Lock()
	p.paired[pairKey{local: localWriter, remote: rdata.GUID}] = struct{}{}
	w := p.writers[localWriter.Entity]
	p.bus.Unlock()

	if w != nil {
		w.MatchedReaderAdd(rdata)
	}
}

// PairRemoteWriter implements manager.Discovery by matching the writer with
// the local reader.
func (p *Participant) PairRemoteWriter(localReader, remoteParticipant rtps.GUID, wdata *rtps.WriterProxyData) {
	p.bus.Lock()
	p.paired[pairKey{local: localReader, remote: wdata.GUID}] = struct{}{}
	r := p.readers[localReader.Entity]
	p.bus.Unlock()

	if r != nil {
		r.MatchedWriterAdd(wdata)
	}
}

// OnParticipantAuthentication implements manager.Listener.
func (p *Participant) OnParticipantAuthentication(guid rtps.GUID, status manager.AuthenticationStatus) {
	p.bus.Lock()
	defer p.bus.Unlock()
	p.auth[guid] = status
}

// Authorized returns the participants discovery was told to proceed with.
func (p *Participant) Authorized() []rtps.GUID {
	p.bus.Lock()
	defer p.bus.Unlock()
	out := make([]rtps.GUID, 0, len(p.authorized))
	for _, pdata := range p.authorized {
		out = append(out, pdata.GUID)
	}
	return out
}

// AuthenticationStatus returns the last status reported for guid.
func (p *Participant) AuthenticationStatus(guid rtps.GUID) (manager.AuthenticationStatus, bool) {
	p.bus.Lock()
	defer p.bus.Unlock()
	s, ok := p.auth[guid]
	return s, ok
}

// IsPaired reports whether remote was paired with the local endpoint.
func (p *Participant) IsPaired(local, remote rtps.GUID) bool {
	p.bus.Lock()
	defer p.bus.Unlock()
	_, ok := p.paired[pairKey{local: local, remote: remote}]
	return ok
}

// Writer is a writer with its history. It implements manager.BuiltinWriter.
type Writer struct {
	participant *Participant
	guid        rtps.GUID
	cfg         manager.EndpointConfig

	history []*rtps.CacheChange
	lastSeq rtps.SequenceNumber

	// matched maps reader GUIDs to the last sequence number handed to them.
	matched map[rtps.GUID]rtps.SequenceNumber
}

// GUID implements manager.BuiltinWriter.
func (w *Writer) GUID() rtps.GUID {
	return w.guid
}

// NewChange implements manager.BuiltinWriter.
func (w *Writer) NewChange(size int) (*rtps.CacheChange, error) {
	return &rtps.CacheChange{
		Kind:       rtps.ChangeAlive,
		WriterGUID: w.guid,
		Payload:    make([]byte, size),
	}, nil
}

// AddChange implements manager.BuiltinWriter.
func (w *Writer) AddChange(change *rtps.CacheChange) error {
	b := w.participant.bus
	b.Lock()
	defer b.Unlock()

	switch {
	case w.cfg.KeepAll:
		if len(w.history) >= MaxKeepAllHistory {
			return ErrHistoryFull
		}
	case w.cfg.HistoryDepth > 0 && len(w.history) >= w.cfg.HistoryDepth:
		w.history = w.history[1:]
	}
	w.lastSeq++
	change.WriterGUID = w.guid
	change.SequenceNumber = w.lastSeq
	w.history = append(w.history, change)
	w.flushLocked()
	return nil
}

// RemoveChange implements manager.BuiltinWriter.
func (w *Writer) RemoveChange(seq rtps.SequenceNumber) bool {
	b := w.participant.bus
	b.Lock()
	defer b.Unlock()
	for i, c := range w.history {
		if c.SequenceNumber == seq {
			w.history = append(w.history[:i], w.history[i+1:]...)
			return true
		}
	}
	return false
}

// ReleaseChange implements manager.BuiltinWriter.
func (w *Writer) ReleaseChange(*rtps.CacheChange) {}

// Properties implements flowcontrol.Writer.
func (w *Writer) Properties() rtps.PropertyPolicy {
	return w.cfg.Properties
}

// DeliverSample implements flowcontrol.Writer by adding change to the
// history.
func (w *Writer) DeliverSample(change *rtps.CacheChange, _ time.Time) flowcontrol.DeliveryResult {
	switch err := w.AddChange(change); err {
	case nil:
		return flowcontrol.Delivered
	case ErrHistoryFull:
		return flowcontrol.NotDelivered
	default:
		w.participant.log.Errorf("Failed to deliver sample: %v", err)
		return flowcontrol.NotDelivered
	}
}

// HistoryLen returns the number of changes in the history.
func (w *Writer) HistoryLen() int {
	b := w.participant.bus
	b.Lock()
	defer b.Unlock()
	return len(w.history)
}

// MatchedReaderAdd implements manager.BuiltinWriter.
func (w *Writer) MatchedReaderAdd(rdata *rtps.ReaderProxyData) error {
	b := w.participant.bus
	b.Lock()
	defer b.Unlock()
	if _, ok := w.matched[rdata.GUID]; ok {
		return nil
	}
	var from rtps.SequenceNumber
	if !w.cfg.Reliable {
		from = w.lastSeq
	}
	w.matched[rdata.GUID] = from
	w.flushLocked()
	return nil
}

// MatchedReaderRemove implements manager.BuiltinWriter.
func (w *Writer) MatchedReaderRemove(guid rtps.GUID) {
	b := w.participant.bus
	b.Lock()
	defer b.Unlock()
	delete(w.matched, guid)
}

// MatchedReaders returns the matched reader GUIDs in order.
func (w *Writer) MatchedReaders() []rtps.GUID {
	b := w.participant.bus
	b.Lock()
	defer b.Unlock()
	out := make([]rtps.GUID, 0, len(w.matched))
	for guid := range w.matched {
		out = append(out, guid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}

// flushLocked hands every change not yet seen to the readers matched on
// both sides.
func (w *Writer) flushLocked() {
	for guid, last := range w.matched {
		r := w.participant.bus.readerLocked(guid)
		if r == nil {
			continue
		}
		if _, ok := r.matched[w.guid]; !ok {
			continue
		}
		for _, c := range w.history {
			if c.SequenceNumber <= last {
				continue
			}
			cp := *c
			cp.Payload = append([]byte(nil), c.Payload...)
			r.enqueueLocked(&delivery{change: &cp, from: w.participant, reader: guid})
			last = c.SequenceNumber
		}
		w.matched[guid] = last
	}
}

type delivery struct {
	change *rtps.CacheChange
	from   *Participant
	reader rtps.GUID
}

// Reader delivers the changes of its matched writers to a listener. It
// implements manager.BuiltinReader.
type Reader struct {
	worker.Worker

	participant *Participant
	guid        rtps.GUID
	cfg         manager.EndpointConfig
	listener    manager.ChangeListener

	matched map[rtps.GUID]struct{}
	inbox   []*delivery
	signal  chan struct{}

	outstanding int
}

// GUID implements manager.BuiltinReader.
func (r *Reader) GUID() rtps.GUID {
	return r.guid
}

// MatchedWriterAdd implements manager.BuiltinReader.
func (r *Reader) MatchedWriterAdd(wdata *rtps.WriterProxyData) error {
	b := r.participant.bus
	b.Lock()
	defer b.Unlock()
	r.matched[wdata.GUID] = struct{}{}
	if w := b.writerLocked(wdata.GUID); w != nil {
		w.flushLocked()
	}
	return nil
}

// MatchedWriterRemove implements manager.BuiltinReader.
func (r *Reader) MatchedWriterRemove(guid rtps.GUID) {
	b := r.participant.bus
	b.Lock()
	defer b.Unlock()
	delete(r.matched, guid)
}

// ReleaseChange implements manager.BuiltinReader.
func (r *Reader) ReleaseChange(*rtps.CacheChange) {
	b := r.participant.bus
	b.Lock()
	defer b.Unlock()
	r.outstanding--
}

// Outstanding returns the number of delivered changes not yet released.
func (r *Reader) Outstanding() int {
	b := r.participant.bus
	b.Lock()
	defer b.Unlock()
	return r.outstanding
}

func (r *Reader) enqueueLocked(d *delivery) {
	r.inbox = append(r.inbox, d)
	select {
	case r.signal <- struct{}{}:
	default:
	}
}

func (r *Reader) worker() {
	for {
		select {
		case <-r.HaltCh():
			return
		case <-r.signal:
		}

		for {
			b := r.participant.bus
			b.Lock()
			if len(r.inbox) == 0 {
				b.Unlock()
				break
			}
			d := r.inbox[0]
			r.inbox = r.inbox[1:]
			sender, receiver := d.from.codec, r.participant.codec
			b.Unlock()

			if !r.unprotect(d, sender, receiver) {
				continue
			}

			b.Lock()
			r.outstanding++
			b.Unlock()
			r.listener(d.change)

			if r.IsHalted() {
				return
			}
		}
	}
}

// unprotect runs a change through the submessage protection of both
// participants, as the wire would.
func (r *Reader) unprotect(d *delivery, sender, receiver SubmessageCodec) bool {
	if sender == nil {
		return true
	}
	encoded, err := sender.EncodeWriterSubmessage(d.change.Payload, d.change.WriterGUID, []rtps.GUID{d.reader})
	if errors.Is(err, manager.ErrNotProtected) {
		return true
	}
	if err != nil {
		r.participant.log.Warningf("Encoding change %d of %v: %v", d.change.SequenceNumber, d.change.WriterGUID, err)
		return false
	}
	if receiver == nil {
		r.participant.log.Warningf("Dropping protected change of %v", d.change.WriterGUID)
		return false
	}
	plain, err := receiver.DecodeRTPSSubmessage(encoded, d.change.WriterGUID)
	if err != nil {
		r.participant.log.Warningf("Decoding change %d of %v: %v", d.change.SequenceNumber, d.change.WriterGUID, err)
		return false
	}
	d.change.Payload = plain
	return true
}
