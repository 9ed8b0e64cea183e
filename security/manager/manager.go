// SPDX-FileCopyrightText: Copyright (C) 2026 The rtps authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package manager implements the participant security manager: it
// authenticates discovered participants over the stateless builtin topic,
// exchanges crypto tokens over the volatile secure topic and protects the
// traffic of registered endpoints.
package manager

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"gopkg.in/op/go-logging.v1"

	"github.com/rtpsgo/rtps/core/log"
	"github.com/rtpsgo/rtps/core/timerqueue"
	"github.com/rtpsgo/rtps/rtps"
	"github.com/rtpsgo/rtps/security"
)

var (
	// ErrNotActive is returned when security is not configured.
	ErrNotActive = errors.New("manager: security is not active")

	// ErrNotProtected is returned by the encode and decode hooks for
	// traffic that passes through unchanged.
	ErrNotProtected = errors.New("manager: not protected")

	// ErrUnknownEndpoint is returned for an endpoint never registered.
	ErrUnknownEndpoint = errors.New("manager: unknown endpoint")

	// ErrUnknownParticipant is returned for a participant never discovered
	// or not yet authorized.
	ErrUnknownParticipant = errors.New("manager: unknown participant")

	// ErrIncompatible is returned when a remote endpoint's security
	// attributes do not match the local ones.
	ErrIncompatible = errors.New("manager: incompatible security attributes")

	// ErrAlreadyRegistered is returned when registering an endpoint twice.
	ErrAlreadyRegistered = errors.New("manager: endpoint already registered")
)

// Manager is the participant security manager.
type Manager struct {
	sync.RWMutex

	cfg         Config
	log         *logging.Logger
	participant Participant
	discovery   Discovery
	listener    Listener
	factory     security.Factory

	active bool
	auth   security.Authentication
	access security.AccessControl
	crypto security.Cryptography

	domainID         uint32
	localGUID        rtps.GUID
	localIdentity    security.Owned[security.IdentityHandle]
	localPermissions security.Owned[security.PermissionsHandle]
	localCrypto      security.Owned[security.ParticipantCryptoHandle]
	identityToken    *security.IdentityToken
	permissionsToken *security.PermissionsToken
	participantAttrs security.ParticipantSecurityAttributes

	statelessWriter     BuiltinWriter
	statelessReader     BuiltinReader
	volatileWriter      BuiltinWriter
	volatileReader      BuiltinReader
	statelessWriterGUID rtps.GUID
	volatileWriterGUID  rtps.GUID
	volatileReaderGUID  rtps.GUID

	// messageSeq numbers our generic messages, starting at 1.
	messageSeq atomic.Int64
	timerGen   atomic.Uint64

	remotes        map[rtps.GUID]*remoteParticipant
	writers        map[rtps.GUID]*writerAssociation
	readers        map[rtps.GUID]*readerAssociation
	pending        pendingStore
	pendingReaders map[rtps.GUID][]pendingReader
	pendingWriters map[rtps.GUID][]pendingWriter

	timers *timerqueue.TimerQueue
}

// New creates a manager for participant. Call Init before use.
func New(cfg Config, participant Participant, discovery Discovery, listener Listener, factory security.Factory, logBackend *log.Backend) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		cfg:            cfg,
		log:            logBackend.GetLogger("security"),
		participant:    participant,
		discovery:      discovery,
		listener:       listener,
		factory:        factory,
		remotes:        make(map[rtps.GUID]*remoteParticipant),
		writers:        make(map[rtps.GUID]*writerAssociation),
		readers:        make(map[rtps.GUID]*readerAssociation),
		pending:        newPendingStore(),
		pendingReaders: make(map[rtps.GUID][]pendingReader),
		pendingWriters: make(map[rtps.GUID][]pendingWriter),
	}
	m.messageSeq.Store(1)
	return m
}

// Init builds the plugins and validates the local participant. It returns
// the GUID the participant must adopt. Without an authentication plugin
// security stays inactive and the participant GUID is returned unchanged.
func (m *Manager) Init(props rtps.PropertyPolicy) (rtps.GUID, error) {
	candidate := m.participant.GUID()
	domainID := m.participant.DomainID()

	auth, err := m.factory.NewAuthentication(props)
	if err != nil {
		return rtps.GUIDUnknown, fmt.Errorf("manager: authentication plugin: %w", err)
	}
	if auth == nil {
		m.log.Info("Authentication plugin not configured, security disabled")
		return candidate, nil
	}
	access, err := m.factory.NewAccessControl(props)
	if err != nil {
		return rtps.GUIDUnknown, fmt.Errorf("manager: access control plugin: %w", err)
	}
	crypto, err := m.factory.NewCryptography(props)
	if err != nil {
		closePlugin(access)
		return rtps.GUIDUnknown, fmt.Errorf("manager: cryptography plugin: %w", err)
	}

	var (
		identity    security.Owned[security.IdentityHandle]
		permissions security.Owned[security.PermissionsHandle]
		cryptoH     security.Owned[security.ParticipantCryptoHandle]
	)
	fail := func(op string, err error) (rtps.GUID, error) {
		m.log.Errorf("%s: %v", op, err)
		cryptoH.Release()
		permissions.Release()
		identity.Release()
		closePlugin(access)
		return rtps.GUIDUnknown, fmt.Errorf("manager: %s: %w", op, err)
	}

	res, idHandle, adjusted, err := auth.ValidateLocalIdentity(candidate, domainID, props)
	if err == nil && res != security.ValidationOK {
		err = fmt.Errorf("unexpected result %v", res)
	}
	if err != nil {
		return fail("validate_local_identity", err)
	}
	identity = security.Own(idHandle, auth.ReturnIdentityHandle)

	identityToken, err := auth.IdentityToken(identity.Get())
	if err != nil {
		return fail("get_identity_token", err)
	}

	var (
		attrs            security.ParticipantSecurityAttributes
		permissionsToken *security.PermissionsToken
	)
	if access != nil {
		perms, err := access.ValidateLocalPermissions(auth, identity.Get(), domainID, props)
		if err != nil {
			return fail("validate_local_permissions", err)
		}
		permissions = security.Own(perms, access.ReturnPermissionsHandle)
		if err := access.CheckCreateParticipant(perms, domainID, props); err != nil {
			return fail("check_create_participant", err)
		}
		if attrs, err = access.ParticipantSecurityAttributes(perms); err != nil {
			return fail("get_participant_sec_attributes", err)
		}
		if permissionsToken, err = access.PermissionsToken(perms); err != nil {
			return fail("get_permissions_token", err)
		}
	}

	if crypto != nil {
		kf := crypto.KeyFactory()
		h, err := kf.RegisterLocalParticipant(identity.Get(), permissions.Get(), props, attrs)
		if err != nil {
			return fail("register_local_participant", err)
		}
		cryptoH = security.Own(h, kf.UnregisterParticipant)
	}

	m.Lock()
	m.active = true
	m.auth = auth
	m.access = access
	m.crypto = crypto
	m.domainID = domainID
	m.localGUID = adjusted
	m.localIdentity = identity
	m.localPermissions = permissions
	m.localCrypto = cryptoH
	m.identityToken = identityToken
	m.permissionsToken = permissionsToken
	m.participantAttrs = attrs
	m.timers = timerqueue.New(m.onResendTimer)
	m.Unlock()

	m.timers.Start()
	m.log.Noticef("Security enabled for participant %v", adjusted)
	return adjusted, nil
}

func closePlugin(p interface{}) {
	if c, ok := p.(io.Closer); ok {
		c.Close()
	}
}

// IsActive reports whether security is enabled.
func (m *Manager) IsActive() bool {
	m.RLock()
	defer m.RUnlock()
	return m.active
}

// LocalGUID returns the adjusted participant GUID.
func (m *Manager) LocalGUID() rtps.GUID {
	m.RLock()
	defer m.RUnlock()
	return m.localGUID
}

// IdentityToken returns the local identity token, or nil when inactive.
func (m *Manager) IdentityToken() *security.IdentityToken {
	m.RLock()
	defer m.RUnlock()
	return m.identityToken
}

// PermissionsToken returns the local permissions token, or nil without
// access control.
func (m *Manager) PermissionsToken() *security.PermissionsToken {
	m.RLock()
	defer m.RUnlock()
	return m.permissionsToken
}

// ParticipantSecurityAttributes returns the local participant attributes.
func (m *Manager) ParticipantSecurityAttributes() security.ParticipantSecurityAttributes {
	m.RLock()
	defer m.RUnlock()
	return m.participantAttrs
}

// BuiltinEndpoints returns the builtin endpoint flags to advertise.
func (m *Manager) BuiltinEndpoints() uint32 {
	m.RLock()
	defer m.RUnlock()
	if !m.active {
		return 0
	}
	flags := rtps.BuiltinParticipantStatelessWriter | rtps.BuiltinParticipantStatelessReader
	if m.crypto != nil {
		flags |= rtps.BuiltinVolatileMessageSecureWriter | rtps.BuiltinVolatileMessageSecureReader
	}
	return flags
}

// CheckGUIDComesFrom reports whether adjusted was derived from original by
// the authentication plugin.
func (m *Manager) CheckGUIDComesFrom(adjusted, original rtps.GUID) bool {
	m.RLock()
	auth := m.auth
	m.RUnlock()
	if auth == nil {
		return adjusted == original
	}
	return auth.CheckGUIDComesFrom(adjusted, original)
}

// CreateEntities creates the builtin security endpoints.
func (m *Manager) CreateEntities() error {
	m.RLock()
	active, withCrypto := m.active, m.crypto != nil
	m.RUnlock()
	if !active {
		return nil
	}

	statelessCfg := EndpointConfig{HistoryDepth: m.cfg.StatelessHistoryDepth}
	sw, err := m.participant.CreateWriter(rtps.EntityIDParticipantStatelessWriter, statelessCfg)
	if err != nil {
		m.log.Errorf("Participant stateless message writer creation failed: %v", err)
		return err
	}
	sr, err := m.participant.CreateReader(rtps.EntityIDParticipantStatelessReader, statelessCfg, m.OnStatelessMessage)
	if err != nil {
		m.log.Errorf("Participant stateless message reader creation failed: %v", err)
		m.participant.DeleteWriter(sw)
		return err
	}
	swGUID := sw.GUID()
	m.Lock()
	m.statelessWriter, m.statelessReader = sw, sr
	m.statelessWriterGUID = swGUID
	m.Unlock()

	if !withCrypto {
		return nil
	}

	attrs := security.EndpointSecurityAttributes{IsSubmessageProtected: true}
	vw, err := m.participant.CreateWriter(rtps.EntityIDVolatileSecureWriter, EndpointConfig{
		Reliable:   true,
		KeepAll:    true,
		Properties: rtps.PropertyPolicy{{Name: security.PropBuiltinEndpointName, Value: security.BuiltinVolatileSecureWriterName}},
	})
	if err == nil {
		err = m.RegisterLocalBuiltinWriter(vw.GUID(), attrs)
		if err != nil {
			m.participant.DeleteWriter(vw)
		}
	}
	if err != nil {
		m.log.Errorf("Participant volatile message secure writer creation failed: %v", err)
		m.deleteEntities()
		return err
	}
	vwGUID := vw.GUID()
	m.Lock()
	m.volatileWriter, m.volatileWriterGUID = vw, vwGUID
	m.Unlock()

	vr, err := m.participant.CreateReader(rtps.EntityIDVolatileSecureReader, EndpointConfig{
		Reliable:   true,
		KeepAll:    true,
		Properties: rtps.PropertyPolicy{{Name: security.PropBuiltinEndpointName, Value: security.BuiltinVolatileSecureReaderName}},
	}, m.OnVolatileMessage)
	if err == nil {
		err = m.RegisterLocalBuiltinReader(vr.GUID(), attrs)
		if err != nil {
			m.participant.DeleteReader(vr)
		}
	}
	if err != nil {
		m.log.Errorf("Participant volatile message secure reader creation failed: %v", err)
		m.deleteEntities()
		return err
	}
	vrGUID := vr.GUID()
	m.Lock()
	m.volatileReader, m.volatileReaderGUID = vr, vrGUID
	m.Unlock()
	return nil
}

func (m *Manager) deleteEntities() {
	m.Lock()
	sw, sr, vw, vr := m.statelessWriter, m.statelessReader, m.volatileWriter, m.volatileReader
	m.statelessWriter, m.statelessReader, m.volatileWriter, m.volatileReader = nil, nil, nil, nil
	m.Unlock()

	if vr != nil {
		m.UnregisterLocalReader(vr.GUID())
		m.participant.DeleteReader(vr)
	}
	if vw != nil {
		m.UnregisterLocalWriter(vw.GUID())
		m.participant.DeleteWriter(vw)
	}
	if sr != nil {
		m.participant.DeleteReader(sr)
	}
	if sw != nil {
		m.participant.DeleteWriter(sw)
	}
}

// Destroy stops the resend timers, returns every handle to its plugin and
// deletes the builtin endpoints.
func (m *Manager) Destroy() {
	m.Lock()
	if !m.active {
		m.Unlock()
		return
	}
	m.active = false
	timers := m.timers
	m.Unlock()

	timers.Halt()

	m.Lock()
	for guid, a := range m.writers {
		m.logErrors("unregister_datawriter", a.release())
		delete(m.writers, guid)
	}
	for guid, a := range m.readers {
		m.logErrors("unregister_datareader", a.release())
		delete(m.readers, guid)
	}
	for guid, rec := range m.remotes {
		m.releaseRemote(rec)
		delete(m.remotes, guid)
	}
	m.pending = newPendingStore()
	clear(m.pendingReaders)
	clear(m.pendingWriters)

	m.logErrors("unregister_participant", []error{m.localCrypto.Release()})
	m.logErrors("return_permissions_handle", []error{m.localPermissions.Release()})
	m.logErrors("return_identity_handle", []error{m.localIdentity.Release()})
	access := m.access
	m.Unlock()

	closePlugin(access)
	m.deleteEntities()
}

// releaseRemote returns the handles of a participant record in handshake,
// identity, permissions, crypto, secret order.
func (m *Manager) releaseRemote(rec *remoteParticipant) {
	if rec.auth != nil {
		m.logErrors("return_handshake_handle", []error{rec.auth.handshake.Release()})
	}
	m.logErrors("return_identity_handle", []error{rec.identity.Release()})
	m.logErrors("return_permissions_handle", []error{rec.permissions.Release()})
	m.logErrors("unregister_participant", []error{rec.crypto.Release()})
	m.logErrors("return_sharedsecret_handle", []error{rec.secret.Release()})
}

func (m *Manager) logErrors(op string, errs []error) {
	for _, err := range errs {
		if err != nil {
			m.log.Errorf("%s: %v", op, err)
		}
	}
}
