// SPDX-FileCopyrightText: Copyright (C) 2026 The rtps authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package permissions is the builtin access control plugin. Grants are kept
// in a bbolt database keyed by the hash of each participant's identity key.
package permissions

import (
	"encoding/hex"
	"sync"

	"github.com/katzenpost/hpqc/hash"
	"gopkg.in/op/go-logging.v1"

	"github.com/rtpsgo/rtps/core/log"
	"github.com/rtpsgo/rtps/rtps"
	"github.com/rtpsgo/rtps/security"
	"github.com/rtpsgo/rtps/security/plugins/pkidh"
)

const (
	// PluginName selects this plugin through security.PropAccessPlugin.
	PluginName = "builtin.Access-Permissions"

	// ClassID is the class of the permissions token.
	ClassID = "DDS:Access:Permissions:1.0+bolt"

	// PropDatabase is the path of the permissions database.
	PropDatabase = "dds.sec.access.builtin.Access-Permissions.db"

	// PropTrustOnFirstUse enables trust on first use when "true".
	PropTrustOnFirstUse = "dds.sec.access.builtin.Access-Permissions.trust_on_first_use"

	propSubject = "dds.perm.subject"
)

type permissions struct {
	security.PermissionsHandleBase

	subject string
	grant   Grant
}

// Plugin implements security.AccessControl.
type Plugin struct {
	sync.Mutex

	log    *logging.Logger
	db     *DB
	ownsDB bool

	handles map[*permissions]struct{}
}

// New creates the plugin over db. The caller keeps ownership of db.
func New(logBackend *log.Backend, db *DB) *Plugin {
	return &Plugin{
		log:     logBackend.GetLogger("permissions"),
		db:      db,
		handles: make(map[*permissions]struct{}),
	}
}

// NewFromFile opens the database at path and creates a plugin that closes
// it on Close.
func NewFromFile(logBackend *log.Backend, path string, opts ...DBOption) (*Plugin, error) {
	db, err := Open(path, opts...)
	if err != nil {
		return nil, err
	}
	p := New(logBackend, db)
	p.ownsDB = true
	return p, nil
}

// Close releases the database if the plugin opened it.
func (p *Plugin) Close() error {
	if !p.ownsDB {
		return nil
	}
	return p.db.Close()
}

// Subject returns the database key for an identity public key.
func Subject(identityKey []byte) string {
	h := hash.Sum256(identityKey)
	return hex.EncodeToString(h[:])
}

// Outstanding returns the number of handles not yet returned.
func (p *Plugin) Outstanding() int {
	p.Lock()
	defer p.Unlock()
	return len(p.handles)
}

func (p *Plugin) newHandle(subject string, op string) (*permissions, error) {
	g, err := p.db.Lookup(subject)
	if err != nil {
		return nil, security.NewError(op, err, "subject %s", subject)
	}
	h := &permissions{subject: subject, grant: g}
	p.Lock()
	p.handles[h] = struct{}{}
	p.Unlock()
	return h, nil
}

func (p *Plugin) lookup(h security.PermissionsHandle) (*permissions, error) {
	perms, ok := h.(*permissions)
	if !ok {
		return nil, security.ErrInvalidHandle
	}
	p.Lock()
	defer p.Unlock()
	if _, ok := p.handles[perms]; !ok {
		return nil, security.ErrInvalidHandle
	}
	return perms, nil
}

// ValidateLocalPermissions implements security.AccessControl.
func (p *Plugin) ValidateLocalPermissions(auth security.Authentication, identity security.IdentityHandle, domainID uint32, props rtps.PropertyPolicy) (security.PermissionsHandle, error) {
	const op = "validate_local_permissions"

	tok, err := auth.IdentityToken(identity)
	if err != nil {
		return nil, security.NewError(op, err, "no identity token")
	}
	key, ok := tok.Binary(pkidh.PropIdentity)
	if !ok {
		return nil, security.NewError(op, security.ErrInvalidToken, "identity token without key")
	}
	h, err := p.newHandle(Subject(key), op)
	if err != nil {
		return nil, err
	}
	p.log.Debugf("Local permissions for %s in domain %d: %+v", h.subject, domainID, h.grant)
	return h, nil
}

// CheckCreateParticipant implements security.AccessControl.
func (p *Plugin) CheckCreateParticipant(perms security.PermissionsHandle, domainID uint32, props rtps.PropertyPolicy) error {
	h, err := p.lookup(perms)
	if err != nil {
		return security.NewError("check_create_participant", err, "unknown permissions")
	}
	if !h.grant.AllowsDomain(domainID) {
		return security.NewError("check_create_participant", nil, "domain %d not granted to %s", domainID, h.subject)
	}
	return nil
}

// ParticipantSecurityAttributes implements security.AccessControl.
func (p *Plugin) ParticipantSecurityAttributes(perms security.PermissionsHandle) (security.ParticipantSecurityAttributes, error) {
	h, err := p.lookup(perms)
	if err != nil {
		return security.ParticipantSecurityAttributes{}, security.NewError("get_participant_sec_attributes", err, "unknown permissions")
	}
	return security.ParticipantSecurityAttributes{
		IsAccessProtected:     true,
		IsRTPSProtected:       h.grant.RTPSProtection,
		IsDiscoveryProtected:  h.grant.DiscoveryProtection,
		IsLivelinessProtected: h.grant.LivelinessProtection,
	}, nil
}

// PermissionsToken implements security.AccessControl.
func (p *Plugin) PermissionsToken(perms security.PermissionsHandle) (*security.PermissionsToken, error) {
	h, err := p.lookup(perms)
	if err != nil {
		return nil, security.NewError("get_permissions_token", err, "unknown permissions")
	}
	return &security.PermissionsToken{
		ClassID:    ClassID,
		Properties: rtps.PropertyPolicy{{Name: propSubject, Value: h.subject, Propagate: true}},
	}, nil
}

// ValidateRemotePermissions implements security.AccessControl.
func (p *Plugin) ValidateRemotePermissions(auth security.Authentication, local, remote security.IdentityHandle, token *security.PermissionsToken, cred *security.AuthenticatedPeerCredentialToken) (security.PermissionsHandle, error) {
	const op = "validate_remote_permissions"

	if cred == nil {
		return nil, security.NewError(op, security.ErrInvalidToken, "no peer credentials")
	}
	key, ok := cred.Binary(pkidh.PropIdentity)
	if !ok {
		return nil, security.NewError(op, security.ErrInvalidToken, "credentials without key")
	}
	subject := Subject(key)
	if token != nil && !token.IsEmpty() {
		if token.ClassID != ClassID {
			return nil, security.NewError(op, security.ErrInvalidToken, "unexpected class %q", token.ClassID)
		}
		if claimed, ok := token.Properties.Find(propSubject); ok && claimed != subject {
			return nil, security.NewError(op, security.ErrInvalidToken, "token subject does not match credentials")
		}
	}
	return p.newHandle(subject, op)
}

// CheckRemoteParticipant implements security.AccessControl.
func (p *Plugin) CheckRemoteParticipant(perms security.PermissionsHandle, domainID uint32, pdata *rtps.ParticipantProxyData) error {
	h, err := p.lookup(perms)
	if err != nil {
		return security.NewError("check_remote_participant", err, "unknown permissions")
	}
	if !h.grant.AllowsDomain(domainID) {
		return security.NewError("check_remote_participant", nil, "domain %d not granted to %v", domainID, pdata.GUID)
	}
	return nil
}

// ReturnPermissionsHandle implements security.AccessControl.
func (p *Plugin) ReturnPermissionsHandle(perms security.PermissionsHandle) error {
	h, ok := perms.(*permissions)
	p.Lock()
	defer p.Unlock()
	if _, live := p.handles[h]; !ok || !live {
		return security.ErrInvalidHandle
	}
	delete(p.handles, h)
	return nil
}
