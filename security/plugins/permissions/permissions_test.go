// SPDX-FileCopyrightText: Copyright (C) 2026 The rtps authors
// SPDX-License-Identifier: AGPL-3.0-only

package permissions

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rtpsgo/rtps/core/log"
	"github.com/rtpsgo/rtps/rtps"
	"github.com/rtpsgo/rtps/security"
	"github.com/rtpsgo/rtps/security/plugins/pkidh"
)

func newLocal(t *testing.T) (*pkidh.Plugin, security.IdentityHandle, []byte) {
	require := require.New(t)

	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(err)
	auth := pkidh.New(logBackend)
	_, h, _, err := auth.ValidateLocalIdentity(rtps.GUID{Entity: rtps.EntityIDParticipant}, 0, nil)
	require.NoError(err)
	tok, err := auth.IdentityToken(h)
	require.NoError(err)
	key, ok := tok.Binary(pkidh.PropIdentity)
	require.True(ok)
	return auth, h, key
}

func TestDBPersistence(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	f := filepath.Join(t.TempDir(), "permissions.db")
	d, err := Open(f)
	require.NoError(err)

	g := Grant{Domains: []uint32{0, 7}, RTPSProtection: true}
	require.NoError(d.Put("alice", g))
	_, err = d.Lookup("bob")
	require.ErrorIs(err, ErrNoSuchSubject)
	require.NoError(d.Close())

	d, err = Open(f)
	require.NoError(err)
	got, err := d.Lookup("alice")
	require.NoError(err)
	require.Equal(g, got)
	require.Equal([]string{"alice"}, d.Subjects())

	require.NoError(d.Remove("alice"))
	require.ErrorIs(d.Remove("alice"), ErrNoSuchSubject)
	require.NoError(d.Close())
}

func TestDBTrustOnFirstUse(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	def := Grant{DiscoveryProtection: true}
	d, err := Open(filepath.Join(t.TempDir(), "tofu.db"), WithTrustOnFirstUse(def))
	require.NoError(err)
	defer d.Close()

	got, err := d.Lookup("carol")
	require.NoError(err)
	require.Equal(def, got)
	require.Equal([]string{"carol"}, d.Subjects())
}

func TestLocalPermissions(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	auth, identity, key := newLocal(t)
	d, err := Open(filepath.Join(t.TempDir(), "local.db"))
	require.NoError(err)
	defer d.Close()

	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(err)
	p := New(logBackend, d)

	_, err = p.ValidateLocalPermissions(auth, identity, 3, nil)
	require.ErrorIs(err, ErrNoSuchSubject)

	require.NoError(d.Put(Subject(key), Grant{Domains: []uint32{3}, RTPSProtection: true}))
	perms, err := p.ValidateLocalPermissions(auth, identity, 3, nil)
	require.NoError(err)
	require.NoError(p.CheckCreateParticipant(perms, 3, nil))
	require.Error(p.CheckCreateParticipant(perms, 4, nil))

	attrs, err := p.ParticipantSecurityAttributes(perms)
	require.NoError(err)
	require.True(attrs.IsAccessProtected)
	require.True(attrs.IsRTPSProtected)
	require.False(attrs.IsDiscoveryProtected)

	tok, err := p.PermissionsToken(perms)
	require.NoError(err)
	require.Equal(ClassID, tok.ClassID)

	require.Equal(1, p.Outstanding())
	require.NoError(p.ReturnPermissionsHandle(perms))
	require.Zero(p.Outstanding())
	require.ErrorIs(p.ReturnPermissionsHandle(perms), security.ErrInvalidHandle)
}

func TestRemotePermissions(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	auth, identity, _ := newLocal(t)
	_, _, remoteKey := newLocal(t)

	d, err := Open(filepath.Join(t.TempDir(), "remote.db"), WithTrustOnFirstUse(Grant{Domains: []uint32{1}}))
	require.NoError(err)
	defer d.Close()
	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(err)
	p := New(logBackend, d)

	cred := &security.AuthenticatedPeerCredentialToken{}
	cred.SetBinary(pkidh.PropIdentity, remoteKey)

	_, err = p.ValidateRemotePermissions(auth, identity, nil, nil, nil)
	require.ErrorIs(err, security.ErrInvalidToken)

	lying := &security.PermissionsToken{
		ClassID:    ClassID,
		Properties: rtps.PropertyPolicy{{Name: propSubject, Value: "someone else", Propagate: true}},
	}
	_, err = p.ValidateRemotePermissions(auth, identity, nil, lying, cred)
	require.ErrorIs(err, security.ErrInvalidToken)

	honest := &security.PermissionsToken{
		ClassID:    ClassID,
		Properties: rtps.PropertyPolicy{{Name: propSubject, Value: Subject(remoteKey), Propagate: true}},
	}
	perms, err := p.ValidateRemotePermissions(auth, identity, nil, honest, cred)
	require.NoError(err)

	pdata := &rtps.ParticipantProxyData{DomainID: 1}
	require.NoError(p.CheckRemoteParticipant(perms, 1, pdata))
	require.Error(p.CheckRemoteParticipant(perms, 2, pdata))
	require.NoError(p.ReturnPermissionsHandle(perms))
}

func TestNewFromFile(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(err)
	f := filepath.Join(t.TempDir(), "owned.db")
	p, err := NewFromFile(logBackend, f)
	require.NoError(err)
	require.NoError(p.Close())

	// The file is released and may be opened again.
	d, err := Open(f)
	require.NoError(err)
	require.NoError(d.Close())
}
