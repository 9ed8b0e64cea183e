// SPDX-FileCopyrightText: Copyright (C) 2026 The rtps authors
// SPDX-License-Identifier: AGPL-3.0-only

package plugins

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rtpsgo/rtps/core/log"
	"github.com/rtpsgo/rtps/rtps"
	"github.com/rtpsgo/rtps/security"
	"github.com/rtpsgo/rtps/security/plugins/aead"
	"github.com/rtpsgo/rtps/security/plugins/permissions"
	"github.com/rtpsgo/rtps/security/plugins/pkidh"
)

func TestFactoryUnconfigured(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(err)
	f := NewFactory(logBackend)

	props := rtps.PropertyPolicy{{Name: security.PropAuthPlugin, Value: "builtin.Unknown"}}
	auth, err := f.NewAuthentication(props)
	require.NoError(err)
	require.Nil(auth)
	access, err := f.NewAccessControl(nil)
	require.NoError(err)
	require.Nil(access)
	crypto, err := f.NewCryptography(nil)
	require.NoError(err)
	require.Nil(crypto)
}

func TestFactoryBuiltins(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(err)
	f := NewFactory(logBackend)

	props := rtps.PropertyPolicy{
		{Name: security.PropAuthPlugin, Value: pkidh.PluginName},
		{Name: security.PropAccessPlugin, Value: permissions.PluginName},
		{Name: security.PropCryptoPlugin, Value: aead.PluginName},
	}

	auth, err := f.NewAuthentication(props)
	require.NoError(err)
	require.IsType(&pkidh.Plugin{}, auth)

	_, err = f.NewAccessControl(props)
	require.Error(err)

	props = append(props,
		rtps.Property{Name: permissions.PropDatabase, Value: filepath.Join(t.TempDir(), "perm.db")},
		rtps.Property{Name: permissions.PropTrustOnFirstUse, Value: "true"},
	)
	access, err := f.NewAccessControl(props)
	require.NoError(err)
	require.IsType(&permissions.Plugin{}, access)
	require.NoError(access.(io.Closer).Close())

	crypto, err := f.NewCryptography(props)
	require.NoError(err)
	require.IsType(&aead.Plugin{}, crypto)
}
