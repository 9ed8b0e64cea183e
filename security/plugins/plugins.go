// SPDX-FileCopyrightText: Copyright (C) 2026 The rtps authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package plugins builds the builtin security plugins selected by
// participant properties.
package plugins

import (
	"fmt"
	"strings"

	"github.com/rtpsgo/rtps/core/log"
	"github.com/rtpsgo/rtps/rtps"
	"github.com/rtpsgo/rtps/security"
	"github.com/rtpsgo/rtps/security/plugins/aead"
	"github.com/rtpsgo/rtps/security/plugins/permissions"
	"github.com/rtpsgo/rtps/security/plugins/pkidh"
)

// Factory implements security.Factory over the builtin plugins.
type Factory struct {
	logBackend *log.Backend
}

// NewFactory returns a Factory whose plugins log through logBackend.
func NewFactory(logBackend *log.Backend) *Factory {
	return &Factory{logBackend: logBackend}
}

// NewAuthentication implements security.Factory.
func (f *Factory) NewAuthentication(props rtps.PropertyPolicy) (security.Authentication, error) {
	name, ok := props.Find(security.PropAuthPlugin)
	if !ok || name != pkidh.PluginName {
		return nil, nil
	}
	return pkidh.New(f.logBackend), nil
}

// NewAccessControl implements security.Factory. The returned plugin owns
// its database and must be closed.
func (f *Factory) NewAccessControl(props rtps.PropertyPolicy) (security.AccessControl, error) {
	name, ok := props.Find(security.PropAccessPlugin)
	if !ok || name != permissions.PluginName {
		return nil, nil
	}
	path, ok := props.Find(permissions.PropDatabase)
	if !ok || path == "" {
		return nil, fmt.Errorf("plugins: %s requires %s", permissions.PluginName, permissions.PropDatabase)
	}

	var opts []permissions.DBOption
	if v, ok := props.Find(permissions.PropTrustOnFirstUse); ok && strings.EqualFold(v, "true") {
		opts = append(opts, permissions.WithTrustOnFirstUse(permissions.Grant{}))
	}
	p, err := permissions.NewFromFile(f.logBackend, path, opts...)
	if err != nil {
		return nil, fmt.Errorf("plugins: opening permissions database: %w", err)
	}
	return p, nil
}

// NewCryptography implements security.Factory.
func (f *Factory) NewCryptography(props rtps.PropertyPolicy) (security.Cryptography, error) {
	name, ok := props.Find(security.PropCryptoPlugin)
	if !ok || name != aead.PluginName {
		return nil, nil
	}
	return aead.New(f.logBackend), nil
}
