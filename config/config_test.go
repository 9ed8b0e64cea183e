// SPDX-FileCopyrightText: Copyright (C) 2026 The rtps authors
// SPDX-License-Identifier: AGPL-3.0-only

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rtpsgo/rtps/flowcontrol"
	"github.com/rtpsgo/rtps/security"
	"github.com/rtpsgo/rtps/security/plugins/aead"
	"github.com/rtpsgo/rtps/security/plugins/permissions"
	"github.com/rtpsgo/rtps/security/plugins/pkidh"
)

const basicConfig = `# A basic configuration example.
[Logging]
Level = "debug"

[Participant]
DomainID = 7
GUIDPrefix = "0102030405060708090a0b0c"
HandshakeResendPeriod = 100

[Security]
Authentication = "builtin.PKI-DH"
AccessControl = "builtin.Access-Permissions"
Cryptography = "builtin.CHACHA20-POLY1305"
DataDir = "/var/lib/rtps"
TrustOnFirstUse = true

[Security.Properties]
"rtps.participant.rtps_protection_kind" = "ENCRYPT"

[[FlowController]]
Name = "limited"
Scheduler = "priority_with_reservation"
MaxBytesPerPeriod = 102000
Period = 10

[[FlowController]]
Name = "sync"
PublishMode = "SYNC"

[Metrics]
Address = "127.0.0.1:9477"
`

func TestConfig(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	_, err := Load(nil)
	require.Error(err, "Load() with nil config")

	cfg, err := Load([]byte(basicConfig))
	require.NoError(err, "Load() with basic config")

	require.Equal("DEBUG", cfg.Logging.Level)
	require.EqualValues(7, cfg.Participant.DomainID)
	guid, err := cfg.Participant.GUID()
	require.NoError(err)
	require.Equal(byte(0x0c), guid.Prefix[11])

	mcfg := cfg.Participant.ManagerConfig()
	require.Equal(100*time.Millisecond, mcfg.HandshakeResendPeriod)
	require.Equal(10*time.Second, mcfg.HandshakeResendMaxPeriod)
	require.Equal(defaultHandshakeResendGain, mcfg.HandshakeResendGain)

	require.Equal("/var/lib/rtps/permissions.db", cfg.Security.PermissionsDB)
	props := cfg.Security.PropertyPolicy()
	for k, want := range map[string]string{
		security.PropAuthPlugin:                 pkidh.PluginName,
		security.PropAccessPlugin:               permissions.PluginName,
		security.PropCryptoPlugin:               aead.PluginName,
		permissions.PropDatabase:                "/var/lib/rtps/permissions.db",
		permissions.PropTrustOnFirstUse:         "true",
		"rtps.participant.rtps_protection_kind": "ENCRYPT",
	} {
		v, ok := props.Find(k)
		require.True(ok, k)
		require.Equal(want, v, k)
	}

	require.Len(cfg.FlowController, 2)
	desc, err := cfg.FlowControllerByName("limited").Descriptor()
	require.NoError(err)
	require.Equal(flowcontrol.Descriptor{
		Name:              "limited",
		Scheduler:         flowcontrol.PriorityWithReservation,
		Mode:              flowcontrol.LimitedAsync,
		MaxBytesPerPeriod: 102000,
		Period:            10 * time.Millisecond,
	}, desc)
	desc, err = cfg.FlowControllerByName("sync").Descriptor()
	require.NoError(err)
	require.Equal(flowcontrol.Sync, desc.Mode)
	require.Equal(flowcontrol.FIFO, desc.Scheduler)
	require.Equal(100*time.Millisecond, desc.Period)
	require.Nil(cfg.FlowControllerByName("missing"))

	require.Equal("127.0.0.1:9477", cfg.Metrics.Address)
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	cfg, err := Load([]byte("[Participant]\n"))
	require.NoError(err)
	require.Equal(defaultLogLevel, cfg.Logging.Level)
	require.False(cfg.Security.Enabled())
	require.Empty(cfg.Security.PropertyPolicy())
	require.Empty(cfg.Metrics.Address)
	require.Equal(defaultStatelessHistoryDepth, cfg.Participant.StatelessHistoryDepth)

	a, err := cfg.Participant.GUID()
	require.NoError(err)
	b, err := cfg.Participant.GUID()
	require.NoError(err)
	require.NotEqual(a, b, "random prefixes")
}

func TestConfigInvalid(t *testing.T) {
	t.Parallel()

	for name, body := range map[string]string{
		"no participant":      "[Logging]\nLevel = \"DEBUG\"\n",
		"log level":           "[Participant]\n[Logging]\nLevel = \"LOUD\"\n",
		"guid prefix":         "[Participant]\nGUIDPrefix = \"0102\"\n",
		"unknown key":         "[Participant]\nColor = \"blue\"\n",
		"unknown auth":        "[Participant]\n[Security]\nAuthentication = \"builtin.PKI-RSA\"\n",
		"crypto without auth": "[Participant]\n[Security]\nCryptography = \"builtin.CHACHA20-POLY1305\"\n",
		"relative db": "[Participant]\n[Security]\nAuthentication = \"builtin.PKI-DH\"\n" +
			"AccessControl = \"builtin.Access-Permissions\"\nPermissionsDB = \"perm.db\"\n",
		"flow name":      "[Participant]\n[[FlowController]]\nScheduler = \"FIFO\"\n",
		"flow scheduler": "[Participant]\n[[FlowController]]\nName = \"a\"\nScheduler = \"LIFO\"\n",
		"flow budget":    "[Participant]\n[[FlowController]]\nName = \"a\"\nPublishMode = \"LIMITED_ASYNC\"\n",
		"flow twice":     "[Participant]\n[[FlowController]]\nName = \"a\"\n[[FlowController]]\nName = \"a\"\n",
	} {
		_, err := Load([]byte(body))
		require.Error(t, err, name)
	}
}

func TestLoadFile(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(err)

	f := filepath.Join(t.TempDir(), "rtps.toml")
	require.NoError(os.WriteFile(f, []byte(basicConfig), 0600))
	cfg, err := LoadFile(f)
	require.NoError(err)
	require.True(cfg.Security.Enabled())
}
