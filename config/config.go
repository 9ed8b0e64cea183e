// SPDX-FileCopyrightText: Copyright (C) 2026 The rtps authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package config provides the participant configuration.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/katzenpost/hpqc/rand"

	"github.com/rtpsgo/rtps/core/retry"
	"github.com/rtpsgo/rtps/flowcontrol"
	"github.com/rtpsgo/rtps/rtps"
	"github.com/rtpsgo/rtps/security"
	"github.com/rtpsgo/rtps/security/manager"
	"github.com/rtpsgo/rtps/security/plugins/aead"
	"github.com/rtpsgo/rtps/security/plugins/permissions"
	"github.com/rtpsgo/rtps/security/plugins/pkidh"
)

const (
	defaultLogLevel               = "NOTICE"
	defaultHandshakeResendPeriod  = int(retry.DefaultBaseDelay / time.Millisecond)
	defaultHandshakeResendMax     = int(retry.DefaultMaxDelay / time.Millisecond)
	defaultHandshakeResendGain    = retry.DefaultGain
	defaultStatelessHistoryDepth  = manager.DefaultStatelessHistoryDepth
	defaultFlowControllerPeriod   = int(flowcontrol.DefaultPeriod / time.Millisecond)
	defaultFlowControllerSchedule = "FIFO"
	defaultPermissionsDB          = "permissions.db"
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl // Force uppercase.
	return nil
}

// Participant is the local participant configuration.
type Participant struct {
	// DomainID is the DDS domain the participant joins.
	DomainID uint32

	// GUIDPrefix is the hex encoded candidate GUID prefix. A random one is
	// used if omitted. With authentication enabled the prefix is derived
	// from the identity and this only seeds the derivation.
	GUIDPrefix string

	// HandshakeResendPeriod is the delay before the first handshake
	// resend in milliseconds.
	HandshakeResendPeriod int

	// HandshakeResendMaxPeriod caps the resend delay in milliseconds.
	HandshakeResendMaxPeriod int

	// HandshakeResendGain multiplies the resend delay after every attempt.
	HandshakeResendGain float64

	// StatelessHistoryDepth is the history depth of the stateless
	// handshake endpoints.
	StatelessHistoryDepth int
}

func (pCfg *Participant) applyDefaults() {
	if pCfg.HandshakeResendPeriod <= 0 {
		pCfg.HandshakeResendPeriod = defaultHandshakeResendPeriod
	}
	if pCfg.HandshakeResendMaxPeriod < pCfg.HandshakeResendPeriod {
		pCfg.HandshakeResendMaxPeriod = defaultHandshakeResendMax
		if pCfg.HandshakeResendMaxPeriod < pCfg.HandshakeResendPeriod {
			pCfg.HandshakeResendMaxPeriod = pCfg.HandshakeResendPeriod
		}
	}
	if pCfg.HandshakeResendGain < 1 {
		pCfg.HandshakeResendGain = defaultHandshakeResendGain
	}
	if pCfg.StatelessHistoryDepth <= 0 {
		pCfg.StatelessHistoryDepth = defaultStatelessHistoryDepth
	}
}

func (pCfg *Participant) validate() error {
	if pCfg.GUIDPrefix == "" {
		return nil
	}
	if _, err := rtps.ParseGUIDPrefix(pCfg.GUIDPrefix); err != nil {
		return fmt.Errorf("config: Participant: GUIDPrefix '%v' is invalid: %v", pCfg.GUIDPrefix, err)
	}
	return nil
}

// GUID returns the candidate participant GUID.
func (pCfg *Participant) GUID() (rtps.GUID, error) {
	g := rtps.GUID{Entity: rtps.EntityIDParticipant}
	if pCfg.GUIDPrefix == "" {
		if _, err := io.ReadFull(rand.Reader, g.Prefix[:]); err != nil {
			return g, err
		}
		return g, nil
	}
	p, err := rtps.ParseGUIDPrefix(pCfg.GUIDPrefix)
	if err != nil {
		return g, err
	}
	g.Prefix = p
	return g, nil
}

// ManagerConfig returns the security manager configuration.
func (pCfg *Participant) ManagerConfig() manager.Config {
	return manager.Config{
		HandshakeResendPeriod:    time.Duration(pCfg.HandshakeResendPeriod) * time.Millisecond,
		HandshakeResendMaxPeriod: time.Duration(pCfg.HandshakeResendMaxPeriod) * time.Millisecond,
		HandshakeResendGain:      pCfg.HandshakeResendGain,
		StatelessHistoryDepth:    pCfg.StatelessHistoryDepth,
	}
}

// Security selects and configures the builtin security plugins. Security
// is disabled when Authentication is empty.
type Security struct {
	// Authentication is the authentication plugin name.
	Authentication string

	// AccessControl is the access control plugin name, optional.
	AccessControl string

	// Cryptography is the cryptographic plugin name, optional.
	Cryptography string

	// PrivateKey is the hex encoded static identity key. A fresh key is
	// generated at every start if omitted.
	PrivateKey string

	// PermissionsDB is the permissions database path. If left empty it
	// will use `permissions.db` under DataDir.
	PermissionsDB string

	// DataDir is the absolute path to the security state files.
	DataDir string

	// TrustOnFirstUse grants default permissions to unknown subjects.
	TrustOnFirstUse bool

	// Properties are extra properties passed verbatim to the plugins.
	Properties map[string]string
}

// Enabled returns true iff an authentication plugin is configured.
func (sCfg *Security) Enabled() bool {
	return sCfg.Authentication != ""
}

func (sCfg *Security) applyDefaults() {
	if sCfg.AccessControl != "" && sCfg.PermissionsDB == "" && sCfg.DataDir != "" {
		sCfg.PermissionsDB = filepath.Join(sCfg.DataDir, defaultPermissionsDB)
	}
}

func (sCfg *Security) validate() error {
	if !sCfg.Enabled() {
		if sCfg.AccessControl != "" || sCfg.Cryptography != "" {
			return errors.New("config: Security: AccessControl and Cryptography require Authentication")
		}
		return nil
	}
	if sCfg.Authentication != pkidh.PluginName {
		return fmt.Errorf("config: Security: Authentication '%v' is not supported", sCfg.Authentication)
	}
	switch sCfg.Cryptography {
	case "", aead.PluginName:
	default:
		return fmt.Errorf("config: Security: Cryptography '%v' is not supported", sCfg.Cryptography)
	}
	switch sCfg.AccessControl {
	case "":
	case permissions.PluginName:
		if !filepath.IsAbs(sCfg.PermissionsDB) {
			return fmt.Errorf("config: Security: PermissionsDB '%v' is not an absolute path", sCfg.PermissionsDB)
		}
	default:
		return fmt.Errorf("config: Security: AccessControl '%v' is not supported", sCfg.AccessControl)
	}
	if sCfg.DataDir != "" && !filepath.IsAbs(sCfg.DataDir) {
		return fmt.Errorf("config: Security: DataDir '%v' is not an absolute path", sCfg.DataDir)
	}
	return nil
}

// PropertyPolicy renders the participant properties selecting the
// configured plugins.
func (sCfg *Security) PropertyPolicy() rtps.PropertyPolicy {
	var props rtps.PropertyPolicy
	if !sCfg.Enabled() {
		return props
	}
	props.Set(security.PropAuthPlugin, sCfg.Authentication)
	if sCfg.PrivateKey != "" {
		props.Set(pkidh.PropPrivateKey, sCfg.PrivateKey)
	}
	if sCfg.AccessControl != "" {
		props.Set(security.PropAccessPlugin, sCfg.AccessControl)
		props.Set(permissions.PropDatabase, sCfg.PermissionsDB)
		if sCfg.TrustOnFirstUse {
			props.Set(permissions.PropTrustOnFirstUse, "true")
		}
	}
	if sCfg.Cryptography != "" {
		props.Set(security.PropCryptoPlugin, sCfg.Cryptography)
	}
	for k, v := range sCfg.Properties {
		props.Set(k, v)
	}
	return props
}

// FlowController is one named flow controller.
type FlowController struct {
	// Name identifies the controller for writers and metrics.
	Name string

	// Scheduler is FIFO, ROUND_ROBIN, HIGH_PRIORITY or
	// PRIORITY_WITH_RESERVATION.
	Scheduler string

	// PublishMode is ASYNC, SYNC, PURE_SYNC or LIMITED_ASYNC.
	PublishMode string

	// MaxBytesPerPeriod is the LIMITED_ASYNC byte budget.
	MaxBytesPerPeriod int

	// Period is the budget period in milliseconds.
	Period int
}

func (fCfg *FlowController) applyDefaults() {
	if fCfg.Scheduler == "" {
		fCfg.Scheduler = defaultFlowControllerSchedule
	}
	if fCfg.PublishMode == "" {
		if fCfg.MaxBytesPerPeriod > 0 {
			fCfg.PublishMode = flowcontrol.LimitedAsync.String()
		} else {
			fCfg.PublishMode = flowcontrol.Async.String()
		}
	}
	if fCfg.Period <= 0 {
		fCfg.Period = defaultFlowControllerPeriod
	}
}

func (fCfg *FlowController) validate() error {
	if fCfg.Name == "" {
		return errors.New("config: FlowController: Name is not set")
	}
	desc, err := fCfg.Descriptor()
	if err != nil {
		return fmt.Errorf("config: FlowController '%v': %v", fCfg.Name, err)
	}
	if desc.Mode == flowcontrol.LimitedAsync && desc.MaxBytesPerPeriod <= 0 {
		return fmt.Errorf("config: FlowController '%v': MaxBytesPerPeriod is not set", fCfg.Name)
	}
	return nil
}

// Descriptor returns the flow controller descriptor.
func (fCfg *FlowController) Descriptor() (flowcontrol.Descriptor, error) {
	var desc flowcontrol.Descriptor
	sched, err := flowcontrol.ParseSchedulerPolicy(fCfg.Scheduler)
	if err != nil {
		return desc, err
	}
	mode, err := flowcontrol.ParsePublishMode(fCfg.PublishMode)
	if err != nil {
		return desc, err
	}
	return flowcontrol.Descriptor{
		Name:              fCfg.Name,
		Scheduler:         sched,
		Mode:              mode,
		MaxBytesPerPeriod: fCfg.MaxBytesPerPeriod,
		Period:            time.Duration(fCfg.Period) * time.Millisecond,
	}, nil
}

// Metrics is the Prometheus exporter configuration.
type Metrics struct {
	// Address is the listen address of the /metrics endpoint. The exporter
	// is disabled if omitted.
	Address string
}

// Config is the top level configuration.
type Config struct {
	Logging        *Logging
	Participant    *Participant
	Security       *Security
	FlowController []*FlowController
	Metrics        *Metrics
}

// FlowControllerByName returns the named flow controller, or nil.
func (cfg *Config) FlowControllerByName(name string) *FlowController {
	for _, v := range cfg.FlowController {
		if v.Name == name {
			return v
		}
	}
	return nil
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration.  Most people should call one of the Load variants
// instead.
func (cfg *Config) FixupAndValidate() error {
	// The Participant section is mandatory, everything else is optional.
	if cfg.Participant == nil {
		return errors.New("config: No Participant block was present")
	}
	if cfg.Logging == nil {
		l := defaultLogging
		cfg.Logging = &l
	}
	if cfg.Security == nil {
		cfg.Security = &Security{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &Metrics{}
	}

	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	cfg.Participant.applyDefaults()
	if err := cfg.Participant.validate(); err != nil {
		return err
	}
	cfg.Security.applyDefaults()
	if err := cfg.Security.validate(); err != nil {
		return err
	}

	names := make(map[string]bool)
	for _, v := range cfg.FlowController {
		if v == nil {
			return errors.New("config: FlowController block is empty")
		}
		v.applyDefaults()
		if err := v.validate(); err != nil {
			return err
		}
		if names[v.Name] {
			return fmt.Errorf("config: FlowController '%v' is defined twice", v.Name)
		}
		names[v.Name] = true
	}
	return nil
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
