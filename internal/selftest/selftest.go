// SPDX-FileCopyrightText: Copyright (C) 2026 The rtps authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package selftest runs two in-process participants built from one
// configuration through authentication, token exchange and protected
// delivery over a flow controller.
package selftest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/rtpsgo/rtps/config"
	"github.com/rtpsgo/rtps/core/log"
	"github.com/rtpsgo/rtps/flowcontrol"
	"github.com/rtpsgo/rtps/internal/loopback"
	"github.com/rtpsgo/rtps/rtps"
	"github.com/rtpsgo/rtps/security"
	"github.com/rtpsgo/rtps/security/manager"
	"github.com/rtpsgo/rtps/security/plugins"
)

const pollInterval = 5 * time.Millisecond

var (
	userWriter = rtps.EntityID{0x00, 0x00, 0x01, 0x03}
	userReader = rtps.EntityID{0x00, 0x00, 0x01, 0x04}

	// ErrDataDir is returned when access control is configured without a
	// directory for the per participant permissions databases.
	ErrDataDir = errors.New("selftest: access control requires a data directory")
)

// Options tune a run.
type Options struct {
	// Samples is the number of samples published.
	Samples int

	// SampleSize is the plaintext size of each sample.
	SampleSize int

	// Controller names the flow controller to use. The first configured
	// one is used if empty.
	Controller string

	// DataDir holds the permissions databases.
	DataDir string
}

// Report describes a successful run.
type Report struct {
	Writer     rtps.GUID
	Reader     rtps.GUID
	Protected  bool
	Controller flowcontrol.Descriptor
	Delivered  int
	Bytes      int
	Elapsed    time.Duration
}

// Run executes the self test, giving up when ctx is done.
func Run(ctx context.Context, cfg *config.Config, logBackend *log.Backend, opts Options) (*Report, error) {
	l := logBackend.GetLogger("selftest")
	if opts.Samples <= 0 {
		opts.Samples = 1
	}
	if opts.SampleSize <= 0 {
		opts.SampleSize = 64
	}

	desc, err := controllerDescriptor(cfg, opts.Controller)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	bus := loopback.NewBus(logBackend)
	a, err := newNode(cfg, bus, logBackend, opts.DataDir, 0)
	if err != nil {
		return nil, err
	}
	defer a.Close()
	b, err := newNode(cfg, bus, logBackend, opts.DataDir, 1)
	if err != nil {
		return nil, err
	}
	defer b.Close()
	l.Noticef("Participants %v and %v created (security active: %v).", a.GUID(), b.GUID(), a.Security.IsActive())

	if err := a.Discover(b); err != nil {
		return nil, err
	}
	if err := b.Discover(a); err != nil {
		return nil, err
	}
	if err := waitFor(ctx, "authentication", func() (bool, error) {
		for _, pair := range [][2]*loopback.Node{{a, b}, {b, a}} {
			if s, ok := pair[0].AuthenticationStatus(pair[1].GUID()); ok && s == manager.Unauthorized {
				return false, fmt.Errorf("selftest: %v rejected %v", pair[0].GUID(), pair[1].GUID())
			}
		}
		return contains(a.Authorized(), b.GUID()) && contains(b.Authorized(), a.GUID()), nil
	}); err != nil {
		return nil, err
	}
	l.Noticef("Participants authorized each other.")

	var props rtps.PropertyPolicy
	protected := a.Security.IsActive() && cfg.Security.Cryptography != ""
	if protected {
		props.Set(security.PropSubmessageProtectionKind, security.ProtectionKindEncrypt)
		props.Set(security.PropPayloadProtectionKind, security.ProtectionKindEncrypt)
	}

	samples := make(chan []byte, opts.Samples)
	w, r, err := endpoints(ctx, a, b, props, samples, l)
	if err != nil {
		return nil, err
	}

	fc, err := flowcontrol.New(desc, logBackend)
	if err != nil {
		return nil, err
	}
	defer fc.Halt()
	if err := fc.RegisterWriter(w); err != nil {
		return nil, err
	}
	fc.Start()

	sent := make([][]byte, 0, opts.Samples)
	total := 0
	for i := 0; i < opts.Samples; i++ {
		plain := samplePayload(i, opts.SampleSize)
		payload := plain
		if protected {
			if payload, err = a.Security.EncodeSerializedPayload(plain, w.GUID()); err != nil {
				return nil, fmt.Errorf("selftest: protecting sample %d: %w", i, err)
			}
		}
		if len(payload) > fc.MaxPayload() {
			return nil, fmt.Errorf("selftest: sample of %d bytes exceeds controller '%v' budget", len(payload), desc.Name)
		}
		change, err := w.NewChange(len(payload))
		if err != nil {
			return nil, err
		}
		copy(change.Payload, payload)
		if !fc.AddNewSample(w, change, time.Time{}) {
			return nil, fmt.Errorf("selftest: controller '%v' refused sample %d", desc.Name, i)
		}
		sent = append(sent, plain)
		total += len(payload)
	}

	for i, want := range sent {
		select {
		case got := <-samples:
			if !bytes.Equal(got, want) {
				return nil, fmt.Errorf("selftest: sample %d corrupted", i)
			}
		case <-ctx.Done():
			return nil, fmt.Errorf("selftest: waiting for sample %d: %w", i, ctx.Err())
		}
	}
	l.Noticef("Received %d samples.", len(sent))

	return &Report{
		Writer:     w.GUID(),
		Reader:     r.GUID(),
		Protected:  protected,
		Controller: desc,
		Delivered:  len(sent),
		Bytes:      total,
		Elapsed:    time.Since(start),
	}, nil
}

func controllerDescriptor(cfg *config.Config, name string) (flowcontrol.Descriptor, error) {
	if name == "" {
		if len(cfg.FlowController) == 0 {
			return flowcontrol.Descriptor{Name: "selftest", Mode: flowcontrol.Async}, nil
		}
		return cfg.FlowController[0].Descriptor()
	}
	fcCfg := cfg.FlowControllerByName(name)
	if fcCfg == nil {
		return flowcontrol.Descriptor{}, fmt.Errorf("selftest: no flow controller named '%v'", name)
	}
	return fcCfg.Descriptor()
}

// newNode builds participant i. Only the first one uses the configured
// identity and GUID prefix. Each gets its own permissions database that
// trusts the other on first use.
func newNode(cfg *config.Config, bus *loopback.Bus, logBackend *log.Backend, dataDir string, i int) (*loopback.Node, error) {
	sec := *cfg.Security
	pcfg := *cfg.Participant
	if i > 0 {
		sec.PrivateKey = ""
		pcfg.GUIDPrefix = ""
	}
	if sec.AccessControl != "" {
		if dataDir == "" {
			return nil, ErrDataDir
		}
		sec.PermissionsDB = filepath.Join(dataDir, fmt.Sprintf("selftest-%d.db", i))
		sec.TrustOnFirstUse = true
	}

	guid, err := pcfg.GUID()
	if err != nil {
		return nil, err
	}
	return bus.NewNode(guid, pcfg.DomainID, pcfg.ManagerConfig(), plugins.NewFactory(logBackend), sec.PropertyPolicy())
}

func endpoints(ctx context.Context, a, b *loopback.Node, props rtps.PropertyPolicy, samples chan<- []byte, l *logging.Logger) (*loopback.Writer, *loopback.Reader, error) {
	epCfg := manager.EndpointConfig{Reliable: true, KeepAll: true, Properties: props}
	w, err := a.NewWriter(userWriter, epCfg)
	if err != nil {
		return nil, nil, err
	}
	wAttrs, err := a.Security.RegisterLocalWriter(w.GUID(), props)
	if err != nil {
		return nil, nil, err
	}

	readerGUID := rtps.GUID{Prefix: b.GUID().Prefix, Entity: userReader}
	var r *loopback.Reader
	r, err = b.NewReader(userReader, epCfg, func(change *rtps.CacheChange) {
		defer r.ReleaseChange(change)
		plain, err := b.Security.DecodeSerializedPayload(change.Payload, readerGUID, change.WriterGUID)
		switch {
		case errors.Is(err, manager.ErrNotProtected):
			plain = append([]byte(nil), change.Payload...)
		case err != nil:
			l.Errorf("Failed to decode sample %d: %v", change.SequenceNumber, err)
			return
		}
		samples <- plain
	})
	if err != nil {
		return nil, nil, err
	}
	rAttrs, err := b.Security.RegisterLocalReader(r.GUID(), props)
	if err != nil {
		return nil, nil, err
	}

	if err := a.Security.DiscoveredReader(w.GUID(), b.GUID(), &rtps.ReaderProxyData{GUID: r.GUID(), SecurityAttributes: rAttrs.Mask()}); err != nil {
		return nil, nil, err
	}
	if err := b.Security.DiscoveredWriter(r.GUID(), a.GUID(), &rtps.WriterProxyData{GUID: w.GUID(), SecurityAttributes: wAttrs.Mask()}); err != nil {
		return nil, nil, err
	}
	err = waitFor(ctx, "endpoint matching", func() (bool, error) {
		return a.IsPaired(w.GUID(), r.GUID()) && b.IsPaired(r.GUID(), w.GUID()), nil
	})
	return w, r, err
}

func waitFor(ctx context.Context, what string, cond func() (bool, error)) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		ok, err := cond()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("selftest: waiting for %v: %w", what, ctx.Err())
		case <-ticker.C:
		}
	}
}

func samplePayload(i, size int) []byte {
	b := make([]byte, size)
	n := copy(b, fmt.Sprintf("sample %d ", i))
	for j := n; j < size; j++ {
		b[j] = byte('a' + (i+j)%26)
	}
	return b
}

func contains(guids []rtps.GUID, guid rtps.GUID) bool {
	for _, g := range guids {
		if g == guid {
			return true
		}
	}
	return false
}
