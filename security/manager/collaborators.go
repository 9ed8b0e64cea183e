// SPDX-FileCopyrightText: Copyright (C) 2026 The rtps authors
// SPDX-License-Identifier: AGPL-3.0-only

package manager

import (
	"github.com/rtpsgo/rtps/rtps"
)

// EndpointConfig describes a builtin endpoint created by the manager.
type EndpointConfig struct {
	Reliable     bool
	KeepAll      bool
	HistoryDepth int
	Properties   rtps.PropertyPolicy
}

// ChangeListener is invoked for every change received by a builtin reader.
// The listener gives the change back with BuiltinReader.ReleaseChange.
type ChangeListener func(change *rtps.CacheChange)

// Participant is the local RTPS participant owning the builtin endpoints.
type Participant interface {
	GUID() rtps.GUID
	DomainID() uint32
	CreateWriter(entity rtps.EntityID, cfg EndpointConfig) (BuiltinWriter, error)
	CreateReader(entity rtps.EntityID, cfg EndpointConfig, listener ChangeListener) (BuiltinReader, error)
	DeleteWriter(BuiltinWriter)
	DeleteReader(BuiltinReader)
}

// BuiltinWriter is a writer with its history.
type BuiltinWriter interface {
	GUID() rtps.GUID

	// NewChange takes a change with a payload of size bytes from the
	// writer's pool.
	NewChange(size int) (*rtps.CacheChange, error)

	// AddChange assigns the next sequence number to change and publishes it.
	AddChange(change *rtps.CacheChange) error

	// RemoveChange drops the change with sequence number seq from the
	// history and returns it to the pool.
	RemoveChange(seq rtps.SequenceNumber) bool

	// ReleaseChange returns a change that was never added.
	ReleaseChange(change *rtps.CacheChange)

	MatchedReaderAdd(rdata *rtps.ReaderProxyData) error
	MatchedReaderRemove(guid rtps.GUID)
}

// BuiltinReader is a reader delivering changes to a ChangeListener.
type BuiltinReader interface {
	GUID() rtps.GUID
	MatchedWriterAdd(wdata *rtps.WriterProxyData) error
	MatchedWriterRemove(guid rtps.GUID)
	ReleaseChange(change *rtps.CacheChange)
}

// Discovery is the endpoint discovery layer.
type Discovery interface {
	// ParticipantAuthorized lets discovery proceed with a participant that
	// passed authentication.
	ParticipantAuthorized(pdata *rtps.ParticipantProxyData)

	// PairRemoteReader matches a remote reader once its keys are in place.
	PairRemoteReader(localWriter, remoteParticipant rtps.GUID, rdata *rtps.ReaderProxyData)

	// PairRemoteWriter matches a remote writer once its keys are in place.
	PairRemoteWriter(localReader, remoteParticipant rtps.GUID, wdata *rtps.WriterProxyData)
}

// AuthenticationStatus is reported to the Listener.
type AuthenticationStatus int

const (
	// Authorized is reported when a participant completes authentication.
	Authorized AuthenticationStatus = iota

	// Unauthorized is reported when a participant fails authentication.
	Unauthorized
)

func (s AuthenticationStatus) String() string {
	if s == Authorized {
		return "authorized"
	}
	return "unauthorized"
}

// Listener receives authentication events.
type Listener interface {
	OnParticipantAuthentication(guid rtps.GUID, status AuthenticationStatus)
}
