// SPDX-FileCopyrightText: Copyright (C) 2026 The rtps authors
// SPDX-License-Identifier: AGPL-3.0-only

package security

import (
	"fmt"

	"github.com/rtpsgo/rtps/rtps"
	"github.com/rtpsgo/rtps/rtps/cdr"
)

// Message class ids carried by the builtin security topics.
const (
	ClassIDAuth                    = "dds.sec.auth"
	ClassIDParticipantCryptoTokens = "dds.sec.participant_crypto_tokens"
	ClassIDWriterCryptoTokens      = "dds.sec.datawriter_crypto_tokens"
	ClassIDReaderCryptoTokens      = "dds.sec.datareader_crypto_tokens"
)

// MessageIdentity identifies a generic message by its source and a sequence
// number monotonic per source.
type MessageIdentity struct {
	SourceGUID     rtps.GUID
	SequenceNumber int64
}

// IsUnknown reports whether the identity is unset.
func (m MessageIdentity) IsUnknown() bool {
	return m.SourceGUID.IsUnknown() && m.SequenceNumber == 0
}

// ParticipantGenericMessage is the envelope of both builtin security topics.
type ParticipantGenericMessage struct {
	MessageIdentity           MessageIdentity
	RelatedMessageIdentity    MessageIdentity
	DestinationParticipantKey rtps.GUID
	DestinationEndpointKey    rtps.GUID
	SourceEndpointKey         rtps.GUID
	MessageClassID            string
	MessageData               []DataHolder
}

func encodeGUID(enc *cdr.Encoder, g rtps.GUID) {
	enc.Raw(g.Prefix[:])
	enc.Raw(g.Entity[:])
}

func decodeGUID(dec *cdr.Decoder) rtps.GUID {
	var g rtps.GUID
	copy(g.Prefix[:], dec.Raw(rtps.GUIDPrefixLength))
	copy(g.Entity[:], dec.Raw(rtps.EntityIDLength))
	return g
}

func encodeIdentity(enc *cdr.Encoder, m MessageIdentity) {
	encodeGUID(enc, m.SourceGUID)
	enc.Int32(int32(m.SequenceNumber >> 32))
	enc.Uint32(uint32(m.SequenceNumber))
}

func decodeIdentity(dec *cdr.Decoder) MessageIdentity {
	var m MessageIdentity
	m.SourceGUID = decodeGUID(dec)
	high := dec.Int32()
	low := dec.Uint32()
	m.SequenceNumber = int64(high)<<32 | int64(low)
	return m
}

// MarshalBinary encodes m as little endian PL_CDR.
func (m *ParticipantGenericMessage) MarshalBinary() ([]byte, error) {
	return m.Marshal(cdr.PLCDRLE)
}

// Marshal encodes m with the given encapsulation kind.
func (m *ParticipantGenericMessage) Marshal(kind byte) ([]byte, error) {
	enc, err := cdr.NewEncoder(kind)
	if err != nil {
		return nil, err
	}
	encodeIdentity(enc, m.MessageIdentity)
	encodeIdentity(enc, m.RelatedMessageIdentity)
	encodeGUID(enc, m.DestinationParticipantKey)
	encodeGUID(enc, m.DestinationEndpointKey)
	encodeGUID(enc, m.SourceEndpointKey)
	enc.String(m.MessageClassID)
	enc.Uint32(uint32(len(m.MessageData)))
	for i := range m.MessageData {
		encodeDataHolder(enc, &m.MessageData[i])
	}
	return enc.Bytes(), nil
}

// UnmarshalBinary decodes m, accepting either endianness.
func (m *ParticipantGenericMessage) UnmarshalBinary(b []byte) error {
	dec, err := cdr.NewDecoder(b)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	var out ParticipantGenericMessage
	out.MessageIdentity = decodeIdentity(dec)
	out.RelatedMessageIdentity = decodeIdentity(dec)
	out.DestinationParticipantKey = decodeGUID(dec)
	out.DestinationEndpointKey = decodeGUID(dec)
	out.SourceEndpointKey = decodeGUID(dec)
	out.MessageClassID = dec.String()
	n := dec.Length()
	for i := 0; i < n && dec.Err() == nil; i++ {
		out.MessageData = append(out.MessageData, decodeDataHolder(dec))
	}
	if err := dec.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	*m = out
	return nil
}
