// SPDX-FileCopyrightText: Copyright (C) 2026 The rtps authors
// SPDX-License-Identifier: AGPL-3.0-only

package security

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rtpsgo/rtps/rtps"
	"github.com/rtpsgo/rtps/rtps/cdr"
)

func testMessage() *ParticipantGenericMessage {
	src := rtps.GUID{Prefix: rtps.GUIDPrefix{1, 2, 3}, Entity: rtps.EntityIDParticipantStatelessWriter}
	dst := rtps.GUID{Prefix: rtps.GUIDPrefix{9, 8, 7}, Entity: rtps.EntityIDParticipant}

	tok := DataHolder{ClassID: "DDS:Auth:PKI-DH:1.0+x25519"}
	tok.SetBinary("c.msg", []byte{0xca, 0xfe})
	tok.Properties = rtps.PropertyPolicy{
		{Name: "shown", Value: "yes", Propagate: true},
		{Name: "local.only", Value: "no"},
	}

	return &ParticipantGenericMessage{
		MessageIdentity:           MessageIdentity{SourceGUID: src, SequenceNumber: 1<<33 | 5},
		DestinationParticipantKey: dst,
		MessageClassID:            ClassIDAuth,
		MessageData:               []DataHolder{tok},
	}
}

func TestGenericMessageEncoding(t *testing.T) {
	t.Parallel()

	for _, kind := range []byte{cdr.PLCDRBE, cdr.PLCDRLE} {
		require := require.New(t)
		msg := testMessage()

		b, err := msg.Marshal(kind)
		require.NoError(err)
		require.Equal([]byte{0x00, kind, 0x00, 0x00}, b[:4])

		var out ParticipantGenericMessage
		require.NoError(out.UnmarshalBinary(b))
		require.Equal(msg.MessageIdentity, out.MessageIdentity)
		require.True(out.RelatedMessageIdentity.IsUnknown())
		require.Equal(msg.DestinationParticipantKey, out.DestinationParticipantKey)
		require.True(out.DestinationEndpointKey.IsUnknown())
		require.Equal(ClassIDAuth, out.MessageClassID)
		require.Len(out.MessageData, 1)

		// Non propagated properties stay local.
		require.Len(out.MessageData[0].Properties, 1)
		v, ok := out.MessageData[0].Binary("c.msg")
		require.True(ok)
		require.Equal([]byte{0xca, 0xfe}, v)
	}
}

func TestGenericMessageTruncated(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	b, err := testMessage().MarshalBinary()
	require.NoError(err)

	var out ParticipantGenericMessage
	require.ErrorIs(out.UnmarshalBinary(b[:len(b)-3]), ErrInvalidMessage)
	require.ErrorIs(out.UnmarshalBinary(b[:2]), ErrInvalidMessage)
	require.Empty(out.MessageClassID)
}

func TestTokenMarshal(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	tok := IdentityToken{ClassID: "DDS:Auth:PKI-DH:1.0+x25519"}
	tok.SetBinary("c.id", []byte{1, 2, 3})
	tok.SetBinary("c.id", []byte{4, 5, 6})

	out, err := UnmarshalToken(MarshalToken(&tok))
	require.NoError(err)
	require.Equal(tok.ClassID, out.ClassID)
	v, ok := out.Binary("c.id")
	require.True(ok)
	require.Equal([]byte{4, 5, 6}, v)
	require.False(out.IsEmpty())
}

func TestEndpointAttributes(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	props := rtps.PropertyPolicy{
		{Name: PropSubmessageProtectionKind, Value: "ENCRYPT"},
		{Name: PropPayloadProtectionKind, Value: "NONE"},
	}
	a := EndpointAttributesFromProperties(props)
	require.True(a.IsSubmessageProtected)
	require.False(a.IsPayloadProtected)
	require.True(a.NeedsCrypto())
	require.Equal(a, EndpointAttributesFromMask(a.Mask()))

	require.True(a.Compatible(a.Mask()))
	require.False(a.Compatible(EndpointSecurityAttributes{}.Mask()))
	require.True(EndpointSecurityAttributes{}.Compatible(0))
	require.False(EndpointSecurityAttributes{}.NeedsCrypto())
}
