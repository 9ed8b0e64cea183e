// SPDX-FileCopyrightText: Copyright (C) 2026 The rtps authors
// SPDX-License-Identifier: AGPL-3.0-only

package rtps

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGUID(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	prefix, err := ParseGUIDPrefix("0102030405060708090a0b0c")
	require.NoError(err)

	w := GUID{Prefix: prefix, Entity: EntityIDParticipantStatelessWriter}
	require.False(w.IsUnknown())
	require.True(GUIDUnknown.IsUnknown())
	require.Equal(EntityIDParticipant, w.ParticipantGUID().Entity)
	require.True(w.SameParticipant(w.ParticipantGUID()))
	require.Equal("0102030405060708090a0b0c|000201c3", w.String())

	parsed, err := GUIDFromBytes(w.Bytes())
	require.NoError(err)
	require.Equal(w, parsed)

	_, err = GUIDFromBytes([]byte{1, 2, 3})
	require.ErrorIs(err, ErrInvalidGUID)
	_, err = ParseGUIDPrefix("0102")
	require.ErrorIs(err, ErrInvalidGUID)

	other := w
	other.Prefix[0] = 0xff
	require.Equal(-1, w.Compare(other))
	require.Equal(1, other.Compare(w))
	require.Equal(0, w.Compare(w))
}

func TestPropertyPolicy(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	var p PropertyPolicy
	p.Set("fastdds.sfc.priority", "3")
	p.Set("dds.sec.auth.plugin", "builtin.PKI-DH")
	p.Set("fastdds.sfc.priority", "4")

	v, ok := p.Find("fastdds.sfc.priority")
	require.True(ok)
	require.Equal("4", v)
	require.Len(p, 2)

	_, ok = p.Find("missing")
	require.False(ok)
	require.Len(p.WithPrefix("dds.sec."), 1)
}
