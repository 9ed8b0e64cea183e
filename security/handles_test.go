// SPDX-FileCopyrightText: Copyright (C) 2026 The rtps authors
// SPDX-License-Identifier: AGPL-3.0-only

package security

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type testIdentity struct {
	IdentityHandleBase
	id int
}

func TestOwnedReleaseOnce(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	var released []int
	release := func(h IdentityHandle) error {
		released = append(released, h.(*testIdentity).id)
		return nil
	}

	o := Own[IdentityHandle](&testIdentity{id: 1}, release)
	require.True(o.Valid())
	require.Equal(1, o.Get().(*testIdentity).id)

	moved := o.Take()
	require.False(o.Valid())
	require.Nil(o.Get())
	require.NoError(o.Release())
	require.Empty(released)

	require.NoError(moved.Release())
	require.NoError(moved.Release())
	require.Equal([]int{1}, released)
}

func TestOwnedNilAndError(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	empty := Own[IdentityHandle](nil, func(IdentityHandle) error {
		t.Fatal("released a nil handle")
		return nil
	})
	require.False(empty.Valid())
	require.NoError(empty.Release())

	boom := errors.New("boom")
	o := Own[IdentityHandle](&testIdentity{}, func(IdentityHandle) error { return boom })
	require.ErrorIs(o.Release(), boom)
	require.False(o.Valid())
}
