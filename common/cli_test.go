// SPDX-FileCopyrightText: Copyright (C) 2026 The rtps authors
// SPDX-License-Identifier: AGPL-3.0-only

package common

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsUsageError(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	require.True(IsUsageError(errors.New("unknown flag: --colour")))
	require.True(IsUsageError(errors.New(`required flag(s) "config" not set`)))
	require.True(IsUsageError(fmt.Errorf("failed to load config file 'x.toml': %w", errors.New("no such file"))))
	require.False(IsUsageError(errors.New("selftest: authentication timed out")))
}
