/*
 * Kubelab
 * Copyright (C) 2025  Kubelab, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package utils

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func TestShortID(t *testing.T) {
	a, err := ShortID(4)
	require.NoError(t, err)
	require.Len(t, a, 8)

	b, err := ShortID(4)
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestHashToken(t *testing.T) {
	require.Equal(t, HashToken("secret"), HashToken("secret"))
	require.NotEqual(t, HashToken("secret"), HashToken("secre+"))
	require.Len(t, HashToken("secret"), 64)
}

func TestLinearRetry(t *testing.T) {
	retry, err := NewLinear(LinearConfig{
		Step: time.Second,
		Max:  3 * time.Second,
	})
	require.NoError(t, err)

	require.Equal(t, time.Duration(0), retry.Duration())
	retry.Inc()
	require.Equal(t, time.Second, retry.Duration())
	retry.Inc()
	retry.Inc()
	retry.Inc()
	// capped at Max
	require.Equal(t, 3*time.Second, retry.Duration())

	retry.Reset()
	require.Equal(t, time.Duration(0), retry.Duration())
}

func TestLinearRetryConfig(t *testing.T) {
	_, err := NewLinear(LinearConfig{Max: time.Second})
	require.True(t, trace.IsBadParameter(err))
	_, err = NewLinear(LinearConfig{Step: time.Second})
	require.True(t, trace.IsBadParameter(err))
}

func TestRetryFor(t *testing.T) {
	retry, err := NewConstant(time.Millisecond)
	require.NoError(t, err)

	attempts := 0
	err = retry.For(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

func TestRetryForPermanentError(t *testing.T) {
	retry, err := NewConstant(time.Millisecond)
	require.NoError(t, err)

	attempts := 0
	err = retry.For(context.Background(), func() error {
		attempts++
		return PermanentRetryError(errors.New("no point"))
	})
	require.Error(t, err)
	require.Equal(t, 1, attempts)
}

func TestRetryForContextExpiry(t *testing.T) {
	retry, err := NewConstant(10 * time.Millisecond)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err = retry.For(ctx, func() error { return errors.New("never") })
	require.True(t, trace.IsLimitExceeded(err))
}

func TestHalfJitter(t *testing.T) {
	jitter := NewHalfJitter()
	require.Equal(t, time.Duration(0), jitter(0))
	for range 100 {
		d := jitter(time.Second)
		require.GreaterOrEqual(t, d, 500*time.Millisecond)
		require.Less(t, d, time.Second)
	}
}
