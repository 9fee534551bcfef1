// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

type codedError struct {
	code int
}

func (e *codedError) Error() string {
	return fmt.Sprintf("coded failure %d", e.code)
}

func TestIsUnwrapsAnnotatedChains(t *testing.T) {
	t.Parallel()

	base := New("metastore handle lost")
	require.True(t, Is(Annotate(base, "during tick"), base))
	require.True(t, Is(fmt.Errorf("publish: %w", base), base))
	require.False(t, Is(Annotate(base, "during tick"), New("unrelated")))
}

func TestAsFindsTypedErrorInChain(t *testing.T) {
	t.Parallel()

	inner := &codedError{code: 42}
	wrapped := fmt.Errorf("execute: %w", inner)

	var coded *codedError
	require.True(t, As(wrapped, &coded))
	require.Equal(t, 42, coded.code)
}

func TestErrorEqualComparesCauses(t *testing.T) {
	t.Parallel()

	base := New("bus gone")
	require.True(t, ErrorEqual(Trace(base), base))
	require.False(t, ErrorEqual(base, New("bus gone elsewhere")))
}

func TestNormalizedErrorsMatchByRFCCode(t *testing.T) {
	t.Parallel()

	err := ErrJobNotFound.GenWithStackByArgs("job-1")
	require.True(t, ErrJobNotFound.Equal(err))
	require.False(t, ErrTaskNotFound.Equal(err))
}
