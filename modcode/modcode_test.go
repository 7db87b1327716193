// Copyright 2020 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package modcode_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MatthiasZepper/modkit/modcode"
)

func TestComplement(t *testing.T) {
	assert.Equal(t, modcode.T, modcode.A.Complement())
	assert.Equal(t, modcode.A, modcode.T.Complement())
	assert.Equal(t, modcode.G, modcode.C.Complement())
	assert.Equal(t, modcode.C, modcode.G.Complement())
}

func TestValid(t *testing.T) {
	assert.True(t, modcode.A.Valid())
	assert.False(t, modcode.Base('N').Valid())
}

func TestLookup(t *testing.T) {
	base, name, ok := modcode.Lookup("m")
	require.True(t, ok)
	assert.Equal(t, modcode.C, base)
	assert.Equal(t, "5-methylcytosine", name)

	_, _, ok = modcode.Lookup("z")
	assert.False(t, ok)
}

func TestBaseOfUnknown(t *testing.T) {
	_, err := modcode.BaseOf("z")
	assert.Error(t, err)
}

func TestCodesForBase(t *testing.T) {
	codes := modcode.CodesForBase(modcode.C)
	assert.Equal(t, []modcode.Code{"m", "h", "f", "c"}, codes)
}

func TestIsModification(t *testing.T) {
	assert.True(t, modcode.IsModification("m"))
	assert.False(t, modcode.IsModification("C"))
}

func TestCanonical(t *testing.T) {
	assert.Equal(t, modcode.Code("C"), modcode.Canonical(modcode.C))
}
