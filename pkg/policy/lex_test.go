// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lexKinds(t *testing.T, src string) []*Token {
	t.Helper()
	toks, err := Lex(src, Operators())
	require.NoError(t, err)
	return toks
}

func TestLexNumberClasses(t *testing.T) {
	t.Parallel()
	for _, tt := range []struct {
		src string
		num NumKind
	}{
		{"156", NumInteger},
		{"-5", NumInteger},
		{"0", NumInteger},
		{"0xFF", NumHex},
		{"011", NumOctal},
		{"0o11", NumOctal},
		{"0.5", NumFloat},
		{".3", NumFloat},
		{"-.3", NumFloat},
		{"10.0e3", NumFloat},
		{"100e-2", NumFloat},
	} {
		toks := lexKinds(t, tt.src)
		require.Len(t, toks, 1, "source %q", tt.src)
		assert.Equal(t, KindNumber, toks[0].Kind, "source %q", tt.src)
		assert.Equal(t, tt.num, toks[0].Num, "source %q", tt.src)
		assert.Equal(t, tt.src, toks[0].Value, "source %q", tt.src)
	}
}

func TestLexIntegerLookahead(t *testing.T) {
	t.Parallel()
	// The integer rule must not consume a trailing exponent character, so
	// "125f56" splits into a number and a symbol.
	toks := lexKinds(t, "125f56")
	require.Len(t, toks, 2)
	assert.Equal(t, KindNumber, toks[0].Kind)
	assert.Equal(t, "125", toks[0].Value)
	assert.Equal(t, KindSymbol, toks[1].Kind)
	assert.Equal(t, "f56", toks[1].Value)

	// "e3" is a symbol, not scientific notation.
	toks = lexKinds(t, "e3")
	require.Len(t, toks, 1)
	assert.Equal(t, KindSymbol, toks[0].Kind)
}

func TestLexOperatorsLongestFirst(t *testing.T) {
	t.Parallel()
	toks := lexKinds(t, "<< < <= == != >> > >=")
	var vals []string
	for _, tok := range toks {
		assert.Equal(t, KindOperator, tok.Kind)
		vals = append(vals, tok.Value)
	}
	assert.Equal(t, []string{"<<", "<", "<=", "==", "!=", ">>", ">", ">="}, vals)
}

func TestLexNegativeHexIsOperator(t *testing.T) {
	t.Parallel()
	toks := lexKinds(t, "-0xFF")
	require.Len(t, toks, 2)
	assert.Equal(t, KindOperator, toks[0].Kind)
	assert.Equal(t, "-", toks[0].Value)
	assert.Equal(t, NumHex, toks[1].Num)
}

func TestLexLines(t *testing.T) {
	t.Parallel()
	toks := lexKinds(t, "a\nb # comment\ncc\n")
	require.Len(t, toks, 3)
	assert.Equal(t, 1, toks[0].Line)
	assert.Equal(t, 2, toks[1].Line)
	assert.Equal(t, 3, toks[2].Line)
}

func TestLexStrings(t *testing.T) {
	t.Parallel()
	toks := lexKinds(t, `"foo" 'bar' "es\"caped"`)
	require.Len(t, toks, 3)
	assert.Equal(t, `"foo"`, toks[0].Value)
	assert.Equal(t, `'bar'`, toks[1].Value)
	assert.Equal(t, `"es\"caped"`, toks[2].Value)
}

func TestLexSymbolsWithDotsAndDashes(t *testing.T) {
	t.Parallel()
	toks := lexKinds(t, "Guest.balloon_cur some-flag _x9")
	require.Len(t, toks, 3)
	for _, tok := range toks {
		assert.Equal(t, KindSymbol, tok.Kind)
	}
}

func TestLexErrors(t *testing.T) {
	t.Parallel()
	for _, src := range []string{"\n\"open", "@", "\n\n08"} {
		_, err := Lex(src, Operators())
		require.Error(t, err, "source %q", src)
		var perr *Error
		require.ErrorAs(t, err, &perr)
	}
}
