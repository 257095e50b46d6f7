package tokenizer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenize(t *testing.T) {
	got := Tokenize("The quick brown foxes jumped!")
	assert.Equal(t, []Token{
		{Term: "quick", Position: 1},
		{Term: "brown", Position: 2},
		{Term: "fox", Position: 3},
		{Term: "jump", Position: 4},
	}, got)
}

func TestTokenizeDropsShortAndLongWords(t *testing.T) {
	long := strings.Repeat("x", MaxTokenLength+1)
	got := Tokenize("a b " + long + " ok")
	assert.Equal(t, []Token{{Term: "ok", Position: 3}}, got)
	assert.Empty(t, Tokenize("  ,,, "))
}

func TestNormalize(t *testing.T) {
	term, ok := Normalize("Indexing")
	assert.True(t, ok)
	assert.Equal(t, "index", term)

	_, ok = Normalize("THE")
	assert.False(t, ok)
}

func TestGroupByTerm(t *testing.T) {
	groups := GroupByTerm(Tokenize("Cats chase cats"))
	assert.Equal(t, []Group{
		{Term: "cat", Positions: []uint32{0, 2}},
		{Term: "chase", Positions: []uint32{1}},
	}, groups)
	assert.Empty(t, GroupByTerm(nil))
}
