package service

import (
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const testMerges = "#version: 0.2\np i\npi z\nz a</w>\npiz za</w>\n"

// Ids: 0-255 byte symbols, 256-511 the same with </w>, 512-515 the merges,
// then <|startoftext|> and <|endoftext|>.
const (
	testSOT   = 516
	testEOT   = 517
	testPizza = 515
	testA     = 256 + ('a' - '!')
	testBang  = 256
)

func newMergesTokenizer(t *testing.T, contextLength int) *Tokenizer {
	t.Helper()
	tok, err := NewTokenizer(strings.NewReader(testMerges), contextLength)
	require.NoError(t, err)
	return tok
}

func TestTokenizerVocabulary(t *testing.T) {
	tok := newMergesTokenizer(t, 8)
	require.Equal(t, 518, tok.VocabSize())
	require.Equal(t, 8, tok.ContextLength())
}

func TestTokenizerEncodeAppliesMerges(t *testing.T) {
	tok := newMergesTokenizer(t, 8)
	require.Equal(t, []int64{testPizza}, tok.Encode("pizza"))
	require.Equal(t, []int64{testPizza, testBang}, tok.Encode("  PIZZA! "))
	require.Equal(t, []int64{testA}, tok.Encode("a"))
	require.Equal(t, []int64{256 + ('&' - '!')}, tok.Encode("&amp;amp;"))
}

func TestTokenizerNormalizesUnicode(t *testing.T) {
	tok := newMergesTokenizer(t, 8)
	composed := tok.Encode("caf\u00e9")
	require.Len(t, composed, 5)
	require.Equal(t, composed, tok.Encode("CAFE\u0301"))
}

func TestTokenizerTokenizePadsAndTruncates(t *testing.T) {
	tok := newMergesTokenizer(t, 6)
	rows := tok.Tokenize([]string{"pizza", "pizza a a a a"})
	require.Equal(t, []int64{testSOT, testPizza, testEOT, 0, 0, 0}, rows[0])
	require.Equal(t, []int64{testSOT, testPizza, testA, testA, testA, testEOT}, rows[1])
}

func TestTokenizerUnmergedWordSplitsIntoSymbols(t *testing.T) {
	tok := newMergesTokenizer(t, 8)
	ids := tok.Encode("taco")
	require.Equal(t, []int64{'t' - '!', 'a' - '!', 'c' - '!', 256 + ('o' - '!')}, ids)
}

func TestTokenizerRejectsMalformedInput(t *testing.T) {
	_, err := NewTokenizer(strings.NewReader("a b c\n"), 8)
	require.Error(t, err)
	_, err = NewTokenizer(strings.NewReader(""), 1)
	require.Error(t, err)
}

func TestLoadTokenizerGzip(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(testMerges))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	path := filepath.Join(t.TempDir(), "bpe.txt.gz")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	tok, err := LoadTokenizer(path, 8)
	require.NoError(t, err)
	require.Equal(t, []int64{testPizza}, tok.Encode("pizza"))

	_, err = LoadTokenizer(filepath.Join(t.TempDir(), "missing.txt"), 8)
	require.Error(t, err)
}
