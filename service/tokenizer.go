package service

import (
	"bufio"
	"compress/gzip"
	"fmt"
	"html"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/sugarme/tokenizer/normalizer"
	"github.com/sugarme/tokenizer/pretokenizer"
)

const (
	startOfText = "<|startoftext|>"
	endOfText   = "<|endoftext|>"
	endOfWord   = "</w>"

	// CLIP's vocabulary is 49408 entries; the merges fill what the byte
	// symbols and the two specials leave.
	maxMerges = 49152 - 256 - 2
)

const wordPattern = `(?i)<\|startoftext\|>|<\|endoftext\|>|'s|'t|'re|'ve|'m|'ll|'d|[\p{L}]+|[\p{N}]|[^\s\p{L}\p{N}]+`

var spaces = regexp.MustCompile(`\s+`)

// Tokenizer is CLIP's byte-level BPE text tokenizer. Normalization, word
// splitting and the byte alphabet come from sugarme/tokenizer; merges are
// ranked here because its BPE model drops the end-of-word suffix. It is
// immutable after construction and safe for concurrent use.
type Tokenizer struct {
	encoder       map[string]int64
	ranks         map[[2]string]int
	normalizer    normalizer.Normalizer
	words         normalizer.Pattern
	sot, eot      int64
	contextLength int
}

// LoadTokenizer reads a CLIP merges file, gzip-compressed when the name ends in .gz.
func LoadTokenizer(path string, contextLength int) (*Tokenizer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open vocab: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("open vocab gzip: %w", err)
		}
		defer gz.Close()
		r = gz
	}
	return NewTokenizer(r, contextLength)
}

func NewTokenizer(merges io.Reader, contextLength int) (*Tokenizer, error) {
	if contextLength < 2 {
		return nil, fmt.Errorf("context length %d leaves no room for text", contextLength)
	}
	t := &Tokenizer{
		ranks:         make(map[[2]string]int),
		normalizer:    normalizer.NewSequence([]normalizer.Normalizer{normalizer.NewNFC(), normalizer.Lowercase()}),
		words:         normalizer.NewRegexpPattern(wordPattern),
		contextLength: contextLength,
	}
	vocab := make([]string, 0, 512+maxMerges+2)
	order := symbolOrder(pretokenizer.BytesChar)
	vocab = append(vocab, order...)
	for _, s := range order {
		vocab = append(vocab, s+endOfWord)
	}

	sc := bufio.NewScanner(merges)
	for sc.Scan() && len(t.ranks) < maxMerges {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#version") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed merge %q", line)
		}
		pair := [2]string{parts[0], parts[1]}
		if _, ok := t.ranks[pair]; ok {
			continue
		}
		t.ranks[pair] = len(t.ranks)
		vocab = append(vocab, parts[0]+parts[1])
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read merges: %w", err)
	}
	vocab = append(vocab, startOfText, endOfText)

	t.encoder = make(map[string]int64, len(vocab))
	for i, v := range vocab {
		t.encoder[v] = int64(i)
	}
	t.sot = t.encoder[startOfText]
	t.eot = t.encoder[endOfText]
	return t, nil
}

func (t *Tokenizer) ContextLength() int { return t.contextLength }

func (t *Tokenizer) VocabSize() int { return len(t.encoder) }

// Encode returns the BPE ids of text without the start and end markers.
func (t *Tokenizer) Encode(text string) []int64 {
	text = t.normalize(cleanText(text))
	var ids []int64
	for _, m := range t.words.FindMatches(text) {
		if !m.Match {
			continue
		}
		token := text[m.Offsets[0]:m.Offsets[1]]
		if token == startOfText || token == endOfText {
			ids = append(ids, t.encoder[token])
			continue
		}
		var sb strings.Builder
		for _, b := range []byte(token) {
			sb.WriteString(pretokenizer.BytesChar[b])
		}
		for _, piece := range t.bpe(sb.String()) {
			id, ok := t.encoder[piece]
			if !ok {
				// Every byte symbol is in the vocabulary, so this only
				// happens with a merges file that disagrees with itself.
				continue
			}
			ids = append(ids, id)
		}
	}
	return ids
}

// Tokenize returns one context-length row per text, wrapped in start and
// end markers and zero padded. Rows that overflow are cut and end in EOT.
func (t *Tokenizer) Tokenize(texts []string) [][]int64 {
	rows := make([][]int64, len(texts))
	for i, text := range texts {
		row := make([]int64, t.contextLength)
		ids := append(append([]int64{t.sot}, t.Encode(text)...), t.eot)
		if len(ids) > t.contextLength {
			ids = ids[:t.contextLength]
			ids[t.contextLength-1] = t.eot
		}
		copy(row, ids)
		rows[i] = row
	}
	return rows
}

func (t *Tokenizer) bpe(token string) []string {
	var word []string
	for _, r := range token {
		word = append(word, string(r))
	}
	if len(word) == 0 {
		return nil
	}
	word[len(word)-1] += endOfWord

	for len(word) > 1 {
		best, bestRank := -1, 0
		for i := 0; i < len(word)-1; i++ {
			rank, ok := t.ranks[[2]string{word[i], word[i+1]}]
			if ok && (best < 0 || rank < bestRank) {
				best, bestRank = i, rank
			}
		}
		if best < 0 {
			break
		}
		first, second := word[best], word[best+1]
		merged := make([]string, 0, len(word))
		for i := 0; i < len(word); i++ {
			if i < len(word)-1 && word[i] == first && word[i+1] == second {
				merged = append(merged, first+second)
				i++
				continue
			}
			merged = append(merged, word[i])
		}
		word = merged
	}
	return word
}

func (t *Tokenizer) normalize(text string) string {
	n, err := t.normalizer.Normalize(normalizer.NewNormalizedFrom(text))
	if err != nil {
		return strings.ToLower(text)
	}
	return n.GetNormalized()
}

func cleanText(text string) string {
	text = html.UnescapeString(html.UnescapeString(text))
	return strings.TrimSpace(spaces.ReplaceAllString(text, " "))
}

// symbolOrder lists the byte symbols printable ranges first, then the
// remapped bytes, which is the order CLIP assigns their ids.
func symbolOrder(symbols map[byte]string) []string {
	order := make([]string, 0, 256)
	var rest []string
	for b := range 256 {
		s := symbols[byte(b)]
		if []rune(s)[0] == rune(b) {
			order = append(order, s)
			continue
		}
		rest = append(rest, s)
	}
	return append(order, rest...)
}
