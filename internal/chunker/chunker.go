// Package chunker splits input text into model-sized pieces along sentence
// and clause boundaries.
package chunker

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultMaxLength is the character budget of one synthesis call.
const DefaultMaxLength = 150

// Chunk is one contiguous slice of the normalized input. Length counts
// characters (runes), not bytes.
type Chunk struct {
	Index     int
	Text      string
	Length    int
	Oversized bool
}

// Split normalizes whitespace in text and packs its sentences greedily into
// chunks of at most maxLen characters. A sentence longer than maxLen is packed
// by comma-delimited clauses instead, keeping the input's spacing between them; a clause longer than maxLen becomes a
// single oversized chunk. Text is never dropped or reordered.
func Split(text string, maxLen int) []Chunk {
	if maxLen <= 0 {
		maxLen = DefaultMaxLength
	}
	normalized := strings.Join(strings.Fields(text), " ")
	if normalized == "" {
		return nil
	}

	p := &packer{maxLen: maxLen}
	for _, sentence := range splitSentences(normalized) {
		if utf8.RuneCountInString(sentence) <= maxLen {
			p.add(unit{text: sentence, join: " "})
			continue
		}
		p.flush()
		for _, clause := range splitClauses(sentence) {
			p.add(clause)
		}
		p.flush()
	}
	p.flush()

	chunks := make([]Chunk, 0, len(p.out))
	for i, piece := range p.out {
		n := utf8.RuneCountInString(piece)
		chunks = append(chunks, Chunk{
			Index:     i,
			Text:      piece,
			Length:    n,
			Oversized: n > maxLen,
		})
	}
	return chunks
}

// unit is a sentence or clause. join is the text that separated it from
// the previous unit in the input.
type unit struct {
	text string
	join string
}

// packer joins units while the result fits maxLen.
type packer struct {
	maxLen int
	buf    strings.Builder
	bufLen int
	out    []string
}

func (p *packer) add(u unit) {
	n := utf8.RuneCountInString(u.text)
	j := utf8.RuneCountInString(u.join)
	if p.bufLen > 0 && p.bufLen+j+n > p.maxLen {
		p.flush()
	}
	if p.bufLen > 0 {
		p.buf.WriteString(u.join)
		p.bufLen += j
	}
	p.buf.WriteString(u.text)
	p.bufLen += n
}

func (p *packer) flush() {
	if p.bufLen == 0 {
		return
	}
	p.out = append(p.out, p.buf.String())
	p.buf.Reset()
	p.bufLen = 0
}

// splitSentences cuts after runs of terminal punctuation (plus any closing
// quotes or brackets) that are followed by a space or the end of text.
func splitSentences(text string) []string {
	return splitAfter(text, isTerminal)
}

// splitClauses cuts after every comma, with or without a following space,
// except inside digit groups such as 1,000.
func splitClauses(sentence string) []unit {
	runes := []rune(sentence)
	var units []unit
	start, join := 0, ""
	for i := 0; i < len(runes); i++ {
		if runes[i] != ',' || digitGroup(runes, i) {
			continue
		}
		j := i + 1
		for j < len(runes) && (runes[j] == ',' || isCloser(runes[j])) {
			j++
		}
		if part := strings.TrimSpace(string(runes[start:j])); part != "" {
			units = append(units, unit{text: part, join: join})
		}
		join = ""
		if j < len(runes) && runes[j] == ' ' {
			join = " "
		}
		start = j
		i = j - 1
	}
	if rest := strings.TrimSpace(string(runes[start:])); rest != "" {
		units = append(units, unit{text: rest, join: join})
	}
	return units
}

func digitGroup(runes []rune, i int) bool {
	return i > 0 && i+1 < len(runes) && unicode.IsDigit(runes[i-1]) && unicode.IsDigit(runes[i+1])
}

func splitAfter(text string, boundary func(rune) bool) []string {
	runes := []rune(text)
	var parts []string
	start := 0
	for i := 0; i < len(runes); i++ {
		if !boundary(runes[i]) {
			continue
		}
		j := i + 1
		for j < len(runes) && (boundary(runes[j]) || isCloser(runes[j])) {
			j++
		}
		if j < len(runes) && runes[j] != ' ' {
			i = j - 1
			continue
		}
		if part := strings.TrimSpace(string(runes[start:j])); part != "" {
			parts = append(parts, part)
		}
		start = j
		i = j - 1
	}
	if rest := strings.TrimSpace(string(runes[start:])); rest != "" {
		parts = append(parts, rest)
	}
	return parts
}

func isTerminal(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

func isCloser(r rune) bool {
	switch r {
	case '"', '\'', ')', ']', '”', '’', '»':
		return true
	}
	return false
}
