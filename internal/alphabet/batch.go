package alphabet

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Record is a labelled sequence.
type Record struct {
	Label    string
	Sequence string
}

// Batch is the output of a BatchConverter. Tokens rows all have the same
// length and are right-padded with the padding id.
type Batch struct {
	Labels []string
	Seqs   []string
	Tokens [][]int
	// Lengths holds the unpadded token count of each row, BOS/EOS included.
	Lengths []int
}

// BatchConverter turns labelled sequences into a padded id matrix.
type BatchConverter struct {
	Alphabet *Alphabet
	// TruncationSeqLength caps the encoded length of each sequence before
	// BOS/EOS are added. Zero means no limit.
	TruncationSeqLength int
}

// BatchConverter returns a converter bound to a.
func (a *Alphabet) BatchConverter(truncate int) *BatchConverter {
	return &BatchConverter{Alphabet: a, TruncationSeqLength: truncate}
}

// Convert encodes records. Each row is [cls] seq [eos] followed by padding,
// with BOS/EOS omitted when the alphabet does not use them.
func (c *BatchConverter) Convert(records []Record) Batch {
	a := c.Alphabet
	b := Batch{
		Labels:  make([]string, len(records)),
		Seqs:    make([]string, len(records)),
		Tokens:  make([][]int, len(records)),
		Lengths: make([]int, len(records)),
	}
	encoded := make([][]int, len(records))
	maxLen := 0
	for i, r := range records {
		ids := a.Encode(r.Sequence)
		if c.TruncationSeqLength > 0 && len(ids) > c.TruncationSeqLength {
			ids = ids[:c.TruncationSeqLength]
		}
		encoded[i] = ids
		maxLen = max(maxLen, len(ids))
		b.Labels[i] = r.Label
		b.Seqs[i] = r.Sequence
	}

	extra := 0
	if a.PrependBOS {
		extra++
	}
	if a.AppendEOS {
		extra++
	}
	width := maxLen + extra
	for i, ids := range encoded {
		row := make([]int, width)
		for j := range row {
			row[j] = a.PaddingIdx
		}
		pos := 0
		if a.PrependBOS {
			row[0] = a.CLSIdx
			pos = 1
		}
		pos += copy(row[pos:], ids)
		if a.AppendEOS {
			row[pos] = a.EOSIdx
			pos++
		}
		b.Tokens[i] = row
		b.Lengths[i] = pos
	}
	return b
}

// ReadFASTA parses FASTA records. The label is the header text after '>'
// up to the first whitespace; sequence lines are concatenated.
func ReadFASTA(r io.Reader) ([]Record, error) {
	var (
		out []Record
		cur *Record
		seq strings.Builder
	)
	flush := func() {
		if cur != nil {
			cur.Sequence = seq.String()
			out = append(out, *cur)
			seq.Reset()
		}
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 64*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		switch {
		case text == "" || strings.HasPrefix(text, ";"):
		case strings.HasPrefix(text, ">"):
			flush()
			label := strings.TrimSpace(text[1:])
			if f := strings.Fields(label); len(f) > 0 {
				label = f[0]
			}
			cur = &Record{Label: label}
		default:
			if cur == nil {
				return nil, fmt.Errorf("fasta: line %d: sequence data before the first header", line)
			}
			seq.WriteString(text)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("fasta: %w", err)
	}
	flush()
	if len(out) == 0 {
		return nil, errors.New("fasta: no records")
	}
	return out, nil
}
