// Package alphabet maps nucleotide sequences to token ids.
package alphabet

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Special tokens.
const (
	CLS  = "<cls>"
	Pad  = "<pad>"
	EOS  = "<eos>"
	Unk  = "<unk>"
	Mask = "<mask>"
)

// Nucleotides holds the IUPAC nucleotide codes plus the gap symbol.
var Nucleotides = []string{"A", "C", "G", "U", "R", "Y", "K", "M", "S", "W", "B", "D", "H", "V", "N", "-"}

// Alphabet is an ordered token vocabulary.
type Alphabet struct {
	toks       []string
	index      map[string]int
	specials   []string // longest first
	PrependBOS bool
	AppendEOS  bool
	PaddingIdx int
	CLSIdx     int
	EOSIdx     int
	UnkIdx     int
	MaskIdx    int
}

// New builds an alphabet of prepend, standard, filler and append tokens.
// Filler tokens "<null_i>" pad the prepend+standard block to a multiple of 8.
func New(standard, prepend, appendToks []string, prependBOS, appendEOS bool) (*Alphabet, error) {
	toks := make([]string, 0, len(prepend)+len(standard)+8+len(appendToks))
	toks = append(toks, prepend...)
	toks = append(toks, standard...)
	for i := range (8 - len(toks)%8) % 8 {
		toks = append(toks, fmt.Sprintf("<null_%d>", i+1))
	}
	toks = append(toks, appendToks...)

	a := &Alphabet{
		toks:       toks,
		index:      make(map[string]int, len(toks)),
		PrependBOS: prependBOS,
		AppendEOS:  appendEOS,
	}
	for i, t := range toks {
		if _, dup := a.index[t]; dup {
			return nil, fmt.Errorf("alphabet: duplicate token %q", t)
		}
		a.index[t] = i
		if len(t) > 1 {
			a.specials = append(a.specials, t)
		}
	}
	for i := 1; i < len(a.specials); i++ {
		for j := i; j > 0 && len(a.specials[j]) > len(a.specials[j-1]); j-- {
			a.specials[j], a.specials[j-1] = a.specials[j-1], a.specials[j]
		}
	}

	var ok bool
	if a.UnkIdx, ok = a.index[Unk]; !ok {
		return nil, fmt.Errorf("alphabet: %s token required", Unk)
	}
	a.PaddingIdx = a.Index(Pad)
	a.CLSIdx = a.Index(CLS)
	a.EOSIdx = a.Index(EOS)
	a.MaskIdx = a.Index(Mask)
	return a, nil
}

// ESM1b returns the 25 token RNA alphabet the pretrained checkpoints use.
func ESM1b() *Alphabet {
	a, err := New(Nucleotides, []string{CLS, Pad, EOS, Unk}, []string{Mask}, true, true)
	if err != nil {
		panic(err)
	}
	return a
}

// FromArchitecture returns the alphabet for a named architecture.
func FromArchitecture(name string) (*Alphabet, error) {
	switch name {
	case "ESM-1b", "roberta_large":
		return ESM1b(), nil
	default:
		return nil, fmt.Errorf("alphabet: unknown architecture %q", name)
	}
}

// Len returns the number of tokens.
func (a *Alphabet) Len() int { return len(a.toks) }

// Index returns the id of tok, or the unknown id.
func (a *Alphabet) Index(tok string) int {
	if i, ok := a.index[tok]; ok {
		return i
	}
	return a.UnkIdx
}

// Token returns the token with id i.
func (a *Alphabet) Token(i int) string {
	if i < 0 || i >= len(a.toks) {
		return Unk
	}
	return a.toks[i]
}

// Tokens returns a copy of the vocabulary in id order.
func (a *Alphabet) Tokens() []string {
	return append([]string(nil), a.toks...)
}

// Tokenize splits seq into tokens. Multi-character tokens such as "<mask>"
// are matched first; everything else is one token per character.
// Whitespace separates tokens and is dropped.
func (a *Alphabet) Tokenize(seq string) []string {
	out := make([]string, 0, len(seq))
	for i := 0; i < len(seq); {
		if seq[i] == '<' {
			if tok := a.matchSpecial(seq[i:]); tok != "" {
				out = append(out, tok)
				i += len(tok)
				continue
			}
		}
		r, size := utf8.DecodeRuneInString(seq[i:])
		if !strings.ContainsRune(" \t\r\n", r) {
			out = append(out, seq[i:i+size])
		}
		i += size
	}
	return out
}

func (a *Alphabet) matchSpecial(s string) string {
	for _, sp := range a.specials {
		if strings.HasPrefix(s, sp) {
			return sp
		}
	}
	return ""
}

// Encode maps seq to ids without the BOS/EOS tokens.
func (a *Alphabet) Encode(seq string) []int {
	toks := a.Tokenize(seq)
	ids := make([]int, len(toks))
	for i, t := range toks {
		ids[i] = a.Index(t)
	}
	return ids
}

// Decode maps ids back to a string, skipping the padding id.
func (a *Alphabet) Decode(ids []int) string {
	var b strings.Builder
	for _, id := range ids {
		if id == a.PaddingIdx {
			continue
		}
		b.WriteString(a.Token(id))
	}
	return b.String()
}
