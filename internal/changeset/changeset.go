// Package changeset implements the changeset algebra: a compact, composable
// encoding of an edit to an attributed text document, together with the
// operations to apply, compose, invert and rebase such edits.
//
// A packed changeset is a self-delimited textual format:
//
//	changeset   = "Z:" oldLen sign lenDiff ops "$" charBank
//	sign        = ">" | "<"                  ; ">" grow, "<" shrink
//	ops         = { op }
//	op          = attribRefs [ "|" lines ] opcode chars
//	attribRefs  = { "*" num }                ; attribute pool numbers
//	opcode      = "=" | "-" | "+"
//
// where every number is a lower-case base-36 integer. "=" keeps characters
// from the base document (optionally changing their attributes), "-" removes
// them, and "+" inserts characters taken from the char bank.
//
// All functions in this package are pure and perform no I/O. Malformed input
// is always fatal to the single operation: functions return an error wrapping
// ErrMalformed and never a partially transformed result.
package changeset

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformed reports a changeset that violates the grammar or its declared
// invariants. Callers must discard the changeset; for a live client this maps
// to a badChangeset disconnect.
var ErrMalformed = errors.New("malformed changeset")

func malformedf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

// parseNum36 parses a lower-case base-36 integer.
func parseNum36(s string) (int, error) {
	if s == "" {
		return 0, malformedf("empty number")
	}
	n, err := strconv.ParseInt(s, 36, 64)
	if err != nil {
		return 0, malformedf("bad base-36 number %q", s)
	}
	return int(n), nil
}

// num36 formats n in lower-case base 36.
func num36(n int) string {
	return strconv.FormatInt(int64(n), 36)
}

// Opcode values. The zero value marks a consumed or absent op.
const (
	OpKeep   byte = '='
	OpRemove byte = '-'
	OpInsert byte = '+'
)

// Op is a single operation of a changeset: keep, remove or insert a run of
// Chars characters of which Lines are newlines. If Lines is non-zero the last
// character of the run is a newline. Attribs is the raw attribute reference
// string ("*<num>..."), empty for remove ops.
type Op struct {
	Opcode  byte
	Chars   int
	Lines   int
	Attribs string
}

func (o Op) String() string {
	var b strings.Builder
	o.writeTo(&b)
	return b.String()
}

func (o Op) writeTo(b *strings.Builder) {
	b.WriteString(o.Attribs)
	if o.Lines > 0 {
		b.WriteByte('|')
		b.WriteString(num36(o.Lines))
	}
	b.WriteByte(o.Opcode)
	b.WriteString(num36(o.Chars))
}

// Changeset is the unpacked form of a packed changeset string.
type Changeset struct {
	OldLen   int    // length of the base document
	NewLen   int    // length after applying the changeset
	Ops      string // serialized operation runs
	CharBank string // characters consumed by insert ops
}

// Unpack parses the header of a packed changeset. The ops string is validated
// lazily by the op iterator.
func Unpack(cs string) (Changeset, error) {
	if !strings.HasPrefix(cs, "Z:") {
		return Changeset{}, malformedf("not a changeset: %q", truncate(cs))
	}
	rest := cs[2:]
	i := span36(rest)
	if i == 0 || i >= len(rest) {
		return Changeset{}, malformedf("bad header: %q", truncate(cs))
	}
	oldLen, err := parseNum36(rest[:i])
	if err != nil {
		return Changeset{}, err
	}
	sign := rest[i]
	if sign != '>' && sign != '<' {
		return Changeset{}, malformedf("bad length sign %q in %q", string(sign), truncate(cs))
	}
	rest = rest[i+1:]
	j := span36(rest)
	if j == 0 {
		return Changeset{}, malformedf("bad header: %q", truncate(cs))
	}
	diff, err := parseNum36(rest[:j])
	if err != nil {
		return Changeset{}, err
	}
	newLen := oldLen + diff
	if sign == '<' {
		newLen = oldLen - diff
	}
	if newLen < 0 {
		return Changeset{}, malformedf("negative new length in %q", truncate(cs))
	}
	body := rest[j:]
	ops, bank := body, ""
	if k := strings.IndexByte(body, '$'); k >= 0 {
		ops, bank = body[:k], body[k+1:]
	}
	return Changeset{OldLen: oldLen, NewLen: newLen, Ops: ops, CharBank: bank}, nil
}

// Pack assembles a packed changeset string.
func Pack(oldLen, newLen int, ops, bank string) string {
	var b strings.Builder
	b.WriteString("Z:")
	b.WriteString(num36(oldLen))
	if diff := newLen - oldLen; diff >= 0 {
		b.WriteByte('>')
		b.WriteString(num36(diff))
	} else {
		b.WriteByte('<')
		b.WriteString(num36(-diff))
	}
	b.WriteString(ops)
	b.WriteByte('$')
	b.WriteString(bank)
	return b.String()
}

// OldLen returns the base document length a packed changeset requires.
func OldLen(cs string) (int, error) {
	u, err := Unpack(cs)
	return u.OldLen, err
}

// NewLen returns the document length a packed changeset produces.
func NewLen(cs string) (int, error) {
	u, err := Unpack(cs)
	return u.NewLen, err
}

// Identity returns the identity changeset of length n.
func Identity(n int) string {
	return Pack(n, n, "", "")
}

// IsIdentity reports whether cs is an identity changeset.
func IsIdentity(cs string) (bool, error) {
	u, err := Unpack(cs)
	if err != nil {
		return false, err
	}
	return u.Ops == "" && u.OldLen == u.NewLen, nil
}

// span36 returns the length of the leading base-36 digit run of s.
func span36(s string) int {
	i := 0
	for i < len(s) && (s[i] >= '0' && s[i] <= '9' || s[i] >= 'a' && s[i] <= 'z') {
		i++
	}
	return i
}

func truncate(s string) string {
	if len(s) > 40 {
		return s[:40] + "..."
	}
	return s
}

// OpIter scans a serialized op string (the ops of a changeset or an
// attribution string) with a hand-rolled recursive-descent scanner. Usage:
//
//	it := NewOpIter(ops)
//	for it.Next() {
//		op := it.Op()
//		...
//	}
//	if err := it.Err(); err != nil { ... }
type OpIter struct {
	s   string
	pos int
	op  Op
	err error
}

func NewOpIter(s string) *OpIter {
	return &OpIter{s: s}
}

// Next advances to the next op. It returns false at the end of input or on a
// syntax error; check Err afterwards.
func (it *OpIter) Next() bool {
	if it.err != nil || it.pos >= len(it.s) {
		return false
	}
	start := it.pos
	for it.pos < len(it.s) && it.s[it.pos] == '*' {
		it.pos++
		n := span36(it.s[it.pos:])
		if n == 0 {
			it.err = malformedf("bad attribute reference at %q", truncate(it.s[start:]))
			return false
		}
		it.pos += n
	}
	attribs := it.s[start:it.pos]
	lines := 0
	if it.pos < len(it.s) && it.s[it.pos] == '|' {
		it.pos++
		n := span36(it.s[it.pos:])
		if n == 0 {
			it.err = malformedf("bad line count at %q", truncate(it.s[start:]))
			return false
		}
		lines, it.err = parseNum36(it.s[it.pos : it.pos+n])
		if it.err != nil {
			return false
		}
		it.pos += n
	}
	if it.pos >= len(it.s) {
		it.err = malformedf("truncated operation at %q", truncate(it.s[start:]))
		return false
	}
	opcode := it.s[it.pos]
	if opcode != OpKeep && opcode != OpRemove && opcode != OpInsert {
		it.err = malformedf("invalid operation at %q", truncate(it.s[it.pos:]))
		return false
	}
	it.pos++
	n := span36(it.s[it.pos:])
	if n == 0 {
		it.err = malformedf("missing char count at %q", truncate(it.s[start:]))
		return false
	}
	chars, err := parseNum36(it.s[it.pos : it.pos+n])
	if err != nil {
		it.err = err
		return false
	}
	it.pos += n
	it.op = Op{Opcode: opcode, Chars: chars, Lines: lines, Attribs: attribs}
	return true
}

func (it *OpIter) Op() Op { return it.op }

func (it *OpIter) Err() error { return it.err }

// DeserializeOps parses a full op string into a slice.
func DeserializeOps(s string) ([]Op, error) {
	var ops []Op
	it := NewOpIter(s)
	for it.Next() {
		ops = append(ops, it.Op())
	}
	return ops, it.Err()
}

// CheckRep verifies that a packed changeset has valid syntax, that its
// declared lengths match the lengths implied by its ops, that its char bank
// is exactly consumed, and that it is in canonical (normalized) form.
func CheckRep(cs string) error {
	u, err := Unpack(cs)
	if err != nil {
		return err
	}
	assem := newSmartOpAssembler()
	oldPos := 0
	calcNewLen := 0
	bank := u.CharBank
	it := NewOpIter(u.Ops)
	for it.Next() {
		o := it.Op()
		switch o.Opcode {
		case OpKeep:
			oldPos += o.Chars
			calcNewLen += o.Chars
		case OpRemove:
			oldPos += o.Chars
			if oldPos > u.OldLen {
				return malformedf("ops consume %d chars but oldLen is %d in %q", oldPos, u.OldLen, truncate(cs))
			}
		case OpInsert:
			if len(bank) < o.Chars {
				return malformedf("not enough chars in char bank in %q", truncate(cs))
			}
			chars := bank[:o.Chars]
			if countLines(chars) != o.Lines {
				return malformedf("insert op newline count does not match char bank in %q", truncate(cs))
			}
			if o.Lines > 0 && !strings.HasSuffix(chars, "\n") {
				return malformedf("multiline insert op does not end with a newline in %q", truncate(cs))
			}
			bank = bank[o.Chars:]
			calcNewLen += o.Chars
			if calcNewLen > u.NewLen {
				return malformedf("ops produce %d chars but newLen is %d in %q", calcNewLen, u.NewLen, truncate(cs))
			}
		}
		assem.append(o)
	}
	if err := it.Err(); err != nil {
		return err
	}
	calcNewLen += u.OldLen - oldPos
	if calcNewLen != u.NewLen {
		return malformedf("claimed length does not match actual length in %q", truncate(cs))
	}
	if bank != "" {
		return malformedf("excess characters in the char bank in %q", truncate(cs))
	}
	assem.endDocument()
	if normalized := Pack(u.OldLen, calcNewLen, assem.String(), u.CharBank); normalized != cs {
		return malformedf("not in canonical form: %q", truncate(cs))
	}
	return nil
}

func countLines(s string) int {
	return strings.Count(s, "\n")
}

// stringIter consumes a string left to right.
type stringIter struct {
	s   string
	pos int
}

func (si *stringIter) remaining() int { return len(si.s) - si.pos }

func (si *stringIter) peek(n int) (string, error) {
	if n > si.remaining() {
		return "", malformedf("text iterator overrun (%d > %d)", n, si.remaining())
	}
	return si.s[si.pos : si.pos+n], nil
}

func (si *stringIter) take(n int) (string, error) {
	s, err := si.peek(n)
	if err != nil {
		return "", err
	}
	si.pos += n
	return s, nil
}

func (si *stringIter) skip(n int) error {
	if n > si.remaining() {
		return malformedf("text iterator overrun (%d > %d)", n, si.remaining())
	}
	si.pos += n
	return nil
}
