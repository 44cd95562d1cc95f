package changeset

import (
	"strings"

	"github.com/ottopad/ottopad/internal/apool"
)

// Inverse computes the changeset that undoes cs. atext is the document cs was
// applied to, i.e. the state before cs. Applying cs and then its inverse to
// atext restores both the text and its attribution.
func Inverse(cs string, atext AText, pool *apool.Pool) (string, error) {
	u, err := Unpack(cs)
	if err != nil {
		return "", err
	}
	if u.OldLen != len(atext.Text) {
		return "", malformedf("mismatched inverse: text length %d, changeset oldLen %d", len(atext.Text), u.OldLen)
	}

	runs := NewOpIter(atext.Attribs)
	var cur Op
	textPos := 0

	// consumeBase walks n chars of the pre-changeset document, calling fn for
	// each maximal slice covered by a single attribution run.
	consumeBase := func(n int, fn func(segText, attribs string) error) error {
		for n > 0 {
			if cur.Chars == 0 {
				if !runs.Next() {
					if err := runs.Err(); err != nil {
						return err
					}
					return malformedf("attribution string too short for changeset")
				}
				cur = runs.Op()
			}
			seg := cur.Chars
			if n < seg {
				seg = n
			}
			segText := atext.Text[textPos : textPos+seg]
			if fn != nil {
				if err := fn(segText, cur.Attribs); err != nil {
					return err
				}
			}
			textPos += seg
			cur.Chars -= seg
			n -= seg
		}
		return nil
	}

	assem := newSmartOpAssembler()
	var bank strings.Builder
	csBank := &stringIter{s: u.CharBank}

	it := NewOpIter(u.Ops)
	for it.Next() {
		op := it.Op()
		switch op.Opcode {
		case OpKeep:
			if op.Attribs == "" {
				assem.append(Op{Opcode: OpKeep, Chars: op.Chars, Lines: op.Lines})
				if err := consumeBase(op.Chars, nil); err != nil {
					return "", err
				}
				continue
			}
			// An attribute mutation: keep the same range but emit the
			// attributes that restore each underlying run.
			err := consumeBase(op.Chars, func(segText, baseAttribs string) error {
				back, err := undoBackToAttribs(op.Attribs, baseAttribs, pool)
				if err != nil {
					return err
				}
				for _, o := range opsFromText(OpKeep, segText, back) {
					assem.append(o)
				}
				return nil
			})
			if err != nil {
				return "", err
			}
		case OpRemove:
			// Re-insert the removed text with its original attribution.
			err := consumeBase(op.Chars, func(segText, baseAttribs string) error {
				for _, o := range opsFromText(OpInsert, segText, baseAttribs) {
					assem.append(o)
				}
				bank.WriteString(segText)
				return nil
			})
			if err != nil {
				return "", err
			}
		case OpInsert:
			s, err := csBank.take(op.Chars)
			if err != nil {
				return "", err
			}
			for _, o := range opsFromText(OpRemove, s, "") {
				assem.append(o)
			}
		}
	}
	if err := it.Err(); err != nil {
		return "", err
	}
	assem.endDocument()
	return Pack(u.NewLen, u.OldLen, assem.String(), bank.String()), nil
}

// undoBackToAttribs computes the attribute string that reverts applied on a
// run whose attributes were base. Keys present in base but untouched by
// applied are left alone.
func undoBackToAttribs(applied, base string, pool *apool.Pool) (string, error) {
	appliedAttribs, err := AttribsFromString(applied, pool)
	if err != nil {
		return "", err
	}
	baseMap, err := attribMapFromString(base, pool)
	if err != nil {
		return "", err
	}
	var back []apool.Attribute
	for _, a := range appliedAttribs {
		if old := baseMap[a.Key]; old != a.Value {
			back = append(back, apool.Attribute{Key: a.Key, Value: old})
		}
	}
	apool.SortAttribs(back)
	return AttribsToString(back, pool), nil
}
