package changeset

import (
	"strings"

	"github.com/ottopad/ottopad/internal/apool"
)

// AText is a document snapshot: the full text plus an attribution string, a
// serialized sequence of insert ops whose runs cover exactly len(Text)
// characters and describe which parts of the text carry which attributes.
// A well-formed AText always ends with a newline.
type AText struct {
	Text    string `json:"text"`
	Attribs string `json:"attribs"`
}

// MakeAText builds an AText with a fresh attribute-less attribution.
func MakeAText(text string) AText {
	return AText{Text: text, Attribs: MakeAttribution(text)}
}

// MakeAttribution builds the attribution string of an unattributed text.
func MakeAttribution(text string) string {
	assem := newSmartOpAssembler()
	for _, op := range opsFromText(OpInsert, text, "") {
		assem.append(op)
	}
	return assem.String()
}

// ApplyToText replays a packed changeset over a plain text.
func ApplyToText(cs, text string) (string, error) {
	u, err := Unpack(cs)
	if err != nil {
		return "", err
	}
	if len(text) != u.OldLen {
		return "", malformedf("mismatched apply: text length %d, changeset oldLen %d", len(text), u.OldLen)
	}
	bankIter := &stringIter{s: u.CharBank}
	strIter := &stringIter{s: text}
	var b strings.Builder
	it := NewOpIter(u.Ops)
	for it.Next() {
		op := it.Op()
		switch op.Opcode {
		case OpInsert:
			s, err := bankIter.take(op.Chars)
			if err != nil {
				return "", err
			}
			if countLines(s) != op.Lines {
				return "", malformedf("insert op newline count is wrong in %q", truncate(cs))
			}
			b.WriteString(s)
		case OpRemove:
			s, err := strIter.peek(op.Chars)
			if err != nil {
				return "", err
			}
			if countLines(s) != op.Lines {
				return "", malformedf("remove op newline count is wrong in %q", truncate(cs))
			}
			strIter.skip(op.Chars)
		case OpKeep:
			s, err := strIter.take(op.Chars)
			if err != nil {
				return "", err
			}
			if countLines(s) != op.Lines {
				return "", malformedf("keep op newline count is wrong in %q", truncate(cs))
			}
			b.WriteString(s)
		}
	}
	if err := it.Err(); err != nil {
		return "", err
	}
	rest, _ := strIter.take(strIter.remaining())
	b.WriteString(rest)
	out := b.String()
	if len(out) != u.NewLen {
		return "", malformedf("applied length %d does not match newLen %d", len(out), u.NewLen)
	}
	return out, nil
}

// zipFunc applies one current op to another. It may partially consume either
// side; a side is fully consumed when its Opcode is set to zero. The returned
// op (if its Opcode is non-zero) is appended to the output.
type zipFunc func(op1, op2 *Op) (Op, error)

// applyZip zips two op strings through f into a single canonical op string.
func applyZip(in1, in2 string, f zipFunc) (string, error) {
	it1 := NewOpIter(in1)
	it2 := NewOpIter(in2)
	var op1, op2 Op
	assem := newSmartOpAssembler()
	for {
		if op1.Opcode == 0 && it1.Next() {
			op1 = it1.Op()
		}
		if op2.Opcode == 0 && it2.Next() {
			op2 = it2.Op()
		}
		if err := it1.Err(); err != nil {
			return "", err
		}
		if err := it2.Err(); err != nil {
			return "", err
		}
		if op1.Opcode == 0 && op2.Opcode == 0 {
			break
		}
		out, err := f(&op1, &op2)
		if err != nil {
			return "", err
		}
		if out.Opcode != 0 {
			assem.append(out)
		}
	}
	assem.endDocument()
	return assem.String(), nil
}

// zipSlicer slices attOp (an attribution run or the earlier of two composed
// changesets) against csOp (the later changeset's op) and emits the combined
// op. This is the kernel shared by attribution application and composition.
func zipSlicer(attOp, csOp *Op, pool *apool.Pool) (Op, error) {
	var out Op
	switch {
	case attOp.Opcode == 0:
		out = *csOp
		csOp.Opcode = 0
	case csOp.Opcode == 0:
		out = *attOp
		attOp.Opcode = 0
	case attOp.Opcode == OpRemove:
		// A removal in the base attribution passes through untouched.
		out = *attOp
		attOp.Opcode = 0
	case csOp.Opcode == OpInsert:
		out = *csOp
		csOp.Opcode = 0
	default:
		for _, op := range []*Op{attOp, csOp} {
			if op.Chars < op.Lines {
				return Op{}, malformedf("op has more newlines than chars: %s", op.String())
			}
		}
		switch {
		case attOp.Chars < csOp.Chars && attOp.Lines > csOp.Lines,
			attOp.Chars > csOp.Chars && attOp.Lines < csOp.Lines,
			attOp.Chars == csOp.Chars && attOp.Lines != csOp.Lines:
			return Op{}, malformedf("line count mismatch when composing ops %s and %s", attOp.String(), csOp.String())
		}
		if attOp.Opcode != OpInsert && attOp.Opcode != OpKeep {
			return Op{}, malformedf("unexpected opcode in op %s", attOp.String())
		}
		if csOp.Opcode != OpRemove && csOp.Opcode != OpKeep {
			return Op{}, malformedf("unexpected opcode in op %s", csOp.String())
		}
		switch {
		case attOp.Opcode == OpInsert && csOp.Opcode == OpRemove:
			out.Opcode = 0 // the remove cancels out (some of) the insert
		case attOp.Opcode == OpInsert && csOp.Opcode == OpKeep:
			out.Opcode = OpInsert
		case attOp.Opcode == OpKeep && csOp.Opcode == OpRemove:
			out.Opcode = OpRemove
		default:
			out.Opcode = OpKeep
		}
		full, partial := attOp, csOp
		if csOp.Chars < attOp.Chars {
			full, partial = csOp, attOp
		}
		out.Chars = full.Chars
		out.Lines = full.Lines
		if csOp.Opcode == OpRemove {
			// Remove ops normally carry no attributes, but history diffing
			// attaches them to removes and needs them preserved.
			out.Attribs = csOp.Attribs
		} else {
			attribs, err := composeAttributes(attOp.Attribs, csOp.Attribs, attOp.Opcode == OpKeep, pool)
			if err != nil {
				return Op{}, err
			}
			out.Attribs = attribs
		}
		partial.Chars -= full.Chars
		partial.Lines -= full.Lines
		if partial.Chars == 0 {
			partial.Opcode = 0
		}
		full.Opcode = 0
	}
	return out, nil
}

// ApplyToAttribution applies a packed changeset to an attribution string.
func ApplyToAttribution(cs, astr string, pool *apool.Pool) (string, error) {
	u, err := Unpack(cs)
	if err != nil {
		return "", err
	}
	return applyZip(astr, u.Ops, func(op1, op2 *Op) (Op, error) {
		return zipSlicer(op1, op2, pool)
	})
}

// ApplyToAText applies a packed changeset to a document snapshot. Every
// attribute number referenced by cs must resolve in pool.
func ApplyToAText(cs string, atext AText, pool *apool.Pool) (AText, error) {
	var badNum int
	ok := true
	if err := EachAttribNumber(cs, func(num int) {
		if _, found := pool.Get(num); !found && ok {
			ok, badNum = false, num
		}
	}); err != nil {
		return AText{}, err
	}
	if !ok {
		return AText{}, malformedf("attribute %d does not exist in pool", badNum)
	}
	text, err := ApplyToText(cs, atext.Text)
	if err != nil {
		return AText{}, err
	}
	attribs, err := ApplyToAttribution(cs, atext.Attribs, pool)
	if err != nil {
		return AText{}, err
	}
	return AText{Text: text, Attribs: attribs}, nil
}

// InsertAText builds the changeset that turns an empty document ("\n") into
// atext, preserving its attribution. Attribute numbers are carried over
// as-is; translate with MoveOpsToNewPool when crossing pools.
func InsertAText(atext AText) (string, error) {
	ops, err := OpsFromAText(atext)
	if err != nil {
		return "", err
	}
	assem := newSmartOpAssembler()
	for _, op := range ops {
		assem.append(op)
	}
	assem.endDocument()
	bank := atext.Text[:len(atext.Text)-1]
	return Pack(1, 1+len(bank), assem.String(), bank), nil
}

// OpsFromAText converts a snapshot into the insert ops that produce it,
// intentionally excluding the final newline.
func OpsFromAText(atext AText) ([]Op, error) {
	ops, err := DeserializeOps(atext.Attribs)
	if err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return nil, nil
	}
	last := &ops[len(ops)-1]
	if last.Lines <= 1 {
		last.Lines = 0
		last.Chars--
	} else {
		nextToLastNewlineEnd := strings.LastIndexByte(atext.Text[:len(atext.Text)-1], '\n') + 1
		lastLineLength := len(atext.Text) - nextToLastNewlineEnd - 1
		last.Lines--
		last.Chars -= lastLineLength + 1
		ops = append(ops, Op{Opcode: last.Opcode, Attribs: last.Attribs, Chars: lastLineLength})
		last = &ops[len(ops)-1]
	}
	if last.Chars == 0 {
		ops = ops[:len(ops)-1]
	}
	return ops, nil
}
