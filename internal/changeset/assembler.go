package changeset

import "strings"

// opAssembler serializes ops verbatim.
type opAssembler struct {
	b strings.Builder
}

func (a *opAssembler) append(op Op) {
	op.writeTo(&a.b)
}

func (a *opAssembler) String() string { return a.b.String() }

func (a *opAssembler) clear() { a.b.Reset() }

// mergingOpAssembler merges consecutive mergeable ops, drops no-ops and, at
// endDocument, leaves a final attribute-less keep implicit. It does not
// reorder operations.
type mergingOpAssembler struct {
	assem opAssembler
	bufOp Op
	// If we get, for example, insertions [xxx\n, yyy], those don't merge,
	// but if we get [xxx\n, yyy, zzz\n], that merges to [xxx\nyyyzzz\n].
	// This is the length of yyy and any other newline-less ops right after it.
	bufOpAdditionalCharsAfterNewline int
}

func (a *mergingOpAssembler) flush(isEndDocument bool) {
	if a.bufOp.Opcode == 0 {
		return
	}
	if isEndDocument && a.bufOp.Opcode == OpKeep && a.bufOp.Attribs == "" {
		// final merged keep, leave it implicit
	} else {
		a.assem.append(a.bufOp)
		if a.bufOpAdditionalCharsAfterNewline > 0 {
			a.bufOp.Chars = a.bufOpAdditionalCharsAfterNewline
			a.bufOp.Lines = 0
			a.assem.append(a.bufOp)
			a.bufOpAdditionalCharsAfterNewline = 0
		}
	}
	a.bufOp.Opcode = 0
}

func (a *mergingOpAssembler) append(op Op) {
	if op.Chars <= 0 {
		return
	}
	if a.bufOp.Opcode == op.Opcode && a.bufOp.Attribs == op.Attribs {
		switch {
		case op.Lines > 0:
			// bufOp and any additional chars are mergeable into a multi-line op
			a.bufOp.Chars += a.bufOpAdditionalCharsAfterNewline + op.Chars
			a.bufOp.Lines += op.Lines
			a.bufOpAdditionalCharsAfterNewline = 0
		case a.bufOp.Lines == 0:
			a.bufOp.Chars += op.Chars
		default:
			a.bufOpAdditionalCharsAfterNewline += op.Chars
		}
	} else {
		a.flush(false)
		a.bufOp = op
	}
}

func (a *mergingOpAssembler) endDocument() {
	a.flush(true)
}

func (a *mergingOpAssembler) String() string {
	a.flush(false)
	return a.assem.String()
}

func (a *mergingOpAssembler) clear() {
	a.assem.clear()
	a.bufOp = Op{}
	a.bufOpAdditionalCharsAfterNewline = 0
}

// smartOpAssembler produces conforming op strings from looser input: it
// merges mergeable ops, reorders consecutive inserts and removes so removes
// come first, ignores zero-length changes and strips the final pure keep.
type smartOpAssembler struct {
	minusAssem   mergingOpAssembler
	plusAssem    mergingOpAssembler
	keepAssem    mergingOpAssembler
	out          strings.Builder
	lastOpcode   byte
	lengthChange int
}

func newSmartOpAssembler() *smartOpAssembler {
	return &smartOpAssembler{}
}

func (a *smartOpAssembler) flushKeeps() {
	a.out.WriteString(a.keepAssem.String())
	a.keepAssem.clear()
}

func (a *smartOpAssembler) flushPlusMinus() {
	a.out.WriteString(a.minusAssem.String())
	a.minusAssem.clear()
	a.out.WriteString(a.plusAssem.String())
	a.plusAssem.clear()
}

func (a *smartOpAssembler) append(op Op) {
	if op.Opcode == 0 || op.Chars == 0 {
		return
	}
	switch op.Opcode {
	case OpRemove:
		if a.lastOpcode == OpKeep {
			a.flushKeeps()
		}
		a.minusAssem.append(op)
		a.lengthChange -= op.Chars
	case OpInsert:
		if a.lastOpcode == OpKeep {
			a.flushKeeps()
		}
		a.plusAssem.append(op)
		a.lengthChange += op.Chars
	case OpKeep:
		if a.lastOpcode != OpKeep {
			a.flushPlusMinus()
		}
		a.keepAssem.append(op)
	}
	a.lastOpcode = op.Opcode
}

func (a *smartOpAssembler) endDocument() {
	a.keepAssem.endDocument()
}

func (a *smartOpAssembler) String() string {
	a.flushPlusMinus()
	a.flushKeeps()
	return a.out.String()
}

func (a *smartOpAssembler) getLengthChange() int { return a.lengthChange }

// opsFromText generates one or two ops covering text: a multiline op up to
// the last newline, then an op for the trailing newline-less remainder.
func opsFromText(opcode byte, text, attribs string) []Op {
	if text == "" {
		return nil
	}
	op := Op{Opcode: opcode, Attribs: attribs}
	lastNewline := strings.LastIndexByte(text, '\n')
	if lastNewline < 0 {
		op.Chars = len(text)
		return []Op{op}
	}
	op.Chars = lastNewline + 1
	op.Lines = countLines(text)
	rest := Op{Opcode: opcode, Attribs: attribs, Chars: len(text) - (lastNewline + 1)}
	if rest.Chars == 0 {
		return []Op{op}
	}
	return []Op{op, rest}
}

// Builder incrementally constructs a packed changeset against a document of
// a known length. Attribute arguments are encoded attribute reference strings
// (see AttribsToString).
type Builder struct {
	oldLen int
	assem  *smartOpAssembler
	bank   strings.Builder
}

func NewBuilder(oldLen int) *Builder {
	return &Builder{oldLen: oldLen, assem: newSmartOpAssembler()}
}

// Keep emits a keep of n chars containing lines newlines. If lines is
// positive the last kept character must be a newline.
func (b *Builder) Keep(n, lines int, attribs string) *Builder {
	b.assem.append(Op{Opcode: OpKeep, Chars: n, Lines: lines, Attribs: attribs})
	return b
}

// KeepText keeps len(text) characters, deriving the newline split from text.
func (b *Builder) KeepText(text, attribs string) *Builder {
	for _, op := range opsFromText(OpKeep, text, attribs) {
		b.assem.append(op)
	}
	return b
}

// Insert appends text to the char bank and emits matching insert ops.
func (b *Builder) Insert(text, attribs string) *Builder {
	for _, op := range opsFromText(OpInsert, text, attribs) {
		b.assem.append(op)
	}
	b.bank.WriteString(text)
	return b
}

// Remove emits a removal of n chars containing lines newlines.
func (b *Builder) Remove(n, lines int) *Builder {
	b.assem.append(Op{Opcode: OpRemove, Chars: n, Lines: lines})
	return b
}

func (b *Builder) String() string {
	b.assem.endDocument()
	newLen := b.oldLen + b.assem.getLengthChange()
	return Pack(b.oldLen, newLen, b.assem.String(), b.bank.String())
}

// MakeSplice builds a changeset over orig that removes ndel characters at
// start and inserts ins there instead. Out-of-range arguments are clamped.
func MakeSplice(orig string, start, ndel int, ins string) string {
	if start < 0 {
		start = 0
	}
	if start > len(orig) {
		start = len(orig)
	}
	if ndel < 0 {
		ndel = 0
	}
	if ndel > len(orig)-start {
		ndel = len(orig) - start
	}
	b := NewBuilder(len(orig))
	b.KeepText(orig[:start], "")
	for _, op := range opsFromText(OpRemove, orig[start:start+ndel], "") {
		b.assem.append(op)
	}
	b.Insert(ins, "")
	return b.String()
}
