package changeset

// SubAttribution extracts the attribution of the character range [start, end)
// from an attribution string. Newline counts are carried per run, so a range
// that cuts a multiline run anywhere but at a newline yields runs with
// understated line counts; slice at line boundaries when that matters.
func SubAttribution(astr string, start, end int) (string, error) {
	it := NewOpIter(astr)
	var attOp Op
	assem := newSmartOpAssembler()

	// doCsOp slices the run stream with a synthetic op: a remove skips over
	// chars, a keep copies them through zipSlicer. Runs may span newlines, so
	// the synthetic op grows a line budget as multiline runs come up.
	doCsOp := func(csOp Op) error {
		if csOp.Chars == 0 {
			return nil
		}
		for csOp.Opcode != 0 && (attOp.Opcode != 0 || it.Next()) {
			if attOp.Opcode == 0 {
				attOp = it.Op()
			}
			if csOp.Opcode != 0 && attOp.Opcode != 0 &&
				csOp.Chars >= attOp.Chars && attOp.Lines > 0 && csOp.Lines <= 0 {
				csOp.Lines++
			}
			out, err := zipSlicer(&attOp, &csOp, nil)
			if err != nil {
				return err
			}
			if out.Opcode != 0 {
				assem.append(out)
			}
		}
		return it.Err()
	}

	if err := doCsOp(Op{Opcode: OpRemove, Chars: start}); err != nil {
		return "", err
	}
	if err := doCsOp(Op{Opcode: OpKeep, Chars: end - start}); err != nil {
		return "", err
	}
	return assem.String(), nil
}
