package changeset

import (
	"strings"

	"github.com/ottopad/ottopad/internal/apool"
)

// Compose combines two packed changesets into one whose effect equals
// applying cs1 then cs2. cs1's newLen must equal cs2's oldLen.
func Compose(cs1, cs2 string, pool *apool.Pool) (string, error) {
	u1, err := Unpack(cs1)
	if err != nil {
		return "", err
	}
	u2, err := Unpack(cs2)
	if err != nil {
		return "", err
	}
	if u1.NewLen != u2.OldLen {
		return "", malformedf("compose length mismatch: first newLen %d, second oldLen %d", u1.NewLen, u2.OldLen)
	}
	bank1 := &stringIter{s: u1.CharBank}
	bank2 := &stringIter{s: u2.CharBank}
	var bank strings.Builder

	newOps, err := applyZip(u1.Ops, u2.Ops, func(op1, op2 *Op) (Op, error) {
		op1code, op2code := op1.Opcode, op2.Opcode
		if op1code == OpInsert && op2code == OpRemove {
			// cs2 deletes text that cs1 inserted; those chars vanish from
			// the composed bank.
			n := op1.Chars
			if op2.Chars < n {
				n = op2.Chars
			}
			if err := bank1.skip(n); err != nil {
				return Op{}, err
			}
		}
		out, err := zipSlicer(op1, op2, pool)
		if err != nil {
			return Op{}, err
		}
		if out.Opcode == OpInsert {
			src := bank1
			if op2code == OpInsert {
				src = bank2
			}
			s, err := src.take(out.Chars)
			if err != nil {
				return Op{}, err
			}
			bank.WriteString(s)
		}
		return out, nil
	})
	if err != nil {
		return "", err
	}
	return Pack(u1.OldLen, u2.NewLen, newOps, bank.String()), nil
}
