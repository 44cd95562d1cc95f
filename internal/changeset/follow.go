package changeset

import (
	"sort"

	"github.com/ottopad/ottopad/internal/apool"
)

// Follow transforms cs2 so it can be applied after cs1, given that both were
// made against the same base text. Applying cs1 then Follow(cs1, cs2) yields
// the same document as applying cs2 then Follow(cs2, cs1, reversed).
// reverseInsertOrder breaks ties when both changesets insert at the same
// position and no attribute or newline rule decides the order.
func Follow(cs1, cs2 string, reverseInsertOrder bool, pool *apool.Pool) (string, error) {
	u1, err := Unpack(cs1)
	if err != nil {
		return "", err
	}
	u2, err := Unpack(cs2)
	if err != nil {
		return "", err
	}
	if u1.OldLen != u2.OldLen {
		return "", malformedf("mismatched follow: oldLen %d vs %d", u1.OldLen, u2.OldLen)
	}
	chars1 := &stringIter{s: u1.CharBank}
	chars2 := &stringIter{s: u2.CharBank}

	oldLen := u1.NewLen
	oldPos := 0
	newLen := 0

	hasInsertFirst := makeAttributeTester(apool.Attribute{Key: "insertorder", Value: "first"}, pool)

	newOps, err := applyZip(u1.Ops, u2.Ops, func(op1, op2 *Op) (Op, error) {
		var out Op
		switch {
		case op1.Opcode == OpInsert || op2.Opcode == OpInsert:
			whichToDo := 1
			switch {
			case op2.Opcode != OpInsert:
				whichToDo = 1
			case op1.Opcode != OpInsert:
				whichToDo = 2
			default:
				// Both sides insert at the same spot; decide who goes first.
				firstChar1, err := chars1.peek(1)
				if err != nil {
					return Op{}, err
				}
				firstChar2, err := chars2.peek(1)
				if err != nil {
					return Op{}, err
				}
				insertFirst1, err := hasInsertFirst(op1.Attribs)
				if err != nil {
					return Op{}, err
				}
				insertFirst2, err := hasInsertFirst(op2.Attribs)
				if err != nil {
					return Op{}, err
				}
				switch {
				case insertFirst1 && !insertFirst2:
					whichToDo = 1
				case insertFirst2 && !insertFirst1:
					whichToDo = 2
				case firstChar1 == "\n" && firstChar2 != "\n":
					// An insert starting with a newline ceases to be on its
					// original line, so it goes after the other insert.
					whichToDo = 2
				case firstChar1 != "\n" && firstChar2 == "\n":
					whichToDo = 1
				case reverseInsertOrder:
					whichToDo = 2
				default:
					whichToDo = 1
				}
			}
			if whichToDo == 1 {
				// cs1's insert becomes a keep: the text is already there.
				if err := chars1.skip(op1.Chars); err != nil {
					return Op{}, err
				}
				out = Op{Opcode: OpKeep, Chars: op1.Chars, Lines: op1.Lines}
				op1.Opcode = 0
			} else {
				if err := chars2.skip(op2.Chars); err != nil {
					return Op{}, err
				}
				out = *op2
				op2.Opcode = 0
			}
		case op1.Opcode == OpRemove:
			// cs1 already removed these chars; cs2's ops over them drop out.
			switch {
			case op2.Opcode == 0:
				op1.Opcode = 0
			case op1.Chars <= op2.Chars:
				op2.Chars -= op1.Chars
				op2.Lines -= op1.Lines
				op1.Opcode = 0
				if op2.Chars == 0 {
					op2.Opcode = 0
				}
			default:
				op1.Chars -= op2.Chars
				op1.Lines -= op2.Lines
				op2.Opcode = 0
			}
		case op2.Opcode == OpRemove:
			out = *op2
			switch {
			case op1.Opcode == 0:
				op2.Opcode = 0
			case op2.Chars <= op1.Chars:
				op1.Chars -= op2.Chars
				op1.Lines -= op2.Lines
				op2.Opcode = 0
				if op1.Chars == 0 {
					op1.Opcode = 0
				}
			default:
				out.Chars = op1.Chars
				out.Lines = op1.Lines
				op2.Chars -= op1.Chars
				op2.Lines -= op1.Lines
				op1.Opcode = 0
			}
		case op1.Opcode == 0:
			out = *op2
			op2.Opcode = 0
		case op2.Opcode == 0:
			// Trailing keeps from cs1 are not copied; the implicit final
			// keep covers them.
			op1.Opcode = 0
		default:
			// Both keeps.
			attribs, err := followAttributes(op1.Attribs, op2.Attribs, pool)
			if err != nil {
				return Op{}, err
			}
			out.Opcode = OpKeep
			out.Attribs = attribs
			if op1.Chars <= op2.Chars {
				out.Chars = op1.Chars
				out.Lines = op1.Lines
				op2.Chars -= op1.Chars
				op2.Lines -= op1.Lines
				op1.Opcode = 0
				if op2.Chars == 0 {
					op2.Opcode = 0
				}
			} else {
				out.Chars = op2.Chars
				out.Lines = op2.Lines
				op1.Chars -= op2.Chars
				op1.Lines -= op2.Lines
				op2.Opcode = 0
			}
		}
		switch out.Opcode {
		case OpKeep:
			oldPos += out.Chars
			newLen += out.Chars
		case OpRemove:
			oldPos += out.Chars
		case OpInsert:
			newLen += out.Chars
		}
		return out, nil
	})
	if err != nil {
		return "", err
	}
	newLen += oldLen - oldPos
	return Pack(oldLen, newLen, newOps, u2.CharBank), nil
}

// makeAttributeTester returns a predicate reporting whether an attrib string
// references the given attribute. If the attribute is not in the pool at all,
// the predicate is always false.
func makeAttributeTester(attrib apool.Attribute, pool *apool.Pool) func(attribs string) (bool, error) {
	num, ok := pool.Lookup(attrib)
	if !ok {
		return func(string) (bool, error) { return false, nil }
	}
	return func(attribs string) (bool, error) {
		nums, err := DecodeAttribString(attribs)
		if err != nil {
			return false, err
		}
		for _, n := range nums {
			if n == num {
				return true, nil
			}
		}
		return false, nil
	}
}

// followAttributes resolves the attributes of two keeps over the same range.
// att2 wins except where att1 sets the same key to a lexically greater value.
func followAttributes(att1, att2 string, pool *apool.Pool) (string, error) {
	if att2 == "" || pool == nil {
		return "", nil
	}
	if att1 == "" {
		return att2, nil
	}
	atts := map[string]string{}
	nums2, err := DecodeAttribString(att2)
	if err != nil {
		return "", err
	}
	for _, n := range nums2 {
		a, ok := pool.Get(n)
		if !ok {
			return "", malformedf("attribute %d does not exist in pool", n)
		}
		atts[a.Key] = a.Value
	}
	nums1, err := DecodeAttribString(att1)
	if err != nil {
		return "", err
	}
	for _, n := range nums1 {
		a, ok := pool.Get(n)
		if !ok {
			return "", malformedf("attribute %d does not exist in pool", n)
		}
		if v, has := atts[a.Key]; has && a.Value <= v {
			delete(atts, a.Key)
		}
	}
	keys := make([]string, 0, len(atts))
	for k := range atts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	nums := make([]int, 0, len(keys))
	for _, k := range keys {
		nums = append(nums, pool.Put(apool.Attribute{Key: k, Value: atts[k]}))
	}
	return EncodeAttribString(nums), nil
}
