package changeset

import (
	"strings"

	"github.com/ottopad/ottopad/internal/apool"
)

// DecodeAttribString parses an attribute reference string such as "*3*1c"
// into pool numbers.
func DecodeAttribString(s string) ([]int, error) {
	var nums []int
	i := 0
	for i < len(s) {
		if s[i] != '*' {
			return nil, malformedf("invalid character in attribute string %q", truncate(s))
		}
		i++
		n := span36(s[i:])
		if n == 0 {
			return nil, malformedf("bad attribute number in %q", truncate(s))
		}
		num, err := parseNum36(s[i : i+n])
		if err != nil {
			return nil, err
		}
		nums = append(nums, num)
		i += n
	}
	return nums, nil
}

// EncodeAttribString is the inverse of DecodeAttribString.
func EncodeAttribString(nums []int) string {
	var b strings.Builder
	for _, n := range nums {
		b.WriteByte('*')
		b.WriteString(num36(n))
	}
	return b.String()
}

// AttribsToString interns attribs into pool and encodes their numbers in
// canonical (key-sorted) order.
func AttribsToString(attribs []apool.Attribute, pool *apool.Pool) string {
	sorted := make([]apool.Attribute, len(attribs))
	copy(sorted, attribs)
	apool.SortAttribs(sorted)
	nums := make([]int, len(sorted))
	for i, a := range sorted {
		nums[i] = pool.Put(a)
	}
	return EncodeAttribString(nums)
}

// AttribsFromString resolves an attribute reference string against pool.
func AttribsFromString(s string, pool *apool.Pool) ([]apool.Attribute, error) {
	nums, err := DecodeAttribString(s)
	if err != nil {
		return nil, err
	}
	attribs := make([]apool.Attribute, len(nums))
	for i, n := range nums {
		attr, ok := pool.Get(n)
		if !ok {
			return nil, malformedf("attribute %d does not exist in pool", n)
		}
		attribs[i] = attr
	}
	return attribs, nil
}

// attribMap is an in-flight key to value mapping used while composing or
// inverting attribute strings.
type attribMap map[string]string

func attribMapFromString(s string, pool *apool.Pool) (attribMap, error) {
	attribs, err := AttribsFromString(s, pool)
	if err != nil {
		return nil, err
	}
	m := make(attribMap, len(attribs))
	for _, a := range attribs {
		m[a.Key] = a.Value
	}
	return m, nil
}

// update merges attribs into m. An empty value deletes the key when
// emptyValueIsDelete is set; otherwise it is stored as an explicit removal
// instruction.
func (m attribMap) update(attribs []apool.Attribute, emptyValueIsDelete bool) {
	for _, a := range attribs {
		if a.Value == "" && emptyValueIsDelete {
			delete(m, a.Key)
		} else {
			m[a.Key] = a.Value
		}
	}
}

func (m attribMap) toString(pool *apool.Pool) string {
	attribs := make([]apool.Attribute, 0, len(m))
	for k, v := range m {
		attribs = append(attribs, apool.Attribute{Key: k, Value: v})
	}
	return AttribsToString(attribs, pool)
}

// composeAttributes composes two attribute strings over the same text run.
// Attribute pairs are sometimes presence information and sometimes mutation
// instructions, which affects whether an empty value means "delete" or
// "explicitly cleared":
//
//	([], [(bold, )], mutation)  -> [(bold, )]
//	([], [(bold, )], presence)  -> []
//	([(bold, true)], [(bold, )], mutation) -> [(bold, )]
//	([(bold, true)], [(bold, )], presence) -> []
func composeAttributes(att1, att2 string, resultIsMutation bool, pool *apool.Pool) (string, error) {
	if att1 == "" && resultIsMutation {
		// When composing two changesets, att2 composed with an empty att1 is
		// just att2. If att1 is part of an attribution string, att2 may remove
		// attributes that are already gone, so the shortcut would be wrong.
		return att2, nil
	}
	if att2 == "" {
		return att1, nil
	}
	m, err := attribMapFromString(att1, pool)
	if err != nil {
		return "", err
	}
	attribs2, err := AttribsFromString(att2, pool)
	if err != nil {
		return "", err
	}
	m.update(attribs2, !resultIsMutation)
	return m.toString(pool), nil
}

// translateAttribRefs rewrites every "*num" reference in the pre-bank part
// of s (a packed changeset or an attribution string) through f.
func translateAttribRefs(s string, f func(num int) (string, error)) (string, error) {
	body, bank := s, ""
	if k := strings.IndexByte(s, '$'); k >= 0 {
		body, bank = s[:k], s[k:]
	}
	var b strings.Builder
	i := 0
	for i < len(body) {
		c := body[i]
		if c != '*' {
			b.WriteByte(c)
			i++
			continue
		}
		i++
		n := span36(body[i:])
		if n == 0 {
			return "", malformedf("bad attribute reference in %q", truncate(s))
		}
		num, err := parseNum36(body[i : i+n])
		if err != nil {
			return "", err
		}
		rep, err := f(num)
		if err != nil {
			return "", err
		}
		b.WriteString(rep)
		i += n
	}
	return b.String() + bank, nil
}

// MoveOpsToNewPool rewrites the attribute numbers of a packed changeset or
// attribution string authored against oldPool so it is valid against
// newPool, interning attributes into newPool as needed. References that do
// not resolve in oldPool are dropped. The relative order of references is
// preserved, so a canonical input stays canonical.
func MoveOpsToNewPool(cs string, oldPool, newPool *apool.Pool) (string, error) {
	return translateAttribRefs(cs, func(num int) (string, error) {
		attr, ok := oldPool.Get(num)
		if !ok {
			// The attribute may be missing from the old pool when historical
			// text referencing deleted runs is re-encoded; drop the reference.
			return "", nil
		}
		return "*" + num36(newPool.Put(attr)), nil
	})
}

// PrepareForWire renumbers a packed changeset or attribution string against
// a fresh minimal pool containing only the referenced attributes, for
// compact transmission.
func PrepareForWire(cs string, pool *apool.Pool) (string, *apool.Pool, error) {
	wirePool := apool.New()
	translated, err := MoveOpsToNewPool(cs, pool, wirePool)
	if err != nil {
		return "", nil, err
	}
	return translated, wirePool, nil
}

// EachAttribNumber calls fn for every attribute reference in a packed
// changeset or attribution string.
func EachAttribNumber(cs string, fn func(num int)) error {
	_, err := translateAttribRefs(cs, func(num int) (string, error) {
		fn(num)
		return "", nil
	})
	return err
}
