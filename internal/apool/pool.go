// Package apool implements the attribute pool: an append-only intern table
// that maps (key, value) formatting pairs to small integers so changesets can
// reference attributes compactly. There is one pool per pad and it contains
// every attribute the pad has ever used.
package apool

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Attribute is a single (key, value) formatting pair, e.g. ("bold", "true")
// or ("author", "a.h4x0r").
type Attribute struct {
	Key   string
	Value string
}

// Pool interns attributes. Numbers are issued in increasing order and are
// never reused or reassigned, so changesets that reference old numbers stay
// valid forever. Pool is not safe for concurrent mutation; the per-pad queue
// serializes writers.
type Pool struct {
	numToAttrib map[int]Attribute
	attribToNum map[Attribute]int
	nextNum     int
}

func New() *Pool {
	return &Pool{
		numToAttrib: make(map[int]Attribute),
		attribToNum: make(map[Attribute]int),
	}
}

// Put returns the number for attr, interning it if it is not already present.
func (p *Pool) Put(attr Attribute) int {
	if n, ok := p.attribToNum[attr]; ok {
		return n
	}
	n := p.nextNum
	p.nextNum++
	p.attribToNum[attr] = n
	p.numToAttrib[n] = attr
	return n
}

// Lookup returns the number for attr without interning it.
func (p *Pool) Lookup(attr Attribute) (int, bool) {
	n, ok := p.attribToNum[attr]
	return n, ok
}

// Get returns the attribute for a previously issued number.
func (p *Pool) Get(num int) (Attribute, bool) {
	attr, ok := p.numToAttrib[num]
	return attr, ok
}

// Size returns the number of interned attributes.
func (p *Pool) Size() int { return p.nextNum }

// Each calls fn for every attribute in the pool in numbering order.
func (p *Pool) Each(fn func(num int, attr Attribute)) {
	for n := 0; n < p.nextNum; n++ {
		fn(n, p.numToAttrib[n])
	}
}

// Copy returns a deep copy that preserves numbering. Used when copying pads.
func (p *Pool) Copy() *Pool {
	c := New()
	c.nextNum = p.nextNum
	for n, attr := range p.numToAttrib {
		c.numToAttrib[n] = attr
		c.attribToNum[attr] = n
	}
	return c
}

// Check validates the pool's internal consistency: dense numbering and the
// bijection between both maps.
func (p *Pool) Check() error {
	if p.nextNum < 0 {
		return fmt.Errorf("apool: negative nextNum %d", p.nextNum)
	}
	if len(p.numToAttrib) != p.nextNum || len(p.attribToNum) != p.nextNum {
		return fmt.Errorf("apool: size mismatch (nextNum %d, numToAttrib %d, attribToNum %d)",
			p.nextNum, len(p.numToAttrib), len(p.attribToNum))
	}
	for n := 0; n < p.nextNum; n++ {
		attr, ok := p.numToAttrib[n]
		if !ok {
			return fmt.Errorf("apool: missing attribute number %d", n)
		}
		if got, ok := p.attribToNum[attr]; !ok || got != n {
			return fmt.Errorf("apool: attribToNum[%s=%s] = %d, want %d", attr.Key, attr.Value, got, n)
		}
	}
	return nil
}

// poolJSON is the persisted form. numToAttrib keys are decimal strings and
// the values [key, value] pairs, matching the snapshot format consumed by
// clients; attribToNum is derivable and rebuilt on load.
type poolJSON struct {
	NumToAttrib map[string][2]string `json:"numToAttrib"`
	NextNum     int                  `json:"nextNum"`
}

func (p *Pool) MarshalJSON() ([]byte, error) {
	out := poolJSON{NumToAttrib: make(map[string][2]string, p.nextNum), NextNum: p.nextNum}
	for n, attr := range p.numToAttrib {
		out.NumToAttrib[strconv.Itoa(n)] = [2]string{attr.Key, attr.Value}
	}
	return json.Marshal(out)
}

func (p *Pool) UnmarshalJSON(data []byte) error {
	var in poolJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	p.numToAttrib = make(map[int]Attribute, len(in.NumToAttrib))
	p.attribToNum = make(map[Attribute]int, len(in.NumToAttrib))
	p.nextNum = in.NextNum
	for k, pair := range in.NumToAttrib {
		n, err := strconv.Atoi(k)
		if err != nil {
			return fmt.Errorf("apool: bad attribute number %q: %w", k, err)
		}
		attr := Attribute{Key: pair[0], Value: pair[1]}
		p.numToAttrib[n] = attr
		p.attribToNum[attr] = n
	}
	return nil
}

// SortAttribs orders attributes by key, then value. Canonical attribute
// strings list attributes in this order.
func SortAttribs(attribs []Attribute) {
	sort.Slice(attribs, func(i, j int) bool {
		if attribs[i].Key != attribs[j].Key {
			return attribs[i].Key < attribs[j].Key
		}
		return attribs[i].Value < attribs[j].Value
	})
}
