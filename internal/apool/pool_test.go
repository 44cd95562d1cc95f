package apool

import (
	"encoding/json"
	"testing"
)

func TestPutIsIdempotent(t *testing.T) {
	p := New()
	bold := Attribute{"bold", "true"}

	n := p.Put(bold)
	if n != 0 {
		t.Fatalf("first Put = %d, want 0", n)
	}
	if m := p.Put(bold); m != n {
		t.Fatalf("second Put = %d, want %d", m, n)
	}
	if p.Size() != 1 {
		t.Fatalf("Size = %d, want 1", p.Size())
	}
}

func TestNumbersAreNeverReassigned(t *testing.T) {
	p := New()
	attrs := []Attribute{
		{"author", "a.one"},
		{"bold", "true"},
		{"italic", "true"},
		{"author", "a.two"},
	}
	issued := make(map[int]Attribute)
	for _, a := range attrs {
		issued[p.Put(a)] = a
	}

	// interleave further puts and verify old numbers still resolve
	p.Put(Attribute{"underline", "true"})
	p.Put(Attribute{"author", "a.three"})

	for n, want := range issued {
		got, ok := p.Get(n)
		if !ok || got != want {
			t.Errorf("Get(%d) = %v, want %v", n, got, want)
		}
	}
	if err := p.Check(); err != nil {
		t.Fatal(err)
	}
}

func TestLookupDoesNotIntern(t *testing.T) {
	p := New()
	if _, ok := p.Lookup(Attribute{"bold", "true"}); ok {
		t.Fatal("Lookup found attribute in empty pool")
	}
	if p.Size() != 0 {
		t.Fatalf("Lookup interned: Size = %d", p.Size())
	}
}

func TestJSONRoundTrip(t *testing.T) {
	p := New()
	p.Put(Attribute{"author", "a.x"})
	p.Put(Attribute{"bold", "true"})
	p.Put(Attribute{"list", "bullet1"})

	data, err := json.Marshal(p)
	if err != nil {
		t.Fatal(err)
	}

	q := New()
	if err := json.Unmarshal(data, q); err != nil {
		t.Fatal(err)
	}
	if q.Size() != p.Size() {
		t.Fatalf("Size after round trip = %d, want %d", q.Size(), p.Size())
	}
	p.Each(func(n int, attr Attribute) {
		got, ok := q.Get(n)
		if !ok || got != attr {
			t.Errorf("Get(%d) = %v after round trip, want %v", n, got, attr)
		}
	})
	if err := q.Check(); err != nil {
		t.Fatal(err)
	}
}

func TestCopyPreservesNumbering(t *testing.T) {
	p := New()
	a := p.Put(Attribute{"author", "a.x"})
	b := p.Put(Attribute{"bold", "true"})

	c := p.Copy()
	c.Put(Attribute{"italic", "true"})

	if got, _ := c.Get(a); got != (Attribute{"author", "a.x"}) {
		t.Errorf("copy lost attribute %d", a)
	}
	if got, _ := c.Get(b); got != (Attribute{"bold", "true"}) {
		t.Errorf("copy lost attribute %d", b)
	}
	// the copy's growth must not leak back
	if p.Size() != 2 {
		t.Fatalf("source pool grew: Size = %d", p.Size())
	}
}

func TestCheckCatchesCorruption(t *testing.T) {
	p := New()
	p.Put(Attribute{"bold", "true"})
	p.nextNum = 2 // claims an attribute that was never interned
	if err := p.Check(); err == nil {
		t.Fatal("Check passed on corrupt pool")
	}
}
