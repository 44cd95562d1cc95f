package store

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

func TestMemoryCRUD(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
	if err := s.Set(ctx, "pad:demo", `{"head":0}`); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(ctx, "pad:demo")
	if err != nil || got != `{"head":0}` {
		t.Errorf("got %q, %v", got, err)
	}
	if err := s.Remove(ctx, "pad:demo"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, "pad:demo"); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v after remove, want ErrNotFound", err)
	}
}

func TestMemoryFindKeys(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	for _, key := range []string{
		"pad:demo",
		"pad:demo:revs:0",
		"pad:demo:revs:1",
		"pad:demo:chat:0",
		"pad:other",
	} {
		if err := s.Set(ctx, key, "{}"); err != nil {
			t.Fatal(err)
		}
	}

	keys, err := s.FindKeys(ctx, "pad:demo:revs:*", "")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"pad:demo:revs:0", "pad:demo:revs:1"}
	if !reflect.DeepEqual(keys, want) {
		t.Errorf("got %v, want %v", keys, want)
	}

	keys, err = s.FindKeys(ctx, "pad:demo*", "pad:demo:*")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(keys, []string{"pad:demo"}) {
		t.Errorf("got %v, want [pad:demo]", keys)
	}
}

func TestSubDocumentAccess(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	if err := s.Set(ctx, "pad:demo", `{"atext":{"text":"hi\n","attribs":"|1+3"},"head":2}`); err != nil {
		t.Fatal(err)
	}

	raw, err := GetSub(ctx, s, "pad:demo", "atext.text")
	if err != nil {
		t.Fatal(err)
	}
	if raw != `"hi\n"` {
		t.Errorf("got %q", raw)
	}
	if _, err := GetSub(ctx, s, "pad:demo", "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}

	if err := SetSub(ctx, s, "pad:demo", "head", "3"); err != nil {
		t.Fatal(err)
	}
	raw, err = GetSub(ctx, s, "pad:demo", "head")
	if err != nil || raw != "3" {
		t.Errorf("got %q, %v", raw, err)
	}

	// SetSub bootstraps missing records
	if err := SetSub(ctx, s, "pad:new", "meta.title", `"x"`); err != nil {
		t.Fatal(err)
	}
	raw, err = GetSub(ctx, s, "pad:new", "meta.title")
	if err != nil || raw != `"x"` {
		t.Errorf("got %q, %v", raw, err)
	}
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	type rec struct {
		Changeset string `json:"changeset"`
		Author    string `json:"author"`
	}
	in := rec{Changeset: "Z:1>1+1$x", Author: "a.1"}
	if err := SetJSON(ctx, s, "pad:demo:revs:0", in); err != nil {
		t.Fatal(err)
	}
	var out rec
	if err := GetJSON(ctx, s, "pad:demo:revs:0", &out); err != nil {
		t.Fatal(err)
	}
	if out != in {
		t.Errorf("got %+v, want %+v", out, in)
	}
}
