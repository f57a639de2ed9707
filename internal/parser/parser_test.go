package parser

import (
	"reflect"
	"testing"
)

func TestReadProp_Shapes(t *testing.T) {
	root := map[string]any{
		"str":   "hello",
		"int":   float64(42),
		"frac":  float64(1.5),
		"bool":  true,
		"obj":   map[string]any{"a": float64(1)},
		"arr":   []any{"x"},
		"null":  nil,
	}

	p := New()

	if s, ok := p.ReadString(root, "str", true); !ok || s != "hello" {
		t.Errorf("ReadString = (%q, %v), want (hello, true)", s, ok)
	}
	if i, ok := p.ReadInt(root, "int", true); !ok || i != 42 {
		t.Errorf("ReadInt = (%d, %v), want (42, true)", i, ok)
	}
	if b, ok := p.ReadBool(root, "bool", true); !ok || !b {
		t.Errorf("ReadBool = (%v, %v), want (true, true)", b, ok)
	}
	if o, ok := p.ReadObject(root, "obj", true); !ok || len(o) != 1 {
		t.Errorf("ReadObject = (%v, %v)", o, ok)
	}
	if a, ok := p.ReadArray(root, "arr", true); !ok || len(a) != 1 {
		t.Errorf("ReadArray = (%v, %v)", a, ok)
	}
	if p.HasInvalid() {
		t.Fatalf("unexpected invalid paths: %v", p.InvalidPaths())
	}

	// Shape mismatches record the property name.
	if _, ok := p.ReadString(root, "int", true); ok {
		t.Error("expected ReadString on integer to fail")
	}
	if _, ok := p.ReadInt(root, "frac", true); ok {
		t.Error("expected ReadInt on fractional number to fail")
	}
	want := []string{"int", "frac"}
	if !reflect.DeepEqual(p.InvalidPaths(), want) {
		t.Errorf("InvalidPaths = %v, want %v", p.InvalidPaths(), want)
	}
}

func TestReadProp_MandatoryAndNull(t *testing.T) {
	root := map[string]any{"present": nil}

	p := New()
	if _, ok := p.ReadString(root, "missing", false); ok {
		t.Error("optional missing property must return ok=false")
	}
	if p.HasInvalid() {
		t.Error("optional missing property must not record an invalid path")
	}

	// JSON null counts as absent for a mandatory property.
	if _, ok := p.ReadString(root, "present", true); ok {
		t.Error("mandatory null property must return ok=false")
	}
	if !reflect.DeepEqual(p.InvalidPaths(), []string{"present"}) {
		t.Errorf("InvalidPaths = %v", p.InvalidPaths())
	}
}

func TestInvalid_NestedPaths(t *testing.T) {
	p := New()
	p.Push("filter")
	p.PushIndex("conditions", 2)
	p.Invalid("inMailbox")
	p.Pop()
	p.Pop()

	want := []string{"filter/conditions[2]/inMailbox"}
	if !reflect.DeepEqual(p.InvalidPaths(), want) {
		t.Errorf("InvalidPaths = %v, want %v", p.InvalidPaths(), want)
	}
}

func TestInvalid_KeyedEntry(t *testing.T) {
	p := New()
	p.PushName("create", "c0")
	p.Invalid("mailboxIds")
	p.Pop()

	want := []string{"create{c0}/mailboxIds"}
	if !reflect.DeepEqual(p.InvalidPaths(), want) {
		t.Errorf("InvalidPaths = %v, want %v", p.InvalidPaths(), want)
	}
}

func TestEscaping(t *testing.T) {
	p := New()
	p.Push("a/b")
	p.Invalid("c~d")
	p.Pop()

	want := []string{"a~1b/c~0d"}
	if !reflect.DeepEqual(p.InvalidPaths(), want) {
		t.Errorf("InvalidPaths = %v, want %v", p.InvalidPaths(), want)
	}
}

func TestReadStringArray(t *testing.T) {
	root := map[string]any{
		"ids": []any{"a", float64(1), "b", true},
	}

	p := New()
	ids, ok := p.ReadStringArray(root, "ids", true)
	if ok {
		t.Error("expected ok=false when elements are invalid")
	}
	if !reflect.DeepEqual(ids, []string{"a", "b"}) {
		t.Errorf("ids = %v", ids)
	}
	want := []string{"ids[1]", "ids[3]"}
	if !reflect.DeepEqual(p.InvalidPaths(), want) {
		t.Errorf("InvalidPaths = %v, want %v", p.InvalidPaths(), want)
	}
}

func TestPop_Empty_Panics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic on empty pop")
		}
	}()
	New().Pop()
}
