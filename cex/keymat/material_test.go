package keymat

import (
	"bytes"
	"testing"
)

func TestMaterialAccessors(t *testing.T) {
	key := bytes.Repeat([]byte{0x01}, 32)
	iv := bytes.Repeat([]byte{0x02}, 16)
	info := []byte("context")

	km := New(key, iv, info)
	if !bytes.Equal(km.Key(), key) || !bytes.Equal(km.IV(), iv) || !bytes.Equal(km.Info(), info) {
		t.Fatalf("accessors do not round trip")
	}
	if km.KeySize() != 32 || km.IVSize() != 16 {
		t.Fatalf("sizes wrong: %d %d", km.KeySize(), km.IVSize())
	}

	// The material owns copies; mutating the source must not leak in.
	key[0] = 0xff
	if km.Key()[0] == 0xff {
		t.Fatalf("material aliases caller buffer")
	}
}

func TestMaterialDestroyZeroizes(t *testing.T) {
	km := New(bytes.Repeat([]byte{0xaa}, 32), bytes.Repeat([]byte{0xbb}, 16), []byte("info"))
	backing := km.Key()

	km.Destroy()
	if !km.IsDestroyed() {
		t.Fatalf("destroyed flag not set")
	}
	if !IsZero(backing) || !IsZero(km.IV()) || !IsZero(km.Info()) {
		t.Fatalf("buffers not zeroized")
	}

	// Second destroy is a no-op, not a panic.
	km.Destroy()
}

func TestMaterialClone(t *testing.T) {
	km := New([]byte{1, 2, 3, 4}, []byte{5, 6}, nil)
	clone := km.Clone()
	km.Destroy()

	if IsZero(clone.Key()) {
		t.Fatalf("clone shares backing storage with original")
	}
	clone.Destroy()
	if !IsZero(clone.Key()) {
		t.Fatalf("clone not zeroized")
	}
}

func TestMaterialEqual(t *testing.T) {
	a := New([]byte{1, 2, 3}, []byte{4}, []byte{5})
	b := New([]byte{1, 2, 3}, []byte{4}, []byte{5})
	c := New([]byte{1, 2, 9}, []byte{4}, []byte{5})
	d := New([]byte{1, 2}, []byte{4}, []byte{5})
	defer a.Destroy()
	defer b.Destroy()
	defer c.Destroy()
	defer d.Destroy()

	if !a.Equal(b) {
		t.Fatalf("equal materials reported unequal")
	}
	if a.Equal(c) || a.Equal(d) || a.Equal(nil) {
		t.Fatalf("unequal materials reported equal")
	}
}

func TestZeroHelpers(t *testing.T) {
	b := []byte{1, 0, 2}
	if IsZero(b) {
		t.Fatalf("IsZero false positive")
	}
	Zero(b)
	if !IsZero(b) {
		t.Fatalf("Zero left residue: %v", b)
	}
	if !IsZero(nil) {
		t.Fatalf("empty slice must be zero")
	}
}
