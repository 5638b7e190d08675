package tiger

import "testing"

func TestSumDeterministic(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")

	got1 := Sum(data)
	got2 := Sum(data)
	if got1 != got2 {
		t.Fatalf("Sum not deterministic: %x != %x", got1, got2)
	}
}

func TestSumDistinguishesInputs(t *testing.T) {
	a := Sum([]byte("hello"))
	b := Sum([]byte("hellp"))
	if a == b {
		t.Fatalf("distinct inputs produced the same digest: %x", a)
	}
}

func TestWriteChunkedMatchesOneShot(t *testing.T) {
	data := make([]byte, 300)
	for i := range data {
		data[i] = byte(i * 7)
	}

	want := Sum(data)

	d := New()
	d.Write(data[:13])
	d.Write(data[13:128])
	d.Write(data[128:])
	var got [Size]byte
	copy(got[:], d.Sum(nil))

	if got != want {
		t.Fatalf("chunked write mismatch: got %x want %x", got, want)
	}
}

func TestEmptyInput(t *testing.T) {
	got := Sum(nil)
	if got == ([Size]byte{}) {
		t.Fatalf("digest of empty input was all zero")
	}
}

func TestSize(t *testing.T) {
	d := New()
	if d.Size() != Size {
		t.Fatalf("Size() = %d, want %d", d.Size(), Size)
	}
	if d.BlockSize() != BlockSize {
		t.Fatalf("BlockSize() = %d, want %d", d.BlockSize(), BlockSize)
	}
}
