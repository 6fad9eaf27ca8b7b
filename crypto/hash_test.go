package crypto

import "testing"

func TestBlake2b256Length(t *testing.T) {
	h := Blake2b256([]byte("hello"))
	if len(h) != 32 {
		t.Fatalf("Blake2b256 length = %d, want 32", len(h))
	}
}

func TestBlake2b256Deterministic(t *testing.T) {
	h1 := Blake2b256([]byte("hello"))
	h2 := Blake2b256([]byte("hello"))
	if string(h1) != string(h2) {
		t.Error("Blake2b256 should be deterministic")
	}
}

func TestBlake2b256ConcatenatesInputs(t *testing.T) {
	joined := Blake2b256([]byte("foo"), []byte("bar"))
	single := Blake2b256([]byte("foobar"))
	if string(joined) != string(single) {
		t.Error("Blake2b256 should hash the concatenation of its inputs")
	}
}

func TestBlake2b512Length(t *testing.T) {
	h := Blake2b512([]byte("hello"))
	if len(h) != 64 {
		t.Fatalf("Blake2b512 length = %d, want 64", len(h))
	}
}

func TestBlake2b256And512Differ(t *testing.T) {
	h256 := Blake2b256([]byte("hello"))
	h512 := Blake2b512([]byte("hello"))
	if string(h256) == string(h512[:32]) {
		t.Error("Blake2b256 and Blake2b512 should not produce related digests")
	}
}
