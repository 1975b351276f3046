package vm

import "testing"

func TestClampMemoryCeilingDefaultsOnZero(t *testing.T) {
	if got := ClampMemoryCeiling(0); got != DefaultMemoryCeiling {
		t.Fatalf("got %d, want default %d", got, DefaultMemoryCeiling)
	}
}

func TestClampMemoryCeilingFloor(t *testing.T) {
	if got := ClampMemoryCeiling(100); got != MinMemoryCeiling {
		t.Fatalf("got %d, want floor %d", got, MinMemoryCeiling)
	}
}

func TestClampMemoryCeilingCap(t *testing.T) {
	if got := ClampMemoryCeiling(1024 * 1024 * 1024); got != MaxMemoryCeiling {
		t.Fatalf("got %d, want cap %d", got, MaxMemoryCeiling)
	}
}

func TestClampMemoryCeilingPassesThroughValidValue(t *testing.T) {
	const fiveMiB = 5 * 1024 * 1024
	if got := ClampMemoryCeiling(fiveMiB); got != fiveMiB {
		t.Fatalf("got %d, want %d", got, fiveMiB)
	}
}

func TestULEBEncoding(t *testing.T) {
	cases := map[uint32][]byte{
		0:    {0x00},
		1:    {0x01},
		127:  {0x7F},
		128:  {0x80, 0x01},
		160:  {0xA0, 0x01},
		1600: {0xC0, 0x0C},
	}
	for v, want := range cases {
		got := uleb(v)
		if len(got) != len(want) {
			t.Fatalf("uleb(%d) = %v, want %v", v, got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("uleb(%d) = %v, want %v", v, got, want)
			}
		}
	}
}

func TestEnvModuleBinaryHeader(t *testing.T) {
	bin := envModuleBinary(2, 160)
	magic := []byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00}
	for i, b := range magic {
		if bin[i] != b {
			t.Fatalf("byte %d = %#x, want %#x", i, bin[i], b)
		}
	}
	// Deterministic: identical inputs must emit identical binaries, since
	// the shim participates in the compilation cache key.
	again := envModuleBinary(2, 160)
	if string(bin) != string(again) {
		t.Fatal("env module binary must be deterministic")
	}
}
