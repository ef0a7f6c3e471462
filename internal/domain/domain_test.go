package domain

import "testing"

func TestH64ChangesWithEitherInput(t *testing.T) {
	h1 := H64("A", "B")
	h2 := H64("A", "C")
	h3 := H64("Z", "B")
	if h1 == h2 || h1 == h3 || h2 == h3 {
		t.Fatalf("expected distinct fingerprints, got h1=%d h2=%d h3=%d", h1, h2, h3)
	}
}

func TestH64NeverReturnsReservedSentinel(t *testing.T) {
	for _, main := range []string{"", "a", "buy-1", "sell-99"} {
		for _, sub := range []string{"", "b", "x"} {
			if h := H64(main, sub); InvalidFingerprints[h] {
				t.Fatalf("H64(%q, %q) = %d is a reserved sentinel", main, sub, h)
			}
		}
	}
}

func TestH64Deterministic(t *testing.T) {
	if H64("A", "B") != H64("A", "B") {
		t.Fatal("expected H64 to be deterministic for the same inputs")
	}
}
