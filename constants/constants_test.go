package constants

import "testing"

func TestConstants(t *testing.T) {
	if ChunkSize != 1048576 {
		t.Errorf("ChunkSize changed! Expected 1M weights, got %d", ChunkSize)
	}
	if Precision != 1000000 {
		t.Errorf("Precision must stay 1e6 for container compatibility, got %d", Precision)
	}
	if LCGMultiplier != 1664525 || LCGIncrement != 1013904223 {
		t.Errorf("LCG parameters changed: %d, %d", LCGMultiplier, LCGIncrement)
	}
	if HeaderAlign != 8 || HeaderLenSize != 8 {
		t.Errorf("header framing must be 8-byte aligned, got align=%d len=%d", HeaderAlign, HeaderLenSize)
	}
	if MinMultiplier >= BaseMultiplier {
		t.Errorf("MinMultiplier %v exceeds BaseMultiplier %v", MinMultiplier, BaseMultiplier)
	}
}
