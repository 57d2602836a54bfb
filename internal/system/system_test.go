package system

import "testing"

func TestSessionCount(t *testing.T) {
	n := SessionCount()
	if n < 1 || n > MaxSessions {
		t.Errorf("Expected session count in [1, %d], got %d", MaxSessions, n)
	}
}

func TestMemoryUsedPercent(t *testing.T) {
	used, err := MemoryUsedPercent()
	if err != nil {
		t.Skipf("memory stats unavailable: %v", err)
	}
	if used < 0 || used > 100 {
		t.Errorf("Expected percentage, got %f", used)
	}
}
