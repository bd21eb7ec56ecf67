package limits

import "testing"

func TestTakeGiveRoundTrip(t *testing.T) {
	var s Sysatomic_t = 2
	if !s.Take() {
		t.Fatalf("Take() should succeed while budget remains")
	}
	if !s.Take() {
		t.Fatalf("Take() should succeed on the last unit")
	}
	if s.Take() {
		t.Fatalf("Take() should fail once the budget is exhausted")
	}
	if s.Remaining() != 0 {
		t.Fatalf("Remaining() = %d, want 0", s.Remaining())
	}
	s.Give()
	if s.Remaining() != 1 {
		t.Fatalf("Remaining() after Give() = %d, want 1", s.Remaining())
	}
}

func TestTakenNeverGoesNegative(t *testing.T) {
	var s Sysatomic_t = 3
	if s.Taken(5) {
		t.Fatalf("Taken(5) should fail against a budget of 3")
	}
	if s.Remaining() != 3 {
		t.Fatalf("Remaining() after a failed Taken() = %d, want unchanged 3", s.Remaining())
	}
}

func TestMkSysLimitDefaults(t *testing.T) {
	l := MkSysLimit()
	if l.Procs.Remaining() != 1024 {
		t.Errorf("Procs = %d, want 1024", l.Procs.Remaining())
	}
	if l.Handles.Remaining() != 4096 {
		t.Errorf("Handles = %d, want 4096", l.Handles.Remaining())
	}
	if l.Blocks.Remaining() != 65536 {
		t.Errorf("Blocks = %d, want 65536", l.Blocks.Remaining())
	}
}
