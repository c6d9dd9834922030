package devils

import "testing"

func TestTimeLessWrapsAround(t *testing.T) {
	cases := []struct {
		a, b uint32
		less bool
	}{
		{a: 100, b: 200, less: true},
		{a: 200, b: 100, less: false},
		{a: 100, b: 100, less: false},
		// b has wrapped just past zero; a is still "before" it.
		{a: 0xFFFFFFF0, b: 10, less: true},
		{a: 10, b: 0xFFFFFFF0, less: false},
	}
	for _, c := range cases {
		if got := timeLess(c.a, c.b); got != c.less {
			t.Errorf("timeLess(%#x, %#x) = %v, want %v", c.a, c.b, got, c.less)
		}
		if got := timeGreaterEqual(c.a, c.b); got != !c.less {
			t.Errorf("timeGreaterEqual(%#x, %#x) = %v, want %v", c.a, c.b, got, !c.less)
		}
	}
}

func TestTimeDifferenceIsSymmetricAndSmall(t *testing.T) {
	if d := timeDifference(100, 150); d != 50 {
		t.Errorf("timeDifference(100, 150) = %d, want 50", d)
	}
	if d := timeDifference(150, 100); d != 50 {
		t.Errorf("timeDifference(150, 100) = %d, want 50", d)
	}
	// Straddling the wrap point should still report a small distance.
	if d := timeDifference(0xFFFFFFF0, 10); d != 0x1A {
		t.Errorf("timeDifference across wrap = %#x, want 0x1A", d)
	}
}

type fakeClock struct{ ms uint32 }

func (f *fakeClock) NowMS() uint32 { return f.ms }

func TestFakeClockAdvance(t *testing.T) {
	c := &fakeClock{ms: 1000}
	if c.NowMS() != 1000 {
		t.Fatal("fake clock did not return seeded value")
	}
	c.ms += 500
	if c.NowMS() != 1500 {
		t.Fatal("fake clock did not advance")
	}
}
