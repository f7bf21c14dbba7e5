package flow

import (
	"testing"
	"time"
)

func TestUpdateComputesInstantRate(t *testing.T) {
	var m Meter
	base := time.Unix(1000, 0)
	for i := 0; i < RingSize+1; i++ {
		m.Record(100, base.Add(time.Duration(i)*10*time.Millisecond))
	}
	m.Update(base.Add(time.Second))
	if m.KBytesPerSec() <= 0 {
		t.Fatalf("expected positive rate, got %f", m.KBytesPerSec())
	}
}

func TestUpdateThrottledByInterval(t *testing.T) {
	var m Meter
	base := time.Unix(0, 0)
	m.Record(100, base)
	m.Update(base)
	first := m.KBytesPerSec()
	m.Record(100000, base.Add(time.Microsecond))
	m.Update(base.Add(time.Microsecond))
	if m.KBytesPerSec() != first {
		t.Fatal("expected recompute to be skipped inside the interval")
	}
}

func TestPrettyFormatsUnits(t *testing.T) {
	cases := map[int64]string{
		500:            "500 B",
		2048:           "2.0 KB",
		5 * 1024 * 1024: "5.0 MB",
	}
	for in, want := range cases {
		if got := Pretty(in); got != want {
			t.Errorf("Pretty(%d) = %q, want %q", in, got, want)
		}
	}
}
