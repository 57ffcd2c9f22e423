package chunk

import "testing"

func FuzzPlan(f *testing.F) {
	f.Add(int64(0), int64(1))
	f.Add(int64(9), int64(8))
	f.Add(int64(2_500_000_000), int64(2_000_000_000))
	f.Fuzz(func(t *testing.T, total, max int64) {
		if total < 0 || max <= 0 {
			if _, err := Plan(total, max); err == nil {
				t.Fatalf("expected error for total=%d max=%d", total, max)
			}
			return
		}
		if n, _ := Count(total, max); n > 1<<16 {
			return
		}
		spans, err := Plan(total, max)
		if err != nil {
			t.Fatalf("Plan(%d, %d): %v", total, max, err)
		}
		var next, sum int64
		for i, s := range spans {
			if s.Offset != next {
				t.Fatalf("window %d offset=%d want %d", i, s.Offset, next)
			}
			if s.Len <= 0 || s.Len > max {
				t.Fatalf("window %d len=%d outside (0, %d]", i, s.Len, max)
			}
			if i < len(spans)-1 && s.Len != max {
				t.Fatalf("non-final window %d len=%d want %d", i, s.Len, max)
			}
			next = s.End()
			sum += s.Len
		}
		if sum != total {
			t.Fatalf("sum=%d want %d", sum, total)
		}
	})
}
