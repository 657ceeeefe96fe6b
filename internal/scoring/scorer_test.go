package scoring

import (
	"math"
	"testing"
	"time"

	"hermes/internal/clock"
)

func TestUnseenProviderScore(t *testing.T) {
	s := NewScorer(clock.NewMock(time.Unix(1700000000, 0)))
	got := s.Score("p1")
	if math.Abs(got-0.65) > 1e-9 {
		t.Errorf("Expected unseen score 0.65, got %f", got)
	}
}

func TestSuccessSeedsLatency(t *testing.T) {
	clk := clock.NewMock(time.Unix(1700000000, 0))
	s := NewScorer(clk)

	s.RecordSuccess("p1", 180*time.Millisecond)

	stats, ok := s.StatsFor("p1")
	if !ok {
		t.Fatal("Expected stats after observation")
	}
	if stats.EWMASuccess != 1.0 {
		t.Errorf("Expected ewmaSuccess 1.0, got %f", stats.EWMASuccess)
	}
	if stats.EWMALatencyMs != 180 {
		t.Errorf("Expected seeded latency 180, got %f", stats.EWMALatencyMs)
	}
}

func TestEWMAUpdate(t *testing.T) {
	clk := clock.NewMock(time.Unix(1700000000, 0))
	s := NewScorer(clk)

	s.RecordSuccess("p1", 100*time.Millisecond)
	s.RecordSuccess("p1", 200*time.Millisecond)

	stats, _ := s.StatsFor("p1")
	want := Alpha*200 + (1-Alpha)*100
	if math.Abs(stats.EWMALatencyMs-want) > 1e-9 {
		t.Errorf("Expected latency %f, got %f", want, stats.EWMALatencyMs)
	}
}

func TestFailureLeavesLatencyUntouched(t *testing.T) {
	clk := clock.NewMock(time.Unix(1700000000, 0))
	s := NewScorer(clk)

	s.RecordSuccess("p1", 100*time.Millisecond)
	s.RecordFailure("p1")

	stats, _ := s.StatsFor("p1")
	if stats.EWMALatencyMs != 100 {
		t.Errorf("Expected latency unchanged at 100, got %f", stats.EWMALatencyMs)
	}
	want := (1 - Alpha) * 1.0
	if math.Abs(stats.EWMASuccess-want) > 1e-9 {
		t.Errorf("Expected success %f, got %f", want, stats.EWMASuccess)
	}
}

func TestSuccessBoundsInvariant(t *testing.T) {
	clk := clock.NewMock(time.Unix(1700000000, 0))
	s := NewScorer(clk)

	ops := []bool{true, false, false, true, false, true, true, false, false, false}
	for i := 0; i < 50; i++ {
		for _, ok := range ops {
			if ok {
				s.RecordSuccess("p1", 50*time.Millisecond)
			} else {
				s.RecordFailure("p1")
			}
			stats, _ := s.StatsFor("p1")
			if stats.EWMASuccess < 0 || stats.EWMASuccess > 1 {
				t.Fatalf("ewmaSuccess out of bounds: %f", stats.EWMASuccess)
			}
		}
	}
}

func TestFreshnessDecay(t *testing.T) {
	clk := clock.NewMock(time.Unix(1700000000, 0))
	s := NewScorer(clk)

	s.RecordSuccess("p1", 100*time.Millisecond)
	fresh := s.Score("p1")

	clk.Advance(24 * time.Hour)
	aged := s.Score("p1")

	if aged >= fresh {
		t.Errorf("Expected score to decay with age: fresh=%f aged=%f", fresh, aged)
	}
	// After one half-life the freshness term is halved: difference is 0.1.
	if math.Abs((fresh-aged)-0.1) > 1e-6 {
		t.Errorf("Expected 0.1 drop after one half-life, got %f", fresh-aged)
	}
}

func TestScoreMonotoneInLatency(t *testing.T) {
	clk := clock.NewMock(time.Unix(1700000000, 0))
	fast := NewScorer(clk)
	slow := NewScorer(clk)

	fast.RecordSuccess("p", 100*time.Millisecond)
	slow.RecordSuccess("p", 5*time.Second)

	if fast.Score("p") <= slow.Score("p") {
		t.Errorf("Expected faster provider to outscore: fast=%f slow=%f", fast.Score("p"), slow.Score("p"))
	}
}

func TestLatencyBeyondReferenceClamps(t *testing.T) {
	clk := clock.NewMock(time.Unix(1700000000, 0))
	s := NewScorer(clk)

	s.RecordSuccess("p1", 30*time.Second)
	stats, _ := s.StatsFor("p1")
	if stats.EWMALatencyMs != 30000 {
		t.Fatalf("Expected latency 30000, got %f", stats.EWMALatencyMs)
	}
	// success 1.0 + latNorm clamped at 0 + freshness 1.0
	want := weightSuccess*1.0 + weightFreshness*1.0
	if math.Abs(s.Score("p1")-want) > 1e-9 {
		t.Errorf("Expected clamped score %f, got %f", want, s.Score("p1"))
	}
}

func TestForget(t *testing.T) {
	clk := clock.NewMock(time.Unix(1700000000, 0))
	s := NewScorer(clk)
	s.RecordSuccess("p1", 100*time.Millisecond)
	s.Forget("p1")
	if _, ok := s.StatsFor("p1"); ok {
		t.Error("Expected stats gone after Forget")
	}
}
