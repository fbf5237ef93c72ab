package kernel

import (
	"context"
	"testing"
)

func TestCronSpecForHoursDefaultsToOneDay(t *testing.T) {
	if got := cronSpecForHours(0); got != "@every 24h0m0s" {
		t.Fatalf("cronSpecForHours(0) = %q, want the 24h default", got)
	}
}

func TestCronSpecForHoursHonorsAConfiguredInterval(t *testing.T) {
	if got := cronSpecForHours(6); got != "@every 6h0m0s" {
		t.Fatalf("cronSpecForHours(6) = %q, want 6h", got)
	}
}

func TestConsolidationSchedulerStartAndStop(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()

	s := NewConsolidationScheduler(k, 24, "minimal", nil)
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Stop()
}
