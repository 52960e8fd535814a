package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestMetrics_Registered(t *testing.T) {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}

	for _, want := range []string{
		"pinchwork_tasks_created_total",
		"pinchwork_pickups_total",
		"pinchwork_task_transitions_total",
		"pinchwork_escrow_ops_total",
		"pinchwork_reclaimer_sweeps_total",
		"pinchwork_referral_bonuses_paid_total",
		"pinchwork_longpoll_waits_total",
	} {
		if !names[want] {
			t.Errorf("expected metric %s to be registered", want)
		}
	}
}

func TestMetrics_CounterIncrementsAppear(t *testing.T) {
	PickupsTotal.WithLabelValues("claimed").Inc()
	EscrowOpsTotal.WithLabelValues("escrow").Inc()

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	var found bool
	for _, f := range families {
		if f.GetName() == "pinchwork_pickups_total" {
			found = true
			if len(f.GetMetric()) == 0 {
				t.Error("expected at least one labeled series for pinchwork_pickups_total")
			}
		}
	}
	if !found {
		t.Error("expected pinchwork_pickups_total in gathered families")
	}
}
