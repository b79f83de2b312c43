package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// gather returns name{label values joined by ","} -> value for every sample
func gather(t *testing.T, reg *prometheus.Registry) map[string]float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	values := make(map[string]float64)
	for _, f := range families {
		for _, metric := range f.GetMetric() {
			key := f.GetName()
			for i, lp := range metric.GetLabel() {
				if i == 0 {
					key += "{"
				} else {
					key += ","
				}
				key += lp.GetValue()
			}
			if len(metric.GetLabel()) > 0 {
				key += "}"
			}
			switch {
			case metric.GetGauge() != nil:
				values[key] = metric.GetGauge().GetValue()
			case metric.GetCounter() != nil:
				values[key] = metric.GetCounter().GetValue()
			case metric.GetHistogram() != nil:
				values[key] = float64(metric.GetHistogram().GetSampleCount())
			}
		}
	}
	return values
}

func TestPrivateRegistry(t *testing.T) {
	// two instances on separate registries must not collide
	regA := prometheus.NewRegistry()
	a := NewMetricsWith(regA)
	b := NewMetricsWith(prometheus.NewRegistry())

	a.RecordMutation("addAxis", nil)
	a.RecordMutation("addAxis", errors.New("dup"))
	b.RecordMutation("addAxis", nil)

	values := gather(t, regA)
	if got := values["cubestore_cube_mutations_total{addAxis,success}"]; got != 1 {
		t.Errorf("Expected 1 success, got %v", got)
	}
	if got := values["cubestore_cube_mutations_total{addAxis,error}"]; got != 1 {
		t.Errorf("Expected 1 error, got %v", got)
	}
}

func TestUptimeAndCacheFuncs(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWith(reg)
	m.ServerStartTime = time.Now().Add(-time.Minute)
	m.RegisterCacheStats(func() int64 { return 7 }, func() int64 { return 2 })

	values := gather(t, reg)
	if values["cubestore_server_uptime_seconds"] < 59 {
		t.Errorf("Expected uptime of about a minute, got %v", values["cubestore_server_uptime_seconds"])
	}
	if values["cubestore_refgraph_cache_hits_total"] != 7 {
		t.Errorf("Expected 7 hits, got %v", values["cubestore_refgraph_cache_hits_total"])
	}
	if values["cubestore_refgraph_cache_misses_total"] != 2 {
		t.Errorf("Expected 2 misses, got %v", values["cubestore_refgraph_cache_misses_total"])
	}
}

func TestRecordEvaluationAndRelease(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWith(reg)
	m.RecordEvaluation("success", 3, time.Millisecond)
	m.RecordEvaluation("resolution_failure", 0, time.Millisecond)
	m.RecordRelease("success", 4)

	values := gather(t, reg)
	if got := values["cubestore_evaluations_total{success}"]; got != 1 {
		t.Errorf("Expected 1 successful evaluation, got %v", got)
	}
	if got := values["cubestore_evaluation_hops"]; got != 1 {
		t.Errorf("Expected hops observed once, got %v", got)
	}
	if got := values["cubestore_released_cubes_total"]; got != 4 {
		t.Errorf("Expected 4 released cubes, got %v", got)
	}
}
