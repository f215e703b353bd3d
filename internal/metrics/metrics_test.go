package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestNewRegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.CacheEvictions.Add(3)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var found *dto.MetricFamily
	for _, f := range families {
		if f.GetName() == namespace+"_location_cache_evictions_total" {
			found = f
		}
	}
	if found == nil {
		t.Fatalf("expected cache evictions counter to be registered")
	}
	if got := found.Metric[0].Counter.GetValue(); got != 3 {
		t.Fatalf("expected counter value 3, got %v", got)
	}
}
