package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.AssetFetched(time.Millisecond, nil)
	m.RowFinished("success")
	m.Rendered(time.Millisecond)
	m.Uploaded(time.Millisecond)
	m.SurfaceAcquired()
	m.SurfaceReleased()
	m.BatchFinished("completed", time.Second)
}

func TestRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.AssetFetched(time.Millisecond, nil)
	m.AssetFetched(time.Millisecond, errors.New("boom"))
	m.RowFinished("success")
	m.BatchFinished("completed", time.Second)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	found := make(map[string]bool)
	for _, f := range families {
		found[f.GetName()] = true
	}
	for _, name := range []string{
		"imagebatch_asset_fetches_total",
		"imagebatch_rows_total",
		"imagebatch_batches_total",
		"imagebatch_batch_duration_seconds",
	} {
		if !found[name] {
			t.Errorf("metric %s not gathered", name)
		}
	}
}
