package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

var startTime = time.Now()

// Summary aggregates the gathered metric families into the JSON shape served
// on /admin/stats.
func Summary(g prometheus.Gatherer) (map[string]map[string]any, error) {
	mfs, err := g.Gather()
	if err != nil {
		return nil, err
	}

	stats := map[string]map[string]any{
		"decisions": {},
		"tokens":    {},
		"failures":  {},
		"limits":    {},
		"stores":    {},
		"system":    {},
	}

	findMF := func(name string) *dto.MetricFamily {
		for _, mf := range mfs {
			if mf.GetName() == name {
				return mf
			}
		}
		return nil
	}
	// sumBy folds a counter family into stats[section] keyed by one label.
	sumBy := func(name, label, section string) {
		mf := findMF(name)
		if mf == nil {
			return
		}
		for _, m := range mf.Metric {
			for _, l := range m.Label {
				if l.GetName() != label {
					continue
				}
				prev, _ := stats[section][l.GetValue()].(float64)
				stats[section][l.GetValue()] = prev + m.GetCounter().GetValue()
			}
		}
	}

	sumBy("handshakegate_gate_decision_total", "decision", "decisions")
	sumBy("handshakegate_tokens_issued_total", "kind", "tokens")
	sumBy("handshakegate_verify_failures_total", "reason", "failures")
	sumBy("handshakegate_rate_limit_hits_total", "endpoint", "limits")

	if mf := findMF("handshakegate_tokens_revoked_total"); mf != nil && len(mf.Metric) > 0 {
		stats["tokens"]["revoked"] = mf.Metric[0].GetCounter().GetValue()
	}
	if mf := findMF("handshakegate_sessions_created_total"); mf != nil && len(mf.Metric) > 0 {
		stats["system"]["sessions_created"] = mf.Metric[0].GetCounter().GetValue()
	}
	if mf := findMF("handshakegate_store_circuit_state"); mf != nil {
		for _, m := range mf.Metric {
			for _, l := range m.Label {
				if l.GetName() == "backend" {
					stats["stores"][l.GetValue()] = m.GetGauge().GetValue()
				}
			}
		}
	}
	if mf := findMF("go_goroutines"); mf != nil && len(mf.Metric) > 0 {
		stats["system"]["goroutines"] = mf.Metric[0].GetGauge().GetValue()
	}
	stats["system"]["uptime_sec"] = time.Since(startTime).Seconds()

	return stats, nil
}
