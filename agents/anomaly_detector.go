package agents

import (
	"context"
	"fmt"
	"math"

	"github.com/aixgo-dev/conductor/agent"
)

// AnomalyDetectorName is the registered name of the anomaly detector.
const AnomalyDetectorName = "anomaly_detector"

func init() {
	Register(AnomalyDetectorName, []string{"anomaly_detection", "scoring", "statistics"}, func(s Settings) (agent.Agent, error) {
		return NewAnomalyDetector(s.Float("threshold", 2.0), s.Float("baseline", 0), s.Float("scale", 10))
	})
}

// AnomalyDetector flags values whose z-score exceeds a threshold and scores
// single items against a baseline.
type AnomalyDetector struct {
	*agent.Base
	dispatch *agent.Dispatcher

	threshold float64
	baseline  float64
	scale     float64
}

// NewAnomalyDetector creates a detector. threshold is the z-score above which
// a value is anomalous; baseline and scale drive score_item.
func NewAnomalyDetector(threshold, baseline, scale float64) (*AnomalyDetector, error) {
	if threshold <= 0 {
		return nil, fmt.Errorf("anomaly threshold must be positive, got %v", threshold)
	}
	if scale <= 0 {
		return nil, fmt.Errorf("score scale must be positive, got %v", scale)
	}
	d := &AnomalyDetector{
		Base:      agent.NewBase(AnomalyDetectorName, "anomaly_detection", "scoring", "statistics"),
		threshold: threshold,
		baseline:  baseline,
		scale:     scale,
	}
	d.dispatch = agent.NewDispatcher(d.Name(), map[agent.Action]agent.Handler{
		"detect_anomalies": d.detect,
		"score_item":       d.scoreItem,
	})
	return d, nil
}

func (d *AnomalyDetector) Process(ctx context.Context, msg *agent.Message, actx *agent.Context) (*agent.Response, error) {
	return d.dispatch.Dispatch(ctx, msg, actx)
}

func (d *AnomalyDetector) detect(_ context.Context, msg *agent.Message, _ *agent.Context) (map[string]any, error) {
	values, err := numbers(msg.Payload["values"])
	if err != nil {
		return nil, err
	}
	mean, stddev := meanStddev(values)

	anomalies := []any{}
	if stddev > 0 {
		for i, v := range values {
			z := (v - mean) / stddev
			if math.Abs(z) > d.threshold {
				anomalies = append(anomalies, map[string]any{"index": i, "value": v, "z_score": round(z)})
			}
		}
	}
	return map[string]any{
		"anomalies_found": len(anomalies),
		"anomalies":       anomalies,
		"mean":            round(mean),
		"stddev":          round(stddev),
		"count":           len(values),
	}, nil
}

// scoreItem maps the distance of an item from the baseline into [0, 1).
// The item is a number or a map with a numeric "value".
func (d *AnomalyDetector) scoreItem(_ context.Context, msg *agent.Message, _ *agent.Context) (map[string]any, error) {
	item := msg.Payload["item"]
	if m, ok := item.(map[string]any); ok {
		item = m["value"]
	}
	v, ok := toFloat(item)
	if !ok {
		return nil, fmt.Errorf("item must be numeric, got %T", item)
	}
	dist := math.Abs(v - d.baseline)
	return map[string]any{"value": v, "score": round(dist / (dist + d.scale))}, nil
}
