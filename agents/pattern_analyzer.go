package agents

import (
	"context"
	"fmt"
	"math"

	"github.com/aixgo-dev/conductor/agent"
)

// PatternAnalyzerName is the registered name of the pattern analyzer.
const PatternAnalyzerName = "pattern_analyzer"

func init() {
	Register(PatternAnalyzerName, []string{"pattern_analysis", "risk_scoring", "aggregation"}, func(s Settings) (agent.Agent, error) {
		return NewPatternAnalyzer(s.Float("high_risk_threshold", 0.7))
	})
}

// PatternAnalyzer turns detected anomalies into a risk score and aggregates
// per-item scores.
type PatternAnalyzer struct {
	*agent.Base
	dispatch *agent.Dispatcher

	highRisk float64
}

// NewPatternAnalyzer creates an analyzer that flags risk scores at or above
// highRisk.
func NewPatternAnalyzer(highRisk float64) (*PatternAnalyzer, error) {
	if highRisk <= 0 || highRisk > 1 {
		return nil, fmt.Errorf("high risk threshold must be in (0, 1], got %v", highRisk)
	}
	a := &PatternAnalyzer{
		Base:     agent.NewBase(PatternAnalyzerName, "pattern_analysis", "risk_scoring", "aggregation"),
		highRisk: highRisk,
	}
	a.dispatch = agent.NewDispatcher(a.Name(), map[agent.Action]agent.Handler{
		"analyze_patterns": a.analyze,
		"aggregate_scores": a.aggregate,
	})
	return a, nil
}

func (a *PatternAnalyzer) Process(ctx context.Context, msg *agent.Message, actx *agent.Context) (*agent.Response, error) {
	return a.dispatch.Dispatch(ctx, msg, actx)
}

// analyze scores risk from the share of anomalous values and the largest
// z-score, and reports the trend between the two halves of the series. A
// single outlier among n values has |z| <= sqrt(n-1).
func (a *PatternAnalyzer) analyze(_ context.Context, msg *agent.Message, _ *agent.Context) (map[string]any, error) {
	values, err := numbers(msg.Payload["values"])
	if err != nil {
		return nil, err
	}
	anomalies, _ := msg.Payload["anomalies"].([]any)

	maxZ := 0.0
	for _, an := range anomalies {
		m, ok := an.(map[string]any)
		if !ok {
			continue
		}
		if z, ok := toFloat(m["z_score"]); ok {
			maxZ = math.Max(maxZ, math.Abs(z))
		}
	}

	share := 0.0
	if len(values) > 0 {
		share = float64(len(anomalies)) / float64(len(values))
	}
	risk := math.Min(1, 2*share+maxZ/5)

	return map[string]any{
		"risk_score":    round(risk),
		"high_risk":     risk >= a.highRisk,
		"anomaly_count": len(anomalies),
		"trend":         trend(values),
	}, nil
}

func trend(values []float64) string {
	if len(values) < 2 {
		return "flat"
	}
	half := len(values) / 2
	first, _ := meanStddev(values[:half])
	second, _ := meanStddev(values[half:])
	switch {
	case second > first*1.05 && second-first > 1e-9:
		return "rising"
	case second < first*0.95 && first-second > 1e-9:
		return "falling"
	}
	return "flat"
}

// aggregate reduces map outputs carrying a numeric "score".
func (a *PatternAnalyzer) aggregate(_ context.Context, msg *agent.Message, _ *agent.Context) (map[string]any, error) {
	results, ok := msg.Payload["map_results"].([]any)
	if !ok && msg.Payload["map_results"] != nil {
		return nil, fmt.Errorf("map_results must be a list, got %T", msg.Payload["map_results"])
	}

	var total, highest float64
	count := 0
	for _, r := range results {
		m, ok := r.(map[string]any)
		if !ok {
			continue
		}
		score, ok := toFloat(m["score"])
		if !ok {
			continue
		}
		if count == 0 || score > highest {
			highest = score
		}
		total += score
		count++
	}

	mean := 0.0
	if count > 0 {
		mean = total / float64(count)
	}
	return map[string]any{
		"count": count,
		"total": round(total),
		"mean":  round(mean),
		"max":   round(highest),
	}, nil
}
