package workflow

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Catalog holds validated workflow definitions by id. Definitions returned
// from the catalog are shared and must not be modified.
type Catalog struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewCatalog creates a catalog holding defs.
func NewCatalog(defs ...*Definition) (*Catalog, error) {
	c := &Catalog{defs: make(map[string]*Definition)}
	for _, d := range defs {
		if err := c.Register(d); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Register validates d and stores it, replacing any definition with the
// same id.
func (c *Catalog) Register(d *Definition) error {
	if d == nil {
		return fmt.Errorf("%w: nil definition", ErrInvalid)
	}
	if err := d.Validate(); err != nil {
		return err
	}
	if d.Name == "" {
		d.Name = d.ID
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defs[d.ID] = d
	return nil
}

// Get returns the definition with id.
func (c *Catalog) Get(id string) (*Definition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.defs[id]
	return d, ok
}

// List returns all definitions ordered by id.
func (c *Catalog) List() []*Definition {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*Definition, 0, len(c.defs))
	for _, d := range c.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of definitions.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.defs)
}

// Agent names used by the built-in workflows.
const (
	AnomalyDetector = "anomaly_detector"
	PatternAnalyzer = "pattern_analyzer"
	Reporter        = "reporter"
)

// Builtins returns fresh copies of the built-in workflow definitions.
func Builtins() []*Definition {
	hasAnomalies := []Condition{{Field: "anomalies_found", Operator: OpGt, Value: 0}}

	detect := Step{
		ID:           "detect",
		Agent:        AnomalyDetector,
		Action:       "detect_anomalies",
		InputMapping: map[string]string{"values": "values"},
		OutputMapping: map[string]string{
			"anomalies_found": "anomalies_found",
			"anomalies":       "anomalies",
			"mean":            "mean",
		},
	}
	analyze := Step{
		ID:           "analyze",
		Agent:        PatternAnalyzer,
		Action:       "analyze_patterns",
		InputMapping: map[string]string{"anomalies": "anomalies", "values": "values"},
		OutputMapping: map[string]string{
			"risk_score": "risk_score",
			"high_risk":  "high_risk",
		},
	}
	report := Step{
		ID:            "report",
		Agent:         Reporter,
		Action:        "generate_report",
		OutputMapping: map[string]string{"report": "report", "report_id": "report_id"},
	}

	gatedAnalyze := analyze
	gatedAnalyze.Conditions = hasAnomalies

	return []*Definition{
		{
			ID:          "default_investigation",
			Name:        "Default investigation",
			Description: "Detect anomalies, analyze them if any were found, then report.",
			Pattern:     Sequential,
			Steps:       []Step{detect, gatedAnalyze, report},
			Timeout:     2 * time.Minute,
		},
		{
			ID:          "comprehensive_analysis",
			Name:        "Comprehensive analysis",
			Description: "Run detection, pattern analysis and summarization side by side and merge their results.",
			Pattern:     FanOutFanIn,
			Steps: []Step{
				{ID: "detect", Agent: AnomalyDetector, Action: "detect_anomalies"},
				{ID: "analyze", Agent: PatternAnalyzer, Action: "analyze_patterns"},
				{ID: "summarize", Agent: Reporter, Action: "summarize"},
			},
			Timeout:  time.Minute,
			CacheTTL: 5 * time.Minute,
		},
		{
			ID:          "parallel_screening",
			Name:        "Parallel screening",
			Description: "Screen the input with every analysis agent independently.",
			Pattern:     Parallel,
			Steps: []Step{
				{ID: "detect", Agent: AnomalyDetector, Action: "detect_anomalies"},
				{ID: "analyze", Agent: PatternAnalyzer, Action: "analyze_patterns"},
			},
			Timeout: time.Minute,
		},
		{
			ID:          "risk_triage",
			Name:        "Risk triage",
			Description: "Escalate high-risk findings, report everything else.",
			Pattern:     Conditional,
			Steps: []Step{
				withNext(detect, &Next{
					Branches: []Branch{{When: "has_anomalies", Step: "analyze"}},
					Default:  "report",
				}),
				withNext(analyze, &Next{
					Branches: []Branch{{When: "high_risk", Step: "escalate"}},
					Default:  "report",
				}),
				{
					ID:            "escalate",
					Agent:         Reporter,
					Action:        "escalate",
					OutputMapping: map[string]string{"escalated": "escalated", "priority": "priority"},
					Next:          &Next{Step: "report"},
				},
				report,
			},
			Predicates: map[string][]Condition{"has_anomalies": hasAnomalies},
			Timeout:    2 * time.Minute,
		},
		{
			ID:          "batch_scoring",
			Name:        "Batch scoring",
			Description: "Score every item, then aggregate the scores.",
			Pattern:     MapReduce,
			Steps: []Step{
				{ID: "score", Agent: AnomalyDetector, Action: "score_item"},
				{
					ID:            "aggregate",
					Agent:         PatternAnalyzer,
					Action:        "aggregate_scores",
					OutputMapping: map[string]string{"count": "count", "total": "total", "mean": "mean", "max": "max"},
				},
			},
			Timeout: 5 * time.Minute,
		},
		{
			ID:          "report_publication",
			Name:        "Report publication",
			Description: "Generate and publish a report, retracting both on failure.",
			Pattern:     Saga,
			Steps: []Step{
				{
					ID:            "generate",
					Agent:         Reporter,
					Action:        "generate_report",
					Compensation:  "discard_report",
					OutputMapping: map[string]string{"report": "report", "report_id": "report_id"},
				},
				{
					ID:            "publish",
					Agent:         Reporter,
					Action:        "publish_report",
					Compensation:  "retract_report",
					OutputMapping: map[string]string{"published": "published", "channel": "channel"},
				},
			},
			Timeout: time.Minute,
		},
		{
			ID:          "reactive_investigation",
			Name:        "Reactive investigation",
			Description: "Each stage reacts to the completion event of the previous one.",
			Pattern:     EventDriven,
			Steps:       []Step{detect, analyze, report},
			Timeout:     2 * time.Minute,
		},
	}
}

func withNext(s Step, n *Next) Step {
	s.Next = n
	return s
}
