package agents

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aixgo-dev/conductor/agent"
)

// ReporterName is the registered name of the reporter.
const ReporterName = "reporter"

// ErrUnknownReport is returned for a report id the reporter never issued.
var ErrUnknownReport = errors.New("unknown report")

func init() {
	Register(ReporterName, []string{"reporting", "summarization", "escalation"}, func(s Settings) (agent.Agent, error) {
		return NewReporter(s.Strings("channels", []string{"default", "email", "slack"}), s.String("default_channel", "default")), nil
	})
}

// Report is a generated report and its publication state.
type Report struct {
	ID        string
	Body      string
	Created   time.Time
	Published bool
	Channel   string
}

// Reporter generates, publishes and escalates investigation reports. Reports
// are kept in memory so saga compensations can discard or retract them.
type Reporter struct {
	*agent.Base
	dispatch *agent.Dispatcher

	channels       []string
	defaultChannel string

	mu      sync.Mutex
	reports map[string]*Report
}

// NewReporter creates a reporter that may publish to channels.
func NewReporter(channels []string, defaultChannel string) *Reporter {
	r := &Reporter{
		Base:           agent.NewBase(ReporterName, "reporting", "summarization", "escalation"),
		channels:       slices.Clone(channels),
		defaultChannel: defaultChannel,
		reports:        make(map[string]*Report),
	}
	r.dispatch = agent.NewDispatcher(r.Name(), map[agent.Action]agent.Handler{
		"generate_report": r.generate,
		"discard_report":  r.discard,
		"publish_report":  r.publish,
		"retract_report":  r.retract,
		"summarize":       r.summarize,
		"escalate":        r.escalate,
	})
	return r
}

func (r *Reporter) Process(ctx context.Context, msg *agent.Message, actx *agent.Context) (*agent.Response, error) {
	return r.dispatch.Dispatch(ctx, msg, actx)
}

// Report returns a copy of the report with id.
func (r *Reporter) Report(id string) (Report, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rep, ok := r.reports[id]
	if !ok {
		return Report{}, false
	}
	return *rep, true
}

// Reports returns the ids of all retained reports, sorted.
func (r *Reporter) Reports() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.reports))
	for id := range r.reports {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Reporter) generate(_ context.Context, msg *agent.Message, actx *agent.Context) (map[string]any, error) {
	p := msg.Payload
	var lines []string
	if n, ok := toFloat(p["anomalies_found"]); ok {
		lines = append(lines, fmt.Sprintf("Anomalies found: %d", int(n)))
	}
	if mean, ok := toFloat(p["mean"]); ok {
		lines = append(lines, fmt.Sprintf("Mean value: %.4g", mean))
	}
	if risk, ok := toFloat(p["risk_score"]); ok {
		lines = append(lines, fmt.Sprintf("Risk score: %.2f", risk))
	}
	if esc, _ := p["escalated"].(bool); esc {
		lines = append(lines, fmt.Sprintf("Escalated with priority %v", p["priority"]))
	}
	if len(lines) == 0 {
		lines = append(lines, "No findings.")
	}
	body := "Investigation " + msg.Context.InvestigationID + "\n" + strings.Join(lines, "\n") + "\n"

	rep := &Report{ID: uuid.NewString(), Body: body, Created: time.Now().UTC()}
	r.mu.Lock()
	r.reports[rep.ID] = rep
	r.mu.Unlock()

	if actx != nil {
		actx.SetMetadata("last_report_id", rep.ID)
	}
	return map[string]any{"report": rep.Body, "report_id": rep.ID}, nil
}

// reportID reads the report id from the payload or from a compensated step
// result.
func reportID(p map[string]any) (string, error) {
	if id, ok := p["report_id"].(string); ok && id != "" {
		return id, nil
	}
	if res, ok := p["step_result"].(map[string]any); ok {
		if id, ok := res["report_id"].(string); ok && id != "" {
			return id, nil
		}
	}
	return "", errors.New("report_id is required")
}

func (r *Reporter) discard(_ context.Context, msg *agent.Message, _ *agent.Context) (map[string]any, error) {
	id, err := reportID(msg.Payload)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	_, ok := r.reports[id]
	delete(r.reports, id)
	r.mu.Unlock()
	return map[string]any{"discarded": ok, "report_id": id}, nil
}

func (r *Reporter) publish(_ context.Context, msg *agent.Message, _ *agent.Context) (map[string]any, error) {
	id, err := reportID(msg.Payload)
	if err != nil {
		return nil, err
	}
	channel, _ := msg.Payload["channel"].(string)
	if channel == "" {
		channel = r.defaultChannel
	}
	if !slices.Contains(r.channels, channel) {
		return nil, fmt.Errorf("channel %q is not configured", channel)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	rep, ok := r.reports[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownReport, id)
	}
	rep.Published = true
	rep.Channel = channel
	return map[string]any{"published": true, "channel": channel, "report_id": id}, nil
}

func (r *Reporter) retract(_ context.Context, msg *agent.Message, _ *agent.Context) (map[string]any, error) {
	id, err := reportID(msg.Payload)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rep, ok := r.reports[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownReport, id)
	}
	rep.Published = false
	rep.Channel = ""
	return map[string]any{"retracted": true, "report_id": id}, nil
}

func (r *Reporter) summarize(_ context.Context, msg *agent.Message, _ *agent.Context) (map[string]any, error) {
	values, err := numbers(msg.Payload["values"])
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return map[string]any{"summary": "no values"}, nil
	}
	mean, stddev := meanStddev(values)
	lo, hi := slices.Min(values), slices.Max(values)
	return map[string]any{
		"summary": fmt.Sprintf("%d values, mean %.4g, stddev %.4g, range [%.4g, %.4g]", len(values), mean, stddev, lo, hi),
		"min":     lo,
		"max":     hi,
	}, nil
}

func (r *Reporter) escalate(_ context.Context, msg *agent.Message, _ *agent.Context) (map[string]any, error) {
	risk, _ := toFloat(msg.Payload["risk_score"])
	priority := "medium"
	if risk >= 0.9 {
		priority = "critical"
	} else if risk >= 0.7 {
		priority = "high"
	}
	return map[string]any{"escalated": true, "priority": priority}, nil
}
