package textgen

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts generation activity. A nil *Metrics records nothing.
type Metrics struct {
	steps     *prometheus.CounterVec
	retries   *prometheus.CounterVec
	toolCalls *prometheus.CounterVec
	tokens    *prometheus.CounterVec
}

// NewMetrics registers the generation counters on registry. It returns nil
// when registry is nil.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		steps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vaultagent_steps_total",
				Help: "Total number of model steps by provider and finish reason",
			},
			[]string{"provider", "reason"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vaultagent_step_retries_total",
				Help: "Total number of retried step requests by provider",
			},
			[]string{"provider"},
		),
		toolCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vaultagent_tool_calls_total",
				Help: "Total number of tool calls by tool and outcome",
			},
			[]string{"tool", "outcome"},
		),
		tokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vaultagent_tokens_total",
				Help: "Total number of tokens by provider and direction",
			},
			[]string{"provider", "direction"},
		),
	}

	registry.MustRegister(m.steps, m.retries, m.toolCalls, m.tokens)
	return m
}

func (m *Metrics) step(provider, reason string) {
	if m != nil {
		m.steps.WithLabelValues(provider, reason).Inc()
	}
}

func (m *Metrics) retry(provider string) {
	if m != nil {
		m.retries.WithLabelValues(provider).Inc()
	}
}

func (m *Metrics) toolCall(tool, outcome string) {
	if m != nil {
		m.toolCalls.WithLabelValues(tool, outcome).Inc()
	}
}

func (m *Metrics) usage(provider string, input, output int) {
	if m != nil {
		m.tokens.WithLabelValues(provider, "input").Add(float64(input))
		m.tokens.WithLabelValues(provider, "output").Add(float64(output))
	}
}
