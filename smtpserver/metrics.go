package smtpserver

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus collectors a Server updates as it serves
// connections. A nil *Metrics (the zero value of Server.Metrics) disables
// all instrumentation, so embedders that don't care about Prometheus pay
// nothing for it.
type Metrics struct {
	activeConns  prometheus.Gauge
	commands     *prometheus.CounterVec
	replyCodes   *prometheus.CounterVec
	authAttempts *prometheus.CounterVec
	messages     prometheus.Counter
}

// NewMetrics registers a fresh set of collectors with reg and returns the
// Metrics to assign to Server.Metrics. namespace is used as the Prometheus
// metric namespace (e.g. "smtpcored").
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	m := &Metrics{
		activeConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of currently open SMTP connections.",
		}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Number of commands processed, by verb.",
		}, []string{"command"}),
		replyCodes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replies_total",
			Help:      "Number of replies sent, by status code class.",
		}, []string{"class"}),
		authAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_attempts_total",
			Help:      "Number of AUTH attempts, by mechanism and outcome.",
		}, []string{"mechanism", "outcome"}),
		messages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_accepted_total",
			Help:      "Number of messages accepted by the data sink.",
		}),
	}

	reg.MustRegister(m.activeConns, m.commands, m.replyCodes, m.authAttempts, m.messages)
	return m
}

func (m *Metrics) connOpened() {
	if m == nil {
		return
	}
	m.activeConns.Inc()
}

func (m *Metrics) connClosed() {
	if m == nil {
		return
	}
	m.activeConns.Dec()
}

func (m *Metrics) command(verb string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(verb).Inc()
}

func (m *Metrics) reply(code int) {
	if m == nil {
		return
	}
	class := "2xx"
	switch {
	case code >= 500:
		class = "5xx"
	case code >= 400:
		class = "4xx"
	case code >= 300:
		class = "3xx"
	}
	m.replyCodes.WithLabelValues(class).Inc()
}

func (m *Metrics) auth(mechanism string, ok bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	m.authAttempts.WithLabelValues(mechanism, outcome).Inc()
}

func (m *Metrics) messageAccepted() {
	if m == nil {
		return
	}
	m.messages.Inc()
}
