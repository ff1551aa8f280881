package metrics

import "github.com/prometheus/client_golang/prometheus"

// Prometheus implements Collector using client_golang, adapted from
// infodancer-pop3d's PrometheusCollector with a "proto" label added
// throughout so one registry instance covers both the NNTP and IMAP
// engines.
type Prometheus struct {
	connectionsTotal  *prometheus.CounterVec
	connectionsActive *prometheus.GaugeVec
	tlsTotal          *prometheus.CounterVec

	authAttemptsTotal *prometheus.CounterVec
	commandsTotal     *prometheus.CounterVec

	messagesPostedTotal  *prometheus.CounterVec
	messagesFetchedTotal *prometheus.CounterVec
	messageSizeBytes     *prometheus.HistogramVec
}

// NewPrometheus creates and registers a Prometheus collector against reg.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	p := &Prometheus{
		connectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vellum_connections_total",
			Help: "Total number of connections opened.",
		}, []string{"proto"}),
		connectionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vellum_connections_active",
			Help: "Number of currently active connections.",
		}, []string{"proto"}),
		tlsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vellum_tls_connections_total",
			Help: "Total number of TLS connections established.",
		}, []string{"proto"}),
		authAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vellum_auth_attempts_total",
			Help: "Total number of authentication attempts.",
		}, []string{"proto", "result"}),
		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vellum_commands_total",
			Help: "Total number of protocol commands processed.",
		}, []string{"proto", "command"}),
		messagesPostedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vellum_messages_posted_total",
			Help: "Total number of messages saved to the store.",
		}, []string{"proto"}),
		messagesFetchedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vellum_messages_fetched_total",
			Help: "Total number of message bodies served.",
		}, []string{"proto"}),
		messageSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vellum_message_size_bytes",
			Help:    "Size of posted/fetched messages in bytes.",
			Buckets: []float64{512, 2048, 16384, 131072, 1048576},
		}, []string{"proto", "direction"}),
	}

	reg.MustRegister(
		p.connectionsTotal,
		p.connectionsActive,
		p.tlsTotal,
		p.authAttemptsTotal,
		p.commandsTotal,
		p.messagesPostedTotal,
		p.messagesFetchedTotal,
		p.messageSizeBytes,
	)
	return p
}

func (p *Prometheus) ConnectionOpened(proto string) {
	p.connectionsTotal.WithLabelValues(proto).Inc()
	p.connectionsActive.WithLabelValues(proto).Inc()
}

func (p *Prometheus) ConnectionClosed(proto string) {
	p.connectionsActive.WithLabelValues(proto).Dec()
}

func (p *Prometheus) TLSConnectionEstablished(proto string) {
	p.tlsTotal.WithLabelValues(proto).Inc()
}

func (p *Prometheus) AuthAttempt(proto string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	p.authAttemptsTotal.WithLabelValues(proto, result).Inc()
}

func (p *Prometheus) CommandProcessed(proto, command string) {
	p.commandsTotal.WithLabelValues(proto, command).Inc()
}

func (p *Prometheus) MessagePosted(proto string, sizeBytes int) {
	p.messagesPostedTotal.WithLabelValues(proto).Inc()
	p.messageSizeBytes.WithLabelValues(proto, "posted").Observe(float64(sizeBytes))
}

func (p *Prometheus) MessageFetched(proto string, sizeBytes int) {
	p.messagesFetchedTotal.WithLabelValues(proto).Inc()
	p.messageSizeBytes.WithLabelValues(proto, "fetched").Observe(float64(sizeBytes))
}
