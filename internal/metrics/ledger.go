package metrics

// LedgerMetrics are the metrics maintained by the ledger node.
type LedgerMetrics struct {
	registry *Registry

	// Instructions counts processed instructions by name and result, where
	// result is "ok" or the program error name.
	Instructions *CounterVec

	TransactionsRejected *Counter
	EventsPublished      *Counter
	EventsDropped        *Counter
	Verifications        *CounterVec

	Slot          *Gauge
	Accounts      *Gauge
	Subscribers   *Gauge
	UptimeSeconds *Gauge

	ApplyDuration  *Histogram
	VerifyDuration *Histogram
}

// NewLedgerMetrics registers the ledger metrics on registry. A nil registry
// gets a fresh one under the "solprism" namespace.
func NewLedgerMetrics(registry *Registry) *LedgerMetrics {
	if registry == nil {
		registry = NewRegistry("solprism")
	}
	return &LedgerMetrics{
		registry: registry,

		Instructions: registry.CounterVec("instructions_total",
			"Instructions processed, by instruction and result", "instruction", "result"),
		TransactionsRejected: registry.Counter("transactions_rejected_total",
			"Transactions rejected before execution (bad signature or encoding)"),
		EventsPublished: registry.Counter("events_published_total",
			"Events delivered to subscribers"),
		EventsDropped: registry.Counter("events_dropped_total",
			"Events dropped because a subscriber was not keeping up"),
		Verifications: registry.CounterVec("verifications_total",
			"Off-ledger verifications, by outcome", "outcome"),

		Slot:          registry.Gauge("slot", "Current ledger slot"),
		Accounts:      registry.Gauge("accounts", "Accounts held by the ledger"),
		Subscribers:   registry.Gauge("event_subscribers", "Active event subscribers"),
		UptimeSeconds: registry.Gauge("uptime_seconds", "Seconds since the node started"),

		ApplyDuration:  registry.Histogram("apply_duration_seconds", "Time to apply one transaction", nil),
		VerifyDuration: registry.Histogram("verify_duration_seconds", "Time to verify one commitment", nil),
	}
}

// Registry returns the underlying registry.
func (m *LedgerMetrics) Registry() *Registry {
	return m.registry
}
