package bus

// Subject names for the pipeline handoffs.
// Pattern: {domain}.{resource}.{action}
const (
	// SubjectListenerAccepted carries accepted behavioral events from the
	// ingest stage.
	SubjectListenerAccepted = "events.listener.accepted"

	// SubjectAttributionAccepted carries accepted attribution events from
	// the ingest stage to the identity resolver.
	SubjectAttributionAccepted = "events.attribution.accepted"

	// SubjectJourneyUpdated signals that a journey changed and its
	// attribution paths need recomputation.
	SubjectJourneyUpdated = "journeys.updated"
)

// Queue group names for load-balanced consumers. Workers in the same group
// share messages, each message handled once per group.
const (
	QueueResolvers   = "identity-resolvers"
	QueueAttributors = "attribution-workers"
)
