// Package services - Prometheus collectors for sync outcomes.
//
// Label cardinality is kept to small closed sets (route names, outcome
// kinds); nothing user- or channel-identifying goes into labels.
package services

import "github.com/prometheus/client_golang/prometheus"

var (
	// eventsClassified counts inbound Slack events by routing verdict.
	eventsClassified = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_events_classified_total",
			Help: "Inbound chat events by classification route.",
		},
		[]string{"route"},
	)

	// ticketsCreated counts new Zendesk tickets, split by whether the
	// ticket is a follow-up of a closed one.
	ticketsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_tickets_created_total",
			Help: "Tickets created from Slack threads.",
		},
		[]string{"kind"}, // "root" | "followup"
	)

	// commentsAppended counts ticket comments, split public/private.
	commentsAppended = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_comments_appended_total",
			Help: "Comments appended to tickets from Slack messages.",
		},
		[]string{"visibility"}, // "public" | "private"
	)

	// mergesApplied counts root messages folded into the previous
	// conversation by the same-sender heuristic.
	mergesApplied = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sync_same_sender_merges_total",
			Help: "Root messages merged into the previous conversation.",
		},
	)

	// relaysDelivered counts Zendesk comments posted into Slack threads.
	relaysDelivered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sync_relays_delivered_total",
			Help: "Ticket comments relayed into Slack threads.",
		},
	)

	// duplicatesSkipped counts redeliveries short-circuited by the receipt
	// ledger.
	duplicatesSkipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sync_duplicate_events_skipped_total",
			Help: "Queue redeliveries skipped via the event-receipt ledger.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		eventsClassified,
		ticketsCreated,
		commentsAppended,
		mergesApplied,
		relaysDelivered,
		duplicatesSkipped,
	)
}

// CountClassified records a classification verdict; called by the webhook
// handler so the counter reflects every inbound event, not only queued ones.
func CountClassified(r Route) {
	eventsClassified.WithLabelValues(r.String()).Inc()
}
