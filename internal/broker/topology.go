package broker

import "time"

const (
	ConsentProcessingQueue      = "consent_processing_q"
	ConsentProcessingRetryQueue = "consent_processing_retry_q"
	ConsentProcessingDLQ        = "consent_processing_dlq"

	ConsentExpiryDelayQueue = "consent_expiry_delay_queue"
	DataExpiryDelayQueue    = "data_expiry_delay_queue"

	ConsentEventsQueue      = "consent_events_q"
	ConsentEventsRetryQueue = "consent_retry_q"
	ConsentEventsDLQ        = "consent_dlq"

	WebhookMainQueue  = "webhook_main"
	WebhookRetryQueue = "webhook_retry"
	WebhookDLQ        = "webhook_dlq"
)

// Route names the queue a consumer reads and the DLQ it copies exhausted
// messages to.
type Route struct {
	Queue      string
	DeadLetter string
}

var (
	ProcessingRoute = Route{Queue: ConsentProcessingQueue, DeadLetter: ConsentProcessingDLQ}
	EventsRoute     = Route{Queue: ConsentEventsQueue, DeadLetter: ConsentEventsDLQ}
	WebhookRoute    = Route{Queue: WebhookMainQueue, DeadLetter: WebhookDLQ}
)

// RetryDelays are the TTLs of the three retry queues.
type RetryDelays struct {
	Processing time.Duration
	Events     time.Duration
	Webhook    time.Duration
}

func DefaultRetryDelays() RetryDelays {
	return RetryDelays{
		Processing: 5 * time.Second,
		Events:     10 * time.Second,
		Webhook:    10 * time.Second,
	}
}

// DeadLetterQueues lists the operator-inspected queues.
func DeadLetterQueues() []string {
	return []string{ConsentProcessingDLQ, ConsentEventsDLQ, WebhookDLQ}
}

// Topology is the full queue graph. Each work queue rejects into its retry
// queue, whose TTL dead-letters back into the work queue. Delay queues expire
// per message straight into the processing queue.
func Topology(d RetryDelays) []QueueSpec {
	return []QueueSpec{
		{Name: ConsentProcessingQueue, DeadLetterTo: ConsentProcessingRetryQueue},
		{Name: ConsentProcessingRetryQueue, DeadLetterTo: ConsentProcessingQueue, MessageTTL: d.Processing, Holding: true},
		{Name: ConsentProcessingDLQ},

		{Name: ConsentExpiryDelayQueue, DeadLetterTo: ConsentProcessingQueue, Holding: true},
		{Name: DataExpiryDelayQueue, DeadLetterTo: ConsentProcessingQueue, Holding: true},

		{Name: ConsentEventsQueue, DeadLetterTo: ConsentEventsRetryQueue},
		{Name: ConsentEventsRetryQueue, DeadLetterTo: ConsentEventsQueue, MessageTTL: d.Events, Holding: true},
		{Name: ConsentEventsDLQ},

		{Name: WebhookMainQueue, DeadLetterTo: WebhookRetryQueue},
		{Name: WebhookRetryQueue, DeadLetterTo: WebhookMainQueue, MessageTTL: d.Webhook, Holding: true},
		{Name: WebhookDLQ},
	}
}
