package contracts

// Billing event types published by the billing services
const (
	InvoiceGenerationRequested = "invoice.generation.requested"
	InvoiceGenerated           = "invoice.generated"
	InvoicePaymentReceived     = "invoice.payment.received"
	InvoiceOverdue             = "invoice.overdue"

	SubscriptionCreated    = "subscription.created"
	SubscriptionUpgraded   = "subscription.upgraded"
	SubscriptionDowngraded = "subscription.downgraded"
	SubscriptionCancelled  = "subscription.cancelled"
	SubscriptionExpired    = "subscription.expired"

	CustomerCreated     = "customer.created"
	CustomerUpdated     = "customer.updated"
	CustomerDeactivated = "customer.deactivated"

	BillingCycleStarted   = "billing.cycle.started"
	BillingCycleCompleted = "billing.cycle.completed"
	PaymentFailed         = "payment.failed"
	PaymentRetryScheduled = "payment.retry.scheduled"
)

// Queue names shared by the billing services
const (
	QueueInvoiceGeneration = "invoice-generation"
	QueueBillingEvents     = "billing-events"
	QueueNotifications     = "notifications"
	QueueWebhooks          = "webhooks"
)

// BillingEvent is the payload shape used for lifecycle events on the billing queues
type BillingEvent struct {
	Type       string         `json:"type"`
	CustomerID string         `json:"customerId,omitempty"`
	EntityID   string         `json:"entityId,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// Queues returns every well-known billing queue
func Queues() []string {
	return []string{
		QueueInvoiceGeneration,
		QueueBillingEvents,
		QueueNotifications,
		QueueWebhooks,
	}
}
