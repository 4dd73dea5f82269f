// Package messaging provides the queueing core of eventq.
//
// This package implements the delivery pipeline on top of a backing store:
//   - MessagePublisher: enqueues envelopes immediately or into the delayed set
//   - DelayPromoter: moves due envelopes from the delayed set to the ready list
//   - MessageSubscriber: runs a worker pool per topic and returns a Subscription handle
//   - Dispatcher: handles one envelope, retries failures with exponential backoff and dead-letters the rest
//   - Broadcaster: best-effort pub/sub notifications with glob patterns
//   - StatsReader: pending, delayed and failed counts per topic
//
// Delivery is at-least-once. An envelope keeps its id across retries and its
// retry count grows by one per failure; a DuplicateFilter uses that pair to drop
// second copies of the same attempt.
//
// Example usage:
//
//	publisher := messaging.NewMessagePublisher(sessions)
//	id, err := publisher.Publish(ctx, contracts.QueueInvoiceGeneration, invoiceRequest,
//		messaging.WithDelay(30*time.Second))
//
//	subscriber := messaging.NewMessageSubscriber(sessions, publisher)
//	sub, err := subscriber.Subscribe(ctx, contracts.QueueInvoiceGeneration,
//		messaging.HandlerFunc(func(ctx context.Context, env *contracts.Envelope) error {
//			var req InvoiceRequest
//			if err := env.Decode(&req); err != nil {
//				return messaging.Permanent(err)
//			}
//			return generateInvoice(ctx, req)
//		}),
//		messaging.WithConcurrency(4))
//	defer sub.Stop(ctx)
//
// Any store implementing Sessions can back the pipeline; see transports/memory
// and transports/redis.
package messaging
