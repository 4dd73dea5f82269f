// Package rabbitmq manages the AMQP connection used by the RabbitMQ broadcast transport.
//
// The ConnectionManager dials the broker, watches the connection for closure
// and reconnects with exponential backoff, reporting every change to
// messaging.ConnectionStateListener observers.
package rabbitmq
