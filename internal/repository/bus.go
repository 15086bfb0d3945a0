package repository

// MessageBus publishes engine events. The orchestrator emits
// "transactions.resolved" for every terminal transition; the callback
// worker consumes it.
type MessageBus interface {
	Publish(topic string, data []byte) error
}
