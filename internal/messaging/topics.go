package messaging

// Kafka topics shared between the settler and its downstream consumers.
const (
	// TopicSettlementCompleted carries one event per completed mint,
	// keyed by order id so replays for the same order stay in order.
	TopicSettlementCompleted = "settlement.completed"
)
