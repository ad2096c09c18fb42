package events

// Topics emitted by the engine. Downstream consumers subscribe by name.
const (
	TopicOrderCreated  = "order.created"
	TopicOrderSettled  = "order.settled"
	TopicOrderCanceled = "order.canceled"
	TopicPaymentFailed = "payment.failed"
	TopicTopupSettled  = "wallet.topup.settled"
)
