package consumer

import "github.com/douglas-dreer/manager-order/order"

// CommandFor maps an inbound event type to the lifecycle command it drives.
// The set is closed: an event type outside it is a permanent failure, acked
// and logged, never retried.
func CommandFor(eventType string) (order.Command, bool) {
	switch eventType {
	case "StockReserved":
		return order.CommandConfirm, true
	case "PaymentRecorded":
		return order.CommandRecordPayment, true
	case "OrderShipped":
		return order.CommandFulfill, true
	case "OrderDelivered":
		return order.CommandComplete, true
	case "OrderCancellationRequested":
		return order.CommandCancel, true
	case "OrderProcessingFailed":
		return order.CommandFailIrrecoverably, true
	default:
		return "", false
	}
}
