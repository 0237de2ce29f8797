package mq

import (
	"encoding/json"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPublishing_VendedEvent(t *testing.T) {
	at := time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC)
	msg, err := newPublishing(PurchaseEvent{
		AttemptID:           "a1",
		MeterNumber:         "0128244428552",
		TenantID:            "tenant-1",
		PhoneNumber:         "255712345678",
		GrossAmount:         "100.00",
		Units:               "3.6",
		Token:               "1234-5678",
		VendorTransactionID: "VT-1",
		PaymentReference:    "MP-1",
		State:               "vended",
		OccurredAt:          at,
	})
	require.NoError(t, err)

	assert.Equal(t, "application/json", msg.ContentType)
	assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
	assert.Equal(t, "a1", msg.MessageId)
	assert.True(t, msg.Timestamp.Equal(at))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(msg.Body, &body))
	assert.Equal(t, map[string]interface{}{
		"attempt_id":            "a1",
		"meter_number":          "0128244428552",
		"tenant_id":             "tenant-1",
		"phone_number":          "255712345678",
		"gross_amount":          "100.00",
		"units":                 "3.6",
		"token":                 "1234-5678",
		"vendor_transaction_id": "VT-1",
		"payment_reference":     "MP-1",
		"state":                 "vended",
		"occurred_at":           "2024-03-01T10:30:00Z",
	}, body)
}

func TestNewPublishing_FailureEventOmitsEmptyFields(t *testing.T) {
	msg, err := newPublishing(PurchaseEvent{
		AttemptID:     "a2",
		GrossAmount:   "50.00",
		State:         "vend_failed",
		FailureKind:   "ambiguous_vend_outcome",
		FailureReason: "timeout",
		Unconfirmed:   true,
	})
	require.NoError(t, err)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(msg.Body, &body))
	assert.Equal(t, true, body["unconfirmed"])
	assert.Equal(t, "ambiguous_vend_outcome", body["failure_kind"])
	for _, key := range []string{"units", "token", "vendor_transaction_id", "payment_reference"} {
		assert.NotContains(t, body, key)
	}
	// Present even when empty so consumers can rely on them.
	for _, key := range []string{"meter_number", "tenant_id", "phone_number", "occurred_at"} {
		assert.Contains(t, body, key)
	}
}

func TestRoutingKeys(t *testing.T) {
	assert.Equal(t, "purchase.vended", RoutingPurchaseVended)
	assert.Equal(t, "purchase.vend_failed", RoutingPurchaseVendFailed)
	assert.Equal(t, "purchase.payment_failed", RoutingPurchasePaymentFailed)
}
