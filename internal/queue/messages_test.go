package queue

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testHash = strings.Repeat("ab", 32)

func TestPaymentEvent_ToJSON(t *testing.T) {
	balance := int64(1500)
	event := &PaymentEvent{
		Payment: Payment{
			PaymentHash: testHash,
			Amount:      21000,
			Description: "zap!",
		},
		WalletBalance: &balance,
	}

	data, err := event.ToJSON()
	require.NoError(t, err)
	assert.NotEmpty(t, data)

	// Verify it's valid JSON
	var result map[string]interface{}
	err = json.Unmarshal(data, &result)
	require.NoError(t, err)
	payment := result["payment"].(map[string]interface{})
	assert.Equal(t, testHash, payment["payment_hash"])
	assert.Equal(t, float64(21000), payment["amount"])
	assert.Equal(t, float64(1500), result["wallet_balance"])
}

func TestFromJSONPayment_Success(t *testing.T) {
	jsonData := []byte(`{
		"payment": {
			"payment_hash": "` + testHash + `",
			"amount": 50000,
			"description": "",
			"extra": {"nostr": "{\"kind\":9734}"}
		},
		"wallet_balance": 900
	}`)

	event, err := FromJSONPayment(jsonData)
	require.NoError(t, err)
	assert.Equal(t, testHash, event.Payment.PaymentHash)
	assert.Equal(t, int64(50000), event.Payment.Amount)
	require.NotNil(t, event.WalletBalance)
	assert.Equal(t, int64(900), *event.WalletBalance)
	require.NotNil(t, event.Payment.Extra)
	assert.JSONEq(t, `"{\"kind\":9734}"`, string(event.Payment.Extra.Nostr))
}

func TestFromJSONPayment_OptionalFieldsAbsent(t *testing.T) {
	jsonData := []byte(`{"payment": {"payment_hash": "` + testHash + `", "amount": -3000}}`)

	event, err := FromJSONPayment(jsonData)
	require.NoError(t, err)
	assert.Nil(t, event.WalletBalance)
	assert.Nil(t, event.Payment.Extra)
	// Outgoing payments carry negative amounts and must survive validation
	assert.Equal(t, int64(-3000), event.Payment.Amount)
}

func TestFromJSONPayment_InvalidJSON(t *testing.T) {
	jsonData := []byte(`invalid json`)

	event, err := FromJSONPayment(jsonData)
	assert.Error(t, err)
	assert.Nil(t, event)
	assert.Contains(t, err.Error(), "failed to unmarshal")
}

func TestFromJSONPayment_ValidationErrors(t *testing.T) {
	tests := []struct {
		name        string
		jsonData    string
		expectError string
	}{
		{
			name:        "Missing payment_hash",
			jsonData:    `{"payment": {"amount": 1000}}`,
			expectError: "payment_hash is required",
		},
		{
			name:        "Short payment_hash",
			jsonData:    `{"payment": {"payment_hash": "abcd", "amount": 1000}}`,
			expectError: "payment_hash must be 64 characters",
		},
		{
			name:        "Non-hex payment_hash",
			jsonData:    `{"payment": {"payment_hash": "` + strings.Repeat("zz", 32) + `", "amount": 1000}}`,
			expectError: "payment_hash must be valid hexadecimal",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event, err := FromJSONPayment([]byte(tt.jsonData))
			assert.Error(t, err)
			assert.Nil(t, event)
			assert.Contains(t, err.Error(), tt.expectError)
		})
	}
}

func TestPaymentEvent_SatsReceived(t *testing.T) {
	tests := []struct {
		name     string
		msats    int64
		expected int64
	}{
		{name: "whole sats", msats: 21000, expected: 21},
		{name: "truncates sub-sat", msats: 21999, expected: 21},
		{name: "zero", msats: 0, expected: 0},
		{name: "outgoing truncates toward zero", msats: -1500, expected: -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event := &PaymentEvent{Payment: Payment{PaymentHash: testHash, Amount: tt.msats}}
			assert.Equal(t, tt.expected, event.SatsReceived())
		})
	}
}
