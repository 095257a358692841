package ws

import (
	"encoding/json"

	"cashflow/internal/domain"
)

// Message is the envelope of every frame sent to a subscriber
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// ReadyPayload confirms the subscription
type ReadyPayload struct {
	MerchantID string `json:"merchantId"`
}

func encode(msgType string, data any) ([]byte, error) {
	return json.Marshal(Message{Type: msgType, Data: data})
}

func consolidationFrame(c domain.DailyConsolidation) ([]byte, error) {
	return encode(MsgConsolidation, c)
}
