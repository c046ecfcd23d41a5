package domain

import "time"

// ChatSuffix is the WhatsApp domain appended to a phone number to form a chat ID.
const ChatSuffix = "@c.us"

// ChatID returns the chat identifier for a phone number.
func ChatID(number string) string {
	return number + ChatSuffix
}

// DeliveryKind is the type of message a delivery carried.
type DeliveryKind string

const (
	DeliveryText  DeliveryKind = "text"
	DeliveryMedia DeliveryKind = "media"
)

// DeliveryStatus is the outcome of a single send attempt.
type DeliveryStatus string

const (
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
	DeliveryTimeout DeliveryStatus = "timeout"
)

// Delivery records one send attempt made by the gateway.
type Delivery struct {
	ID         int64          `json:"id"`
	RequestID  string         `json:"requestId"`
	ChatID     string         `json:"chatId"`
	Kind       DeliveryKind   `json:"kind"`
	FileName   string         `json:"fileName,omitempty"`
	Status     DeliveryStatus `json:"status"`
	Error      string         `json:"error,omitempty"`
	DurationMs int64          `json:"durationMs"`
	CreatedAt  time.Time      `json:"createdAt"`
}
