package nats

import (
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Event kinds carried in the SSE "event:" field and the Envelope.
const (
	KindOperation    = "operation"
	KindNotification = "notification"
	KindSnapshot     = "snapshot"
)

// Subject prefixes within the stream.
const (
	operationPrefix    = "ops"
	notificationPrefix = "notify"
	snapshotPrefix     = "snapshots"
)

// OperationSubject returns the subject for a wallet's operation events.
func OperationSubject(wallet string) string { return fmt.Sprintf("%s.%s", operationPrefix, wallet) }

// NotificationSubject returns the subject for a wallet's notifications.
func NotificationSubject(wallet string) string {
	return fmt.Sprintf("%s.%s", notificationPrefix, wallet)
}

// SnapshotSubject returns the subject for a wallet's snapshot summaries.
func SnapshotSubject(wallet string) string { return fmt.Sprintf("%s.%s", snapshotPrefix, wallet) }

// OperationEvent reports a write operation changing status.
// This is published to the subject "ops.{wallet}".
type OperationEvent struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Wallet     string    `json:"wallet"`
	Network    string    `json:"network"`
	Status     string    `json:"status"`
	Mint       string    `json:"mint,omitempty"`
	Amount     string    `json:"amount,omitempty"`
	Signatures []string  `json:"signatures,omitempty"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`

	PublishedAt time.Time `json:"published_at"`
}

// NotificationEvent mirrors a user-facing notification.
// This is published to the subject "notify.{wallet}".
type NotificationEvent struct {
	ID        string    `json:"id"`
	Wallet    string    `json:"wallet"`
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`

	PublishedAt time.Time `json:"published_at"`
}

// SnapshotEvent summarizes a scheduled wallet snapshot.
// This is published to the subject "snapshots.{wallet}".
type SnapshotEvent struct {
	Wallet      string            `json:"wallet"`
	Network     string            `json:"network"`
	SnapshotID  int64             `json:"snapshot_id"`
	TakenAt     time.Time         `json:"taken_at"`
	SOLBalance  string            `json:"sol_balance"`
	Holdings    []SnapshotHolding `json:"holdings"`
	RecordCount int               `json:"record_count"`

	PublishedAt time.Time `json:"published_at"`
}

// SnapshotHolding is one scaled balance inside a SnapshotEvent.
type SnapshotHolding struct {
	Mint     string `json:"mint"`
	Balance  string `json:"balance"`
	Decimals uint8  `json:"decimals"`
}

// Envelope is a decoded stream message of any kind.
type Envelope struct {
	Kind         string
	Operation    *OperationEvent
	Notification *NotificationEvent
	Snapshot     *SnapshotEvent
}

// Decode parses a stream message according to its subject prefix.
func Decode(subject string, data []byte) (*Envelope, error) {
	prefix, _, _ := strings.Cut(subject, ".")
	switch prefix {
	case operationPrefix:
		var e OperationEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decoding operation event: %w", err)
		}
		return &Envelope{Kind: KindOperation, Operation: &e}, nil
	case notificationPrefix:
		var e NotificationEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decoding notification event: %w", err)
		}
		return &Envelope{Kind: KindNotification, Notification: &e}, nil
	case snapshotPrefix:
		var e SnapshotEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decoding snapshot event: %w", err)
		}
		return &Envelope{Kind: KindSnapshot, Snapshot: &e}, nil
	default:
		return nil, fmt.Errorf("unknown subject %q", subject)
	}
}

// Payload returns the decoded event for re-encoding.
func (e *Envelope) Payload() any {
	switch e.Kind {
	case KindOperation:
		return e.Operation
	case KindNotification:
		return e.Notification
	default:
		return e.Snapshot
	}
}
