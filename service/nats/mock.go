package nats

import (
	"context"
	"sync"
)

// MockPublisher is a mock implementation of Publisher for testing.
type MockPublisher struct {
	mu            sync.RWMutex
	operations    []*OperationEvent
	notifications []*NotificationEvent
	snapshots     []*SnapshotEvent
	publishError  error
	closed        bool
}

// NewMockPublisher creates a new mock publisher for testing.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{}
}

// PublishOperation records the event and returns any configured error.
func (m *MockPublisher) PublishOperation(ctx context.Context, event *OperationEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.publishError != nil {
		return m.publishError
	}
	m.operations = append(m.operations, event)
	return nil
}

// PublishNotification records the event and returns any configured error.
func (m *MockPublisher) PublishNotification(ctx context.Context, event *NotificationEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.publishError != nil {
		return m.publishError
	}
	m.notifications = append(m.notifications, event)
	return nil
}

// PublishSnapshot records the event and returns any configured error.
func (m *MockPublisher) PublishSnapshot(ctx context.Context, event *SnapshotEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.publishError != nil {
		return m.publishError
	}
	m.snapshots = append(m.snapshots, event)
	return nil
}

// Close marks the publisher as closed.
func (m *MockPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Operations returns a copy of all published operation events.
func (m *MockPublisher) Operations() []*OperationEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*OperationEvent(nil), m.operations...)
}

// Notifications returns a copy of all published notification events.
func (m *MockPublisher) Notifications() []*NotificationEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*NotificationEvent(nil), m.notifications...)
}

// Snapshots returns a copy of all published snapshot events.
func (m *MockPublisher) Snapshots() []*SnapshotEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*SnapshotEvent(nil), m.snapshots...)
}

// SetPublishError configures the mock to fail every publish.
func (m *MockPublisher) SetPublishError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishError = err
}

// Reset clears all published events and errors.
func (m *MockPublisher) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.operations = nil
	m.notifications = nil
	m.snapshots = nil
	m.publishError = nil
	m.closed = false
}

// IsClosed returns whether the publisher has been closed.
func (m *MockPublisher) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}
