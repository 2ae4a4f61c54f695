package temporal

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

var _ Reconciler = (*MockScheduler)(nil)

// MockScheduler keeps schedules in memory. Errors set with the Set*Error
// methods are returned by every later call of that method.
type MockScheduler struct {
	mu        sync.Mutex
	intervals map[string]time.Duration // by schedule ID
	upsertErr error
	deleteErr error
	listErr   error
}

func NewMockScheduler() *MockScheduler {
	return &MockScheduler{intervals: make(map[string]time.Duration)}
}

func (m *MockScheduler) UpsertWalletSchedule(_ context.Context, address, network string, interval time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return m.upsertErr
	}
	m.intervals[scheduleID(address, network)] = interval
	return nil
}

func (m *MockScheduler) DeleteWalletSchedule(_ context.Context, address, network string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return m.deleteErr
	}
	id := scheduleID(address, network)
	if _, ok := m.intervals[id]; !ok {
		return fmt.Errorf("schedule %q not found", id)
	}
	delete(m.intervals, id)
	return nil
}

// ListWalletSchedules returns the stored IDs in sorted order.
func (m *MockScheduler) ListWalletSchedules(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	ids := make([]string, 0, len(m.intervals))
	for id := range m.intervals {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// AddScheduleID stores a raw schedule ID, such as one left behind by
// another deployment.
func (m *MockScheduler) AddScheduleID(id string, interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.intervals[id] = interval
}

func (m *MockScheduler) SetUpsertError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsertErr = err
}

func (m *MockScheduler) SetDeleteError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteErr = err
}

func (m *MockScheduler) SetListError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listErr = err
}

// ScheduleInterval reports the interval of a wallet's schedule.
func (m *MockScheduler) ScheduleInterval(address, network string) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	interval, ok := m.intervals[scheduleID(address, network)]
	return interval, ok
}

func (m *MockScheduler) ScheduleCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.intervals)
}
