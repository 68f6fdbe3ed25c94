package idp

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
)

// MemoryClient is an in-process Client for tests and local development.
type MemoryClient struct {
	mu    sync.Mutex
	users map[string]map[string]string
	err   error
	calls int
}

var _ Client = (*MemoryClient)(nil)

func NewMemoryClient() *MemoryClient {
	return &MemoryClient{users: make(map[string]map[string]string)}
}

// AddUser creates or replaces a user with the given attributes.
func (m *MemoryClient) AddUser(userID string, attrs map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make(map[string]string, len(attrs))
	for k, v := range attrs {
		cp[k] = v
	}
	m.users[userID] = cp
}

// SetErr makes every call fail with err until cleared with nil.
func (m *MemoryClient) SetErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Calls returns the number of calls served, including failed ones.
func (m *MemoryClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MemoryClient) GetUserAttribute(_ context.Context, userID, attr string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return "", m.err
	}
	return m.users[userID][attr], nil
}

func (m *MemoryClient) SetUserAttribute(_ context.Context, userID, attr, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return m.err
	}
	u, ok := m.users[userID]
	if !ok {
		return fmt.Errorf("set attribute %s on %s: %w", attr, userID, ErrUserNotFound)
	}
	if value == "" {
		delete(u, attr)
	} else {
		u[attr] = value
	}
	return nil
}

func (m *MemoryClient) ListUsers(_ context.Context, pageSize int, pageToken string) (*Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	if pageSize <= 0 {
		pageSize = 100
	}
	ids := make([]string, 0, len(m.users))
	for id := range m.users {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	start := 0
	if pageToken != "" {
		n, err := strconv.Atoi(pageToken)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid page token %q", pageToken)
		}
		start = min(n, len(ids))
	}
	end := min(start+pageSize, len(ids))

	page := &Page{UserIDs: ids[start:end]}
	if end < len(ids) {
		page.NextPageToken = strconv.Itoa(end)
	}
	return page, nil
}
