package arrow_client

import (
	"context"
	"fmt"
	"sync"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/x448/float16"
)

// MockFlightClient is a mock implementation for testing. Tiles are encoded
// to Arrow records and decoded again, but never leave the process.
type MockFlightClient struct {
	mu        sync.RWMutex
	connected bool
	data      []float16.Float16
	offsets   []int

	// FailAfter makes every put after the first FailAfter ones fail when positive.
	FailAfter int
}

// NewMockFlightClient creates a new mock client
func NewMockFlightClient(n int) *MockFlightClient {
	return &MockFlightClient{
		data: make([]float16.Float16, n),
	}
}

// Connect simulates connection
func (m *MockFlightClient) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

// Close simulates disconnection
func (m *MockFlightClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

func (m *MockFlightClient) Len() int { return len(m.data) }

func (m *MockFlightClient) CopyAsync(ctx context.Context, offset int, src []float16.Float16) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- m.PutTile(ctx, offset, src)
	}()
	return done
}

// PutTile stores src at offset
func (m *MockFlightClient) PutTile(ctx context.Context, offset int, src []float16.Float16) error {
	rec := newTileRecord(memory.DefaultAllocator, src)
	defer rec.Release()

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return errNotConnected
	}
	if m.FailAfter > 0 && len(m.offsets) >= m.FailAfter {
		return fmt.Errorf("mock put %d failed", len(m.offsets)+1)
	}
	if offset < 0 || offset+len(src) > len(m.data) {
		return fmt.Errorf("tile [%d, %d) out of range for shadow of %d", offset, offset+len(src), len(m.data))
	}

	vals, err := tileValues(rec)
	if err != nil {
		return err
	}
	copy(m.data[offset:], vals)
	m.offsets = append(m.offsets, offset)
	return nil
}

// Fetch returns the stored shadow
func (m *MockFlightClient) Fetch(ctx context.Context) ([]float16.Float16, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.connected {
		return nil, errNotConnected
	}
	out := make([]float16.Float16, len(m.data))
	copy(out, m.data)
	return out, nil
}

// Offsets returns the offsets of every accepted put, in arrival order.
func (m *MockFlightClient) Offsets() []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]int(nil), m.offsets...)
}

// Reset clears all stored data
func (m *MockFlightClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.data)
	m.offsets = nil
}
