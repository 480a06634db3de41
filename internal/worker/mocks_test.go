package worker_test

import (
	"context"
	"sync"
	"time"

	"pontoon.app/bridge/internal/event"
	"pontoon.app/bridge/internal/mapping"
	"pontoon.app/bridge/internal/platform"
	"pontoon.app/bridge/internal/queue"
	"pontoon.app/bridge/internal/threads"
)

type mockConsumer struct {
	mu sync.Mutex

	readFn func(ctx context.Context) ([]queue.Message, error)

	acked    []queue.Message
	requeued []queue.Message
	deadLet  []queue.Message
}

func (m *mockConsumer) Read(ctx context.Context) ([]queue.Message, error) {
	if m.readFn != nil {
		return m.readFn(ctx)
	}
	return nil, nil
}

func (m *mockConsumer) Ack(_ context.Context, msg queue.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acked = append(m.acked, msg)
	return nil
}

func (m *mockConsumer) Requeue(_ context.Context, msg queue.Message, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requeued = append(m.requeued, msg)
	return nil
}

func (m *mockConsumer) SendDLQ(_ context.Context, msg queue.Message, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadLet = append(m.deadLet, msg)
	return nil
}

func (m *mockConsumer) ackCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.acked)
}

type mockDedup struct {
	markFn   func(ctx context.Context, eventID string) (bool, error)
	unmarked []string
}

func (m *mockDedup) MarkAndCheck(ctx context.Context, eventID string) (bool, error) {
	if m.markFn != nil {
		return m.markFn(ctx, eventID)
	}
	return false, nil
}

func (m *mockDedup) Unmark(_ context.Context, eventID string) error {
	m.unmarked = append(m.unmarked, eventID)
	return nil
}

type mockLookup struct {
	lookupFn func(ctx context.Context, sourceConversationID string) (*mapping.GroupMapping, error)
}

func (m *mockLookup) Lookup(ctx context.Context, sourceConversationID string) (*mapping.GroupMapping, error) {
	if m.lookupFn != nil {
		return m.lookupFn(ctx, sourceConversationID)
	}
	return nil, mapping.ErrNotFound
}

type mockThreadStore struct {
	getFn       func(ctx context.Context, key string) (*threads.ThreadState, error)
	setHandleFn func(ctx context.Context, st threads.ThreadState) (*threads.ThreadState, error)
	sweepFn     func(ctx context.Context, now time.Time, def time.Duration) ([]threads.SweptThread, error)
	touched     []string
}

func (m *mockThreadStore) Get(ctx context.Context, key string) (*threads.ThreadState, error) {
	if m.getFn != nil {
		return m.getFn(ctx, key)
	}
	return nil, threads.ErrNotFound
}

func (m *mockThreadStore) SetHandle(ctx context.Context, st threads.ThreadState) (*threads.ThreadState, error) {
	if m.setHandleFn != nil {
		return m.setHandleFn(ctx, st)
	}
	return &st, nil
}

func (m *mockThreadStore) Touch(_ context.Context, key string, _ time.Time) error {
	m.touched = append(m.touched, key)
	return nil
}

func (m *mockThreadStore) SweepStale(ctx context.Context, now time.Time, def time.Duration) ([]threads.SweptThread, error) {
	if m.sweepFn != nil {
		return m.sweepFn(ctx, now, def)
	}
	return nil, nil
}

type mockAdapter struct {
	mu        sync.Mutex
	name      event.Platform
	deliverFn func(ctx context.Context, req platform.DeliveryRequest) platform.DeliveryResult
	createFn  func(ctx context.Context, req platform.ThreadRequest) (platform.ThreadHandle, platform.Receipt, error)

	delivered []platform.DeliveryRequest
	created   []platform.ThreadRequest
}

func (m *mockAdapter) Platform() event.Platform {
	return m.name
}

func (m *mockAdapter) Deliver(ctx context.Context, req platform.DeliveryRequest) platform.DeliveryResult {
	m.mu.Lock()
	m.delivered = append(m.delivered, req)
	m.mu.Unlock()
	if m.deliverFn != nil {
		return m.deliverFn(ctx, req)
	}
	return platform.Delivered(platform.Receipt{MessageRef: "ref-1"})
}

func (m *mockAdapter) deliveredRequests() []platform.DeliveryRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]platform.DeliveryRequest(nil), m.delivered...)
}

func (m *mockAdapter) CreateThread(ctx context.Context, req platform.ThreadRequest) (platform.ThreadHandle, platform.Receipt, error) {
	m.created = append(m.created, req)
	if m.createFn != nil {
		return m.createFn(ctx, req)
	}
	return "t1", platform.Receipt{MessageRef: "t1"}, nil
}
