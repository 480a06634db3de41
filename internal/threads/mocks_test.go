package threads

import (
	"context"
	"sync/atomic"
	"time"

	"pontoon.app/bridge/internal/event"
	"pontoon.app/bridge/internal/platform"
)

type mockStore struct {
	getFn       func(ctx context.Context, key string) (*ThreadState, error)
	setHandleFn func(ctx context.Context, st ThreadState) (*ThreadState, error)
	touchFn     func(ctx context.Context, key string, at time.Time) error
	sweepFn     func(ctx context.Context, now time.Time, defaultTimeout time.Duration) ([]SweptThread, error)

	setHandleCalls atomic.Int32
}

func (m *mockStore) Get(ctx context.Context, key string) (*ThreadState, error) {
	if m.getFn != nil {
		return m.getFn(ctx, key)
	}
	return nil, ErrNotFound
}

func (m *mockStore) SetHandle(ctx context.Context, st ThreadState) (*ThreadState, error) {
	m.setHandleCalls.Add(1)
	if m.setHandleFn != nil {
		return m.setHandleFn(ctx, st)
	}
	return &st, nil
}

func (m *mockStore) Touch(ctx context.Context, key string, at time.Time) error {
	if m.touchFn != nil {
		return m.touchFn(ctx, key, at)
	}
	return nil
}

func (m *mockStore) SweepStale(ctx context.Context, now time.Time, defaultTimeout time.Duration) ([]SweptThread, error) {
	if m.sweepFn != nil {
		return m.sweepFn(ctx, now, defaultTimeout)
	}
	return nil, nil
}

type mockAdapter struct {
	name      event.Platform
	deliverFn func(ctx context.Context, req platform.DeliveryRequest) platform.DeliveryResult
	createFn  func(ctx context.Context, req platform.ThreadRequest) (platform.ThreadHandle, platform.Receipt, error)

	createCalls atomic.Int32
}

func (m *mockAdapter) Platform() event.Platform {
	return m.name
}

func (m *mockAdapter) Deliver(ctx context.Context, req platform.DeliveryRequest) platform.DeliveryResult {
	if m.deliverFn != nil {
		return m.deliverFn(ctx, req)
	}
	return platform.Delivered(platform.Receipt{MessageRef: "ok"})
}

func (m *mockAdapter) CreateThread(ctx context.Context, req platform.ThreadRequest) (platform.ThreadHandle, platform.Receipt, error) {
	m.createCalls.Add(1)
	if m.createFn != nil {
		return m.createFn(ctx, req)
	}
	return "t1", platform.Receipt{MessageRef: "t1"}, nil
}
