package platform_test

import (
	"context"

	"pontoon.app/bridge/internal/event"
	"pontoon.app/bridge/internal/platform"
)

type mockTransport struct {
	name       event.Platform
	sendFn     func(ctx context.Context, req platform.DeliveryRequest) (platform.Receipt, error)
	startFn    func(ctx context.Context, req platform.ThreadRequest) (platform.ThreadHandle, platform.Receipt, error)
	sendCalls  int
	startCalls int
}

func (m *mockTransport) Platform() event.Platform {
	if m.name == "" {
		return event.PlatformSlack
	}
	return m.name
}

func (m *mockTransport) Send(ctx context.Context, req platform.DeliveryRequest) (platform.Receipt, error) {
	m.sendCalls++
	if m.sendFn != nil {
		return m.sendFn(ctx, req)
	}
	return platform.Receipt{MessageRef: "ok"}, nil
}

func (m *mockTransport) StartThread(ctx context.Context, req platform.ThreadRequest) (platform.ThreadHandle, platform.Receipt, error) {
	m.startCalls++
	if m.startFn != nil {
		return m.startFn(ctx, req)
	}
	return "t1", platform.Receipt{MessageRef: "t1"}, nil
}
