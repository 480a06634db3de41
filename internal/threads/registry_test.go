package threads

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"pontoon.app/bridge/internal/event"
	"pontoon.app/bridge/internal/mapping"
	"pontoon.app/bridge/internal/platform"
)

var _ = Describe("Registry", func() {
	var (
		ctx      context.Context
		store    *mockStore
		adapter  *mockAdapter
		registry *Registry
		now      time.Time
	)

	ev := event.InboundEvent{
		EventID:              "m1",
		SourcePlatform:       event.PlatformTelegram,
		SourceConversationID: "g42",
		SenderDisplayName:    "Tom",
		Body:                 "anyone know a plumber",
	}
	m := &mapping.GroupMapping{
		SourceConversationID:      "g42",
		SourcePlatform:            event.PlatformTelegram,
		DestinationConversationID: "C123",
		SourceDisplayName:         "Home chat",
	}
	starter := Starter{Title: "Home chat", Text: "*Tom* (Home chat): anyone know a plumber"}

	BeforeEach(func() {
		ctx = context.Background()
		store = &mockStore{}
		adapter = &mockAdapter{name: event.PlatformSlack}
		now = time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)

		registry = NewRegistry(store,
			map[event.Platform]platform.Adapter{event.PlatformSlack: adapter},
			time.Hour, 24*time.Hour, nil)
		registry.now = func() time.Time { return now }
	})

	Describe("Resolve", func() {
		Context("when a live thread exists", func() {
			It("reuses the stored handle without touching the adapter", func() {
				store.getFn = func(_ context.Context, key string) (*ThreadState, error) {
					Expect(key).To(Equal("g42"))
					return &ThreadState{
						SourceConversationID:    "g42",
						DestinationThreadHandle: "t1",
						LastActivityAt:          now.Add(-time.Minute),
					}, nil
				}

				route, err := registry.Resolve(ctx, ev, m, starter)

				Expect(err).NotTo(HaveOccurred())
				Expect(route.ThreadHandle).To(Equal(platform.ThreadHandle("t1")))
				Expect(route.ConversationID).To(Equal("C123"))
				Expect(route.Destination).To(Equal(event.PlatformSlack))
				Expect(route.CreatedThread).To(BeFalse())
				Expect(adapter.createCalls.Load()).To(BeZero())
			})
		})

		Context("when no thread exists", func() {
			It("creates one and delivers the event as the starter", func() {
				var created platform.ThreadRequest
				adapter.createFn = func(_ context.Context, req platform.ThreadRequest) (platform.ThreadHandle, platform.Receipt, error) {
					created = req
					return "t9", platform.Receipt{MessageRef: "t9"}, nil
				}

				route, err := registry.Resolve(ctx, ev, m, starter)

				Expect(err).NotTo(HaveOccurred())
				Expect(route.ThreadHandle).To(Equal(platform.ThreadHandle("t9")))
				Expect(route.CreatedThread).To(BeTrue())
				Expect(route.Receipt.MessageRef).To(Equal("t9"))
				Expect(created.ConversationID).To(Equal("C123"))
				Expect(created.Title).To(Equal("Home chat"))
				Expect(created.StarterText).To(Equal(starter.Text))
				Expect(store.setHandleCalls.Load()).To(Equal(int32(1)))
			})

			It("persists nothing when thread creation fails", func() {
				adapter.createFn = func(_ context.Context, _ platform.ThreadRequest) (platform.ThreadHandle, platform.Receipt, error) {
					return "", platform.Receipt{}, platform.Retryable("server_error", errors.New("down"))
				}

				_, err := registry.Resolve(ctx, ev, m, starter)

				Expect(err).To(HaveOccurred())
				Expect(store.setHandleCalls.Load()).To(BeZero())
			})

			It("collapses concurrent creations onto a single adapter call", func() {
				adapter.createFn = func(_ context.Context, _ platform.ThreadRequest) (platform.ThreadHandle, platform.Receipt, error) {
					time.Sleep(50 * time.Millisecond)
					return "t1", platform.Receipt{MessageRef: "t1"}, nil
				}

				const concurrency = 8
				routes := make([]Route, concurrency)
				var wg sync.WaitGroup
				for i := range concurrency {
					wg.Add(1)
					go func() {
						defer wg.Done()
						defer GinkgoRecover()
						route, err := registry.Resolve(ctx, ev, m, starter)
						Expect(err).NotTo(HaveOccurred())
						routes[i] = route
					}()
				}
				wg.Wait()

				Expect(adapter.createCalls.Load()).To(Equal(int32(1)))

				starters := 0
				for _, route := range routes {
					Expect(route.ThreadHandle).To(Equal(platform.ThreadHandle("t1")))
					if route.CreatedThread {
						starters++
					}
				}
				Expect(starters).To(Equal(1), "only the leader's event rides the starter post")
			})

			It("converges on the winner when another instance created first", func() {
				store.setHandleFn = func(_ context.Context, _ ThreadState) (*ThreadState, error) {
					return &ThreadState{
						SourceConversationID:    "g42",
						DestinationThreadHandle: "winner",
					}, nil
				}

				route, err := registry.Resolve(ctx, ev, m, starter)

				Expect(err).NotTo(HaveOccurred())
				Expect(route.ThreadHandle).To(Equal(platform.ThreadHandle("winner")))
			})
		})

		Context("when the thread is broadcasting", func() {
			It("routes top-level during the cool-down window", func() {
				store.getFn = func(_ context.Context, _ string) (*ThreadState, error) {
					return &ThreadState{
						SourceConversationID: "g42",
						IsBroadcasting:       true,
						LastActivityAt:       now.Add(-30 * time.Minute),
					}, nil
				}

				route, err := registry.Resolve(ctx, ev, m, starter)

				Expect(err).NotTo(HaveOccurred())
				Expect(route.Broadcast).To(BeTrue())
				Expect(route.ThreadHandle).To(BeEmpty())
				Expect(adapter.createCalls.Load()).To(BeZero())
			})

			It("starts a fresh thread once the cool-down has passed", func() {
				store.getFn = func(_ context.Context, _ string) (*ThreadState, error) {
					return &ThreadState{
						SourceConversationID:    "g42",
						DestinationThreadHandle: "old",
						IsBroadcasting:          true,
						LastActivityAt:          now.Add(-2 * time.Hour),
					}, nil
				}

				route, err := registry.Resolve(ctx, ev, m, starter)

				Expect(err).NotTo(HaveOccurred())
				Expect(route.Broadcast).To(BeFalse())
				Expect(route.CreatedThread).To(BeTrue())
				Expect(route.ThreadHandle).To(Equal(platform.ThreadHandle("t1")))
				Expect(adapter.createCalls.Load()).To(Equal(int32(1)))
			})
		})

		It("fails when no adapter serves the destination platform", func() {
			slackEv := ev
			slackEv.SourcePlatform = event.PlatformSlack

			_, err := registry.Resolve(ctx, slackEv, m, starter)
			Expect(err).To(HaveOccurred())
		})

		It("propagates store read errors", func() {
			store.getFn = func(_ context.Context, _ string) (*ThreadState, error) {
				return nil, errors.New("connection refused")
			}

			_, err := registry.Resolve(ctx, ev, m, starter)
			Expect(err).To(MatchError(ContainSubstring("connection refused")))
		})
	})

	Describe("Touch", func() {
		It("stamps the registry clock onto the state", func() {
			var touched time.Time
			store.touchFn = func(_ context.Context, key string, at time.Time) error {
				Expect(key).To(Equal("g42"))
				touched = at
				return nil
			}

			Expect(registry.Touch(ctx, "g42")).To(Succeed())
			Expect(touched).To(Equal(now))
		})
	})

	Describe("Sweep", func() {
		It("passes the default inactivity timeout through to the store", func() {
			var gotDefault time.Duration
			store.sweepFn = func(_ context.Context, at time.Time, def time.Duration) ([]SweptThread, error) {
				Expect(at).To(Equal(now))
				gotDefault = def
				return []SweptThread{{SourceConversationID: "g42"}}, nil
			}

			swept, err := registry.Sweep(ctx)

			Expect(err).NotTo(HaveOccurred())
			Expect(swept).To(HaveLen(1))
			Expect(gotDefault).To(Equal(24 * time.Hour))
		})
	})
})
