package platform_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"pontoon.app/bridge/core/config"
	"pontoon.app/bridge/internal/event"
	"pontoon.app/bridge/internal/platform"
)

var _ = Describe("Guard", func() {
	var (
		ctx       context.Context
		transport *mockTransport
		cfg       config.GuardConfig
	)

	req := platform.DeliveryRequest{
		Destination:    event.PlatformSlack,
		ConversationID: "C123",
		Text:           "hello",
		EventID:        "m1",
	}

	BeforeEach(func() {
		ctx = context.Background()
		transport = &mockTransport{}
		cfg = config.GuardConfig{
			BreakerThreshold: 2,
			BreakerCooldown:  time.Hour,
			RetryAttempts:    1,
			RetryInitial:     time.Millisecond,
			RetryMax:         time.Millisecond,
		}
	})

	Describe("Deliver", func() {
		It("returns a delivered result with the transport receipt", func() {
			transport.sendFn = func(_ context.Context, _ platform.DeliveryRequest) (platform.Receipt, error) {
				return platform.Receipt{MessageRef: "1724.42"}, nil
			}

			guard := platform.NewGuard(transport, cfg, nil)
			result := guard.Deliver(ctx, req)

			Expect(result.Status).To(Equal(platform.StatusDelivered))
			Expect(result.Receipt.MessageRef).To(Equal("1724.42"))
			Expect(transport.sendCalls).To(Equal(1))
		})

		It("retries transient failures inside one breaker call", func() {
			cfg.RetryAttempts = 3
			transport.sendFn = func(_ context.Context, _ platform.DeliveryRequest) (platform.Receipt, error) {
				if transport.sendCalls < 2 {
					return platform.Receipt{}, platform.Retryable("rate_limited", errors.New("slow down"))
				}
				return platform.Receipt{MessageRef: "ok"}, nil
			}

			guard := platform.NewGuard(transport, cfg, nil)
			result := guard.Deliver(ctx, req)

			Expect(result.Status).To(Equal(platform.StatusDelivered))
			Expect(transport.sendCalls).To(Equal(2))
		})

		It("reports retryable failure once the attempt budget runs out", func() {
			cfg.RetryAttempts = 3
			transport.sendFn = func(_ context.Context, _ platform.DeliveryRequest) (platform.Receipt, error) {
				return platform.Receipt{}, platform.Retryable("server_error", errors.New("502"))
			}

			guard := platform.NewGuard(transport, cfg, nil)
			result := guard.Deliver(ctx, req)

			Expect(result.Status).To(Equal(platform.StatusFailed))
			Expect(result.Reason).To(Equal("server_error"))
			Expect(result.Retryable).To(BeTrue())
			Expect(transport.sendCalls).To(Equal(3))
		})

		It("does not retry non-retryable failures", func() {
			cfg.RetryAttempts = 3
			transport.sendFn = func(_ context.Context, _ platform.DeliveryRequest) (platform.Receipt, error) {
				return platform.Receipt{}, platform.Fatal("channel_not_found", errors.New("gone"))
			}

			guard := platform.NewGuard(transport, cfg, nil)
			result := guard.Deliver(ctx, req)

			Expect(result.Status).To(Equal(platform.StatusFailed))
			Expect(result.Reason).To(Equal("channel_not_found"))
			Expect(result.Retryable).To(BeFalse())
			Expect(transport.sendCalls).To(Equal(1))
		})

		It("opens the circuit after consecutive failures and rejects fast", func() {
			var opened []event.Platform
			transport.sendFn = func(_ context.Context, _ platform.DeliveryRequest) (platform.Receipt, error) {
				return platform.Receipt{}, platform.Retryable("server_error", errors.New("down"))
			}

			guard := platform.NewGuard(transport, cfg, nil,
				platform.WithOpenHook(func(p event.Platform) { opened = append(opened, p) }))

			Expect(guard.Deliver(ctx, req).Status).To(Equal(platform.StatusFailed))
			Expect(guard.Deliver(ctx, req).Status).To(Equal(platform.StatusFailed))

			result := guard.Deliver(ctx, req)
			Expect(result.Status).To(Equal(platform.StatusCircuitOpen))
			Expect(transport.sendCalls).To(Equal(2), "open circuit must not reach the transport")
			Expect(opened).To(Equal([]event.Platform{event.PlatformSlack}))
		})

		It("permits a single trial after the cool-down and re-opens when it fails", func() {
			cfg.BreakerCooldown = 25 * time.Millisecond
			transport.sendFn = func(_ context.Context, _ platform.DeliveryRequest) (platform.Receipt, error) {
				return platform.Receipt{}, platform.Retryable("server_error", errors.New("down"))
			}

			guard := platform.NewGuard(transport, cfg, nil)
			Expect(guard.Deliver(ctx, req).Status).To(Equal(platform.StatusFailed))
			Expect(guard.Deliver(ctx, req).Status).To(Equal(platform.StatusFailed))
			Expect(guard.Deliver(ctx, req).Status).To(Equal(platform.StatusCircuitOpen))

			time.Sleep(2 * cfg.BreakerCooldown)

			// Hold the trial call open so the deliveries racing it hit
			// the half-open request cap instead of queueing behind it.
			trialStarted := make(chan struct{})
			release := make(chan struct{})
			transport.sendFn = func(_ context.Context, _ platform.DeliveryRequest) (platform.Receipt, error) {
				close(trialStarted)
				<-release
				return platform.Receipt{}, platform.Retryable("server_error", errors.New("still down"))
			}

			var trial platform.DeliveryResult
			done := make(chan struct{})
			go func() {
				defer GinkgoRecover()
				defer close(done)
				trial = guard.Deliver(ctx, req)
			}()
			Eventually(trialStarted).Should(BeClosed())

			Expect(guard.Deliver(ctx, req).Status).To(Equal(platform.StatusCircuitOpen))
			Expect(guard.Deliver(ctx, req).Status).To(Equal(platform.StatusCircuitOpen))

			close(release)
			Eventually(done).Should(BeClosed())

			Expect(trial.Status).To(Equal(platform.StatusFailed))
			Expect(transport.sendCalls).To(Equal(3), "only the trial call may reach the transport")

			// The failed trial sends the breaker straight back to open.
			Expect(guard.Deliver(ctx, req).Status).To(Equal(platform.StatusCircuitOpen))
			Expect(transport.sendCalls).To(Equal(3))
		})

		It("counts the post-retry outcome, not individual attempts", func() {
			cfg.RetryAttempts = 3
			transport.sendFn = func(_ context.Context, _ platform.DeliveryRequest) (platform.Receipt, error) {
				if transport.sendCalls%3 == 0 {
					return platform.Receipt{MessageRef: "ok"}, nil
				}
				return platform.Receipt{}, platform.Retryable("rate_limited", errors.New("slow down"))
			}

			guard := platform.NewGuard(transport, cfg, nil)

			// Each delivery fails twice and lands on the third attempt.
			// The breaker sees only successes, so it must stay closed.
			for range 4 {
				Expect(guard.Deliver(ctx, req).Status).To(Equal(platform.StatusDelivered))
			}
		})
	})

	Describe("CreateThread", func() {
		It("returns the handle and starter receipt", func() {
			transport.startFn = func(_ context.Context, tr platform.ThreadRequest) (platform.ThreadHandle, platform.Receipt, error) {
				Expect(tr.Title).To(Equal("Home chat"))
				return "42", platform.Receipt{MessageRef: "42"}, nil
			}

			guard := platform.NewGuard(transport, cfg, nil)
			handle, receipt, err := guard.CreateThread(ctx, platform.ThreadRequest{
				ConversationID: "C123",
				Title:          "Home chat",
				StarterText:    "first message",
			})

			Expect(err).NotTo(HaveOccurred())
			Expect(handle).To(Equal(platform.ThreadHandle("42")))
			Expect(receipt.MessageRef).To(Equal("42"))
		})

		It("shares the breaker with Deliver", func() {
			transport.sendFn = func(_ context.Context, _ platform.DeliveryRequest) (platform.Receipt, error) {
				return platform.Receipt{}, platform.Retryable("server_error", errors.New("down"))
			}

			guard := platform.NewGuard(transport, cfg, nil)
			guard.Deliver(ctx, req)
			guard.Deliver(ctx, req)

			_, _, err := guard.CreateThread(ctx, platform.ThreadRequest{ConversationID: "C123"})
			Expect(err).To(HaveOccurred())
			Expect(transport.startCalls).To(BeZero())
		})
	})
})
