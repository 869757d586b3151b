package registry

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRegistry_Commands(t *testing.T) {
	t.Run("success fires once and removes the entry", func(t *testing.T) {
		r := New(nil)
		var ok, failed int
		if err := r.RegisterCommand(1, CommandHandlers{
			OnSuccess: func() { ok++ },
			OnFailure: func(error) { failed++ },
		}); err != nil {
			t.Fatalf("register: %v", err)
		}

		if !r.ResolveCommand(1, nil) {
			t.Fatalf("expected first resolve to find the command")
		}
		if r.ResolveCommand(1, nil) {
			t.Fatalf("expected second resolve to be a no-op")
		}
		if ok != 1 || failed != 0 {
			t.Fatalf("want 1 success 0 failures, got %d/%d", ok, failed)
		}
		if c, _ := r.Len(); c != 0 {
			t.Fatalf("expected no pending commands, got %d", c)
		}
	})

	t.Run("failure carries the reason", func(t *testing.T) {
		r := New(nil)
		reason := errors.New("bad mark")
		var got error
		_ = r.RegisterCommand(7, CommandHandlers{OnFailure: func(err error) { got = err }})
		r.ResolveCommand(7, reason)
		if !errors.Is(got, reason) {
			t.Fatalf("want %v got %v", reason, got)
		}
	})

	t.Run("duplicate registration rejected", func(t *testing.T) {
		r := New(nil)
		_ = r.RegisterCommand(1, CommandHandlers{})
		if err := r.RegisterSubscription(1, SubscriptionHandlers{}); !errors.Is(err, ErrDuplicateID) {
			t.Fatalf("want ErrDuplicateID, got %v", err)
		}
	})

	t.Run("unknown id is ignored", func(t *testing.T) {
		r := New(nil)
		if r.ResolveCommand(99, nil) {
			t.Fatalf("expected unknown id to be reported as missing")
		}
	})
}

func TestRegistry_Subscriptions(t *testing.T) {
	t.Run("events stay live until close", func(t *testing.T) {
		r := New(nil)
		var events []string
		var closes int
		_ = r.RegisterSubscription(2, SubscriptionHandlers{
			Source:  Source{App: "graph-store", Path: "/updates"},
			OnEvent: func(p json.RawMessage) { events = append(events, string(p)) },
			OnClose: func(info CloseInfo) {
				if !info.Remote {
					t.Errorf("expected remote close")
				}
				closes++
			},
		})

		if st, _ := r.SubscriptionState(2); st != SubscriptionPending {
			t.Fatalf("want pending, got %s", st)
		}
		r.OpenSubscription(2)
		if st, _ := r.SubscriptionState(2); st != SubscriptionOpen {
			t.Fatalf("want open, got %s", st)
		}

		r.DispatchEvent(2, json.RawMessage(`1`))
		r.DispatchEvent(2, json.RawMessage(`2`))
		r.CloseSubscription(2, CloseInfo{Remote: true})
		if r.DispatchEvent(2, json.RawMessage(`3`)) {
			t.Fatalf("dispatch after close should miss")
		}
		if r.CloseSubscription(2, CloseInfo{Remote: true}) {
			t.Fatalf("second close should miss")
		}

		if len(events) != 2 || events[0] != "1" || events[1] != "2" {
			t.Fatalf("unexpected events: %v", events)
		}
		if closes != 1 {
			t.Fatalf("want 1 close, got %d", closes)
		}
	})

	t.Run("error is terminal", func(t *testing.T) {
		r := New(nil)
		var errs, closes int
		_ = r.RegisterSubscription(3, SubscriptionHandlers{
			OnError: func(error) { errs++ },
			OnClose: func(CloseInfo) { closes++ },
		})
		r.FailSubscription(3, errors.New("no such path"))
		r.FailSubscription(3, errors.New("again"))
		r.CloseSubscription(3, CloseInfo{})
		if errs != 1 || closes != 0 {
			t.Fatalf("want 1 error 0 closes, got %d/%d", errs, closes)
		}
	})

	t.Run("removed subscription never sees events", func(t *testing.T) {
		r := New(nil)
		var events int
		_ = r.RegisterSubscription(4, SubscriptionHandlers{OnEvent: func(json.RawMessage) { events++ }})
		if !r.RemoveSubscription(4) {
			t.Fatalf("expected removal")
		}
		r.DispatchEvent(4, json.RawMessage(`{}`))
		if events != 0 {
			t.Fatalf("expected no events, got %d", events)
		}
	})
}

func TestRegistry_CloseAll(t *testing.T) {
	cancelled := errors.New("cancelled")

	t.Run("close rejects commands and closes subscriptions", func(t *testing.T) {
		r := New(nil)
		var rejected []error
		var closes int
		for _, id := range []int64{1, 2} {
			_ = r.RegisterCommand(id, CommandHandlers{
				OnSuccess: func() { t.Errorf("unexpected success") },
				OnFailure: func(err error) { rejected = append(rejected, err) },
			})
		}
		_ = r.RegisterSubscription(3, SubscriptionHandlers{
			OnClose: func(info CloseInfo) {
				if info.Remote {
					t.Errorf("expected local close")
				}
				closes++
			},
			OnError: func(error) { t.Errorf("unexpected error callback") },
		})

		r.CloseAll(cancelled, nil)
		r.CloseAll(cancelled, nil)

		if len(rejected) != 2 {
			t.Fatalf("want 2 rejections, got %d", len(rejected))
		}
		for _, err := range rejected {
			if !errors.Is(err, cancelled) {
				t.Fatalf("want cancellation, got %v", err)
			}
		}
		if closes != 1 {
			t.Fatalf("want 1 close, got %d", closes)
		}
		if err := r.RegisterCommand(9, CommandHandlers{}); !errors.Is(err, ErrRegistryClosed) {
			t.Fatalf("want ErrRegistryClosed, got %v", err)
		}
	})

	t.Run("fatal error fails subscriptions", func(t *testing.T) {
		r := New(nil)
		fatal := errors.New("fatal")
		var got error
		_ = r.RegisterSubscription(1, SubscriptionHandlers{OnError: func(err error) { got = err }})
		r.CloseAll(fatal, fatal)
		if !errors.Is(got, fatal) {
			t.Fatalf("want fatal, got %v", got)
		}
	})
}

func TestRegistry_NoEventAfterRemoval(t *testing.T) {
	for _, tc := range []struct {
		name   string
		remove func(r *Registry)
	}{
		{"remove", func(r *Registry) { r.RemoveSubscription(1) }},
		{"close all", func(r *Registry) { r.CloseAll(errors.New("cancelled"), nil) }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			for i := 0; i < 2000; i++ {
				r := New(nil)
				var removed atomic.Bool
				var late atomic.Int32
				_ = r.RegisterSubscription(1, SubscriptionHandlers{
					OnEvent: func(json.RawMessage) {
						if removed.Load() {
							late.Add(1)
						}
					},
				})

				var wg sync.WaitGroup
				wg.Add(2)
				go func() {
					defer wg.Done()
					for j := 0; j < 5; j++ {
						r.DispatchEvent(1, json.RawMessage(`{}`))
					}
				}()
				go func() {
					defer wg.Done()
					tc.remove(r)
					removed.Store(true)
				}()
				wg.Wait()

				if n := late.Load(); n != 0 {
					t.Fatalf("iteration %d: %d events delivered after removal returned", i, n)
				}
			}
		})
	}
}

func TestRegistry_RemovalWaitsForDelivery(t *testing.T) {
	r := New(nil)
	entered := make(chan struct{})
	release := make(chan struct{})
	_ = r.RegisterSubscription(1, SubscriptionHandlers{
		OnEvent: func(json.RawMessage) {
			close(entered)
			<-release
		},
	})

	go r.DispatchEvent(1, json.RawMessage(`{}`))
	<-entered

	removed := make(chan struct{})
	go func() {
		r.RemoveSubscription(1)
		close(removed)
	}()

	select {
	case <-removed:
		t.Fatalf("removal returned while an event was being delivered")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	<-removed
	if r.DispatchEvent(1, json.RawMessage(`{}`)) {
		t.Fatalf("event delivered to a removed subscription")
	}
}
