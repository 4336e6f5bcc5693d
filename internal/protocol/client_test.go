package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/voxgate/internal/controllertest"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newClient(endpoint string, mutate func(*Options)) *Client {
	opts := Options{
		Endpoint:    endpoint,
		AccessToken: controllertest.DefaultToken,
		AuthTimeout: 2 * time.Second,
		Logger:      quietLogger(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	return New(opts)
}

func connected(t *testing.T, ctrl *controllertest.Controller, mutate func(*Options)) *Client {
	t.Helper()
	c := newClient(ctrl.ServeTCP(), mutate)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { c.Disconnect() })
	return c
}

func TestConnectHandshake(t *testing.T) {
	transports := map[string]func(*controllertest.Controller) string{
		"tcp":       (*controllertest.Controller).ServeTCP,
		"websocket": (*controllertest.Controller).ServeWebsocket,
	}
	for name, serve := range transports {
		t.Run(name, func(t *testing.T) {
			ctrl := controllertest.New(t)
			c := newClient(serve(ctrl), nil)
			require.NoError(t, c.Connect(context.Background()))
			defer c.Disconnect()

			ready, ok := c.State().(Ready)
			require.True(t, ok, "expected Ready, got %s", c.State())
			assert.Equal(t, controllertest.DefaultVersion, ready.Version)

			subs := ctrl.Requests(TypeSubscribeEvents)
			require.Len(t, subs, 2)
			assert.Equal(t, EventStateChanged, subs[0].String("event_type"))
			assert.Equal(t, EventRemoteButton, subs[1].String("event_type"))
		})
	}
}

func TestConnectStateSequence(t *testing.T) {
	ctrl := controllertest.New(t)
	var mu sync.Mutex
	var seen []string
	connected(t, ctrl, func(o *Options) {
		o.SubscribeEvents = []string{}
		o.OnStateChange = func(s ConnState) {
			mu.Lock()
			seen = append(seen, s.String())
			mu.Unlock()
		}
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"awaiting_auth_challenge", "authenticating", "ready"}, seen)
}

func TestConnectRejectedToken(t *testing.T) {
	ctrl := controllertest.New(t)
	ctrl.RejectAuth()
	c := newClient(ctrl.ServeTCP(), nil)

	err := c.Connect(context.Background())
	var authErr *AuthError
	require.True(t, errors.As(err, &authErr), "expected AuthError, got %v", err)
	assert.Contains(t, authErr.Message, "Invalid access token")

	failed, ok := c.State().(Failed)
	require.True(t, ok, "expected Failed, got %s", c.State())
	assert.NotEmpty(t, failed.Reason)

	_, err = c.Execute(context.Background(), Payload{"type": TypeGetStates}, 0)
	assert.ErrorIs(t, err, ErrConnectionNotReady)
	assert.Empty(t, ctrl.Requests(TypeGetStates))
}

func TestConnectWrongToken(t *testing.T) {
	ctrl := controllertest.New(t)
	c := newClient(ctrl.ServeWebsocket(), func(o *Options) { o.AccessToken = "stale" })

	err := c.Connect(context.Background())
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	_, failed := c.State().(Failed)
	assert.True(t, failed)
}

func TestConnectHandshakeTimeout(t *testing.T) {
	ctrl := controllertest.New(t)
	ctrl.StallHandshake()
	c := newClient(ctrl.ServeTCP(), func(o *Options) { o.AuthTimeout = 100 * time.Millisecond })

	err := c.Connect(context.Background())
	require.ErrorIs(t, err, ErrHandshakeTimeout)
	d, ok := c.State().(Disconnected)
	require.True(t, ok, "expected Disconnected, got %s", c.State())
	assert.ErrorIs(t, d.Err, ErrHandshakeTimeout)
}

func TestLateHandshakeTimeoutKeepsReadyConnection(t *testing.T) {
	ctrl := controllertest.New(t)
	c := connected(t, ctrl, nil)

	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()

	// The deadline firing after auth_ok was handled must not tear anything down.
	assert.False(t, c.abort(gen, ErrHandshakeTimeout))
	require.True(t, IsReady(c.State()), "expected Ready, got %s", c.State())

	_, err := c.Execute(context.Background(), Payload{"type": TypeGetStates}, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, ctrl.Sessions())
}

func TestConnectTwice(t *testing.T) {
	ctrl := controllertest.New(t)
	c := connected(t, ctrl, nil)
	assert.ErrorIs(t, c.Connect(context.Background()), ErrAlreadyConnected)
}

func TestConnectDialFailure(t *testing.T) {
	c := newClient("tcp://127.0.0.1:1", nil)
	err := c.Connect(context.Background())
	require.Error(t, err)
	d, ok := c.State().(Disconnected)
	require.True(t, ok)
	assert.Error(t, d.Err)
}

func TestExecuteBeforeConnect(t *testing.T) {
	c := newClient("tcp://127.0.0.1:1", nil)
	_, err := c.Execute(context.Background(), Payload{"type": TypeGetStates}, 0)
	assert.ErrorIs(t, err, ErrConnectionNotReady)
	assert.Equal(t, 0, c.PendingCount())
}

func TestExecuteResult(t *testing.T) {
	ctrl := controllertest.New(t)
	ctrl.Handle(TypeCallService, func(r controllertest.Request) controllertest.Reply {
		return controllertest.Reply{Result: map[string]any{"context": map[string]any{"id": "ctx-1"}}}
	})
	c := connected(t, ctrl, nil)

	res, err := c.Execute(context.Background(), Payload{
		"type":    TypeCallService,
		"domain":  "light",
		"service": "turn_on",
		"target":  map[string]any{"entity_id": "light.kitchen"},
	}, 0)
	require.NoError(t, err)
	assert.JSONEq(t, `{"context":{"id":"ctx-1"}}`, string(res))

	calls := ctrl.Requests(TypeCallService)
	require.Len(t, calls, 1)
	assert.Equal(t, "light", calls[0].String("domain"))
	assert.Positive(t, calls[0].ID())
}

func TestExecuteRemoteError(t *testing.T) {
	ctrl := controllertest.New(t)
	ctrl.Handle(TypeCallService, func(controllertest.Request) controllertest.Reply {
		return controllertest.Reply{ErrorCode: "not_found", ErrorMessage: "Service not found."}
	})
	c := connected(t, ctrl, nil)

	_, err := c.Execute(context.Background(), Payload{"type": TypeCallService, "domain": "light", "service": "explode"}, 0)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "not_found", remote.Code)
	assert.Equal(t, "Service not found.", remote.Message)
	assert.True(t, IsReady(c.State()), "a rejection must not affect the connection")
}

func TestExecuteRequiresType(t *testing.T) {
	ctrl := controllertest.New(t)
	c := connected(t, ctrl, nil)

	_, err := c.Execute(context.Background(), Payload{"domain": "light"}, 0)
	require.Error(t, err)
	assert.Equal(t, 0, c.PendingCount())
}

func TestConcurrentRequestsResolveOutOfOrder(t *testing.T) {
	ctrl := controllertest.New(t)
	ctrl.Handle("echo", func(r controllertest.Request) controllertest.Reply {
		delay, _ := r["delay_ms"].(float64)
		return controllertest.Reply{
			Result: map[string]any{"tag": r.String("tag")},
			Delay:  time.Duration(delay) * time.Millisecond,
		}
	})
	c := connected(t, ctrl, nil)

	delays := map[string]int{"a": 200, "b": 0, "c": 80}
	var wg sync.WaitGroup
	var mu sync.Mutex
	var order []string
	for tag, delay := range delays {
		wg.Add(1)
		go func(tag string, delay int) {
			defer wg.Done()
			res, err := c.Execute(context.Background(), Payload{"type": "echo", "tag": tag, "delay_ms": delay}, time.Second)
			if !assert.NoError(t, err) {
				return
			}
			var out struct{ Tag string }
			assert.NoError(t, json.Unmarshal(res, &out))
			assert.Equal(t, tag, out.Tag, "response routed to the wrong caller")
			mu.Lock()
			order = append(order, out.Tag)
			mu.Unlock()
		}(tag, delay)
	}
	wg.Wait()

	assert.Equal(t, []string{"b", "c", "a"}, order)
	assert.Equal(t, 0, c.PendingCount())
}

func TestRequestTimeout(t *testing.T) {
	ctrl := controllertest.New(t)
	ctrl.Handle("slow", func(controllertest.Request) controllertest.Reply {
		return controllertest.Reply{NoReply: true}
	})
	c := connected(t, ctrl, nil)

	start := time.Now()
	_, err := c.Execute(context.Background(), Payload{"type": "slow"}, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrRequestTimeout)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 0, c.PendingCount())
	assert.True(t, IsReady(c.State()))
}

func TestLateResponseIgnored(t *testing.T) {
	ctrl := controllertest.New(t)
	ctrl.Handle("late", func(controllertest.Request) controllertest.Reply {
		return controllertest.Reply{Result: "late", Delay: 150 * time.Millisecond}
	})
	c := connected(t, ctrl, nil)

	_, err := c.Execute(context.Background(), Payload{"type": "late"}, 30*time.Millisecond)
	require.ErrorIs(t, err, ErrRequestTimeout)

	time.Sleep(250 * time.Millisecond)
	assert.True(t, IsReady(c.State()))
	_, err = c.Execute(context.Background(), Payload{"type": TypeGetStates}, 0)
	assert.NoError(t, err)
}

func TestExecuteContextCancel(t *testing.T) {
	ctrl := controllertest.New(t)
	ctrl.Handle("slow", func(controllertest.Request) controllertest.Reply {
		return controllertest.Reply{NoReply: true}
	})
	c := connected(t, ctrl, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := c.Execute(ctx, Payload{"type": "slow"}, 5*time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, c.PendingCount())
}

func TestConnectionLossFailsPending(t *testing.T) {
	ctrl := controllertest.New(t)
	ctrl.Handle("slow", func(controllertest.Request) controllertest.Reply {
		return controllertest.Reply{NoReply: true}
	})
	c := connected(t, ctrl, nil)

	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := c.Execute(context.Background(), Payload{"type": "slow"}, 5*time.Second)
			errs <- err
		}()
	}
	require.Eventually(t, func() bool { return c.PendingCount() == 3 }, 2*time.Second, 5*time.Millisecond)

	ctrl.DropConnections()

	for i := 0; i < 3; i++ {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, ErrConnectionLost)
		case <-time.After(2 * time.Second):
			t.Fatal("pending request did not resolve after connection loss")
		}
	}
	assert.Equal(t, 0, c.PendingCount())

	d, ok := c.State().(Disconnected)
	require.True(t, ok, "expected Disconnected, got %s", c.State())
	assert.Error(t, d.Err)

	_, err := c.Execute(context.Background(), Payload{"type": TypeGetStates}, 0)
	assert.ErrorIs(t, err, ErrConnectionNotReady)
}

func TestReconnectKeepsIDsIncreasing(t *testing.T) {
	ctrl := controllertest.New(t)
	c := connected(t, ctrl, nil)

	_, err := c.Execute(context.Background(), Payload{"type": TypeGetStates}, 0)
	require.NoError(t, err)

	ctrl.DropConnections()
	require.Eventually(t, func() bool { return !IsReady(c.State()) }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, c.Connect(context.Background()))
	_, err = c.Execute(context.Background(), Payload{"type": TypeGetStates}, 0)
	require.NoError(t, err)

	all := ctrl.Requests("")
	for i := 1; i < len(all); i++ {
		assert.Greater(t, all[i].ID(), all[i-1].ID(), "request ids must never be reused")
	}
}

func TestDisconnect(t *testing.T) {
	ctrl := controllertest.New(t)
	c := connected(t, ctrl, nil)

	require.NoError(t, c.Disconnect())
	d, ok := c.State().(Disconnected)
	require.True(t, ok)
	assert.NoError(t, d.Err)

	_, err := c.Execute(context.Background(), Payload{"type": TypeGetStates}, 0)
	assert.ErrorIs(t, err, ErrConnectionNotReady)
}

func TestMalformedFramesDropped(t *testing.T) {
	ctrl := controllertest.New(t)
	c := connected(t, ctrl, nil)

	ctrl.SendRaw("{not json")
	ctrl.SendRaw(`{"id":7}`)
	ctrl.SendRaw(`{"type":"event"}`)
	ctrl.SendRaw(`{"type":"result","success":true}`)

	_, err := c.Execute(context.Background(), Payload{"type": TypeGetStates}, 0)
	require.NoError(t, err)
	assert.True(t, IsReady(c.State()))
}

func TestEventsFanOutByType(t *testing.T) {
	ctrl := controllertest.New(t)
	c := connected(t, ctrl, nil)

	stateEvents := make(chan Event, 4)
	buttonEvents := make(chan Event, 4)
	anyEvents := make(chan Event, 4)
	c.Subscribe(EventStateChanged, func(e Event) { stateEvents <- e })
	c.Subscribe(EventRemoteButton, func(e Event) { buttonEvents <- e })
	c.Subscribe(AnyEvent, func(e Event) { anyEvents <- e })

	ctrl.Emit(EventStateChanged, map[string]any{"entity_id": "light.kitchen"})
	ctrl.Emit(EventRemoteButton, map[string]any{"button": "play"})

	select {
	case e := <-stateEvents:
		assert.JSONEq(t, `{"entity_id":"light.kitchen"}`, string(e.Data))
		assert.Equal(t, "LOCAL", e.Origin)
	case <-time.After(2 * time.Second):
		t.Fatal("state_changed not delivered")
	}
	select {
	case e := <-buttonEvents:
		assert.Equal(t, EventRemoteButton, e.EventType)
	case <-time.After(2 * time.Second):
		t.Fatal("remote_button not delivered")
	}
	for i := 0; i < 2; i++ {
		select {
		case <-anyEvents:
		case <-time.After(2 * time.Second):
			t.Fatal("wildcard subscriber missed an event")
		}
	}
	assert.Empty(t, stateEvents, "state subscriber must not see other types")
}

func TestWildcardTypedEventDeliveredOnce(t *testing.T) {
	bus := newEventBus(8, quietLogger())
	got := make(chan Event, 4)
	bus.subscribe(AnyEvent, func(e Event) { got <- e })

	bus.publish(Event{EventType: AnyEvent})
	bus.publish(Event{EventType: EventStateChanged})

	for i := 0; i < 2; i++ {
		select {
		case <-got:
		case <-time.After(2 * time.Second):
			t.Fatal("event not delivered")
		}
	}
	select {
	case e := <-got:
		t.Fatalf("duplicate delivery of %q", e.EventType)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Zero(t, bus.dropped.Load())
}

func TestUnsubscribe(t *testing.T) {
	ctrl := controllertest.New(t)
	c := connected(t, ctrl, nil)

	got := make(chan Event, 4)
	cancel := c.Subscribe(EventStateChanged, func(e Event) { got <- e })
	cancel()
	cancel()
	assert.Equal(t, 0, c.events.count())

	ctrl.Emit(EventStateChanged, nil)
	_, err := c.Execute(context.Background(), Payload{"type": TypeGetStates}, 0)
	require.NoError(t, err)
	select {
	case <-got:
		t.Fatal("event delivered after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSlowSubscriberDoesNotBlockReadLoop(t *testing.T) {
	ctrl := controllertest.New(t)
	c := connected(t, ctrl, func(o *Options) { o.SubscriberQueue = 4 })

	release := make(chan struct{})
	defer close(release)
	c.Subscribe(EventStateChanged, func(Event) { <-release })

	for i := 0; i < 20; i++ {
		ctrl.Emit(EventStateChanged, map[string]any{"n": i})
	}

	_, err := c.Execute(context.Background(), Payload{"type": TypeGetStates}, time.Second)
	require.NoError(t, err, "read loop blocked by a slow subscriber")
	assert.GreaterOrEqual(t, c.DroppedEvents(), uint64(20-1-4))
}

func TestPanickingSubscriberIsolated(t *testing.T) {
	ctrl := controllertest.New(t)
	c := connected(t, ctrl, nil)

	got := make(chan Event, 2)
	c.Subscribe(EventRemoteButton, func(Event) { panic("boom") })
	c.Subscribe(EventRemoteButton, func(e Event) { got <- e })

	ctrl.Emit(EventRemoteButton, nil)
	ctrl.Emit(EventRemoteButton, nil)
	for i := 0; i < 2; i++ {
		select {
		case <-got:
		case <-time.After(2 * time.Second):
			t.Fatal("healthy subscriber starved by a panicking one")
		}
	}
}

func TestRequestIDsReachWireInOrder(t *testing.T) {
	ctrl := controllertest.New(t)
	c := connected(t, ctrl, func(o *Options) { o.SubscribeEvents = []string{} })

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	properties.Property("concurrent requests arrive with strictly increasing ids", prop.ForAll(
		func(n int) bool {
			before := len(ctrl.Requests(""))
			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					c.Execute(context.Background(), Payload{"type": TypeGetStates}, time.Second)
				}()
			}
			wg.Wait()

			all := ctrl.Requests("")
			if len(all)-before != n {
				return false
			}
			for i := 1; i < len(all); i++ {
				if all[i].ID() <= all[i-1].ID() {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 16),
	))

	properties.TestingRun(t)
}
