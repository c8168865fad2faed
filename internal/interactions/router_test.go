package interactions

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type countingHandler struct {
	calls atomic.Int64
	resp  *Response
	err   error
	delay time.Duration
}

func (h *countingHandler) handle(ctx context.Context, ic *Interaction) (*Response, error) {
	h.calls.Add(1)
	if h.delay > 0 {
		select {
		case <-time.After(h.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return h.resp, h.err
}

func TestRoute_PingReturnsPong(t *testing.T) {
	spy := &countingHandler{resp: Message("hi")}
	reg := NewRegistry()
	if err := reg.Register(CommandDefinition{Name: "ping", Handler: spy.handle}); err != nil {
		t.Fatal(err)
	}
	router := NewRouter(testLogger(), reg)

	resp := router.Route(context.Background(), &Interaction{ID: "1", Type: InteractionPing})

	if resp.Type != ResponsePong {
		t.Errorf("expected pong (type 1), got %d", resp.Type)
	}
	if spy.calls.Load() != 0 {
		t.Error("ping must not invoke any handler")
	}
}

func TestRoute_UnknownCommandInvokesNoHandler(t *testing.T) {
	spy := &countingHandler{resp: Message("hi")}
	reg := NewRegistry()
	if err := reg.Register(CommandDefinition{Name: "known", Handler: spy.handle}); err != nil {
		t.Fatal(err)
	}
	router := NewRouter(testLogger(), reg)

	resp := router.Route(context.Background(), &Interaction{
		ID:   "2",
		Type: InteractionApplicationCommand,
		Data: InteractionData{Name: "nonexistent"},
	})

	if resp.Type != ResponseChannelMessage {
		t.Errorf("expected message response, got type %d", resp.Type)
	}
	if resp.Data == nil || resp.Data.Flags&FlagEphemeral == 0 {
		t.Error("unknown-command response should be ephemeral")
	}
	if spy.calls.Load() != 0 {
		t.Error("no handler may run for an unknown command")
	}
}

func TestRoute_KnownCommandInvoked(t *testing.T) {
	spy := &countingHandler{resp: Message("done")}
	reg := NewRegistry()
	if err := reg.Register(CommandDefinition{Name: "work", Handler: spy.handle}); err != nil {
		t.Fatal(err)
	}
	router := NewRouter(testLogger(), reg)

	resp := router.Route(context.Background(), &Interaction{
		ID:   "3",
		Type: InteractionApplicationCommand,
		Data: InteractionData{Name: "work"},
	})

	if spy.calls.Load() != 1 {
		t.Fatalf("expected 1 handler call, got %d", spy.calls.Load())
	}
	if resp.Data == nil || resp.Data.Content != "done" {
		t.Errorf("expected handler response to pass through, got %+v", resp)
	}
}

func TestRoute_InvalidOptionsRejectedBeforeHandler(t *testing.T) {
	spy := &countingHandler{resp: Message("done")}
	reg := NewRegistry()
	err := reg.Register(CommandDefinition{
		Name:       "strict",
		Parameters: []Parameter{{Name: "required_arg", Type: 3, Required: true}},
		Handler:    spy.handle,
	})
	if err != nil {
		t.Fatal(err)
	}
	router := NewRouter(testLogger(), reg)

	resp := router.Route(context.Background(), &Interaction{
		ID:   "4",
		Type: InteractionApplicationCommand,
		Data: InteractionData{Name: "strict"},
	})

	if spy.calls.Load() != 0 {
		t.Error("handler must not run with invalid options")
	}
	if resp.Data == nil || resp.Data.Flags&FlagEphemeral == 0 {
		t.Error("validation failure should produce an ephemeral response")
	}
}

func TestRoute_SlowHandlerGetsDeferredResponse(t *testing.T) {
	slow := &countingHandler{resp: Message("late"), delay: 200 * time.Millisecond}
	reg := NewRegistry()
	if err := reg.Register(CommandDefinition{Name: "slow", Handler: slow.handle}); err != nil {
		t.Fatal(err)
	}
	router := NewRouterWithOptions(testLogger(), reg, RouterOptions{HandlerTimeout: 20 * time.Millisecond})

	start := time.Now()
	resp := router.Route(context.Background(), &Interaction{
		ID:   "5",
		Type: InteractionApplicationCommand,
		Data: InteractionData{Name: "slow"},
	})
	elapsed := time.Since(start)

	if resp.Type != ResponseDeferredChannelMessage {
		t.Errorf("expected deferred response (type 5), got %d", resp.Type)
	}
	if elapsed > 150*time.Millisecond {
		t.Errorf("router held the response for %v; it must answer within the budget", elapsed)
	}
}

func TestRoute_HandlerErrorBecomesEphemeralResponse(t *testing.T) {
	failing := &countingHandler{err: context.DeadlineExceeded}
	reg := NewRegistry()
	if err := reg.Register(CommandDefinition{Name: "broken", Handler: failing.handle}); err != nil {
		t.Fatal(err)
	}
	router := NewRouter(testLogger(), reg)

	resp := router.Route(context.Background(), &Interaction{
		ID:   "6",
		Type: InteractionApplicationCommand,
		Data: InteractionData{Name: "broken"},
	})

	if resp.Type != ResponseChannelMessage || resp.Data == nil || resp.Data.Flags&FlagEphemeral == 0 {
		t.Errorf("expected ephemeral error response, got %+v", resp)
	}
}

func TestRoute_ComponentPrefixDispatch(t *testing.T) {
	spy := &countingHandler{resp: Message("refreshed")}
	reg := NewRegistry()
	router := NewRouter(testLogger(), reg)
	router.Component("sessions", spy.handle)

	resp := router.Route(context.Background(), &Interaction{
		ID:   "7",
		Type: InteractionMessageComponent,
		Data: InteractionData{CustomID: "sessions:refresh"},
	})

	if spy.calls.Load() != 1 {
		t.Fatalf("expected component handler to run once, got %d", spy.calls.Load())
	}
	if resp.Data == nil || resp.Data.Content != "refreshed" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestRoute_StaleComponentDegradesToAck(t *testing.T) {
	reg := NewRegistry()
	router := NewRouter(testLogger(), reg)

	for _, typ := range []InteractionType{InteractionMessageComponent, InteractionModalSubmit} {
		resp := router.Route(context.Background(), &Interaction{
			ID:   "8",
			Type: typ,
			Data: InteractionData{CustomID: "gone:whatever"},
		})
		if resp.Type != ResponseDeferredUpdateMessage {
			t.Errorf("type %d: expected deferred update ack, got %d", typ, resp.Type)
		}
	}
}

type fakeDeduper struct {
	first bool
}

func (f *fakeDeduper) FirstDelivery(ctx context.Context, id string) bool { return f.first }

func TestRoute_DuplicateDeliveryAbsorbed(t *testing.T) {
	spy := &countingHandler{resp: Message("hi")}
	reg := NewRegistry()
	if err := reg.Register(CommandDefinition{Name: "once", Handler: spy.handle}); err != nil {
		t.Fatal(err)
	}
	router := NewRouterWithOptions(testLogger(), reg, RouterOptions{Dedupe: &fakeDeduper{first: false}})

	resp := router.Route(context.Background(), &Interaction{
		ID:   "9",
		Type: InteractionApplicationCommand,
		Data: InteractionData{Name: "once"},
	})

	if spy.calls.Load() != 0 {
		t.Error("redelivered interaction must not re-invoke the handler")
	}
	if resp.Type != ResponseDeferredChannelMessage {
		t.Errorf("expected deferred ack for duplicate, got type %d", resp.Type)
	}
}
