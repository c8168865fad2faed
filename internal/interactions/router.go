package interactions

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// Deduper absorbs duplicate deliveries of the same interaction. The
// webhook is at-least-once, so a redelivered interaction must not invoke
// its handler a second time. Implementations return true for the first
// delivery of an ID; on infrastructure errors they should fail open
// (return true) rather than drop traffic.
type Deduper interface {
	FirstDelivery(ctx context.Context, interactionID string) bool
}

// DefaultHandlerTimeout bounds one handler invocation. Discord expects the
// webhook response within 3 seconds; we convert a slow handler into a
// deferred acknowledgement before that budget runs out.
const DefaultHandlerTimeout = 2500 * time.Millisecond

// Router dispatches decoded interactions to command and component
// handlers. It is read-only after construction and safe for concurrent
// requests.
type Router struct {
	log        *slog.Logger
	registry   *Registry
	components map[string]Handler
	dedupe     Deduper
	timeout    time.Duration
}

type RouterOptions struct {
	Dedupe         Deduper       // nil disables dedupe
	HandlerTimeout time.Duration // zero means DefaultHandlerTimeout
}

func NewRouter(log *slog.Logger, registry *Registry) *Router {
	return NewRouterWithOptions(log, registry, RouterOptions{})
}

func NewRouterWithOptions(log *slog.Logger, registry *Registry, opts RouterOptions) *Router {
	timeout := opts.HandlerTimeout
	if timeout <= 0 {
		timeout = DefaultHandlerTimeout
	}
	return &Router{
		log:        log,
		registry:   registry,
		components: make(map[string]Handler),
		dedupe:     opts.Dedupe,
		timeout:    timeout,
	}
}

// Component registers a handler for custom IDs namespaced by prefix
// ("prefix:rest"). Registration happens at startup, alongside commands.
func (r *Router) Component(prefix string, h Handler) {
	r.components[prefix] = h
}

// Route turns one interaction into its response. It never returns an
// error: every failure mode maps to a definitive response, because the
// platform treats a dropped reply as an outage.
func (r *Router) Route(ctx context.Context, ic *Interaction) *Response {
	// Liveness check from the platform; no handler, no dedupe.
	if ic.Type == InteractionPing {
		return Pong()
	}

	if r.dedupe != nil && ic.ID != "" && !r.dedupe.FirstDelivery(ctx, ic.ID) {
		r.log.Info("duplicate_interaction_absorbed", "interaction_id", ic.ID, "type", int(ic.Type))
		if ic.Type == InteractionApplicationCommand {
			return Deferred()
		}
		return DeferredUpdate()
	}

	switch ic.Type {
	case InteractionApplicationCommand:
		return r.routeCommand(ctx, ic)

	case InteractionMessageComponent, InteractionModalSubmit:
		return r.routeComponent(ctx, ic)

	default:
		r.log.Warn("unhandled_interaction_type", "type", int(ic.Type), "interaction_id", ic.ID)
		return DeferredUpdate()
	}
}

func (r *Router) routeCommand(ctx context.Context, ic *Interaction) *Response {
	name := ic.Data.Name
	def, ok := r.registry.Lookup(name)
	if !ok {
		// A command registered with the platform but unknown here means
		// the deployed catalogue has drifted; log loudly, answer politely.
		r.log.Error("unknown_command", "command", name, "guild_id", ic.GuildID, "invoker_id", ic.InvokerID())
		return Ephemeral("Unknown command. It may have been removed in a recent update.")
	}

	if err := def.ValidateOptions(ic.Data.Options); err != nil {
		r.log.Warn("invalid_command_options", "command", name, "error", err)
		return Ephemeral("Invalid options: " + err.Error())
	}

	return r.invoke(ctx, def.Handler, ic, "command", name, Deferred())
}

func (r *Router) routeComponent(ctx context.Context, ic *Interaction) *Response {
	prefix, _, _ := strings.Cut(ic.Data.CustomID, ":")
	h, ok := r.components[prefix]
	if !ok {
		// Stale components are normal (message edited or deleted since);
		// acknowledge quietly instead of erroring.
		r.log.Debug("unmatched_component_prefix", "custom_id", ic.Data.CustomID)
		return DeferredUpdate()
	}

	return r.invoke(ctx, h, ic, "component", prefix, DeferredUpdate())
}

// invoke runs a handler under the per-invocation timeout budget. A handler
// that overruns gets a deferred acknowledgement so the HTTP response goes
// out in time; the handler keeps running and delivers via follow-up.
func (r *Router) invoke(ctx context.Context, h Handler, ic *Interaction, kind, name string, timeoutResp *Response) *Response {
	// Detach from the request context: if we answer with a deferred ack,
	// the handler keeps running past the HTTP response. Its own deadline
	// is slightly past ours so follow-up delivery still has headroom.
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout+10*time.Second)

	type result struct {
		resp *Response
		err  error
	}
	done := make(chan result, 1)

	start := time.Now()
	go func() {
		defer cancel()
		resp, err := h(hctx, ic)
		done <- result{resp, err}
	}()

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case res := <-done:
		if res.err != nil {
			r.log.Error("handler_failed", kind, name, "interaction_id", ic.ID, "error", res.err)
			return Ephemeral("Something went wrong handling that. Try again shortly.")
		}
		if res.resp == nil {
			return timeoutResp
		}
		return res.resp

	case <-timer.C:
		r.log.Warn("handler_budget_exceeded", kind, name, "interaction_id", ic.ID, "elapsed_ms", time.Since(start).Milliseconds())
		return timeoutResp
	}
}
