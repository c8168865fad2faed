package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

const APIBase = "https://discord.com/api/v10"

// EventStatus mirrors Discord's guild scheduled event status values.
type EventStatus int

const (
	EventScheduled EventStatus = 1
	EventActive    EventStatus = 2
	EventCompleted EventStatus = 3
	EventCancelled EventStatus = 4
)

func (s EventStatus) String() string {
	switch s {
	case EventScheduled:
		return "scheduled"
	case EventActive:
		return "active"
	case EventCompleted:
		return "completed"
	case EventCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

type Guild struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ScheduledEvent is the observed state of an externally-hosted event.
// VoiceChannelID is empty for events not bound to a voice channel
// (external-location events); those are never auto-completed.
type ScheduledEvent struct {
	ID                 string
	Name               string
	Status             EventStatus
	ScheduledStartTime time.Time
	VoiceChannelID     string
}

// Gateway is the narrow surface the reconciler and command handlers consume.
// The REST client below implements it; tests inject fakes.
type Gateway interface {
	ListGuilds(ctx context.Context) ([]Guild, error)
	ListScheduledEvents(ctx context.Context, guildID string) ([]ScheduledEvent, error)
	VoiceOccupancy(ctx context.Context, guildID, channelID string) (int, error)
	SetEventStatus(ctx context.Context, guildID, eventID string, status EventStatus) error
}

var (
	// ErrWidgetDisabled means the guild widget is turned off, so voice
	// occupancy cannot be observed over REST for that guild.
	ErrWidgetDisabled = errors.New("guild widget disabled")

	// ErrCircuitOpen means the circuit breaker is rejecting requests after
	// repeated upstream failures.
	ErrCircuitOpen = errors.New("discord api circuit open")
)

// APIError carries the upstream HTTP status for non-2xx responses.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("discord api status %d: %s", e.Status, e.Body)
}

// RESTClient talks to the Discord REST API using the shared pooled
// transport, a global rate budget, retry with backoff, and a circuit
// breaker.
type RESTClient struct {
	log        *slog.Logger
	httpClient *http.Client
	baseURL    string
	botToken   string
	limiter    *rate.Limiter
	breaker    *CircuitBreaker
	retry      RetryConfig
}

type RESTClientOptions struct {
	BaseURL string // overridable for tests; defaults to APIBase
	Limiter *rate.Limiter
	Retry   *RetryConfig
}

func NewRESTClient(log *slog.Logger, botToken string) *RESTClient {
	return NewRESTClientWithOptions(log, botToken, RESTClientOptions{})
}

func NewRESTClientWithOptions(log *slog.Logger, botToken string, opts RESTClientOptions) *RESTClient {
	base := opts.BaseURL
	if base == "" {
		base = APIBase
	}
	lim := opts.Limiter
	if lim == nil {
		// 20 req/s with a small burst keeps us well under the global
		// bot limit of 50 req/s.
		lim = rate.NewLimiter(rate.Limit(20), 10)
	}
	retry := DefaultRetryConfig()
	if opts.Retry != nil {
		retry = *opts.Retry
	}
	return &RESTClient{
		log:        log,
		httpClient: SharedHTTPClient,
		baseURL:    base,
		botToken:   botToken,
		limiter:    lim,
		breaker:    NewCircuitBreaker(),
		retry:      retry,
	}
}

func (c *RESTClient) ListGuilds(ctx context.Context) ([]Guild, error) {
	var guilds []Guild
	if err := c.doJSON(ctx, http.MethodGet, "/users/@me/guilds", nil, &guilds); err != nil {
		return nil, fmt.Errorf("list guilds: %w", err)
	}
	return guilds, nil
}

// wire shape of a guild scheduled event; only the fields the reconciler
// needs are decoded.
type scheduledEventPayload struct {
	ID                 string  `json:"id"`
	Name               string  `json:"name"`
	Status             int     `json:"status"`
	ScheduledStartTime string  `json:"scheduled_start_time"`
	ChannelID          *string `json:"channel_id"`
	EntityType         int     `json:"entity_type"`
}

func (c *RESTClient) ListScheduledEvents(ctx context.Context, guildID string) ([]ScheduledEvent, error) {
	var payload []scheduledEventPayload
	path := fmt.Sprintf("/guilds/%s/scheduled-events", guildID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &payload); err != nil {
		return nil, fmt.Errorf("list scheduled events for guild %s: %w", guildID, err)
	}

	events := make([]ScheduledEvent, 0, len(payload))
	for _, p := range payload {
		ev := ScheduledEvent{
			ID:     p.ID,
			Name:   p.Name,
			Status: EventStatus(p.Status),
		}
		if p.ChannelID != nil {
			ev.VoiceChannelID = *p.ChannelID
		}
		if p.ScheduledStartTime != "" {
			t, err := time.Parse(time.RFC3339, p.ScheduledStartTime)
			if err != nil {
				c.log.Warn("bad_event_start_time", "guild_id", guildID, "event_id", p.ID, "value", p.ScheduledStartTime)
				continue
			}
			ev.ScheduledStartTime = t
		}
		events = append(events, ev)
	}
	return events, nil
}

// widget payload; members carry channel_id only while connected to voice.
type widgetPayload struct {
	Members []struct {
		ID        string  `json:"id"`
		ChannelID *string `json:"channel_id"`
	} `json:"members"`
}

// VoiceOccupancy counts members currently connected to the given voice
// channel. REST exposes live voice membership only through the guild
// widget, so guilds with the widget disabled report ErrWidgetDisabled.
func (c *RESTClient) VoiceOccupancy(ctx context.Context, guildID, channelID string) (int, error) {
	var w widgetPayload
	path := fmt.Sprintf("/guilds/%s/widget.json", guildID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &w); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusForbidden {
			return 0, ErrWidgetDisabled
		}
		return 0, fmt.Errorf("voice occupancy for guild %s: %w", guildID, err)
	}

	count := 0
	for _, m := range w.Members {
		if m.ChannelID != nil && *m.ChannelID == channelID {
			count++
		}
	}
	return count, nil
}

func (c *RESTClient) SetEventStatus(ctx context.Context, guildID, eventID string, status EventStatus) error {
	body := map[string]int{"status": int(status)}
	path := fmt.Sprintf("/guilds/%s/scheduled-events/%s", guildID, eventID)
	if err := c.doJSON(ctx, http.MethodPatch, path, body, nil); err != nil {
		return fmt.Errorf("set event %s status to %s: %w", eventID, status, err)
	}
	return nil
}

// doJSON performs one logical API call: circuit breaker check, then the
// rate-limited request with retries on 429 and 5xx. 4xx responses other
// than 429 are returned immediately as *APIError.
func (c *RESTClient) doJSON(ctx context.Context, method, path string, in, out any) error {
	if !c.breaker.Allow() {
		return ErrCircuitOpen
	}

	var lastErr error
	for attempt := 0; attempt <= c.retry.MaxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		var reqBody io.Reader
		if in != nil {
			buf, err := json.Marshal(in)
			if err != nil {
				return fmt.Errorf("encode request body: %w", err)
			}
			reqBody = bytes.NewReader(buf)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bot "+c.botToken)
		req.Header.Set("User-Agent", "DiscordBot (session-sync, 1.0)")
		if in != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			c.breaker.RecordFailure()
			if !sleepBackoff(ctx, CalculateBackoff(c.retry, attempt, 0)) {
				return ctx.Err()
			}
			continue
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			c.breaker.RecordSuccess()
			if out == nil {
				io.Copy(io.Discard, resp.Body)
				resp.Body.Close()
				return nil
			}
			err := json.NewDecoder(resp.Body).Decode(out)
			resp.Body.Close()
			if err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
			return nil

		case resp.StatusCode == http.StatusTooManyRequests:
			retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			c.log.Warn("discord_rate_limited", "path", path, "retry_after", retryAfter.String(), "attempt", attempt+1)
			lastErr = &APIError{Status: resp.StatusCode}
			if !sleepBackoff(ctx, CalculateBackoff(c.retry, attempt, retryAfter)) {
				return ctx.Err()
			}
			continue

		case resp.StatusCode >= 500:
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			c.breaker.RecordFailure()
			lastErr = &APIError{Status: resp.StatusCode, Body: string(body)}
			if !sleepBackoff(ctx, CalculateBackoff(c.retry, attempt, 0)) {
				return ctx.Err()
			}
			continue

		default:
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			return &APIError{Status: resp.StatusCode, Body: string(body)}
		}
	}

	return lastErr
}

func sleepBackoff(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}
