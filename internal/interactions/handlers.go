package interactions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"session-sync/internal/discord"
)

// RegisterBuiltins wires the built-in command catalogue and its component
// handlers. Called once from startup; a registration error is fatal there.
func RegisterBuiltins(reg *Registry, router *Router, gw discord.Gateway, log *slog.Logger) error {
	b := &builtins{gw: gw, log: log}

	cmds := []CommandDefinition{
		{
			Name:        "ping",
			Description: "Check that the bot is alive",
			Handler:     b.ping,
		},
		{
			Name:        "sessions",
			Description: "List upcoming sessions scheduled in this server",
			Parameters: []Parameter{
				{Name: "limit", Description: "How many sessions to show (default 5)", Type: discord.OptionInteger},
			},
			Handler: b.sessions,
		},
	}

	for _, c := range cmds {
		if err := reg.Register(c); err != nil {
			return err
		}
	}

	// "sessions:refresh" button on the session list message
	router.Component("sessions", b.sessionsRefresh)
	return nil
}

type builtins struct {
	gw  discord.Gateway
	log *slog.Logger
}

func (b *builtins) ping(ctx context.Context, ic *Interaction) (*Response, error) {
	return Ephemeral("Pong!"), nil
}

func (b *builtins) sessions(ctx context.Context, ic *Interaction) (*Response, error) {
	limit := 5
	for _, o := range ic.Data.Options {
		if o.Name == "limit" {
			var v int
			if err := json.Unmarshal(o.Value, &v); err == nil && v > 0 {
				limit = v
			}
		}
	}
	if limit > 25 {
		limit = 25
	}

	content, err := b.renderSessions(ctx, ic.GuildID, limit)
	if err != nil {
		return nil, err
	}
	return Message(content), nil
}

func (b *builtins) sessionsRefresh(ctx context.Context, ic *Interaction) (*Response, error) {
	content, err := b.renderSessions(ctx, ic.GuildID, 5)
	if err != nil {
		return nil, err
	}
	return Message(content), nil
}

func (b *builtins) renderSessions(ctx context.Context, guildID string, limit int) (string, error) {
	if guildID == "" {
		return "This command only works inside a server.", nil
	}

	events, err := b.gw.ListScheduledEvents(ctx, guildID)
	if err != nil {
		return "", fmt.Errorf("list sessions: %w", err)
	}

	upcoming := events[:0:0]
	for _, ev := range events {
		if ev.Status == discord.EventScheduled || ev.Status == discord.EventActive {
			upcoming = append(upcoming, ev)
		}
	}
	sort.Slice(upcoming, func(i, j int) bool {
		return upcoming[i].ScheduledStartTime.Before(upcoming[j].ScheduledStartTime)
	})
	if len(upcoming) > limit {
		upcoming = upcoming[:limit]
	}

	if len(upcoming) == 0 {
		return "No upcoming sessions scheduled.", nil
	}

	var sb strings.Builder
	sb.WriteString("**Upcoming sessions**\n")
	for _, ev := range upcoming {
		state := ""
		if ev.Status == discord.EventActive {
			state = " (live now)"
		}
		fmt.Fprintf(&sb, "- %s — <t:%d:R>%s\n", ev.Name, ev.ScheduledStartTime.Unix(), state)
	}
	return sb.String(), nil
}
