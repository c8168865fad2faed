package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"session-sync/internal/discord"
)

// StartWindow models "imminent": a scheduled event starting within this
// window (or already overdue) is activated. A forward window rather than
// exact-time matching tolerates tick-interval drift.
const StartWindow = time.Minute

// GuildOutcome is the per-guild result of one reconciliation pass.
type GuildOutcome struct {
	GuildID   string   `json:"guild_id"`
	GuildName string   `json:"guild_name"`
	Started   []string `json:"started,omitempty"`
	Completed []string `json:"completed,omitempty"`
	Errors    []string `json:"errors,omitempty"`
}

// RunReport aggregates one full tick across all guilds.
type RunReport struct {
	StartedAt       time.Time      `json:"started_at"`
	Duration        time.Duration  `json:"duration"`
	GuildsProcessed int            `json:"guilds_processed"`
	GuildsFailed    int            `json:"guilds_failed"`
	EventsStarted   int            `json:"events_started"`
	EventsCompleted int            `json:"events_completed"`
	Guilds          []GuildOutcome `json:"guilds"`
}

// guildSnapshot is built fresh at the start of each guild's pass and
// discarded at the end. Nothing survives between passes, so a failed run
// can never poison the next one with stale state.
type guildSnapshot struct {
	events    []discord.ScheduledEvent
	occupancy map[string]int
	occErrors map[string]error
}

// Reconciler drives observed scheduled-event state toward the derived
// target state: start events whose time has arrived, complete voice-bound
// events whose channel has emptied.
type Reconciler struct {
	log     *slog.Logger
	gw      discord.Gateway
	workers int
	now     func() time.Time
}

type ReconcilerOptions struct {
	// Workers bounds per-guild parallelism; guilds share no state, but the
	// upstream API's rate budget does not want all of them at once.
	Workers int
	Now     func() time.Time // injectable clock for tests
}

func NewReconciler(log *slog.Logger, gw discord.Gateway) *Reconciler {
	return NewReconcilerWithOptions(log, gw, ReconcilerOptions{})
}

func NewReconcilerWithOptions(log *slog.Logger, gw discord.Gateway, opts ReconcilerOptions) *Reconciler {
	workers := opts.Workers
	if workers < 1 {
		workers = 3
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Reconciler{log: log, gw: gw, workers: workers, now: now}
}

// Reconcile runs one full pass. The returned error is non-nil only when
// the pass could not start at all (guild listing failed); individual
// guild and event failures are recorded in the report and never abort
// the pass.
func (r *Reconciler) Reconcile(ctx context.Context) (RunReport, error) {
	started := r.now()
	report := RunReport{StartedAt: started}

	guilds, err := r.gw.ListGuilds(ctx)
	if err != nil {
		return report, fmt.Errorf("list guilds: %w", err)
	}

	workers := r.workers
	if workers > len(guilds) {
		workers = len(guilds)
	}

	guildCh := make(chan discord.Guild, len(guilds))
	for _, g := range guilds {
		guildCh <- g
	}
	close(guildCh)

	outcomes := make(chan GuildOutcome, len(guilds))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for g := range guildCh {
				outcomes <- r.reconcileGuild(ctx, g)
			}
		}()
	}
	wg.Wait()
	close(outcomes)

	for o := range outcomes {
		report.Guilds = append(report.Guilds, o)
		report.GuildsProcessed++
		report.EventsStarted += len(o.Started)
		report.EventsCompleted += len(o.Completed)
		if len(o.Errors) > 0 {
			report.GuildsFailed++
		}
	}

	report.Duration = r.now().Sub(started)
	r.log.Info("reconcile_pass_completed",
		"guilds", report.GuildsProcessed,
		"guilds_failed", report.GuildsFailed,
		"events_started", report.EventsStarted,
		"events_completed", report.EventsCompleted,
		"duration_ms", report.Duration.Milliseconds(),
	)
	return report, nil
}

func (r *Reconciler) reconcileGuild(ctx context.Context, g discord.Guild) GuildOutcome {
	outcome := GuildOutcome{GuildID: g.ID, GuildName: g.Name}

	snap, err := r.snapshot(ctx, g)
	if err != nil {
		// Unreachable guild (deleted, bot removed, upstream down): zero
		// events processed this tick, the next tick retries naturally.
		outcome.Errors = append(outcome.Errors, fmt.Sprintf("fetch: %v", err))
		r.log.Warn("guild_fetch_failed", "guild_id", g.ID, "guild_name", g.Name, "error", err)
		return outcome
	}

	now := r.now()
	for _, ev := range snap.events {
		switch ev.Status {
		case discord.EventScheduled:
			// Half-open window: overdue events qualify too.
			if ev.ScheduledStartTime.Sub(now) <= StartWindow {
				if err := r.gw.SetEventStatus(ctx, g.ID, ev.ID, discord.EventActive); err != nil {
					outcome.Errors = append(outcome.Errors, fmt.Sprintf("start %s: %v", ev.ID, err))
					continue
				}
				outcome.Started = append(outcome.Started, ev.ID)
				r.log.Info("event_started", "guild_id", g.ID, "event_id", ev.ID, "event_name", ev.Name)
			}

		case discord.EventActive:
			// Only voice-bound events auto-complete; the rest need manual
			// completion.
			if ev.VoiceChannelID == "" {
				continue
			}
			if occErr, ok := snap.occErrors[ev.VoiceChannelID]; ok {
				outcome.Errors = append(outcome.Errors, fmt.Sprintf("occupancy %s: %v", ev.VoiceChannelID, occErr))
				continue
			}
			if snap.occupancy[ev.VoiceChannelID] == 0 {
				if err := r.gw.SetEventStatus(ctx, g.ID, ev.ID, discord.EventCompleted); err != nil {
					outcome.Errors = append(outcome.Errors, fmt.Sprintf("complete %s: %v", ev.ID, err))
					continue
				}
				outcome.Completed = append(outcome.Completed, ev.ID)
				r.log.Info("event_completed", "guild_id", g.ID, "event_id", ev.ID, "event_name", ev.Name)
			}
		}
	}

	return outcome
}

// snapshot fetches the guild's events and, for active voice-bound events,
// the live occupancy of each distinct channel.
func (r *Reconciler) snapshot(ctx context.Context, g discord.Guild) (*guildSnapshot, error) {
	events, err := r.gw.ListScheduledEvents(ctx, g.ID)
	if err != nil {
		return nil, err
	}

	snap := &guildSnapshot{
		events:    events,
		occupancy: make(map[string]int),
		occErrors: make(map[string]error),
	}

	for _, ev := range events {
		if ev.Status != discord.EventActive || ev.VoiceChannelID == "" {
			continue
		}
		if _, seen := snap.occupancy[ev.VoiceChannelID]; seen {
			continue
		}
		if _, seen := snap.occErrors[ev.VoiceChannelID]; seen {
			continue
		}
		n, err := r.gw.VoiceOccupancy(ctx, g.ID, ev.VoiceChannelID)
		if err != nil {
			snap.occErrors[ev.VoiceChannelID] = err
			continue
		}
		snap.occupancy[ev.VoiceChannelID] = n
	}

	return snap, nil
}
