package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"session-sync/internal/discord"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeGateway applies status mutations to its own state, so consecutive
// passes observe the effect of the previous one.
type fakeGateway struct {
	mu sync.Mutex

	guilds    []discord.Guild
	events    map[string][]discord.ScheduledEvent
	occupancy map[string]int

	listGuildsErr error
	listEventsErr map[string]error
	occErr        map[string]error
	setStatusErr  map[string]error

	setCalls []string // "guildID/eventID/status"
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		events:        make(map[string][]discord.ScheduledEvent),
		occupancy:     make(map[string]int),
		listEventsErr: make(map[string]error),
		occErr:        make(map[string]error),
		setStatusErr:  make(map[string]error),
	}
}

func (f *fakeGateway) ListGuilds(ctx context.Context) ([]discord.Guild, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listGuildsErr != nil {
		return nil, f.listGuildsErr
	}
	return append([]discord.Guild(nil), f.guilds...), nil
}

func (f *fakeGateway) ListScheduledEvents(ctx context.Context, guildID string) ([]discord.ScheduledEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.listEventsErr[guildID]; err != nil {
		return nil, err
	}
	return append([]discord.ScheduledEvent(nil), f.events[guildID]...), nil
}

func (f *fakeGateway) VoiceOccupancy(ctx context.Context, guildID, channelID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.occErr[channelID]; err != nil {
		return 0, err
	}
	return f.occupancy[channelID], nil
}

func (f *fakeGateway) SetEventStatus(ctx context.Context, guildID, eventID string, status discord.EventStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.setStatusErr[eventID]; err != nil {
		return err
	}
	f.setCalls = append(f.setCalls, fmt.Sprintf("%s/%s/%s", guildID, eventID, status))
	evs := f.events[guildID]
	for i := range evs {
		if evs[i].ID == eventID {
			evs[i].Status = status
		}
	}
	return nil
}

func newTestReconciler(gw discord.Gateway, now time.Time) *Reconciler {
	return NewReconcilerWithOptions(testLogger(), gw, ReconcilerOptions{
		Workers: 2,
		Now:     func() time.Time { return now },
	})
}

func outcomeFor(t *testing.T, report RunReport, guildID string) GuildOutcome {
	t.Helper()
	for _, o := range report.Guilds {
		if o.GuildID == guildID {
			return o
		}
	}
	t.Fatalf("no outcome for guild %s in %+v", guildID, report.Guilds)
	return GuildOutcome{}
}

func TestReconcile_StartWindowBoundary(t *testing.T) {
	now := time.Date(2026, 3, 14, 19, 0, 0, 0, time.UTC)
	gw := newFakeGateway()
	gw.guilds = []discord.Guild{{ID: "g1", Name: "Guild One"}}
	gw.events["g1"] = []discord.ScheduledEvent{
		{ID: "soon", Status: discord.EventScheduled, ScheduledStartTime: now.Add(59 * time.Second)},
		{ID: "later", Status: discord.EventScheduled, ScheduledStartTime: now.Add(61 * time.Second)},
		{ID: "overdue", Status: discord.EventScheduled, ScheduledStartTime: now.Add(-5 * time.Second)},
	}

	report, err := newTestReconciler(gw, now).Reconcile(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	o := outcomeFor(t, report, "g1")
	started := map[string]bool{}
	for _, id := range o.Started {
		started[id] = true
	}

	if !started["soon"] {
		t.Error("event 59s out should start")
	}
	if started["later"] {
		t.Error("event 61s out must not start")
	}
	if !started["overdue"] {
		t.Error("overdue event should start")
	}
	if len(o.Errors) != 0 {
		t.Errorf("unexpected errors: %v", o.Errors)
	}
}

func TestReconcile_EndOnEmptyVoice(t *testing.T) {
	now := time.Date(2026, 3, 14, 19, 0, 0, 0, time.UTC)
	gw := newFakeGateway()
	gw.guilds = []discord.Guild{{ID: "g1"}}
	gw.events["g1"] = []discord.ScheduledEvent{
		{ID: "empty", Status: discord.EventActive, VoiceChannelID: "ch-empty"},
		{ID: "busy", Status: discord.EventActive, VoiceChannelID: "ch-busy"},
		{ID: "novoice", Status: discord.EventActive},
	}
	gw.occupancy["ch-empty"] = 0
	gw.occupancy["ch-busy"] = 1

	report, err := newTestReconciler(gw, now).Reconcile(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	o := outcomeFor(t, report, "g1")
	if len(o.Completed) != 1 || o.Completed[0] != "empty" {
		t.Errorf("expected only the empty-channel event completed, got %v", o.Completed)
	}
}

func TestReconcile_Idempotent(t *testing.T) {
	now := time.Date(2026, 3, 14, 19, 0, 0, 0, time.UTC)
	gw := newFakeGateway()
	gw.guilds = []discord.Guild{{ID: "g1"}}
	gw.events["g1"] = []discord.ScheduledEvent{
		{ID: "starting", Status: discord.EventScheduled, ScheduledStartTime: now.Add(30 * time.Second), VoiceChannelID: "ch1"},
		{ID: "ending", Status: discord.EventActive, VoiceChannelID: "ch2"},
	}
	gw.occupancy["ch1"] = 2
	gw.occupancy["ch2"] = 0

	r := newTestReconciler(gw, now)

	first, err := r.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("first pass: %v", err)
	}
	o1 := outcomeFor(t, first, "g1")
	if len(o1.Started) != 1 || len(o1.Completed) != 1 {
		t.Fatalf("first pass should start 1 and complete 1, got started=%v completed=%v", o1.Started, o1.Completed)
	}

	// Unchanged external state except for our own transitions: the second
	// pass must not double-apply anything. "starting" is now Active with
	// an occupied channel, so it must not be auto-completed either.
	second, err := r.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	o2 := outcomeFor(t, second, "g1")
	if len(o2.Started) != 0 || len(o2.Completed) != 0 {
		t.Errorf("second pass must be a no-op, got started=%v completed=%v", o2.Started, o2.Completed)
	}
}

func TestReconcile_PartialFailureIsolation(t *testing.T) {
	now := time.Date(2026, 3, 14, 19, 0, 0, 0, time.UTC)
	gw := newFakeGateway()
	gw.guilds = []discord.Guild{{ID: "g1"}, {ID: "g2"}, {ID: "g3"}}
	gw.events["g1"] = []discord.ScheduledEvent{
		{ID: "e1", Status: discord.EventScheduled, ScheduledStartTime: now},
	}
	gw.listEventsErr["g2"] = errors.New("bot was removed")
	gw.events["g3"] = []discord.ScheduledEvent{
		{ID: "e3", Status: discord.EventScheduled, ScheduledStartTime: now},
	}

	report, err := newTestReconciler(gw, now).Reconcile(context.Background())
	if err != nil {
		t.Fatalf("the run must complete despite a failing guild: %v", err)
	}

	if report.GuildsProcessed != 3 {
		t.Errorf("expected 3 guilds processed, got %d", report.GuildsProcessed)
	}
	if report.GuildsFailed != 1 {
		t.Errorf("expected 1 failed guild, got %d", report.GuildsFailed)
	}

	if got := outcomeFor(t, report, "g1").Started; len(got) != 1 {
		t.Errorf("guild 1 should have started its event, got %v", got)
	}
	if got := outcomeFor(t, report, "g2").Errors; len(got) != 1 {
		t.Errorf("guild 2 should carry one fetch error, got %v", got)
	}
	if got := outcomeFor(t, report, "g3").Started; len(got) != 1 {
		t.Errorf("guild 3 should have started its event, got %v", got)
	}
}

func TestReconcile_EventFailureDoesNotAbortGuild(t *testing.T) {
	now := time.Date(2026, 3, 14, 19, 0, 0, 0, time.UTC)
	gw := newFakeGateway()
	gw.guilds = []discord.Guild{{ID: "g1"}}
	gw.events["g1"] = []discord.ScheduledEvent{
		{ID: "racy", Status: discord.EventScheduled, ScheduledStartTime: now},
		{ID: "fine", Status: discord.EventScheduled, ScheduledStartTime: now},
	}
	gw.setStatusErr["racy"] = errors.New("already active")

	report, err := newTestReconciler(gw, now).Reconcile(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	o := outcomeFor(t, report, "g1")
	if len(o.Started) != 1 || o.Started[0] != "fine" {
		t.Errorf("the other event should still start, got %v", o.Started)
	}
	if len(o.Errors) != 1 {
		t.Errorf("the failed transition should be recorded, got %v", o.Errors)
	}
}

func TestReconcile_OccupancyErrorRecorded(t *testing.T) {
	now := time.Date(2026, 3, 14, 19, 0, 0, 0, time.UTC)
	gw := newFakeGateway()
	gw.guilds = []discord.Guild{{ID: "g1"}}
	gw.events["g1"] = []discord.ScheduledEvent{
		{ID: "ev", Status: discord.EventActive, VoiceChannelID: "ch1"},
	}
	gw.occErr["ch1"] = discord.ErrWidgetDisabled

	report, err := newTestReconciler(gw, now).Reconcile(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	o := outcomeFor(t, report, "g1")
	if len(o.Completed) != 0 {
		t.Error("an event with unknown occupancy must not be completed")
	}
	if len(o.Errors) != 1 {
		t.Errorf("occupancy failure should be recorded, got %v", o.Errors)
	}
}

func TestReconcile_ListGuildsFailureAbortsStart(t *testing.T) {
	gw := newFakeGateway()
	gw.listGuildsErr = errors.New("discord is down")

	_, err := newTestReconciler(gw, time.Now()).Reconcile(context.Background())
	if err == nil {
		t.Fatal("expected an error when the pass cannot start")
	}
}
