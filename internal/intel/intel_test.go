package intel

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/anvil-online/crm-intel/internal/brief"
	"github.com/anvil-online/crm-intel/internal/events"
	"github.com/anvil-online/crm-intel/internal/identity"
	"github.com/anvil-online/crm-intel/internal/llm"
	"github.com/anvil-online/crm-intel/internal/store"
	"github.com/anvil-online/crm-intel/internal/store/memory"
)

type runFunc func(ctx context.Context, req brief.Request, emit func(brief.Event) error) (string, error)

type fakeGenerator struct {
	mu    sync.Mutex
	calls []brief.Request
	run   runFunc
}

func (f *fakeGenerator) record(req brief.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
}

func (f *fakeGenerator) Generate(ctx context.Context, req brief.Request) (string, error) {
	f.record(req)
	return f.run(ctx, req, nil)
}

func (f *fakeGenerator) Stream(ctx context.Context, req brief.Request, emit func(brief.Event) error) error {
	f.record(req)
	_, err := f.run(ctx, req, emit)
	return err
}

func (f *fakeGenerator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeGenerator) lastCall() brief.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

// answers streams thinking, each fragment and done, or returns the joined
// fragments when called without emit.
func answers(fragments ...string) runFunc {
	return func(_ context.Context, _ brief.Request, emit func(brief.Event) error) (string, error) {
		if emit == nil {
			return strings.Join(fragments, ""), nil
		}
		if err := emit(brief.Event{Type: brief.EventThinking}); err != nil {
			return "", err
		}
		for _, fragment := range fragments {
			if err := emit(brief.Event{Type: brief.EventText, Text: fragment}); err != nil {
				return "", err
			}
		}
		return "", emit(brief.Event{Type: brief.EventDone})
	}
}

type countingStore struct {
	*memory.MemoryStore
	mu        sync.Mutex
	upserts   []store.IntelRecord
	upsertErr error
}

func (s *countingStore) UpsertIntel(ctx context.Context, record store.IntelRecord) error {
	s.mu.Lock()
	s.upserts = append(s.upserts, record)
	err := s.upsertErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.MemoryStore.UpsertIntel(ctx, record)
}

func (s *countingStore) upsertCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.upserts)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

var (
	acme = store.Contact{ID: "c-acme", Name: "Ada", Company: "Acme", Role: "COO", Website: "acme.com"}
	beta = store.Contact{ID: "c-beta", Name: "Bob", Company: "Beta", Role: "CTO", Website: "beta.io"}
)

func newStore(t *testing.T) *countingStore {
	t.Helper()
	s := &countingStore{MemoryStore: memory.New()}
	for _, contact := range []store.Contact{acme, beta, {ID: "c-none", Name: "Nia", Company: "Nowhere"}} {
		require.NoError(t, s.UpsertContact(context.Background(), contact))
	}
	return s
}

func cacheBrief(t *testing.T, s store.Store, contact store.Contact, text string) {
	t.Helper()
	require.NoError(t, s.UpsertIntel(context.Background(), store.IntelRecord{
		ContactID:   contact.ID,
		Brief:       text,
		WebsiteUsed: contact.Website,
	}))
}

func newMachine(t *testing.T, mode Mode, s store.Store, gen Generator, tweak func(*Options)) *Machine {
	t.Helper()
	opts := Options{Mode: mode, Store: s, Generator: gen, Identity: identity.Static("u-1")}
	if tweak != nil {
		tweak(&opts)
	}
	m, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func drain(ch <-chan events.Event) []events.Event {
	var out []events.Event
	for {
		select {
		case event := <-ch:
			out = append(out, event)
		default:
			return out
		}
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Options{Generator: &fakeGenerator{}})
	require.Error(t, err)
	_, err = New(Options{Store: memory.New()})
	require.Error(t, err)
}

func TestChat_StreamedFragmentsCommitAsOneMessage(t *testing.T) {
	s := newStore(t)
	gen := &fakeGenerator{run: answers("A", "B")}
	m := newMachine(t, ModeChat, s, gen, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates := m.Subscribe(ctx, acme.ID)

	require.NoError(t, m.Focus(context.Background(), acme.ID))

	snap := m.Snapshot()
	require.Equal(t, StateBriefReady, snap.State)
	require.Equal(t, "AB", snap.Brief)
	require.Empty(t, snap.Streaming)
	require.True(t, snap.HideFirstPrompt)
	require.Equal(t, []llm.Message{
		{Role: llm.RoleUser, Content: brief.AnalysisPrompt("Acme", "acme.com")},
		{Role: llm.RoleAssistant, Content: "AB"},
	}, snap.Messages)

	require.Equal(t, 1, s.upsertCount())
	record, err := s.GetIntel(context.Background(), acme.ID)
	require.NoError(t, err)
	require.Equal(t, "AB", record.Brief)
	require.Equal(t, "acme.com", record.WebsiteUsed)
	require.Equal(t, "u-1", record.UserID)

	var fragments []string
	for _, event := range drain(updates) {
		if event.Type == events.TypeFragment {
			fragments = append(fragments, event.Payload.(Snapshot).Streaming)
		}
	}
	require.Equal(t, []string{"A", "AB"}, fragments)

	req := gen.lastCall()
	require.Equal(t, "Acme", req.CompanyName)
	require.Equal(t, "Ada", req.ContactName)
	require.Len(t, req.Messages, 1)
}

func TestChat_EmptyStreamFallsBack(t *testing.T) {
	gen := &fakeGenerator{run: answers()}
	m := newMachine(t, ModeChat, newStore(t), gen, nil)
	require.NoError(t, m.Focus(context.Background(), acme.ID))
	require.Equal(t, brief.NoResponse, m.Snapshot().Brief)
}

func TestFocus_CacheHitRestoresFollowUps(t *testing.T) {
	s := newStore(t)
	cacheBrief(t, s, acme, "cached brief")
	cache := NewFollowUpCache(4)
	cache.Put(acme.ID, []llm.Message{
		{Role: llm.RoleUser, Content: "rivals?"},
		{Role: llm.RoleAssistant, Content: "Beta"},
	})
	gen := &fakeGenerator{run: answers("unused")}
	m := newMachine(t, ModeChat, s, gen, func(o *Options) { o.FollowUps = cache })

	require.NoError(t, m.Focus(context.Background(), acme.ID))
	snap := m.Snapshot()
	require.Equal(t, StateBriefReady, snap.State)
	require.Equal(t, "cached brief", snap.Brief)
	require.Len(t, snap.Messages, 4)
	require.Equal(t, "rivals?", snap.Messages[2].Content)
	require.False(t, snap.Stale)
	require.Zero(t, gen.callCount())
}

func TestFocus_StaleBrief(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.UpsertIntel(context.Background(), store.IntelRecord{ContactID: acme.ID, Brief: "old", WebsiteUsed: "acme-old.com"}))
	m := newMachine(t, ModePanel, s, &fakeGenerator{run: answers()}, nil)

	require.NoError(t, m.Focus(context.Background(), acme.ID))
	require.True(t, m.Snapshot().Stale)
}

func TestFocus_NoWebsite(t *testing.T) {
	gen := &fakeGenerator{run: answers("x")}
	m := newMachine(t, ModeChat, newStore(t), gen, nil)

	require.NoError(t, m.Focus(context.Background(), "c-none"))
	snap := m.Snapshot()
	require.Equal(t, StateIdle, snap.State)
	require.True(t, snap.NoWebsite)
	require.ErrorIs(t, m.GenerateBrief(context.Background()), ErrNoWebsite)
	require.Zero(t, gen.callCount())
}

func TestFocus_UnknownContactIsRetryable(t *testing.T) {
	s := newStore(t)
	m := newMachine(t, ModePanel, s, &fakeGenerator{run: answers()}, nil)

	err := m.Focus(context.Background(), "c-later")
	require.ErrorIs(t, err, store.ErrNotFound)
	require.Equal(t, StateError, m.Snapshot().State)

	require.NoError(t, s.UpsertContact(context.Background(), store.Contact{ID: "c-later", Company: "Later", Website: "later.dev"}))
	require.NoError(t, m.Retry(context.Background()))
	require.Equal(t, StateEmptyNoBrief, m.Snapshot().State)
}

func TestPanel_WaitsForExplicitGenerate(t *testing.T) {
	s := newStore(t)
	gen := &fakeGenerator{run: answers("## Acme")}
	m := newMachine(t, ModePanel, s, gen, nil)

	require.NoError(t, m.Focus(context.Background(), acme.ID))
	require.Equal(t, StateEmptyNoBrief, m.Snapshot().State)
	require.Zero(t, gen.callCount())

	require.NoError(t, m.GenerateBrief(context.Background()))
	snap := m.Snapshot()
	require.Equal(t, StateBriefReady, snap.State)
	require.Equal(t, "## Acme", snap.Brief)
	require.Empty(t, snap.Messages)
	require.Equal(t, 1, s.upsertCount())
}

func TestSwitchingContactSuppressesStaleUpdates(t *testing.T) {
	s := newStore(t)
	cacheBrief(t, s, beta, "beta brief")

	started := make(chan struct{})
	release := make(chan struct{})
	gen := &fakeGenerator{run: func(_ context.Context, req brief.Request, emit func(brief.Event) error) (string, error) {
		if req.CompanyName == "Acme" {
			close(started)
			<-release
		}
		if err := emit(brief.Event{Type: brief.EventText, Text: "late " + req.CompanyName}); err != nil {
			return "", err
		}
		return "", emit(brief.Event{Type: brief.EventDone})
	}}
	m := newMachine(t, ModeChat, s, gen, nil)

	acmeDone := make(chan error, 1)
	go func() { acmeDone <- m.Focus(context.Background(), acme.ID) }()
	<-started

	require.NoError(t, m.Focus(context.Background(), beta.ID))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	acmeUpdates := m.Subscribe(ctx, acme.ID)

	close(release)
	require.ErrorIs(t, <-acmeDone, context.Canceled)

	snap := m.Snapshot()
	require.Equal(t, beta.ID, snap.ContactID)
	require.Equal(t, StateBriefReady, snap.State)
	require.Equal(t, "beta brief", snap.Brief)
	require.Empty(t, snap.Streaming)
	require.Empty(t, drain(acmeUpdates))

	record, err := s.GetIntel(context.Background(), acme.ID)
	require.NoError(t, err)
	require.Nil(t, record)
}

func TestCancelledGenerationIsNotAnError(t *testing.T) {
	started := make(chan struct{})
	gen := &fakeGenerator{run: func(ctx context.Context, _ brief.Request, _ func(brief.Event) error) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	}}
	m := newMachine(t, ModePanel, newStore(t), gen, nil)
	require.NoError(t, m.Focus(context.Background(), acme.ID))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.GenerateBrief(ctx) }()
	<-started
	cancel()

	require.ErrorIs(t, <-done, context.Canceled)
	snap := m.Snapshot()
	require.Equal(t, StateEmptyNoBrief, snap.State)
	require.Empty(t, snap.Error)
	require.Empty(t, snap.Phase)
	require.ErrorIs(t, m.Retry(context.Background()), ErrNothingToRetry)
}

func TestProviderErrorIsRetryable(t *testing.T) {
	var calls int
	gen := &fakeGenerator{run: func(context.Context, brief.Request, func(brief.Event) error) (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("Gemini 503: overloaded")
		}
		return "fresh brief", nil
	}}
	m := newMachine(t, ModePanel, newStore(t), gen, nil)
	require.NoError(t, m.Focus(context.Background(), acme.ID))

	require.EqualError(t, m.GenerateBrief(context.Background()), "Gemini 503: overloaded")
	snap := m.Snapshot()
	require.Equal(t, StateError, snap.State)
	require.Equal(t, "Gemini 503: overloaded", snap.Error)

	require.NoError(t, m.Retry(context.Background()))
	snap = m.Snapshot()
	require.Equal(t, StateBriefReady, snap.State)
	require.Equal(t, "fresh brief", snap.Brief)
	require.Empty(t, snap.Error)
}

func TestChat_MidStreamErrorEvent(t *testing.T) {
	gen := &fakeGenerator{run: func(_ context.Context, _ brief.Request, emit func(brief.Event) error) (string, error) {
		if err := emit(brief.Event{Type: brief.EventText, Text: "partial"}); err != nil {
			return "", err
		}
		return "", emit(brief.Event{Type: brief.EventError, Text: "stream reset"})
	}}
	s := newStore(t)
	m := newMachine(t, ModeChat, s, gen, nil)

	require.EqualError(t, m.Focus(context.Background(), acme.ID), "stream reset")
	snap := m.Snapshot()
	require.Equal(t, StateError, snap.State)
	require.Empty(t, snap.Brief)
	require.Empty(t, snap.Streaming)
	require.Zero(t, s.upsertCount())
}

func TestRegenerate_DebouncesRepeatTriggers(t *testing.T) {
	s := newStore(t)
	cacheBrief(t, s, acme, "old brief")
	clock := &fakeClock{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	gen := &fakeGenerator{run: answers("new brief")}
	m := newMachine(t, ModePanel, s, gen, func(o *Options) { o.Now = clock.Now })
	require.NoError(t, m.Focus(context.Background(), acme.ID))

	require.NoError(t, m.Regenerate(context.Background()))
	clock.Advance(200 * time.Millisecond)
	require.ErrorIs(t, m.Regenerate(context.Background()), ErrDebounced)
	require.Equal(t, 1, gen.callCount())
	require.Equal(t, "new brief", m.Snapshot().Brief)

	clock.Advance(400 * time.Millisecond)
	require.NoError(t, m.Regenerate(context.Background()))
	require.Equal(t, 2, gen.callCount())
}

func TestRegenerate_ClearsSectionsAndFollowUps(t *testing.T) {
	s := newStore(t)
	cacheBrief(t, s, acme, "old brief")
	require.NoError(t, s.PutSection(context.Background(), acme.ID, "objections", store.Section{Content: "old objections"}))
	cache := NewFollowUpCache(4)
	cache.Put(acme.ID, []llm.Message{{Role: llm.RoleUser, Content: "q"}, {Role: llm.RoleAssistant, Content: "a"}})
	m := newMachine(t, ModeChat, s, &fakeGenerator{run: answers("new brief")}, func(o *Options) { o.FollowUps = cache })
	require.NoError(t, m.Focus(context.Background(), acme.ID))

	require.NoError(t, m.Regenerate(context.Background()))
	snap := m.Snapshot()
	require.Equal(t, "new brief", snap.Brief)
	require.Empty(t, snap.Sections)
	require.Len(t, snap.Messages, 2)
	_, ok := cache.Get(acme.ID)
	require.False(t, ok)

	record, err := s.GetIntel(context.Background(), acme.ID)
	require.NoError(t, err)
	require.Equal(t, "new brief", record.Brief)
	require.Empty(t, record.Sections)
}

func TestRegenerate_BusyWhileGenerating(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	gen := &fakeGenerator{run: func(context.Context, brief.Request, func(brief.Event) error) (string, error) {
		close(started)
		<-release
		return "brief", nil
	}}
	m := newMachine(t, ModePanel, newStore(t), gen, nil)
	require.NoError(t, m.Focus(context.Background(), acme.ID))

	done := make(chan error, 1)
	go func() { done <- m.GenerateBrief(context.Background()) }()
	<-started
	require.ErrorIs(t, m.Regenerate(context.Background()), ErrBusy)
	close(release)
	require.NoError(t, <-done)
}

func sectionAnswers(_ context.Context, req brief.Request, _ func(brief.Event) error) (string, error) {
	last := req.Messages[len(req.Messages)-1].Content
	switch {
	case strings.Contains(last, "objections"):
		return "objection content", nil
	case strings.Contains(last, "discovery"):
		return "question content", nil
	}
	return "brief content", nil
}

func TestGenerateSection_LeavesOtherSectionsAlone(t *testing.T) {
	s := newStore(t)
	cacheBrief(t, s, acme, "cached brief")
	clock := &fakeClock{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	gen := &fakeGenerator{run: sectionAnswers}
	m := newMachine(t, ModePanel, s, gen, func(o *Options) { o.Now = clock.Now })
	require.NoError(t, m.Focus(context.Background(), acme.ID))

	require.NoError(t, m.GenerateSection(context.Background(), "objections"))
	first, err := s.GetIntel(context.Background(), acme.ID)
	require.NoError(t, err)
	objections := first.Sections["objections"]
	require.Equal(t, "objection content", objections.Content)

	clock.Advance(time.Minute)
	require.NoError(t, m.GenerateSection(context.Background(), "key_questions"))

	record, err := s.GetIntel(context.Background(), acme.ID)
	require.NoError(t, err)
	require.Equal(t, "cached brief", record.Brief)
	require.Equal(t, objections, record.Sections["objections"])
	require.Equal(t, "question content", record.Sections["key_questions"].Content)

	snap := m.Snapshot()
	require.Equal(t, StateSectionReady, snap.State)
	require.Equal(t, "key_questions", snap.SectionKey)
	require.Len(t, snap.Sections, 2)

	req := gen.lastCall()
	require.Len(t, req.Messages, 3)
	require.Equal(t, "cached brief", req.Messages[1].Content)
}

func TestGenerateSection_Guards(t *testing.T) {
	s := newStore(t)
	started := make(chan struct{})
	release := make(chan struct{})
	gen := &fakeGenerator{run: func(context.Context, brief.Request, func(brief.Event) error) (string, error) {
		close(started)
		<-release
		return "content", nil
	}}
	m := newMachine(t, ModePanel, s, gen, nil)
	require.NoError(t, m.Focus(context.Background(), acme.ID))
	require.ErrorIs(t, m.GenerateSection(context.Background(), "objections"), ErrNoBrief)

	cacheBrief(t, s, acme, "cached brief")
	require.NoError(t, m.Focus(context.Background(), acme.ID))
	require.ErrorIs(t, m.GenerateSection(context.Background(), "pricing"), ErrUnknownSection)

	done := make(chan error, 1)
	go func() { done <- m.GenerateSection(context.Background(), "objections") }()
	<-started
	require.ErrorIs(t, m.GenerateSection(context.Background(), "key_questions"), ErrBusy)
	require.ErrorIs(t, m.GenerateBrief(context.Background()), ErrBusy)
	close(release)
	require.NoError(t, <-done)
}

func TestGenerateSection_RecreatesMissingRecord(t *testing.T) {
	s := newStore(t)
	cacheBrief(t, s, acme, "cached brief")
	m := newMachine(t, ModePanel, s, &fakeGenerator{run: sectionAnswers}, nil)
	require.NoError(t, m.Focus(context.Background(), acme.ID))
	require.NoError(t, s.DeleteIntel(context.Background(), acme.ID))

	require.NoError(t, m.GenerateSection(context.Background(), "objections"))
	record, err := s.GetIntel(context.Background(), acme.ID)
	require.NoError(t, err)
	require.Equal(t, "cached brief", record.Brief)
	require.Equal(t, "objection content", record.Sections["objections"].Content)
}

func TestModeRestrictions(t *testing.T) {
	s := newStore(t)
	cacheBrief(t, s, acme, "cached brief")

	chat := newMachine(t, ModeChat, s, &fakeGenerator{run: answers()}, nil)
	require.NoError(t, chat.Focus(context.Background(), acme.ID))
	require.ErrorIs(t, chat.GenerateSection(context.Background(), "objections"), ErrUnsupported)

	panel := newMachine(t, ModePanel, s, &fakeGenerator{run: answers()}, nil)
	require.NoError(t, panel.Focus(context.Background(), acme.ID))
	require.ErrorIs(t, panel.Ask(context.Background(), "why?"), ErrUnsupported)
}

func TestAsk_SendsWholeConversationAndCachesFollowUps(t *testing.T) {
	s := newStore(t)
	cacheBrief(t, s, acme, "cached brief")
	cache := NewFollowUpCache(4)
	gen := &fakeGenerator{run: answers("They compete with ", "Beta.")}
	m := newMachine(t, ModeChat, s, gen, func(o *Options) { o.FollowUps = cache })
	require.NoError(t, m.Focus(context.Background(), acme.ID))

	require.ErrorIs(t, m.Ask(context.Background(), "  "), ErrEmptyQuestion)
	require.NoError(t, m.Ask(context.Background(), "Who are their rivals?"))

	req := gen.lastCall()
	require.Equal(t, []llm.Message{
		{Role: llm.RoleUser, Content: brief.AnalysisPrompt("Acme", "acme.com")},
		{Role: llm.RoleAssistant, Content: "cached brief"},
		{Role: llm.RoleUser, Content: "Who are their rivals?"},
	}, req.Messages)

	snap := m.Snapshot()
	require.Equal(t, StateBriefReady, snap.State)
	require.Len(t, snap.Messages, 4)
	require.Equal(t, "They compete with Beta.", snap.Messages[3].Content)

	cached, ok := cache.Get(acme.ID)
	require.True(t, ok)
	require.Len(t, cached, 2)

	require.NoError(t, m.Focus(context.Background(), beta.ID))
	require.NoError(t, m.Focus(context.Background(), acme.ID))
	require.Len(t, m.Snapshot().Messages, 4)

	record, err := s.GetIntel(context.Background(), acme.ID)
	require.NoError(t, err)
	require.Equal(t, "cached brief", record.Brief)
}

func TestAsk_CancelDropsUnansweredQuestion(t *testing.T) {
	s := newStore(t)
	cacheBrief(t, s, acme, "cached brief")
	started := make(chan struct{})
	gen := &fakeGenerator{run: func(ctx context.Context, _ brief.Request, _ func(brief.Event) error) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	}}
	m := newMachine(t, ModeChat, s, gen, nil)
	require.NoError(t, m.Focus(context.Background(), acme.ID))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Ask(ctx, "still there?") }()
	<-started
	cancel()

	require.ErrorIs(t, <-done, context.Canceled)
	snap := m.Snapshot()
	require.Equal(t, StateBriefReady, snap.State)
	require.Len(t, snap.Messages, 2)
	require.Empty(t, snap.Error)
}

func TestThinkingPhasesAdvanceUntilText(t *testing.T) {
	release := make(chan struct{})
	gen := &fakeGenerator{run: func(_ context.Context, _ brief.Request, emit func(brief.Event) error) (string, error) {
		<-release
		if err := emit(brief.Event{Type: brief.EventText, Text: "done"}); err != nil {
			return "", err
		}
		return "", emit(brief.Event{Type: brief.EventDone})
	}}
	m := newMachine(t, ModeChat, newStore(t), gen, func(o *Options) { o.ThinkingInterval = 5 * time.Millisecond })

	done := make(chan error, 1)
	go func() { done <- m.Focus(context.Background(), acme.ID) }()

	require.Eventually(t, func() bool {
		phase := m.Snapshot().Phase
		return phase != "" && phase != ThinkingPhases[0]
	}, 2*time.Second, time.Millisecond)

	close(release)
	require.NoError(t, <-done)
	require.Empty(t, m.Snapshot().Phase)
}

func TestSaveFailureKeepsBrief(t *testing.T) {
	s := newStore(t)
	s.upsertErr = errors.New("database unavailable")
	core, logs := observer.New(zapcore.WarnLevel)
	m := newMachine(t, ModeChat, s, &fakeGenerator{run: answers("brief")}, func(o *Options) { o.Logger = zap.New(core) })

	require.NoError(t, m.Focus(context.Background(), acme.ID))
	snap := m.Snapshot()
	require.Equal(t, StateBriefReady, snap.State)
	require.Equal(t, "brief", snap.Brief)

	entries := logs.FilterMessage("save brief failed").All()
	require.Len(t, entries, 1)
	require.Equal(t, acme.ID, entries[0].ContextMap()["contact_id"])
}

func TestClose_ReturnsToIdle(t *testing.T) {
	s := newStore(t)
	cacheBrief(t, s, acme, "cached brief")
	m := newMachine(t, ModePanel, s, &fakeGenerator{run: answers()}, nil)
	require.NoError(t, m.Focus(context.Background(), acme.ID))

	m.Close()
	snap := m.Snapshot()
	require.Equal(t, StateIdle, snap.State)
	require.Empty(t, snap.ContactID)
	require.ErrorIs(t, m.GenerateBrief(context.Background()), ErrNoContact)
}
