package intel

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/anvil-online/crm-intel/internal/brief"
	"github.com/anvil-online/crm-intel/internal/events"
	"github.com/anvil-online/crm-intel/internal/identity"
	"github.com/anvil-online/crm-intel/internal/llm"
	"github.com/anvil-online/crm-intel/internal/sections"
	"github.com/anvil-online/crm-intel/internal/store"
)

type opKind int

const (
	opFocus opKind = iota
	// opBrief covers brief generation and follow-up answers; at most one
	// runs per contact.
	opBrief
	opSection
)

type op struct {
	kind   opKind
	epoch  uint64
	ctx    context.Context
	cancel context.CancelFunc
	// abandoned is set under Machine.mu when focus moves on or a newer op
	// replaces this one. Cancellation through ctx alone leaves it false.
	abandoned bool
}

type Machine struct {
	mode             Mode
	store            store.Store
	generator        Generator
	identity         identity.Provider
	followUps        *FollowUpCache
	sections         *sections.Catalog
	broker           *events.Broker
	now              func() time.Time
	debounce         time.Duration
	thinkingInterval time.Duration
	logger           *zap.Logger

	mu             sync.Mutex
	epoch          uint64
	contact        *store.Contact
	ops            map[opKind]*op
	snap           Snapshot
	seq            int64
	phase          int
	thinkingDone   chan struct{}
	lastRegenerate time.Time
	retry          func(context.Context) error
}

func New(opts Options) (*Machine, error) {
	if opts.Store == nil {
		return nil, errors.New("intel: store is required")
	}
	if opts.Generator == nil {
		return nil, errors.New("intel: generator is required")
	}
	if opts.Identity == nil {
		opts.Identity = identity.Context{}
	}
	if opts.FollowUps == nil {
		opts.FollowUps = NewFollowUpCache(DefaultFollowUpEntries)
	}
	if opts.Sections == nil {
		opts.Sections = sections.Builtin()
	}
	if opts.Broker == nil {
		opts.Broker = events.NewBroker()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.ThinkingInterval <= 0 {
		opts.ThinkingInterval = DefaultThinkingInterval
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Machine{
		mode:             opts.Mode,
		store:            opts.Store,
		generator:        opts.Generator,
		identity:         opts.Identity,
		followUps:        opts.FollowUps,
		sections:         opts.Sections,
		broker:           opts.Broker,
		now:              opts.Now,
		debounce:         opts.Debounce,
		thinkingInterval: opts.ThinkingInterval,
		logger:           opts.Logger,
		ops:              map[opKind]*op{},
		snap:             Snapshot{Mode: opts.Mode.String(), State: StateIdle},
	}, nil
}

func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap.clone()
}

// Subscribe streams snapshots published for contactID until ctx is done.
func (m *Machine) Subscribe(ctx context.Context, contactID string) <-chan events.Event {
	return m.broker.Subscribe(ctx, contactID)
}

// Focus switches the machine to contactID. In-flight work for the previous
// contact is cancelled and can no longer change state. The cached brief is
// loaded; in chat mode a missing brief is generated before Focus returns.
func (m *Machine) Focus(ctx context.Context, contactID string) error {
	m.mu.Lock()
	m.resetLocked()
	m.snap = Snapshot{ContactID: contactID, Mode: m.mode.String(), State: StateLoadingCachedBrief}
	o := m.beginLocked(ctx, opFocus)
	m.publishLocked(events.TypeState)
	m.mu.Unlock()
	defer m.finish(o)

	contact, err := m.store.GetContact(o.ctx, contactID)
	if err != nil {
		return m.end(o, err, func(ctx context.Context) error { return m.Focus(ctx, contactID) }, m.restLocked)
	}
	noWebsite := strings.TrimSpace(contact.Website) == ""
	if !m.apply(o, events.TypeState, func() {
		m.contact = contact
		if noWebsite {
			m.snap.State = StateIdle
			m.snap.NoWebsite = true
		}
	}) {
		return m.end(o, nil, nil, m.restLocked)
	}
	if noWebsite {
		return nil
	}

	record, err := m.store.GetIntel(o.ctx, contactID)
	if err != nil {
		if o.ctx.Err() != nil {
			return m.end(o, nil, nil, m.restLocked)
		}
		m.logger.Warn("load cached brief failed", zap.String("contact_id", contactID), zap.Error(err))
		record = nil
	}
	hit := record != nil && strings.TrimSpace(record.Brief) != ""
	if !m.apply(o, events.TypeState, func() {
		if !hit {
			m.snap.State = StateEmptyNoBrief
			return
		}
		m.snap.State = StateBriefReady
		m.snap.Brief = record.Brief
		m.snap.Sections = copySections(record.Sections)
		m.snap.Stale = store.IsStale(record, contact)
		if m.mode == ModeChat {
			m.snap.Messages = m.restoreConversation(contact, record.Brief)
			m.snap.HideFirstPrompt = true
		}
	}) {
		return m.end(o, nil, nil, m.restLocked)
	}
	if hit || m.mode == ModePanel {
		return nil
	}
	return m.generateBrief(ctx, o.epoch)
}

// Close drops the focused contact and cancels everything in flight.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetLocked()
	m.contact = nil
	m.snap = Snapshot{Mode: m.mode.String(), State: StateIdle}
}

// GenerateBrief generates and saves a brief for the focused contact. A brief
// generation or answer already in flight is cancelled first.
func (m *Machine) GenerateBrief(ctx context.Context) error {
	m.mu.Lock()
	epoch := m.epoch
	m.mu.Unlock()
	return m.generateBrief(ctx, epoch)
}

// Regenerate discards the current brief, its sections and follow-ups, and
// generates a fresh one. It is refused while anything is generating and
// when called again within the debounce window.
func (m *Machine) Regenerate(ctx context.Context) error {
	m.mu.Lock()
	contact, err := m.requireWebsiteLocked()
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if m.ops[opBrief] != nil || m.ops[opSection] != nil {
		m.mu.Unlock()
		return ErrBusy
	}
	now := m.now()
	if !m.lastRegenerate.IsZero() && now.Sub(m.lastRegenerate) < m.debounce {
		m.mu.Unlock()
		return ErrDebounced
	}
	m.lastRegenerate = now
	epoch := m.epoch
	m.retry = nil
	m.snap.State = StateGeneratingBrief
	m.snap.Brief = ""
	m.snap.Sections = map[string]store.Section{}
	m.snap.Messages = nil
	m.snap.HideFirstPrompt = false
	m.snap.Stale = false
	m.snap.Error = ""
	m.followUps.Delete(contact.ID)
	m.publishLocked(events.TypeState)
	m.mu.Unlock()

	if err := m.store.DeleteIntel(context.WithoutCancel(ctx), contact.ID); err != nil {
		m.logger.Warn("delete previous brief failed", zap.String("contact_id", contact.ID), zap.Error(err))
	}
	return m.generateBrief(ctx, epoch)
}

func (m *Machine) generateBrief(ctx context.Context, epoch uint64) error {
	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return context.Canceled
	}
	contact, err := m.requireWebsiteLocked()
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if m.ops[opSection] != nil {
		m.mu.Unlock()
		return ErrBusy
	}
	prompt := llm.Message{Role: llm.RoleUser, Content: brief.AnalysisPrompt(contact.Company, contact.Website)}
	o := m.beginLocked(ctx, opBrief)
	m.retry = nil
	m.snap.State = StateGeneratingBrief
	m.snap.Error = ""
	m.snap.Streaming = ""
	m.snap.SectionKey = ""
	if m.mode == ModeChat {
		m.snap.Messages = []llm.Message{prompt}
		m.snap.HideFirstPrompt = true
	}
	m.startThinkingLocked(o)
	m.publishLocked(events.TypeState)
	m.mu.Unlock()
	defer m.finish(o)

	text, err := m.produce(o, m.request(contact, []llm.Message{prompt}))
	if err != nil {
		return m.end(o, err, func(ctx context.Context) error { return m.generateBrief(ctx, epoch) }, m.restLocked)
	}
	if !m.apply(o, events.TypeState, func() {
		m.stopThinkingLocked()
		m.snap.State = StateBriefReady
		m.snap.Brief = text
		m.snap.Streaming = ""
		m.snap.Sections = map[string]store.Section{}
		m.snap.Stale = false
		if m.mode == ModeChat {
			m.snap.Messages = append(m.snap.Messages, llm.Message{Role: llm.RoleAssistant, Content: text})
		}
	}) {
		return m.end(o, nil, nil, m.restLocked)
	}
	m.saveBrief(o.ctx, contact, text)
	return nil
}

// Ask sends question with the whole conversation so far and appends the
// answer. Follow-ups live in the FollowUpCache, never in the store.
func (m *Machine) Ask(ctx context.Context, question string) error {
	question = strings.TrimSpace(question)
	if question == "" {
		return ErrEmptyQuestion
	}
	m.mu.Lock()
	if m.mode != ModeChat {
		m.mu.Unlock()
		return ErrUnsupported
	}
	if m.contact == nil {
		m.mu.Unlock()
		return ErrNoContact
	}
	if m.snap.Brief == "" {
		m.mu.Unlock()
		return ErrNoBrief
	}
	if m.ops[opBrief] != nil {
		m.mu.Unlock()
		return ErrBusy
	}
	m.snap.Messages = append(m.snap.Messages, llm.Message{Role: llm.RoleUser, Content: question})
	epoch := m.epoch
	m.mu.Unlock()
	return m.answer(ctx, epoch)
}

func (m *Machine) answer(ctx context.Context, epoch uint64) error {
	m.mu.Lock()
	if m.epoch != epoch || m.contact == nil {
		m.mu.Unlock()
		return context.Canceled
	}
	if m.ops[opBrief] != nil {
		m.mu.Unlock()
		return ErrBusy
	}
	contact := *m.contact
	o := m.beginLocked(ctx, opBrief)
	history := append([]llm.Message(nil), m.snap.Messages...)
	m.retry = nil
	m.snap.State = StateAnswering
	m.snap.Error = ""
	m.snap.Streaming = ""
	m.startThinkingLocked(o)
	m.publishLocked(events.TypeState)
	m.mu.Unlock()
	defer m.finish(o)

	text, err := m.produce(o, m.request(contact, history))
	if err != nil {
		return m.end(o, err, func(ctx context.Context) error { return m.answer(ctx, epoch) }, m.restAnswerLocked)
	}
	if !m.apply(o, events.TypeState, func() {
		m.stopThinkingLocked()
		m.snap.State = StateBriefReady
		m.snap.Streaming = ""
		m.snap.Messages = append(m.snap.Messages, llm.Message{Role: llm.RoleAssistant, Content: text})
		if len(m.snap.Messages) > 2 {
			m.followUps.Put(contact.ID, m.snap.Messages[2:])
		}
	}) {
		return m.end(o, nil, nil, m.restAnswerLocked)
	}
	return nil
}

// GenerateSection generates one catalog section from the brief and merges
// it into the stored record without touching other sections. Only one
// section or brief generates at a time.
func (m *Machine) GenerateSection(ctx context.Context, key string) error {
	m.mu.Lock()
	if m.mode != ModePanel {
		m.mu.Unlock()
		return ErrUnsupported
	}
	def, ok := m.sections.Lookup(key)
	if !ok {
		m.mu.Unlock()
		return ErrUnknownSection
	}
	contact, err := m.requireWebsiteLocked()
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if m.snap.Brief == "" {
		m.mu.Unlock()
		return ErrNoBrief
	}
	if m.ops[opBrief] != nil || m.ops[opSection] != nil {
		m.mu.Unlock()
		return ErrBusy
	}
	o := m.beginLocked(ctx, opSection)
	briefText := m.snap.Brief
	m.retry = nil
	m.snap.State = StateGeneratingSection
	m.snap.SectionKey = key
	m.snap.Error = ""
	m.publishLocked(events.TypeState)
	m.mu.Unlock()
	defer m.finish(o)

	messages := brief.SectionMessages(contact.Company, contact.Website, briefText, def.Prompt)
	content, err := m.generator.Generate(o.ctx, m.request(contact, messages))
	if err != nil {
		return m.end(o, err, func(ctx context.Context) error { return m.GenerateSection(ctx, key) }, m.restLocked)
	}
	section := store.Section{Content: content, GeneratedAt: m.now().UTC().Format(time.RFC3339Nano)}
	var record store.IntelRecord
	if !m.apply(o, events.TypeState, func() {
		if m.snap.Sections == nil {
			m.snap.Sections = map[string]store.Section{}
		}
		m.snap.Sections[key] = section
		m.snap.State = StateSectionReady
		record = store.IntelRecord{
			ContactID:   contact.ID,
			Brief:       m.snap.Brief,
			WebsiteUsed: contact.Website,
			Sections:    copySections(m.snap.Sections),
		}
	}) {
		return m.end(o, nil, nil, m.restLocked)
	}
	m.saveSection(o.ctx, key, section, record)
	return nil
}

// Retry repeats the operation that put the machine into StateError.
func (m *Machine) Retry(ctx context.Context) error {
	m.mu.Lock()
	retry := m.retry
	if m.snap.State != StateError || retry == nil {
		m.mu.Unlock()
		return ErrNothingToRetry
	}
	m.retry = nil
	m.mu.Unlock()
	return retry(ctx)
}

// produce runs one generation. In chat mode fragments are shown as they
// arrive and joined into a single answer once the stream is done.
func (m *Machine) produce(o *op, req brief.Request) (string, error) {
	if m.mode == ModePanel {
		return m.generator.Generate(o.ctx, req)
	}
	var (
		text   strings.Builder
		failed error
	)
	err := m.generator.Stream(o.ctx, req, func(event brief.Event) error {
		var applied bool
		switch event.Type {
		case brief.EventThinking:
			applied = m.apply(o, events.TypePhase, func() { m.startThinkingLocked(o) })
		case brief.EventText:
			text.WriteString(event.Text)
			partial := text.String()
			applied = m.apply(o, events.TypeFragment, func() {
				m.stopThinkingLocked()
				m.snap.Streaming = partial
			})
		case brief.EventError:
			failed = errors.New(event.Text)
			return nil
		default:
			return nil
		}
		if !applied {
			return context.Canceled
		}
		return nil
	})
	if err == nil {
		err = failed
	}
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text.String()) == "" {
		return brief.NoResponse, nil
	}
	return text.String(), nil
}

func (m *Machine) request(contact store.Contact, messages []llm.Message) brief.Request {
	return brief.Request{
		Website:     contact.Website,
		CompanyName: contact.Company,
		ContactName: contact.Name,
		ContactRole: contact.Role,
		Messages:    messages,
	}
}

// restoreConversation rebuilds the chat for a cached brief: the hidden
// analysis prompt, the brief, then any follow-ups from this session.
func (m *Machine) restoreConversation(contact *store.Contact, briefText string) []llm.Message {
	messages := []llm.Message{
		{Role: llm.RoleUser, Content: brief.AnalysisPrompt(contact.Company, contact.Website)},
		{Role: llm.RoleAssistant, Content: briefText},
	}
	if followUps, ok := m.followUps.Get(contact.ID); ok {
		messages = append(messages, followUps...)
	}
	return messages
}

// A committed brief is saved even if focus moves on. Failures leave the
// displayed brief in place; the next load regenerates it.
func (m *Machine) saveBrief(ctx context.Context, contact store.Contact, text string) {
	ctx = context.WithoutCancel(ctx)
	userID, _ := m.identity.CurrentUser(ctx)
	err := m.store.UpsertIntel(ctx, store.IntelRecord{
		ContactID:   contact.ID,
		UserID:      userID,
		Brief:       text,
		WebsiteUsed: contact.Website,
		Sections:    map[string]store.Section{},
		UpdatedAt:   m.now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		m.logger.Warn("save brief failed", zap.String("contact_id", contact.ID), zap.Error(err))
	}
}

func (m *Machine) saveSection(ctx context.Context, key string, section store.Section, record store.IntelRecord) {
	ctx = context.WithoutCancel(ctx)
	err := m.store.PutSection(ctx, record.ContactID, key, section)
	if errors.Is(err, store.ErrNotFound) {
		record.UserID, _ = m.identity.CurrentUser(ctx)
		record.UpdatedAt = m.now().UTC().Format(time.RFC3339Nano)
		err = m.store.UpsertIntel(ctx, record)
	}
	if err != nil {
		m.logger.Warn("save section failed",
			zap.String("contact_id", record.ContactID),
			zap.String("section", key),
			zap.Error(err),
		)
	}
}

func (m *Machine) requireWebsiteLocked() (store.Contact, error) {
	if m.contact == nil {
		return store.Contact{}, ErrNoContact
	}
	if strings.TrimSpace(m.contact.Website) == "" {
		return store.Contact{}, ErrNoWebsite
	}
	return *m.contact, nil
}

func (m *Machine) beginLocked(ctx context.Context, kind opKind) *op {
	if prev := m.ops[kind]; prev != nil {
		m.abandonLocked(prev)
	}
	opCtx, cancel := context.WithCancel(ctx)
	o := &op{kind: kind, epoch: m.epoch, ctx: opCtx, cancel: cancel}
	m.ops[kind] = o
	return o
}

func (m *Machine) abandonLocked(o *op) {
	o.abandoned = true
	o.cancel()
	if m.ops[o.kind] == o {
		delete(m.ops, o.kind)
	}
}

func (m *Machine) resetLocked() {
	m.epoch++
	for _, o := range m.ops {
		m.abandonLocked(o)
	}
	m.stopThinkingLocked()
	m.retry = nil
}

func (m *Machine) ownsLocked(o *op) bool {
	return !o.abandoned && o.epoch == m.epoch && m.ops[o.kind] == o
}

// apply runs fn and publishes the result only while o is live: not
// abandoned, not cancelled, and still the op of its kind for the focused
// contact.
func (m *Machine) apply(o *op, eventType string, fn func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.ownsLocked(o) || o.ctx.Err() != nil {
		return false
	}
	fn()
	m.publishLocked(eventType)
	return true
}

// end settles an op that stopped before committing. An abandoned op changes
// nothing. An op cancelled through its context returns to rest with no error
// state. Any other cause becomes StateError with retry armed.
func (m *Machine) end(o *op, cause error, retry func(context.Context) error, rest func()) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.ownsLocked(o) {
		return context.Canceled
	}
	m.stopThinkingLocked()
	m.snap.Streaming = ""
	if ctxErr := o.ctx.Err(); ctxErr != nil || cause == nil {
		rest()
		m.publishLocked(events.TypeState)
		if ctxErr == nil {
			ctxErr = context.Canceled
		}
		return ctxErr
	}
	m.snap.State = StateError
	m.snap.Error = cause.Error()
	m.retry = retry
	m.publishLocked(events.TypeState)
	return cause
}

func (m *Machine) finish(o *op) {
	m.mu.Lock()
	if m.ops[o.kind] == o {
		delete(m.ops, o.kind)
	}
	m.mu.Unlock()
	o.cancel()
}

func (m *Machine) restLocked() {
	m.stopThinkingLocked()
	m.snap.Streaming = ""
	m.snap.SectionKey = ""
	switch {
	case m.contact == nil:
		m.snap.State = StateIdle
	case m.snap.Brief != "":
		m.snap.State = StateBriefReady
	case strings.TrimSpace(m.contact.Website) == "":
		m.snap.State = StateIdle
	default:
		m.snap.State = StateEmptyNoBrief
		m.snap.Messages = nil
		m.snap.HideFirstPrompt = false
	}
}

// restAnswerLocked also drops the unanswered question.
func (m *Machine) restAnswerLocked() {
	if n := len(m.snap.Messages); n > 0 && m.snap.Messages[n-1].Role == llm.RoleUser {
		m.snap.Messages = m.snap.Messages[:n-1]
	}
	m.restLocked()
}

func (m *Machine) publishLocked(eventType string) {
	m.seq++
	m.broker.Publish(events.Event{
		ContactID: m.snap.ContactID,
		Seq:       m.seq,
		Type:      eventType,
		Ts:        m.now().UTC().Format(time.RFC3339Nano),
		Payload:   m.snap.clone(),
	})
}

func copySections(in map[string]store.Section) map[string]store.Section {
	out := make(map[string]store.Section, len(in))
	for key, section := range in {
		out[key] = section
	}
	return out
}
