// Package intel drives the company intel view for one focused contact: load
// the cached brief, generate or regenerate it, answer follow-up questions and
// generate derived sections. Every update that originates from a network
// call is applied only while the call still belongs to the focused contact.
package intel

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/anvil-online/crm-intel/internal/brief"
	"github.com/anvil-online/crm-intel/internal/events"
	"github.com/anvil-online/crm-intel/internal/identity"
	"github.com/anvil-online/crm-intel/internal/llm"
	"github.com/anvil-online/crm-intel/internal/sections"
	"github.com/anvil-online/crm-intel/internal/store"
)

// Mode selects the interactions a Machine offers.
type Mode int

const (
	// ModeChat generates the brief as soon as a contact without one is
	// focused, streams it, and accepts follow-up questions.
	ModeChat Mode = iota
	// ModePanel waits for an explicit GenerateBrief and offers the section
	// catalog instead of follow-ups.
	ModePanel
)

func (m Mode) String() string {
	if m == ModePanel {
		return "panel"
	}
	return "chat"
}

type State string

const (
	StateIdle               State = "idle"
	StateLoadingCachedBrief State = "loading_cached_brief"
	StateEmptyNoBrief       State = "empty_no_brief"
	StateGeneratingBrief    State = "generating_brief"
	StateAnswering          State = "answering"
	StateBriefReady         State = "brief_ready"
	StateGeneratingSection  State = "generating_section"
	StateSectionReady       State = "section_ready"
	StateError              State = "error"
)

var (
	ErrNoContact      = errors.New("intel: no contact focused")
	ErrNoWebsite      = errors.New("intel: contact has no website")
	ErrNoBrief        = errors.New("intel: no brief yet")
	ErrBusy           = errors.New("intel: generation already in progress")
	ErrDebounced      = errors.New("intel: regenerate requested too soon")
	ErrUnsupported    = errors.New("intel: not available in this mode")
	ErrUnknownSection = errors.New("intel: unknown section")
	ErrNothingToRetry = errors.New("intel: nothing to retry")
	ErrEmptyQuestion  = errors.New("intel: empty question")
)

const DefaultDebounce = 500 * time.Millisecond

// Generator produces answers over the company-chat protocol. Both the
// in-process brief.Service and the HTTP proxyclient.Client satisfy it.
type Generator interface {
	Generate(ctx context.Context, req brief.Request) (string, error)
	// Stream calls emit for each event. A failure after the first event is
	// delivered as an error event rather than a returned error.
	Stream(ctx context.Context, req brief.Request, emit func(brief.Event) error) error
}

type Options struct {
	Mode      Mode
	Store     store.Store
	Generator Generator
	Identity  identity.Provider
	FollowUps *FollowUpCache
	Sections  *sections.Catalog
	Broker    *events.Broker
	Now       func() time.Time
	// Debounce drops Regenerate calls arriving within this window of the
	// previous accepted one.
	Debounce         time.Duration
	ThinkingInterval time.Duration
	Logger           *zap.Logger
}

// Snapshot is a copy of the view state. Messages holds the chat
// conversation; when HideFirstPrompt is set its first entry is the synthetic
// analysis prompt and is not meant for display.
type Snapshot struct {
	ContactID       string                   `json:"contact_id"`
	Mode            string                   `json:"mode"`
	State           State                    `json:"state"`
	Brief           string                   `json:"brief,omitempty"`
	Messages        []llm.Message            `json:"messages,omitempty"`
	HideFirstPrompt bool                     `json:"hide_first_prompt,omitempty"`
	Streaming       string                   `json:"streaming,omitempty"`
	Sections        map[string]store.Section `json:"sections,omitempty"`
	SectionKey      string                   `json:"section_key,omitempty"`
	Phase           string                   `json:"phase,omitempty"`
	Stale           bool                     `json:"stale,omitempty"`
	NoWebsite       bool                     `json:"no_website,omitempty"`
	Error           string                   `json:"error,omitempty"`
}

func (s Snapshot) clone() Snapshot {
	out := s
	out.Messages = append([]llm.Message(nil), s.Messages...)
	if s.Sections != nil {
		out.Sections = make(map[string]store.Section, len(s.Sections))
		for key, section := range s.Sections {
			out.Sections[key] = section
		}
	}
	return out
}

// Generating reports whether a brief, answer or section is in flight.
func (s Snapshot) Generating() bool {
	switch s.State {
	case StateLoadingCachedBrief, StateGeneratingBrief, StateAnswering, StateGeneratingSection:
		return true
	}
	return false
}
