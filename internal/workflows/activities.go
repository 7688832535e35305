package workflows

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/temporal"
	"go.uber.org/zap"

	"github.com/anvil-online/crm-intel/internal/brief"
	"github.com/anvil-online/crm-intel/internal/llm"
	"github.com/anvil-online/crm-intel/internal/store"
)

type Generator interface {
	Generate(ctx context.Context, req brief.Request) (string, error)
}

type RefreshActivities struct {
	store     store.Store
	generator Generator
	now       func() time.Time
	logger    *zap.Logger
}

func NewRefreshActivities(st store.Store, generator Generator, logger *zap.Logger) *RefreshActivities {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RefreshActivities{store: st, generator: generator, now: time.Now, logger: logger}
}

// RefreshIntel generates a fresh brief for the contact's current website and
// replaces the stored record, sections included. Missing contacts and
// missing provider credentials fail without retry.
func (a *RefreshActivities) RefreshIntel(ctx context.Context, input RefreshInput) (RefreshResult, error) {
	contact, err := a.store.GetContact(ctx, input.ContactID)
	if errors.Is(err, store.ErrNotFound) {
		return RefreshResult{}, temporal.NewNonRetryableApplicationError("contact not found", "ContactNotFound", err)
	}
	if err != nil {
		return RefreshResult{}, eris.Wrapf(err, "refresh: load contact %s", input.ContactID)
	}
	if strings.TrimSpace(contact.Website) == "" {
		a.logger.Info("refresh skipped, contact has no website", zap.String("contact_id", contact.ID))
		return RefreshResult{ContactID: contact.ID, Status: StatusSkipped}, nil
	}

	text, err := a.generator.Generate(ctx, brief.Request{
		Website:     contact.Website,
		CompanyName: contact.Company,
		ContactName: contact.Name,
		ContactRole: contact.Role,
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: brief.AnalysisPrompt(contact.Company, contact.Website)},
		},
	})
	if err != nil {
		var missing llm.ErrMissingCredential
		if errors.As(err, &missing) {
			return RefreshResult{}, temporal.NewNonRetryableApplicationError(err.Error(), "MissingCredential", err)
		}
		return RefreshResult{}, eris.Wrapf(err, "refresh: generate brief %s", contact.ID)
	}

	err = a.store.UpsertIntel(ctx, store.IntelRecord{
		ContactID:   contact.ID,
		UserID:      input.UserID,
		Brief:       text,
		WebsiteUsed: contact.Website,
		Sections:    map[string]store.Section{},
		UpdatedAt:   a.now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return RefreshResult{}, eris.Wrapf(err, "refresh: save brief %s", contact.ID)
	}
	a.logger.Info("brief refreshed", zap.String("contact_id", contact.ID), zap.Int("chars", len(text)))
	return RefreshResult{ContactID: contact.ID, Status: StatusRefreshed, Chars: len(text)}, nil
}
