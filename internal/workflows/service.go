package workflows

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/anvil-online/crm-intel/internal/store"
)

const (
	DefaultTaskQueue        = "intel-refresh"
	DefaultSweepConcurrency = 4
)

type Service struct {
	client      client.Client
	store       store.Store
	taskQueue   string
	concurrency int
	logger      *zap.Logger
}

func NewService(c client.Client, st store.Store, taskQueue string, concurrency int, logger *zap.Logger) *Service {
	if taskQueue == "" {
		taskQueue = DefaultTaskQueue
	}
	if concurrency <= 0 {
		concurrency = DefaultSweepConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{client: c, store: st, taskQueue: taskQueue, concurrency: concurrency, logger: logger}
}

// StartRefresh starts a background refresh for contactID and returns the
// workflow id. A refresh already running for the contact is reused.
func (s *Service) StartRefresh(ctx context.Context, contactID, userID string) (string, error) {
	options := client.StartWorkflowOptions{
		ID:                       workflowID(contactID),
		TaskQueue:                s.taskQueue,
		WorkflowIDConflictPolicy: enumspb.WORKFLOW_ID_CONFLICT_POLICY_USE_EXISTING,
	}
	run, err := s.client.ExecuteWorkflow(ctx, options, RefreshIntelWorkflow, RefreshInput{ContactID: contactID, UserID: userID})
	if err != nil {
		return "", eris.Wrapf(err, "workflows: start refresh %s", contactID)
	}
	return run.GetID(), nil
}

// RefreshStale starts a refresh for every record whose website changed and
// returns how many were started. Starts run in parallel up to the configured
// concurrency; the first failure stops the sweep.
func (s *Service) RefreshStale(ctx context.Context, userID string) (int, error) {
	records, err := s.store.ListStaleIntel(ctx)
	if err != nil {
		return 0, err
	}
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.concurrency)
	for _, record := range records {
		contactID := record.ContactID
		group.Go(func() error {
			_, err := s.StartRefresh(groupCtx, contactID, userID)
			return err
		})
	}
	if err := group.Wait(); err != nil {
		s.logger.Warn("stale sweep stopped", zap.Int("stale", len(records)), zap.Error(err))
		return 0, err
	}
	s.logger.Info("stale sweep started refreshes", zap.Int("started", len(records)))
	return len(records), nil
}

func workflowID(contactID string) string {
	return fmt.Sprintf("intel-refresh:%s", contactID)
}
