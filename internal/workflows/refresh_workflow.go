package workflows

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

const RefreshActivityName = "RefreshIntel"

const (
	StatusRefreshed = "refreshed"
	StatusSkipped   = "skipped"
	StatusFailed    = "failed"
)

type RefreshInput struct {
	ContactID string
	UserID    string
}

type RefreshResult struct {
	ContactID string `json:"contact_id"`
	Status    string `json:"status"`
	Chars     int    `json:"chars"`
}

// RefreshIntelWorkflow regenerates one contact's brief in the background.
func RefreshIntelWorkflow(ctx workflow.Context, input RefreshInput) (RefreshResult, error) {
	activityOptions := workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval: 5 * time.Second,
			MaximumAttempts: 3,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, activityOptions)
	logger := workflow.GetLogger(ctx)

	var result RefreshResult
	if err := workflow.ExecuteActivity(ctx, RefreshActivityName, input).Get(ctx, &result); err != nil {
		logger.Error("refresh activity failed", "contact_id", input.ContactID, "error", err)
		return RefreshResult{ContactID: input.ContactID, Status: StatusFailed}, err
	}
	logger.Info("intel refreshed", "contact_id", input.ContactID, "status", result.Status)
	return result, nil
}
