package jobs

import (
	"context"
	"log/slog"
)

// PayoutStatusJob polls settlements the webhooks have not advanced yet.
type PayoutStatusJob struct {
	settlement PendingRefresher
	batchSize  int
	logger     *slog.Logger
}

func NewPayoutStatusJob(settlement PendingRefresher, batchSize int, logger *slog.Logger) *PayoutStatusJob {
	if logger == nil {
		logger = slog.Default()
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &PayoutStatusJob{settlement: settlement, batchSize: batchSize, logger: logger.With("component", "payout_status_job")}
}

func (j *PayoutStatusJob) Run(ctx context.Context) int {
	n, err := j.settlement.RefreshPending(ctx, j.batchSize)
	if err != nil {
		j.logger.Error("payout status refresh failed", "refreshed", n, "error", err)
		return n
	}
	if n > 0 {
		j.logger.Info("payout statuses refreshed", "count", n)
	}
	return n
}
