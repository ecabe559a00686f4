package delivery

import (
	"time"

	"chatflow/internal/jobs"

	"github.com/hibiken/asynq"
)

// AsynqJobClient implements JobClient using asynq
type AsynqJobClient struct {
	client *asynq.Client
}

func NewAsynqJobClient(client *asynq.Client) *AsynqJobClient {
	return &AsynqJobClient{client: client}
}

func (c *AsynqJobClient) ScheduleDeliveryRetry(attemptID string, at time.Time) error {
	return jobs.ScheduleDeliveryRetry(c.client, attemptID, at)
}
