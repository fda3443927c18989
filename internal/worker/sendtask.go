package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jwalitptl/mailgate/internal/config"
	"github.com/jwalitptl/mailgate/internal/model"
	"github.com/jwalitptl/mailgate/internal/repository"
	"github.com/jwalitptl/mailgate/internal/service/dispatch"
	"github.com/jwalitptl/mailgate/pkg/logger"
	"github.com/jwalitptl/mailgate/pkg/messaging"
	"github.com/jwalitptl/mailgate/pkg/metrics"
)

// SendTaskProcessor drains the deferred-send queue: it claims due tasks,
// decodes their payloads (attachments were base64-encoded for persistence)
// and sends through the provider. A task whose parameters are gone is
// consumed and skipped for good; other failures retry up to the configured
// ceiling, then park as failed for operator requeue.
type SendTaskProcessor struct {
	cfg     config.WorkerConfig
	tasks   repository.SendTaskRepository
	subs    repository.SubmissionRepository
	sender  dispatch.Sender
	broker  messaging.Broker
	logger  *logger.Logger
	metrics *metrics.Metrics
}

func NewSendTaskProcessor(
	cfg config.WorkerConfig,
	tasks repository.SendTaskRepository,
	subs repository.SubmissionRepository,
	sender dispatch.Sender,
	broker messaging.Broker,
	log *logger.Logger,
	m *metrics.Metrics,
) *SendTaskProcessor {
	return &SendTaskProcessor{
		cfg:     cfg,
		tasks:   tasks,
		subs:    subs,
		sender:  sender,
		broker:  broker,
		logger:  log,
		metrics: m,
	}
}

func (p *SendTaskProcessor) Start(ctx context.Context) {
	p.logger.Info("starting send task processor")

	var wake <-chan []byte
	if p.broker != nil {
		ch, err := p.broker.Subscribe(ctx, dispatch.WakeChannel)
		if err != nil {
			p.logger.Error(err, "failed to subscribe to wake channel, relying on polling only")
		} else {
			wake = ch
		}
	}

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("shutting down send task processor")
			return
		case <-ticker.C:
		case <-wake:
		}

		if err := p.processBatch(ctx); err != nil {
			p.logger.Error(err, "failed to process send tasks")
		}
	}
}

func (p *SendTaskProcessor) processBatch(ctx context.Context) error {
	tasks, err := p.tasks.GetDueWithLock(ctx, p.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to claim due tasks: %w", err)
	}

	for _, task := range tasks {
		if err := p.processTask(ctx, task); err != nil {
			p.logger.Error(err, "send task failed",
				"task_id", task.ID.String(),
				"retry_count", task.RetryCount)
		}
	}
	return nil
}

func (p *SendTaskProcessor) processTask(ctx context.Context, task *model.SendTask) error {
	var payload dispatch.TaskPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return p.consume(ctx, task, fmt.Errorf("payload is not decodable: %w", err))
	}
	if len(payload.Params) == 0 {
		return p.consume(ctx, task, fmt.Errorf("payload parameters are missing"))
	}

	attachments, err := payload.DecodeAttachments()
	if err != nil {
		return p.consume(ctx, task, err)
	}

	messageID, err := p.sender.Send(ctx, payload.Params, attachments)
	if err != nil {
		return p.fail(ctx, task, err)
	}

	if payload.SubmissionID != nil {
		if err := p.subs.SetMessageID(ctx, *payload.SubmissionID, messageID); err != nil {
			p.logger.Error(err, "failed to record submission message id",
				"submission_id", payload.SubmissionID.String())
		}
	}

	if err := p.tasks.UpdateStatus(ctx, task.ID, model.SendTaskProcessed, nil, nil); err != nil {
		return fmt.Errorf("failed to mark task processed: %w", err)
	}

	if p.metrics != nil {
		p.metrics.TasksProcessed.Inc()
	}
	p.logger.Info("deferred send completed",
		"task_id", task.ID.String(),
		"message_id", messageID)
	return nil
}

// consume parks a task whose payload can never send again. Requeueing it
// would fail identically forever, so it is skipped, not resurrected.
func (p *SendTaskProcessor) consume(ctx context.Context, task *model.SendTask, cause error) error {
	if p.metrics != nil {
		p.metrics.TasksSkipped.Inc()
	}
	msg := cause.Error()
	if err := p.tasks.UpdateStatus(ctx, task.ID, model.SendTaskConsumed, &msg, nil); err != nil {
		return fmt.Errorf("failed to mark task consumed: %w", err)
	}
	return cause
}

// fail schedules a retry while attempts remain, then parks the task as
// failed with its payload intact for operator-triggered requeue.
func (p *SendTaskProcessor) fail(ctx context.Context, task *model.SendTask, cause error) error {
	msg := cause.Error()

	if task.RetryCount < p.cfg.MaxRetries {
		retryAt := time.Now().Add(p.cfg.RetryDelay * time.Duration(task.RetryCount+1))
		if err := p.tasks.UpdateStatus(ctx, task.ID, model.SendTaskPending, &msg, &retryAt); err != nil {
			return fmt.Errorf("failed to schedule task retry: %w", err)
		}
		return cause
	}

	if p.metrics != nil {
		p.metrics.TasksFailed.Inc()
	}
	if err := p.tasks.UpdateStatus(ctx, task.ID, model.SendTaskFailed, &msg, nil); err != nil {
		return fmt.Errorf("failed to mark task failed: %w", err)
	}
	return cause
}
