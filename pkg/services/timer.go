package services

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/procflow/procflow/pkg/models"
)

// CheckDueTimers scans running instances for timer transitions whose cron
// schedule came due since the last check and fires them under the system
// identity. It returns how many transitions fired.
func (s *InstanceRuntime) CheckDueTimers(ctx context.Context, tenant string, now time.Time) (int, error) {
	instances, err := s.persistence.Instances().ListRunning(ctx, tenant)
	if err != nil {
		return 0, err
	}

	fired := 0

	for _, inst := range instances {
		n, err := s.checkInstanceTimers(ctx, inst, now)
		if err != nil {
			s.logger.WarnContext(ctx, "timer check failed",
				"instance_id", inst.ID, "error", err)

			continue
		}

		fired += n
	}

	return fired, nil
}

func (s *InstanceRuntime) checkInstanceTimers(ctx context.Context, inst *models.Instance, now time.Time) (int, error) {
	transitions, err := s.persistence.Transitions().ListByVersion(ctx, inst.VersionID)
	if err != nil {
		return 0, err
	}

	since := inst.CreatedAt
	if inst.LastTimerCheck != nil {
		since = *inst.LastTimerCheck
	}

	sysCtx := models.SystemContext()
	fired := 0

	for _, transition := range transitions {
		if transition.TransferByTimer == "" || transition.FromStateID != inst.CurrentStateID {
			continue
		}

		schedule, err := cron.ParseStandard(transition.TransferByTimer)
		if err != nil {
			s.logger.WarnContext(ctx, "unparseable timer expression",
				"transition_id", transition.ID, "expr", transition.TransferByTimer, "error", err)

			continue
		}

		if schedule.Next(since).After(now) {
			continue
		}

		if !guardSatisfied(transition, inst, sysCtx, nil) {
			continue
		}

		if err := s.transfer(ctx, inst, transition, nil, "", sysCtx, make(map[string]bool)); err != nil {
			return fired, err
		}

		fired++

		if inst.Finished() {
			return fired, nil
		}
	}

	checked := now
	inst.LastTimerCheck = &checked

	if err := s.updateInstance(ctx, inst); err != nil {
		return fired, err
	}

	return fired, nil
}
