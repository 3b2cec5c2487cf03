package dispatch

import (
	"context"
	"encoding/json"
	"time"

	xerrors "AgentMesh-Chain/internal/errors"
	"AgentMesh-Chain/internal/node"
)

// Runner 将队列与派发器组合成带重试语义的执行入口：
// 派发器只负责单次在途尝试，重试与死信由队列裁决。
type Runner struct {
	queue      *Queue
	dispatcher *Dispatcher
	registry   *node.Registry
}

// NewRunner 构造执行入口。
func NewRunner(queue *Queue, dispatcher *Dispatcher, registry *node.Registry) *Runner {
	return &Runner{queue: queue, dispatcher: dispatcher, registry: registry}
}

// Execute 入队一个任务并驱动其尝试直到终态：
// 成功或失败结果直接返回；超时按队列的重试预算重新派发，
// 预算耗尽后任务进入死信并向调用方返回 DEAD_LETTER。
func (r *Runner) Execute(ctx context.Context, input json.RawMessage, agentID string, timeout time.Duration) (*DispatchResult, error) {
	job := NewJob(input, agentID, timeout)
	r.queue.Enqueue(job)

	for {
		record, ok := r.pickNode(job.AgentID)
		if !ok {
			r.queue.Abandon(job.JobID)
			return nil, xerrors.New(xerrors.CodeNoIdleNode, "No idle nodes available")
		}

		claimed := r.queue.Claim(job.JobID, record.Capabilities)
		if claimed == nil {
			// 任务可能已被并发扫描移走，或节点能力不满足要求。
			if r.queue.Abandon(job.JobID) {
				return nil, xerrors.New(xerrors.CodeCapabilityMismatch,
					"no node satisfies the required capabilities")
			}
			return nil, xerrors.New(xerrors.CodeConflict, "任务已离开待派发队列")
		}
		r.queue.MarkRunning(job, record.ID)

		result, err := r.dispatcher.attemptOn(ctx, record, job)
		switch {
		case err == nil:
			r.queue.MarkComplete(job.RunID, result.Success, result.Error)
			return result, nil
		case xerrors.CodeOf(err) == xerrors.CodeJobTimeout:
			dead, _ := r.queue.MarkTimeout(job.RunID)
			if dead != nil {
				r.queue.NotifyDead(dead)
				return nil, xerrors.New(xerrors.CodeDeadLetter, dead.LastError,
					xerrors.WithMetadata("job_id", dead.JobID))
			}
			// 队列已把任务放回队尾，继续下一次尝试。
		default:
			r.queue.MarkComplete(job.RunID, false, err.Error())
			return nil, err
		}

		select {
		case <-ctx.Done():
			r.queue.Abandon(job.JobID)
			return nil, ctx.Err()
		default:
		}
	}
}

func (r *Runner) pickNode(agentID string) (node.Record, bool) {
	if agentID != "" {
		if record, ok := r.registry.IdleNodeForAgent(agentID); ok {
			return record, true
		}
	}
	idle := r.registry.IdleNodes()
	if len(idle) == 0 {
		return node.Record{}, false
	}
	return idle[0], true
}
