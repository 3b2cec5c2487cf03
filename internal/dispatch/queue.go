package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "AgentMesh-Chain/internal/errors"
	"AgentMesh-Chain/internal/observability/alerting"
	"AgentMesh-Chain/pkg/logger"
)

const (
	completedCapacity = 256
	sweepInterval     = 5 * time.Second
)

// DeadLetterSink 在任务进入死信时接收一份拷贝，用于离线排查。
type DeadLetterSink interface {
	Publish(ctx context.Context, job *Job) error
	Close() error
}

// runningRecord 记录一次在途尝试的归属与起始时间。
type runningRecord struct {
	job       *Job
	nodeID    string
	startedAt time.Time
}

// Queue 维护待派发任务的 FIFO、在途表、有界完成表与死信列表。
// 不变式：任意时刻一个 runId 至多出现在其中一个结构里。
type Queue struct {
	mu         sync.Mutex
	pending    []*Job
	running    map[string]*runningRecord
	completed  map[string]*Job
	completedQ []string
	deadLetter []*Job

	sink    DeadLetterSink
	alerter alerting.Dispatcher
	log     *slog.Logger
}

// QueueOption 定义可选配置。
type QueueOption func(*Queue)

// WithDeadLetterSink 配置死信投递目标。
func WithDeadLetterSink(sink DeadLetterSink) QueueOption {
	return func(q *Queue) {
		q.sink = sink
	}
}

// WithQueueAlerter 配置死信告警派发器。
func WithQueueAlerter(alerter alerting.Dispatcher) QueueOption {
	return func(q *Queue) {
		q.alerter = alerter
	}
}

// NewQueue 创建任务队列。
func NewQueue(opts ...QueueOption) *Queue {
	q := &Queue{
		running:   make(map[string]*runningRecord),
		completed: make(map[string]*Job),
		log:       logger.Named("queue"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	return q
}

// Enqueue 将任务追加到待派发队列尾部。
func (q *Queue) Enqueue(job *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job.Status = JobPending
	q.pending = append(q.pending, job)
}

// Dequeue 按 FIFO 顺序返回第一个能力要求被满足的任务；没有则返回 nil。
func (q *Queue) Dequeue(capabilities []string) *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, job := range q.pending {
		if capabilitiesSatisfy(job.RequiredCapabilities, capabilities) {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return job
		}
	}
	return nil
}

// Claim 取出指定 jobId 的待派发任务；能力不满足或任务不在队列时返回 nil。
func (q *Queue) Claim(jobID string, capabilities []string) *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, job := range q.pending {
		if job.JobID != jobID {
			continue
		}
		if !capabilitiesSatisfy(job.RequiredCapabilities, capabilities) {
			return nil
		}
		q.pending = append(q.pending[:i], q.pending[i+1:]...)
		return job
	}
	return nil
}

// Abandon 将任务从待派发队列移除（如调用方放弃等待）。
func (q *Queue) Abandon(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, job := range q.pending {
		if job.JobID == jobID {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return true
		}
	}
	return false
}

// MarkRunning 将任务转入在途表，并为本次尝试刷新 runId。
func (q *Queue) MarkRunning(job *Job, nodeID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job.RunID = uuid.NewString()
	job.Status = JobRunning
	q.running[job.RunID] = &runningRecord{job: job, nodeID: nodeID, startedAt: time.Now()}
}

// MarkComplete 将在途任务转入完成表。未知 runId 返回 false。
func (q *Queue) MarkComplete(runID string, success bool, errMessage string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	record, ok := q.running[runID]
	if !ok {
		return false
	}
	delete(q.running, runID)

	job := record.job
	if success {
		job.Status = JobSuccess
		job.LastError = ""
	} else {
		job.Status = JobFailed
		job.LastError = errMessage
	}
	q.completed[runID] = job
	q.completedQ = append(q.completedQ, runID)
	for len(q.completedQ) > completedCapacity {
		oldest := q.completedQ[0]
		q.completedQ = q.completedQ[1:]
		delete(q.completed, oldest)
	}
	return true
}

// MarkTimeout 处理一次在途尝试超时：未耗尽重试时任务回到队尾，
// 否则转入死信。返回死信任务（若发生）与是否命中在途记录。
func (q *Queue) MarkTimeout(runID string) (dead *Job, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.markTimeoutLocked(runID)
}

func (q *Queue) markTimeoutLocked(runID string) (*Job, bool) {
	record, ok := q.running[runID]
	if !ok {
		// 任务已被结果或并发扫描移走，超时是无害的空操作。
		return nil, false
	}
	delete(q.running, runID)

	job := record.job
	job.RetryCount++
	if job.RetryCount >= job.MaxRetries {
		job.Status = JobDead
		job.LastError = fmt.Sprintf("Exceeded max retries (%d)", job.MaxRetries)
		q.deadLetter = append(q.deadLetter, job)
		return job, true
	}
	job.Status = JobPending
	job.LastError = "attempt timed out"
	q.pending = append(q.pending, job)
	return nil, true
}

// SweepTimeouts 扫描在途表，对超过时限的尝试执行 MarkTimeout。
// 返回本轮进入死信的任务。
func (q *Queue) SweepTimeouts() []*Job {
	now := time.Now()

	q.mu.Lock()
	var expired []string
	for runID, record := range q.running {
		if now.Sub(record.startedAt) > record.job.Timeout() {
			expired = append(expired, runID)
		}
	}
	var dead []*Job
	for _, runID := range expired {
		if job, _ := q.markTimeoutLocked(runID); job != nil {
			dead = append(dead, job)
		}
	}
	q.mu.Unlock()

	q.publishDead(dead)
	return dead
}

// Run 周期性执行超时扫描，直到上下文取消。
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.SweepTimeouts()
		}
	}
}

// NotifyDead 将死信任务投递到外部 sink（若已配置）。
func (q *Queue) NotifyDead(job *Job) {
	if job != nil {
		q.publishDead([]*Job{job})
	}
}

func (q *Queue) publishDead(dead []*Job) {
	for _, job := range dead {
		logger.Audit().Warn("任务进入死信",
			slog.String("job_id", job.JobID),
			slog.String("agent_id", job.AgentID),
			slog.Int("retries", job.RetryCount),
			slog.String("error", job.LastError),
		)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if q.alerter != nil {
			event := alerting.NewEvent(xerrors.CodeDeadLetter, nil)
			event.JobID = job.JobID
			event.Message = job.LastError
			if err := q.alerter.Notify(ctx, event); err != nil {
				q.log.Warn("死信告警通知失败", slog.Any("error", err))
			}
		}
		if q.sink != nil {
			if err := q.sink.Publish(ctx, cloneJob(job)); err != nil {
				q.log.Error("投递死信任务失败", slog.Any("error", err), slog.String("job_id", job.JobID))
			}
		}
		cancel()
	}
}

// QueueStats 汇总队列各结构的规模。
type QueueStats struct {
	Pending    int `json:"pending"`
	Running    int `json:"running"`
	Completed  int `json:"completed"`
	DeadLetter int `json:"deadLetter"`
}

// Stats 返回队列规模快照。
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	return QueueStats{
		Pending:    len(q.pending),
		Running:    len(q.running),
		Completed:  len(q.completed),
		DeadLetter: len(q.deadLetter),
	}
}

// DeadLetters 返回死信列表的快照。
func (q *Queue) DeadLetters() []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	results := make([]*Job, 0, len(q.deadLetter))
	for _, job := range q.deadLetter {
		results = append(results, cloneJob(job))
	}
	return results
}
