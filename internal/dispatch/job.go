package dispatch

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobStatus 表示任务在生命周期中的状态。
type JobStatus string

const (
	JobPending JobStatus = "PENDING"
	JobRunning JobStatus = "RUNNING"
	JobSuccess JobStatus = "SUCCESS"
	JobFailed  JobStatus = "FAILED"
	JobTimeout JobStatus = "TIMEOUT"
	JobDead    JobStatus = "DEAD"
)

// defaultMaxRetries 是任务进入死信前允许的最大尝试次数。
const defaultMaxRetries = 3

// Job 描述一次排队派发的工作项。jobId 在重试间保持不变，
// runId 标识单次在途尝试，每次派发前刷新。
type Job struct {
	JobID                string          `json:"jobId"`
	RunID                string          `json:"runId"`
	AgentID              string          `json:"agentId,omitempty"`
	Input                json.RawMessage `json:"input"`
	RequiredCapabilities []string        `json:"requiredCapabilities,omitempty"`
	TimeoutMs            int64           `json:"timeoutMs"`
	RetryCount           int             `json:"retryCount"`
	MaxRetries           int             `json:"maxRetries"`
	Status               JobStatus       `json:"status"`
	LastError            string          `json:"lastError,omitempty"`
	CreatedAt            time.Time       `json:"createdAt"`
}

// NewJob 构造一个待入队的任务。
func NewJob(input json.RawMessage, agentID string, timeout time.Duration) *Job {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Job{
		JobID:      uuid.NewString(),
		RunID:      uuid.NewString(),
		AgentID:    agentID,
		Input:      input,
		TimeoutMs:  timeout.Milliseconds(),
		MaxRetries: defaultMaxRetries,
		Status:     JobPending,
		CreatedAt:  time.Now(),
	}
}

// Timeout 返回任务的单次尝试时限。
func (j *Job) Timeout() time.Duration {
	return time.Duration(j.TimeoutMs) * time.Millisecond
}

// capabilitiesSatisfy 判断节点能力是否覆盖任务要求。
func capabilitiesSatisfy(required, offered []string) bool {
	for _, want := range required {
		found := false
		for _, have := range offered {
			if want == have {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func cloneJob(job *Job) *Job {
	clone := *job
	clone.Input = append(json.RawMessage(nil), job.Input...)
	clone.RequiredCapabilities = append([]string(nil), job.RequiredCapabilities...)
	return &clone
}
