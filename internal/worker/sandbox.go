package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Sandbox 在本机以子进程方式执行脚本，捕获标准输出作为结果。
// 标准输出若是 {"output":..., "memory":...} 形式的 JSON，则拆出
// 输出与记忆两部分；否则整段输出作为结果原样返回。
type Sandbox struct {
	interpreter string
	workDir     string
}

// SandboxResult 是一次脚本执行的产出。
type SandboxResult struct {
	Output json.RawMessage
	Memory json.RawMessage
	Logs   []string
}

// NewSandbox 创建脚本执行环境。
func NewSandbox(interpreter, workDir string) *Sandbox {
	if interpreter == "" {
		interpreter = "python3"
	}
	return &Sandbox{interpreter: interpreter, workDir: workDir}
}

// Run 执行一段脚本：input 与 context 以 JSON 形式写入标准输入。
func (s *Sandbox) Run(ctx context.Context, script string, input, jobContext json.RawMessage) (*SandboxResult, error) {
	if strings.TrimSpace(script) == "" {
		return nil, fmt.Errorf("脚本内容为空")
	}

	scriptFile, err := os.CreateTemp(s.workDir, "job-*.script")
	if err != nil {
		return nil, fmt.Errorf("创建脚本文件失败: %w", err)
	}
	defer os.Remove(scriptFile.Name())

	if _, err := scriptFile.WriteString(script); err != nil {
		scriptFile.Close()
		return nil, fmt.Errorf("写入脚本失败: %w", err)
	}
	if err := scriptFile.Close(); err != nil {
		return nil, fmt.Errorf("关闭脚本文件失败: %w", err)
	}

	payload, err := json.Marshal(map[string]json.RawMessage{
		"input":   normalizeRaw(input),
		"context": normalizeRaw(jobContext),
	})
	if err != nil {
		return nil, fmt.Errorf("序列化脚本输入失败: %w", err)
	}

	command := exec.CommandContext(ctx, s.interpreter, scriptFile.Name())
	if s.workDir != "" {
		command.Dir = s.workDir
	}
	command.Stdin = bytes.NewReader(payload)

	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	runErr := command.Run()
	result := &SandboxResult{Logs: splitLogs(stderr.String())}
	if runErr != nil {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		return result, fmt.Errorf("执行脚本失败: %v, stderr=%s", runErr, strings.TrimSpace(stderr.String()))
	}

	raw := bytes.TrimSpace(stdout.Bytes())
	var structured struct {
		Output json.RawMessage `json:"output"`
		Memory json.RawMessage `json:"memory"`
	}
	if json.Unmarshal(raw, &structured) == nil && len(structured.Output) > 0 {
		result.Output = structured.Output
		result.Memory = structured.Memory
		return result, nil
	}

	if json.Valid(raw) {
		result.Output = json.RawMessage(raw)
	} else {
		encoded, _ := json.Marshal(string(raw))
		result.Output = encoded
	}
	return result, nil
}

func normalizeRaw(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}

func splitLogs(stderr string) []string {
	stderr = strings.TrimSpace(stderr)
	if stderr == "" {
		return nil
	}
	return strings.Split(stderr, "\n")
}

// ResolveWorkDir 返回可用的工作目录，必要时退回系统临时目录。
func ResolveWorkDir(dir string) string {
	if dir == "" {
		return ""
	}
	if !filepath.IsAbs(dir) {
		if abs, err := filepath.Abs(dir); err == nil {
			dir = abs
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ""
	}
	return dir
}
