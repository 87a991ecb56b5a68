package telemetry

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// EventLogs bundles the two append-only JSON-lines sinks the external
// interface requires: one for task lifecycle events, one for governance
// sample/summary records.
type EventLogs struct {
	Agent    *slog.Logger
	Metrics  *slog.Logger
	agentF   *os.File
	metricsF *os.File
}

// OpenEventLogs creates (or appends to) agent.jsonl and metrics.jsonl under
// dir, each as its own JSON-handler slog.Logger so task and governance
// events never interleave with the process-wide text/JSON log.
func OpenEventLogs(dir string) (*EventLogs, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create event log dir %s: %w", dir, err)
	}
	agentF, err := openAppend(filepath.Join(dir, "agent.jsonl"))
	if err != nil {
		return nil, err
	}
	metricsF, err := openAppend(filepath.Join(dir, "metrics.jsonl"))
	if err != nil {
		agentF.Close()
		return nil, err
	}
	return &EventLogs{
		Agent:    slog.New(slog.NewJSONHandler(agentF, &slog.HandlerOptions{Level: slog.LevelInfo})),
		Metrics:  slog.New(slog.NewJSONHandler(metricsF, &slog.HandlerOptions{Level: slog.LevelInfo})),
		agentF:   agentF,
		metricsF: metricsF,
	}, nil
}

func openAppend(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return f, nil
}

// Close flushes and closes both underlying files.
func (e *EventLogs) Close() error {
	err1 := e.agentF.Close()
	err2 := e.metricsF.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// TailLines reads up to n trailing lines of metrics.jsonl, used to populate
// an escalation payload's last_N_log_lines field.
func (e *EventLogs) TailLines(n int) ([]string, error) {
	return tailLines(e.metricsF.Name(), n)
}

func tailLines(path string, n int) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	lines := splitNonEmptyLines(string(data))
	if len(lines) <= n {
		return lines, nil
	}
	return lines[len(lines)-n:], nil
}

func splitNonEmptyLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}
