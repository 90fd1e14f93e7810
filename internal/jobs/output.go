package jobs

import (
	"encoding/json"
	"fmt"
)

// JobOutput is recorded once a job is terminal. Error is only set for failed
// jobs.
type JobOutput struct {
	Results []IterationOutput `json:"results,omitempty"`
	Error   string            `json:"error,omitempty"`
}

type IterationOutput struct {
	ExitCode int               `json:"exit_code"`
	Stdout   *string           `json:"stdout,omitempty"`
	Stderr   *string           `json:"stderr,omitempty"`
	Output   map[string]string `json:"output,omitempty"`

	// Truncated names the streams ("stdout", "stderr") and output files that
	// hit the capture limit.
	Truncated []string `json:"truncated,omitempty"`
}

func MarshalOutput(out JobOutput) ([]byte, error) {
	b, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshal job output: %w", err)
	}
	return b, nil
}

func UnmarshalOutput(raw []byte) (JobOutput, error) {
	var out JobOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return JobOutput{}, fmt.Errorf("parse job output: %w", err)
	}
	return out, nil
}
