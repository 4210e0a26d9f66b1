package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/mtzanidakis/archon/internal/state"
)

// NewEcho builds a placeholder agent from a descriptor. It answers
// every task with a stamped echo of the content and scores its
// confidence by capability tag matches against the task text. Useful
// as a stand-in until a real adapter backs the descriptor, and in
// tests.
func NewEcho(desc Descriptor) Agent {
	return &Func{
		Desc: desc,
		Run: func(_ context.Context, task Task, _ state.Snapshot) (Result, error) {
			return Result{
				Status:    StatusSuccess,
				OutputKey: desc.Name + "_output",
				Payload:   fmt.Sprintf("[%s] %s", desc.Name, task.Content),
				Writes: map[string]any{
					desc.Name + "_output": fmt.Sprintf("[%s] %s", desc.Name, task.Content),
				},
			}, nil
		},
		Confidence: func(task Task) float64 {
			content := strings.ToLower(task.Content)
			matches := 0
			for _, tag := range desc.CapabilityTags {
				if strings.Contains(content, strings.ToLower(tag)) {
					matches++
				}
			}
			switch {
			case matches >= 2:
				return 0.9
			case matches == 1:
				return 0.7
			default:
				return 0.3
			}
		},
	}
}
