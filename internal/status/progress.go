package status

import (
	"fmt"
	"math"

	"github.com/iac-studio/deployengine/internal/models"
)

// ResourceState is the per-resource lifecycle shown in the status view.
type ResourceState string

const (
	ResourcePending   ResourceState = "pending"
	ResourcePlanned   ResourceState = "planned"
	ResourceCompleted ResourceState = "completed"
	ResourceFailed    ResourceState = "failed"
)

// Resource is one entry of the status document.
type Resource struct {
	Type     string        `json:"type"`
	Name     string        `json:"name"`
	FullName string        `json:"full_name"`
	Status   ResourceState `json:"status"`
	Message  string        `json:"message,omitempty"`
}

type counts struct {
	total, planned, completed, failed int
}

func tally(rs []Resource) counts {
	c := counts{total: len(rs)}
	for _, r := range rs {
		switch r.Status {
		case ResourcePlanned:
			c.planned++
		case ResourceCompleted:
			c.completed++
		case ResourceFailed:
			c.failed++
		}
	}
	return c
}

// Progress weights finished resources at 100 and planned ones at 40.
func Progress(rs []Resource, st models.Status) int {
	c := tally(rs)
	if c.total == 0 {
		if st == models.StatusCompleted {
			return 100
		}
		return 0
	}
	raw := float64((c.completed+c.failed)*100+c.planned*40) / float64(c.total)
	return min(100, int(math.Round(raw)))
}

// Message is the human-readable line for a progress value.
func Message(progress int, rs []Resource) string {
	c := tally(rs)
	switch {
	case progress <= 0:
		return "Initializing deployment"
	case progress < 40:
		return fmt.Sprintf("Planning resources (%d/%d planned)", c.planned, c.total)
	case progress < 80:
		return fmt.Sprintf("Deploying resources (%d/%d completed)", c.completed, c.total)
	case progress < 100:
		return fmt.Sprintf("Almost done (%d/%d completed)", c.completed, c.total)
	case c.failed == 0:
		return fmt.Sprintf("All %d resources deployed", c.total)
	default:
		return fmt.Sprintf("Finished: %d completed, %d failed", c.completed, c.failed)
	}
}
