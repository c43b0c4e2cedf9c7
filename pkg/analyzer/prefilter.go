package analyzer

import (
	"fmt"

	"github.com/lisanmuaddib/insights-go/pkg/db/models"
)

// PreFilter is the cheap heuristic gate in front of LLM spend: threads that
// are too short to carry signal are skipped with a recorded reason.
type PreFilter struct {
	MinMessages   int
	MinTotalChars int
}

// Check returns ("", true) when the thread should proceed to analysis, or a
// skip reason and false.
func (f PreFilter) Check(tweets []models.Tweet) (string, bool) {
	if len(tweets) < f.MinMessages {
		return fmt.Sprintf("message_count_%d_lt_%d", len(tweets), f.MinMessages), false
	}
	totalChars := 0
	for _, t := range tweets {
		totalChars += len(t.Text)
	}
	if totalChars < f.MinTotalChars {
		return fmt.Sprintf("total_chars_%d_lt_%d", totalChars, f.MinTotalChars), false
	}
	return "", true
}
