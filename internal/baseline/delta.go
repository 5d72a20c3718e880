// Package baseline diffs a window's output against the previous
// window's snapshot for topic continuity.
package baseline

import (
	"sort"
	"strings"

	"github.com/ashita-ai/youyaku/internal/model"
)

// Delta compares current topics and metrics against prior. A nil prior
// marks every current topic as new with a zero score delta.
func Delta(prior *model.BaselineSnapshot, topics []model.Topic, metrics model.EvaluationMetrics) model.BaselineDelta {
	d := model.BaselineDelta{}
	if prior == nil {
		for _, t := range topics {
			d.NewTopics = append(d.NewTopics, t.Label)
		}
		return d
	}

	d.PriorWindowID = prior.WindowID
	previous := make(map[string]string, len(prior.Topics))
	for _, t := range prior.Topics {
		previous[normalize(t.Label)] = t.Label
	}
	current := make(map[string]bool, len(topics))
	for _, t := range topics {
		key := normalize(t.Label)
		current[key] = true
		if _, ok := previous[key]; ok {
			d.ContinuedTopics = append(d.ContinuedTopics, t.Label)
		} else {
			d.NewTopics = append(d.NewTopics, t.Label)
		}
	}
	for key, label := range previous {
		if !current[key] {
			d.DroppedTopics = append(d.DroppedTopics, label)
		}
	}
	sort.Strings(d.DroppedTopics)
	d.ScoreDelta = metrics.Min() - prior.Metrics.Min()
	return d
}

func normalize(label string) string {
	return strings.ToLower(strings.TrimSpace(label))
}
