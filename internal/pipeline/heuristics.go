package pipeline

import (
	"fmt"
	"strings"

	"github.com/ashita-ai/youyaku/internal/model"
	"github.com/ashita-ai/youyaku/internal/quality"
)

// Heuristic stage fallbacks. Micro-mode windows use these instead of the
// generation backend, and normal-mode stages degrade to them when backend
// or validation budgets are exhausted. All are deterministic.

const maxHeuristicTopics = 3

func heuristicUnits(ths []model.Thread) []model.SemanticUnit {
	units := make([]model.SemanticUnit, 0, len(ths))
	for _, t := range ths {
		ids := make([]string, 0, len(t.Messages))
		seen := make(map[string]bool)
		var participants []string
		for _, m := range t.Messages {
			ids = append(ids, m.ID)
			if !seen[m.SenderID] {
				seen[m.SenderID] = true
				participants = append(participants, m.SenderID)
			}
		}
		label := strings.Join(quality.TopTerms(t.Messages, 3), " ")
		if label == "" {
			label = "discussion"
		}
		units = append(units, model.SemanticUnit{
			ThreadID:     t.ID,
			Label:        label,
			Summary:      truncate(t.Messages[0].Text, 120),
			MessageIDs:   ids,
			Participants: participants,
		})
	}
	return units
}

func heuristicEmotion() model.EmotionProfile {
	return model.EmotionProfile{OverallTone: "neutral", Intensity: 0}
}

func heuristicRoles(state *model.ExecutionState) model.RoleProfile {
	participants := state.Participants()
	profile := model.RoleProfile{Participants: participants}
	if len(participants) > 0 {
		// Participants are count-ordered; the top sender is the initiator.
		profile.Initiator = participants[0]
		n := len(participants)
		if n > 2 {
			n = 2
		}
		profile.Drivers = participants[:n]
	}
	return profile
}

// heuristicMicroTopic derives the single keyword topic a micro window
// gets instead of backend synthesis.
func heuristicMicroTopic(state *model.ExecutionState) []model.Topic {
	label := strings.Join(quality.TopTerms(state.Sanitized, 3), " ")
	if label == "" {
		label = "discussion"
	}
	ids := make([]string, 0, len(state.Sanitized))
	for _, m := range state.Sanitized {
		ids = append(ids, m.ID)
	}
	var summary string
	if len(state.Sanitized) > 0 {
		summary = truncate(state.Sanitized[0].Text, 120)
	}
	return []model.Topic{{
		Label:        label,
		Summary:      summary,
		Participants: state.Participants(),
		MessageIDs:   ids,
	}}
}

func heuristicTopics(units []model.SemanticUnit) []model.Topic {
	topics := make([]model.Topic, 0, maxHeuristicTopics)
	for _, u := range units {
		topics = append(topics, model.Topic{
			Label:        u.Label,
			Summary:      u.Summary,
			Participants: u.Participants,
			MessageIDs:   u.MessageIDs,
		})
		if len(topics) == maxHeuristicTopics {
			break
		}
	}
	return topics
}

// fallbackSummary renders a plain template digest from whatever state
// exists when composition fails.
func fallbackSummary(state *model.ExecutionState) string {
	participants := state.Participants()
	if len(state.Topics) == 0 {
		return fmt.Sprintf("The group exchanged %d messages among %d participants.",
			len(state.Sanitized), len(participants))
	}

	labels := make([]string, 0, len(state.Topics))
	for _, t := range state.Topics {
		labels = append(labels, t.Label)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "The group discussed %s.", joinNatural(labels))
	if state.Roles.Initiator != "" {
		fmt.Fprintf(&b, " %s started the discussion.", state.Roles.Initiator)
	}
	fmt.Fprintf(&b, " %d participants exchanged %d messages.",
		len(participants), len(state.Sanitized))
	return b.String()
}

func joinNatural(items []string) string {
	switch len(items) {
	case 0:
		return ""
	case 1:
		return items[0]
	case 2:
		return items[0] + " and " + items[1]
	default:
		return strings.Join(items[:len(items)-1], ", ") + ", and " + items[len(items)-1]
	}
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "…"
}
