// Package prompt builds the structured prompts sent to the generation
// backend, one template per pipeline stage plus the repair and retry
// variants. Every prompt carries an id and version recorded into the
// stage artifact's provenance metadata.
package prompt

import (
	"fmt"
	"strings"

	"github.com/ashita-ai/youyaku/internal/model"
)

// Version is bumped whenever any template text changes.
const Version = "2026-07"

// Prompt is a rendered prompt with its provenance identifiers.
type Prompt struct {
	ID      string
	Version string
	Text    string
}

const segmentTemplate = `You are a conversation analyst. Split the following threaded group
conversation into coherent semantic units. A unit covers one discussion
segment with a shared subject.

%s

Respond with JSON only, matching:
{"units":[{"thread_id":"...","label":"...","summary":"...","message_ids":["..."],"participants":["..."]}]}`

// Segment renders the semantic segmentation prompt over threads.
func Segment(threads []model.Thread) Prompt {
	var b strings.Builder
	for _, t := range threads {
		fmt.Fprintf(&b, "Thread %s:\n", t.ID)
		for _, m := range t.Messages {
			fmt.Fprintf(&b, "  [%s] %s: %s\n", m.ID, senderLabel(m), m.Text)
		}
	}
	return Prompt{ID: "segment", Version: Version, Text: fmt.Sprintf(segmentTemplate, b.String())}
}

const emotionTemplate = `You are a conversation analyst. Describe the emotional tone of this
group conversation.

%s

Respond with JSON only, matching:
{"overall_tone":"...","intensity":0.0,"by_participant":{"sender_id":"tone"}}
Intensity is in [0,1]. Tones are single lowercase words (e.g. "neutral",
"tense", "excited").`

// Emotion renders the emotion profiling prompt.
func Emotion(msgs []model.Message) Prompt {
	return Prompt{ID: "emotion", Version: Version, Text: fmt.Sprintf(emotionTemplate, renderMessages(msgs))}
}

const rolesTemplate = `You are a conversation analyst. Assign conversational roles for this
group conversation window.

%s

Respond with JSON only, matching:
{"initiator":"sender_id","drivers":["sender_id"],"participants":["sender_id"]}
The initiator started the main discussion; drivers kept it moving.`

// Roles renders the role classification prompt.
func Roles(msgs []model.Message) Prompt {
	return Prompt{ID: "roles", Version: Version, Text: fmt.Sprintf(rolesTemplate, renderMessages(msgs))}
}

const topicsTemplate = `You are a conversation analyst. Synthesize the main discussion topics
from these semantic units.

%s

Respond with JSON only, matching:
{"topics":[{"label":"...","summary":"...","participants":["..."],"message_ids":["..."]}]}
Merge overlapping units into one topic. Order topics by importance.`

// Topics renders the topic synthesis prompt over semantic units.
func Topics(units []model.SemanticUnit) Prompt {
	var b strings.Builder
	for _, u := range units {
		fmt.Fprintf(&b, "- [%s] %s: %s (participants: %s)\n",
			u.ThreadID, u.Label, u.Summary, strings.Join(u.Participants, ", "))
	}
	return Prompt{ID: "topics", Version: Version, Text: fmt.Sprintf(topicsTemplate, b.String())}
}

const composeTemplate = `You are writing a digest of a group conversation window for members
who were away. Be factual and concise; do not invent content.

Topics:
%s
Overall tone: %s
Initiator: %s

%sRespond with JSON only, matching:
{"summary":"..."}
The summary is 3-6 sentences of plain prose covering every topic.`

// Compose renders the digest composition prompt.
func Compose(topics []model.Topic, emotion model.EmotionProfile, roles model.RoleProfile, delta model.BaselineDelta) Prompt {
	return Prompt{
		ID:      "compose",
		Version: Version,
		Text: fmt.Sprintf(composeTemplate,
			renderTopics(topics), emotion.OverallTone, roles.Initiator, renderDelta(delta)),
	}
}

const composeRetryTemplate = `You are rewriting a group conversation digest that failed quality
review. Address every issue listed. Be factual; do not invent content.

Previous digest:
%s

Issues:
%s

Topics:
%s

Previous window's digest, for continuity:
%s

Respond with JSON only, matching:
{"summary":"..."}`

// ComposeRetry renders the corrective resynthesis prompt. It includes the
// previous window's baseline so continuity gaps can be repaired.
func ComposeRetry(previous string, issues []string, topics []model.Topic, baseline *model.BaselineSnapshot) Prompt {
	baselineText := "(no prior window)"
	if baseline != nil {
		baselineText = baseline.Summary
	}
	return Prompt{
		ID:      "compose_retry",
		Version: Version,
		Text: fmt.Sprintf(composeRetryTemplate,
			previous, bulleted(issues), renderTopics(topics), baselineText),
	}
}

const judgeTemplate = `You are a strict quality judge for conversation digests. Score the
digest against the source conversation on four dimensions, each in [0,1].

Source conversation:
%s

Digest:
%s

Respond with JSON only, matching:
{"metrics":{"faithfulness":0.0,"coherence":0.0,"coverage":0.0,"focus":0.0},"quality_score":0.0,"notes":["..."]}
quality_score is your overall judgement, not an average.`

// Judge renders the quality scoring prompt.
func Judge(msgs []model.Message, composed string) Prompt {
	return Prompt{ID: "judge", Version: Version, Text: fmt.Sprintf(judgeTemplate, renderMessages(msgs), composed)}
}

const selfVerifyTemplate = `Answer this checklist about the digest below. Respond with JSON only:
{"ok":true,"issues":["..."]}

Checklist:
- Every named participant appears in the source.
- No dates, numbers, or decisions absent from the source.
- No meta-commentary about the digest itself.

Digest:
%s`

// SelfVerify renders the bounded checklist verification prompt.
func SelfVerify(composed string) Prompt {
	return Prompt{ID: "self_verify", Version: Version, Text: fmt.Sprintf(selfVerifyTemplate, composed)}
}

const selfCorrectTemplate = `Rewrite the digest below fixing these issues. Keep everything that is
already correct. Respond with JSON only, matching: {"summary":"..."}

Issues:
%s

Digest:
%s`

// SelfCorrect renders the single corrective rewrite prompt.
func SelfCorrect(composed string, issues []string) Prompt {
	return Prompt{ID: "self_correct", Version: Version, Text: fmt.Sprintf(selfCorrectTemplate, bulleted(issues), composed)}
}

const repairTemplate = `Your previous reply did not match the required JSON schema.

Validation errors:
%s

Previous reply:
%s

Respond again with JSON only, exactly matching the schema for %s.`

// Repair renders the schema repair prompt for a stage's invalid output.
func Repair(stage string, invalid string, errs []string) Prompt {
	return Prompt{
		ID:      "repair_" + stage,
		Version: Version,
		Text:    fmt.Sprintf(repairTemplate, bulleted(errs), invalid, stage),
	}
}

func renderMessages(msgs []model.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&b, "[%s] %s: %s\n", m.SentAt.Format("15:04"), senderLabel(m), m.Text)
	}
	return b.String()
}

func renderTopics(topics []model.Topic) string {
	var b strings.Builder
	for _, t := range topics {
		fmt.Fprintf(&b, "- %s: %s\n", t.Label, t.Summary)
	}
	return b.String()
}

func renderDelta(delta model.BaselineDelta) string {
	if delta.PriorWindowID == "" {
		return ""
	}
	var b strings.Builder
	b.WriteString("Continuity with the previous window:\n")
	if len(delta.ContinuedTopics) > 0 {
		fmt.Fprintf(&b, "- continued: %s\n", strings.Join(delta.ContinuedTopics, ", "))
	}
	if len(delta.NewTopics) > 0 {
		fmt.Fprintf(&b, "- new: %s\n", strings.Join(delta.NewTopics, ", "))
	}
	if len(delta.DroppedTopics) > 0 {
		fmt.Fprintf(&b, "- no longer discussed: %s\n", strings.Join(delta.DroppedTopics, ", "))
	}
	b.WriteString("\n")
	return b.String()
}

func senderLabel(m model.Message) string {
	if m.Sender != "" {
		return m.Sender
	}
	return m.SenderID
}

func bulleted(items []string) string {
	if len(items) == 0 {
		return "- (none listed)"
	}
	var b strings.Builder
	for _, it := range items {
		fmt.Fprintf(&b, "- %s\n", it)
	}
	return strings.TrimRight(b.String(), "\n")
}
