package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/youyaku/internal/model"
)

func heuristicState(msgs ...model.Message) *model.ExecutionState {
	return &model.ExecutionState{Sanitized: msgs}
}

func hmsg(id, sender, text string) model.Message {
	return model.Message{ID: id, SenderID: sender, Text: text, SentAt: time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)}
}

func TestHeuristicRolesTopParticipantIsInitiator(t *testing.T) {
	// bob sends the most messages but speaks second; the top participant,
	// not the first speaker, is the initiator.
	state := heuristicState(
		hmsg("m1", "alice", "kicking things off"),
		hmsg("m2", "bob", "replying here"),
		hmsg("m3", "bob", "and again"),
		hmsg("m4", "carol", "joining in"),
	)

	profile := heuristicRoles(state)
	assert.Equal(t, "bob", profile.Initiator)
	assert.Equal(t, []string{"bob", "alice"}, profile.Drivers)
	assert.Equal(t, []string{"bob", "alice", "carol"}, profile.Participants)
}

func TestHeuristicMicroTopicIsSingleKeywordTopic(t *testing.T) {
	state := heuristicState(
		hmsg("m1", "alice", "deploy deploy deploy"),
		hmsg("m2", "bob", "release release"),
		hmsg("m3", "carol", "planning"),
	)

	topics := heuristicMicroTopic(state)
	require.Len(t, topics, 1)
	assert.Equal(t, "deploy release planning", topics[0].Label)
	assert.Equal(t, []string{"m1", "m2", "m3"}, topics[0].MessageIDs)
	assert.Equal(t, []string{"alice", "bob", "carol"}, topics[0].Participants)
	assert.Equal(t, "deploy deploy deploy", topics[0].Summary)
}

func TestHeuristicMicroTopicEmptyTerms(t *testing.T) {
	state := heuristicState(hmsg("m1", "alice", "? ! ."))

	topics := heuristicMicroTopic(state)
	require.Len(t, topics, 1)
	assert.Equal(t, "discussion", topics[0].Label)
}
