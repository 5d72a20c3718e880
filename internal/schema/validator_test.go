package schema

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newValidator(t *testing.T, attempts int) *Validator {
	t.Helper()
	v, err := New(attempts, slog.Default())
	require.NoError(t, err)
	return v
}

func TestValidatorHasAllStageSchemas(t *testing.T) {
	v := newValidator(t, 0)
	for _, stage := range []string{
		"segment", "emotion_profile", "classify_roles",
		"synthesize_topics", "compose", "evaluate", "self_verify",
	} {
		assert.True(t, v.Has(stage), stage)
	}
	assert.False(t, v.Has("nope"))
}

func TestValidateAcceptsValidOutput(t *testing.T) {
	v := newValidator(t, 0)

	out, errs := v.Validate("compose", `{"summary":"The group planned the release."}`)
	assert.Nil(t, errs)
	assert.JSONEq(t, `{"summary":"The group planned the release."}`, string(out))
}

func TestValidateStripsFencesAndProse(t *testing.T) {
	v := newValidator(t, 0)

	raw := "Sure! Here is the JSON you asked for:\n```json\n{\"summary\":\"ok then\"}\n```\nLet me know if you need anything else."
	out, errs := v.Validate("compose", raw)
	assert.Nil(t, errs)
	assert.JSONEq(t, `{"summary":"ok then"}`, string(out))
}

func TestValidateReportsSchemaErrors(t *testing.T) {
	v := newValidator(t, 0)

	out, errs := v.Validate("compose", `{"summary":""}`)
	assert.Nil(t, out)
	require.NotEmpty(t, errs)

	out, errs = v.Validate("evaluate", `{"metrics":{"faithfulness":1.5,"coherence":0.9,"coverage":0.9,"focus":0.9},"quality_score":0.9}`)
	assert.Nil(t, out)
	assert.NotEmpty(t, errs, "out-of-range metric must fail")

	out, errs = v.Validate("compose", "not json at all")
	assert.Nil(t, out)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "invalid JSON")
}

func TestValidateUnknownStage(t *testing.T) {
	v := newValidator(t, 0)
	out, errs := v.Validate("mystery", `{}`)
	assert.Nil(t, out)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "no schema registered")
}

func TestEnsureValidRepairsInvalidOutput(t *testing.T) {
	v := newValidator(t, 2)

	repairs := 0
	repair := func(_ context.Context, stage, invalid string, errs []string) (string, error) {
		repairs++
		assert.Equal(t, "compose", stage)
		assert.NotEmpty(t, errs)
		return `{"summary":"repaired digest"}`, nil
	}

	out := v.EnsureValid(context.Background(), "compose", `{"wrong":"field"}`, repair)
	require.NotNil(t, out)
	assert.JSONEq(t, `{"summary":"repaired digest"}`, string(out))
	assert.Equal(t, 1, repairs)
}

func TestEnsureValidExhaustsRepairBudget(t *testing.T) {
	v := newValidator(t, 2)

	repairs := 0
	repair := func(context.Context, string, string, []string) (string, error) {
		repairs++
		return `{"still":"wrong"}`, nil
	}

	out := v.EnsureValid(context.Background(), "compose", `{"wrong":"field"}`, repair)
	assert.Nil(t, out)
	assert.Equal(t, 2, repairs)
}

func TestEnsureValidStopsOnRepairError(t *testing.T) {
	v := newValidator(t, 3)

	repair := func(context.Context, string, string, []string) (string, error) {
		return "", errors.New("backend down")
	}

	out := v.EnsureValid(context.Background(), "compose", `{"wrong":"field"}`, repair)
	assert.Nil(t, out)
}

func TestEnsureValidNoRepairOnValidInput(t *testing.T) {
	v := newValidator(t, 2)

	repair := func(context.Context, string, string, []string) (string, error) {
		t.Fatal("repair must not run for valid output")
		return "", nil
	}
	out := v.EnsureValid(context.Background(), "compose", `{"summary":"fine"}`, repair)
	assert.NotNil(t, out)
}

func TestExtractJSON(t *testing.T) {
	cases := []struct{ in, want string }{
		{`{"a":1}`, `{"a":1}`},
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"```\n{\"a\":1}\n```", `{"a":1}`},
		{"prefix text {\"a\":1} suffix", `{"a":1}`},
		{"  \n {\"a\":{\"b\":2}} trailing", `{"a":{"b":2}}`},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ExtractJSON(tc.in), "input %q", tc.in)
	}
}
