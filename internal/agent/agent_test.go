package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/conductor/internal/llm"
	"github.com/mattjoyce/conductor/internal/llm/mocks"
	"github.com/mattjoyce/conductor/internal/unit"
)

func TestValidateCoversEveryCapability(t *testing.T) {
	require.NoError(t, Validate())
	for _, c := range unit.Capabilities {
		r, ok := Lookup(c)
		require.True(t, ok, c)
		assert.Equal(t, c, r.Capability)
		assert.Contains(t, r.SystemPrompt(), "recommended_actions")
	}
}

func TestValidateDetectsGaps(t *testing.T) {
	saved := Roles[unit.CapJourneyMapper]
	delete(Roles, unit.CapJourneyMapper)
	defer func() { Roles[unit.CapJourneyMapper] = saved }()

	err := Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "journey_mapper")
}

func TestBuildPrompt(t *testing.T) {
	r, _ := Lookup(unit.CapMarketAnalyst)
	p, err := BuildPrompt(r, "area_report", json.RawMessage(`{"zip":"91730"}`))
	require.NoError(t, err)
	assert.Contains(t, p, "Role: Market Analyst")
	assert.Contains(t, p, "Task: area_report")
	assert.Contains(t, p, `"zip": "91730"`)

	p, err = BuildPrompt(r, "k", nil)
	require.NoError(t, err)
	assert.Contains(t, p, "Context:\n{}")

	_, err = BuildPrompt(r, "k", json.RawMessage(`{oops`))
	assert.Error(t, err)
}

func TestParseFencedJSON(t *testing.T) {
	text := "Here is my assessment.\n```json\n" + `{
  "summary": "Motivated buyer",
  "confidence": 85,
  "qualification_score": 72,
  "recommended_actions": [
    "Call today",
    {"action": "Send listings", "priority": "high", "timing": "urgent", "reasoning": "hot lead"},
    {"priority": "low"}
  ],
  "risk_factors": ["financing", {"factor": "competing agent"}],
  "opportunities": ["pre-approved"]
}` + "\n```\nLet me know."

	s, err := Parse(text)
	require.NoError(t, err)
	assert.Equal(t, "Motivated buyer", s.Summary)
	require.NotNil(t, s.Confidence)
	assert.InDelta(t, 0.85, *s.Confidence, 1e-9)
	require.Len(t, s.RecommendedActions, 2)
	assert.Equal(t, Action{Action: "Call today", Priority: "medium", Timing: "moderate"}, s.RecommendedActions[0])
	assert.Equal(t, Action{Action: "Send listings", Priority: "high", Timing: "urgent", Reasoning: "hot lead"}, s.RecommendedActions[1])
	assert.Equal(t, []string{"financing", "competing agent"}, s.RiskFactors)
	assert.Equal(t, []string{"pre-approved"}, s.Opportunities)
	assert.Contains(t, string(s.Data), "qualification_score")
	assert.False(t, s.ParseFailed)
}

func TestParseInlineJSONSkipsBraceNoise(t *testing.T) {
	text := `Scores {not json} follow: {"actions": ["Follow up"], "note": "a } inside", "confidence": "70%"} done`

	s, err := Parse(text)
	require.NoError(t, err)
	require.Len(t, s.RecommendedActions, 1)
	assert.Equal(t, "Follow up", s.RecommendedActions[0].Action)
	require.NotNil(t, s.Confidence)
	assert.InDelta(t, 0.7, *s.Confidence, 1e-9)
	assert.Equal(t, "Scores {not json} follow:  done", s.Summary)
}

func TestParseWithoutJSON(t *testing.T) {
	_, err := Parse("The lead seems lukewarm; follow up next week.")
	assert.ErrorIs(t, err, ErrNoJSON)

	f := Fallback("  plain text  ")
	assert.Equal(t, "plain text", f.Summary)
	assert.True(t, f.ParseFailed)
	assert.NotNil(t, f.RecommendedActions)
}

func TestRunnerExecute(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	inv := mocks.NewMockInvoker(ctrl)
	inv.EXPECT().Invoke(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, req llm.Request) (string, error) {
		assert.Contains(t, req.Prompt, "Task: qualify")
		assert.Contains(t, req.System, "lead intelligence analyst")
		assert.Equal(t, 4000, req.MaxTokens)
		assert.InDelta(t, 0.3, req.Temperature, 1e-9)
		return `{"summary": "warm lead", "confidence": 0.6}`, nil
	})

	r := NewRunner(inv, Defaults{MaxTokens: 4000, Temperature: 0.7})
	out, err := r.Execute(context.Background(), &unit.Unit{
		ID: "u1", Capability: unit.CapLeadQualifier, Kind: "qualify", Payload: json.RawMessage(`{"lead":"l-1"}`),
	})
	require.NoError(t, err)

	var res Result
	require.NoError(t, json.Unmarshal(out, &res))
	assert.Equal(t, "Lead Qualifier", res.Role)
	assert.Equal(t, unit.CapLeadQualifier, res.Capability)
	assert.Equal(t, "warm lead", res.Summary)
}

func TestRunnerRoleTemperature(t *testing.T) {
	orig := Roles[unit.CapJourneyMapper]
	t.Cleanup(func() { Roles[unit.CapJourneyMapper] = orig })

	tests := []struct {
		name string
		role *float64
		want float64
	}{
		{"unset uses default", nil, 0.7},
		{"zero is honoured", temperature(0), 0},
		{"explicit value", temperature(0.25), 0.25},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			role := orig
			role.Temperature = tt.role
			Roles[unit.CapJourneyMapper] = role

			ctrl := gomock.NewController(t)
			inv := mocks.NewMockInvoker(ctrl)
			inv.EXPECT().Invoke(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, req llm.Request) (string, error) {
				assert.InDelta(t, tt.want, req.Temperature, 1e-9)
				return `{"summary": "under contract"}`, nil
			})

			r := NewRunner(inv, Defaults{MaxTokens: 1000, Temperature: 0.7})
			_, err := r.Execute(context.Background(), &unit.Unit{ID: "u1", Capability: unit.CapJourneyMapper, Kind: "stage"})
			require.NoError(t, err)
		})
	}
}

func TestRunnerFallsBackOnProse(t *testing.T) {
	r := NewRunner(llm.NewMock(llm.MockConfig{Mode: llm.MockFixed, Responses: []string{"no structure here"}}), Defaults{})
	out, err := r.Execute(context.Background(), &unit.Unit{ID: "u1", Capability: unit.CapObjectionHandler, Kind: "price"})
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(out), `"parse_failed":true`))
	assert.True(t, strings.Contains(string(out), `"summary":"no structure here"`))
}

func TestRunnerPropagatesInvokerError(t *testing.T) {
	r := NewRunner(llm.NewMock(llm.MockConfig{Mode: llm.MockError}), Defaults{})
	_, err := r.Execute(context.Background(), &unit.Unit{ID: "u1", Capability: unit.CapDocumentAnalyst, Kind: "review"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, llm.ErrMock))
}
