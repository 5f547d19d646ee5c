package claude

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crestline-labs/dealflow/internal/model"
	"github.com/crestline-labs/dealflow/internal/pipeline"
)

// fakeClient returns a canned response and records the last request.
type fakeClient struct {
	text    string
	err     error
	lastReq MessageRequest
}

func (f *fakeClient) CreateMessage(ctx context.Context, req MessageRequest) (*MessageResponse, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return &MessageResponse{
		Content: []ContentBlock{{Type: "text", Text: f.text}},
		Usage:   TokenUsage{InputTokens: 100, OutputTokens: 50},
	}, nil
}

func TestClassifier_Verdicts(t *testing.T) {
	cases := []struct {
		name string
		text string
		want pipeline.Verdict
	}{
		{"yes", `{"classification": "YES", "reason": "fund update"}`, pipeline.VerdictRelevant},
		{"no", `{"classification": "NO", "reason": "shipping notification"}`, pipeline.VerdictIrrelevant},
		{"unsure", `{"classification": "UNSURE", "reason": "ambiguous subject"}`, pipeline.VerdictUncertain},
		{"lowercase yes", `{"classification": "yes", "reason": "x"}`, pipeline.VerdictRelevant},
		{"fenced", "```json\n{\"classification\": \"NO\", \"reason\": \"receipt\"}\n```", pipeline.VerdictIrrelevant},
		{"unknown label", `{"classification": "MAYBE", "reason": "x"}`, pipeline.VerdictUncertain},
		{"malformed", "I think this is probably a pitch deck.", pipeline.VerdictUncertain},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := &fakeClient{text: tc.text}
			c := NewClassifier(client, "triage-model")

			got, err := c.Classify(context.Background(), model.Document{
				Subject:  "Q2 update",
				Sender:   "ir@fund.example",
				Filename: "deck.pdf",
				BodyText: "Please see attached.",
			})
			require.NoError(t, err)
			assert.Equal(t, tc.want, got.Verdict)
		})
	}
}

func TestClassifier_PropagatesClientError(t *testing.T) {
	client := &fakeClient{err: errors.New("api down")}
	c := NewClassifier(client, "triage-model")

	_, err := c.Classify(context.Background(), model.Document{Subject: "x"})
	require.Error(t, err)
}

func TestClassifier_TruncatesBodyExcerpt(t *testing.T) {
	client := &fakeClient{text: `{"classification": "YES", "reason": "x"}`}
	c := NewClassifier(client, "triage-model")

	long := make([]byte, bodyExcerptLimit*2)
	for i := range long {
		long[i] = 'a'
	}
	_, err := c.Classify(context.Background(), model.Document{Subject: "x", BodyText: string(long)})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(client.lastReq.Prompt), bodyExcerptLimit+500)
}

func TestExtractor_DecodesFields(t *testing.T) {
	client := &fakeClient{text: `{
		"name": "Acme Fund",
		"firm": "Acme Capital",
		"strategy_description": "- Distressed credit\n- Event driven",
		"leaders": [{"name": "Jane Doe", "title": "CIO", "previous_roles": ["PM at Omega"], "education": ["MBA Harvard"]}],
		"incentive_fees": "8% Pref | 20% incentive fee",
		"management_fees": null,
		"target_net_returns": "10-12%",
		"liquidity_lock": null
	}`}
	e := NewExtractor(client, "extract-model")

	fields, err := e.Extract(context.Background(), "converted deck text")
	require.NoError(t, err)

	assert.Equal(t, "Acme Fund", fields[model.FieldName].Text)
	assert.Equal(t, "Acme Capital", fields[model.FieldFirm].Text)
	assert.Equal(t, "8% Pref | 20% incentive fee", fields[model.FieldIncentiveFees].Text)
	assert.Equal(t, "10-12%", fields[model.FieldTargetReturns].Text)

	leaders := fields[model.FieldLeaders].Leaders
	require.Len(t, leaders, 1)
	assert.Equal(t, "Jane Doe", leaders[0].Name)
	assert.Equal(t, []string{"PM at Omega"}, leaders[0].PreviousRoles)

	// Null fields never reach the result map.
	assert.NotContains(t, fields, model.FieldManagementFees)
	assert.NotContains(t, fields, model.FieldLiquidityLock)
}

func TestExtractor_LegacyLeaderString(t *testing.T) {
	client := &fakeClient{text: `{"firm": "Acme Capital", "leaders": "Jane Doe | John Roe"}`}
	e := NewExtractor(client, "extract-model")

	fields, err := e.Extract(context.Background(), "text")
	require.NoError(t, err)
	leaders := fields[model.FieldLeaders].Leaders
	require.Len(t, leaders, 2)
	assert.Equal(t, "Jane Doe", leaders[0].Name)
}

func TestExtractor_NumericValueKeepsLiteral(t *testing.T) {
	client := &fakeClient{text: `{"management_fees": 2}`}
	e := NewExtractor(client, "extract-model")

	fields, err := e.Extract(context.Background(), "text")
	require.NoError(t, err)
	assert.Equal(t, "2", fields[model.FieldManagementFees].Text)
}

func TestExtractor_MalformedResponseIsError(t *testing.T) {
	client := &fakeClient{text: "sorry, I could not parse that document"}
	e := NewExtractor(client, "extract-model")

	_, err := e.Extract(context.Background(), "text")
	require.Error(t, err)
}

func TestExtractor_TruncatesLongDocuments(t *testing.T) {
	client := &fakeClient{text: `{"firm": "Acme Capital"}`}
	e := NewExtractor(client, "extract-model")

	long := make([]byte, documentCharLimit+100)
	for i := range long {
		long[i] = 'a'
	}
	_, err := e.Extract(context.Background(), string(long))
	require.NoError(t, err)
	assert.LessOrEqual(t, len(client.lastReq.Prompt), documentCharLimit+len("DOCUMENT:\n"))
}

func TestCleanJSON(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain", `{"a": 1}`, `{"a": 1}`},
		{"json fence", "```json\n{\"a\": 1}\n```", `{"a": 1}`},
		{"bare fence", "```\n{\"a\": 1}\n```", `{"a": 1}`},
		{"prose around object", `Here you go: {"a": 1}. Enjoy!`, `{"a": 1}`},
		{"whitespace", "  \n{\"a\": 1}\n  ", `{"a": 1}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, cleanJSON(tc.in))
		})
	}
}

func TestExtractText_SkipsNonTextBlocks(t *testing.T) {
	resp := &MessageResponse{Content: []ContentBlock{
		{Type: "text", Text: "hello "},
		{Type: "tool_use", Text: "ignored"},
		{Type: "text", Text: "world"},
	}}
	assert.Equal(t, "hello world", extractText(resp))
	assert.Equal(t, "", extractText(nil))
}
