package claude

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/crestline-labs/dealflow/internal/model"
	"github.com/crestline-labs/dealflow/internal/pipeline"
)

const classifySystemPrompt = `You classify emails to determine if they contain investment pitch decks or investor materials.

Classify as:
- YES: Clearly an investment pitch deck, fund update, quarterly report, investor materials, or LP update
- NO: Clearly NOT investment-related (newsletters, receipts, personal emails, marketing, software notifications)
- UNSURE: Could be investment-related but not certain, needs further analysis of the actual document

Keywords that suggest YES:
- "investor update", "fund update", "quarterly report", "pitch deck", "LP update"
- "capital call", "distribution notice", "portfolio update"
- Fund names, investment firm names
- References to AUM, IRR, returns, commitments

Keywords that suggest NO:
- "order confirmation", "shipping notification", "receipt"
- "newsletter", "unsubscribe", "marketing"
- "password reset", "verify your email"

Return ONLY valid JSON with no additional text:
{"classification": "YES|NO|UNSURE", "reason": "brief explanation"}`

const classifyUserPrompt = `Email subject: %s
Sender: %s
Attachment names: %s
Email body (excerpt):
%s`

const bodyExcerptLimit = 1000

// Classifier triages documents by email metadata before any PDF work.
type Classifier struct {
	client Client
	model  string
}

func NewClassifier(client Client, modelID string) *Classifier {
	return &Classifier{client: client, model: modelID}
}

// Classify maps the triage verdict onto the pipeline's vocabulary: YES and
// UNSURE both process (fail open), only NO skips. A malformed response is
// treated as uncertain rather than an error.
func (c *Classifier) Classify(ctx context.Context, doc model.Document) (pipeline.Classification, error) {
	attachments := doc.Filename
	if attachments == "" {
		attachments = "None"
	}
	body := doc.BodyText
	if len(body) > bodyExcerptLimit {
		body = body[:bodyExcerptLimit]
	}
	if body == "" {
		body = "(no body)"
	}

	resp, err := c.client.CreateMessage(ctx, MessageRequest{
		Model:     c.model,
		MaxTokens: 256,
		System:    classifySystemPrompt,
		Prompt:    fmt.Sprintf(classifyUserPrompt, doc.Subject, doc.Sender, attachments, body),
	})
	if err != nil {
		return pipeline.Classification{}, err
	}
	resp.Usage.LogUsage(c.model, "classify")

	var result struct {
		Classification string `json:"classification"`
		Reason         string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(cleanJSON(extractText(resp))), &result); err != nil {
		zap.L().Warn("unparseable triage response, treating as uncertain",
			zap.String("document_id", doc.ID),
			zap.Error(err),
		)
		return pipeline.Classification{
			Verdict: pipeline.VerdictUncertain,
			Reason:  "unparseable triage response",
		}, nil
	}

	switch strings.ToUpper(strings.TrimSpace(result.Classification)) {
	case "YES":
		return pipeline.Classification{Verdict: pipeline.VerdictRelevant, Reason: result.Reason}, nil
	case "NO":
		return pipeline.Classification{Verdict: pipeline.VerdictIrrelevant, Reason: result.Reason}, nil
	default:
		return pipeline.Classification{Verdict: pipeline.VerdictUncertain, Reason: result.Reason}, nil
	}
}
