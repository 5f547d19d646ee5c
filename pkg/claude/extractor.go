package claude

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/crestline-labs/dealflow/internal/model"
)

const extractSystemPrompt = `You are analyzing an investment pitch deck.

Extract the following fields from the document.
If a field is not present or unclear, return null.

Fields and formatting instructions:
- name: The investment or fund name. No specific format.
- firm: The managing firm. No specific format.
- strategy_description: Return as bullet points, one key point per line. Start each line with a bullet. Example:
  - Focus on mid-cap growth equities
  - Long/short strategy with 60% net exposure
- leaders: Extract ALL information about each leader/executive mentioned in the document.
  Return as a JSON array of objects with these keys:
  - "name": Full name
  - "title": Current title/role
  - "company": Current company/firm
  - "previous_roles": Array of previous positions (e.g., ["CEO at XYZ Corp", "VP at ABC Inc"])
  - "education": Array of education (e.g., ["MBA Harvard", "BS MIT"])
  - "background": Any other relevant background info as a string
- management_fees: No specific format.
- incentive_fees: Format as "x% Pref | x% incentive fee", e.g., "8% Pref | 20% incentive fee".
- liquidity_lock: Liquidity terms and lock-up. No specific format.
- target_net_returns: Format as percentage or range, e.g., "10-12%".

Return valid JSON only, keyed by the field names above. Do not include any other text or explanation.`

// documentCharLimit caps the converted text sent to the model.
const documentCharLimit = 150_000

// Extractor pulls structured fund fields from converted pitch-deck text.
type Extractor struct {
	client Client
	model  string
}

func NewExtractor(client Client, modelID string) *Extractor {
	return &Extractor{client: client, model: modelID}
}

// Extract returns the fields the model found. Null and absent fields are
// omitted from the result entirely, so a sparse deck yields a sparse map.
func (e *Extractor) Extract(ctx context.Context, text string) (map[string]model.Value, error) {
	if len(text) > documentCharLimit {
		text = text[:documentCharLimit]
	}

	resp, err := e.client.CreateMessage(ctx, MessageRequest{
		Model:     e.model,
		MaxTokens: 8192,
		System:    extractSystemPrompt,
		Prompt:    "DOCUMENT:\n" + text,
	})
	if err != nil {
		return nil, err
	}
	resp.Usage.LogUsage(e.model, "extract")

	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(cleanJSON(extractText(resp))), &raw); err != nil {
		return nil, eris.Wrap(err, "claude: parse extraction response")
	}

	fields := make(map[string]model.Value, len(raw))
	for field, payload := range raw {
		value, ok := decodeField(field, payload)
		if !ok || value.IsEmpty() {
			continue
		}
		fields[field] = value
	}
	return fields, nil
}

// decodeField converts one JSON field into an open value. Leaders arrive as
// an array of person objects; everything else is a scalar string or number.
func decodeField(field string, payload json.RawMessage) (model.Value, bool) {
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" || trimmed == "null" {
		return model.Value{}, false
	}

	if field == model.FieldLeaders {
		var leaders []model.Leader
		if err := json.Unmarshal(payload, &leaders); err == nil {
			return model.LeaderList(leaders), true
		}
		// Fall through to scalar handling for legacy string shapes.
	}

	var s string
	if err := json.Unmarshal(payload, &s); err == nil {
		if field == model.FieldLeaders {
			return model.LeaderList(model.DecodeLeaders(s)), true
		}
		return model.Scalar(s), true
	}

	// Numbers and other primitives keep their literal text.
	return model.Scalar(trimmed), true
}
