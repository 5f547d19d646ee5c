package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/crestline-labs/dealflow/internal/attribution"
	"github.com/crestline-labs/dealflow/internal/model"
)

// summarySections lists the fields rendered into the markdown packet, in
// display order. The summary field itself is excluded to avoid recursion.
var summarySections = []struct {
	field string
	label string
}{
	{model.FieldStrategy, "Strategy"},
	{model.FieldLeaders, "Leadership"},
	{model.FieldManagementFees, "Management fees"},
	{model.FieldIncentiveFees, "Incentive fees"},
	{model.FieldLiquidityLock, "Liquidity / lock-up"},
	{model.FieldTargetReturns, "Target net returns"},
}

// writeSummary regenerates the record's markdown packet from its current
// values and stores it as a derived attribution on the summary field.
func (o *Orchestrator) writeSummary(ctx context.Context, recordID string) error {
	record, err := o.store.GetRecord(ctx, recordID)
	if err != nil {
		return err
	}
	md := RenderSummary(record)
	if md == "" {
		return nil
	}
	_, err = o.attrs.Write(ctx, attribution.WriteRequest{
		RecordID: recordID,
		Field:    model.FieldSummary,
		Value:    model.Scalar(md),
		Source: model.Source{
			Kind:        model.SourceKindDerived,
			DisplayName: "summary packet",
		},
		Confidence: model.ConfidenceMedium,
	})
	return err
}

// RenderSummary builds the markdown packet for a record from its current
// view. Returns "" when the record carries nothing worth summarizing.
func RenderSummary(record *model.Record) string {
	var b strings.Builder

	title := record.Name()
	if title == "" {
		title = record.Firm()
	}
	if title == "" {
		return ""
	}
	fmt.Fprintf(&b, "# %s\n", title)
	if firm := record.Firm(); firm != "" && firm != title {
		fmt.Fprintf(&b, "\n**Firm:** %s\n", firm)
	}

	wrote := false
	for _, section := range summarySections {
		raw := record.Current[section.field]
		if raw == "" {
			continue
		}
		fmt.Fprintf(&b, "\n## %s\n\n", section.label)
		if section.field == model.FieldLeaders {
			renderLeaders(&b, raw)
		} else {
			b.WriteString(raw)
			b.WriteString("\n")
		}
		wrote = true
	}
	if !wrote {
		return ""
	}
	return b.String()
}

func renderLeaders(b *strings.Builder, raw string) {
	leaders := model.DecodeLeaders(raw)
	for _, leader := range leaders {
		line := leader.Name
		if leader.Title != "" {
			line += ", " + leader.Title
		}
		if leader.Company != "" {
			line += " (" + leader.Company + ")"
		}
		if leader.ProfileURL != nil && *leader.ProfileURL != "" {
			line = fmt.Sprintf("[%s](%s)", line, *leader.ProfileURL)
		}
		fmt.Fprintf(b, "- %s\n", line)
		if leader.Background != "" {
			fmt.Fprintf(b, "  %s\n", leader.Background)
		}
	}
}
