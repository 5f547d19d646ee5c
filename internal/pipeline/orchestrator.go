// Package pipeline drives documents through the extraction state machine:
// classify, convert, extract, then merge extracted fields into records.
package pipeline

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/crestline-labs/dealflow/internal/attribution"
	"github.com/crestline-labs/dealflow/internal/match"
	"github.com/crestline-labs/dealflow/internal/model"
	"github.com/crestline-labs/dealflow/internal/progress"
	"github.com/crestline-labs/dealflow/internal/resilience"
	"github.com/crestline-labs/dealflow/internal/store"
)

// Orchestrator sequences pipeline stages for one document at a time. It owns
// no locks across collaborator calls; all store serialization happens inside
// the store and attribution layers.
type Orchestrator struct {
	store      store.Store
	attrs      *attribution.Service
	matcher    *match.Matcher
	bus        *progress.Bus
	classifier Classifier
	converter  Converter
	extractor  Extractor
	lookup     ExternalLookup
	limiter    *rate.Limiter
}

// Options configures an Orchestrator. Lookup and Limiter are optional.
type Options struct {
	Store       store.Store
	Attribution *attribution.Service
	Matcher     *match.Matcher
	Bus         *progress.Bus
	Classifier  Classifier
	Converter   Converter
	Extractor   Extractor
	Lookup      ExternalLookup
	Limiter     *rate.Limiter
}

func NewOrchestrator(opts Options) *Orchestrator {
	bus := opts.Bus
	if bus == nil {
		bus = progress.NewBus(0)
	}
	return &Orchestrator{
		store:      opts.Store,
		attrs:      opts.Attribution,
		matcher:    opts.Matcher,
		bus:        bus,
		classifier: opts.Classifier,
		converter:  opts.Converter,
		extractor:  opts.Extractor,
		lookup:     opts.Lookup,
		limiter:    opts.Limiter,
	}
}

// Bus exposes the progress bus for subscribers.
func (o *Orchestrator) Bus() *progress.Bus { return o.bus }

// Process drives one document from PENDING to a terminal state. The returned
// outcome always describes the document's final state; the error is non-nil
// only for contract violations (unknown document, document not PENDING).
// Collaborator failures are recorded on the document as FAILED and reported
// through the outcome, never as a returned error, so one document's failure
// cannot abort its siblings.
func (o *Orchestrator) Process(ctx context.Context, documentID string) (model.Outcome, error) {
	doc, err := o.store.GetDocument(ctx, documentID)
	if err != nil {
		return model.Outcome{DocumentID: documentID}, err
	}
	if doc.Status != model.DocStatusPending {
		return model.Outcome{DocumentID: doc.ID, Status: doc.Status},
			resilience.NewValidationError("document %s is %s, not pending", doc.ID, doc.Status)
	}

	log := zap.L().With(
		zap.String("document_id", doc.ID),
		zap.String("filename", doc.Filename),
	)

	// Stage 1: classify. An irrelevant verdict is a normal outcome.
	verdict, err := o.classifier.Classify(ctx, *doc)
	if err != nil {
		o.fail(ctx, doc, resilience.NewCollaboratorError("classify", err))
		return o.outcome(doc, "", false), nil
	}
	if !verdict.ShouldProcess() {
		if err := o.transition(ctx, doc, model.DocStatusSkipped, ""); err != nil {
			return o.outcome(doc, "", false), err
		}
		o.bus.Emit(StageSkipped, "document skipped", map[string]any{
			"document_id": doc.ID,
			"filename":    doc.Filename,
			"reason":      verdict.Reason,
		})
		log.Info("document skipped", zap.String("reason", verdict.Reason))
		return o.outcome(doc, "", false), nil
	}
	o.bus.Emit(StageClassify, "document accepted", map[string]any{
		"document_id": doc.ID,
		"verdict":     string(verdict.Verdict),
	})

	// Stage 2: convert to text.
	if err := o.transition(ctx, doc, model.DocStatusConverting, ""); err != nil {
		return o.outcome(doc, "", false), err
	}
	o.bus.Emit(StageConvert, "converting document", map[string]any{
		"document_id": doc.ID,
		"filename":    doc.Filename,
	})
	text, err := o.converter.ToText(ctx, *doc)
	if err != nil {
		o.fail(ctx, doc, resilience.NewCollaboratorError("convert", err))
		return o.outcome(doc, "", false), nil
	}
	if err := o.store.SetDocumentMarkdown(ctx, doc.ID, text); err != nil {
		o.fail(ctx, doc, err)
		return o.outcome(doc, "", false), nil
	}
	doc.Markdown = text
	if err := o.transition(ctx, doc, model.DocStatusConverted, ""); err != nil {
		return o.outcome(doc, "", false), err
	}

	// Stage 3: extract fields.
	if err := o.transition(ctx, doc, model.DocStatusExtracting, ""); err != nil {
		return o.outcome(doc, "", false), err
	}
	o.bus.Emit(StageExtract, "extracting fields", map[string]any{
		"document_id": doc.ID,
	})
	if o.limiter != nil {
		if err := o.limiter.Wait(ctx); err != nil {
			o.fail(ctx, doc, err)
			return o.outcome(doc, "", false), nil
		}
	}
	fields, err := o.extractor.Extract(ctx, text)
	if err != nil {
		o.fail(ctx, doc, resilience.NewCollaboratorError("extract", err))
		return o.outcome(doc, "", false), nil
	}
	fields = pruneEmpty(fields)
	if len(fields) == 0 {
		o.fail(ctx, doc, resilience.NewValidationError("no fields extracted from %s", doc.Filename))
		return o.outcome(doc, "", false), nil
	}

	// Stage 4: optional profile enrichment, before any store locks are taken.
	o.enrichLeaders(ctx, doc, fields)

	// Stage 5: resolve or create the target record from name and firm.
	name := fields[model.FieldName].Text
	firm := fields[model.FieldFirm].Text
	record, created, err := o.matcher.ResolveOrCreate(ctx, doc.OwnerID, name, firm)
	if err != nil {
		o.fail(ctx, doc, err)
		return o.outcome(doc, "", false), nil
	}
	o.bus.Emit(StageMatch, matchMessage(created), map[string]any{
		"document_id": doc.ID,
		"record_id":   record.ID,
		"created":     created,
	})

	// Stage 6: write one attribution per extracted field, then link the
	// document as the source.
	source := model.Source{
		Kind:        model.SourceKindDocument,
		SourceID:    doc.ID,
		DisplayName: doc.Filename,
	}
	var reqs []attribution.WriteRequest
	for field, value := range fields {
		reqs = append(reqs, attribution.WriteRequest{
			Field:  field,
			Value:  value,
			Source: source,
		})
	}
	written, err := o.attrs.WriteAll(ctx, record.ID, reqs)
	if err != nil {
		o.fail(ctx, doc, err)
		return o.outcome(doc, "", false), nil
	}
	if err := o.store.LinkSource(ctx, record.ID, doc.ID, model.LinkKindSource); err != nil {
		o.fail(ctx, doc, err)
		return o.outcome(doc, "", false), nil
	}
	o.bus.Emit(StageAttribute, "fields recorded", map[string]any{
		"document_id": doc.ID,
		"record_id":   record.ID,
		"fields":      len(written),
	})

	// Stage 7: regenerate the record's summary packet from its merged view.
	if err := o.writeSummary(ctx, record.ID); err != nil {
		// The summary is derived data; its failure does not fail the unit.
		log.Warn("summary regeneration failed", zap.Error(err))
	}

	if err := o.transition(ctx, doc, model.DocStatusCompleted, ""); err != nil {
		return o.outcome(doc, record.ID, created), err
	}
	o.bus.Emit(StageComplete, "document completed", map[string]any{
		"document_id": doc.ID,
		"record_id":   record.ID,
		"created":     created,
	})
	log.Info("document completed",
		zap.String("record_id", record.ID),
		zap.Bool("created", created),
		zap.Int("fields", len(written)),
	)
	return o.outcome(doc, record.ID, created), nil
}

func (o *Orchestrator) outcome(doc *model.Document, recordID string, created bool) model.Outcome {
	return model.Outcome{
		DocumentID: doc.ID,
		Status:     doc.Status,
		RecordID:   recordID,
		Created:    created,
		Error:      doc.ErrorMessage,
	}
}

// enrichLeaders fills missing profile URLs on the leaders field via the
// external lookup. Best-effort: lookup errors or an absent collaborator leave
// the URLs null.
func (o *Orchestrator) enrichLeaders(ctx context.Context, doc *model.Document, fields map[string]model.Value) {
	value, ok := fields[model.FieldLeaders]
	if !ok || o.lookup == nil {
		return
	}
	leaders := value.Leaders
	if len(leaders) == 0 {
		leaders = model.DecodeLeaders(value.Text)
	}
	if len(leaders) == 0 {
		return
	}
	o.bus.Emit(StageLookup, "looking up leader profiles", map[string]any{
		"document_id": doc.ID,
		"leaders":     len(leaders),
	})
	for i := range leaders {
		if leaders[i].ProfileURL != nil || leaders[i].Name == "" {
			continue
		}
		descriptor := leaders[i].Name
		if parts := []string{leaders[i].Title, leaders[i].Company}; parts[0] != "" || parts[1] != "" {
			descriptor = strings.TrimSpace(fmt.Sprintf("%s %s %s", leaders[i].Name, parts[0], parts[1]))
		}
		result, err := o.lookup.Find(ctx, descriptor)
		if err != nil {
			zap.L().Warn("profile lookup failed",
				zap.String("leader", leaders[i].Name),
				zap.Error(err),
			)
			continue
		}
		if result.Matched && result.ReferenceURL != "" {
			url := result.ReferenceURL
			leaders[i].ProfileURL = &url
		}
	}
	fields[model.FieldLeaders] = model.LeaderList(leaders)
}

func pruneEmpty(fields map[string]model.Value) map[string]model.Value {
	for field, value := range fields {
		if value.IsEmpty() {
			delete(fields, field)
		}
	}
	return fields
}

func matchMessage(created bool) string {
	if created {
		return "record created"
	}
	return "record matched"
}
