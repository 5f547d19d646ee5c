package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/crestline-labs/dealflow/internal/model"
	"github.com/crestline-labs/dealflow/internal/resilience"
)

// Stage names carried on progress events.
const (
	StageClassify  = "classify"
	StageConvert   = "convert"
	StageExtract   = "extract"
	StageLookup    = "lookup"
	StageMatch     = "match"
	StageAttribute = "attribute"
	StageComplete  = "complete"
	StageSkipped   = "skipped"
	StageFailed    = "failed"
)

// transition commits a status change durably before any further stage work,
// then mirrors it on the in-memory document. A crash after the commit leaves
// the document in a resumable, inspectable state.
func (o *Orchestrator) transition(ctx context.Context, doc *model.Document, next model.DocumentStatus, errMsg string) error {
	if !doc.Status.CanTransition(next) {
		return resilience.NewValidationError(
			"illegal transition %s -> %s for document %s", doc.Status, next, doc.ID)
	}
	if err := o.store.TransitionDocument(ctx, doc.ID, next, errMsg); err != nil {
		return err
	}
	doc.Status = next
	doc.ErrorMessage = errMsg
	return nil
}

// fail records the error on the document, moves it to FAILED and emits the
// failure event exactly once. Already-terminal documents are left alone.
func (o *Orchestrator) fail(ctx context.Context, doc *model.Document, cause error) {
	msg := cause.Error()
	zap.L().Error("document failed",
		zap.String("document_id", doc.ID),
		zap.String("status", string(doc.Status)),
		zap.Error(cause),
	)
	if doc.Status.Terminal() {
		return
	}
	if err := o.transition(ctx, doc, model.DocStatusFailed, msg); err != nil {
		zap.L().Error("failed transition did not commit",
			zap.String("document_id", doc.ID),
			zap.Error(err),
		)
		return
	}
	o.bus.Emit(StageFailed, "processing failed", map[string]any{
		"document_id": doc.ID,
		"filename":    doc.Filename,
		"error":       msg,
	})
}
