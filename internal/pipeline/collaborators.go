package pipeline

import (
	"context"

	"github.com/crestline-labs/dealflow/internal/model"
)

// Verdict is a classifier's judgment on whether a document is worth
// processing.
type Verdict string

const (
	VerdictRelevant   Verdict = "relevant"
	VerdictIrrelevant Verdict = "irrelevant"
	VerdictUncertain  Verdict = "uncertain"
)

// Classification is the classifier's verdict plus its stated reason.
type Classification struct {
	Verdict Verdict
	Reason  string
}

// ShouldProcess reports whether the pipeline should run. Uncertain fails
// open: only an explicit irrelevant verdict skips the document.
func (c Classification) ShouldProcess() bool {
	return c.Verdict != VerdictIrrelevant
}

// Classifier decides whether a document is a fund pitch worth extracting.
type Classifier interface {
	Classify(ctx context.Context, doc model.Document) (Classification, error)
}

// Converter turns a raw document into extractable text.
type Converter interface {
	ToText(ctx context.Context, doc model.Document) (string, error)
}

// Extractor pulls structured field values out of converted text. Fields the
// extractor could not find are omitted from the map, never present empty.
type Extractor interface {
	Extract(ctx context.Context, text string) (map[string]model.Value, error)
}

// LookupResult is the outcome of an external profile search.
type LookupResult struct {
	Matched      bool
	ReferenceURL string
}

// ExternalLookup searches the web for a person's profile page. Optional: a
// nil lookup leaves profile URLs null and never blocks completion.
type ExternalLookup interface {
	Find(ctx context.Context, descriptor string) (LookupResult, error)
}
