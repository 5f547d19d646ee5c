package pipeline

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/crestline-labs/dealflow/internal/model"
)

// --- Classifier Mock ---

type mockClassifier struct {
	mock.Mock
}

func (m *mockClassifier) Classify(ctx context.Context, doc model.Document) (Classification, error) {
	args := m.Called(ctx, doc)
	return args.Get(0).(Classification), args.Error(1)
}

// --- Converter Mock ---

type mockConverter struct {
	mock.Mock
}

func (m *mockConverter) ToText(ctx context.Context, doc model.Document) (string, error) {
	args := m.Called(ctx, doc)
	return args.String(0), args.Error(1)
}

// --- Extractor Mock ---

type mockExtractor struct {
	mock.Mock
}

func (m *mockExtractor) Extract(ctx context.Context, text string) (map[string]model.Value, error) {
	args := m.Called(ctx, text)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]model.Value), args.Error(1)
}

// --- ExternalLookup Mock ---

type mockLookup struct {
	mock.Mock
}

func (m *mockLookup) Find(ctx context.Context, descriptor string) (LookupResult, error) {
	args := m.Called(ctx, descriptor)
	return args.Get(0).(LookupResult), args.Error(1)
}
