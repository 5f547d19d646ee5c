// Package pdftext converts PDF documents to text via the pdftotext CLI.
package pdftext

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/crestline-labs/dealflow/internal/model"
)

// Converter extracts text from PDF documents using the pdftotext CLI tool.
type Converter struct {
	binPath string
}

// New creates a Converter. If binPath is empty, "pdftotext" is used.
func New(binPath string) *Converter {
	if binPath == "" {
		binPath = "pdftotext"
	}
	return &Converter{binPath: binPath}
}

// ToText converts the document's PDF to text. Documents without a file path
// fall back to their email body, so body-only ingests still flow through
// extraction.
func (c *Converter) ToText(ctx context.Context, doc model.Document) (string, error) {
	if doc.FilePath == "" {
		if strings.TrimSpace(doc.BodyText) == "" {
			return "", eris.Errorf("pdftext: document %s has no file and no body text", doc.ID)
		}
		return doc.BodyText, nil
	}
	if _, err := os.Stat(doc.FilePath); err != nil {
		return "", eris.Wrapf(err, "pdftext: stat %s", doc.FilePath)
	}

	cmd := exec.CommandContext(ctx, c.binPath, "-layout", doc.FilePath, "-")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", eris.Wrapf(err, "pdftext: pdftotext failed for %s: %s", doc.FilePath, stderr.String())
	}

	text := stdout.String()
	if strings.TrimSpace(text) == "" {
		return "", eris.Errorf("pdftext: %s produced no text", doc.FilePath)
	}
	return text, nil
}
