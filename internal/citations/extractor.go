package citations

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// TextExtractor turns a PDF into text. It may return several renderings of
// the same document; the scanner keeps the one that yields the most
// references.
type TextExtractor interface {
	ExtractText(ctx context.Context, pdfPath string) ([]string, error)
}

// PdftotextExtractor runs the poppler pdftotext binary in reading-order and
// layout modes.
type PdftotextExtractor struct {
	// Binary is the pdftotext executable, looked up in PATH when relative.
	Binary string
}

// NewPdftotextExtractor creates an extractor for binary, defaulting to
// "pdftotext".
func NewPdftotextExtractor(binary string) *PdftotextExtractor {
	if binary == "" {
		binary = "pdftotext"
	}
	return &PdftotextExtractor{Binary: binary}
}

// ExtractText runs both modes. A mode that fails is skipped; an error is
// returned only when every mode fails or ctx is done.
func (e *PdftotextExtractor) ExtractText(ctx context.Context, pdfPath string) ([]string, error) {
	var texts []string
	var errs []error
	for _, mode := range [][]string{nil, {"-layout"}} {
		text, err := e.run(ctx, pdfPath, mode)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, fmt.Errorf("pdftotext %s: %w", pdfPath, ctxErr)
			}
			errs = append(errs, err)
			continue
		}
		texts = append(texts, text)
	}
	if len(texts) == 0 {
		return nil, errors.Join(errs...)
	}
	return texts, nil
}

func (e *PdftotextExtractor) run(ctx context.Context, pdfPath string, flags []string) (string, error) {
	args := append(append([]string{}, flags...), pdfPath, "-")
	cmd := exec.CommandContext(ctx, e.Binary, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("running %s %s: %w: %s", e.Binary, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}
