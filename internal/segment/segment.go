// Package segment decides whether raw text is sent to the remote paragraph
// segmentation model before chunking, and defines that model's contract.
package segment

import (
	"context"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/phrazzld/scry-ingest/internal/training"
)

// UsageMode labels usage records produced by segmentation calls.
const UsageMode = "paragraph"

var (
	headingRe       = regexp.MustCompile(`(?m)^#+\s`)
	headingPrefixRe = regexp.MustCompile(`^#+\s*`)
)

// Request is one segmentation call.
type Request struct {
	Text      string
	Model     string
	BillingID uuid.UUID
}

// Result is the segmented text and the tokens the call consumed.
type Result struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// Service is the remote segmentation model.
type Service interface {
	Segment(ctx context.Context, req Request) (Result, error)
}

// Decision is the outcome of Decide. When Call is false Text is the input
// unchanged and no remote call is made.
type Decision struct {
	Call bool
	Text string
}

// Decide applies the paragraph AI mode. Forbid, an empty mode or a tier
// without the feature never call. Auto skips text that is already
// structured. Force strips heading markers so the model re-derives them.
func Decide(mode training.ParagraphAIMode, featureOn, customPDFParse bool, text string) Decision {
	skip := Decision{Text: text}
	if !featureOn || mode == "" || mode == training.ParagraphForbid {
		return skip
	}
	switch mode {
	case training.ParagraphAuto:
		if IsStructured(text, customPDFParse) {
			return skip
		}
		return Decision{Call: true, Text: text}
	case training.ParagraphForce:
		return Decision{Call: true, Text: StripHeadings(text)}
	default:
		return Decision{Call: true, Text: text}
	}
}

// IsStructured reports whether text already carries markdown headings.
// Output of a custom PDF parser is always trusted as structured.
func IsStructured(text string, customPDFParse bool) bool {
	return customPDFParse || headingRe.MatchString(text)
}

// StripHeadings removes leading "#" markers and trims every line.
func StripHeadings(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(headingPrefixRe.ReplaceAllString(line, ""))
	}
	return strings.Join(lines, "\n")
}

// Run decides and, when needed, calls svc. called reports whether a paid
// remote call happened; the caller records usage only in that case.
func Run(ctx context.Context, svc Service, mode training.ParagraphAIMode, featureOn, customPDFParse bool, req Request) (res Result, called bool, err error) {
	d := Decide(mode, featureOn, customPDFParse, req.Text)
	if !d.Call {
		return Result{Text: d.Text}, false, nil
	}
	req.Text = d.Text
	res, err = svc.Segment(ctx, req)
	if err != nil {
		return Result{}, true, err
	}
	return res, true, nil
}
