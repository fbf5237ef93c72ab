package consolidation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"cogkernel/internal/logging"
)

// ValidatorVerdict is System 2's ruling on a candidate fact/procedure.
type ValidatorVerdict struct {
	Confirm    bool
	Refute     bool
	Refinement string // non-empty when the validator proposes refined wording
	Confidence float64
}

// Validator is the narrow System 2 dependency: "does this cluster support
// this proposed fact/procedure?" spec.md §4.10 step 4.
type Validator interface {
	Validate(ctx context.Context, clusterSummary, proposedStatement string) (ValidatorVerdict, error)
}

// ValidatorTimeout is the fixed per-call deadline spec.md §4.10 step 4 names.
const ValidatorTimeout = 10 * time.Second

// GenAIValidator drives System 2 with a structured prompt against Google's
// Gemini API, the same client the embedding engine uses for EmbedContent —
// Models.GenerateContent is its sibling call for text generation.
type GenAIValidator struct {
	client *genai.Client
	model  string
}

// NewGenAIValidator constructs a GenAIValidator. model defaults to
// "gemini-2.0-flash" when empty.
func NewGenAIValidator(client *genai.Client, model string) *GenAIValidator {
	if model == "" {
		model = "gemini-2.0-flash"
	}
	return &GenAIValidator{client: client, model: model}
}

// Validate asks the model to confirm, refute, or refine a proposed fact
// given the cluster content that's supposed to support it. Any transport or
// parse failure surfaces as an error so the caller can apply the §4.10
// confidence*=0.7 fallback rather than silently trusting an unparsed reply.
func (v *GenAIValidator) Validate(ctx context.Context, clusterSummary, proposedStatement string) (ValidatorVerdict, error) {
	timer := logging.StartTimer(logging.CategoryConsolidation, "GenAIValidator.Validate")
	defer timer.Stop()

	prompt := fmt.Sprintf(`You are validating a candidate memory for a cognitive memory system.

Cluster content supporting the candidate:
%s

Proposed fact: %q

Reply with exactly one line in the form:
VERDICT=confirm|refute|refine CONFIDENCE=0.0-1.0 REFINEMENT=<refined statement or empty>`, clusterSummary, proposedStatement)

	contents := []*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}

	result, err := v.client.Models.GenerateContent(ctx, v.model, contents, nil)
	if err != nil {
		return ValidatorVerdict{}, err
	}
	if len(result.Candidates) == 0 || result.Candidates[0].Content == nil || len(result.Candidates[0].Content.Parts) == 0 {
		return ValidatorVerdict{}, fmt.Errorf("validator returned no content")
	}

	return parseVerdict(result.Candidates[0].Content.Parts[0].Text), nil
}

func parseVerdict(text string) ValidatorVerdict {
	verdict := ValidatorVerdict{Confidence: 0.5}
	lower := strings.ToLower(text)

	switch {
	case strings.Contains(lower, "verdict=confirm"):
		verdict.Confirm = true
	case strings.Contains(lower, "verdict=refute"):
		verdict.Refute = true
	case strings.Contains(lower, "verdict=refine"):
		verdict.Confirm = true
	}

	if idx := strings.Index(lower, "confidence="); idx != -1 {
		var c float64
		if _, err := fmt.Sscanf(lower[idx:], "confidence=%f", &c); err == nil {
			verdict.Confidence = c
		}
	}

	if idx := strings.Index(text, "REFINEMENT="); idx != -1 {
		refinement := strings.TrimSpace(text[idx+len("REFINEMENT="):])
		if refinement != "" {
			verdict.Refinement = refinement
		}
	}

	return verdict
}
