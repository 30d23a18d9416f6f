package generator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/prodgen/backend/internal/models"
)

// TextModel is the subset of *genai.GenerativeModel the description
// generator calls.
type TextModel interface {
	GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

var ErrEmptyCompletion = errors.New("model returned no text")

// GeminiGenerator writes product descriptions, one completion per variation.
type GeminiGenerator struct {
	model  TextModel
	logger zerolog.Logger
}

func NewGeminiGenerator(model TextModel, logger zerolog.Logger) *GeminiGenerator {
	return &GeminiGenerator{model: model, logger: logger.With().Str("component", "gemini_generator").Logger()}
}

func (g *GeminiGenerator) Generate(ctx context.Context, job *models.GenerationJob, report func(models.Artifact) error) ([]models.Artifact, error) {
	params, ok := job.Params.(models.DescriptionParams)
	if !ok {
		return nil, fmt.Errorf("gemini generator cannot handle %s jobs", job.Type)
	}
	prompt := descriptionPrompt(params)

	var artifacts []models.Artifact
	for v := 0; v < job.NumberOfVariations; v++ {
		resp, err := g.model.GenerateContent(ctx, genai.Text(prompt))
		if err != nil {
			return artifacts, fmt.Errorf("generate description: %w", err)
		}
		text, err := firstText(resp)
		if err != nil {
			return artifacts, err
		}
		a := models.Artifact{ImageID: uuid.NewString(), Text: text}
		if err := report(a); err != nil {
			return artifacts, fmt.Errorf("report progress: %w", err)
		}
		artifacts = append(artifacts, a)
	}
	g.logger.Debug().Str("job_id", job.ID.String()).Int("variations", len(artifacts)).Msg("descriptions generated")
	return artifacts, nil
}

func descriptionPrompt(p models.DescriptionParams) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write a product description for %q.", p.ProductTitle)
	if p.Tone != "" {
		fmt.Fprintf(&b, " Use a %s tone.", p.Tone)
	}
	if p.MaxWords > 0 {
		fmt.Fprintf(&b, " Keep it under %d words.", p.MaxWords)
	}
	if len(p.Keywords) > 0 {
		fmt.Fprintf(&b, " Mention: %s.", strings.Join(p.Keywords, ", "))
	}
	b.WriteString(" Return only the description text.")
	return b.String()
}

func firstText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", ErrEmptyCompletion
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			b.WriteString(string(t))
		}
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return "", ErrEmptyCompletion
	}
	return text, nil
}
