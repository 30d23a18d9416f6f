package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/prodgen/backend/internal/models"
)

// webhookRequest is the body posted to the image backend for one variation.
type webhookRequest struct {
	JobID     uuid.UUID        `json:"job_id"`
	TeamID    uuid.UUID        `json:"team_id"`
	ProductID string           `json:"product_id"`
	VariantID string           `json:"variant_id,omitempty"`
	Type      models.JobType   `json:"type"`
	Variation int              `json:"variation"`
	Params    models.JobParams `json:"params"`
}

type webhookImage struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type webhookResponse struct {
	Images []webhookImage `json:"images"`
}

// WebhookGenerator delegates image work to an HTTP backend, one request per
// variation.
type WebhookGenerator struct {
	endpoint string
	http     *http.Client
	logger   zerolog.Logger
}

func NewWebhookGenerator(endpoint string, timeout time.Duration, logger zerolog.Logger) *WebhookGenerator {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &WebhookGenerator{
		endpoint: endpoint,
		http:     &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "webhook_generator").Logger(),
	}
}

func (g *WebhookGenerator) Generate(ctx context.Context, job *models.GenerationJob, report func(models.Artifact) error) ([]models.Artifact, error) {
	var artifacts []models.Artifact
	for v := 0; v < job.NumberOfVariations; v++ {
		images, err := g.call(ctx, webhookRequest{
			JobID:     job.ID,
			TeamID:    job.TeamID,
			ProductID: job.ProductID,
			VariantID: job.VariantID,
			Type:      job.Type,
			Variation: v,
			Params:    job.Params,
		})
		if err != nil {
			return artifacts, err
		}
		// One variation is one billed image; extras are not recorded.
		if len(images) > 1 {
			g.logger.Warn().
				Str("job_id", job.ID.String()).
				Int("variation", v).
				Int("images", len(images)).
				Msg("image backend returned extra images, keeping the first")
		}
		img := images[0]
		a := models.Artifact{ImageID: img.ID, URL: img.URL}
		if a.ImageID == "" {
			a.ImageID = uuid.NewString()
		}
		if err := report(a); err != nil {
			return artifacts, fmt.Errorf("report progress: %w", err)
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, nil
}

func (g *WebhookGenerator) call(ctx context.Context, payload webhookRequest) ([]webhookImage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal generation request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create generation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call image backend: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		g.logger.Error().
			Int("status_code", resp.StatusCode).
			Str("job_id", payload.JobID.String()).
			Str("error_body", string(msg)).
			Msg("image backend returned error")
		return nil, fmt.Errorf("image backend returned status %d", resp.StatusCode)
	}

	var out webhookResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode generation response: %w", err)
	}
	if len(out.Images) == 0 {
		return nil, fmt.Errorf("image backend returned no images")
	}
	return out.Images, nil
}
