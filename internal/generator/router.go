// Package generator holds the backends that turn a generation job into
// artifacts.
package generator

import (
	"context"
	"fmt"

	"github.com/prodgen/backend/internal/execution"
	"github.com/prodgen/backend/internal/models"
)

// Router picks a backend by the credit type a job consumes.
type Router struct {
	image execution.Generator
	text  execution.Generator
}

func NewRouter(image, text execution.Generator) *Router {
	return &Router{image: image, text: text}
}

var _ execution.Generator = (*Router)(nil)

func (r *Router) Generate(ctx context.Context, job *models.GenerationJob, report func(models.Artifact) error) ([]models.Artifact, error) {
	var g execution.Generator
	switch job.Type.CreditType() {
	case models.CreditImage:
		g = r.image
	case models.CreditText:
		g = r.text
	}
	if g == nil {
		return nil, fmt.Errorf("no generator configured for %s jobs", job.Type)
	}
	return g.Generate(ctx, job, report)
}
