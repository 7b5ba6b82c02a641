package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/seanblong/hybridsearch/pkg/models"
	"google.golang.org/genai"
)

type VertexAIClient struct {
	config *ClientConfig
	client *genai.Client
}

// NewVertexAIClient creates a new client for the Vertex AI embedding API.
func NewVertexAIClient(ctx context.Context, config *ClientConfig) (*VertexAIClient, error) {
	if config == nil {
		return nil, errors.New("config cannot be nil")
	}

	if config.EmbedModel == "" {
		config.EmbedModel = "text-embedding-005"
	}
	if config.Dim == 0 {
		config.Dim = 768
	}
	if config.Location == "" && strings.TrimSpace(config.APIKey) == "" {
		config.Location = "us-central1"
	}

	cc := genai.ClientConfig{
		Backend: genai.BackendVertexAI,
	}
	if strings.TrimSpace(config.APIKey) != "" {
		cc.APIKey = config.APIKey
	}
	if strings.TrimSpace(config.ProjectID) != "" {
		cc.Project = config.ProjectID
	}
	if strings.TrimSpace(config.Location) != "" {
		cc.Location = config.Location
	}

	client, err := genai.NewClient(ctx, &cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vertex AI client: %w", err)
	}

	return &VertexAIClient{
		config: config,
		client: client,
	}, nil
}

// taskType picks the query-side task for the domain's model.
func taskType(d models.Domain) string {
	if d == models.DomainCode {
		return "CODE_RETRIEVAL_QUERY"
	}
	return "RETRIEVAL_QUERY"
}

// Embed implements the embedding functionality using the Vertex AI API
func (c *VertexAIClient) Embed(ctx context.Context, text string, domain models.Domain) ([]float32, error) {
	if c.client == nil {
		return nil, errors.New("vertex ai client not initialised")
	}
	dim := int32(c.config.Dim)
	cfg := genai.EmbedContentConfig{
		TaskType:             taskType(domain),
		OutputDimensionality: &dim,
	}

	res, err := c.client.Models.EmbedContent(ctx, c.config.model(domain), genai.Text(text), &cfg)
	if err != nil {
		return nil, classifyVertexError(err)
	}
	if res == nil || len(res.Embeddings) == 0 || res.Embeddings[0] == nil {
		return nil, errors.New("no embedding returned")
	}
	return res.Embeddings[0].Values, nil
}

func (c *VertexAIClient) Dim() int {
	return c.config.Dim
}

func classifyVertexError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) && apiErr.Code != 429 && apiErr.Code < 500 {
		return fmt.Errorf("embedding failed: %w", err)
	}
	return fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, err)
}
