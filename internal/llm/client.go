// Package llm provides the text-generation capability used to write reviews.
package llm

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"
)

// Generator turns a prompt into generated text.
type Generator interface {
	// Generate produces at most maxTokens tokens of text for prompt.
	Generate(ctx context.Context, prompt string, maxTokens int) (string, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, prompt string, maxTokens int) (string, error)

// Generate calls f.
func (f GeneratorFunc) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	return f(ctx, prompt, maxTokens)
}

// ErrEmptyResponse is returned when the model produced no text.
var ErrEmptyResponse = errors.New("model returned no text")

// Client wraps the Google GenAI client.
type Client struct {
	client *genai.Client
	model  string
}

// NewClient creates a new LLM client with the given API key and model name.
func NewClient(ctx context.Context, apiKey, model string) (*Client, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	return &Client{client: client, model: model}, nil
}

// Generate sends a single non-streaming request.
func (c *Client) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	resp, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(prompt), &genai.GenerateContentConfig{
		MaxOutputTokens: int32(maxTokens),
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate content: %w", err)
	}

	text := resp.Text()
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.model
}

// Ensure Client implements Generator
var _ Generator = (*Client)(nil)
