/*
Package provider implements the external embedding and text-completion
capabilities the memory system consumes. Model inference itself is never
implemented here; both types are thin adapters over the OpenAI SDK.
*/
package provider

import (
	"context"
	"fmt"
	"os"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/theapemachine/mnemo/pkg/errors"
)

func convertToFloat32(f []float64) []float32 {
	out := make([]float32, len(f))
	for i, v := range f {
		out[i] = float32(v)
	}
	return out
}

/*
OpenAIEmbedder generates embeddings through the OpenAI embeddings API.
*/
type OpenAIEmbedder struct {
	api   openai.Client
	Model string
}

type OpenAIEmbedderOption func(*OpenAIEmbedder)

func NewOpenAIEmbedder(options ...OpenAIEmbedderOption) *OpenAIEmbedder {
	embedder := &OpenAIEmbedder{
		api:   openai.NewClient(option.WithAPIKey(os.Getenv("OPENAI_API_KEY"))),
		Model: "text-embedding-3-small",
	}

	for _, option := range options {
		option(embedder)
	}

	return embedder
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.api.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(e.Model),
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: []string{text}},
	})
	if err != nil {
		return nil, errors.NewConnection("openai embeddings", err)
	}
	return convertToFloat32(resp.Data[0].Embedding), nil
}

func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := e.api.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(e.Model),
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
	})
	if err != nil {
		return nil, errors.NewConnection("openai embeddings", err)
	}

	out := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		out[i] = convertToFloat32(d.Embedding)
	}
	return out, nil
}

func WithEmbedderModel(model string) OpenAIEmbedderOption {
	return func(e *OpenAIEmbedder) {
		e.Model = model
	}
}

func WithEmbedderClient(client openai.Client) OpenAIEmbedderOption {
	return func(e *OpenAIEmbedder) {
		e.api = client
	}
}

/*
OpenAICompleter turns a single prompt into a single text completion. The
extraction pipeline and the goal classifier consume it; no streaming, no
tool calls.
*/
type OpenAICompleter struct {
	api         openai.Client
	Model       string
	Temperature float64
	MaxTokens   int64
}

type OpenAICompleterOption func(*OpenAICompleter)

func NewOpenAICompleter(options ...OpenAICompleterOption) *OpenAICompleter {
	completer := &OpenAICompleter{
		api:         openai.NewClient(option.WithAPIKey(os.Getenv("OPENAI_API_KEY"))),
		Model:       "gpt-4o-mini",
		Temperature: 0.2,
		MaxTokens:   1024,
	}

	for _, option := range options {
		option(completer)
	}

	return completer
}

func (c *OpenAICompleter) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := c.api.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
		Temperature: openai.Float(c.Temperature),
		MaxTokens:   openai.Int(c.MaxTokens),
	})
	if err != nil {
		return "", errors.NewConnection("openai completions", err)
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai completions: empty response")
	}

	return resp.Choices[0].Message.Content, nil
}

func WithCompleterModel(model string) OpenAICompleterOption {
	return func(c *OpenAICompleter) {
		c.Model = model
	}
}

func WithCompleterClient(client openai.Client) OpenAICompleterOption {
	return func(c *OpenAICompleter) {
		c.api = client
	}
}
