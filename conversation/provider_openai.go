package conversation

import (
	"context"
	"errors"
	"net/http"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"tgfleet/entity"
)

// OpenAIProvider wraps the official SDK; per-bot owner tokens mean a fresh
// client is built per call rather than cached, the same connect-per-call
// idiom docstore uses for Mongo.
type OpenAIProvider struct{}

func NewOpenAIProvider() *OpenAIProvider { return &OpenAIProvider{} }

func (p *OpenAIProvider) Name() entity.AIProvider { return entity.ProviderOpenAI }

// Validate issues a minimal models.list call, the cheapest request that
// confirms a key is both well-formed and authorized (§4.5.1).
func (p *OpenAIProvider) Validate(ctx context.Context, token string) error {
	client := openai.NewClient(option.WithAPIKey(token))
	_, err := client.Models.List(ctx)
	if err != nil {
		return err
	}
	return nil
}

// Send uses the Responses API, not Chat Completions: Chat Completions is
// stateless and has no parameter to resume a prior turn, while Responses'
// PreviousResponseID is exactly spec.md §6's previous_response_id, letting
// §4.5.2 thread continuity work the same way here as on the generic
// providers' ThreadId.
func (p *OpenAIProvider) Send(ctx context.Context, token string, req Request) (Response, error) {
	client := openai.NewClient(option.WithAPIKey(token))

	model := req.Model
	if model == "" {
		model = openai.ChatModelGPT4oMini
	}

	params := openai.ResponseNewParams{
		Model:        model,
		Instructions: openai.String(req.SystemPrompt),
		Input: openai.ResponseNewParamsInputUnion{
			OfString: openai.String(req.UserMessage),
		},
	}
	if req.ResponseId != "" {
		params.PreviousResponseID = openai.String(req.ResponseId)
	}
	// ai_settings.enable_file_search (§6): attach the built-in file_search
	// tool against the bot's configured vector store, rather than hand-rolling
	// retrieval over chat history.
	if req.EnableFileSearch && req.VectorStoreId != "" {
		params.Tools = []openai.ToolUnionParam{
			{OfFileSearch: &openai.FileSearchToolParam{VectorStoreIDs: []string{req.VectorStoreId}}},
		}
	}

	resp, err := client.Responses.New(ctx, params)
	if err != nil {
		return Response{}, classifyOpenAIErr(err)
	}
	text := resp.OutputText()
	if text == "" {
		return Response{}, &ProviderError{Class: FailureServer, Err: errors.New("openai: empty output")}
	}

	return Response{
		Text:         text,
		ResponseId:   resp.ID,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}, nil
}

// classifyOpenAIErr maps the SDK's error shape onto §4.5.4's taxonomy.
func classifyOpenAIErr(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return &ProviderError{Class: FailureRateLimit, Err: err}
		case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden:
			return &ProviderError{Class: FailureAuth, Err: err}
		case apiErr.StatusCode >= 500:
			return &ProviderError{Class: FailureServer, Err: err}
		case apiErr.StatusCode >= 400:
			return &ProviderError{Class: FailureBadRequest, Err: err}
		}
	}
	return &ProviderError{Class: FailureServer, Err: err}
}
