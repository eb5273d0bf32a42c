package conversation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"tgfleet/entity"
)

// GenericProvider drives chatforyou/protalk-style assistant APIs: a bearer
// token, an assistant id, and a thread id returned for continuity. Modeled
// on the teacher's internal/wfirma.Client request() helper (signed POST,
// JSON in/out, errors classified from the HTTP status) generalized from
// wFirma's access/secret header pair to a single bearer token.
type GenericProvider struct {
	name    entity.AIProvider
	baseURL string
	hc      *http.Client
}

func NewGenericProvider(name entity.AIProvider, baseURL string) *GenericProvider {
	return &GenericProvider{name: name, baseURL: baseURL, hc: &http.Client{Timeout: 30 * time.Second}}
}

func (p *GenericProvider) Name() entity.AIProvider { return p.name }

type genericChatRequest struct {
	AssistantId string `json:"assistant_id,omitempty"`
	ThreadId    string `json:"thread_id,omitempty"`
	Message     string `json:"message"`
	System      string `json:"system,omitempty"`
}

type genericChatResponse struct {
	Reply        string `json:"reply"`
	ThreadId     string `json:"thread_id"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
}

// Validate probes with a one-word "ping" message, the minimal request the assistant
// APIs accept just to confirm the token and assistant id are good (§4.5.1).
func (p *GenericProvider) Validate(ctx context.Context, token string) error {
	_, err := p.call(ctx, token, genericChatRequest{Message: "ping"})
	return err
}

func (p *GenericProvider) Send(ctx context.Context, token string, req Request) (Response, error) {
	resp, err := p.call(ctx, token, genericChatRequest{
		AssistantId: req.AssistantId,
		ThreadId:    req.ResponseId,
		Message:     req.UserMessage,
		System:      req.SystemPrompt,
	})
	if err != nil {
		return Response{}, err
	}
	return Response{
		Text:         resp.Reply,
		ResponseId:   resp.ThreadId,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
	}, nil
}

func (p *GenericProvider) call(ctx context.Context, token string, payload genericChatRequest) (*genericChatResponse, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", p.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/chat", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", p.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := p.hc.Do(httpReq)
	if err != nil {
		return nil, &ProviderError{Class: FailureServer, Err: fmt.Errorf("%s: request failed: %w", p.name, err)}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 300 {
		return nil, classifyGenericStatus(p.name, resp, body)
	}

	var out genericChatResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, &ProviderError{Class: FailureServer, Err: fmt.Errorf("%s: decode response: %w", p.name, err)}
	}
	return &out, nil
}

func classifyGenericStatus(name entity.AIProvider, resp *http.Response, body []byte) error {
	baseErr := fmt.Errorf("%s: %s: %s", name, resp.Status, body)
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := time.Duration(0)
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if d, err := time.ParseDuration(ra + "s"); err == nil {
				retryAfter = d
			}
		}
		return &ProviderError{Class: FailureRateLimit, RetryAfter: retryAfter, Err: baseErr}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &ProviderError{Class: FailureAuth, Err: baseErr}
	case resp.StatusCode >= 500:
		return &ProviderError{Class: FailureServer, Err: baseErr}
	default:
		return &ProviderError{Class: FailureBadRequest, Err: errors.New(baseErr.Error())}
	}
}
