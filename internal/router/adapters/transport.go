package adapters

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mitsuri-ai/dispatcher/internal/config"
	"github.com/mitsuri-ai/dispatcher/internal/types"
)

const maxResponseBytes = 4 << 20

// transport performs the single HTTP round-trip shared by every wire format.
type transport struct {
	name   string
	cfg    config.ProviderConfig
	client *http.Client

	// needsTurn rejects requests made only of system messages.
	needsTurn bool
}

func (t *transport) do(ctx context.Context, wf wireFormat, call Call) (*types.Result, error) {
	if err := t.checkLimits(call); err != nil {
		return nil, err
	}

	callCtx := ctx
	if t.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, t.cfg.Timeout)
		defer cancel()
	}

	httpReq, err := wf.TransformRequest(callCtx, call)
	if err != nil {
		return nil, &types.ClassifiedError{Kind: types.KindPermanent, Provider: t.name, Message: "build request", Err: err}
	}

	start := time.Now()
	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, ClassifyTransportError(t.name, callCtx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, ClassifyTransportError(t.name, callCtx, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, ClassifyResponse(t.name, resp.StatusCode, resp.Header, body, time.Now())
	}

	result, err := wf.TransformResponse(body)
	if err != nil {
		return nil, &types.ClassifiedError{
			Kind:       types.KindTransient,
			Provider:   t.name,
			StatusCode: resp.StatusCode,
			Message:    "malformed response",
			Err:        err,
		}
	}

	result.Provider = t.name
	if result.Model == "" {
		result.Model = call.Model
	}
	result.Latency = time.Since(start)
	return result, nil
}

// checkLimits rejects requests this provider can never serve, before any network call.
func (t *transport) checkLimits(call Call) error {
	permanent := func(format string, args ...any) error {
		return &types.ClassifiedError{Kind: types.KindPermanent, Provider: t.name, Message: fmt.Sprintf(format, args...)}
	}

	if call.Request == nil {
		return permanent("nil request")
	}
	if err := call.Request.Validate(); err != nil {
		return &types.ClassifiedError{Kind: types.KindPermanent, Provider: t.name, Message: "invalid request", Err: err}
	}
	if call.Model == "" {
		return permanent("no model resolved for tier %s", call.Request.Tier)
	}
	if t.needsTurn && !hasConversationTurn(call.Request.Messages) {
		return permanent("request has no user or assistant message")
	}
	if t.cfg.APIKey == "" {
		return permanent("missing api key")
	}
	if t.cfg.MaxOutputTokens > 0 && call.Request.MaxTokens > t.cfg.MaxOutputTokens {
		return permanent("max_tokens %d exceeds provider limit %d", call.Request.MaxTokens, t.cfg.MaxOutputTokens)
	}
	if t.cfg.MaxPromptChars > 0 {
		if n := call.Request.PromptChars(); n > t.cfg.MaxPromptChars {
			return permanent("prompt of %d chars exceeds provider limit %d", n, t.cfg.MaxPromptChars)
		}
	}
	return nil
}

func hasConversationTurn(messages []types.Message) bool {
	for _, m := range messages {
		if m.Role != "system" {
			return true
		}
	}
	return false
}

var errEmptyCompletion = errors.New("response contained no completion")
