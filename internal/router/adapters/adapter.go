package adapters

import (
	"context"
	"net/http"

	"github.com/mitsuri-ai/dispatcher/internal/types"
)

// Call is one completion call against a provider. Model is the
// provider-specific model name already resolved from the request tier.
type Call struct {
	Request *types.Request
	Model   string
}

// Adapter wraps one upstream AI endpoint. Call issues exactly one outbound
// request and never retries; failures are returned as *types.ClassifiedError.
type Adapter interface {
	Name() string
	Call(ctx context.Context, call Call) (*types.Result, error)
}

// wireFormat converts between the canonical request and one provider API.
type wireFormat interface {
	TransformRequest(ctx context.Context, call Call) (*http.Request, error)
	TransformResponse(body []byte) (*types.Result, error)
}
