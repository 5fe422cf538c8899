package interfaces

import (
	"context"

	"github.com/ternarybob/integrator/internal/models"
)

// StageClient sends a request to an external stage processor. Transport
// failures are retried up to maxRetries attempts; HTTP and contract failures
// are returned immediately.
type StageClient interface {
	Call(ctx context.Context, endpoint models.StageEndpoint, payload *models.StagePayload, maxRetries int) (*models.StageResponse, error)
}
