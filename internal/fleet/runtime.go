package fleet

import (
	"context"

	"github.com/aetherdock/backend/internal/models"
)

// Runtime is the container engine the fleet is mirrored from. Every method
// may block on the network; errors carry an opaque reason.
type Runtime interface {
	ListContainers(ctx context.Context, all bool) ([]models.ContainerSummary, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string) error
	RestartContainer(ctx context.Context, id string) error
	// OpenLogStream opens a log feed. Cancelling ctx ends the feed and
	// releases the underlying connection.
	OpenLogStream(ctx context.Context, id string, opts models.LogOptions) (models.LogStream, error)
	SampleStats(ctx context.Context, id string) (models.StatsSnapshot, error)
}
