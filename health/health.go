// Package health defines the readiness probe surface the app loop polls.
package health

import "context"

// ReadinessCheck is implemented by stores and clients that can report
// whether their backing service is reachable.
type ReadinessCheck interface {
	IsReady(ctx context.Context) error
	Name() string
}
