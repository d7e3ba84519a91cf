// Package resource implements the Controller for worker and throughput limits.
//
// The Controller governs three resources:
//
//   - Workers: a weighted semaphore bounding concurrent background tasks
//   - Task rate: a token bucket bounding how many tasks start per second
//   - IO: a token bucket bounding background bytes per second (backups)
//
// # Worker Limits
//
//	rc := resource.NewController(resource.Config{
//	    MaxWorkers: 4,
//	})
//
//	if err := rc.AcquireWorker(ctx); err != nil {
//	    return err
//	}
//	defer rc.ReleaseWorker()
//
// # IO Rate Limiting
//
//	w := resource.NewRateLimitedWriter(ctx, file, rc)
//
// # Nil Safety
//
// All methods handle a nil Controller gracefully; they become no-ops.
package resource
