package coordinator_test

import (
	"context"
	"fmt"
	"sync/atomic"

	"tagcheck/internal/coordinator"
)

func ExampleCoordinator_Spawn() {
	coord := coordinator.NewCoordinator(nil)

	var sent atomic.Int64
	_, _ = coord.Spawn(context.Background(), 3, func(ctx context.Context, slot int) {
		for i := 0; i < 10; i++ {
			sent.Add(1)
		}
	})
	_ = coord.Wait(context.Background())

	fmt.Printf("Sent %d requests from 3 workers\n", sent.Load())
	// Output: Sent 30 requests from 3 workers
}
