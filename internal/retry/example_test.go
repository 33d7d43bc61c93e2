package retry_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coral-mesh/coverage-agent/internal/retry"
)

// Example retries a coverage upload that fails twice with a 503.
func Example() {
	statuses := []int{http.StatusServiceUnavailable, http.StatusServiceUnavailable, http.StatusAccepted}
	attempt := 0

	err := retry.Do(context.Background(), retry.Config{
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
	}, func() error {
		status := statuses[attempt]
		attempt++
		if status >= 500 {
			return fmt.Errorf("collector returned %d", status)
		}
		return nil
	}, nil)

	fmt.Println(err, attempt)
	// Output: <nil> 3
}

// Example_permanent stops on a client error without waiting.
func Example_permanent() {
	errUnauthorized := errors.New("collector returned 401")
	attempt := 0

	err := retry.Do(context.Background(), retry.Config{
		MaxRetries:     5,
		InitialBackoff: time.Hour,
	}, func() error {
		attempt++
		return retry.Permanent(errUnauthorized)
	}, nil)

	fmt.Println(errors.Is(err, errUnauthorized), attempt)
	// Output: true 1
}
