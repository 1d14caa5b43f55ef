package wsbroker

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/tidwall/gjson"
)

// Health is the broker state reported by GET /health.
type Health struct {
	Status   string
	Sessions int
	Capacity int
}

// Health probes the broker. A reachable broker that does not report
// status "ok" is an error.
func (f *Factory) Health(ctx context.Context) (Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.endpoint("health"), nil)
	if err != nil {
		return Health{}, err
	}
	resp, err := f.http.Do(req)
	if err != nil {
		return Health{}, fmt.Errorf("health: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return Health{}, fmt.Errorf("health: read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Health{}, fmt.Errorf("health: broker returned %s", resp.Status)
	}
	if !gjson.ValidBytes(body) {
		return Health{}, fmt.Errorf("health: invalid JSON in response body")
	}

	h := Health{
		Status:   gjson.GetBytes(body, "status").String(),
		Sessions: int(gjson.GetBytes(body, "sessions").Int()),
		Capacity: int(gjson.GetBytes(body, "capacity").Int()),
	}
	if h.Status != "ok" {
		return h, fmt.Errorf("health: broker status %q", h.Status)
	}
	return h, nil
}
