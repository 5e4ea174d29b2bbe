package gitsync

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/docgate/docgate/internal/logging"
)

type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

// SetHTTPClient overrides the client used for upstream metadata requests.
// This is intended for testing.
func (s *Syncer) SetHTTPClient(client httpDoer) {
	s.client = client
}

// FetchDescription fetches the repository's upstream description. Any
// failure — non-200, malformed body, transport error — yields the empty
// string; description fetches never fail a sync.
func (s *Syncer) FetchDescription(ctx context.Context, id Identity, credential string) string {
	logger := logging.FromContext(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.config.APIBaseURL+"/repos/"+id.Owner+"/"+id.Repo, nil)
	if err != nil {
		logger.WarnContext(ctx, "Failed to build description request", "repo", id.String(), "error", err)
		return ""
	}
	req.Header.Set("Accept", "application/vnd.github.v3.raw")
	req.Header.Set("User-Agent", "docgated")
	if credential != "" {
		req.Header.Set("Authorization", "token "+credential)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		logger.WarnContext(ctx, "Failed to fetch repository description", "repo", id.String(), "error", err)
		return ""
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		logger.DebugContext(ctx, "No repository description available",
			"repo", id.String(),
			"status", resp.StatusCode)
		return ""
	}

	var info struct {
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		logger.WarnContext(ctx, "Failed to decode repository metadata", "repo", id.String(), "error", err)
		return ""
	}
	return info.Description
}
