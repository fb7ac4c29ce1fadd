package githubauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/helixops/connectd/internal/log"
)

// Identity is the minimal upstream identity needed to label a connection.
// Only Login is required downstream.
type Identity struct {
	Login     string `json:"login"`
	Name      string `json:"name,omitempty"`
	Email     string `json:"email,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// FetchIdentity retrieves the authenticated user from the provider's
// identity endpoint. Errors never carry the access token.
func (c *Client) FetchIdentity(ctx context.Context, accessToken string) (*Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.UserURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building identity request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.LogErrorWithFields("githubauth", "Identity fetch request failed", map[string]any{
			"error": err.Error(),
		})
		return nil, fmt.Errorf("fetching identity: provider unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.LogErrorWithFields("githubauth", "Identity fetch rejected", map[string]any{
			"status": resp.StatusCode,
		})
		return nil, fmt.Errorf("fetching identity: status %d", resp.StatusCode)
	}

	var identity Identity
	if err := json.NewDecoder(resp.Body).Decode(&identity); err != nil {
		return nil, fmt.Errorf("decoding identity: %w", err)
	}

	if identity.Login == "" {
		return nil, fmt.Errorf("identity response missing login")
	}

	return &identity, nil
}
