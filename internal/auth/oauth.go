// Package auth exchanges refresh tokens for access tokens and brokers them
// to the account pool.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/sx2000cn/antigravity-pool/internal/config"
	"github.com/sx2000cn/antigravity-pool/internal/proxyerr"
)

// RefreshParts represents the components of a composite refresh token.
// Format: refreshToken|projectId|managedProjectId
type RefreshParts struct {
	RefreshToken     string
	ProjectID        string
	ManagedProjectID string
}

// ParseRefreshParts parses a composite refresh token string
func ParseRefreshParts(refresh string) RefreshParts {
	parts := strings.Split(refresh, "|")
	result := RefreshParts{}

	if len(parts) > 0 {
		result.RefreshToken = parts[0]
	}
	if len(parts) > 1 && parts[1] != "" {
		result.ProjectID = parts[1]
	}
	if len(parts) > 2 && parts[2] != "" {
		result.ManagedProjectID = parts[2]
	}

	return result
}

// FormatRefreshParts formats refresh token parts back into a composite string
func FormatRefreshParts(parts RefreshParts) string {
	base := fmt.Sprintf("%s|%s", parts.RefreshToken, parts.ProjectID)
	if parts.ManagedProjectID != "" {
		return fmt.Sprintf("%s|%s", base, parts.ManagedProjectID)
	}
	return base
}

// RefreshResult is the outcome of a refresh-token exchange
type RefreshResult struct {
	AccessToken string
	ExpiresIn   int // seconds
}

// RefreshAccessToken exchanges a refresh token for an access token.
// Handles composite refresh tokens (refreshToken|projectId|managedProjectId).
// invalid_grant means the refresh token is dead and the account must be
// marked unusable; all other failures are transient.
func RefreshAccessToken(ctx context.Context, compositeRefresh string) (*RefreshResult, error) {
	parts := ParseRefreshParts(compositeRefresh)

	data := url.Values{
		"client_id":     {config.OAuthConfig.ClientID},
		"client_secret": {config.OAuthConfig.ClientSecret},
		"refresh_token": {parts.RefreshToken},
		"grant_type":    {"refresh_token"},
	}

	req, err := http.NewRequestWithContext(ctx, "POST", config.OAuthConfig.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, proxyerr.Wrap(proxyerr.KindInternal, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, proxyerr.Wrap(proxyerr.KindCanceled, ctx.Err())
		}
		return nil, proxyerr.Wrap(proxyerr.KindAuthTransient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, proxyerr.Wrap(proxyerr.KindAuthTransient, err)
	}

	if resp.StatusCode != http.StatusOK {
		kind := proxyerr.KindAuthTransient
		if strings.Contains(string(body), "invalid_grant") {
			kind = proxyerr.KindAuthInvalidGrant
		}
		return nil, proxyerr.New(kind, "token refresh failed: %d %s", resp.StatusCode, string(body)).WithStatus(resp.StatusCode)
	}

	var result struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, proxyerr.Wrap(proxyerr.KindAuthTransient, err)
	}
	if result.AccessToken == "" {
		return nil, proxyerr.New(proxyerr.KindAuthTransient, "token refresh returned no access token")
	}

	return &RefreshResult{
		AccessToken: result.AccessToken,
		ExpiresIn:   result.ExpiresIn,
	}, nil
}
