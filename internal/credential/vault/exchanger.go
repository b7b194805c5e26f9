package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/smallbiznis/headliner/internal/config"
	credentialdomain "github.com/smallbiznis/headliner/internal/credential/domain"
	obstracing "github.com/smallbiznis/headliner/internal/observability/tracing"
)

// Token is the result of a refresh exchange. RefreshToken is empty when the
// provider keeps the previous one.
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
}

type Exchanger interface {
	Refresh(ctx context.Context, refreshToken string) (Token, error)
}

type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	ExpiresIn        int64  `json:"expires_in"`
	TokenType        string `json:"token_type"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// HTTPExchanger performs the OAuth refresh_token grant against TokenURL.
type HTTPExchanger struct {
	cfg        config.PlatformConfig
	httpClient *http.Client
}

func NewHTTPExchanger(cfg config.PlatformConfig) *HTTPExchanger {
	return &HTTPExchanger{
		cfg:        cfg,
		httpClient: obstracing.WrapHTTPClient(http.DefaultClient),
	}
}

func (e *HTTPExchanger) Refresh(ctx context.Context, refreshToken string) (Token, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return Token{}, credentialdomain.ErrRefreshRejected
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", e.cfg.ClientID)
	if strings.TrimSpace(e.cfg.ClientSecret) != "" {
		form.Set("client_secret", e.cfg.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return Token{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Token{}, err
	}

	var token tokenResponse
	_ = json.Unmarshal(body, &token)

	switch {
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized:
		return Token{}, fmt.Errorf("%w: %s", credentialdomain.ErrRefreshRejected, firstNonEmpty(token.Error, resp.Status))
	case resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices:
		return Token{}, fmt.Errorf("token endpoint returned %s", resp.Status)
	}

	if token.Error == "invalid_grant" {
		return Token{}, fmt.Errorf("%w: %s", credentialdomain.ErrRefreshRejected, token.Error)
	}
	if token.AccessToken == "" {
		return Token{}, errors.New("token endpoint returned no access_token")
	}
	if token.ExpiresIn <= 0 {
		token.ExpiresIn = 3600
	}
	return Token{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresIn:    time.Duration(token.ExpiresIn) * time.Second,
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
