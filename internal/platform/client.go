package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/smallbiznis/headliner/internal/config"
	obstracing "github.com/smallbiznis/headliner/internal/observability/tracing"
)

// Snapshot is a point-in-time engagement reading for one video.
type Snapshot struct {
	Views                  int64           `json:"views"`
	Impressions            int64           `json:"impressions"`
	Clicks                 int64           `json:"clicks"`
	AvgViewDurationSeconds float64         `json:"average_view_duration_seconds"`
	Raw                    json.RawMessage `json:"-"`
}

// Client is the raw platform API. It classifies failures but knows nothing
// about credentials or quota.
type Client interface {
	SetTitle(ctx context.Context, accessToken, videoID, title string) error
	GetSnapshot(ctx context.Context, accessToken, videoID string) (*Snapshot, error)
}

type errorEnvelope struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Reason  string `json:"reason"`
		Errors  []struct {
			Reason string `json:"reason"`
		} `json:"errors"`
	} `json:"error"`
}

func (e errorEnvelope) reason() string {
	if e.Error.Reason != "" {
		return e.Error.Reason
	}
	for _, item := range e.Error.Errors {
		if item.Reason != "" {
			return item.Reason
		}
	}
	return ""
}

type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewHTTPClient(cfg config.PlatformConfig) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: obstracing.WrapHTTPClient(http.DefaultClient),
	}
}

func (c *HTTPClient) SetTitle(ctx context.Context, accessToken, videoID, title string) error {
	payload, err := json.Marshal(map[string]string{"title": title})
	if err != nil {
		return err
	}
	_, err = c.do(ctx, OpSetTitle, http.MethodPut, "/videos/"+url.PathEscape(videoID), accessToken, payload)
	return err
}

func (c *HTTPClient) GetSnapshot(ctx context.Context, accessToken, videoID string) (*Snapshot, error) {
	body, err := c.do(ctx, OpGetSnapshot, http.MethodGet, "/videos/"+url.PathEscape(videoID)+"/stats", accessToken, nil)
	if err != nil {
		return nil, err
	}

	var snap Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return nil, &Error{Class: ClassTransient, Op: OpGetSnapshot, Err: fmt.Errorf("decode snapshot: %w", err)}
	}
	snap.Raw = json.RawMessage(body)
	return &snap, nil
}

func (c *HTTPClient) do(ctx context.Context, op, method, path, accessToken string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, &Error{Class: ClassTransient, Op: op, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, err
		}
		return nil, &Error{Class: ClassTransient, Op: op, Err: obstracing.SafeError(err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &Error{Class: ClassTransient, Op: op, StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		return body, nil
	}

	var envelope errorEnvelope
	_ = json.Unmarshal(body, &envelope)
	reason := envelope.reason()
	return nil, &Error{
		Class:      classifyStatus(resp.StatusCode, reason),
		Op:         op,
		StatusCode: resp.StatusCode,
		Reason:     reason,
	}
}
