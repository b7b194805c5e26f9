package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/smallbiznis/headliner/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClientSetTitle(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/videos/abc", r.URL.Path)
		assert.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewHTTPClient(config.PlatformConfig{BaseURL: srv.URL + "/"})
	require.NoError(t, c.SetTitle(context.Background(), "token-1", "abc", "New title"))
	assert.Equal(t, "New title", got["title"])
}

func TestHTTPClientGetSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/videos/abc/stats", r.URL.Path)
		_, _ = w.Write([]byte(`{"views":120,"impressions":3000,"clicks":150,"average_view_duration_seconds":42.5}`))
	}))
	defer srv.Close()

	snap, err := NewHTTPClient(config.PlatformConfig{BaseURL: srv.URL}).GetSnapshot(context.Background(), "t", "abc")
	require.NoError(t, err)
	assert.Equal(t, int64(120), snap.Views)
	assert.Equal(t, int64(3000), snap.Impressions)
	assert.Equal(t, int64(150), snap.Clicks)
	assert.Equal(t, 42.5, snap.AvgViewDurationSeconds)
	assert.JSONEq(t, `{"views":120,"impressions":3000,"clicks":150,"average_view_duration_seconds":42.5}`, string(snap.Raw))
}

func TestHTTPClientClassifiesFailures(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		class  Class
	}{
		{"unauthorized", http.StatusUnauthorized, `{"error":{"code":401}}`, ClassAuth},
		{"quota reason", http.StatusForbidden, `{"error":{"code":403,"errors":[{"reason":"quotaExceeded"}]}}`, ClassQuota},
		{"flat quota reason", http.StatusForbidden, `{"error":{"code":403,"reason":"dailyLimitExceeded"}}`, ClassQuota},
		{"forbidden", http.StatusForbidden, `{"error":{"code":403,"errors":[{"reason":"forbidden"}]}}`, ClassAuth},
		{"too many requests", http.StatusTooManyRequests, ``, ClassQuota},
		{"missing video", http.StatusNotFound, `{"error":{"code":404,"reason":"videoNotFound"}}`, ClassNotFound},
		{"server error", http.StatusBadGateway, `upstream`, ClassTransient},
		{"unexpected", http.StatusTeapot, ``, ClassTransient},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			err := NewHTTPClient(config.PlatformConfig{BaseURL: srv.URL}).SetTitle(context.Background(), "t", "abc", "x")
			require.Error(t, err)
			assert.Equal(t, tc.class, ClassOf(err))

			var perr *Error
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, tc.status, perr.StatusCode)
		})
	}
}

func TestHTTPClientNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	err := NewHTTPClient(config.PlatformConfig{BaseURL: url}).SetTitle(context.Background(), "t", "abc", "x")
	assert.ErrorIs(t, err, ErrTransient)
}

func TestClassOfUnknownErrorIsTransient(t *testing.T) {
	assert.Equal(t, ClassTransient, ClassOf(assert.AnError))
	assert.Equal(t, ClassNone, ClassOf(nil))
}

func TestRejectedOnlyMatchesClientErrors(t *testing.T) {
	assert.True(t, Rejected(&Error{Class: ClassTransient, Op: OpSetTitle, StatusCode: http.StatusBadRequest}))
	assert.True(t, Rejected(fmt.Errorf("push: %w", &Error{Class: ClassTransient, StatusCode: http.StatusUnprocessableEntity})))
	assert.False(t, Rejected(&Error{Class: ClassTransient, StatusCode: http.StatusRequestTimeout}))
	assert.False(t, Rejected(&Error{Class: ClassTransient, StatusCode: http.StatusBadGateway}))
	assert.False(t, Rejected(&Error{Class: ClassNotFound, StatusCode: http.StatusNotFound}))
	assert.False(t, Rejected(assert.AnError))
}
