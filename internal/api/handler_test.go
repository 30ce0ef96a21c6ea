package api

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/hotbox/internal/extension"
	"github.com/kalambet/hotbox/internal/query"
	"github.com/kalambet/hotbox/internal/storage"
)

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Authorization", "Bearer "+testToken)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&v), rr.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	h := NewHandler(newFixture(t).deps)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
}

func TestAuthRequired(t *testing.T) {
	h := NewHandler(newFixture(t).deps)

	for _, auth := range []string{"", "Bearer wrong", "Basic " + testToken} {
		req := httptest.NewRequest(http.MethodPost, "/session/activate", nil)
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusUnauthorized, rr.Code, auth)
	}
}

func TestSessionLifecycle(t *testing.T) {
	h := NewHandler(newFixture(t).deps)

	rr := do(t, h, http.MethodPost, "/session/input", `{"text":"fi"}`)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = do(t, h, http.MethodPost, "/session/activate", "")
	require.Equal(t, http.StatusOK, rr.Code)
	first := decode[StateResponse](t, rr)
	require.True(t, first.Active)
	require.NotNil(t, first.Session)

	// Activating again keeps the same session.
	again := decode[StateResponse](t, do(t, h, http.MethodPost, "/session/activate", ""))
	assert.Equal(t, first.Session.ID, again.Session.ID)

	toggled := decode[StateResponse](t, do(t, h, http.MethodPost, "/session/toggle", ""))
	assert.False(t, toggled.Active)

	toggled = decode[StateResponse](t, do(t, h, http.MethodPost, "/session/toggle", ""))
	assert.True(t, toggled.Active)
	assert.NotEqual(t, first.Session.ID, toggled.Session.ID)

	rr = do(t, h, http.MethodPost, "/session/deactivate", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	rr = do(t, h, http.MethodGet, "/session/results", "")
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestInputAndWaitForResults(t *testing.T) {
	h := NewHandler(newFixture(t).deps)
	do(t, h, http.MethodPost, "/session/activate", "")

	rr := do(t, h, http.MethodPost, "/session/input", `{"text":"fire"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	in := decode[InputResponse](t, rr)
	assert.Equal(t, uint64(1), in.Generation)

	rr = do(t, h, http.MethodGet, "/session/results?wait=true&generation=1&timeout=2s", "")
	require.Equal(t, http.StatusOK, rr.Code)
	em := decode[query.Emission](t, rr)
	assert.True(t, em.Done)
	assert.Equal(t, "fire", em.Input)
	require.Len(t, em.Items, 3)
	assert.Equal(t, "apps/firefox", em.Items[0].Key)
	assert.Equal(t, "web/search", em.Items[2].Key)
}

func TestResultsBadParams(t *testing.T) {
	h := NewHandler(newFixture(t).deps)
	do(t, h, http.MethodPost, "/session/activate", "")

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/session/results?wait=1&generation=x", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/session/results?wait=1&timeout=-1s", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/session/input", `{`).Code)
}

func TestResultsBeforeInput(t *testing.T) {
	h := NewHandler(newFixture(t).deps)
	do(t, h, http.MethodPost, "/session/activate", "")

	rr := do(t, h, http.MethodGet, "/session/results", "")
	require.Equal(t, http.StatusOK, rr.Code)
	em := decode[query.Emission](t, rr)
	assert.Empty(t, em.Items)
	assert.False(t, em.Done)
}

func TestActivateResult(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.deps)
	do(t, h, http.MethodPost, "/session/activate", "")
	do(t, h, http.MethodPost, "/session/input", `{"text":"fi"}`)
	do(t, h, http.MethodGet, "/session/results?wait=true&generation=1", "")

	path := "/session/results/" + url.PathEscape("apps/firefox") + "/activate"
	rr := do(t, h, http.MethodPost, path, "")
	assert.Equal(t, http.StatusNoContent, rr.Code, rr.Body.String())
	assert.Equal(t, int32(1), f.activated.Load())

	require.NoError(t, f.deps.Store.Flush(context.Background()))
	usages, err := f.deps.Store.Usages(context.Background(), "apps/firefox")
	require.NoError(t, err)
	require.Len(t, usages, 1)
	assert.Equal(t, "fi", usages[0].Input)

	rr = do(t, h, http.MethodPost, "/session/results/"+url.PathEscape("apps/broken")+"/activate", "")
	assert.Equal(t, http.StatusInternalServerError, rr.Code)

	rr = do(t, h, http.MethodPost, "/session/results/"+url.PathEscape("apps/nope")+"/activate", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	require.NoError(t, f.deps.Store.Flush(context.Background()))
	usages, err = f.deps.Store.Usages(context.Background(), "apps/broken")
	require.NoError(t, err)
	assert.Empty(t, usages)
}

func TestExtensions(t *testing.T) {
	h := NewHandler(newFixture(t).deps)

	infos := decode[[]extension.Info](t, do(t, h, http.MethodGet, "/extensions", ""))
	require.Len(t, infos, 2)
	assert.Equal(t, "apps", infos[0].ID)
	assert.True(t, infos[0].Enabled)

	rr := do(t, h, http.MethodPost, "/extensions/web/disable", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.False(t, decode[extension.Info](t, rr).Enabled)

	do(t, h, http.MethodPost, "/session/activate", "")
	do(t, h, http.MethodPost, "/session/input", `{"text":"x"}`)
	em := decode[query.Emission](t, do(t, h, http.MethodGet, "/session/results?wait=true", ""))
	for _, item := range em.Items {
		assert.NotEqual(t, "web", item.Extension)
	}

	rr = do(t, h, http.MethodPost, "/extensions/web/enable", "")
	assert.True(t, decode[extension.Info](t, rr).Enabled)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/extensions/missing/enable", "").Code)
}

func TestRuntimeStatsAndPrune(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.deps)

	stats := decode[[]storage.RuntimeStat](t, do(t, h, http.MethodGet, "/stats/runtimes", ""))
	assert.Empty(t, stats)

	do(t, h, http.MethodPost, "/session/activate", "")
	do(t, h, http.MethodPost, "/session/input", `{"text":"a"}`)
	do(t, h, http.MethodGet, "/session/results?wait=true", "")
	require.NoError(t, f.deps.Store.Flush(context.Background()))

	stats = decode[[]storage.RuntimeStat](t, do(t, h, http.MethodGet, "/stats/runtimes", ""))
	assert.Len(t, stats, 2)

	rr := do(t, h, http.MethodPost, "/maintenance/prune", "")
	require.Equal(t, http.StatusOK, rr.Code)
	res := decode[storage.PruneResult](t, rr)
	assert.Zero(t, res.Usages)
	assert.Zero(t, res.Runtimes)
}

func TestEventsStream(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(NewHandler(f.deps))
	t.Cleanup(srv.Close)

	_, err := f.deps.Engine.Activate(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/session/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	_, err = f.deps.Engine.InputChanged("fi")
	require.NoError(t, err)

	sc := bufio.NewScanner(resp.Body)
	var event string
	sawDone := false
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			var em query.Emission
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &em))
			if event == "closed" {
				assert.True(t, sawDone)
				return
			}
			if em.Done && !sawDone {
				sawDone = true
				f.deps.Engine.Deactivate()
			}
		}
	}
	t.Fatalf("stream ended without a closed event: %v", sc.Err())
}
