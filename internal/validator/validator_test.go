package validator

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMiddleware_RewritesForbiddenJSONTypeCode(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"type":5,"nested":{"contentType":5,"mediaType":"trailer"}}`))
	})

	handler := Middleware()(inner)
	req := httptest.NewRequest(http.MethodGet, "/library/metadata/1", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, float64(4), body["type"])
	nested := body["nested"].(map[string]interface{})
	require.Equal(t, float64(4), nested["contentType"])
	require.Equal(t, "clip", nested["mediaType"])
}

func TestMiddleware_LeavesCompliantJSONUntouched(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"type":4,"title":"Live Channel"}`))
	})

	handler := Middleware()(inner)
	req := httptest.NewRequest(http.MethodGet, "/library/metadata/1", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, float64(4), body["type"])
	require.Equal(t, "Live Channel", body["title"])
}

func TestMiddleware_RewritesForbiddenXMLAttribute(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/xml;charset=utf-8")
		_, _ = w.Write([]byte(`<MediaContainer><Video type="5" live="1"></Video></MediaContainer>`))
	})

	handler := Middleware()(inner)
	req := httptest.NewRequest(http.MethodGet, "/livetv/sessions/x", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	require.Contains(t, rec.Body.String(), `type="4"`)
	require.NotContains(t, rec.Body.String(), `type="5"`)
}

func TestMiddleware_PreservesStatusCode(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusGone)
		_, _ = w.Write([]byte(`{"error":"Session terminated"}`))
	})

	handler := Middleware()(inner)
	req := httptest.NewRequest(http.MethodGet, "/livetv/sessions/x", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusGone, rec.Code)
}

func TestRewriteJSON_IgnoresUnrelatedFields(t *testing.T) {
	body := []byte(`{"count":5,"type":5}`)
	out, count := rewriteJSON(body)
	require.Equal(t, 1, count)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(out, &decoded))
	require.Equal(t, float64(5), decoded["count"])
	require.Equal(t, float64(4), decoded["type"])
}
