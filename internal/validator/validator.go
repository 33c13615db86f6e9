// Package validator implements the Metadata Validator (C9): a response
// interceptor applied to every JSON/XML body C7/C8 emit for Live TV
// content. It is the last line of defense against the forbidden
// type-code-5 ("trailer"/"movie") values that crash specific Plex
// client builds.
//
// Grounded on ManuGH-xg2g's internal/log ring-buffer pattern (the
// monitor endpoint here reuses log.GetRecentAudit/GetBufferMetrics
// directly) and its middleware.Recoverer response-wrapping idiom for
// intercepting a handler's body before it reaches the client.
package validator

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"net/http"
	"strconv"
	"strings"

	"github.com/plexbridge/tunerd/internal/log"
	"github.com/plexbridge/tunerd/internal/metrics"
)

var forbiddenTypeFields = map[string]bool{
	"type":         true,
	"contenttype":  true,
	"content_type": true,
	"mediatype":    true,
}

var forbiddenStringValues = map[string]string{
	"trailer": "clip",
	"movie":   "episode",
}

// Middleware wraps handlers whose response bodies describe Live TV
// content, rewriting forbidden type codes before they reach the client
// (spec §4.9).
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &responseBuffer{ResponseWriter: w, buf: &bytes.Buffer{}, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			body := rec.buf.Bytes()
			contentType := w.Header().Get("Content-Type")

			rewritten, count := rewriteBody(body, contentType)
			if count > 0 {
				metrics.RecordValidatorRewrite(kindForContentType(contentType))
				log.AuditEvent(r.Context(), kindForContentType(contentType), r.URL.Path, count)
			}

			w.Header().Set("Content-Length", strconv.Itoa(len(rewritten)))
			w.WriteHeader(rec.status)
			_, _ = w.Write(rewritten)
		})
	}
}

// responseBuffer captures a handler's response so Middleware can
// inspect and rewrite the body before it is actually written.
type responseBuffer struct {
	http.ResponseWriter
	buf         *bytes.Buffer
	status      int
	wroteHeader bool
}

func (r *responseBuffer) WriteHeader(status int) {
	r.status = status
	r.wroteHeader = true
}

func (r *responseBuffer) Write(p []byte) (int, error) {
	return r.buf.Write(p)
}

func rewriteBody(body []byte, contentType string) ([]byte, int) {
	switch {
	case strings.Contains(contentType, "json"):
		return rewriteJSON(body)
	case strings.Contains(contentType, "xml"):
		return rewriteXML(body)
	default:
		return body, 0
	}
}

func kindForContentType(contentType string) string {
	switch {
	case strings.Contains(contentType, "json"):
		return "json"
	case strings.Contains(contentType, "xml"):
		return "xml"
	default:
		return "unknown"
	}
}

// rewriteJSON walks an arbitrary JSON document and applies the §4.9
// rewrite rules at any depth.
func rewriteJSON(body []byte) ([]byte, int) {
	var doc interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return body, 0
	}
	count := 0
	walkJSON(doc, &count)
	out, err := json.Marshal(doc)
	if err != nil {
		return body, 0
	}
	return out, count
}

func walkJSON(v interface{}, count *int) {
	switch val := v.(type) {
	case map[string]interface{}:
		for k, child := range val {
			lk := strings.ToLower(k)
			if forbiddenTypeFields[lk] {
				if n, ok := child.(float64); ok && n == 5 {
					val[k] = float64(4)
					*count++
					continue
				}
			}
			if s, ok := child.(string); ok {
				if replacement, bad := forbiddenStringValues[strings.ToLower(s)]; bad {
					val[k] = replacement
					*count++
					continue
				}
			}
			walkJSON(child, count)
		}
	case []interface{}:
		for _, item := range val {
			walkJSON(item, count)
		}
	}
}

// rewriteXML walks the attribute/element tree of an XML document and
// applies the same rewrite rules. Generic XML has no schema here, so
// this operates on the token stream rather than unmarshaling into a
// concrete struct, preserving whatever shape the upstream handler emitted.
func rewriteXML(body []byte) ([]byte, int) {
	decoder := xml.NewDecoder(bytes.NewReader(body))
	var out bytes.Buffer
	encoder := xml.NewEncoder(&out)
	count := 0

	for {
		tok, err := decoder.Token()
		if err != nil {
			break
		}
		switch t := tok.(type) {
		case xml.StartElement:
			for i, attr := range t.Attr {
				lk := strings.ToLower(attr.Name.Local)
				if forbiddenTypeFields[lk] && attr.Value == "5" {
					t.Attr[i].Value = "4"
					count++
					continue
				}
				if replacement, bad := forbiddenStringValues[strings.ToLower(attr.Value)]; bad {
					t.Attr[i].Value = replacement
					count++
				}
			}
			tok = t
		}
		if err := encoder.EncodeToken(tok); err != nil {
			return body, 0
		}
	}
	if err := encoder.Flush(); err != nil {
		return body, 0
	}
	if count == 0 {
		return body, 0
	}
	return out.Bytes(), count
}

// MonitorHandler exposes the audit ring buffer for operator debugging
// (spec §4.9's "monitor endpoint exposing recorded events").
func MonitorHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"recent": log.GetRecentAudit(),
		"buffer": log.GetBufferMetrics(),
	})
}
