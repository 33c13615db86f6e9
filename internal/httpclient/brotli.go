package httpclient

import (
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
)

// DecodeBody returns a reader that transparently decompresses resp.Body
// when the upstream sent Content-Encoding: br. Some CDN-fronted HLS
// origins negotiate brotli even though Go's stdlib transport only asks
// for gzip, so the analyzer's playlist fetch and the preview relay both
// route playlist/manifest reads through this helper instead of reading
// resp.Body directly.
func DecodeBody(resp *http.Response) io.Reader {
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "br") {
		return brotli.NewReader(resp.Body)
	}
	return resp.Body
}
