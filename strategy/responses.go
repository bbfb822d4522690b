package strategy

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"
)

// OfflineBody is the JSON body returned for API requests that cannot be served
type OfflineBody struct {
	Error     string `json:"error"`
	Offline   bool   `json:"offline"`
	Timestamp int64  `json:"timestamp"`
}

func synthesize(req *http.Request, status int, contentType string, body []byte) *http.Response {
	header := http.Header{}
	header.Set("Content-Type", contentType)
	header.Set("Content-Length", strconv.Itoa(len(body)))
	header.Set("Cache-Control", "no-store")
	return &http.Response{
		Status:        strconv.Itoa(status) + " " + http.StatusText(status),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

// OfflineJSON is the 503 answer for API requests with no network and no cached copy
func OfflineJSON(req *http.Request, message string, now time.Time) *http.Response {
	body, _ := json.Marshal(OfflineBody{Error: message, Offline: true, Timestamp: now.UnixMilli()})
	return synthesize(req, http.StatusServiceUnavailable, "application/json; charset=utf-8", body)
}

// OfflineText is the 503 answer for navigations with no network and no cached shell
func OfflineText(req *http.Request) *http.Response {
	return synthesize(req, http.StatusServiceUnavailable, "text/plain; charset=utf-8", []byte("offline"))
}
