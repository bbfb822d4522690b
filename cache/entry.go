package cache

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"
)

// Entry is a stored response. Entries are keyed by the effective request URL
// and are only ever created for GET requests.
type Entry struct {
	URL      string      `msgpack:"url" json:"url"`
	Status   int         `msgpack:"status" json:"status"`
	Header   http.Header `msgpack:"header" json:"header"`
	Body     []byte      `msgpack:"body" json:"body"`
	StoredAt time.Time   `msgpack:"stored_at" json:"storedAt"`
	Digest   uint64      `msgpack:"digest" json:"digest"`
}

// NewEntry builds an entry for rawURL. The URL is normalized with Key.
func NewEntry(rawURL string, status int, header http.Header, body []byte) (*Entry, error) {
	key, err := Key(rawURL)
	if err != nil {
		return nil, err
	}
	if header == nil {
		header = http.Header{}
	}
	return &Entry{
		URL:      key,
		Status:   status,
		Header:   header.Clone(),
		Body:     body,
		StoredAt: time.Now(),
		Digest:   xxhash.Sum64(body),
	}, nil
}

// FromResponse reads resp fully into an entry keyed by req's URL and rewinds
// resp.Body so the caller can still return the live response.
func FromResponse(req *http.Request, resp *http.Response) (*Entry, error) {
	if req == nil || req.URL == nil {
		return nil, fmt.Errorf("cache: response has no request url")
	}
	var body []byte
	if resp.Body != nil {
		var err error
		body, err = io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("cache: reading body of %s: %w", req.URL, err)
		}
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	return NewEntry(req.URL.String(), resp.StatusCode, resp.Header, body)
}

// Response materializes the entry as an *http.Response for req.
func (e *Entry) Response(req *http.Request) *http.Response {
	header := e.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set("Content-Length", strconv.Itoa(len(e.Body)))
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", e.Status, http.StatusText(e.Status)),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

func (e *Entry) encode() ([]byte, error) {
	return msgpack.Marshal(e)
}

func decodeEntry(data []byte) (*Entry, error) {
	var e Entry
	if err := msgpack.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("cache: failed to unmarshal entry: %w", err)
	}
	return &e, nil
}

// Key returns the identity of a request URL: the absolute URL without its fragment.
func Key(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("cache: invalid url %q: %w", rawURL, err)
	}
	return KeyOf(u), nil
}

// KeyOf is Key for a parsed URL
func KeyOf(u *url.URL) string {
	c := *u
	c.Fragment = ""
	c.RawFragment = ""
	return c.String()
}
