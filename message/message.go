// Package message renders the HTML pages the worker answers with when it
// cannot produce the page a window navigated to.
package message

import (
	"io"
	"mime"
	"net/http"
	"strings"
)

// WantsHTML reports whether r is a document request that should get an HTML page
func WantsHTML(r *http.Request) bool {
	if r.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	for _, part := range strings.Split(r.Header.Get("Accept"), ",") {
		mt, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err == nil && (mt == "text/html" || mt == "application/xhtml+xml") {
			return true
		}
	}
	return false
}

// Write renders p with status code to w
func Write(w http.ResponseWriter, p Page, statusCode int) error {
	html, err := Render(p)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(statusCode)
	_, err = io.WriteString(w, html)
	return err
}

// Unavailable answers a navigation the worker could not serve
func Unavailable(w http.ResponseWriter, r *http.Request, details string) error {
	return Write(w, Page{
		Title:   "Путь к Рамадану",
		Heading: "Страница недоступна",
		Message: "Не удалось загрузить страницу. Проверьте подключение к интернету.",
		Retry:   r.URL.RequestURI(),
		Details: details,
	}, http.StatusBadGateway)
}
