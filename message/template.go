package message

import (
	"bytes"
	"html/template"
)

const pageTemplate = `<!DOCTYPE html><html lang="ru"><head><meta charset="utf-8" /><meta name="viewport" content="width=device-width, initial-scale=1" /><meta name="robots" content="noindex" /><title>{{.Title}}</title><link rel="manifest" href="./manifest.json" /><link rel="icon" href="./icons/icon-192.png" type="image/png" /><style type="text/css">body {font-family: system-ui, sans-serif;background-color: #0f3d2e;color: #e8e2c9;margin: 0;}main {display: flex;flex-direction: column;align-items: center;justify-content: center;min-height: 100vh;gap: 1.5rem;padding: 0 1rem;text-align: center;}h1 {font-size: 1.5rem;margin: 0;color: #fff;}p {margin: 0;}a {color: #f0c96a;}details summary {font-size: 0.75rem;cursor: pointer;}details pre {padding: 1rem;background-color: #0a2a20;border-radius: 0.5rem;font-size: 0.75rem;overflow: auto;max-width: 90vw;}</style></head><body><main><img src="./icons/icon-192.png" width="96" height="96" alt="" /><section>
<h1>{{.Heading}}</h1>
<p>{{.Message}}</p>
</section>{{if .Retry}}<p><a href="{{.Retry}}">Попробовать снова</a></p>{{end}}{{if .Details}}<details><summary>Подробности</summary>
<pre>{{.Details}}</pre>
</details>{{end}}</main></body></html>`

// Page is the data rendered into an error page
type Page struct {
	Title   string // <title>
	Heading string // h1, defaults to Title
	Message string
	Retry   string // link target for the retry button, omitted when empty
	Details string // collapsed details, omitted when empty
}

var defaultTemplate = template.Must(template.New("page").Parse(pageTemplate))

// Render returns p as an HTML document
func Render(p Page) (string, error) {
	return RenderWith(defaultTemplate, p)
}

// RenderWith renders p with a custom template
func RenderWith(tmpl *template.Template, p Page) (string, error) {
	if p.Heading == "" {
		p.Heading = p.Title
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, p); err != nil {
		return "", err
	}
	return buf.String(), nil
}
