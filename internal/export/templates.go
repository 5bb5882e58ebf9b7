package export

import (
	"bytes"
	"embed"
	"html/template"
	"time"

	"readingnotes/api/internal/doctree"
)

//go:embed templates/*.html
var templateFS embed.FS

var readingTemplate *template.Template

func init() {
	funcMap := template.FuncMap{
		"formatDate": func(t time.Time, layout string) string {
			return t.Format(layout)
		},
	}

	templateContent, err := templateFS.ReadFile("templates/reading.html")
	if err != nil {
		readingTemplate = template.Must(template.New("reading").Funcs(funcMap).Parse(fallbackTemplate))
		return
	}
	readingTemplate = template.Must(template.New("reading").Funcs(funcMap).Parse(string(templateContent)))
}

const (
	LayoutMargin   = "margin"
	LayoutEndnotes = "endnotes"
)

type TemplateData struct {
	ProjectTitle   string
	FontFamily     template.CSS
	Title          string
	OriginalTitle  string
	Author         string
	Translator     string
	Proofreader    string
	TimeToRead     string
	LinkToOriginal string
	ContentHTML    template.HTML
	Outline        []doctree.OutlineItem
	Notes          []TemplateNote
	Layout         string
	GeneratedAt    time.Time
}

// TemplateNote is one sidenote in document order.
type TemplateNote struct {
	ID   int
	HTML template.HTML
}

func RenderReadingHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := readingTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const fallbackTemplate = `<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"><title>{{.Title}}</title></head>
<body>
  <h1>{{.Title}}</h1>
  <article id="reading">{{.ContentHTML}}</article>
  {{if .Notes}}<ol class="notes">{{range .Notes}}<li id="note-{{.ID}}">{{.HTML}}</li>{{end}}</ol>{{end}}
</body>
</html>`
