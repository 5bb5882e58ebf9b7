package export

import (
	"context"
	"fmt"
	"html/template"
	"time"

	"readingnotes/api/internal/config"
	"readingnotes/api/internal/doctree"
	"readingnotes/api/internal/store"
)

// ReadingSource loads a reading with its content and annotation map.
type ReadingSource interface {
	GetReading(ctx context.Context, contentID string) (store.ReadingDetails, error)
}

// Renderer turns a rendered HTML page into the output bytes.
type Renderer interface {
	PDF(ctx context.Context, page string) ([]byte, error)
	DOCX(ctx context.Context, page string) ([]byte, error)
}

type Service struct {
	source   ReadingSource
	project  config.Project
	renderer Renderer
	now      func() time.Time
}

func NewService(source ReadingSource, project config.Project, renderer Renderer) *Service {
	return &Service{source: source, project: project, renderer: renderer, now: time.Now}
}

func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	reading, err := s.source.GetReading(ctx, req.ContentID)
	if err != nil {
		return nil, fmt.Errorf("get reading: %w", err)
	}

	var layout string
	switch req.Format {
	case FormatPDF:
		layout = LayoutMargin
	case FormatDOCX:
		layout = LayoutEndnotes
	default:
		return nil, ErrUnsupportedFormat
	}

	page, err := s.Page(reading, layout)
	if err != nil {
		return nil, err
	}

	filename := sanitizeFilename(reading.ContentID)
	switch req.Format {
	case FormatPDF:
		data, err := s.renderer.PDF(ctx, page)
		if err != nil {
			return nil, err
		}
		return &Result{Data: data, Filename: filename + ".pdf", MimeType: "application/pdf"}, nil
	default:
		data, err := s.renderer.DOCX(ctx, page)
		if err != nil {
			return nil, err
		}
		return &Result{
			Data:     data,
			Filename: filename + ".docx",
			MimeType: "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		}, nil
	}
}

// Page renders the printable HTML of a reading. Notes follow marker order
// and markers without content are left out.
func (s *Service) Page(reading store.ReadingDetails, layout string) (string, error) {
	doc, err := doctree.Parse(reading.Content)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrContentUnavailable, err)
	}

	var notes []TemplateNote
	for _, marker := range doc.Markers() {
		html := reading.Sidenotes[fmt.Sprint(marker.ID)]
		if html == "" {
			continue
		}
		notes = append(notes, TemplateNote{ID: marker.ID, HTML: template.HTML(html)})
	}

	return RenderReadingHTML(TemplateData{
		ProjectTitle:   s.project.Title,
		FontFamily:     template.CSS(s.project.FontFamily),
		Title:          reading.Title,
		OriginalTitle:  reading.OriginalTitle,
		Author:         reading.Author,
		Translator:     reading.Translator,
		Proofreader:    reading.Proofreader,
		TimeToRead:     reading.TimeToRead,
		LinkToOriginal: reading.LinkToOriginal,
		ContentHTML:    template.HTML(doc.HTML()),
		Outline:        doc.Outline(),
		Notes:          notes,
		Layout:         layout,
		GeneratedAt:    s.now(),
	})
}

// sanitizeFilename keeps ASCII letters, digits, hyphens and underscores.
func sanitizeFilename(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		case r == ' ':
			out = append(out, '-')
		}
		if len(out) == 50 {
			break
		}
	}
	if len(out) == 0 {
		return "reading"
	}
	return string(out)
}
