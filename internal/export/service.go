// Package export renders diagram sheets to SVG, PDF, and PNG. SVG is built
// directly from the sheet payload; PDF and PNG go through headless Chrome.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Format is the export output format.
type Format string

const (
	FormatSVG Format = "svg"
	FormatPDF Format = "pdf"
	FormatPNG Format = "png"
)

// ParseFormat validates a caller-supplied format string.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatSVG, FormatPDF, FormatPNG:
		return Format(s), nil
	default:
		return "", fmt.Errorf("unknown export format %q", s)
	}
}

// Result is the rendered artifact.
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

// ErrChromeDependencyMissing indicates PDF/PNG export needs a Chromium
// binary that is not installed.
var ErrChromeDependencyMissing = errors.New("export chrome dependency missing")

// Sheet is the slice of a sheet the renderer needs.
type Sheet struct {
	Title string
	Nodes json.RawMessage
	Edges json.RawMessage
}

type Service struct{}

func NewService() *Service {
	return &Service{}
}

// Render produces the sheet in the requested format. SVG needs no external
// runtime; pdf/png drive headless Chrome over the same SVG wrapped in a
// minimal HTML shell.
func (s *Service) Render(ctx context.Context, sheet Sheet, format Format) (*Result, error) {
	svg, err := buildSVG(sheet)
	if err != nil {
		return nil, err
	}

	name := sanitizeFilename(sheet.Title)
	switch format {
	case FormatSVG:
		return &Result{
			Data:     []byte(svg),
			Filename: name + ".svg",
			MimeType: "image/svg+xml",
		}, nil
	case FormatPDF:
		data, err := renderPDF(ctx, htmlShell(sheet.Title, svg))
		if err != nil {
			return nil, err
		}
		return &Result{Data: data, Filename: name + ".pdf", MimeType: "application/pdf"}, nil
	case FormatPNG:
		data, err := renderPNG(ctx, htmlShell(sheet.Title, svg))
		if err != nil {
			return nil, err
		}
		return &Result{Data: data, Filename: name + ".png", MimeType: "image/png"}, nil
	default:
		return nil, fmt.Errorf("unknown export format %q", format)
	}
}

// sanitizeFilename creates a safe filename from a sheet title.
func sanitizeFilename(title string) string {
	result := ""
	for _, r := range title {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			result += string(r)
		case r == ' ':
			result += "-"
		case r == '-', r == '_':
			result += string(r)
		}
	}
	if len(result) > 50 {
		result = result[:50]
	}
	if result == "" {
		result = "diagram"
	}
	return result
}
