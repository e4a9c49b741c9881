package export

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestParseFormat(t *testing.T) {
	for _, valid := range []string{"svg", "pdf", "png"} {
		if _, err := ParseFormat(valid); err != nil {
			t.Errorf("ParseFormat(%q) error = %v", valid, err)
		}
	}
	for _, invalid := range []string{"", "SVG", "docx", "jpeg"} {
		if _, err := ParseFormat(invalid); err == nil {
			t.Errorf("ParseFormat(%q) accepted", invalid)
		}
	}
}

func TestBuildSVG(t *testing.T) {
	sheet := Sheet{
		Title: "Network Map",
		Nodes: json.RawMessage(`[
			{"id":"n1","x":10,"y":20,"width":100,"height":50,"label":"Router <core>"},
			{"id":"n2","x":200,"y":120}
		]`),
		Edges: json.RawMessage(`[
			{"id":"e1","source":"n1","target":"n2"},
			{"id":"e2","source":"n1","target":"missing"}
		]`),
	}

	svg, err := buildSVG(sheet)
	if err != nil {
		t.Fatalf("buildSVG() error = %v", err)
	}

	if !strings.HasPrefix(svg, `<svg xmlns="http://www.w3.org/2000/svg"`) {
		t.Fatalf("svg does not open with the svg element: %s", svg[:60])
	}
	if count := strings.Count(svg, "<rect x="); count != 2 {
		t.Fatalf("node rects = %d, want 2", count)
	}
	// Only the edge whose both endpoints exist is drawn.
	if count := strings.Count(svg, "<line "); count != 1 {
		t.Fatalf("edge lines = %d, want 1", count)
	}
	// Labels are escaped.
	if !strings.Contains(svg, "Router &lt;core&gt;") {
		t.Fatal("label not escaped")
	}
	// The second node falls back to the default size.
	if !strings.Contains(svg, `width="120.0" height="60.0"`) {
		t.Fatal("default node size not applied")
	}
}

func TestBuildSVGEmptySheet(t *testing.T) {
	svg, err := buildSVG(Sheet{Title: "Empty"})
	if err != nil {
		t.Fatalf("buildSVG() error = %v", err)
	}
	if !strings.Contains(svg, `width="400"`) || !strings.Contains(svg, `height="300"`) {
		t.Fatalf("empty sheet canvas = %s", svg)
	}
}

func TestBuildSVGMalformedNodes(t *testing.T) {
	_, err := buildSVG(Sheet{Nodes: json.RawMessage(`{"not":"an array"}`)})
	if err == nil {
		t.Fatal("malformed nodes accepted")
	}
}

func TestRenderSVG(t *testing.T) {
	svc := NewService()
	result, err := svc.Render(context.Background(), Sheet{
		Title: "My Diagram!",
		Nodes: json.RawMessage(`[{"id":"n1","label":"A"}]`),
	}, FormatSVG)
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if result.MimeType != "image/svg+xml" {
		t.Fatalf("mime = %q", result.MimeType)
	}
	if result.Filename != "My-Diagram.svg" {
		t.Fatalf("filename = %q", result.Filename)
	}
	if !strings.Contains(string(result.Data), "<svg") {
		t.Fatal("result data is not svg")
	}
}

func TestSanitizeFilename(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{in: "Network Map", want: "Network-Map"},
		{in: "../../etc/passwd", want: "etcpasswd"},
		{in: "", want: "diagram"},
		{in: "üñïçödé", want: "diagram"},
		{in: strings.Repeat("a", 80), want: strings.Repeat("a", 50)},
	}
	for _, tc := range cases {
		if got := sanitizeFilename(tc.in); got != tc.want {
			t.Errorf("sanitizeFilename(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestHTMLShellEscapesTitle(t *testing.T) {
	shell := htmlShell(`<script>alert(1)</script>`, "<svg></svg>")
	if strings.Contains(shell, "<script>") {
		t.Fatal("title not escaped")
	}
	if !strings.Contains(shell, "<svg></svg>") {
		t.Fatal("svg body missing")
	}
}
