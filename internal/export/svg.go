package export

import (
	"encoding/json"
	"fmt"
	"html"
	"strings"
)

// diagramNode is the subset of a node's payload the renderer draws. Unknown
// keys in the payload are ignored.
type diagramNode struct {
	ID     string  `json:"id"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Label  string  `json:"label"`
}

type diagramEdge struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Target string `json:"target"`
}

const (
	defaultNodeWidth  = 120.0
	defaultNodeHeight = 60.0
	canvasPadding     = 40.0
)

// buildSVG draws each node as a labelled rectangle and each edge as a line
// between node centers. Edges referencing missing nodes are skipped.
func buildSVG(sheet Sheet) (string, error) {
	var nodes []diagramNode
	if len(sheet.Nodes) > 0 {
		if err := json.Unmarshal(sheet.Nodes, &nodes); err != nil {
			return "", fmt.Errorf("decode nodes: %w", err)
		}
	}
	var edges []diagramEdge
	if len(sheet.Edges) > 0 {
		if err := json.Unmarshal(sheet.Edges, &edges); err != nil {
			return "", fmt.Errorf("decode edges: %w", err)
		}
	}

	width, height := 400.0, 300.0
	byID := make(map[string]diagramNode, len(nodes))
	for i := range nodes {
		if nodes[i].Width <= 0 {
			nodes[i].Width = defaultNodeWidth
		}
		if nodes[i].Height <= 0 {
			nodes[i].Height = defaultNodeHeight
		}
		byID[nodes[i].ID] = nodes[i]
		if right := nodes[i].X + nodes[i].Width + canvasPadding; right > width {
			width = right
		}
		if bottom := nodes[i].Y + nodes[i].Height + canvasPadding; bottom > height {
			height = bottom
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, `<svg xmlns="http://www.w3.org/2000/svg" width="%.0f" height="%.0f" viewBox="0 0 %.0f %.0f">`, width, height, width, height)
	b.WriteString(`<rect width="100%" height="100%" fill="#ffffff"/>`)

	// Edges first so node rectangles draw over them.
	for _, edge := range edges {
		from, okFrom := byID[edge.Source]
		to, okTo := byID[edge.Target]
		if !okFrom || !okTo {
			continue
		}
		fmt.Fprintf(&b,
			`<line x1="%.1f" y1="%.1f" x2="%.1f" y2="%.1f" stroke="#64748b" stroke-width="1.5"/>`,
			from.X+from.Width/2, from.Y+from.Height/2,
			to.X+to.Width/2, to.Y+to.Height/2,
		)
	}

	for _, node := range nodes {
		fmt.Fprintf(&b,
			`<rect x="%.1f" y="%.1f" width="%.1f" height="%.1f" rx="6" fill="#f1f5f9" stroke="#334155" stroke-width="1.5"/>`,
			node.X, node.Y, node.Width, node.Height,
		)
		if node.Label != "" {
			fmt.Fprintf(&b,
				`<text x="%.1f" y="%.1f" text-anchor="middle" dominant-baseline="middle" font-family="sans-serif" font-size="13" fill="#0f172a">%s</text>`,
				node.X+node.Width/2, node.Y+node.Height/2, html.EscapeString(node.Label),
			)
		}
	}

	b.WriteString(`</svg>`)
	return b.String(), nil
}

// htmlShell wraps the SVG for Chrome-based rendering.
func htmlShell(title, svg string) string {
	var b strings.Builder
	b.WriteString("<!DOCTYPE html><html><head><meta charset=\"UTF-8\"><title>")
	b.WriteString(html.EscapeString(title))
	b.WriteString("</title><style>body{margin:0;padding:16px;background:#ffffff}</style></head><body>")
	b.WriteString(svg)
	b.WriteString("</body></html>")
	return b.String()
}
