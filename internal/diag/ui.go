package diag

import (
	"bytes"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"time"

	"github.com/me/wallgrid/pkg/model"
)

// maxStripTiles caps the dot strip so large collections stay renderable.
const maxStripTiles = 600

// Template functions available in all templates.
var templateFuncs = template.FuncMap{
	"formatTime": func(t time.Time) string {
		if t.IsZero() {
			return "-"
		}
		return t.Format("2006-01-02 15:04:05")
	},
	"formatTimePtr": func(t *time.Time) string {
		if t == nil || t.IsZero() {
			return "-"
		}
		return t.Format("2006-01-02 15:04:05")
	},
	"mb": func(v float64) string {
		return fmt.Sprintf("%.0f", v)
	},
	"pct": func(v float64) int {
		return int(v * 100)
	},
	"dotClass": func(ts model.TileState) string {
		switch {
		case !ts.Materialized:
			return "void"
		case ts.Playing:
			return "playing"
		case ts.Load == model.LoadStateLoaded:
			return "loaded"
		case ts.Load == model.LoadStateLoading:
			return "loading"
		case ts.Load == model.LoadStateFailed:
			return "failed"
		default:
			return "unloaded"
		}
	},
}

// handleIndex renders the HTML dashboard.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	st := s.source.Status()
	tiles := s.source.TileStates()
	total := len(tiles)
	if len(tiles) > maxStripTiles {
		tiles = tiles[:maxStripTiles]
	}

	data := map[string]any{
		"Title":     "wallgrid diag",
		"Status":    st,
		"Uptime":    time.Since(s.startTime).Round(time.Second).String(),
		"Tiles":     tiles,
		"TileTotal": total,
		"HasStore":  s.store != nil,
	}
	if s.store != nil {
		runs, err := s.store.ListRuns(r.Context())
		if err != nil {
			s.logger.Error("list runs for dashboard", "error", err)
		}
		data["Runs"] = runs
	}
	s.render(w, "index", data)
}

// render writes a template to the response, logging and returning a
// plain 500 when rendering fails.
func (s *Server) render(w http.ResponseWriter, name string, data map[string]any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	var buf bytes.Buffer
	if err := renderTemplate(&buf, name, data); err != nil {
		s.logger.Error("template render failed", "template", name, "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	buf.WriteTo(w)
}

// renderTemplate renders a template with the given data.
func renderTemplate(w io.Writer, name string, data map[string]any) error {
	content, ok := templates[name]
	if !ok {
		return fmt.Errorf("template not found: %s", name)
	}

	layout, ok := templates["layout"]
	if !ok {
		return fmt.Errorf("layout template not found")
	}

	tmpl, err := template.New("layout").Funcs(templateFuncs).Parse(layout)
	if err != nil {
		return fmt.Errorf("parse layout: %w", err)
	}

	if _, err := tmpl.New("content").Parse(content); err != nil {
		return fmt.Errorf("parse content: %w", err)
	}

	return tmpl.Execute(w, data)
}

// templates holds all template content. The dashboard is a single
// self-contained page so it works without static assets or a network.
var templates = map[string]string{
	"layout": `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>{{.Title}}</title>
    <style>
        body { font-family: ui-monospace, SFMono-Regular, Menlo, monospace; margin: 2rem; background: #f9fafb; color: #111827; }
        h1 { font-size: 1.25rem; margin: 0 0 0.25rem; }
        h2 { font-size: 0.95rem; margin: 1.5rem 0 0.5rem; }
        .muted { color: #6b7280; font-size: 0.8rem; }
        .cards { display: flex; flex-wrap: wrap; gap: 0.75rem; margin: 1rem 0; }
        .card { background: #fff; border: 1px solid #e5e7eb; border-radius: 6px; padding: 0.6rem 1rem; }
        .card .num { font-size: 1.3rem; font-weight: 600; }
        .card .label { color: #6b7280; font-size: 0.7rem; text-transform: uppercase; }
        .warn { color: #bd362f; }
        .dots { display: flex; flex-wrap: wrap; gap: 2px; margin: 0.5rem 0; max-width: 960px; }
        .dot { width: 10px; height: 10px; border-radius: 2px; }
        .dot.void { background: #e5e7eb; }
        .dot.unloaded { background: #9ca3af; }
        .dot.loading { background: #f89406; }
        .dot.loaded { background: #51a351; }
        .dot.failed { background: #bd362f; }
        .dot.playing { background: #0044cc; }
        .legend { display: flex; flex-wrap: wrap; gap: 1rem; font-size: 0.75rem; color: #374151; }
        .legend .dot { display: inline-block; vertical-align: middle; margin-right: 4px; }
        table { border-collapse: collapse; background: #fff; font-size: 0.8rem; }
        th, td { border: 1px solid #e5e7eb; padding: 0.35rem 0.75rem; text-align: left; }
        th { background: #f3f4f6; color: #374151; text-transform: uppercase; font-size: 0.7rem; }
        a { color: #0044cc; }
    </style>
</head>
<body>
    {{template "content" .}}
</body>
</html>`,

	"index": `{{define "content"}}
<h1>wallgrid {{.Status.ControllerID}}</h1>
<p class="muted">up {{.Uptime}} &middot; <a href="/api/v1/status">status</a> &middot; <a href="/api/v1/tiles">tiles</a>{{if .HasStore}} &middot; <a href="/api/v1/runs/">runs</a>{{end}}</p>

<div class="cards">
    <div class="card"><div class="num">{{.Status.ItemCount}}</div><div class="label">Items</div></div>
    <div class="card"><div class="num">{{.Status.MaterializedCount}} / {{.Status.ActivationTarget}}</div><div class="label">Materialized / Target</div></div>
    <div class="card"><div class="num">{{.Status.LoadedCount}} / {{.Status.Limits.MaxLoaded}}</div><div class="label">Loaded / Max</div></div>
    <div class="card"><div class="num">{{.Status.LoadingCount}} / {{.Status.Limits.MaxConcurrentLoading}}</div><div class="label">Loading / Max</div></div>
    <div class="card"><div class="num">{{.Status.PlayingCount}}</div><div class="label">Playing</div></div>
    <div class="card"><div class="num">{{mb .Status.Memory.CurrentMB}} / {{mb .Status.Memory.TotalMB}} MB</div><div class="label">Memory</div></div>
    <div class="card"><div class="num">{{pct .Status.Memory.Pressure}}%</div><div class="label">Pressure ({{.Status.Memory.Source}})</div></div>
    {{if .Status.Janky}}<div class="card"><div class="num warn">JANKY</div><div class="label">Frame Budget</div></div>{{end}}
</div>

<p class="muted">layout: {{.Status.Layout.ColumnCount}} columns of {{printf "%.0f" .Status.Layout.ColumnWidth}}px, gap {{printf "%.0f" .Status.Layout.ColumnGap}}px, container {{printf "%.0f" .Status.Layout.ContainerWidth}}px</p>

<h2>Tiles</h2>
<div class="dots">
    {{range .Tiles}}<div class="dot {{dotClass .}}" title="{{.ID}}: {{.Load}}{{if .Playing}} playing{{end}}"></div>{{end}}
</div>
{{if lt (len .Tiles) .TileTotal}}
<p class="muted">showing first {{len .Tiles}} of {{.TileTotal}} tiles</p>
{{end}}
<div class="legend">
    <span><span class="dot void"></span>not materialized</span>
    <span><span class="dot unloaded"></span>unloaded</span>
    <span><span class="dot loading"></span>loading</span>
    <span><span class="dot loaded"></span>loaded</span>
    <span><span class="dot playing"></span>playing</span>
    <span><span class="dot failed"></span>failed</span>
</div>

{{if .HasStore}}
<h2>Recorded Runs</h2>
{{if .Runs}}
<table>
    <tr><th>ID</th><th>Scenario</th><th>Seed</th><th>Started</th><th>Finished</th></tr>
    {{range .Runs}}
    <tr>
        <td><a href="/api/v1/runs/{{.ID}}">{{.ID}}</a></td>
        <td>{{.Scenario}}</td>
        <td>{{.Seed}}</td>
        <td>{{formatTime .StartedAt}}</td>
        <td>{{formatTimePtr .FinishedAt}}</td>
    </tr>
    {{end}}
</table>
{{else}}
<p class="muted">No runs recorded.</p>
{{end}}
{{end}}
{{end}}`,
}
