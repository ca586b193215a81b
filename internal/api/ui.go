package api

import (
	"fmt"
	"html/template"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"asyncload/internal/prefetch"
)

var uiTemplates = template.Must(template.New("layout").Funcs(template.FuncMap{
	"mib": humanBytes,
}).Parse(`{{define "home"}}
<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8"/>
  <meta name="viewport" content="width=device-width, initial-scale=1"/>
  <title>asyncload</title>
  <style>
    body{font-family:system-ui,-apple-system,Segoe UI,Roboto,Ubuntu,Cantarell,Noto Sans,sans-serif;max-width:880px;margin:32px auto;padding:0 16px;color:#0b0b0b;background:#fafafa}
    header{margin-bottom:24px}
    h1{font-size:22px;margin:0 0 8px}
    a{color:#0b63e5;text-decoration:none}
    .card{background:#fff;border:1px solid #e9e9e9;border-radius:10px;padding:16px;margin:12px 0}
    .btn{display:inline-block;background:#0b63e5;color:#fff;border:none;padding:10px 14px;border-radius:8px;cursor:pointer}
    .btn.secondary{background:#444;padding:4px 8px;font-size:12px}
    textarea,input[type=text]{padding:9px 10px;border:1px solid #dcdcdc;border-radius:8px;width:100%;box-sizing:border-box}
    .muted{color:#666}
    .mono{font-family:ui-monospace,SFMono-Regular,Menlo,Monaco,Consolas,monospace}
    .grid{display:grid;grid-template-columns:1fr 1fr;gap:4px 12px}
    .list{margin:0;padding-left:18px}
    .status{display:inline-block;padding:4px 8px;border-radius:6px;background:#efefef;font-size:12px}
    footer{margin-top:24px;color:#666;font-size:12px}
  </style>
</head>
<body>
  <header>
    <h1><a href="/">asyncload</a></h1>
    <div class="muted">Image cache and prefetch status</div>
  </header>
  {{if .Error}}
  <div class="card" style="border-color:#f2b8b5;background:#fff6f6">
    <strong style="color:#b3261e">Error:</strong> <span class="muted">{{.Error}}</span>
  </div>
  {{end}}
  <div class="card">
    <h2>Cache</h2>
    <div class="grid">
      <div>Memory</div><div class="mono">{{mib .Stats.MemoryBytes}} / {{mib .Stats.MemoryCapacity}} ({{.Stats.MemoryEntries}} entries)</div>
      <div>Disk</div><div class="mono">{{mib .Stats.FileBytes}} / {{mib .Stats.EffectiveCapacity}}</div>
      <div>Hits (memory / disk)</div><div class="mono">{{.Stats.MemoryHits}} / {{.Stats.FileHits}}</div>
      <div>Network loads</div><div class="mono">{{.Stats.NetworkLoads}} ({{.Stats.FailedAttempts}} failed attempts)</div>
      <div>Queue</div><div class="mono">{{.Stats.PendingLoads}} pending, {{.Stats.BusyWorkers}} busy</div>
    </div>
  </div>

  <div class="card">
    <h2>Prefetch</h2>
    <form method="post" action="/ui/prefetch">
      <input type="text" name="tag" placeholder="Tag (optional)" />
      <textarea name="urls" rows="4" placeholder="One URL per line" style="margin-top:8px"></textarea>
      <label class="muted"><input type="checkbox" name="continuous" value="true"/> repeat until stopped</label>
      <div style="margin-top:12px"><button class="btn" type="submit">Start</button></div>
    </form>
    <div class="muted">POST /api/v1/prefetch</div>
  </div>

  <div class="card">
    <h2>Jobs</h2>
    {{if .Jobs}}
      <ul class="list">
      {{range .Jobs}}
        <li>
          <span class="mono">{{.Tag}}</span> <span class="status">{{.Status}}</span>
          {{if .Continuous}}<span class="muted">cycles: {{.Cycles}}</span>{{end}}
          {{if eq .Status "running"}}
          <form method="post" action="/ui/prefetch/{{.Tag}}/stop" style="display:inline"><button class="btn secondary" type="submit">Stop</button></form>
          {{end}}
          <ul class="list">
          {{range .Files}}
            <li class="muted"><span class="mono">{{.URL}}</span> · {{.State}}{{if .Error}} · error: {{.Error}}{{end}}</li>
          {{end}}
          </ul>
        </li>
      {{end}}
      </ul>
    {{else}}
      <div class="muted">No jobs yet</div>
    {{end}}
  </div>
  <footer>
    <div>API base: <span class="mono">/api/v1</span></div>
  </footer>
</body>
</html>
{{end}}
`))

// RegisterUIRoutes registers minimal HTML UI without JS
func (a *API) RegisterUIRoutes(router *gin.Engine) {
	router.SetHTMLTemplate(uiTemplates)
	router.GET("/", a.UIHome)
	router.POST("/ui/prefetch", a.UIStartPrefetch)
	router.POST("/ui/prefetch/:tag/stop", a.UIStopPrefetch)
}

// UIHome renders the status page
func (a *API) UIHome(c *gin.Context) { a.renderHome(c, http.StatusOK, "") }

// UIStartPrefetch starts a job from the form and redirects home
func (a *API) UIStartPrefetch(c *gin.Context) {
	var urls []string
	for _, line := range strings.Split(c.PostForm("urls"), "\n") {
		if u := strings.TrimSpace(line); u != "" {
			urls = append(urls, u)
		}
	}
	req := prefetch.Request{Tag: c.PostForm("tag"), URLs: urls, Continuous: c.PostForm("continuous") == "true"}
	if _, err := a.jobs.Start(req); err != nil {
		a.renderHome(c, http.StatusBadRequest, err.Error())
		return
	}
	c.Redirect(http.StatusFound, "/")
}

// UIStopPrefetch stops a job and redirects home
func (a *API) UIStopPrefetch(c *gin.Context) {
	if err := a.jobs.Stop(c.Param("tag")); err != nil {
		a.renderHome(c, http.StatusBadRequest, err.Error())
		return
	}
	c.Redirect(http.StatusFound, "/")
}

func (a *API) renderHome(c *gin.Context, status int, errMsg string) {
	c.HTML(status, "home", gin.H{
		"Stats": a.images.Stats(),
		"Jobs":  a.jobs.Jobs(),
		"Error": errMsg,
	})
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
