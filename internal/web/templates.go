package web

// Templates are compiled in as strings; the viewer ships as a single
// binary with no asset directory to resolve at runtime.

const layoutTemplate = `{{define "layout"}}<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}} - keep</title>
<style>
body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", sans-serif;
       max-width: 60rem; margin: 0 auto; padding: 1rem; color: #1a1a2e; }
nav { display: flex; gap: 1rem; border-bottom: 1px solid #ddd;
      padding-bottom: .5rem; margin-bottom: 1rem; }
nav a { text-decoration: none; color: #444; }
nav a.active { font-weight: 600; color: #000; }
table { border-collapse: collapse; width: 100%; }
th, td { text-align: left; padding: .4rem .6rem; border-bottom: 1px solid #eee; }
.label { display: inline-block; background: #eef; border-radius: 3px;
         padding: 0 .4rem; margin-right: .3rem; font-size: .85em; }
.mono { font-family: ui-monospace, monospace; font-size: .85em; }
.content { background: #fafafa; border: 1px solid #eee; border-radius: 4px;
           padding: 1rem; margin-top: 1rem; }
.error-message { color: #a00; }
.ok { color: #080; }
.bad { color: #a00; font-weight: 600; }
footer { margin-top: 2rem; color: #999; font-size: .8em; }
</style>
</head>
<body>
<nav>
  <a href="/memories" {{if eq .Nav "memories"}}class="active"{{end}}>Memories</a>
  <a href="/events" {{if eq .Nav "events"}}class="active"{{end}}>Audit log</a>
</nav>
{{block "content" .}}{{end}}
<footer>keep {{.Version}} &middot; local viewer, read-only</footer>
</body>
</html>{{end}}`

const listTemplate = `{{define "content"}}
<h1>Memories</h1>
<table>
<tr><th>Created</th><th>Type</th><th>Labels</th><th>Capsule</th></tr>
{{range .Items}}
<tr>
  <td><a href="/memories/{{.MemoryID}}">{{.Created}}</a></td>
  <td>{{.ContentType}}</td>
  <td>
    <span class="label">{{.Labels.Sensitivity}}</span>
    <span class="label">{{.Labels.Retention}}</span>
    <span class="label">{{.Labels.Sharing}}</span>
  </td>
  <td class="mono">{{shortID .CapsuleID}}</td>
</tr>
{{else}}
<tr><td colspan="4">The vault is empty.</td></tr>
{{end}}
</table>
<p>
{{if gt .Pagination.Offset 0}}<a href="/memories?limit={{.Pagination.Limit}}&offset={{sub .Pagination.Offset .Pagination.Limit}}">&laquo; newer</a>{{end}}
{{if .Pagination.HasMore}}<a href="/memories?limit={{.Pagination.Limit}}&offset={{add .Pagination.Offset .Pagination.Limit}}">older &raquo;</a>{{end}}
</p>
{{end}}`

const detailTemplate = `{{define "content"}}
<h1>{{.Title}}</h1>
<table>
<tr><th>Memory</th><td class="mono">{{.Memory.MemoryID}}</td></tr>
<tr><th>Capsule</th><td class="mono">{{.Memory.CapsuleID}}</td></tr>
<tr><th>Subject</th><td>{{.Memory.Subject}}</td></tr>
<tr><th>Created</th><td>{{.Memory.Created}}</td></tr>
<tr><th>Type</th><td>{{.Memory.ContentType}}</td></tr>
<tr><th>Labels</th><td>
  <span class="label">sensitivity: {{.Memory.Labels.Sensitivity}}</span>
  <span class="label">retention: {{.Memory.Labels.Retention}}</span>
  <span class="label">sharing: {{.Memory.Labels.Sharing}}</span>
</td></tr>
</table>
<div class="content">
{{if .RenderedHTML}}{{.RenderedHTML}}{{else}}<pre>{{.Content}}</pre>{{end}}
</div>
{{if .Memory.Attachments}}
<h2>Attachments</h2>
<table>
<tr><th>Name</th><th>Type</th><th>Size</th></tr>
{{range .Memory.Attachments}}
<tr>
  <td><a href="/attachments/{{.ID}}">{{.Name}}</a></td>
  <td>{{.MediaType}}</td>
  <td>{{.SizeBytes}}</td>
</tr>
{{end}}
</table>
{{end}}
{{end}}`

const eventsTemplate = `{{define "content"}}
<h1>Audit log</h1>
<p>Chain verification:
{{if .Verify.OK}}<span class="ok">intact</span> ({{.Verify.Checked}} events)
{{else}}<span class="bad">BROKEN at {{.Verify.FailedAt}}</span>{{end}}
</p>
<table>
<tr><th>Timestamp</th><th>Type</th><th>Actor</th><th>Capsule</th><th>Event</th></tr>
{{range .Events}}
<tr>
  <td>{{.Timestamp}}</td>
  <td>{{.Type}}</td>
  <td>{{.Actor}}</td>
  <td class="mono">{{shortID .CapsuleID}}</td>
  <td class="mono">{{shortID .ID}}</td>
</tr>
{{else}}
<tr><td colspan="5">No events recorded.</td></tr>
{{end}}
</table>
{{end}}`

const errorTemplate = `{{define "content"}}
<h1>Error {{.StatusCode}}</h1>
<p class="error-message">{{.Message}}</p>
{{end}}`
