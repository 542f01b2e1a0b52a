package web

import (
	"fmt"
	"html/template"
	"io"
	"strings"
	"time"

	"github.com/sweeney/plexwatch/internal/status"
)

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"uptime": formatUptime,
	"since": func(t time.Time) string {
		if t.IsZero() {
			return "-"
		}
		return t.UTC().Format(time.RFC3339)
	},
	"orDisabled": func(v string) string {
		if v == "" {
			return "disabled"
		}
		return v
	},
	"upDown": func(up bool) string {
		if up {
			return "connected"
		}
		return "disconnected"
	},
}).Parse(indexHTML))

// formatUptime renders d as "1d 2h 3m 4s", omitting leading zero units.
func formatUptime(d time.Duration) string {
	secs := int64(d / time.Second)
	units := []struct {
		n      int64
		suffix string
	}{
		{secs / 86400, "d"},
		{secs / 3600 % 24, "h"},
		{secs / 60 % 60, "m"},
	}
	var b strings.Builder
	for _, u := range units {
		if u.n > 0 || b.Len() > 0 {
			fmt.Fprintf(&b, "%d%s ", u.n, u.suffix)
		}
	}
	fmt.Fprintf(&b, "%ds", secs%60)
	return b.String()
}

const indexHTML = `<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width,initial-scale=1">
<meta http-equiv="refresh" content="10">
<title>Plexwatch</title>
<style>
body{font:14px/1.4 ui-monospace,monospace;max-width:40rem;margin:1.5rem auto;padding:0 1rem;color:#222}
h1{font-size:1.3rem;margin-bottom:.25rem}
h2{font-size:1.05rem;margin:1.5rem 0 .25rem}
table{border-collapse:collapse;width:100%}
th,td{text-align:left;padding:.2rem .5rem;border-bottom:1px solid #e4e4e4}
th{width:45%;font-weight:normal;color:#555}
.connected{color:#1a7f37}
.disconnected{color:#cf222e}
.warn{color:#bc4c00}
</style>
</head>
<body>
<h1>Plexwatch</h1>

<h2>Plex</h2>
<table>
<tr><th>Socket</th><td id="plex-state" class="{{upDown .Ready}}">{{.Plex.State}}</td></tr>
<tr><th>Server</th><td>{{.Config.PlexAddress}}</td></tr>
<tr><th>Connected since</th><td>{{since .Plex.ConnectedSince}}</td></tr>
<tr><th>Retries</th><td>{{.Plex.Retries}}{{if .Plex.ReconnectScheduled}} (reconnect scheduled){{end}}</td></tr>
<tr><th>Reconnects</th><td>{{.Alerts.Reconnects}}</td></tr>
{{if .Alerts.Unauthorized}}<tr><th>Unauthorized</th><td class="warn">{{.Alerts.Unauthorized}}</td></tr>{{end}}
{{if .Alerts.MaxRetriesReached}}<tr><th>Max retries reached</th><td class="warn">{{.Alerts.MaxRetriesReached}}</td></tr>{{end}}
{{if .Plex.LastError}}<tr><th>Last error</th><td>{{.Plex.LastError}}</td></tr>{{end}}
{{with .Plex.LastClose}}<tr><th>Last close</th><td>{{.Code}} {{.Reason}}</td></tr>{{end}}
</table>

<h2>Connectivity</h2>
<table>
{{$mqtt := upDown .MQTTConnected}}<tr><th>MQTT</th><td class="{{$mqtt}}">{{$mqtt}}</td></tr>
<tr><th>Broker</th><td>{{orDisabled .Config.Broker}}</td></tr>
</table>

<h2>Playback Events</h2>
<table>
<tr><th>Received</th><td>{{.Counts.Events}}</td></tr>
<tr><th>Matched</th><td>{{.Counts.Matched}}</td></tr>
<tr><th>Published</th><td>{{.Counts.Published}}</td></tr>
<tr><th>Filtered</th><td>{{.Counts.Filtered}}</td></tr>
<tr><th>Duplicates</th><td>{{.Counts.Duplicates}}</td></tr>
<tr><th>Unresolved</th><td>{{.Counts.Unresolved}}</td></tr>
<tr><th>Fetch failures</th><td>{{.Counts.FetchFailures}}</td></tr>
<tr><th>Publish failures</th><td>{{.Counts.PublishFailed}}</td></tr>
<tr><th>Cached sessions</th><td>{{.CachedSessions}}</td></tr>
</table>

<h2>System</h2>
<table>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{since .StartTime}}</td></tr>
<tr><th>Ping</th><td>{{.Config.PingIntervalMs}}ms</td></tr>
<tr><th>Pong timeout</th><td>{{.Config.PongTimeoutMs}}ms</td></tr>
<tr><th>Reconnect</th><td>{{.Config.ReconnectIntervalMs}}ms{{if .Config.MaxRetries}}, alert after {{.Config.MaxRetries}}{{end}}</td></tr>
<tr><th>Filters</th><td>{{.Config.Filters}}</td></tr>
<tr><th>Heartbeat</th><td>{{with .Config.HeartbeatMs}}{{.}}ms{{else}}disabled{{end}}</td></tr>
<tr><th>HTTP</th><td>{{.Config.HTTPAddr}}</td></tr>
</table>

<p><a href="/index.json">JSON</a> | <a href="/metrics">Metrics</a></p>
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot) error {
	return indexTmpl.Execute(w, snap)
}
