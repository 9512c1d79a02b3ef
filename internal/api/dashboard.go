package api

import (
	"html/template"
	"net/http"
	"time"

	"github.com/altia/nlserv/internal/licence"
	"github.com/altia/nlserv/internal/log"
)

type productRow struct {
	Name        string
	TotalSeats  int
	SeatsInUse  int
	Customer    string
	Expiry      string
	Connections []connectionJSON
}

type dashboardData struct {
	Version   string
	Generated time.Time
	Products  []productRow
}

var dashboardTmpl = template.Must(template.New("dashboard").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Licence Server</title>
<style>
body { font-family: sans-serif; margin: 2em; color: #222; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; margin-bottom: 2em; }
th, td { border: 1px solid #ccc; padding: 0.4em 0.8em; text-align: left; }
th { background: #f0f0f0; }
.meta { color: #666; font-size: 0.85em; }
</style>
</head>
<body>
<h1>Licence Server</h1>
<p class="meta">Version {{.Version}} &middot; generated {{.Generated.Format "2006-01-02 15:04:05"}}</p>
{{range .Products}}
<h2>{{.Name}}</h2>
<p>{{.SeatsInUse}} of {{.TotalSeats}} seats in use
{{- if .Customer}} &middot; licensed to {{.Customer}}{{end}}
{{- if .Expiry}} &middot; expires {{.Expiry}}{{end}}</p>
<table>
<tr><th>User</th><th>Host</th><th>IP</th><th>Logon</th><th>Last seen</th></tr>
{{range .Connections}}
<tr><td>{{.User}}</td><td>{{.Host}}</td><td>{{.IP}}</td>
<td>{{.LogonTime.Format "15:04:05"}}</td><td>{{.UpdateTime.Format "15:04:05"}}</td></tr>
{{else}}
<tr><td colspan="5">no live connections</td></tr>
{{end}}
</table>
{{else}}
<p>No licensed products.</p>
{{end}}
</body>
</html>
`))

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	products, err := s.seats.GetProducts(ctx)
	if err != nil {
		s.serverError(w, r, err)
		return
	}

	data := dashboardData{Version: s.cfg.Version, Generated: time.Now()}
	for _, name := range products {
		row := productRow{Name: name}

		if total, err := s.seats.TotalSeats(ctx, name); err == nil {
			row.TotalSeats = total
		}
		if view, err := s.seats.GetLicenceDetails(ctx, name); err == nil {
			row.Customer = view.Customer
			if !view.Date.IsZero() {
				row.Expiry = view.Date.Format(licence.DateLayout)
			}
		}
		conns, err := s.seats.GetConnections(ctx, name)
		if err != nil {
			s.serverError(w, r, err)
			return
		}
		for _, c := range conns {
			row.Connections = append(row.Connections, connectionJSON{
				User:       c.User,
				Host:       c.Host,
				IP:         c.IP,
				LogonTime:  c.LogonTime,
				UpdateTime: c.UpdateTime,
			})
		}
		row.SeatsInUse = len(row.Connections)
		data.Products = append(data.Products, row)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := dashboardTmpl.Execute(w, data); err != nil {
		logger := log.WithComponent("api")
		logger.Error().
			Err(err).
			Str("event", "api.render_failed").
			Msg("dashboard render failed")
	}
}
