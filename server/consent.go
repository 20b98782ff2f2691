package server

import (
	"html/template"
	"net/http"
)

type consentView struct {
	Action     string
	State      string
	ClientName string
	ClientID   string
	Redirect   string
	Scope      string
	User       string
}

var consentTemplate = template.Must(template.New("consent").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Authorize access</title>
<style>
body { font-family: Arial, sans-serif; margin: 3rem auto; max-width: 560px; color: #1d1d1f; }
h1 { font-size: 1.5rem; margin-bottom: 1rem; }
table { border-collapse: collapse; width: 100%; margin-bottom: 1.5rem; }
th, td { border: 1px solid #d0d0d5; padding: 0.5rem; text-align: left; font-size: 0.95rem; word-break: break-all; }
th { background: #f0f0f5; width: 30%; }
.actions { display: flex; gap: 1rem; }
button { padding: 0.6rem 1.2rem; font-size: 1rem; cursor: pointer; }
.approve { background: #1976d2; color: #fff; border: none; border-radius: 4px; }
.deny { background: #fff; border: 1px solid #d0d0d5; border-radius: 4px; }
small { color: #555; }
</style>
</head>
<body>
<h1>{{if .ClientName}}{{.ClientName}}{{else}}{{.ClientID}}{{end}} wants to manage your network</h1>
<table>
<tr><th>Signed in as</th><td>{{.User}}</td></tr>
<tr><th>Client</th><td>{{.ClientID}}</td></tr>
<tr><th>Redirect</th><td>{{.Redirect}}</td></tr>
<tr><th>Scope</th><td>{{if .Scope}}{{.Scope}}{{else}}mcp:tools{{end}}</td></tr>
</table>
<form method="post" action="{{.Action}}">
<input type="hidden" name="state" value="{{.State}}">
<div class="actions">
<button class="approve" type="submit" name="action" value="approve">Approve</button>
<button class="deny" type="submit" name="action" value="deny">Deny</button>
</div>
</form>
<p><small>Approving lets this client list, block and reconnect devices on your network for one hour.</small></p>
</body>
</html>`))

func renderConsent(w http.ResponseWriter, view consentView) error {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Frame-Options", "DENY")
	return consentTemplate.Execute(w, view)
}
