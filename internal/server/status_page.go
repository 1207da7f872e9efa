package server

import (
	_ "embed"
	"html/template"
	"net/http"
	"time"

	"github.com/gaspardpetit/appbridge/internal/logx"
	"github.com/gaspardpetit/appbridge/internal/sessionstate"
)

//go:embed status.html
var statusHTML string

var statusTmpl = template.Must(template.New("status").Funcs(template.FuncMap{
	"since": func(t time.Time) string {
		if t.IsZero() {
			return "-"
		}
		return t.UTC().Format(time.RFC3339)
	},
	"orDash": func(s string) string {
		if s == "" {
			return "-"
		}
		return s
	},
}).Parse(statusHTML))

// statusPage renders the session as of the request; the page then keeps
// itself current by polling /state.
func statusPage(state func() sessionstate.State) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		if err := statusTmpl.Execute(w, state()); err != nil {
			logx.Log.Warn().Err(err).Msg("render status page")
		}
	}
}
