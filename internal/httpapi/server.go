package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"html"
	"log"
	"net/http"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/joelkehle/patent-categorizer/internal/lookup"
	"github.com/joelkehle/patent-categorizer/internal/patent"
	"github.com/joelkehle/patent-categorizer/internal/retrieval"
)

type Looker interface {
	Lookup(ctx context.Context, raw string, pt patent.PatentType, categorize bool) (lookup.Result, error)
	StatusLine() string
}

type Server struct {
	service Looker
	md      goldmark.Markdown
}

// NewServer wires the lookup routes. metrics may be nil.
func NewServer(service Looker, metrics http.Handler) http.Handler {
	s := &Server{
		service: service,
		md:      goldmark.New(goldmark.WithExtensions(extension.GFM)),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/lookup", s.handleLookup)
	mux.HandleFunc("/report", s.handleReport)
	mux.HandleFunc("/healthz", s.handleHealth)
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}
	return mux
}

type lookupRequest struct {
	number     string
	patentType patent.PatentType
	categorize bool
}

func parseLookupRequest(r *http.Request) (lookupRequest, error) {
	q := r.URL.Query()
	pt, err := patent.ParsePatentType(q.Get("type"))
	if err != nil {
		return lookupRequest{}, err
	}
	number := strings.TrimSpace(q.Get("number"))
	if number == "" {
		return lookupRequest{}, lookup.ErrEmptyNumber
	}
	categorize := true
	switch strings.ToLower(strings.TrimSpace(q.Get("categorize"))) {
	case "0", "false", "no":
		categorize = false
	}
	return lookupRequest{number: number, patentType: pt, categorize: categorize}, nil
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeError(w, http.StatusNotFound, "not_found", "no route for "+r.URL.Path)
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(page("Patent Categorizer", indexForm(s.service.StatusLine()))))
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
		return
	}
	req, err := parseLookupRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	res, err := s.service.Lookup(r.Context(), req.number, req.patentType, req.categorize)
	if err != nil {
		status, code := lookupErrorStatus(err)
		writeError(w, status, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "result": res, "status": s.service.StatusLine()})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
		return
	}
	req, err := parseLookupRequest(r)
	if err != nil {
		s.writeMarkdown(w, http.StatusBadRequest, "# Invalid Request\n\n"+err.Error()+"\n")
		return
	}
	res, err := s.service.Lookup(r.Context(), req.number, req.patentType, req.categorize)
	if err != nil {
		status, _ := lookupErrorStatus(err)
		s.writeMarkdown(w, status, lookup.BuildNotFoundMarkdown(res.Identifier, err))
		return
	}
	s.writeMarkdown(w, http.StatusOK, lookup.BuildReportMarkdown(res, s.service.StatusLine()))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) writeMarkdown(w http.ResponseWriter, status int, markdown string) {
	var buf bytes.Buffer
	if err := s.md.Convert([]byte(markdown), &buf); err != nil {
		log.Printf("patent-categorizer httpapi markdown_convert_failed err=%q", err.Error())
		writeError(w, http.StatusInternalServerError, "render_failed", "markdown convert failed")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(page("Patent Report", buf.String()+"<p><a href='/'>New lookup</a></p>")))
}

func lookupErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, retrieval.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, lookup.ErrEmptyNumber):
		return http.StatusBadRequest, "invalid_request"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"ok": false,
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}

func indexForm(status string) string {
	return "<h1>Patent Categorizer</h1>" +
		"<p class='status'>" + html.EscapeString(status) + "</p>" +
		"<form method='get' action='/report'>" +
		"<label>Patent type <select name='type'>" +
		"<option value='granted'>" + string(patent.TypeGranted) + "</option>" +
		"<option value='application'>" + string(patent.TypeApplication) + "</option>" +
		"</select></label> " +
		"<label>US patent or application number <input name='number' placeholder='e.g., 6172354 or 20230123456'></label> " +
		"<button type='submit'>Submit</button>" +
		"</form>"
}

func page(title, body string) string {
	return "<!doctype html><html><head><meta charset='utf-8'><title>" + html.EscapeString(title) + "</title>" +
		"<style>body{font-family:system-ui,sans-serif;max-width:900px;margin:2rem auto;padding:0 1rem;color:#1c1917;} " +
		"table{border-collapse:collapse;width:100%;} th,td{border:1px solid #a8a29e;padding:0.35rem 0.45rem;text-align:left;vertical-align:top;} " +
		"thead th{background:#f1f5f9;} pre{background:#f5f5f4;padding:0.5rem;overflow-x:auto;} .status{color:#44403c;}</style>" +
		"</head><body>" + body + "</body></html>"
}
