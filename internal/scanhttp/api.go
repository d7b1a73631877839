package scanhttp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/yarascan/internal/httpmw"
	"github.com/keithlinneman/yarascan/internal/log"
	"github.com/keithlinneman/yarascan/internal/rules"
	"github.com/keithlinneman/yarascan/internal/scan"
)

// Default route paths.
const (
	DefaultContentPath = "/scan/content"
	DefaultURLPath     = "/scan/url"
	DefaultReloadPath  = "/rules/reload"
	DefaultRulesPath   = "/rules"
)

// Scanner is implemented by *scan.Scanner.
type Scanner interface {
	ScanBytes(ctx context.Context, data []byte, unwrap bool) (scan.Result, scan.Outcome)
	ScanURL(ctx context.Context, rawURL string, unwrap bool) (scan.Result, scan.Outcome)
}

// RuleStore is implemented by *rules.Store.
type RuleStore interface {
	Reload(ctx context.Context) (*rules.Ruleset, error)
	Info() (rules.Info, bool)
}

type Options struct {
	Logger  log.Logger
	Scanner Scanner
	Rules   RuleStore

	// Route paths; empty means the Default* constant.
	ContentPath string
	URLPath     string
	ReloadPath  string
	RulesPath   string
}

// API implements the scan and rules endpoints.
type API struct {
	logger  log.Logger
	scanner Scanner
	rules   RuleStore

	contentPath string
	urlPath     string
	reloadPath  string
	rulesPath   string
}

func NewAPI(opts Options) *API {
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}
	return &API{
		logger:      logger,
		scanner:     opts.Scanner,
		rules:       opts.Rules,
		contentPath: orDefault(opts.ContentPath, DefaultContentPath),
		urlPath:     orDefault(opts.URLPath, DefaultURLPath),
		reloadPath:  orDefault(opts.ReloadPath, DefaultReloadPath),
		rulesPath:   orDefault(opts.RulesPath, DefaultRulesPath),
	}
}

func orDefault(v, d string) string {
	if v == "" {
		return d
	}
	return v
}

// RegisterRoutes attaches the endpoints to the router.
func (api *API) RegisterRoutes(r chi.Router) {
	r.With(httpmw.Scope("scan_content")).Post(api.contentPath, api.HandleScanContent)
	r.With(httpmw.Scope("scan_url")).Post(api.urlPath, api.HandleScanURL)
	r.With(httpmw.Scope("rules_reload")).Post(api.reloadPath, api.HandleReload)
	r.With(httpmw.Scope("rules_info")).Get(api.rulesPath, api.HandleRulesInfo)
}

// URLRequest is the body of a URL scan.
type URLRequest struct {
	URL         string `json:"url"`
	NeedToUnzip bool   `json:"need_to_unzip"`
}

// ReloadResponse is the body of a successful reload.
type ReloadResponse struct {
	Result  string     `json:"result"`
	Ruleset rules.Info `json:"ruleset"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// unzipRequested reads ?need_to_unzip=; only "true" and "1" enable it.
func unzipRequested(r *http.Request) bool {
	switch r.URL.Query().Get("need_to_unzip") {
	case "true", "1":
		return true
	}
	return false
}

// HandleScanContent scans the raw request body.
func (api *API) HandleScanContent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	data, err := io.ReadAll(r.Body)
	if err != nil {
		api.bodyError(ctx, w, err)
		return
	}

	res, outcome := api.scanner.ScanBytes(ctx, data, unzipRequested(r))
	api.writeResult(ctx, w, contentStatus(outcome), res, outcome)
}

// HandleScanURL fetches the URL named in the JSON body and scans it.
func (api *API) HandleScanURL(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		api.bodyError(ctx, w, err)
		return
	}
	var req URLRequest
	if err := json.Unmarshal(body, &req); err != nil {
		api.writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: "invalid JSON"})
		return
	}
	if req.URL == "" {
		api.writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: "url is required"})
		return
	}

	res, outcome := api.scanner.ScanURL(ctx, req.URL, req.NeedToUnzip)
	api.writeResult(ctx, w, urlStatus(outcome), res, outcome)
}

// HandleReload recompiles the rules directory. A failed compile leaves the
// previous ruleset serving.
func (api *API) HandleReload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	rs, err := api.rules.Reload(ctx)
	if err != nil {
		log.FromContext(ctx).Warn(ctx, "rule reload request failed", "err", err)
		api.writeJSON(ctx, w, http.StatusInternalServerError, errorResponse{Error: reloadErrorMessage(err)})
		return
	}

	info := rs.Info()
	w.Header().Set(httpmw.RulesetHeader, info.Fingerprint)
	api.writeJSON(ctx, w, http.StatusOK, ReloadResponse{Result: "ok", Ruleset: info})
}

// reloadErrorMessage keeps compiler diagnostics but strips server paths.
// Other failures are already logged in full.
func reloadErrorMessage(err error) string {
	var ce *rules.CompileError
	if errors.As(err, &ce) {
		c := *ce
		c.Path = filepath.Base(c.Path)
		return c.Error()
	}
	if errors.Is(err, rules.ErrNotInitialized) {
		return err.Error()
	}
	return "rules reload failed"
}

// HandleRulesInfo describes the active ruleset.
func (api *API) HandleRulesInfo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	info, ok := api.rules.Info()
	if !ok {
		api.writeJSON(ctx, w, http.StatusServiceUnavailable, errorResponse{Error: "no active ruleset"})
		return
	}
	api.writeJSON(ctx, w, http.StatusOK, info)
}

func contentStatus(o scan.Outcome) int {
	switch o {
	case scan.OutcomeOK:
		return http.StatusOK
	case scan.OutcomeUnwrapFailed, scan.OutcomeBadInput:
		return http.StatusBadRequest
	case scan.OutcomeFetchFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// urlStatus differs from contentStatus in blaming the remote side for an
// archive that will not unzip.
func urlStatus(o scan.Outcome) int {
	switch o {
	case scan.OutcomeOK:
		return http.StatusOK
	case scan.OutcomeFetchFailed, scan.OutcomeUnwrapFailed:
		return http.StatusBadGateway
	case scan.OutcomeBadInput:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (api *API) bodyError(ctx context.Context, w http.ResponseWriter, err error) {
	if httpmw.IsBodyTooLarge(err) {
		api.writeJSON(ctx, w, http.StatusRequestEntityTooLarge, errorResponse{Error: "request body too large"})
		return
	}
	if errors.Is(err, context.Canceled) {
		// client went away; nobody is reading the response
		return
	}
	log.FromContext(ctx).Debug(ctx, "failed to read request body", "err", err)
	api.writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: "failed to read body"})
}

func (api *API) writeResult(ctx context.Context, w http.ResponseWriter, status int, res scan.Result, outcome scan.Outcome) {
	if res.Fingerprint != "" {
		w.Header().Set(httpmw.RulesetHeader, res.Fingerprint)
	}
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetAttributes(
			attribute.String("scan.outcome", outcome.String()),
			attribute.Int("scan.matched_rule_count", res.MatchedRuleCount),
		)
	}
	api.writeJSON(ctx, w, status, res)
}

func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.logger.Warn(ctx, "failed to encode JSON response", "err", err)
	}
}
