package handlers

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/sqlrest-gateway/pkg/apperrors"
	"github.com/ekaya-inc/sqlrest-gateway/pkg/audit"
	"github.com/ekaya-inc/sqlrest-gateway/pkg/config"
	"github.com/ekaya-inc/sqlrest-gateway/pkg/crypto"
	"github.com/ekaya-inc/sqlrest-gateway/pkg/logging"
	"github.com/ekaya-inc/sqlrest-gateway/pkg/middleware"
	"github.com/ekaya-inc/sqlrest-gateway/pkg/models"
	"github.com/ekaya-inc/sqlrest-gateway/pkg/query"
	"github.com/ekaya-inc/sqlrest-gateway/pkg/ratelimit"
	"github.com/ekaya-inc/sqlrest-gateway/pkg/services"
	"github.com/ekaya-inc/sqlrest-gateway/pkg/sql"
)

// Rate limit response headers.
const (
	HeaderRateLimit      = "X-RateLimit-Limit"
	HeaderRateRemaining  = "X-RateLimit-Remaining"
	HeaderRateReset      = "X-RateLimit-Reset"
	HeaderDailyLimit     = "X-RateLimit-Daily-Limit"
	HeaderDailyRemaining = "X-RateLimit-Daily-Remaining"
)

// Credential headers. Either may carry the key.
const (
	HeaderAPIKey        = "X-Api-Key"
	HeaderAuthorization = "Authorization"
)

// Admitter admits or refuses a request for a key. Implemented by *ratelimit.Limiter.
type Admitter interface {
	Admit(ctx context.Context, keyID uuid.UUID, rateRPS, dailyQuota int) (*ratelimit.Decision, error)
}

var _ Admitter = (*ratelimit.Limiter)(nil)

// PageInfo describes the page returned by a list request.
type PageInfo struct {
	Limit  int     `json:"limit"`
	Cursor *string `json:"cursor"`
}

// ListResponse is the body of GET /api/{fqn}.
type ListResponse struct {
	Data []map[string]any `json:"data"`
	Page PageInfo         `json:"page"`
}

// DetailResponse is the body of GET /api/{fqn}/{id}. Data is null when no row matches.
type DetailResponse struct {
	Data map[string]any `json:"data"`
}

// apiRequest is the state of one /api request as it moves through
// authenticate, admit, build and execute.
type apiRequest struct {
	start     time.Time
	requestID string
	clientIP  string

	key      *models.APIKey
	decision *ratelimit.Decision
	table    sql.TableName
	policy   query.Policy

	status   int
	rowCount int
}

func (ar *apiRequest) auditContext() audit.RequestContext {
	rc := audit.RequestContext{RequestID: ar.requestID, ClientIP: ar.clientIP}
	if ar.key != nil {
		rc.ProjectID = ar.key.ProjectID
		rc.APIKeyID = ar.key.ID
	}
	return rc
}

// APIHandler serves read-only table access under /api.
type APIHandler struct {
	auth     services.Authenticator
	limiter  Admitter
	queries  services.QueryService
	audits   services.RequestAuditService
	security *audit.SecurityAuditor
	cfg      config.QueryConfig
	logger   *zap.Logger
}

// NewAPIHandler creates a new APIHandler.
func NewAPIHandler(
	auth services.Authenticator,
	limiter Admitter,
	queries services.QueryService,
	audits services.RequestAuditService,
	security *audit.SecurityAuditor,
	cfg config.QueryConfig,
	logger *zap.Logger,
) *APIHandler {
	return &APIHandler{
		auth:     auth,
		limiter:  limiter,
		queries:  queries,
		audits:   audits,
		security: security,
		cfg:      cfg,
		logger:   logger.Named("api"),
	}
}

// RegisterRoutes registers the table routes on the given mux.
func (h *APIHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/{fqn}", h.List)
	mux.HandleFunc("GET /api/{fqn}/{id}", h.Get)
}

// List handles GET /api/{fqn}.
func (h *APIHandler) List(w http.ResponseWriter, r *http.Request) {
	ar := h.begin(r)
	defer h.finish(w, r, ar)

	if !h.prepare(w, r, ar) {
		return
	}

	params := r.URL.Query()
	limit, offset, err := query.ParsePaging(params.Get("limit"), params.Get("offset"), h.cfg.DefaultLimit, h.cfg.MaxLimit)
	if err != nil {
		h.writeError(w, ar, err)
		return
	}

	req := query.ListRequest{
		Table:       ar.table,
		Select:      params.Get("select"),
		Where:       params.Get("where"),
		Order:       params.Get("order"),
		Limit:       limit,
		Offset:      offset,
		CursorField: params.Get("cursor_field"),
		Cursor:      params.Get("cursor"),
	}

	page, err := h.queries.List(r.Context(), ar.auditContext(), req, ar.policy)
	if err != nil {
		h.writeError(w, ar, err)
		return
	}

	ar.rowCount = len(page.Rows)
	h.writeJSON(w, ar, ListResponse{
		Data: page.Rows,
		Page: PageInfo{Limit: limit, Cursor: page.NextCursor},
	})
}

// Get handles GET /api/{fqn}/{id}.
func (h *APIHandler) Get(w http.ResponseWriter, r *http.Request) {
	ar := h.begin(r)
	defer h.finish(w, r, ar)

	if !h.prepare(w, r, ar) {
		return
	}

	row, err := h.queries.Get(r.Context(), ar.auditContext(), ar.table, r.PathValue("id"), r.URL.Query().Get("pk"), ar.policy)
	if err != nil {
		h.writeError(w, ar, err)
		return
	}

	if row != nil {
		ar.rowCount = 1
	}
	h.writeJSON(w, ar, DetailResponse{Data: row})
}

func (h *APIHandler) begin(r *http.Request) *apiRequest {
	return &apiRequest{
		start:     time.Now(),
		requestID: middleware.GetRequestID(r.Context()),
		clientIP:  clientIP(r),
	}
}

// prepare authenticates, admits and resolves the target table and policy.
// On failure it writes the error response and returns false.
func (h *APIHandler) prepare(w http.ResponseWriter, r *http.Request, ar *apiRequest) bool {
	secret := services.ExtractAPIKey(r.Header.Get(HeaderAPIKey), r.Header.Get(HeaderAuthorization))
	key, err := h.auth.Authenticate(r.Context(), secret)
	if err != nil {
		if errors.Is(err, apperrors.ErrUnauthenticated) || errors.Is(err, apperrors.ErrForbidden) {
			details := audit.AuthFailureDetails{Reason: apperrors.Code(err)}
			if secret != "" {
				details.KeyPrefix = crypto.KeyPrefix(secret)
			}
			h.security.LogAuthenticationFailure(ar.requestID, ar.clientIP, details)
		}
		h.writeError(w, ar, err)
		return false
	}
	ar.key = key

	decision, err := h.limiter.Admit(r.Context(), key.ID, key.RateRPS, key.DailyQuota)
	ar.decision = decision
	if err != nil {
		var limitErr *apperrors.LimitError
		if errors.As(err, &limitErr) {
			limit := key.RateRPS
			if errors.Is(err, apperrors.ErrQuotaExceeded) {
				limit = key.DailyQuota
			}
			h.security.LogRateLimitExceeded(ar.auditContext(), audit.RateLimitDetails{
				Kind:       apperrors.Code(err),
				Limit:      limit,
				RetryAfter: limitErr.RetryAfterSeconds(),
			})
		}
		h.writeError(w, ar, err)
		return false
	}

	table, err := sql.ParseTableName(r.PathValue("fqn"))
	if err != nil {
		h.writeError(w, ar, err)
		return false
	}
	ar.table = table
	ar.policy = services.ResolvePolicy(key, table.String())
	return true
}

func (h *APIHandler) writeJSON(w http.ResponseWriter, ar *apiRequest, body any) {
	setRateLimitHeaders(w, ar.decision)
	ar.status = http.StatusOK
	if err := WriteJSON(w, http.StatusOK, body); err != nil {
		h.logger.Error("Failed to encode response", zap.String("request_id", ar.requestID), zap.Error(err))
	}
}

func (h *APIHandler) writeError(w http.ResponseWriter, ar *apiRequest, err error) {
	setRateLimitHeaders(w, ar.decision)

	status, encErr := WriteError(w, err, ar.requestID)
	ar.status = status
	if encErr != nil {
		h.logger.Error("Failed to encode error response", zap.String("request_id", ar.requestID), zap.Error(encErr))
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("request_id", ar.requestID),
			zap.Int("status", status),
			zap.Error(err))
	}
}

// finish records the request in the audit trail once the response is written.
// The body is flushed first so the client does not wait on the audit write.
// Only requests that resolved a key are recorded.
func (h *APIHandler) finish(w http.ResponseWriter, r *http.Request, ar *apiRequest) {
	if ar.key == nil {
		return
	}

	if err := http.NewResponseController(w).Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		h.logger.Debug("Failed to flush response before audit",
			zap.String("request_id", ar.requestID),
			zap.String("error", logging.SanitizeError(err)))
	}

	keyID := ar.key.ID
	h.audits.Record(r.Context(), &models.RequestAuditEntry{
		ProjectID:   ar.key.ProjectID,
		APIKeyID:    &keyID,
		RequestID:   ar.requestID,
		Route:       r.URL.RequestURI(),
		Method:      r.Method,
		Status:      ar.status,
		DurationMs:  time.Since(ar.start).Milliseconds(),
		RowCount:    ar.rowCount,
		QueryParams: queryParams(r),
	})
}

func setRateLimitHeaders(w http.ResponseWriter, d *ratelimit.Decision) {
	if d == nil || !d.Enforced {
		return
	}
	h := w.Header()
	h.Set(HeaderRateLimit, strconv.Itoa(d.Limit))
	h.Set(HeaderRateRemaining, strconv.Itoa(d.Remaining))
	h.Set(HeaderRateReset, strconv.FormatInt(d.Reset, 10))
	h.Set(HeaderDailyLimit, strconv.Itoa(d.DailyLimit))
	h.Set(HeaderDailyRemaining, strconv.Itoa(d.DailyRemaining))
}

// queryParams flattens the query string for the audit log. Repeated
// parameters keep every value.
func queryParams(r *http.Request) models.JSONBMap {
	values := r.URL.Query()
	out := make(models.JSONBMap, len(values))
	for k, v := range values {
		if len(v) == 1 {
			out[k] = v[0]
		} else {
			out[k] = v
		}
	}
	return out
}

// clientIP prefers the first X-Forwarded-For hop, then the peer address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
