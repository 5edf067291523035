package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/rpattn/statedata/internal/auth"
	"github.com/rpattn/statedata/internal/domain"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

const defaultMaxUploadBytes = 32 << 20

// Handler exposes the import lifecycle over HTTP.
type Handler struct {
	service        *Service
	logger         logrus.FieldLogger
	maxUploadBytes int64
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithMaxUploadBytes limits the size of multipart uploads.
func WithMaxUploadBytes(limit int64) HandlerOption {
	return func(h *Handler) {
		if limit > 0 {
			h.maxUploadBytes = limit
		}
	}
}

// NewHTTPHandler builds a handler over service.
func NewHTTPHandler(service *Service, logger logrus.FieldLogger, opts ...HandlerOption) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	h := &Handler{service: service, logger: logger, maxUploadBytes: defaultMaxUploadBytes}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts the import routes on router.
func (h *Handler) Register(router *mux.Router) {
	router.HandleFunc("/templates", h.listTemplates).Methods(http.MethodGet)
	router.HandleFunc("/imports", h.upload).Methods(http.MethodPost)
	router.HandleFunc("/imports", h.listImports).Methods(http.MethodGet)
	router.HandleFunc("/imports/{id}", h.getImport).Methods(http.MethodGet)
	router.HandleFunc("/imports/{id}", h.purge).Methods(http.MethodDelete)
	router.HandleFunc("/imports/{id}/validate", h.validate).Methods(http.MethodPost)
	router.HandleFunc("/imports/{id}/promote", h.promote).Methods(http.MethodPost)
	router.HandleFunc("/imports/{id}/retry", h.retry).Methods(http.MethodPost)
	router.HandleFunc("/imports/{id}/discard", h.discard).Methods(http.MethodPost)
	router.HandleFunc("/imports/{id}/staged-rows", h.stagedRows).Methods(http.MethodGet)
	router.HandleFunc("/imports/{id}/failed-rows", h.failedRows).Methods(http.MethodGet)
}

// ServeHTTP serves the import routes on a fresh router.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	router := mux.NewRouter()
	h.Register(router)
	router.ServeHTTP(w, r)
}

func (h *Handler) listTemplates(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"templates": h.service.Templates()})
}

func (h *Handler) upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, r, domain.NewRequestError(fmt.Sprintf("file exceeds %d bytes", h.maxUploadBytes)))
			return
		}
		h.writeError(w, r, domain.NewRequestError(fmt.Sprintf("invalid form data: %v", err)))
		return
	}

	req := UploadRequest{
		TemplateID:     strings.TrimSpace(r.FormValue("templateId")),
		Metadata:       json.RawMessage(r.FormValue("metadata")),
		UserID:         auth.ResolveUserID(r.Context(), r.FormValue("userId")),
		AllowDuplicate: parseBool(r.FormValue("allowDuplicate")),
	}

	file, header, err := r.FormFile("file")
	switch {
	case err == nil:
		defer file.Close()
		data, err := io.ReadAll(file)
		if err != nil {
			h.writeError(w, r, domain.NewRequestError(fmt.Sprintf("failed to read file: %v", err)))
			return
		}
		req.FileName = header.Filename
		req.Data = data
	case errors.Is(err, http.ErrMissingFile):
	default:
		h.writeError(w, r, domain.NewRequestError(fmt.Sprintf("invalid file: %v", err)))
		return
	}

	result, err := h.service.Upload(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if result.Duplicate && result.Status == domain.ImportStatusDiscarded {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

func (h *Handler) listImports(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := domain.ImportSessionFilter{}
	for _, raw := range query["status"] {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				filter.Statuses = append(filter.Statuses, domain.ImportStatus(strings.ToUpper(part)))
			}
		}
	}
	var err error
	if filter.Limit, err = parseIntParam(query.Get("limit")); err != nil {
		h.writeError(w, r, domain.NewRequestError("limit must be an integer"))
		return
	}
	if filter.Offset, err = parseIntParam(query.Get("offset")); err != nil {
		h.writeError(w, r, domain.NewRequestError("offset must be an integer"))
		return
	}

	sessions, total, err := h.service.ListImports(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"imports": sessions, "total": total})
}

func (h *Handler) getImport(w http.ResponseWriter, r *http.Request) {
	id, ok := h.importID(w, r)
	if !ok {
		return
	}
	session, err := h.service.GetImport(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (h *Handler) validate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.importID(w, r)
	if !ok {
		return
	}
	report, err := h.service.ValidateImport(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type userRequest struct {
	UserID string `json:"userId"`
}

func (h *Handler) promote(w http.ResponseWriter, r *http.Request) {
	id, ok := h.importID(w, r)
	if !ok {
		return
	}
	body, ok := h.decodeUser(w, r)
	if !ok {
		return
	}
	result, err := h.service.PromoteToProduction(r.Context(), id, auth.ResolveUserID(r.Context(), body.UserID))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) retry(w http.ResponseWriter, r *http.Request) {
	id, ok := h.importID(w, r)
	if !ok {
		return
	}
	body, ok := h.decodeUser(w, r)
	if !ok {
		return
	}
	result, err := h.service.RetryImport(r.Context(), id, auth.ResolveUserID(r.Context(), body.UserID))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) discard(w http.ResponseWriter, r *http.Request) {
	id, ok := h.importID(w, r)
	if !ok {
		return
	}
	session, err := h.service.Discard(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (h *Handler) purge(w http.ResponseWriter, r *http.Request) {
	id, ok := h.importID(w, r)
	if !ok {
		return
	}
	if err := h.service.Purge(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) stagedRows(w http.ResponseWriter, r *http.Request) {
	id, ok := h.importID(w, r)
	if !ok {
		return
	}
	limit, err := parseIntParam(r.URL.Query().Get("limit"))
	if err != nil {
		h.writeError(w, r, domain.NewRequestError("limit must be an integer"))
		return
	}
	rows, err := h.service.PreviewStaged(r.Context(), id, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rows": rows, "count": len(rows)})
}

func (h *Handler) failedRows(w http.ResponseWriter, r *http.Request) {
	id, ok := h.importID(w, r)
	if !ok {
		return
	}
	report, err := h.service.FailedRowsCSV(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="import-%s-failed-rows.csv"`, id))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(report)
}

func (h *Handler) importID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := mux.Vars(r)["id"]
	id, err := uuid.Parse(raw)
	if err != nil {
		h.writeError(w, r, domain.NewRequestError(fmt.Sprintf("invalid import id %q", raw)))
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) decodeUser(w http.ResponseWriter, r *http.Request) (userRequest, bool) {
	var body userRequest
	if r.Body == nil || r.ContentLength == 0 {
		return body, true
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, r, domain.NewRequestError(fmt.Sprintf("invalid request body: %v", err)))
		return body, false
	}
	return body, true
}

type errorResponse struct {
	Message string   `json:"message"`
	Code    string   `json:"code"`
	Errors  []string `json:"errors,omitempty"`
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := errorResponse{Message: err.Error(), Code: domain.ErrorCode(err)}
	var requestErr *domain.RequestError
	if errors.As(err, &requestErr) {
		body.Errors = requestErr.Problems
	}
	if status >= http.StatusInternalServerError {
		h.logger.WithError(err).WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
		}).Error("import request failed")
	}
	writeJSON(w, status, body)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrBadRequest), errors.Is(err, domain.ErrUnknownTemplate):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrParse):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrPromotion):
		return http.StatusInternalServerError
	case errors.Is(err, domain.ErrInvalidStateTransition):
		return http.StatusConflict
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func parseIntParam(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

func parseBool(raw string) bool {
	value, err := strconv.ParseBool(strings.TrimSpace(raw))
	return err == nil && value
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}
