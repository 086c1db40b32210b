// Package handler exposes the consent lifecycle over HTTP. The signup route
// takes a JSON body; everything else is a GET that works from an emailed
// link, carrying its credentials in the path.
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"mailconsent/internal/consent/models"
	"mailconsent/internal/consent/service"
	"mailconsent/internal/email"
	"mailconsent/internal/platform/middleware"
	"mailconsent/internal/transport/http/shared"
	respond "mailconsent/internal/transport/http/shared/json"
	dErrors "mailconsent/pkg/domain-errors"
	s "mailconsent/pkg/string"
	"mailconsent/pkg/validation"
)

// Service defines the interface for consent operations.
type Service interface {
	Capture(ctx context.Context, sourceID int64, addr email.Address, requireConfirmation bool) (*models.Record, error)
	PerformTokenAction(ctx context.Context, recordID int64, token string, action service.Action) (*service.ActionResult, error)
	Source(ctx context.Context, sourceID int64) (*models.Source, error)
	ResolveSource(ctx context.Context, sourceID int64, language string) (name, definition string, err error)
}

// Handler handles consent-related endpoints.
type Handler struct {
	logger  *slog.Logger
	consent Service
}

// New creates a new consent Handler.
func New(consent Service, logger *slog.Logger) *Handler {
	return &Handler{
		logger:  logger,
		consent: consent,
	}
}

// Register registers the consent routes with the chi router.
func (h *Handler) Register(r chi.Router) {
	r.Post("/consent/signup/{sourceID}", h.handleSignup)
	r.Get("/consent/confirm/{recordID}/{token}", h.tokenAction(service.ActionConfirm))
	r.Get("/consent/unsubscribe/{recordID}/{token}", h.tokenAction(service.ActionUnsubscribe))
	r.Get("/consent/unsubscribe/{recordID}/{token}/undo", h.tokenAction(service.ActionUnsubscribeUndo))
	r.Get("/consent/unsubscribe-all/{recordID}/{token}", h.tokenAction(service.ActionUnsubscribeAll))
	r.Get("/consent/unsubscribe-all/{recordID}/{token}/undo", h.tokenAction(service.ActionUnsubscribeAllUndo))
}

func (h *Handler) handleSignup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	sourceID, err := strconv.ParseInt(chi.URLParam(r, "sourceID"), 10, 64)
	if err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid source id"))
		return
	}

	var req SignupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.WarnContext(ctx, "failed to decode signup request",
			"request_id", requestID,
			"error", err,
		)
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	s.TrimStrings(&req.Email)
	if err := validation.Validate(&req); err != nil {
		h.logger.WarnContext(ctx, "invalid signup request",
			"request_id", requestID,
			"error", err,
		)
		shared.WriteError(w, err)
		return
	}
	addr, err := email.ParseAddress(req.Email)
	if err != nil {
		shared.WriteError(w, err)
		return
	}

	source, err := h.consent.Source(ctx, sourceID)
	if err != nil {
		shared.WriteError(w, err)
		return
	}

	// The source's confirmation requirement is a floor; a client can ask for
	// confirmation on a source that does not demand it, but not waive it.
	requireConfirmation := source.RequiresConfirmedEmail
	if req.Confirmation != nil && *req.Confirmation {
		requireConfirmation = true
	}

	record, err := h.consent.Capture(ctx, sourceID, addr, requireConfirmation)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to capture consent",
			"request_id", requestID,
			"source_id", sourceID,
			"error", err,
		)
		shared.WriteError(w, err)
		return
	}

	name, definition, err := h.consent.ResolveSource(ctx, sourceID, requestLanguage(r))
	if err != nil {
		shared.WriteError(w, err)
		return
	}

	respond.WriteJSON(w, http.StatusCreated, SignupResponse{
		RecordID: record.ID,
		State:    recordState(record),
		Source: SourceResponse{
			ID:         source.ID,
			Name:       name,
			Definition: definition,
		},
	})
}

// tokenAction builds the GET handler for one emailed-link action. All
// failures that could disclose whether a record exists come back as 404.
func (h *Handler) tokenAction(action service.Action) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		requestID := middleware.GetRequestID(ctx)

		recordID, err := strconv.ParseInt(chi.URLParam(r, "recordID"), 10, 64)
		if err != nil {
			shared.WriteError(w, dErrors.New(dErrors.CodeNotFound, "not found"))
			return
		}

		result, err := h.consent.PerformTokenAction(ctx, recordID, chi.URLParam(r, "token"), action)
		if err != nil {
			if !dErrors.HasCode(err, dErrors.CodeNotFound) {
				h.logger.ErrorContext(ctx, "token action failed",
					"request_id", requestID,
					"record_id", recordID,
					"action", string(action),
					"error", err,
				)
			}
			shared.WriteError(w, err)
			return
		}

		respond.WriteJSON(w, http.StatusOK, ActionResponse{
			Action:    string(result.Action),
			RecordID:  result.Record.ID,
			State:     recordState(result.Record),
			UndoToken: result.UndoToken,
			UndoURL:   result.UndoURL,
		})
	}
}

func recordState(record *models.Record) string {
	if record.EmailConfirmed {
		return "confirmed"
	}
	return "pending"
}

// requestLanguage extracts the primary language tag from Accept-Language,
// enough for translation lookup without a full q-value parse.
func requestLanguage(r *http.Request) string {
	header := r.Header.Get("Accept-Language")
	for i := 0; i < len(header); i++ {
		switch header[i] {
		case ',', ';', '-', ' ':
			return header[:i]
		}
	}
	return header
}
