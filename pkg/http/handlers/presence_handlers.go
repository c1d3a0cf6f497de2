package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/jgirmay/presenced/pkg/http/dto"
	"github.com/jgirmay/presenced/pkg/models"
	"github.com/jgirmay/presenced/pkg/repository"
	"github.com/jgirmay/presenced/pkg/services/notify"
	"github.com/jgirmay/presenced/pkg/services/presence"
	"github.com/jgirmay/presenced/pkg/services/visibility"
)

// ActorHeader carries the authenticated user id set by the gateway
const ActorHeader = "X-User-ID"

const maxBulkUsers = 500

// PresenceService is the resolve-and-store path
type PresenceService interface {
	Ingest(ctx context.Context, raw presence.RawSignal) (presence.SubmitResult, error)
	Get(ctx context.Context, userID string) (models.Record, bool, error)
	BulkGet(ctx context.Context, userIDs []string) (map[string]models.Record, error)
}

// VisibilityService renders records per viewer and owns policy updates
type VisibilityService interface {
	View(ctx context.Context, viewerID string, rec models.Record) (visibility.View, error)
	UpdatePolicy(ctx context.Context, actorID string, policy models.VisibilityPolicy) error
}

// NotificationGate decides when a notification may be delivered
type NotificationGate interface {
	Decide(ctx context.Context, targetUserID string, urgency models.NotificationUrgency) (notify.Result, error)
}

// PresenceHandlers handles the public presence API
type PresenceHandlers struct {
	presence      PresenceService
	visibility    VisibilityService
	gate          NotificationGate
	relationships repository.RelationshipRepository
	ingestTimeout time.Duration
	logger        *zap.Logger
}

// NewPresenceHandlers creates new presence handlers
func NewPresenceHandlers(
	presenceService PresenceService,
	visibilityService VisibilityService,
	gate NotificationGate,
	relationships repository.RelationshipRepository,
	ingestTimeout time.Duration,
	logger *zap.Logger,
) *PresenceHandlers {
	if ingestTimeout <= 0 {
		ingestTimeout = 3 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PresenceHandlers{
		presence:      presenceService,
		visibility:    visibilityService,
		gate:          gate,
		relationships: relationships,
		ingestTimeout: ingestTimeout,
		logger:        logger.Named("handlers"),
	}
}

// IngestSignal handles POST /presence/signals
func (h *PresenceHandlers) IngestSignal(w http.ResponseWriter, r *http.Request) {
	var raw presence.RawSignal
	if err := decodeJSON(w, r, &raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "INVALID_REQUEST")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.ingestTimeout)
	defer cancel()

	res, err := h.presence.Ingest(ctx, raw)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	response := &dto.SignalResponse{
		UserID:        strings.TrimSpace(raw.UserID),
		Outcome:       string(res.Outcome),
		Version:       res.Record.Version,
		Status:        res.Record.Status,
		WinningSource: res.Record.WinningSource,
	}
	if res.Outcome == presence.OutcomeRejected {
		writeJSON(w, http.StatusConflict, response)
		return
	}
	writeJSON(w, http.StatusAccepted, response)
}

// GetPresence handles GET /presence/{userID}?viewer_id=
// Unknown users get the same hidden payload as invisible ones.
func (h *PresenceHandlers) GetPresence(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "missing user_id", "INVALID_REQUEST")
		return
	}
	viewerID := r.URL.Query().Get("viewer_id")

	rec, ok, err := h.presence.Get(r.Context(), userID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, visibility.Hidden(userID))
		return
	}
	writeJSON(w, http.StatusOK, h.view(r.Context(), viewerID, rec))
}

// BulkGetPresence handles POST /presence/bulk
func (h *PresenceHandlers) BulkGetPresence(w http.ResponseWriter, r *http.Request) {
	var req dto.BulkPresenceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "INVALID_REQUEST")
		return
	}
	if len(req.UserIDs) == 0 {
		writeError(w, http.StatusBadRequest, "user_ids is required", "INVALID_REQUEST")
		return
	}
	if len(req.UserIDs) > maxBulkUsers {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("at most %d user_ids per request", maxBulkUsers), "INVALID_REQUEST")
		return
	}

	records, err := h.presence.BulkGet(r.Context(), req.UserIDs)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	response := &dto.BulkPresenceResponse{
		ViewerID:  req.ViewerID,
		Presences: make(map[string]visibility.View, len(req.UserIDs)),
	}
	for _, id := range req.UserIDs {
		rec, ok := records[id]
		if !ok {
			response.Presences[id] = visibility.Hidden(id)
			continue
		}
		response.Presences[id] = h.view(r.Context(), req.ViewerID, rec)
	}
	writeJSON(w, http.StatusOK, response)
}

// view renders rec for viewerID; the filter fails closed
func (h *PresenceHandlers) view(ctx context.Context, viewerID string, rec models.Record) visibility.View {
	v, err := h.visibility.View(ctx, viewerID, rec)
	if err != nil {
		h.logger.Warn("visibility lookup failed, serving hidden payload",
			zap.String("user_id", rec.UserID),
			zap.String("viewer_id", viewerID),
			zap.Error(err))
		return visibility.Hidden(rec.UserID)
	}
	return v
}

// NotifyCheck handles POST /presence/notify-check
func (h *PresenceHandlers) NotifyCheck(w http.ResponseWriter, r *http.Request) {
	var req dto.NotifyCheckRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "INVALID_REQUEST")
		return
	}

	res, err := h.gate.Decide(r.Context(), req.TargetUserID, req.Urgency.ToModel())
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, &dto.NotifyCheckResponse{
		Decision:  string(res.Decision),
		Timestamp: res.Until,
	})
}

// UpdateVisibility handles PUT /presence/{userID}/visibility
func (h *PresenceHandlers) UpdateVisibility(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	actorID := r.Header.Get(ActorHeader)
	if actorID == "" {
		writeError(w, http.StatusUnauthorized, "missing "+ActorHeader+" header", "UNAUTHENTICATED")
		return
	}

	var req dto.VisibilityPolicyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "INVALID_REQUEST")
		return
	}

	policy := models.VisibilityPolicy{
		UserID:               userID,
		VisibilityLevel:      req.VisibilityLevel,
		AppearOffline:        req.AppearOffline,
		ShareCurrentLocation: req.ShareCurrentLocation,
	}
	if err := h.visibility.UpdatePolicy(r.Context(), actorID, policy); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, policy)
}

// AddMembership handles PUT /presence/relationships/memberships
func (h *PresenceHandlers) AddMembership(w http.ResponseWriter, r *http.Request) {
	h.membership(w, r, h.relationships.AddMembership)
}

// RemoveMembership handles DELETE /presence/relationships/memberships
func (h *PresenceHandlers) RemoveMembership(w http.ResponseWriter, r *http.Request) {
	h.membership(w, r, h.relationships.RemoveMembership)
}

func (h *PresenceHandlers) membership(w http.ResponseWriter, r *http.Request, apply func(context.Context, models.ContextKey, string) error) {
	var req dto.MembershipRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "INVALID_REQUEST")
		return
	}
	if req.ContextType != models.ContextTeam && req.ContextType != models.ContextOrganization {
		writeError(w, http.StatusBadRequest, "context_type must be team or organization", "INVALID_REQUEST")
		return
	}
	if req.ContextID == "" || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "context_id and user_id are required", "INVALID_REQUEST")
		return
	}

	key := models.ContextKey{Type: req.ContextType, ID: req.ContextID}
	if err := apply(r.Context(), key, req.UserID); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AddContact handles PUT /presence/relationships/contacts
func (h *PresenceHandlers) AddContact(w http.ResponseWriter, r *http.Request) {
	h.contact(w, r, h.relationships.AddContact)
}

// RemoveContact handles DELETE /presence/relationships/contacts
func (h *PresenceHandlers) RemoveContact(w http.ResponseWriter, r *http.Request) {
	h.contact(w, r, h.relationships.RemoveContact)
}

func (h *PresenceHandlers) contact(w http.ResponseWriter, r *http.Request, apply func(context.Context, string, string) error) {
	var req dto.ContactRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "INVALID_REQUEST")
		return
	}
	if req.OwnerID == "" || req.ContactID == "" || req.OwnerID == req.ContactID {
		writeError(w, http.StatusBadRequest, "owner_id and contact_id must be distinct users", "INVALID_REQUEST")
		return
	}
	if err := apply(r.Context(), req.OwnerID, req.ContactID); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
