// Package chatapi exposes the conversation service over HTTP.
package chatapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/samber/lo"

	"chorus/cmd/internal/auth"
	"chorus/cmd/internal/chat"
)

// Config holds HTTP handler limits.
type Config struct {
	RequestTimeout time.Duration
	MaxBodyBytes   int64
}

// DefaultConfig returns the handler defaults.
func DefaultConfig() Config {
	return Config{
		RequestTimeout: 5 * time.Second,
		MaxBodyBytes:   64 << 10,
	}
}

// Handler wires conversation endpoints to chat.Service.
// Routes expect auth.Middleware to have stored a Principal in the request context.
type Handler struct {
	log      *slog.Logger
	cfg      Config
	svc      *chat.Service
	validate *validator.Validate
}

// NewHandler constructs a Handler.
func NewHandler(log *slog.Logger, svc *chat.Service, cfg Config) (*Handler, error) {
	if svc == nil {
		return nil, errors.New("chatapi: nil service")
	}
	if log == nil {
		log = slog.Default()
	}
	d := DefaultConfig()
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = d.RequestTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = d.MaxBodyBytes
	}

	v := validator.New(validator.WithRequiredStructEnabled())
	// Report JSON field names in validation messages.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &Handler{log: log, cfg: cfg, svc: svc, validate: v}, nil
}

// Register wires conversation routes onto r.
func (h *Handler) Register(r *mux.Router) {
	if h == nil || r == nil {
		return
	}
	r.HandleFunc("/conversations", h.handleList).Methods(http.MethodGet)
	r.HandleFunc("/conversations", h.handleCreateDirect).Methods(http.MethodPost)
	r.HandleFunc("/conversations/group", h.handleCreateGroup).Methods(http.MethodPost)
	r.HandleFunc("/conversations/unread-count", h.handleUnreadTotal).Methods(http.MethodGet)
	r.HandleFunc("/conversations/messages/{messageId:[0-9]+}", h.handleRetract).Methods(http.MethodDelete)

	r.HandleFunc("/conversations/{id:[0-9]+}", h.handleGet).Methods(http.MethodGet)
	r.HandleFunc("/conversations/{id:[0-9]+}", h.handleRename).Methods(http.MethodPatch)
	r.HandleFunc("/conversations/{id:[0-9]+}", h.handleDelete).Methods(http.MethodDelete)
	r.HandleFunc("/conversations/{id:[0-9]+}/unread-count", h.handleUnread).Methods(http.MethodGet)
	r.HandleFunc("/conversations/{id:[0-9]+}/messages", h.handleListMessages).Methods(http.MethodGet)
	r.HandleFunc("/conversations/{id:[0-9]+}/messages", h.handleSendMessage).Methods(http.MethodPost)
	r.HandleFunc("/conversations/{id:[0-9]+}/members", h.handleAddMembers).Methods(http.MethodPost)
	r.HandleFunc("/conversations/{id:[0-9]+}/members/{userId}", h.handleRemoveMember).Methods(http.MethodDelete)
}

// ---- directory ----

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	p, ok := h.requirePrincipal(w, r)
	if !ok {
		return
	}
	ctx, cancel := h.opContext(r)
	defer cancel()

	list, err := h.svc.ListForUser(ctx, p.UserID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lo.Map(list, toSummaryResponse))
}

func (h *Handler) handleCreateDirect(w http.ResponseWriter, r *http.Request) {
	p, ok := h.requirePrincipal(w, r)
	if !ok {
		return
	}
	var req directRequest
	if !h.decode(w, r, &req) {
		return
	}
	ctx, cancel := h.opContext(r)
	defer cancel()

	conv, err := h.svc.FindOrCreateDirect(ctx, p.UserID, req.OtherUserID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toConversationResponse(conv))
}

func (h *Handler) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	p, ok := h.requirePrincipal(w, r)
	if !ok {
		return
	}
	var req groupRequest
	if !h.decode(w, r, &req) {
		return
	}
	ctx, cancel := h.opContext(r)
	defer cancel()

	conv, err := h.svc.CreateGroup(ctx, p.UserID, req.ParticipantIDs, req.Name)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toConversationResponse(conv))
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	p, convID, ok := h.principalAndID(w, r)
	if !ok {
		return
	}
	ctx, cancel := h.opContext(r)
	defer cancel()

	d, err := h.svc.GetConversation(ctx, convID, p.UserID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDetailResponse(d))
}

// ---- ledger ----

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	p, convID, ok := h.principalAndID(w, r)
	if !ok {
		return
	}
	ctx, cancel := h.opContext(r)
	defer cancel()

	msgs, err := h.svc.ListMessages(ctx, convID, p.UserID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lo.Map(msgs, toMessageResponse))
}

func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	p, convID, ok := h.principalAndID(w, r)
	if !ok {
		return
	}
	var req sendMessageRequest
	if !h.decode(w, r, &req) {
		return
	}
	ctx, cancel := h.opContext(r)
	defer cancel()

	msg, err := h.svc.SendMessage(ctx, convID, p.UserID, req.Content)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMessageResponse(msg, 0))
}

func (h *Handler) handleRetract(w http.ResponseWriter, r *http.Request) {
	p, ok := h.requirePrincipal(w, r)
	if !ok {
		return
	}
	msgID, ok := pathID(w, r, "messageId")
	if !ok {
		return
	}
	ctx, cancel := h.opContext(r)
	defer cancel()

	msg, err := h.svc.RetractMessage(ctx, msgID, p.UserID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMessageResponse(msg, 0))
}

// ---- unread ----

func (h *Handler) handleUnreadTotal(w http.ResponseWriter, r *http.Request) {
	p, ok := h.requirePrincipal(w, r)
	if !ok {
		return
	}
	ctx, cancel := h.opContext(r)
	defer cancel()

	n, err := h.svc.CountUnreadTotal(ctx, p.UserID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, countResponse{Count: n})
}

func (h *Handler) handleUnread(w http.ResponseWriter, r *http.Request) {
	p, convID, ok := h.principalAndID(w, r)
	if !ok {
		return
	}
	ctx, cancel := h.opContext(r)
	defer cancel()

	n, err := h.svc.CountUnread(ctx, convID, p.UserID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, countResponse{Count: n})
}

// ---- membership ----

func (h *Handler) handleRename(w http.ResponseWriter, r *http.Request) {
	p, convID, ok := h.principalAndID(w, r)
	if !ok {
		return
	}
	var req renameRequest
	if !h.decode(w, r, &req) {
		return
	}
	ctx, cancel := h.opContext(r)
	defer cancel()

	conv, err := h.svc.RenameGroup(ctx, convID, p.UserID, req.Name)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toConversationResponse(conv))
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	p, convID, ok := h.principalAndID(w, r)
	if !ok {
		return
	}
	ctx, cancel := h.opContext(r)
	defer cancel()

	if err := h.svc.DeleteConversation(ctx, convID, p.UserID, p.IsAdmin()); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleAddMembers(w http.ResponseWriter, r *http.Request) {
	p, convID, ok := h.principalAndID(w, r)
	if !ok {
		return
	}
	var req addMembersRequest
	if !h.decode(w, r, &req) {
		return
	}
	ctx, cancel := h.opContext(r)
	defer cancel()

	added, err := h.svc.AddMembers(ctx, convID, p.UserID, req.UserIDs)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, addMembersResponse{Added: added})
}

func (h *Handler) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	p, convID, ok := h.principalAndID(w, r)
	if !ok {
		return
	}
	ctx, cancel := h.opContext(r)
	defer cancel()

	res, err := h.svc.RemoveMember(ctx, convID, p.UserID, mux.Vars(r)["userId"])
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, removeMemberResponse{
		NewAdminID:          res.NewAdminID,
		ConversationDeleted: res.ConversationDeleted,
	})
}

// ---- helpers ----

func (h *Handler) opContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), h.cfg.RequestTimeout)
}

func (h *Handler) requirePrincipal(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	p, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "authentication required")
		return auth.Principal{}, false
	}
	return p, true
}

func (h *Handler) principalAndID(w http.ResponseWriter, r *http.Request) (auth.Principal, int64, bool) {
	p, ok := h.requirePrincipal(w, r)
	if !ok {
		return auth.Principal{}, 0, false
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return auth.Principal{}, 0, false
	}
	return p, id, true
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)[name], 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_argument", "invalid "+name)
		return 0, false
	}
	return id, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request"
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "min":
		return fmt.Sprintf("%s must have at least %s entries", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("%s exceeds %s", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s is invalid", fe.Field())
	}
}

// writeServiceError maps chat error kinds to HTTP statuses.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status == http.StatusServiceUnavailable {
		h.log.Error("chatapi.request.fail", "method", r.Method, "path", r.URL.Path, "err", err)
	}
	writeError(w, status, code, chat.ErrorMessage(err))
}

func statusFor(err error) (int, string) {
	switch chat.KindOf(err) {
	case chat.ErrInvalidArgument:
		return http.StatusBadRequest, "invalid_argument"
	case chat.ErrForbidden:
		return http.StatusForbidden, "forbidden"
	case chat.ErrNotFound:
		return http.StatusNotFound, "not_found"
	case chat.ErrConflict:
		return http.StatusConflict, "conflict"
	case chat.ErrExpired:
		return http.StatusGone, "expired"
	default:
		return http.StatusServiceUnavailable, "unavailable"
	}
}
