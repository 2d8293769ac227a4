package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"rewardkit/core"
	"rewardkit/engine"
	"rewardkit/logging"
)

const maxBodyBytes = 1 << 20

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string, details any) {
	writeJSON(w, status, apiError{Code: code, Message: msg, Details: details})
}

// writeServiceError maps engine and store errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, core.ErrNegativeBalance):
		writeError(w, http.StatusConflict, "negative_balance", err.Error(), nil)
	case errors.Is(err, core.ErrIdempotencyConflict):
		writeError(w, http.StatusConflict, "idempotency_conflict", err.Error(), nil)
	case errors.Is(err, core.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition", err.Error(), nil)
	case errors.Is(err, core.ErrUnknownBadge):
		writeError(w, http.StatusNotFound, "unknown_badge", err.Error(), nil)
	case errors.Is(err, core.ErrUnknownQuest):
		writeError(w, http.StatusNotFound, "unknown_quest", err.Error(), nil)
	case errors.Is(err, core.ErrGrantNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, core.ErrInvalidDelta), errors.Is(err, core.ErrInvalidSourceType):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error(), nil)
	case errors.Is(err, core.ErrLedgerBusy):
		writeError(w, http.StatusServiceUnavailable, "ledger_busy", err.Error(), nil)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "unavailable", "request cancelled", nil)
	default:
		logging.FromContext(r.Context()).Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal", "internal error", nil)
	}
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("source_type", func(fl validator.FieldLevel) bool {
		return core.SourceType(fl.Field().String()).Valid()
	})
	_ = v.RegisterValidation("decimal", func(fl validator.FieldLevel) bool {
		d, err := decimal.NewFromString(fl.Field().String())
		return err == nil && core.ValidateDelta(d) == nil
	})
	return v
}

// decode reads a JSON body into dst and validates it. It writes the error
// response itself and reports whether the handler should continue.
func (a *api) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error(), nil)
		return false
	}
	if err := a.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				fields[fe.Field()] = fieldMessage(fe)
			}
			writeError(w, http.StatusBadRequest, "validation_failed", "request validation failed", fields)
			return false
		}
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error(), nil)
		return false
	}
	return true
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "this field is required"
	case "source_type":
		return "must be one of reward, transfer, purchase, adjustment"
	case "decimal":
		return fmt.Sprintf("must be a non-zero decimal with at most %d decimal places", core.DeltaScale)
	case "gt":
		return "must be greater than " + fe.Param()
	case "max":
		return "must be at most " + fe.Param() + " characters"
	}
	return fmt.Sprintf("failed %s validation", fe.Tag())
}

func userParam(w http.ResponseWriter, r *http.Request) (core.UserID, bool) {
	user, err := core.NormalizeUserID(core.UserID(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_user", err.Error(), nil)
		return "", false
	}
	return user, true
}

func badgeParam(w http.ResponseWriter, r *http.Request) (core.BadgeID, bool) {
	badge := core.BadgeID(chi.URLParam(r, "badge"))
	if err := core.ValidateBadgeID(badge); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_badge", err.Error(), nil)
		return "", false
	}
	return badge, true
}

func questParam(w http.ResponseWriter, r *http.Request) (core.QuestID, bool) {
	quest := core.QuestID(chi.URLParam(r, "quest"))
	if err := core.ValidateQuestID(quest); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_quest", err.Error(), nil)
		return "", false
	}
	return quest, true
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.svc.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ledger

type appendRequest struct {
	Delta      string `json:"delta" validate:"required,decimal"`
	SourceType string `json:"source_type" validate:"required,source_type"`
	ReasonCode string `json:"reason_code" validate:"required,max=128"`
	SourceID   string `json:"source_id" validate:"required,max=191"`
	Retry      bool   `json:"retry,omitempty"`
}

func (a *api) appendLedger(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	var req appendRequest
	if !a.decode(w, r, &req) {
		return
	}
	delta := decimal.RequireFromString(req.Delta)
	key := core.LedgerKey{
		UserID:     user,
		SourceType: core.SourceType(req.SourceType),
		ReasonCode: req.ReasonCode,
		SourceID:   req.SourceID,
	}

	var (
		res engine.AppendResult
		err error
	)
	if req.Retry {
		res, err = a.svc.Ledger.AppendWithRetry(r.Context(), key, delta)
	} else {
		res, err = a.svc.Ledger.AppendKey(r.Context(), key, delta)
	}
	if errors.Is(err, core.ErrIdempotencyConflict) {
		writeError(w, http.StatusConflict, "idempotency_conflict", err.Error(), res.Entry)
		return
	}
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (a *api) ledgerEntries(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	entries, err := a.svc.Ledger.Entries(r.Context(), user)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if entries == nil {
		entries = []core.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": user, "entries": entries})
}

type balanceResponse struct {
	UserID core.UserID     `json:"user_id"`
	Total  decimal.Decimal `json:"balance"`
	Cached decimal.Decimal `json:"cached_balance"`
}

func (a *api) balance(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	total, err := a.svc.Ledger.Balance(r.Context(), user)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	cached, err := a.svc.Ledger.CachedBalance(r.Context(), user)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{UserID: user, Total: total, Cached: cached})
}

func (a *api) reconcileLedger(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	rep, err := a.svc.Ledger.Reconcile(r.Context(), user)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// activity

type activityRequest struct {
	Kind     string     `json:"kind" validate:"required,max=64"`
	Value    float64    `json:"value"`
	SourceID string     `json:"source_id,omitempty" validate:"max=191"`
	At       *time.Time `json:"at,omitempty"`
}

func (a *api) recordActivity(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	var req activityRequest
	if !a.decode(w, r, &req) {
		return
	}
	act := core.Activity{UserID: user, Kind: req.Kind, Value: req.Value, SourceID: req.SourceID, At: time.Now().UTC()}
	if req.At != nil {
		act.At = req.At.UTC()
	}
	stored, err := a.svc.RecordActivity(r.Context(), act)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

// badges

func (a *api) listBadges(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"badges": a.svc.Badges.Catalog().All()})
}

func (a *api) pendingGrants(w http.ResponseWriter, r *http.Request) {
	grants, err := a.svc.Badges.Pending(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if grants == nil {
		grants = []core.BadgeGrant{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"grants": grants})
}

func (a *api) userGrants(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	grants, err := a.svc.Badges.Grants(r.Context(), user)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if grants == nil {
		grants = []core.BadgeGrant{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": user, "grants": grants})
}

type grantResponse struct {
	UserID core.UserID      `json:"user_id"`
	Badge  core.BadgeID     `json:"badge_id"`
	Result core.GrantResult `json:"result"`
}

// evaluateBadge runs TryGrant. An optional as_of query parameter (RFC 3339)
// fixes the evaluation time.
func (a *api) evaluateBadge(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	badge, ok := badgeParam(w, r)
	if !ok {
		return
	}
	var (
		res core.GrantResult
		err error
	)
	if raw := r.URL.Query().Get("as_of"); raw != "" {
		asOf, perr := time.Parse(time.RFC3339, raw)
		if perr != nil {
			writeError(w, http.StatusBadRequest, "invalid_as_of", perr.Error(), nil)
			return
		}
		res, err = a.svc.Badges.TryGrantAt(r.Context(), user, badge, asOf)
	} else {
		res, err = a.svc.Badges.TryGrant(r.Context(), user, badge)
	}
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, grantResponse{UserID: user, Badge: badge, Result: res})
}

func (a *api) approveBadge(w http.ResponseWriter, r *http.Request) {
	a.transition(w, r, a.svc.Badges.Approve)
}

func (a *api) revokeBadge(w http.ResponseWriter, r *http.Request) {
	a.transition(w, r, a.svc.Badges.Revoke)
}

func (a *api) transition(w http.ResponseWriter, r *http.Request, fn func(context.Context, core.UserID, core.BadgeID) (core.BadgeGrant, error)) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	badge, ok := badgeParam(w, r)
	if !ok {
		return
	}
	g, err := fn(r.Context(), user, badge)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (a *api) explainBadge(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	badge, ok := badgeParam(w, r)
	if !ok {
		return
	}
	ex, err := a.svc.Badges.Explain(r.Context(), user, badge)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ex)
}

// quests

// questView hides the title and hint of quests the user has not discovered.
type questView struct {
	core.QuestState
	Title string `json:"title,omitempty"`
	Hint  string `json:"hint_text,omitempty"`
}

func (a *api) view(st core.QuestState) questView {
	v := questView{QuestState: st}
	if st.Visibility == core.QuestDiscovered {
		if def, ok := a.svc.Quests.Catalog().Get(st.QuestID); ok {
			v.Title = def.Title
			v.Hint = def.Trigger.Hint
		}
	}
	return v
}

func (a *api) questState(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	quest, ok := questParam(w, r)
	if !ok {
		return
	}
	st, err := a.svc.Quests.State(r.Context(), user, quest)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a.view(st))
}

type progressRequest struct {
	Count int64 `json:"count" validate:"gt=0"`
	Check bool  `json:"check,omitempty"`
}

type progressResponse struct {
	State    questView `json:"state"`
	Revealed bool      `json:"revealed"`
}

func (a *api) advanceQuest(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	quest, ok := questParam(w, r)
	if !ok {
		return
	}
	var req progressRequest
	if !a.decode(w, r, &req) {
		return
	}
	var (
		st       core.QuestState
		revealed bool
		err      error
	)
	if req.Check {
		st, revealed, err = a.svc.Quests.AdvanceAndCheck(r.Context(), user, quest, req.Count)
	} else {
		st, err = a.svc.Quests.Advance(r.Context(), user, quest, req.Count)
	}
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, progressResponse{State: a.view(st), Revealed: revealed})
}

func (a *api) checkQuest(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	quest, ok := questParam(w, r)
	if !ok {
		return
	}
	revealed, err := a.svc.Quests.CheckAndReveal(r.Context(), user, quest)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	st, err := a.svc.Quests.State(r.Context(), user, quest)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, progressResponse{State: a.view(st), Revealed: revealed})
}
