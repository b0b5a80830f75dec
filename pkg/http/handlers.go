package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"

	"landlink/pkg/logging"
	"landlink/pkg/media"
	"landlink/pkg/metrics"
	"landlink/pkg/middleware"
	"landlink/pkg/phone"
	"landlink/pkg/service"
	"landlink/pkg/storage"
)

const maxBodyBytes = 64 << 10

// Deps are the services behind the HTTP surface. Identity, Links, Views,
// Entitlements and Media may be nil in the gate-only binary.
type Deps struct {
	OTP          service.OTPIssuer
	Identity     *service.IdentityService
	Gate         *service.Gate
	Links        *service.LinkService
	Views        *service.ViewLog
	Entitlements *service.EntitlementService
	Media        media.Presigner
	Metrics      *metrics.Metrics
	Logger       *logging.Logger
}

type Handler struct {
	deps      Deps
	validator *validator.Validate
}

func NewHandler(deps Deps) *Handler {
	if deps.Logger == nil {
		deps.Logger = logging.NewLogger(logging.LevelInfo)
	}
	return &Handler{deps: deps, validator: newValidator()}
}

// newValidator registers the indianmobile tag, which accepts any input that
// normalises to a valid Indian mobile number.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("indianmobile", func(fl validator.FieldLevel) bool {
		_, ok := phone.Normalize(fl.Field().String())
		return ok
	})
	return v
}

type SendOTPRequest struct {
	Phone string `json:"phone" validate:"required,indianmobile"`
}

type VerifyOTPRequest struct {
	Phone string `json:"phone" validate:"required,indianmobile"`
	Code  string `json:"code" validate:"required,numeric,len=6"`
	Token string `json:"token,omitempty" validate:"omitempty,max=64"`
	service.ProfileMetadata
}

type GateCodeRequest struct {
	Phone string `json:"phone" validate:"required,indianmobile"`
}

type GateVerifyRequest struct {
	Phone string `json:"phone" validate:"required,indianmobile"`
	Code  string `json:"code" validate:"required,numeric,len=6"`
}

type StatusRequest struct {
	Status storage.EntitlementStatus `json:"status" validate:"required,oneof=active expired cancelled"`
}

type PresignRequest struct {
	ContentType string `json:"content_type" validate:"required"`
}

func (h *Handler) SendOTP(w http.ResponseWriter, r *http.Request) {
	var req SendOTPRequest
	if !h.decode(w, r, &req) {
		return
	}

	if _, err := h.deps.OTP.Send(r.Context(), req.Phone, storage.OTPPurposeLogin); err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

// VerifyOTP signs the caller in, or unlocks a private link when a token is
// supplied.
func (h *Handler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req VerifyOTPRequest
	if !h.decode(w, r, &req) {
		return
	}

	if req.Token != "" {
		h.unlock(w, r, req.Token, req.Phone, req.Code)
		return
	}

	if h.deps.Identity == nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	res, err := h.deps.Identity.SignInWithOTP(r.Context(), req.Phone, req.Code, req.ProfileMetadata)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) OpenLink(w http.ResponseWriter, r *http.Request) {
	step, err := h.deps.Gate.Open(chi.URLParam(r, "token"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, step)
}

func (h *Handler) RequestLinkCode(w http.ResponseWriter, r *http.Request) {
	var req GateCodeRequest
	if !h.decode(w, r, &req) {
		return
	}

	step, err := h.deps.Gate.RequestCode(r.Context(), chi.URLParam(r, "token"), req.Phone)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, step)
}

func (h *Handler) UnlockLink(w http.ResponseWriter, r *http.Request) {
	var req GateVerifyRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.unlock(w, r, chi.URLParam(r, "token"), req.Phone, req.Code)
}

func (h *Handler) unlock(w http.ResponseWriter, r *http.Request, token, phoneNumber, code string) {
	res, err := h.deps.Gate.Unlock(r.Context(), service.UnlockRequest{
		Token:     token,
		Phone:     phoneNumber,
		Code:      code,
		IPAddress: middleware.ClientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) CreateInterest(w http.ResponseWriter, r *http.Request) {
	propertyID, err := uuid.Parse(chi.URLParam(r, "propertyID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid property id")
		return
	}

	resp, err := h.deps.Links.CreateOrGet(r.Context(), identityFrom(r), propertyID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	status := http.StatusOK
	if resp.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, resp)
}

func (h *Handler) ListMyLinks(w http.ResponseWriter, r *http.Request) {
	links, err := h.deps.Views.ListMine(r.Context(), identityFrom(r).UserID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if links == nil {
		links = []storage.LinkSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"links": links})
}

func (h *Handler) LinkViews(w http.ResponseWriter, r *http.Request) {
	history, err := h.deps.Views.History(r.Context(), identityFrom(r).UserID, chi.URLParam(r, "token"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if history.Views == nil {
		history.Views = []storage.LinkView{}
	}
	writeJSON(w, http.StatusOK, history)
}

// LinkQRCode renders the share URL of one of the caller's links as a PNG.
func (h *Handler) LinkQRCode(w http.ResponseWriter, r *http.Request) {
	link, err := h.deps.Links.GetOwned(r.Context(), identityFrom(r), chi.URLParam(r, "token"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	qrCode, err := qrcode.New(h.deps.Links.ShareURL(link.Token), qrcode.Medium)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	png, err := qrCode.PNG(256)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Disposition", "inline; filename=qrcode.png")
	w.Header().Set("Cache-Control", "private, max-age=3600")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

func (h *Handler) AdminLinks(w http.ResponseWriter, r *http.Request) {
	all, err := h.deps.Views.ListAll(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"links": all})
}

func (h *Handler) GrantEntitlement(w http.ResponseWriter, r *http.Request) {
	var req service.GrantRequest
	if !h.decode(w, r, &req) {
		return
	}

	e, err := h.deps.Entitlements.Grant(r.Context(), req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

func (h *Handler) SetEntitlementStatus(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid entitlement id")
		return
	}
	var req StatusRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.deps.Entitlements.SetStatus(r.Context(), id, req.Status); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) MyEntitlements(w http.ResponseWriter, r *http.Request) {
	ents, err := h.deps.Entitlements.ListForUser(r.Context(), identityFrom(r).UserID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if ents == nil {
		ents = []storage.Entitlement{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entitlements": ents})
}

func (h *Handler) PresignMedia(w http.ResponseWriter, r *http.Request) {
	var req PresignRequest
	if !h.decode(w, r, &req) {
		return
	}

	up, err := h.deps.Media.PresignUpload(r.Context(), identityFrom(r).UserID, req.ContentType)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, up)
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func identityFrom(r *http.Request) service.Identity {
	p, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		return service.Identity{}
	}
	return service.Identity{UserID: p.UserID, Role: p.Role}
}

// decode reads and validates a JSON body, answering 400 itself on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return false
	}
	if err := h.validator.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":  "validation failed",
				"fields": fieldErrors(verrs),
			})
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid request")
		return false
	}
	return true
}

func fieldErrors(verrs validator.ValidationErrors) map[string]string {
	out := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			out[fe.Field()] = "is required"
		case "indianmobile":
			out[fe.Field()] = service.ErrInvalidPhone.Error()
		default:
			out[fe.Field()] = "failed " + fe.Tag()
		}
	}
	return out
}

// respondError maps service errors to status codes. Gate denials always
// produce the same body whatever the underlying reason.
func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	var rl *service.RateLimitError
	switch {
	case errors.Is(err, service.ErrAccessDenied):
		writeError(w, http.StatusForbidden, service.ErrAccessDenied.Error())
	case errors.As(err, &rl):
		secs := int(rl.RetryAfter.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeError(w, http.StatusTooManyRequests, service.ErrRateLimited.Error())
	case errors.Is(err, service.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, service.ErrRateLimited.Error())
	case errors.Is(err, service.ErrTemporary):
		h.deps.Logger.Error(r.Context(), "temporary failure", "error", err.Error())
		writeError(w, http.StatusServiceUnavailable, service.ErrTemporary.Error())
	case errors.Is(err, service.ErrUnauthorized):
		writeJSON(w, http.StatusPaymentRequired, map[string]string{
			"error":       service.ErrUnauthorized.Error(),
			"upgrade_url": "/subscriptions",
		})
	case errors.Is(err, service.ErrInvalidOTP):
		writeError(w, http.StatusUnauthorized, service.ErrInvalidOTP.Error())
	case errors.Is(err, service.ErrIdentityRequired):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, service.ErrInvalidPhone),
		errors.Is(err, service.ErrMissingToken),
		errors.Is(err, service.ErrInvalidEntitlement),
		errors.Is(err, media.ErrUnsupportedType):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrPhoneRequired):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, service.ErrPropertyNotFound),
		errors.Is(err, service.ErrLinkNotFound),
		errors.Is(err, service.ErrEntitlementMissing):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		h.deps.Logger.Error(r.Context(), "request failed", "error", err.Error())
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
