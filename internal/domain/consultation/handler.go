package consultation

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/telehealth/consult/internal/platform/auth"
	"github.com/telehealth/consult/pkg/pagination"
)

type Handler struct {
	svc   *Service
	relay *Relay
}

func NewHandler(svc *Service, relay *Relay) *Handler {
	return &Handler{svc: svc, relay: relay}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	patientOnly := auth.RequireRole(auth.RolePatient)
	doctorOnly := auth.RequireRole(auth.RoleDoctor)

	api.POST("/consultations", h.Create, patientOnly)
	api.GET("/consultations", h.ListMine, patientOnly)
	api.GET("/consultations/:id", h.Get)
	api.GET("/consultations/:id/messages", h.Messages)
	api.POST("/consultations/:id/messages", h.SendMessage)
	api.POST("/consultations/:id/accept", h.Accept, doctorOnly)
	api.POST("/consultations/:id/reject", h.Reject, doctorOnly)
	api.POST("/consultations/:id/end", h.End)
	api.PATCH("/consultations/:id", h.UpdateClinical, doctorOnly)
	api.PATCH("/consultations/:id/emergency", h.SetEmergency, doctorOnly)

	doctor := api.Group("/doctor", doctorOnly)
	doctor.GET("/consultations/pending", h.ListPending)
	doctor.GET("/consultations/active", h.ListActive)
	doctor.GET("/consultations/history", h.ListHistory)
	doctor.GET("/dashboard/stats", h.Stats)
}

// ErrorBody is the JSON body of every failed request.
type ErrorBody struct {
	Message string `json:"message"`
	Reason  string `json:"reason"`
}

func httpError(err error) error {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrValidation):
		code = http.StatusBadRequest
	case errors.Is(err, ErrForbidden):
		code = http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, ErrConflict):
		code = http.StatusConflict
	}
	if code == http.StatusInternalServerError {
		return echo.NewHTTPError(code, ErrorBody{Message: "internal server error", Reason: ReasonInternal}).SetInternal(err)
	}
	return echo.NewHTTPError(code, ErrorBody{Message: err.Error(), Reason: Reason(err)})
}

func actorFrom(c echo.Context) (Actor, error) {
	id, ok := auth.IdentityFromContext(c.Request().Context())
	if !ok {
		return Actor{}, echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	return Actor{Ref: id.UserID, Role: id.Role}, nil
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, ErrorBody{Message: "invalid id", Reason: ReasonValidation})
	}
	return id, nil
}

func badBody(err error) error {
	return echo.NewHTTPError(http.StatusBadRequest, ErrorBody{Message: err.Error(), Reason: ReasonValidation})
}

func (h *Handler) Create(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	var req CreateRequest
	if err := c.Bind(&req); err != nil {
		return badBody(err)
	}
	cons, err := h.svc.Create(c.Request().Context(), actor, req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, cons)
}

func (h *Handler) ListMine(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListForPatient(c.Request().Context(), actor, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) Get(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	cons, err := h.svc.Get(c.Request().Context(), actor, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cons)
}

func (h *Handler) Messages(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	msgs, err := h.svc.Messages(c.Request().Context(), actor, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, msgs)
}

type sendMessageRequest struct {
	Text     string `json:"text"`
	ClientID string `json:"clientId"`
	Sender   string `json:"sender"`
}

// SendMessage is the REST twin of the socket's message:send for clients
// without a live connection.
func (h *Handler) SendMessage(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req sendMessageRequest
	if err := c.Bind(&req); err != nil {
		return badBody(err)
	}
	m, err := h.relay.Send(c.Request().Context(), actor, id, SendInput{
		Text:          req.Text,
		ClientID:      req.ClientID,
		ClaimedSender: req.Sender,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, m)
}

// transition runs fn for the caller on the :id consultation and renders the
// result.
func (h *Handler) transition(c echo.Context, fn func(actor Actor, id uuid.UUID) (*Consultation, error)) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	cons, err := fn(actor, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cons)
}

func (h *Handler) Accept(c echo.Context) error {
	return h.transition(c, func(a Actor, id uuid.UUID) (*Consultation, error) {
		return h.svc.Accept(c.Request().Context(), a, id)
	})
}

func (h *Handler) Reject(c echo.Context) error {
	return h.transition(c, func(a Actor, id uuid.UUID) (*Consultation, error) {
		return h.svc.Reject(c.Request().Context(), a, id)
	})
}

func (h *Handler) End(c echo.Context) error {
	return h.transition(c, func(a Actor, id uuid.UUID) (*Consultation, error) {
		return h.svc.End(c.Request().Context(), a, id)
	})
}

func (h *Handler) UpdateClinical(c echo.Context) error {
	var u ClinicalUpdate
	if err := c.Bind(&u); err != nil {
		return badBody(err)
	}
	return h.transition(c, func(a Actor, id uuid.UUID) (*Consultation, error) {
		return h.svc.UpdateClinical(c.Request().Context(), a, id, u)
	})
}

type emergencyRequest struct {
	IsEmergency *bool `json:"isEmergency"`
}

func (h *Handler) SetEmergency(c echo.Context) error {
	var req emergencyRequest
	if err := c.Bind(&req); err != nil {
		return badBody(err)
	}
	if req.IsEmergency == nil {
		return echo.NewHTTPError(http.StatusBadRequest, ErrorBody{Message: "isEmergency is required", Reason: ReasonValidation})
	}
	return h.transition(c, func(a Actor, id uuid.UUID) (*Consultation, error) {
		return h.svc.SetEmergency(c.Request().Context(), a, id, *req.IsEmergency)
	})
}

func (h *Handler) ListPending(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	items, err := h.svc.ListPending(c.Request().Context(), actor)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) ListActive(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	items, err := h.svc.ListActive(c.Request().Context(), actor)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) ListHistory(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContextWithDefault(c, HistoryLimit)
	items, total, err := h.svc.ListHistory(c.Request().Context(), actor, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) Stats(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	st, err := h.svc.Stats(c.Request().Context(), actor)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, st)
}
