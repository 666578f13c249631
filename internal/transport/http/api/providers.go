package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/comigor/chatline/internal/apperr"
	"github.com/comigor/chatline/internal/conversation"
	"github.com/comigor/chatline/internal/history"
)

const (
	maxProviderName = 64
	maxModelName    = 64
	maxModelID      = 128
)

type createProviderRequest struct {
	Name string  `json:"name"`
	URL  string  `json:"url"`
	Key  *string `json:"key"`
}

// updateProviderRequest leaves absent fields alone. Key distinguishes an
// absent field (unchanged) from an explicit null (cleared).
type updateProviderRequest struct {
	Name *string         `json:"name"`
	URL  *string         `json:"url"`
	Key  json.RawMessage `json:"key"`
}

type createModelRequest struct {
	ModelID     string  `json:"model_id"`
	Name        string  `json:"name"`
	InputPrice  float64 `json:"input_price"`
	OutputPrice float64 `json:"output_price"`
}

type updateModelRequest struct {
	ModelID     *string  `json:"model_id"`
	Name        *string  `json:"name"`
	InputPrice  *float64 `json:"input_price"`
	OutputPrice *float64 `json:"output_price"`
}

type providersResponse struct {
	Items []history.Provider `json:"items"`
}

type modelsResponse struct {
	Items []history.Model `json:"items"`
}

type idResponse struct {
	ID uuid.UUID `json:"id"`
}

type checkResponse struct {
	ID     uuid.UUID `json:"id"`
	Models []string  `json:"models"`
}

// GET /api/providers
func (h *Handler) ListProviders(c echo.Context) error {
	items, err := h.catalog.ListProviders(c.Request().Context(), userID(c))
	if err != nil {
		return apperr.Internal("Database error", err)
	}
	return c.JSON(http.StatusOK, ok(providersResponse{Items: items}, ""))
}

// POST /api/providers
func (h *Handler) CreateProvider(c echo.Context) error {
	var req createProviderRequest
	if err := c.Bind(&req); err != nil {
		return invalid()
	}
	req.Name, req.URL = strings.TrimSpace(req.Name), strings.TrimSpace(req.URL)
	if !validName(req.Name, maxProviderName) || !validURL(req.URL) {
		return invalid()
	}
	if req.Key != nil && *req.Key == "" {
		req.Key = nil
	}

	p, err := h.catalog.CreateProvider(c.Request().Context(), userID(c), req.Name, req.URL, req.Key)
	if err != nil {
		return providerWriteError(err)
	}
	return c.JSON(http.StatusOK, ok(p, "Provider created"))
}

// GET /api/providers/:provider_id
func (h *Handler) GetProvider(c echo.Context) error {
	p, err := h.ownedProvider(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ok(p, ""))
}

// PUT /api/providers/:provider_id
func (h *Handler) UpdateProvider(c echo.Context) error {
	p, err := h.ownedProvider(c)
	if err != nil {
		return err
	}
	var req updateProviderRequest
	if err := c.Bind(&req); err != nil {
		return invalid()
	}
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if !validName(name, maxProviderName) {
			return invalid()
		}
		p.Name = name
	}
	if req.URL != nil {
		url := strings.TrimSpace(*req.URL)
		if !validURL(url) {
			return invalid()
		}
		p.URL = url
	}
	if len(req.Key) > 0 {
		var key *string
		if err := json.Unmarshal(req.Key, &key); err != nil {
			return invalid()
		}
		if key != nil && *key == "" {
			key = nil
		}
		p.Key = key
	}

	updated, err := h.catalog.UpdateProvider(c.Request().Context(), p)
	if err != nil {
		return providerWriteError(err)
	}
	return c.JSON(http.StatusOK, ok(updated, "Provider updated"))
}

// DELETE /api/providers/:provider_id
func (h *Handler) DeleteProvider(c echo.Context) error {
	id, err := pathID(c, "provider_id")
	if err != nil {
		return err
	}
	n, err := h.catalog.DeleteProvider(c.Request().Context(), userID(c), id)
	if err != nil {
		return apperr.Internal("Database error", err)
	}
	if n == 0 {
		return apperr.NotFound("Provider not found")
	}
	return c.JSON(http.StatusOK, ok(idResponse{ID: id}, "Provider deleted"))
}

// CheckProvider asks the provider for its model list with the stored
// credentials.
// POST /api/providers/check/:provider_id
func (h *Handler) CheckProvider(c echo.Context) error {
	p, err := h.ownedProvider(c)
	if err != nil {
		return err
	}
	models, err := h.lister.ListModels(c.Request().Context(), conversation.EndpointFor(p))
	if err != nil {
		if apperr.Is(err, apperr.KindBadRequestUpstream) {
			return err
		}
		return &apperr.Error{Kind: apperr.KindBadRequestUpstream, Msg: "Provider unreachable", Err: err}
	}
	if models == nil {
		models = []string{}
	}
	return c.JSON(http.StatusOK, ok(checkResponse{ID: p.ID, Models: models}, "Provider is reachable"))
}

// GET /api/providers/:provider_id/models
func (h *Handler) ListModels(c echo.Context) error {
	p, err := h.ownedProvider(c)
	if err != nil {
		return err
	}
	items, err := h.catalog.ListModels(c.Request().Context(), p.ID)
	if err != nil {
		return apperr.Internal("Database error", err)
	}
	return c.JSON(http.StatusOK, ok(modelsResponse{Items: items}, ""))
}

// POST /api/providers/:provider_id/models
func (h *Handler) CreateModel(c echo.Context) error {
	p, err := h.ownedProvider(c)
	if err != nil {
		return err
	}
	var req createModelRequest
	if err := c.Bind(&req); err != nil {
		return invalid()
	}
	if !validName(req.ModelID, maxModelID) || !validName(req.Name, maxModelName) || req.InputPrice < 0 || req.OutputPrice < 0 {
		return invalid()
	}

	m, err := h.catalog.CreateModel(c.Request().Context(), p.ID, req.ModelID, req.Name, req.InputPrice, req.OutputPrice)
	if err != nil {
		return modelWriteError(err)
	}
	return c.JSON(http.StatusOK, ok(m, "Model created"))
}

// PUT /api/providers/:provider_id/models/:model_id
func (h *Handler) UpdateModel(c echo.Context) error {
	m, err := h.ownedModel(c)
	if err != nil {
		return err
	}
	var req updateModelRequest
	if err := c.Bind(&req); err != nil {
		return invalid()
	}
	if req.ModelID != nil {
		if !validName(*req.ModelID, maxModelID) {
			return invalid()
		}
		m.ModelID = *req.ModelID
	}
	if req.Name != nil {
		if !validName(*req.Name, maxModelName) {
			return invalid()
		}
		m.Name = *req.Name
	}
	if req.InputPrice != nil {
		if *req.InputPrice < 0 {
			return invalid()
		}
		m.InputPrice = *req.InputPrice
	}
	if req.OutputPrice != nil {
		if *req.OutputPrice < 0 {
			return invalid()
		}
		m.OutputPrice = *req.OutputPrice
	}

	updated, err := h.catalog.UpdateModel(c.Request().Context(), m)
	if err != nil {
		return modelWriteError(err)
	}
	return c.JSON(http.StatusOK, ok(updated, "Model updated"))
}

// DELETE /api/providers/:provider_id/models/:model_id
func (h *Handler) DeleteModel(c echo.Context) error {
	m, err := h.ownedModel(c)
	if err != nil {
		return err
	}
	n, err := h.catalog.DeleteModel(c.Request().Context(), m.ID)
	if err != nil {
		return apperr.Internal("Database error", err)
	}
	if n == 0 {
		return apperr.NotFound("Model not found")
	}
	return c.JSON(http.StatusOK, ok(idResponse{ID: m.ID}, "Model deleted"))
}

func (h *Handler) ownedProvider(c echo.Context) (*history.Provider, error) {
	id, err := pathID(c, "provider_id")
	if err != nil {
		return nil, err
	}
	p, err := h.catalog.GetProviderForUser(c.Request().Context(), userID(c), id)
	if errors.Is(err, history.ErrNotFound) {
		return nil, apperr.NotFound("Provider not found")
	}
	if err != nil {
		return nil, apperr.Internal("Database error", err)
	}
	return p, nil
}

// ownedModel loads the model named in the path and checks it belongs to the
// caller's provider named in the path.
func (h *Handler) ownedModel(c echo.Context) (*history.Model, error) {
	p, err := h.ownedProvider(c)
	if err != nil {
		return nil, err
	}
	id, err := pathID(c, "model_id")
	if err != nil {
		return nil, err
	}
	m, err := h.catalog.GetModel(c.Request().Context(), id)
	if errors.Is(err, history.ErrNotFound) || (err == nil && m.ProviderID != p.ID) {
		return nil, apperr.NotFound("Model not found")
	}
	if err != nil {
		return nil, apperr.Internal("Database error", err)
	}
	return m, nil
}

func validName(s string, limit int) bool {
	return s != "" && len(s) <= limit
}

func validURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func providerWriteError(err error) error {
	switch {
	case errors.Is(err, history.ErrConflict):
		return apperr.Conflict("Provider name already exists")
	case errors.Is(err, history.ErrNotFound):
		return apperr.NotFound("Provider not found")
	}
	return apperr.Internal("Database error", err)
}

func modelWriteError(err error) error {
	switch {
	case errors.Is(err, history.ErrConflict):
		return apperr.Conflict("Model ID already exists in provider")
	case errors.Is(err, history.ErrNotFound):
		return apperr.NotFound("Model not found")
	}
	return apperr.Internal("Database error", err)
}
