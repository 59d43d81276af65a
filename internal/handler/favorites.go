package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bitemap/session/internal/domain"
	"github.com/bitemap/session/internal/repository"
	"github.com/bitemap/session/pkg/httputil"
	"github.com/bitemap/session/pkg/middleware"
	"github.com/bitemap/session/pkg/validator"
)

// FavoritesHandler serves the authenticated favorites endpoints.
type FavoritesHandler struct {
	favorites repository.FavoriteRepository
	logger    *slog.Logger
}

// NewFavoritesHandler creates a favorites handler.
func NewFavoritesHandler(favorites repository.FavoriteRepository, logger *slog.Logger) *FavoritesHandler {
	return &FavoritesHandler{favorites: favorites, logger: logger}
}

type saveFavoriteRequest struct {
	SavedAt time.Time `json:"saved_at"`
}

// List handles GET /api/v1/favorites.
func (h *FavoritesHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := middleware.PrincipalIDFromContext(r.Context())
	favs, err := h.favorites.List(r.Context(), userID)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	if favs == nil {
		favs = []domain.Favorite{}
	}
	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: favs})
}

// Save handles PUT /api/v1/favorites/{restaurantID}. The save timestamp
// defaults to now when the body omits it.
func (h *FavoritesHandler) Save(w http.ResponseWriter, r *http.Request) {
	var req saveFavoriteRequest
	if r.ContentLength > 0 {
		if err := validator.DecodeAndValidate(r, &req); err != nil {
			httputil.WriteValidationError(w, err)
			return
		}
	}
	if req.SavedAt.IsZero() {
		req.SavedAt = time.Now().UTC()
	}

	userID := middleware.PrincipalIDFromContext(r.Context())
	fav := domain.Favorite{
		RestaurantID: chi.URLParam(r, "restaurantID"),
		SavedAt:      req.SavedAt,
	}
	if err := h.favorites.Upsert(r.Context(), userID, fav); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Remove handles DELETE /api/v1/favorites/{restaurantID}.
func (h *FavoritesHandler) Remove(w http.ResponseWriter, r *http.Request) {
	userID := middleware.PrincipalIDFromContext(r.Context())
	if err := h.favorites.Remove(r.Context(), userID, chi.URLParam(r, "restaurantID")); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
