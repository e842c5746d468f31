package backendsim

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/ironsession/internal/uuid"
)

// Item is an entry in the protected sample collection.
type Item struct {
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	CreatedBy string          `json:"created_by"`
	CreatedAt time.Time       `json:"created_at"`
}

// ListItems returns every item in creation order.
func (s *Server) ListItems(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, s.Items())
}

// CreateItem stores the raw request body as a new item.
func (s *Server) CreateItem(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil || !json.Valid(body) {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "body must be JSON")
		return
	}
	email, _ := r.Context().Value(claimsKey).(string)
	item := Item{
		ID:        uuid.New(),
		Payload:   json.RawMessage(body),
		CreatedBy: email,
		CreatedAt: s.clock.Now().UTC(),
	}
	s.mu.Lock()
	s.items = append(s.items, item)
	s.mu.Unlock()
	writeData(w, http.StatusCreated, item)
}

// DeleteItem removes an item by ID.
func (s *Server) DeleteItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "itemID")
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, it := range s.items {
		if it.ID == id {
			s.items = append(s.items[:i], s.items[i+1:]...)
			writeData(w, http.StatusOK, map[string]string{"id": id})
			return
		}
	}
	writeError(w, http.StatusNotFound, "NOT_FOUND", "item not found")
}
