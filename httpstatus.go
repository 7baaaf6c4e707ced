package arborq

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/arborq/arborq/internal/base"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// StatusServer exposes a read-only admin view of task state: task lookup
// by ID and a store healthcheck, for an operator's dashboard or a
// caller's own monitoring, independent of the task:end pub/sub surface.
type StatusServer struct {
	store     base.Store
	namespace string
}

// NewStatusHandler returns an http.Handler serving GET /tasks/{id} and
// GET /healthz against store.
func NewStatusHandler(store base.Store, namespace string) http.Handler {
	s := &StatusServer{store: store, namespace: namespace}
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer)
	r.Get("/tasks/{id}", s.getTask)
	r.Get("/healthz", s.healthz)
	return r
}

type taskView struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	State            base.TaskState  `json:"state"`
	Total            int             `json:"total"`
	Progress         int             `json:"progress"`
	ChildrenFinished int             `json:"children_finished"`
	Result           json.RawMessage `json:"result,omitempty"`
	Error            *base.TaskError `json:"error,omitempty"`
	Parent           string          `json:"parent,omitempty"`
}

func (s *StatusServer) getTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.store.GetTask(r.Context(), s.namespace, id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if rec == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, taskView{
		ID:               id,
		Name:             rec.Name,
		State:            rec.State,
		Total:            rec.Total,
		Progress:         rec.Progress,
		ChildrenFinished: rec.ChildrenFinished,
		Result:           rec.Result,
		Error:            rec.Error,
		Parent:           rec.Parent,
	})
}

func (s *StatusServer) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
