package monitoring

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/lotwatch/internal/events"
	"github.com/sells-group/lotwatch/internal/model"
	"github.com/sells-group/lotwatch/internal/store"
)

// maxEventLimit caps /events page size.
const maxEventLimit = 1000

// LotView is the /lots/{externalID} response.
type LotView struct {
	Lot      *model.Lot     `json:"lot"`
	Vehicle  *model.Vehicle `json:"vehicle,omitempty"`
	Previous *model.Lot     `json:"previous_attempt,omitempty"`
	Events   []model.Event  `json:"events"`
}

// NewRouter returns the read-only HTTP API:
//
//	GET /health                 store reachability
//	GET /summary                health summary over the lookback window
//	GET /events                 event log query (lot, vehicle, type, since, until, limit)
//	GET /lots/{externalID}      canonical lot with its vehicle and timeline
//	GET /runs                   run log (job, status, limit)
func NewRouter(st store.Store, collector *Collector, lookbackHours int) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	h := &handlers{st: st, collector: collector, lookbackHours: lookbackHours}
	r.Get("/health", h.health)
	r.Get("/summary", h.summary)
	r.Get("/events", h.events)
	r.Get("/lots/{externalID}", h.lot)
	r.Get("/runs", h.runs)
	return r
}

type handlers struct {
	st            store.Store
	collector     *Collector
	lookbackHours int
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	if err := h.st.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) summary(w http.ResponseWriter, r *http.Request) {
	lookback := h.lookbackHours
	if v := r.URL.Query().Get("lookback_hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "lookback_hours must be a positive integer")
			return
		}
		lookback = n
	}
	sum, err := h.collector.Collect(r.Context(), lookback)
	if err != nil {
		internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (h *handlers) events(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.EventFilter{
		LotID:     q.Get("lot"),
		VehicleID: strings.ToUpper(strings.TrimSpace(q.Get("vehicle"))),
		Limit:     100,
	}
	if v := q.Get("type"); v != "" {
		for _, t := range strings.Split(v, ",") {
			et := model.EventType(strings.TrimSpace(t))
			if !et.Valid() {
				writeError(w, http.StatusBadRequest, "unknown event type "+string(et))
				return
			}
			filter.Types = append(filter.Types, et)
		}
	}
	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"since", &filter.Since}, {"until", &filter.Until}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		t, ok := model.ParseTime(v)
		if !ok {
			writeError(w, http.StatusBadRequest, "unparseable "+p.name)
			return
		}
		*p.dst = &t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = min(n, maxEventLimit)
	}

	evs, err := events.New(h.st).Query(r.Context(), filter)
	if err != nil {
		internalError(w, r, err)
		return
	}
	if evs == nil {
		evs = []model.Event{}
	}
	writeJSON(w, http.StatusOK, evs)
}

func (h *handlers) lot(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ext := chi.URLParam(r, "externalID")

	lot, err := h.st.GetLotByExternalID(ctx, ext)
	if err != nil {
		internalError(w, r, err)
		return
	}
	if lot == nil {
		writeError(w, http.StatusNotFound, "lot "+ext+" not found")
		return
	}

	view := LotView{Lot: lot}
	if view.Vehicle, err = h.st.GetVehicle(ctx, lot.VehicleID); err != nil {
		internalError(w, r, err)
		return
	}
	if lot.PreviousAttemptID != nil {
		if view.Previous, err = h.st.GetLot(ctx, *lot.PreviousAttemptID); err != nil {
			internalError(w, r, err)
			return
		}
	}
	if view.Events, err = events.New(h.st).ByLot(ctx, ext); err != nil {
		internalError(w, r, err)
		return
	}
	if view.Events == nil {
		view.Events = []model.Event{}
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *handlers) runs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RunFilter{Job: q.Get("job"), Status: model.RunStatus(q.Get("status")), Limit: 50}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}
	runs, err := h.st.ListRuns(r.Context(), filter)
	if err != nil {
		internalError(w, r, err)
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("monitoring: write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func internalError(w http.ResponseWriter, r *http.Request, err error) {
	zap.L().Error("monitoring: request failed",
		zap.String("path", r.URL.Path),
		zap.String("request_id", middleware.GetReqID(r.Context())),
		zap.Error(err),
	)
	writeError(w, http.StatusInternalServerError, "internal error")
}
