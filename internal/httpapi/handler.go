package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/Coali-Network/trust_engine/internal/domain/event"
	lb "github.com/Coali-Network/trust_engine/internal/domain/leaderboard"
	"github.com/Coali-Network/trust_engine/internal/faults"
	"github.com/Coali-Network/trust_engine/internal/ingest"
	"github.com/Coali-Network/trust_engine/internal/metrics"
	leaderboardsvc "github.com/Coali-Network/trust_engine/internal/services/leaderboard"
	"github.com/Coali-Network/trust_engine/internal/services/rewards"
	"github.com/Coali-Network/trust_engine/internal/services/scoring"
	"github.com/Coali-Network/trust_engine/pkg/logger"
)

// handler bundles the engine's REST endpoints.
type handler struct {
	dispatcher   *ingest.Dispatcher
	scores       *scoring.Service
	rewards      *rewards.Service
	leaderboards *leaderboardsvc.Service
	log          *logger.Logger
}

// NewHandler returns the engine's HTTP router with metrics instrumentation.
func NewHandler(dispatcher *ingest.Dispatcher, scores *scoring.Service, rewardSvc *rewards.Service, leaderboards *leaderboardsvc.Service, log *logger.Logger) http.Handler {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	h := &handler{
		dispatcher:   dispatcher,
		scores:       scores,
		rewards:      rewardSvc,
		leaderboards: leaderboards,
		log:          log,
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.healthz).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/events", h.submitEvent).Methods(http.MethodPost)
	r.HandleFunc("/users/{id}/score", h.userScore).Methods(http.MethodGet)
	r.HandleFunc("/users/{id}/supporters", h.userSupporters).Methods(http.MethodGet)
	r.HandleFunc("/users/{id}/quality", h.userQuality).Methods(http.MethodGet)
	r.HandleFunc("/users/{id}/removals", h.userRemovals).Methods(http.MethodGet)
	r.HandleFunc("/users/{id}/rewards", h.userRewards).Methods(http.MethodGet)
	r.HandleFunc("/leaderboard/{window}", h.leaderboard).Methods(http.MethodGet)
	r.HandleFunc("/leaderboard/{window}/percentile/{user}", h.leaderboardPercentile).Methods(http.MethodGet)

	return metrics.InstrumentHandler(r)
}

func (h *handler) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) submitEvent(w http.ResponseWriter, r *http.Request) {
	var ev event.Event
	if err := decodeJSON(r.Body, &ev); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.dispatcher.Submit(ev); err != nil {
		writeFaultError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "id": ev.ID})
}

type scoreResponse struct {
	UserID     string  `json:"user_id"`
	Value      float64 `json:"value"`
	Percentile float64 `json:"percentile"`
	TrendDay   int     `json:"trend_day"`
	TrendWeek  int     `json:"trend_week"`
	Stale      bool    `json:"stale"`
	Forecast7d float64 `json:"forecast_7d"`
	UpdatedAt  string  `json:"updated_at"`
}

func (h *handler) userScore(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sc, err := h.scores.GetScore(r.Context(), id)
	if err != nil {
		writeFaultError(w, err)
		return
	}
	forecast, err := h.scores.Forecast7d(r.Context(), id)
	if err != nil {
		forecast = sc.Value
	}
	writeJSON(w, http.StatusOK, scoreResponse{
		UserID:     sc.UserID,
		Value:      sc.Value,
		Percentile: sc.Percentile,
		TrendDay:   sc.TrendDay,
		TrendWeek:  sc.TrendWeek,
		Stale:      sc.Stale,
		Forecast7d: forecast,
		UpdatedAt:  sc.UpdatedAt.Format(time.RFC3339),
	})
}

func (h *handler) userSupporters(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	limit := queryInt(r, "limit", 0)
	supporters, err := h.scores.Supporters(r.Context(), id, limit)
	if err != nil {
		writeFaultError(w, err)
		return
	}
	type row struct {
		UserID string  `json:"user_id"`
		Weight float64 `json:"weight"`
	}
	out := make([]row, 0, len(supporters))
	for _, s := range supporters {
		out = append(out, row{UserID: s.UserID, Weight: s.Weight})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"user_id": id, "supporters": out})
}

func (h *handler) userQuality(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ratio, err := h.scores.QualityVsQuantity(r.Context(), id)
	if err != nil {
		writeFaultError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":               id,
		"strong_avg_weight":     ratio.StrongAvgWeight,
		"regular_avg_weight":    ratio.RegularAvgWeight,
		"k_regular":             ratio.KRegular,
		"strong_equals_regular": ratio.StrongEqualsRegular,
	})
}

func (h *handler) userRemovals(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	impact, err := h.scores.RemovalsImpact(r.Context(), id)
	if err != nil {
		writeFaultError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"user_id": id, "lost_weight": impact})
}

func (h *handler) userRewards(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	records, err := h.rewards.History(r.Context(), id)
	if err != nil {
		writeFaultError(w, err)
		return
	}
	type row struct {
		ID            string `json:"id"`
		SourceEventID string `json:"source_event_id"`
		Generation    int    `json:"generation"`
		Amount        int64  `json:"amount"`
		Status        string `json:"status"`
		CreatedAt     string `json:"created_at"`
		DistributedAt string `json:"distributed_at,omitempty"`
	}
	out := make([]row, 0, len(records))
	for _, rec := range records {
		item := row{
			ID:            rec.ID,
			SourceEventID: rec.SourceEventID,
			Generation:    rec.Generation,
			Amount:        rec.Amount,
			Status:        string(rec.Status),
			CreatedAt:     rec.CreatedAt.Format(time.RFC3339),
		}
		if rec.DistributedAt != nil {
			item.DistributedAt = rec.DistributedAt.Format(time.RFC3339)
		}
		out = append(out, item)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"user_id": id, "rewards": out})
}

func (h *handler) leaderboard(w http.ResponseWriter, r *http.Request) {
	window, ok := lb.ParseWindow(mux.Vars(r)["window"])
	if !ok {
		writeError(w, http.StatusBadRequest, errors.New("unknown leaderboard window"))
		return
	}
	offset := queryInt(r, "offset", 0)
	limit := queryInt(r, "limit", 50)
	if limit > 500 {
		limit = 500
	}

	board := h.leaderboards.Board(window)
	if board == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("leaderboard not built yet"))
		return
	}
	entries := h.leaderboards.Page(window, offset, limit)
	type row struct {
		Rank   int     `json:"rank"`
		UserID string  `json:"user_id"`
		Score  float64 `json:"score"`
		Delta  float64 `json:"delta"`
	}
	out := make([]row, 0, len(entries))
	for _, e := range entries {
		out = append(out, row{Rank: e.Rank, UserID: e.UserID, Score: e.Score, Delta: e.Delta})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"window":   string(window),
		"built_at": board.BuiltAt.Format(time.RFC3339),
		"total":    board.Size(),
		"entries":  out,
	})
}

func (h *handler) leaderboardPercentile(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	window, ok := lb.ParseWindow(vars["window"])
	if !ok {
		writeError(w, http.StatusBadRequest, errors.New("unknown leaderboard window"))
		return
	}
	userID := vars["user"]

	if h.leaderboards.Board(window) == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("leaderboard not built yet"))
		return
	}
	pct, ok := h.leaderboards.Percentile(window, userID)
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("user not ranked in window"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"window":     string(window),
		"user_id":    userID,
		"percentile": pct,
	})
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	return v
}

// writeFaultError maps the fault taxonomy onto HTTP statuses.
func writeFaultError(w http.ResponseWriter, err error) {
	switch {
	case faults.IsValidation(err):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, faults.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case faults.IsTransient(err):
		writeError(w, http.StatusServiceUnavailable, err)
	case faults.IsConsistency(err):
		writeError(w, http.StatusConflict, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
