package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/kauschie/knewit/internal/app"
	"github.com/kauschie/knewit/internal/domain"
	"go.uber.org/zap"
)

// LeaderboardMirror reads standings published by any coordinator process. It serves sessions that
// are not live in this process.
type LeaderboardMirror interface {
	Top(ctx context.Context, sessionID string, limit int) ([]domain.LeaderboardEntry, error)
	Rank(ctx context.Context, sessionID, participantID string) (int64, error)
}

// RouterOption customizes NewRouter.
type RouterOption func(*adminAPI)

// WithLeaderboardMirror answers leaderboard requests for unknown sessions from mirror.
func WithLeaderboardMirror(mirror LeaderboardMirror) RouterOption {
	return func(a *adminAPI) { a.mirror = mirror }
}

// NewRouter mounts the websocket endpoint and the read-only admin API.
func NewRouter(service *app.QuizService, ws *WSHandler, logger *zap.Logger, opts ...RouterOption) *mux.Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	api := &adminAPI{service: service, log: logger.With(zap.String("module", "api"))}
	for _, opt := range opts {
		opt(api)
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	r.HandleFunc("/ws", ws.ServeWS)
	r.HandleFunc("/quizzes", api.listQuizzes).Methods(http.MethodGet)
	r.HandleFunc("/quizzes/{id}", api.getQuiz).Methods(http.MethodGet)
	r.HandleFunc("/sessions", api.listSessions).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}/leaderboard", api.leaderboard).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}/leaderboard/{participantId}", api.rank).Methods(http.MethodGet)
	return r
}

type adminAPI struct {
	service *app.QuizService
	mirror  LeaderboardMirror
	log     *zap.Logger
}

type rankResponse struct {
	SessionID     string `json:"sessionId"`
	ParticipantID string `json:"participantId"`
	Rank          int64  `json:"rank"`
}

func (a *adminAPI) listQuizzes(w http.ResponseWriter, r *http.Request) {
	quizzes, err := a.service.ListQuizzes(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, quizzes)
}

func (a *adminAPI) getQuiz(w http.ResponseWriter, r *http.Request) {
	summary, err := a.service.QuizSummary(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, summary)
}

func (a *adminAPI) listSessions(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, a.service.ListSessions())
}

// leaderboard serves live standings, or the mirrored ones when the session lives elsewhere.
// The optional limit query parameter caps the mirrored entries.
func (a *adminAPI) leaderboard(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	lb, err := a.service.Leaderboard(id)
	if errors.Is(err, domain.ErrSessionNotFound) && a.mirror != nil {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		entries, mirrorErr := a.mirror.Top(r.Context(), id, limit)
		switch {
		case mirrorErr != nil:
			err = mirrorErr
		case len(entries) > 0:
			a.writeJSON(w, http.StatusOK, domain.Leaderboard{SessionID: id, Entries: entries})
			return
		}
	}
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, lb)
}

func (a *adminAPI) rank(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, participantID := vars["id"], vars["participantId"]
	lb, err := a.service.Leaderboard(id)
	if err == nil {
		for _, entry := range lb.Entries {
			if entry.ParticipantID == participantID {
				a.writeJSON(w, http.StatusOK, rankResponse{SessionID: lb.SessionID, ParticipantID: participantID, Rank: int64(entry.Rank)})
				return
			}
		}
		a.writeError(w, domain.ErrParticipantNotFound)
		return
	}
	if !errors.Is(err, domain.ErrSessionNotFound) || a.mirror == nil {
		a.writeError(w, err)
		return
	}
	rank, err := a.mirror.Rank(r.Context(), id, participantID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if rank < 0 {
		a.writeError(w, domain.ErrParticipantNotFound)
		return
	}
	a.writeJSON(w, http.StatusOK, rankResponse{SessionID: id, ParticipantID: participantID, Rank: rank})
}

func (a *adminAPI) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, domain.ErrQuizNotFound) || errors.Is(err, domain.ErrSessionNotFound) ||
		errors.Is(err, domain.ErrParticipantNotFound) {
		status = http.StatusNotFound
	} else {
		a.log.Error("admin request failed", zap.Error(err))
	}
	a.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (a *adminAPI) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.Warn("write response", zap.Error(err))
	}
}
