package protocol

import "github.com/kauschie/knewit/internal/domain"

type CreatePayload struct {
	Name     string `json:"name"`
	Password string `json:"password,omitempty"`
}

type JoinPayload struct {
	SessionID string `json:"sessionId"`
	Name      string `json:"name"`
	Password  string `json:"password,omitempty"`

	// ResumeToken is required when rejoining under a participant id that already joined.
	ResumeToken string `json:"resumeToken,omitempty"`
}

// LoadQuizPayload carries either a stored quiz id or an inline definition.
type LoadQuizPayload struct {
	QuizID string       `json:"quizId,omitempty"`
	Quiz   *domain.Quiz `json:"quiz,omitempty"`
}

type AnswerPayload struct {
	OptionIndex *int `json:"optionIdx"`
}

type TargetPayload struct {
	ParticipantID string `json:"participantId"`
}

type MutePayload struct {
	ParticipantID string `json:"participantId"`
	Muted         bool   `json:"muted"`
}

type ChatPayload struct {
	Message string `json:"msg"`
}

// PingPayload carries the server's send time in unix milliseconds; pong echoes it back.
type PingPayload struct {
	TS int64 `json:"ts"`
}

type WelcomePayload struct {
	ParticipantID string `json:"participantId"`
}

type CreatedPayload struct {
	SessionID   string `json:"sessionId"`
	HostID      string `json:"hostId"`
	ResumeToken string `json:"resumeToken"`
}

type JoinedPayload struct {
	SessionID string                 `json:"sessionId"`
	HostID    string                 `json:"hostId"`
	Rejoined  bool                   `json:"rejoined"`
	You       domain.ParticipantView `json:"you"`
	Snapshot  domain.Snapshot        `json:"snapshot"`

	// ResumeToken lets this participant id rejoin after a dropped connection.
	ResumeToken string `json:"resumeToken"`
}

type ErrorPayload struct {
	Code    domain.ErrorKind `json:"code"`
	Message string           `json:"message"`
	Request MessageType      `json:"request,omitempty"`
}

type LobbyPayload struct {
	State   domain.LifecycleState    `json:"state"`
	Players []domain.ParticipantView `json:"players"`
}

type QuizLoadedPayload struct {
	Title        string `json:"title"`
	NumQuestions int    `json:"numQuestions"`
}

type QuizListPayload struct {
	Quizzes []domain.QuizSummary `json:"quizzes"`
}

type HistogramPayload struct {
	Round    uint64 `json:"round"`
	Index    int    `json:"index"`
	Counts   []int  `json:"counts"`
	Answered int    `json:"answered"`
}

type FinishedPayload struct {
	Leaderboard []domain.LeaderboardEntry `json:"leaderboard"`
}

type ClosedPayload struct {
	Reason string `json:"reason"`
}

type ChatMessagePayload struct {
	ParticipantID string `json:"participantId"`
	Name          string `json:"name"`
	Message       string `json:"msg"`
}
