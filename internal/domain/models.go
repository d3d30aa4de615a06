package domain

import (
	"fmt"
	"time"
)

// OptionsPerQuestion is the fixed number of answer options per question.
const OptionsPerQuestion = 4

// Role distinguishes the session host from regular players.
type Role string

const (
	RoleHost   Role = "host"
	RolePlayer Role = "player"
)

// LifecycleState is the session state. Transitions only move forward.
type LifecycleState string

const (
	StateLobby    LifecycleState = "lobby"
	StateActive   LifecycleState = "active"
	StateFinished LifecycleState = "finished"
)

// ParticipantStatus tracks connectivity of a roster entry.
type ParticipantStatus string

const (
	StatusConnected    ParticipantStatus = "connected"
	StatusDisconnected ParticipantStatus = "disconnected"
)

// Participant is a roster entry. It is owned by its session and only mutated under the
// session's lock.
type Participant struct {
	ID             string
	DisplayName    string
	Role           Role
	Muted          bool
	Status         ParticipantStatus
	Latency        time.Duration
	LastSeen       time.Time
	DisconnectedAt time.Time
	Score          int
	CorrectCount   int
	History        []int
	Answer         *AnswerResult
	LastUpdated    time.Time
	// ResumeToken must accompany any later join that reuses ID. Never part of a view.
	ResumeToken    string
}

// View returns a copy safe to hand to other goroutines.
func (p *Participant) View() ParticipantView {
	history := make([]int, len(p.History))
	copy(history, p.History)
	return ParticipantView{
		ID:           p.ID,
		DisplayName:  p.DisplayName,
		Role:         p.Role,
		Muted:        p.Muted,
		Status:       p.Status,
		LatencyMS:    float64(p.Latency.Microseconds()) / 1000,
		Score:        p.Score,
		CorrectCount: p.CorrectCount,
		History:      history,
	}
}

// ParticipantView is the roster representation sent to clients.
type ParticipantView struct {
	ID           string            `json:"participantId"`
	DisplayName  string            `json:"name"`
	Role         Role              `json:"role"`
	Muted        bool              `json:"muted"`
	Status       ParticipantStatus `json:"status"`
	LatencyMS    float64           `json:"latencyMs"`
	Score        int               `json:"score"`
	CorrectCount int               `json:"correct"`
	History      []int             `json:"history"`
}

// LeaderboardEntry is a snapshot-friendly view of a player's standing.
type LeaderboardEntry struct {
	Rank          int    `json:"rank"`
	ParticipantID string `json:"participantId"`
	DisplayName   string `json:"name"`
	Score         int    `json:"score"`
	CorrectCount  int    `json:"correct"`
}

// Question models an MCQ question with exactly one correct option.
type Question struct {
	ID           string   `json:"id" yaml:"id"`
	Prompt       string   `json:"prompt" yaml:"prompt"`
	Options      []string `json:"options" yaml:"options"`
	CorrectIndex int      `json:"correctIndex" yaml:"correctIndex"`
}

// Quiz is a titled, ordered collection of questions.
type Quiz struct {
	ID               string     `json:"id" yaml:"id"`
	Title            string     `json:"title" yaml:"title"`
	Questions        []Question `json:"questions" yaml:"questions"`
	TimeLimitSeconds int        `json:"timeLimitSeconds,omitempty" yaml:"timeLimitSeconds,omitempty"`
	MaxPoints        int        `json:"maxPoints,omitempty" yaml:"maxPoints,omitempty"`
}

// Validate checks the structural rules a quiz must satisfy before it is attached.
func (q Quiz) Validate() error {
	if q.Title == "" {
		return fmt.Errorf("%w: missing title", ErrInvalidQuiz)
	}
	if len(q.Questions) == 0 {
		return fmt.Errorf("%w: no questions", ErrInvalidQuiz)
	}
	for i, question := range q.Questions {
		if question.Prompt == "" {
			return fmt.Errorf("%w: question %d has no prompt", ErrInvalidQuiz, i)
		}
		if len(question.Options) != OptionsPerQuestion {
			return fmt.Errorf("%w: question %d needs %d options, has %d", ErrInvalidQuiz, i, OptionsPerQuestion, len(question.Options))
		}
		if question.CorrectIndex < 0 || question.CorrectIndex >= len(question.Options) {
			return fmt.Errorf("%w: question %d correct index %d out of range", ErrInvalidQuiz, i, question.CorrectIndex)
		}
	}
	if q.TimeLimitSeconds < 0 || q.MaxPoints < 0 {
		return fmt.Errorf("%w: negative limits", ErrInvalidQuiz)
	}
	return nil
}

// Clone returns a deep copy so later edits to the source never reach an attached session.
func (q Quiz) Clone() Quiz {
	out := q
	out.Questions = make([]Question, len(q.Questions))
	for i, question := range q.Questions {
		options := make([]string, len(question.Options))
		copy(options, question.Options)
		question.Options = options
		out.Questions[i] = question
	}
	return out
}

// Summary describes a quiz without revealing its answers.
func (q Quiz) Summary() QuizSummary {
	return QuizSummary{ID: q.ID, Title: q.Title, NumQuestions: len(q.Questions)}
}

// QuizSummary is the list() projection of a stored quiz.
type QuizSummary struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	NumQuestions int    `json:"numQuestions"`
}

// QuestionView is an open question as shown to clients. CorrectIndex is only set for the host.
type QuestionView struct {
	Round            uint64   `json:"round"`
	Index            int      `json:"index"`
	Total            int      `json:"total"`
	Prompt           string   `json:"prompt"`
	Options          []string `json:"options"`
	TimeLimitSeconds int      `json:"timeLimitSeconds"`
	CorrectIndex     *int     `json:"correctIndex,omitempty"`
}

// ForPlayers strips the correct index.
func (v QuestionView) ForPlayers() QuestionView {
	v.CorrectIndex = nil
	return v
}

// AnswerResult is the outcome recorded for a participant's single answer in a round.
type AnswerResult struct {
	Round        uint64        `json:"round"`
	Index        int           `json:"index"`
	OptionIndex  int           `json:"optionIdx"`
	Correct      bool          `json:"correct"`
	PointsEarned int           `json:"pointsEarned"`
	Elapsed      time.Duration `json:"-"`
}

// RoundResult is the scored outcome of one round. Repeated closes return the same value.
type RoundResult struct {
	Round        uint64             `json:"round"`
	Index        int                `json:"index"`
	CorrectIndex int                `json:"correctIndex"`
	Histogram    []int              `json:"histogram"`
	Deltas       map[string]int     `json:"deltas"`
	Leaderboard  []LeaderboardEntry `json:"leaderboard"`
}

// Clone returns a deep copy of r.
func (r RoundResult) Clone() RoundResult {
	out := r
	out.Histogram = append([]int(nil), r.Histogram...)
	out.Leaderboard = append([]LeaderboardEntry(nil), r.Leaderboard...)
	out.Deltas = make(map[string]int, len(r.Deltas))
	for k, v := range r.Deltas {
		out.Deltas[k] = v
	}
	return out
}

// Leaderboard captures the ordered scoreboard for a session.
type Leaderboard struct {
	SessionID string             `json:"sessionId"`
	Entries   []LeaderboardEntry `json:"entries"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

// Snapshot is the full resync state handed to a (re)joining client.
type Snapshot struct {
	SessionID      string             `json:"sessionId"`
	HostID         string             `json:"hostId"`
	State          LifecycleState     `json:"state"`
	QuizTitle      string             `json:"quizTitle,omitempty"`
	TotalQuestions int                `json:"totalQuestions"`
	QuestionIndex  int                `json:"questionIndex"`
	Round          uint64             `json:"round"`
	QuestionOpen   bool               `json:"questionOpen"`
	Question       *QuestionView      `json:"question,omitempty"`
	Histogram      []int              `json:"histogram,omitempty"`
	Answered       int                `json:"answered"`
	YourAnswer     *AnswerResult      `json:"yourAnswer,omitempty"`
	LastResult     *RoundResult       `json:"lastResult,omitempty"`
	Roster         []ParticipantView  `json:"roster"`
	Leaderboard    []LeaderboardEntry `json:"leaderboard"`
}

// SessionSummary is the admin listing of a live session.
type SessionSummary struct {
	ID           string         `json:"id"`
	State        LifecycleState `json:"state"`
	QuizTitle    string         `json:"quizTitle,omitempty"`
	Participants int            `json:"participants"`
	Connected    int            `json:"connected"`
	CreatedAt    time.Time      `json:"createdAt"`
}
