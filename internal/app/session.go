package app

import (
	"context"
	"crypto/subtle"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kauschie/knewit/internal/domain"
	"github.com/kauschie/knewit/internal/hub"
	"github.com/kauschie/knewit/internal/protocol"
	"github.com/kauschie/knewit/internal/scoring"
	"go.uber.org/zap"
)

const (
	maxNameLength = 32
	maxChatLength = 500
)

// Connections is the slice of the connection registry a session talks to.
type Connections interface {
	Attach(sessionID, participantID string, role domain.Role, t hub.Transport) *hub.Endpoint
	Broadcast(ctx context.Context, sessionID string, msg protocol.Envelope, exclude ...string) int
	SendTo(sessionID, participantID string, msg protocol.Envelope) error
	Disconnect(sessionID, participantID string)
	Detach(sessionID, participantID string)
	DropSession(sessionID string)
	Release(ep *hub.Endpoint) bool
	Count(sessionID string) int
}

// SessionConfig tunes a single session.
type SessionConfig struct {
	Password string
	Policy   scoring.Policy
	// QuestionDeadline closes open rounds automatically when positive. Zero leaves pacing to the host.
	QuestionDeadline time.Duration
	Clock            func() time.Time
	Logger           *zap.Logger

	onScored func(domain.Leaderboard)
	onClosed func(id, reason string)
}

// JoinResult is returned to a joining or rejoining participant.
type JoinResult struct {
	Participant domain.ParticipantView
	Rejoined    bool
	Snapshot    domain.Snapshot
	ResumeToken string
}

// AdvanceResult reports what advance did: the round it closed, then either the next question or
// the final leaderboard.
type AdvanceResult struct {
	Closed      *domain.RoundResult
	Question    *domain.QuestionView
	Finished    bool
	Leaderboard []domain.LeaderboardEntry
}

// Session is one running quiz room. All mutation happens under mu, and events are emitted while
// holding it so every connection observes a session's events in mutation order.
type Session struct {
	id        string
	hostID    string
	password  string
	createdAt time.Time
	now       func() time.Time
	out       Connections
	policy    scoring.Policy
	deadline  time.Duration
	log       *zap.Logger
	onScored  func(domain.Leaderboard)
	onClosed  func(id, reason string)

	mu           sync.Mutex
	state        domain.LifecycleState
	closed       bool
	participants map[string]*domain.Participant
	banned       map[string]struct{}
	quiz         *domain.Quiz
	quizPolicy   scoring.Policy
	index        int
	round        uint64
	roundOpen    bool
	openedAt     time.Time
	tally        []int
	answered     map[string]struct{}
	closedRounds int
	lastResult   *domain.RoundResult
	timer        *time.Timer
	rosterDirty  bool
	emptySince   time.Time
}

// NewSession creates a session in LOBBY with the host already on the roster.
func NewSession(id, hostID, hostName string, out Connections, cfg SessionConfig) *Session {
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Session{
		id:           id,
		hostID:       hostID,
		password:     cfg.Password,
		createdAt:    now(),
		now:          now,
		out:          out,
		policy:       cfg.Policy,
		deadline:     cfg.QuestionDeadline,
		log:          logger.With(zap.String("session_id", id)),
		onScored:     cfg.onScored,
		onClosed:     cfg.onClosed,
		state:        domain.StateLobby,
		participants: make(map[string]*domain.Participant),
		banned:       make(map[string]struct{}),
		index:        -1,
		rosterDirty:  true,
	}
	s.participants[hostID] = &domain.Participant{
		ID:          hostID,
		DisplayName: hostName,
		Role:        domain.RoleHost,
		Status:      domain.StatusConnected,
		LastSeen:    s.createdAt,
		LastUpdated: s.createdAt,
		ResumeToken: uuid.NewString(),
	}
	return s
}

func (s *Session) ID() string     { return s.id }
func (s *Session) HostID() string { return s.hostID }

// State returns the lifecycle state.
func (s *Session) State() domain.LifecycleState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Closed reports whether the session was torn down.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// resumeToken returns the secret a participant presents to rejoin.
func (s *Session) resumeToken(participantID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.participants[participantID]; ok {
		return p.ResumeToken
	}
	return ""
}

// Join adds a participant, or reconnects a known participant id. Reconnecting requires the resume
// token handed out on the first join; a new participant must know the session password. When t is
// non-nil it is attached as the participant's endpoint before any further event can be emitted.
func (s *Session) Join(ctx context.Context, participantID, name, password, resumeToken string, t hub.Transport) (JoinResult, *hub.Endpoint, error) {
	name = strings.TrimSpace(name)
	if participantID == "" {
		return JoinResult{}, nil, fmt.Errorf("%w: missing participant id", domain.ErrInvalidMessage)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return JoinResult{}, nil, domain.ErrSessionClosed
	}
	if _, banned := s.banned[participantID]; banned {
		return JoinResult{}, nil, domain.ErrBanned
	}

	now := s.now()
	p, rejoined := s.participants[participantID]
	if rejoined {
		if resumeToken == "" || subtle.ConstantTimeCompare([]byte(resumeToken), []byte(p.ResumeToken)) != 1 {
			s.log.Warn("rejoin without valid resume token", zap.String("participant_id", participantID))
			return JoinResult{}, nil, domain.ErrResumeRejected
		}
	} else if s.password != "" && password != s.password {
		return JoinResult{}, nil, domain.ErrWrongPassword
	}

	if rejoined {
		if name != "" && name != p.DisplayName {
			if err := validateName(name); err != nil {
				return JoinResult{}, nil, err
			}
			if s.nameTakenLocked(name, participantID) {
				return JoinResult{}, nil, domain.ErrNameTaken
			}
			p.DisplayName = name
		}
		p.Status = domain.StatusConnected
		p.DisconnectedAt = time.Time{}
		p.LastSeen = now
	} else {
		if s.state == domain.StateFinished {
			return JoinResult{}, nil, domain.ErrSessionClosed
		}
		if err := validateName(name); err != nil {
			return JoinResult{}, nil, err
		}
		if s.nameTakenLocked(name, participantID) {
			return JoinResult{}, nil, domain.ErrNameTaken
		}
		p = &domain.Participant{
			ID:          participantID,
			DisplayName: name,
			Role:        domain.RolePlayer,
			Status:      domain.StatusConnected,
			LastSeen:    now,
			LastUpdated: now,
			History:     make([]int, s.closedRounds),
			ResumeToken: uuid.NewString(),
		}
		s.participants[participantID] = p
	}

	var ep *hub.Endpoint
	if t != nil {
		ep = s.out.Attach(s.id, participantID, p.Role, t)
	}
	s.rosterDirty = true
	s.emptySince = time.Time{}

	s.log.Info("participant joined",
		zap.String("participant_id", participantID),
		zap.String("name", p.DisplayName),
		zap.Bool("rejoined", rejoined))

	result := JoinResult{
		Participant: p.View(),
		Rejoined:    rejoined,
		Snapshot:    s.snapshotLocked(participantID),
		ResumeToken: p.ResumeToken,
	}
	if ep != nil {
		// Enqueued before the lock is released so the snapshot precedes every later event.
		_ = s.out.SendTo(s.id, participantID, protocol.MustNew(protocol.TypeSessionJoined, protocol.JoinedPayload{
			SessionID: s.id,
			HostID:    s.hostID,
			Rejoined:  rejoined,
			You:       result.Participant,
			Snapshot:  result.Snapshot,

			ResumeToken: result.ResumeToken,
		}))
	}
	return result, ep, nil
}

// LoadQuiz attaches a private copy of quiz. Only valid in LOBBY; resets every participant's
// scores and history.
func (s *Session) LoadQuiz(ctx context.Context, byID string, quiz domain.Quiz) (domain.QuizSummary, error) {
	if err := quiz.Validate(); err != nil {
		return domain.QuizSummary{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkHostLocked(byID); err != nil {
		return domain.QuizSummary{}, err
	}
	if s.state != domain.StateLobby {
		return domain.QuizSummary{}, fmt.Errorf("%w: quiz can only be loaded in the lobby", domain.ErrInvalidState)
	}

	attached := quiz.Clone()
	s.quiz = &attached
	s.quizPolicy = s.policy.ForQuiz(attached)
	s.index = -1
	s.closedRounds = 0
	s.lastResult = nil
	for _, p := range s.participants {
		p.Score = 0
		p.CorrectCount = 0
		p.History = nil
		p.Answer = nil
	}
	s.rosterDirty = true

	summary := attached.Summary()
	s.out.Broadcast(ctx, s.id, protocol.MustNew(protocol.TypeQuizLoaded, protocol.QuizLoadedPayload{
		Title:        summary.Title,
		NumQuestions: summary.NumQuestions,
	}))
	s.log.Info("quiz loaded", zap.String("quiz_id", attached.ID), zap.Int("questions", summary.NumQuestions))
	return summary, nil
}

// Start moves LOBBY to ACTIVE and opens the first question.
func (s *Session) Start(ctx context.Context, byID string) (domain.QuestionView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkHostLocked(byID); err != nil {
		return domain.QuestionView{}, err
	}
	if s.state != domain.StateLobby {
		return domain.QuestionView{}, fmt.Errorf("%w: quiz already started", domain.ErrInvalidState)
	}
	if s.quiz == nil {
		return domain.QuestionView{}, fmt.Errorf("%w: no quiz loaded", domain.ErrInvalidState)
	}
	s.state = domain.StateActive
	s.log.Info("quiz started")
	return s.openQuestionLocked(ctx, 0)
}

// OpenQuestion opens question idx, which must directly follow the current one.
func (s *Session) OpenQuestion(ctx context.Context, idx int) (domain.QuestionView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.QuestionView{}, domain.ErrSessionClosed
	}
	return s.openQuestionLocked(ctx, idx)
}

// SubmitAnswer records a participant's answer for the open round. A repeated submit in the same
// round is a no-op returning the first recorded result.
func (s *Session) SubmitAnswer(ctx context.Context, participantID string, optionIdx int) (domain.AnswerResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return domain.AnswerResult{}, domain.ErrSessionClosed
	}
	p, ok := s.participants[participantID]
	if !ok {
		return domain.AnswerResult{}, domain.ErrParticipantNotFound
	}
	if p.Role == domain.RoleHost {
		return domain.AnswerResult{}, domain.ErrHostCannotAnswer
	}
	if s.state != domain.StateActive || !s.roundOpen {
		return domain.AnswerResult{}, domain.ErrNoOpenQuestion
	}
	if p.Answer != nil && p.Answer.Round == s.round {
		return *p.Answer, nil
	}

	question := s.quiz.Questions[s.index]
	if optionIdx < 0 || optionIdx >= len(question.Options) {
		return domain.AnswerResult{}, fmt.Errorf("%w: %d", domain.ErrOptionOutOfRange, optionIdx)
	}

	now := s.now()
	elapsed := now.Sub(s.openedAt)
	correct := optionIdx == question.CorrectIndex
	result := domain.AnswerResult{
		Round:        s.round,
		Index:        s.index,
		OptionIndex:  optionIdx,
		Correct:      correct,
		PointsEarned: s.quizPolicy.Points(correct, elapsed),
		Elapsed:      elapsed,
	}
	p.Answer = &result
	p.LastSeen = now
	s.tally[optionIdx]++
	s.answered[participantID] = struct{}{}

	s.out.Broadcast(ctx, s.id, protocol.MustNew(protocol.TypeHistogram, s.histogramLocked()))
	return result, nil
}

// CloseQuestion scores the open round. Repeating it for the same round returns the same result
// without touching scores.
func (s *Session) CloseQuestion(ctx context.Context, byID string) (domain.RoundResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkHostLocked(byID); err != nil {
		return domain.RoundResult{}, err
	}
	return s.closeRoundLocked(ctx, s.round)
}

// CloseRound scores the round identified by token. It fails with ErrStaleRound once a later
// round has opened.
func (s *Session) CloseRound(ctx context.Context, token uint64) (domain.RoundResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.RoundResult{}, domain.ErrSessionClosed
	}
	return s.closeRoundLocked(ctx, token)
}

// Advance closes the open round if needed, then opens the next question or finishes the quiz.
func (s *Session) Advance(ctx context.Context, byID string) (AdvanceResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkHostLocked(byID); err != nil {
		return AdvanceResult{}, err
	}
	if s.state != domain.StateActive {
		return AdvanceResult{}, fmt.Errorf("%w: quiz is not running", domain.ErrInvalidState)
	}

	var out AdvanceResult
	if s.roundOpen {
		closed, err := s.closeRoundLocked(ctx, s.round)
		if err != nil {
			return AdvanceResult{}, err
		}
		out.Closed = &closed
	}

	next := s.index + 1
	if next < len(s.quiz.Questions) {
		view, err := s.openQuestionLocked(ctx, next)
		if err != nil {
			return AdvanceResult{}, err
		}
		out.Question = &view
		return out, nil
	}
	out.Finished = true
	out.Leaderboard = s.finishLocked(ctx)
	return out, nil
}

// Stop ends a running quiz early.
func (s *Session) Stop(ctx context.Context, byID string) ([]domain.LeaderboardEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkHostLocked(byID); err != nil {
		return nil, err
	}
	if s.state != domain.StateActive {
		return nil, fmt.Errorf("%w: quiz is not running", domain.ErrInvalidState)
	}
	if s.roundOpen {
		if _, err := s.closeRoundLocked(ctx, s.round); err != nil {
			return nil, err
		}
	}
	return s.finishLocked(ctx), nil
}

// Kick bans and removes a player. The ban outlives the participant record.
func (s *Session) Kick(ctx context.Context, byID, targetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkHostLocked(byID); err != nil {
		return err
	}
	if s.state == domain.StateFinished {
		return fmt.Errorf("%w: quiz finished", domain.ErrInvalidState)
	}
	if targetID == s.hostID {
		return fmt.Errorf("%w: the host cannot be kicked", domain.ErrInvalidMessage)
	}
	if _, ok := s.participants[targetID]; !ok {
		return domain.ErrParticipantNotFound
	}

	s.banned[targetID] = struct{}{}
	delete(s.participants, targetID)
	delete(s.answered, targetID)
	s.rosterDirty = true

	_ = s.out.SendTo(s.id, targetID, protocol.MustNew(protocol.TypeKicked, nil))
	s.out.Disconnect(s.id, targetID)
	s.log.Info("participant kicked", zap.String("participant_id", targetID))
	return nil
}

// Mute toggles whether a participant's chat is broadcast.
func (s *Session) Mute(ctx context.Context, byID, targetID string, muted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkHostLocked(byID); err != nil {
		return err
	}
	if s.state == domain.StateFinished {
		return fmt.Errorf("%w: quiz finished", domain.ErrInvalidState)
	}
	p, ok := s.participants[targetID]
	if !ok {
		return domain.ErrParticipantNotFound
	}
	p.Muted = muted
	s.rosterDirty = true
	return nil
}

// Chat broadcasts a chat line immediately.
func (s *Session) Chat(ctx context.Context, participantID, message string) error {
	message = strings.TrimSpace(message)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return domain.ErrSessionClosed
	}
	p, ok := s.participants[participantID]
	if !ok {
		return domain.ErrParticipantNotFound
	}
	if p.Muted {
		return domain.ErrMuted
	}
	if message == "" || len(message) > maxChatLength {
		return domain.ErrEmptyChat
	}
	s.out.Broadcast(ctx, s.id, protocol.MustNew(protocol.TypeChatMessage, protocol.ChatMessagePayload{
		ParticipantID: participantID,
		Name:          p.DisplayName,
		Message:       message,
	}))
	return nil
}

// Snapshot returns the full state as seen by participantID.
func (s *Session) Snapshot(participantID string) (domain.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return domain.Snapshot{}, domain.ErrSessionClosed
	}
	if _, ok := s.participants[participantID]; !ok {
		return domain.Snapshot{}, domain.ErrParticipantNotFound
	}
	return s.snapshotLocked(participantID), nil
}

// Touch records liveness and a latency estimate for a participant.
func (s *Session) Touch(participantID string, latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.participants[participantID]; ok {
		p.LastSeen = s.now()
		p.Latency = latency
	}
}

// Disconnect handles the loss of a participant's connection. Losing the host before the quiz
// finishes tears the session down; it reports whether that happened.
func (s *Session) Disconnect(ctx context.Context, participantID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	p, ok := s.participants[participantID]
	if !ok {
		return false
	}
	if p.Role == domain.RoleHost && s.state != domain.StateFinished {
		s.teardownLocked(ctx, "host disconnected")
		return true
	}
	if p.Status == domain.StatusDisconnected {
		return false
	}
	p.Status = domain.StatusDisconnected
	p.DisconnectedAt = s.now()
	s.rosterDirty = true
	s.log.Info("participant disconnected", zap.String("participant_id", participantID))
	return false
}

// Leave removes a participant at their request. The participant's connection stays open but
// unbound. The host leaving closes the session.
func (s *Session) Leave(ctx context.Context, participantID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, domain.ErrSessionClosed
	}
	if _, ok := s.participants[participantID]; !ok {
		return false, domain.ErrParticipantNotFound
	}
	_ = s.out.SendTo(s.id, participantID, protocol.MustNew(protocol.TypeLeft, nil))
	s.out.Detach(s.id, participantID)
	if participantID == s.hostID {
		s.teardownLocked(ctx, "host left")
		return true, nil
	}
	delete(s.participants, participantID)
	delete(s.answered, participantID)
	s.rosterDirty = true
	return false, nil
}

// Close tears the session down at the host's request. The host's own connection is detached
// rather than closed.
func (s *Session) Close(ctx context.Context, byID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkHostLocked(byID); err != nil {
		return err
	}
	const reason = "closed by host"
	_ = s.out.SendTo(s.id, byID, protocol.MustNew(protocol.TypeSessionClosed, protocol.ClosedPayload{Reason: reason}))
	s.out.Detach(s.id, byID)
	s.teardownLocked(ctx, reason)
	return nil
}

// FlushRoster emits a lobby.update if the roster changed since the last flush.
func (s *Session) FlushRoster(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.rosterDirty {
		return false
	}
	s.rosterDirty = false
	s.out.Broadcast(ctx, s.id, protocol.MustNew(protocol.TypeLobbyUpdate, protocol.LobbyPayload{
		State:   s.state,
		Players: s.rosterLocked(),
	}))
	return true
}

// Sweep removes participants whose reconnect grace expired and tears the session down after
// idle has elapsed with no live connection. It reports whether the session was torn down.
func (s *Session) Sweep(ctx context.Context, now time.Time, grace, idle time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	for id, p := range s.participants {
		if p.Status != domain.StatusDisconnected || id == s.hostID {
			continue
		}
		if now.Sub(p.DisconnectedAt) >= grace {
			delete(s.participants, id)
			delete(s.answered, id)
			s.rosterDirty = true
			s.log.Info("participant removed after reconnect grace", zap.String("participant_id", id))
		}
	}

	if s.out.Count(s.id) > 0 {
		s.emptySince = time.Time{}
		return false
	}
	if s.emptySince.IsZero() {
		s.emptySince = now
		return false
	}
	if idle > 0 && now.Sub(s.emptySince) >= idle {
		s.teardownLocked(ctx, "idle timeout")
		return true
	}
	return false
}

// Summary describes the session for admin listings.
func (s *Session) Summary() domain.SessionSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	summary := domain.SessionSummary{
		ID:           s.id,
		State:        s.state,
		Participants: len(s.participants),
		Connected:    s.out.Count(s.id),
		CreatedAt:    s.createdAt,
	}
	if s.quiz != nil {
		summary.QuizTitle = s.quiz.Title
	}
	return summary
}

// Leaderboard returns the current standings.
func (s *Session) Leaderboard() domain.Leaderboard {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.Leaderboard{SessionID: s.id, Entries: s.leaderboardLocked(), UpdatedAt: s.now()}
}

func (s *Session) openQuestionLocked(ctx context.Context, idx int) (domain.QuestionView, error) {
	if s.state != domain.StateActive {
		return domain.QuestionView{}, fmt.Errorf("%w: quiz is not running", domain.ErrInvalidState)
	}
	if s.roundOpen {
		return domain.QuestionView{}, fmt.Errorf("%w: question %d is still open", domain.ErrInvalidState, s.index)
	}
	if idx != s.index+1 || idx >= len(s.quiz.Questions) {
		return domain.QuestionView{}, fmt.Errorf("%w: cannot open question %d after %d", domain.ErrInvalidState, idx, s.index)
	}

	s.index = idx
	s.round++
	s.roundOpen = true
	s.openedAt = s.now()
	s.tally = make([]int, len(s.quiz.Questions[idx].Options))
	s.answered = make(map[string]struct{})
	for _, p := range s.participants {
		p.Answer = nil
	}

	view := s.questionViewLocked()
	s.out.Broadcast(ctx, s.id, protocol.MustNew(protocol.TypeQuestionNext, view.ForPlayers()), s.hostID)
	_ = s.out.SendTo(s.id, s.hostID, protocol.MustNew(protocol.TypeQuestionNext, view))
	s.scheduleDeadlineLocked(s.round)

	s.log.Debug("question opened", zap.Int("index", idx), zap.Uint64("round", s.round))
	return view, nil
}

func (s *Session) closeRoundLocked(ctx context.Context, token uint64) (domain.RoundResult, error) {
	if s.state != domain.StateActive {
		return domain.RoundResult{}, fmt.Errorf("%w: quiz is not running", domain.ErrInvalidState)
	}
	if token != s.round {
		return domain.RoundResult{}, domain.ErrStaleRound
	}
	if s.lastResult != nil && s.lastResult.Round == token {
		return s.lastResult.Clone(), nil
	}
	if !s.roundOpen {
		return domain.RoundResult{}, domain.ErrNoOpenQuestion
	}
	s.stopTimerLocked()

	idx := s.index
	question := s.quiz.Questions[idx]
	deltas := make(map[string]int, len(s.participants))
	for _, p := range s.participants {
		for len(p.History) < idx {
			p.History = append(p.History, 0)
		}
		if len(p.History) > idx {
			continue
		}
		points := 0
		if p.Answer != nil && p.Answer.Round == token {
			points = p.Answer.PointsEarned
			if p.Answer.Correct {
				p.CorrectCount++
			}
			if points > 0 {
				p.LastUpdated = s.openedAt.Add(p.Answer.Elapsed)
			}
		}
		p.Score += points
		p.History = append(p.History, points)
		if p.Role == domain.RolePlayer {
			deltas[p.ID] = points
		}
	}
	s.roundOpen = false
	s.closedRounds = idx + 1
	s.rosterDirty = true

	result := domain.RoundResult{
		Round:        token,
		Index:        idx,
		CorrectIndex: question.CorrectIndex,
		Histogram:    append([]int(nil), s.tally...),
		Deltas:       deltas,
		Leaderboard:  s.leaderboardLocked(),
	}
	s.lastResult = &result

	s.out.Broadcast(ctx, s.id, protocol.MustNew(protocol.TypeQuestionResults, result))
	s.publishScoresLocked(result.Leaderboard)
	s.log.Info("round scored", zap.Int("index", idx), zap.Uint64("round", token))
	return result.Clone(), nil
}

func (s *Session) finishLocked(ctx context.Context) []domain.LeaderboardEntry {
	s.stopTimerLocked()
	s.state = domain.StateFinished
	s.rosterDirty = true
	leaderboard := s.leaderboardLocked()
	s.out.Broadcast(ctx, s.id, protocol.MustNew(protocol.TypeQuizFinished, protocol.FinishedPayload{Leaderboard: leaderboard}))
	s.publishScoresLocked(leaderboard)
	s.log.Info("quiz finished")
	return leaderboard
}

func (s *Session) teardownLocked(ctx context.Context, reason string) {
	if s.closed {
		return
	}
	s.closed = true
	s.stopTimerLocked()
	s.out.Broadcast(ctx, s.id, protocol.MustNew(protocol.TypeSessionClosed, protocol.ClosedPayload{Reason: reason}))
	s.out.DropSession(s.id)
	s.participants = make(map[string]*domain.Participant)
	s.log.Info("session closed", zap.String("reason", reason))
	if s.onClosed != nil {
		s.onClosed(s.id, reason)
	}
}

func (s *Session) scheduleDeadlineLocked(token uint64) {
	if s.deadline <= 0 {
		return
	}
	s.stopTimerLocked()
	s.timer = time.AfterFunc(s.deadline, func() {
		if _, err := s.CloseRound(context.Background(), token); err != nil {
			s.log.Debug("deadline close skipped", zap.Uint64("round", token), zap.Error(err))
		}
	})
}

func (s *Session) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Session) publishScoresLocked(entries []domain.LeaderboardEntry) {
	if s.onScored == nil {
		return
	}
	s.onScored(domain.Leaderboard{
		SessionID: s.id,
		Entries:   append([]domain.LeaderboardEntry(nil), entries...),
		UpdatedAt: s.now(),
	})
}

func (s *Session) checkHostLocked(byID string) error {
	if s.closed {
		return domain.ErrSessionClosed
	}
	if byID != s.hostID {
		return domain.ErrNotHost
	}
	return nil
}

func (s *Session) nameTakenLocked(name, exceptID string) bool {
	for id, p := range s.participants {
		if id != exceptID && strings.EqualFold(p.DisplayName, name) {
			return true
		}
	}
	return false
}

func (s *Session) questionViewLocked() domain.QuestionView {
	question := s.quiz.Questions[s.index]
	correct := question.CorrectIndex
	return domain.QuestionView{
		Round:            s.round,
		Index:            s.index,
		Total:            len(s.quiz.Questions),
		Prompt:           question.Prompt,
		Options:          append([]string(nil), question.Options...),
		TimeLimitSeconds: int(s.quizPolicy.Deadline / time.Second),
		CorrectIndex:     &correct,
	}
}

func (s *Session) histogramLocked() protocol.HistogramPayload {
	return protocol.HistogramPayload{
		Round:    s.round,
		Index:    s.index,
		Counts:   append([]int(nil), s.tally...),
		Answered: len(s.answered),
	}
}

func (s *Session) snapshotLocked(participantID string) domain.Snapshot {
	snap := domain.Snapshot{
		SessionID:     s.id,
		HostID:        s.hostID,
		State:         s.state,
		QuestionIndex: s.index,
		Round:         s.round,
		QuestionOpen:  s.roundOpen,
		Roster:        s.rosterLocked(),
		Leaderboard:   s.leaderboardLocked(),
	}
	if s.quiz != nil {
		snap.QuizTitle = s.quiz.Title
		snap.TotalQuestions = len(s.quiz.Questions)
	}
	if s.state == domain.StateActive && s.index >= 0 {
		view := s.questionViewLocked()
		if participantID != s.hostID {
			view = view.ForPlayers()
		}
		snap.Question = &view
		histogram := s.histogramLocked()
		snap.Histogram = histogram.Counts
		snap.Answered = histogram.Answered
	}
	if p, ok := s.participants[participantID]; ok && p.Answer != nil && p.Answer.Round == s.round {
		answer := *p.Answer
		snap.YourAnswer = &answer
	}
	if s.lastResult != nil {
		last := s.lastResult.Clone()
		snap.LastResult = &last
	}
	return snap
}

func (s *Session) rosterLocked() []domain.ParticipantView {
	roster := make([]domain.ParticipantView, 0, len(s.participants))
	for _, p := range s.participants {
		roster = append(roster, p.View())
	}
	sort.Slice(roster, func(i, j int) bool {
		if (roster[i].Role == domain.RoleHost) != (roster[j].Role == domain.RoleHost) {
			return roster[i].Role == domain.RoleHost
		}
		if roster[i].DisplayName != roster[j].DisplayName {
			return roster[i].DisplayName < roster[j].DisplayName
		}
		return roster[i].ID < roster[j].ID
	})
	return roster
}

func (s *Session) leaderboardLocked() []domain.LeaderboardEntry {
	players := make([]*domain.Participant, 0, len(s.participants))
	for _, p := range s.participants {
		if p.Role == domain.RolePlayer {
			players = append(players, p)
		}
	}

	// Score desc, then whoever reached the score first, then name.
	sort.Slice(players, func(i, j int) bool {
		pi, pj := players[i], players[j]
		if pi.Score != pj.Score {
			return pi.Score > pj.Score
		}
		if !pi.LastUpdated.Equal(pj.LastUpdated) {
			return pi.LastUpdated.Before(pj.LastUpdated)
		}
		if pi.DisplayName != pj.DisplayName {
			return pi.DisplayName < pj.DisplayName
		}
		return pi.ID < pj.ID
	})

	entries := make([]domain.LeaderboardEntry, len(players))
	for i, p := range players {
		entries[i] = domain.LeaderboardEntry{
			Rank:          i + 1,
			ParticipantID: p.ID,
			DisplayName:   p.DisplayName,
			Score:         p.Score,
			CorrectCount:  p.CorrectCount,
		}
	}
	return entries
}

func validateName(name string) error {
	if name == "" || len(name) > maxNameLength {
		return domain.ErrInvalidName
	}
	return nil
}
