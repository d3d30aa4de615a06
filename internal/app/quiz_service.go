package app

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/kauschie/knewit/internal/domain"
	"github.com/kauschie/knewit/internal/hub"
	"github.com/kauschie/knewit/internal/protocol"
	"github.com/kauschie/knewit/internal/scoring"
	"go.uber.org/zap"
)

const (
	sessionIDLength   = 6
	sessionIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	maxIDAttempts     = 32
	publishTimeout    = 2 * time.Second
)

// SessionRepository abstracts where live sessions are indexed.
type SessionRepository interface {
	// Put stores s unless its id is already taken, reporting whether it was stored.
	Put(s *Session) bool
	Get(id string) (*Session, bool)
	Delete(id string)
	List() []*Session
}

// QuizRepository loads quiz content (from cache/backing store).
type QuizRepository interface {
	GetQuiz(ctx context.Context, quizID string) (domain.Quiz, error)
	ListQuizzes(ctx context.Context) ([]domain.QuizSummary, error)
}

// LeaderboardSink receives standings after every scored round.
type LeaderboardSink interface {
	PublishLeaderboard(ctx context.Context, lb domain.Leaderboard) error
}

// Options configures a QuizService. Zero values fall back to defaults.
type Options struct {
	Policy           scoring.Policy
	QuestionDeadline time.Duration
	ReconnectGrace   time.Duration
	IdleTimeout      time.Duration
	Clock            func() time.Time
	NewSessionID     func() string
	Leaderboards     LeaderboardSink
	Logger           *zap.Logger
}

// QuizService contains the core quiz use cases.
type QuizService struct {
	sessions SessionRepository
	quizzes  QuizRepository
	conns    Connections
	opts     Options
	log      *zap.Logger
	boards   *leaderboardPublisher
}

func NewQuizService(store SessionRepository, quizzes QuizRepository, conns Connections, opts Options) *QuizService {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.NewSessionID == nil {
		opts.NewSessionID = NewSessionID
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Policy == (scoring.Policy{}) {
		opts.Policy = scoring.DefaultPolicy()
	}
	s := &QuizService{
		sessions: store,
		quizzes:  quizzes,
		conns:    conns,
		opts:     opts,
		log:      opts.Logger.With(zap.String("module", "quiz")),
	}
	if opts.Leaderboards != nil {
		s.boards = newLeaderboardPublisher(opts.Leaderboards, s.log)
	}
	return s
}

// NewSessionID returns a random six character uppercase alphanumeric code.
func NewSessionID() string {
	var b strings.Builder
	limit := big.NewInt(int64(len(sessionIDAlphabet)))
	for i := 0; i < sessionIDLength; i++ {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			panic(fmt.Sprintf("session id: %v", err))
		}
		b.WriteByte(sessionIDAlphabet[n.Int64()])
	}
	return b.String()
}

// CreateSession opens a new session hosted by hostID. Id collisions are retried silently.
func (s *QuizService) CreateSession(ctx context.Context, hostID, hostName, password string, t hub.Transport) (*Session, *hub.Endpoint, error) {
	hostName = strings.TrimSpace(hostName)
	if hostID == "" {
		return nil, nil, fmt.Errorf("%w: missing participant id", domain.ErrInvalidMessage)
	}
	if err := validateName(hostName); err != nil {
		return nil, nil, err
	}

	cfg := SessionConfig{
		Password:         password,
		Policy:           s.opts.Policy,
		QuestionDeadline: s.opts.QuestionDeadline,
		Clock:            s.opts.Clock,
		Logger:           s.opts.Logger,
		onScored:         s.publishLeaderboard,
		onClosed:         s.forget,
	}

	var session *Session
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		candidate := NewSession(s.opts.NewSessionID(), hostID, hostName, s.conns, cfg)
		if s.sessions.Put(candidate) {
			session = candidate
			break
		}
		s.log.Debug("session id collision", zap.String("session_id", candidate.ID()))
	}
	if session == nil {
		return nil, nil, errors.New("could not allocate a session id")
	}

	var ep *hub.Endpoint
	if t != nil {
		ep = s.conns.Attach(session.ID(), hostID, domain.RoleHost, t)
		_ = s.conns.SendTo(session.ID(), hostID, protocol.MustNew(protocol.TypeSessionCreated, protocol.CreatedPayload{
			SessionID:   session.ID(),
			HostID:      hostID,
			ResumeToken: session.resumeToken(hostID),
		}))
	}
	s.log.Info("session created", zap.String("session_id", session.ID()), zap.String("host_id", hostID))
	return session, ep, nil
}

// Join registers a participant in a session, or reconnects one that presents its resume token.
func (s *QuizService) Join(ctx context.Context, sessionID, participantID, name, password, resumeToken string, t hub.Transport) (JoinResult, *hub.Endpoint, error) {
	session, err := s.session(sessionID)
	if err != nil {
		return JoinResult{}, nil, err
	}
	return session.Join(ctx, participantID, name, password, resumeToken, t)
}

// LoadQuiz attaches an inline quiz definition.
func (s *QuizService) LoadQuiz(ctx context.Context, sessionID, byID string, quiz domain.Quiz) (domain.QuizSummary, error) {
	session, err := s.session(sessionID)
	if err != nil {
		return domain.QuizSummary{}, err
	}
	return session.LoadQuiz(ctx, byID, quiz)
}

// LoadStoredQuiz attaches a quiz from the quiz store.
func (s *QuizService) LoadStoredQuiz(ctx context.Context, sessionID, byID, quizID string) (domain.QuizSummary, error) {
	session, err := s.session(sessionID)
	if err != nil {
		return domain.QuizSummary{}, err
	}
	quiz, err := s.quizzes.GetQuiz(ctx, quizID)
	if err != nil {
		return domain.QuizSummary{}, err
	}
	return session.LoadQuiz(ctx, byID, quiz)
}

// QuizSummary describes one stored quiz without its answers.
func (s *QuizService) QuizSummary(ctx context.Context, quizID string) (domain.QuizSummary, error) {
	quiz, err := s.quizzes.GetQuiz(ctx, quizID)
	if err != nil {
		return domain.QuizSummary{}, err
	}
	return quiz.Summary(), nil
}

// ListQuizzes returns the summaries of every stored quiz.
func (s *QuizService) ListQuizzes(ctx context.Context) ([]domain.QuizSummary, error) {
	return s.quizzes.ListQuizzes(ctx)
}

func (s *QuizService) Start(ctx context.Context, sessionID, byID string) (domain.QuestionView, error) {
	session, err := s.session(sessionID)
	if err != nil {
		return domain.QuestionView{}, err
	}
	return session.Start(ctx, byID)
}

func (s *QuizService) SubmitAnswer(ctx context.Context, sessionID, participantID string, optionIdx int) (domain.AnswerResult, error) {
	session, err := s.session(sessionID)
	if err != nil {
		return domain.AnswerResult{}, err
	}
	return session.SubmitAnswer(ctx, participantID, optionIdx)
}

func (s *QuizService) CloseQuestion(ctx context.Context, sessionID, byID string) (domain.RoundResult, error) {
	session, err := s.session(sessionID)
	if err != nil {
		return domain.RoundResult{}, err
	}
	return session.CloseQuestion(ctx, byID)
}

func (s *QuizService) Advance(ctx context.Context, sessionID, byID string) (AdvanceResult, error) {
	session, err := s.session(sessionID)
	if err != nil {
		return AdvanceResult{}, err
	}
	return session.Advance(ctx, byID)
}

func (s *QuizService) Stop(ctx context.Context, sessionID, byID string) ([]domain.LeaderboardEntry, error) {
	session, err := s.session(sessionID)
	if err != nil {
		return nil, err
	}
	return session.Stop(ctx, byID)
}

func (s *QuizService) Kick(ctx context.Context, sessionID, byID, targetID string) error {
	session, err := s.session(sessionID)
	if err != nil {
		return err
	}
	return session.Kick(ctx, byID, targetID)
}

func (s *QuizService) Mute(ctx context.Context, sessionID, byID, targetID string, muted bool) error {
	session, err := s.session(sessionID)
	if err != nil {
		return err
	}
	return session.Mute(ctx, byID, targetID, muted)
}

func (s *QuizService) Chat(ctx context.Context, sessionID, participantID, message string) error {
	session, err := s.session(sessionID)
	if err != nil {
		return err
	}
	return session.Chat(ctx, participantID, message)
}

func (s *QuizService) Snapshot(_ context.Context, sessionID, participantID string) (domain.Snapshot, error) {
	session, err := s.session(sessionID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	return session.Snapshot(participantID)
}

// RecordPong stores a latency estimate (half the round trip) for a participant.
func (s *QuizService) RecordPong(sessionID, participantID string, rtt time.Duration) {
	session, ok := s.sessions.Get(sessionID)
	if !ok {
		return
	}
	session.Touch(participantID, rtt/2)
}

// Disconnect handles a lost endpoint, whether reaped by a failed send, evicted by the heartbeat or
// closed by the peer. Endpoints already replaced by a reconnect are ignored.
func (s *QuizService) Disconnect(ctx context.Context, ep *hub.Endpoint) {
	if ep == nil {
		return
	}
	if !s.conns.Release(ep) {
		return
	}
	session, ok := s.sessions.Get(ep.SessionID)
	if !ok {
		return
	}
	session.Disconnect(ctx, ep.ParticipantID)
}

// Leave removes a participant on request. Returns true when the session was closed as a result.
func (s *QuizService) Leave(ctx context.Context, sessionID, participantID string) (bool, error) {
	session, err := s.session(sessionID)
	if err != nil {
		return false, err
	}
	return session.Leave(ctx, participantID)
}

// CloseSession tears a session down at the host's request.
func (s *QuizService) CloseSession(ctx context.Context, sessionID, byID string) error {
	session, err := s.session(sessionID)
	if err != nil {
		return err
	}
	return session.Close(ctx, byID)
}

// FlushRosters emits coalesced roster updates for every session with pending changes.
func (s *QuizService) FlushRosters(ctx context.Context) int {
	flushed := 0
	for _, session := range s.sessions.List() {
		if session.FlushRoster(ctx) {
			flushed++
		}
	}
	return flushed
}

// RunRosterTicker flushes roster updates every interval until ctx is done.
func (s *QuizService) RunRosterTicker(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.FlushRosters(ctx)
		}
	}
}

// Sweep expires disconnected participants and idle sessions.
func (s *QuizService) Sweep(ctx context.Context) int {
	now := s.opts.Clock()
	closed := 0
	for _, session := range s.sessions.List() {
		if session.Sweep(ctx, now, s.opts.ReconnectGrace, s.opts.IdleTimeout) {
			closed++
		}
	}
	return closed
}

// ListSessions describes every live session.
func (s *QuizService) ListSessions() []domain.SessionSummary {
	sessions := s.sessions.List()
	out := make([]domain.SessionSummary, 0, len(sessions))
	for _, session := range sessions {
		out = append(out, session.Summary())
	}
	return out
}

// Leaderboard returns the live standings of a session.
func (s *QuizService) Leaderboard(sessionID string) (domain.Leaderboard, error) {
	session, err := s.session(sessionID)
	if err != nil {
		return domain.Leaderboard{}, err
	}
	return session.Leaderboard(), nil
}

func (s *QuizService) session(id string) (*Session, error) {
	session, ok := s.sessions.Get(strings.ToUpper(strings.TrimSpace(id)))
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return session, nil
}

func (s *QuizService) forget(id, reason string) {
	s.sessions.Delete(id)
	s.log.Info("session removed", zap.String("session_id", id), zap.String("reason", reason))
}

func (s *QuizService) publishLeaderboard(lb domain.Leaderboard) {
	if s.boards != nil {
		s.boards.publish(lb)
	}
}
