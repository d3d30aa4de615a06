package http

import (
	"context"
	"time"

	"github.com/kauschie/knewit/internal/domain"
	"github.com/kauschie/knewit/internal/protocol"
)

type handlerFunc func(ctx context.Context, st *connState, env protocol.Envelope) error

func (h *WSHandler) routes() map[protocol.MessageType]handlerFunc {
	return map[protocol.MessageType]handlerFunc{
		protocol.TypeSessionCreate:   h.handleCreate,
		protocol.TypeSessionJoin:     h.handleJoin,
		protocol.TypeSessionLeave:    h.inSession(h.handleLeave),
		protocol.TypeSessionClose:    h.inSession(h.handleClose),
		protocol.TypeSnapshotRequest: h.inSession(h.handleSnapshot),
		protocol.TypeQuizList:        h.handleQuizList,
		protocol.TypeQuizLoad:        h.inSession(h.handleQuizLoad),
		protocol.TypeQuizStart:       h.inSession(h.handleStart),
		protocol.TypeQuizStop:        h.inSession(h.handleStop),
		protocol.TypeQuestionClose:   h.inSession(h.handleQuestionClose),
		protocol.TypeQuestionAdvance: h.inSession(h.handleAdvance),
		protocol.TypeAnswerSubmit:    h.inSession(h.handleAnswer),
		protocol.TypePlayerKick:      h.inSession(h.handleKick),
		protocol.TypePlayerMute:      h.inSession(h.handleMute),
		protocol.TypeChat:            h.inSession(h.handleChat),
		protocol.TypePong:            h.handlePong,
	}
}

// inSession rejects messages from connections that have not created or joined a session.
func (h *WSHandler) inSession(next handlerFunc) handlerFunc {
	return func(ctx context.Context, st *connState, env protocol.Envelope) error {
		if st.sessionID == "" {
			return domain.ErrNoSession
		}
		return next(ctx, st, env)
	}
}

func (h *WSHandler) handleCreate(ctx context.Context, st *connState, env protocol.Envelope) error {
	if st.sessionID != "" {
		return domain.ErrAlreadyInSession
	}
	var p protocol.CreatePayload
	if err := env.Into(&p); err != nil {
		return err
	}
	session, ep, err := h.service.CreateSession(ctx, st.participantID, p.Name, p.Password, st.conn)
	if err != nil {
		return err
	}
	st.bind(session.ID(), ep)
	return nil
}

func (h *WSHandler) handleJoin(ctx context.Context, st *connState, env protocol.Envelope) error {
	if st.sessionID != "" {
		return domain.ErrAlreadyInSession
	}
	var p protocol.JoinPayload
	if err := env.Into(&p); err != nil {
		return err
	}
	res, ep, err := h.service.Join(ctx, p.SessionID, st.participantID, p.Name, p.Password, p.ResumeToken, st.conn)
	if err != nil {
		return err
	}
	st.bind(res.Snapshot.SessionID, ep)
	return nil
}

func (h *WSHandler) handleLeave(ctx context.Context, st *connState, _ protocol.Envelope) error {
	_, err := h.service.Leave(ctx, st.sessionID, st.participantID)
	st.unbind()
	return err
}

func (h *WSHandler) handleClose(ctx context.Context, st *connState, _ protocol.Envelope) error {
	if err := h.service.CloseSession(ctx, st.sessionID, st.participantID); err != nil {
		return err
	}
	st.unbind()
	return nil
}

func (h *WSHandler) handleSnapshot(ctx context.Context, st *connState, _ protocol.Envelope) error {
	snap, err := h.service.Snapshot(ctx, st.sessionID, st.participantID)
	if err != nil {
		return err
	}
	h.reply(st, protocol.TypeSessionSnapshot, snap)
	return nil
}

func (h *WSHandler) handleQuizList(ctx context.Context, st *connState, _ protocol.Envelope) error {
	quizzes, err := h.service.ListQuizzes(ctx)
	if err != nil {
		return err
	}
	h.reply(st, protocol.TypeQuizListing, protocol.QuizListPayload{Quizzes: quizzes})
	return nil
}

func (h *WSHandler) handleQuizLoad(ctx context.Context, st *connState, env protocol.Envelope) error {
	var p protocol.LoadQuizPayload
	if err := env.Into(&p); err != nil {
		return err
	}
	var err error
	switch {
	case p.Quiz != nil:
		_, err = h.service.LoadQuiz(ctx, st.sessionID, st.participantID, *p.Quiz)
	case p.QuizID != "":
		_, err = h.service.LoadStoredQuiz(ctx, st.sessionID, st.participantID, p.QuizID)
	default:
		err = domain.ErrInvalidMessage
	}
	return err
}

func (h *WSHandler) handleStart(ctx context.Context, st *connState, _ protocol.Envelope) error {
	_, err := h.service.Start(ctx, st.sessionID, st.participantID)
	return err
}

func (h *WSHandler) handleStop(ctx context.Context, st *connState, _ protocol.Envelope) error {
	_, err := h.service.Stop(ctx, st.sessionID, st.participantID)
	return err
}

func (h *WSHandler) handleQuestionClose(ctx context.Context, st *connState, _ protocol.Envelope) error {
	_, err := h.service.CloseQuestion(ctx, st.sessionID, st.participantID)
	return err
}

func (h *WSHandler) handleAdvance(ctx context.Context, st *connState, _ protocol.Envelope) error {
	_, err := h.service.Advance(ctx, st.sessionID, st.participantID)
	return err
}

func (h *WSHandler) handleAnswer(ctx context.Context, st *connState, env protocol.Envelope) error {
	var p protocol.AnswerPayload
	if err := env.Into(&p); err != nil {
		return err
	}
	if p.OptionIndex == nil {
		return domain.ErrInvalidMessage
	}
	result, err := h.service.SubmitAnswer(ctx, st.sessionID, st.participantID, *p.OptionIndex)
	if err != nil {
		return err
	}
	h.reply(st, protocol.TypeAnswerRecorded, result)
	return nil
}

func (h *WSHandler) handleKick(ctx context.Context, st *connState, env protocol.Envelope) error {
	var p protocol.TargetPayload
	if err := env.Into(&p); err != nil {
		return err
	}
	return h.service.Kick(ctx, st.sessionID, st.participantID, p.ParticipantID)
}

func (h *WSHandler) handleMute(ctx context.Context, st *connState, env protocol.Envelope) error {
	var p protocol.MutePayload
	if err := env.Into(&p); err != nil {
		return err
	}
	return h.service.Mute(ctx, st.sessionID, st.participantID, p.ParticipantID, p.Muted)
}

func (h *WSHandler) handleChat(ctx context.Context, st *connState, env protocol.Envelope) error {
	var p protocol.ChatPayload
	if err := env.Into(&p); err != nil {
		return err
	}
	return h.service.Chat(ctx, st.sessionID, st.participantID, p.Message)
}

// handlePong records the round trip of a heartbeat probe. Pongs outside a session are ignored.
func (h *WSHandler) handlePong(_ context.Context, st *connState, env protocol.Envelope) error {
	var p protocol.PingPayload
	if err := env.Into(&p); err != nil {
		return err
	}
	if st.ep == nil || p.TS == 0 {
		return nil
	}
	rtt := st.ep.Ack(time.UnixMilli(p.TS), h.cfg.Clock())
	h.service.RecordPong(st.sessionID, st.participantID, rtt)
	return nil
}
