package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/kauschie/knewit/internal/app"
	"github.com/kauschie/knewit/internal/domain"
	"github.com/kauschie/knewit/internal/hub"
	"github.com/kauschie/knewit/internal/protocol"
	"go.uber.org/zap"
)

// HandlerConfig tunes websocket connections. Zero values use the defaults.
type HandlerConfig struct {
	SendBuffer       int
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	ReadLimit        int64
	PasswordAttempts int
	Clock            func() time.Time
}

func (c HandlerConfig) withDefaults() HandlerConfig {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 64 << 10
	}
	if c.PasswordAttempts <= 0 {
		c.PasswordAttempts = 3
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

type WSHandler struct {
	service  *app.QuizService
	upgrader websocket.Upgrader
	cfg      HandlerConfig
	log      *zap.Logger
	handlers map[protocol.MessageType]handlerFunc
}

func NewWSHandler(service *app.QuizService, cfg HandlerConfig, logger *zap.Logger) *WSHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &WSHandler{
		service: service,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		cfg: cfg.withDefaults(),
		log: logger.With(zap.String("module", "ws")),
	}
	h.handlers = h.routes()
	return h
}

// connState is owned by the connection's read loop.
type connState struct {
	participantID string
	sessionID     string
	ep            *hub.Endpoint
	conn          *wsConn
	badPasswords  int
	closing       bool
}

func (st *connState) bind(sessionID string, ep *hub.Endpoint) {
	st.sessionID = sessionID
	st.ep = ep
}

func (st *connState) unbind() {
	st.sessionID = ""
	st.ep = nil
}

// ServeWS upgrades HTTP requests to websockets and dispatches every inbound frame.
// A participantId query parameter identifies a returning client; new clients get a fresh id.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	participantID := r.URL.Query().Get("participantId")
	if participantID == "" {
		participantID = uuid.NewString()
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}

	conn := newWSConn(ws, h.cfg.SendBuffer, h.cfg.WriteTimeout)
	go conn.writePump()

	st := &connState{participantID: participantID, conn: conn}
	h.reply(st, protocol.TypeWelcome, protocol.WelcomePayload{ParticipantID: participantID})

	ws.SetReadLimit(h.cfg.ReadLimit)
	_ = ws.SetReadDeadline(h.cfg.Clock().Add(h.cfg.ReadTimeout))

	ctx := context.Background()
	for !st.closing {
		_, data, err := ws.ReadMessage()
		if err != nil {
			break
		}
		now := h.cfg.Clock()
		_ = ws.SetReadDeadline(now.Add(h.cfg.ReadTimeout))
		if st.ep != nil {
			st.ep.Seen(now)
		}

		env, err := protocol.Decode(data)
		if err != nil {
			h.replyError(st, "", err)
			continue
		}
		handle, ok := h.handlers[env.Type]
		if !ok {
			h.replyError(st, env.Type, domain.ErrInvalidMessage)
			continue
		}
		if err := handle(ctx, st, env); err != nil {
			h.replyError(st, env.Type, err)
		}
	}

	_ = conn.Close()
	if st.ep != nil {
		h.service.Disconnect(ctx, st.ep)
	}
}

func (h *WSHandler) reply(st *connState, typ protocol.MessageType, payload any) {
	env, err := protocol.New(typ, payload)
	if err != nil {
		h.log.Error("encode reply", zap.Error(err), zap.String("type", string(typ)))
		return
	}
	data, err := env.Encode()
	if err != nil {
		return
	}
	if err := st.conn.Send(data); err != nil {
		h.log.Debug("reply dropped", zap.Error(err), zap.String("participant_id", st.participantID))
	}
}

func (h *WSHandler) replyError(st *connState, request protocol.MessageType, err error) {
	kind := domain.KindOf(err)
	if kind == domain.KindInternal {
		h.log.Error("request failed", zap.Error(err), zap.String("type", string(request)))
	}
	if errors.Is(err, domain.ErrWrongPassword) || errors.Is(err, domain.ErrResumeRejected) {
		st.badPasswords++
		if st.badPasswords >= h.cfg.PasswordAttempts {
			st.closing = true
		}
	}
	h.reply(st, protocol.TypeError, protocol.ErrorPayload{
		Code:    kind,
		Message: err.Error(),
		Request: request,
	})
}
