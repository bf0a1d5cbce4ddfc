package internal

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"relaychat/internal/relay"
)

// ServeWS upgrades the request and runs the connection until it closes.
// The credential comes from the Authorization header, the token query
// parameter, or a first "auth" frame.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	ip := clientIP(r, s.opts.TrustProxy)
	if !s.authLimiter.Allow(ip) {
		http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		return
	}
	token := tokenFromRequest(r)

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade failed", zap.String("remote", ip), zap.Error(err))
		return
	}
	client := newWSClient(ws, s.opts.SendBuffer, s.log, s.metrics.IncSlowConsumer)
	conn := s.controller.Open(client)
	s.metrics.IncConn()
	defer s.metrics.DecConn()

	go client.writePump()
	s.readPump(r.Context(), client, conn, token)
}

// readPump owns the read side. Returning closes the connection through the
// controller, which in turn stops writePump.
func (s *Server) readPump(ctx context.Context, client *wsClient, conn *relay.Connection, token string) {
	log := s.log.With(zap.String("conn", conn.ID()))
	defer func() {
		if err := s.controller.Close(conn); err != nil {
			log.Error("close connection", zap.Error(err))
		}
	}()

	ws := client.conn
	ws.SetReadLimit(s.opts.MaxFrameBytes)

	if token == "" {
		token = s.readAuthFrame(ws, log)
	}
	if err := s.controller.Authenticate(ctx, conn, token); err != nil {
		s.metrics.IncAuthFailure()
		return
	}
	s.metrics.IncAdmitted()

	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	frames := newSlidingWindow(s.opts.FramesPerWindow, s.opts.FrameWindow)
	decodeErrors := 0
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("read failed", zap.Error(err))
			}
			return
		}
		if !frames.allow(time.Now()) {
			s.metrics.IncFrameRejected()
			client.Send(relay.Failure{Code: codeRateLimited, Message: "sending too quickly, slow down"})
			continue
		}
		frame, err := decodeFrame(data)
		if err == nil && frame.Type == frameAuth {
			client.Send(relay.Failure{Code: codeFailedState, Message: "already authenticated"})
			continue
		}
		var event relay.Inbound
		if err == nil {
			event, err = decodeInbound(frame)
		}
		if err != nil {
			decodeErrors++
			code := codeInvalidArgument
			if errors.Is(err, errUnknownFrame) {
				code = codeUnknownType
			}
			client.Send(relay.Failure{Code: code, Message: err.Error()})
			if decodeErrors >= maxDecodeErrorsPerConn {
				log.Warn("too many malformed frames", zap.Int("count", decodeErrors))
				return
			}
			continue
		}
		res, err := s.controller.Handle(ctx, conn, event)
		if err != nil {
			client.Send(failureFor(err))
			continue
		}
		s.metrics.ObserveRelay(res)
	}
}

// readAuthFrame waits for the first frame and returns its token, or "" when
// the client sent something else or nothing in time.
func (s *Server) readAuthFrame(ws *websocket.Conn, log *zap.Logger) string {
	_ = ws.SetReadDeadline(time.Now().Add(s.opts.HandshakeTimeout))
	_, data, err := ws.ReadMessage()
	if err != nil {
		log.Debug("no auth frame", zap.Error(err))
		return ""
	}
	frame, err := decodeFrame(data)
	if err != nil {
		log.Debug("malformed auth frame", zap.Error(err))
		return ""
	}
	token, err := decodeAuth(frame)
	if err != nil {
		log.Debug("unexpected first frame", zap.Error(err))
		return ""
	}
	return token
}

func failureFor(err error) relay.Failure {
	switch {
	case errors.Is(err, relay.ErrSelfRelay):
		return relay.Failure{Code: codeSelfRelay, Message: err.Error()}
	case errors.Is(err, relay.ErrMissingTarget):
		return relay.Failure{Code: codeInvalidArgument, Message: err.Error()}
	case errors.Is(err, relay.ErrInvalidState):
		return relay.Failure{Code: codeFailedState, Message: err.Error()}
	}
	return relay.Failure{Code: "INTERNAL", Message: "internal error"}
}

func tokenFromRequest(r *http.Request) string {
	if token := bearerToken(r); token != "" {
		return token
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func bearerToken(r *http.Request) string {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(authz) < len("bearer ") || !strings.EqualFold(authz[:len("bearer ")], "bearer ") {
		return ""
	}
	return strings.TrimSpace(authz[len("bearer "):])
}

// clientIP returns the socket peer, or the first X-Forwarded-For hop when
// the server sits behind a trusted proxy.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
