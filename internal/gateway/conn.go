package gateway

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/CavellTopDev/pitchey-app-sub004/internal/auth"
	"github.com/CavellTopDev/pitchey-app-sub004/internal/faults"
	"github.com/CavellTopDev/pitchey-app-sub004/internal/monitoring"
	"github.com/CavellTopDev/pitchey-app-sub004/internal/protocol"
	"github.com/CavellTopDev/pitchey-app-sub004/internal/ratelimit"
	"github.com/CavellTopDev/pitchey-app-sub004/internal/session"
)

// closeAbnormal marks a session whose transport went away without a close
// frame. It is never written to the wire.
const closeAbnormal = 1006

// handleWebSocket admits, authenticates and upgrades one connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shutting.Load() {
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return
	}

	clientIP := getClientIP(r)
	if !s.connLimit.Allow(clientIP) {
		s.logger.Warn().Str("client_ip", clientIP).Msg("Connection rate limit exceeded")
		http.Error(w, "Too many connection attempts", http.StatusTooManyRequests)
		return
	}

	if s.cfg.CPURejectThreshold > 0 {
		if cpu := s.system.Last().CPUPercent; cpu > s.cfg.CPURejectThreshold {
			s.analytics.HandshakeRejected("cpu")
			s.logger.Warn().Float64("cpu_percent", cpu).Msg("Connection rejected, CPU over threshold")
			http.Error(w, "Server overloaded", http.StatusServiceUnavailable)
			return
		}
	}

	if n := s.slots.Add(1); n > int64(s.cfg.MaxConnections) {
		s.slots.Add(-1)
		s.analytics.HandshakeRejected("capacity")
		s.faults.Handle(r.Context(), faults.Newf(faults.CodeTooManyConnections,
			"connection limit %d reached", s.cfg.MaxConnections), faults.Scope{})
		http.Error(w, "Server at capacity", http.StatusServiceUnavailable)
		return
	}

	var claims *auth.Claims
	token, subprotocol := auth.TokenFromRequest(r)
	if token != "" {
		c, err := s.deps.Verifier.Verify(r.Context(), token)
		if err != nil {
			s.slots.Add(-1)
			s.analytics.HandshakeRejected("auth")
			fe := s.faults.Handle(r.Context(), err, faults.Scope{})
			writeJSON(w, http.StatusUnauthorized, faults.ClientPayload(fe))
			return
		}
		claims = &c
	}

	var (
		conn net.Conn
		err  error
	)
	if subprotocol != "" {
		u := ws.HTTPUpgrader{Protocol: func(p string) bool { return p == subprotocol }}
		conn, _, _, err = u.Upgrade(r, w)
	} else {
		conn, _, _, err = ws.UpgradeHTTP(r, w)
	}
	if err != nil {
		s.slots.Add(-1)
		s.analytics.HandshakeRejected("upgrade")
		s.faults.Handle(r.Context(), faults.Wrap(faults.CodeHandshakeFailed, err, "websocket upgrade failed"),
			faults.Scope{})
		s.logger.Debug().
			Err(err).
			Str("client_ip", clientIP).
			Str("user_agent", r.UserAgent()).
			Msg("WebSocket upgrade failed")
		return
	}

	now := s.clock.Now()
	sess := session.New(uuid.NewString(), session.Meta{
		UserAgent:  r.UserAgent(),
		RemoteAddr: clientIP,
	}, s.cfg.SendBuffer, now)
	if err := s.registry.Register(sess); err != nil {
		s.slots.Add(-1)
		s.logger.Error().Err(err).Str("session_id", sess.ID()).Msg("Failed to register session")
		conn.Close()
		return
	}
	s.analytics.ConnectionOpened()

	if claims != nil {
		if err := s.authenticate(sess, *claims); err != nil {
			s.reject(sess, "", err)
		}
	} else {
		s.restoreLimits(sess)
	}
	s.sendConnected(sess)

	s.logger.Info().
		Str("session_id", sess.ID()).
		Str("user_id", sess.UserID()).
		Str("client_ip", clientIP).
		Int("active_connections", s.registry.Len()).
		Msg("Client connected")

	s.conns.Add(2)
	go s.writePump(sess, conn)
	go s.readPump(sess, conn)
}

// getClientIP prefers the first X-Forwarded-For hop and falls back to
// the peer address.
func getClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

func (s *Server) readPump(sess *session.Session, conn net.Conn) {
	defer s.conns.Done()
	defer monitoring.RecoverPanic(s.logger, "readPump", map[string]any{
		"session_id": sess.ID(),
	})
	defer s.disconnect(sess)

	rd := wsutil.Reader{
		Source:    conn,
		State:     ws.StateServerSide,
		CheckUTF8: true,
		OnIntermediate: func(hdr ws.Header, r io.Reader) error {
			return s.controlFrame(sess, hdr, r)
		},
	}
	max := int64(s.cfg.MaxMessageBytes)
	readWait := s.cfg.Sessions.IdleTimeout + s.cfg.Sessions.HeartbeatInterval

	for {
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		hdr, err := rd.NextFrame()
		if err != nil {
			sess.Close(closeAbnormal, "read failed")
			return
		}

		if hdr.OpCode.IsControl() {
			if err := s.controlFrame(sess, hdr, &rd); err != nil {
				return
			}
			continue
		}
		if hdr.OpCode != ws.OpText && hdr.OpCode != ws.OpBinary {
			if err := rd.Discard(); err != nil {
				return
			}
			continue
		}

		if hdr.Length > max {
			if err := rd.Discard(); err != nil {
				return
			}
			s.oversized(sess, hdr.Length)
			continue
		}
		data, err := io.ReadAll(io.LimitReader(&rd, max+1))
		if err != nil {
			sess.Close(session.CloseProtocolError, "invalid frame")
			return
		}
		if int64(len(data)) > max {
			if err := rd.Discard(); err != nil {
				return
			}
			s.oversized(sess, int64(len(data)))
			continue
		}

		s.Dispatch(s.ctx, sess, data)
	}
}

// controlFrame answers pings through the write pump and turns a client
// close frame into a session close. Control payloads are at most 125
// bytes; ws.ReadHeader rejects anything longer.
func (s *Server) controlFrame(sess *session.Session, hdr ws.Header, r io.Reader) error {
	payload, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	switch hdr.OpCode {
	case ws.OpPing:
		sess.MarkAlive(now)
		sess.RequestPong(payload)
	case ws.OpPong:
		sess.MarkAlive(now)
	case ws.OpClose:
		code, reason := ws.ParseCloseFrameData(payload)
		if code == ws.StatusNoStatusRcvd || code.Empty() {
			code = ws.StatusNormalClosure
		}
		sess.Close(int(code), reason)
		return wsutil.ClosedError{Code: code, Reason: reason}
	}
	return nil
}

// oversized reports a frame above the size limit and charges the
// security bucket. Enough of them block the session.
func (s *Server) oversized(sess *session.Session, size int64) {
	fe := faults.Newf(faults.CodePayloadTooLarge, "message of %d bytes exceeds the %d byte limit",
		size, s.cfg.MaxMessageBytes)
	s.reject(sess, "", fe)

	d := s.limiter.Allow(sess.ID(), ratelimit.KindSecurity)
	if !d.Allowed {
		s.analytics.RateLimited(ratelimit.KindSecurity, d.Reason.String())
	}
	if d.Reason == ratelimit.ReasonBlocked || d.Escalation >= ratelimit.EscalationBlock {
		sess.Close(session.CloseBlocked, "too many oversized messages")
	}
}

func (s *Server) writePump(sess *session.Session, conn net.Conn) {
	defer s.conns.Done()
	defer monitoring.RecoverPanic(s.logger, "writePump", map[string]any{
		"session_id": sess.ID(),
	})
	defer conn.Close()

	writer := bufio.NewWriter(conn)
	for {
		select {
		case message := <-sess.Outbound():
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := wsutil.WriteServerMessage(writer, ws.OpText, message); err != nil {
				s.writeFailed(sess, err)
				return
			}
			// Batch whatever else is already queued into one flush.
			for n := len(sess.Outbound()); n > 0; n-- {
				if err := wsutil.WriteServerMessage(writer, ws.OpText, <-sess.Outbound()); err != nil {
					s.writeFailed(sess, err)
					return
				}
			}
			if err := writer.Flush(); err != nil {
				s.writeFailed(sess, err)
				return
			}

		case ctl := <-sess.Control():
			op := ws.OpPing
			if ctl.Op == session.ControlPong {
				op = ws.OpPong
			}
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := wsutil.WriteServerMessage(conn, op, ctl.Payload); err != nil {
				s.writeFailed(sess, err)
				return
			}

		case <-sess.Done():
			info := sess.CloseInfo()
			if info.Code != closeAbnormal {
				_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
				_ = writer.Flush()
				body := ws.NewCloseFrameBody(ws.StatusCode(info.Code), info.Reason)
				_ = ws.WriteFrame(conn, ws.NewCloseFrame(body))
			}
			return
		}
	}
}

func (s *Server) writeFailed(sess *session.Session, err error) {
	s.logger.Debug().Err(err).Str("session_id", sess.ID()).Msg("Failed to write message")
	sess.Close(closeAbnormal, "write failed")
}

// disconnect runs once per session, after its read loop ends.
func (s *Server) disconnect(sess *session.Session) {
	sess.Close(closeAbnormal, "connection lost")
	removal, ok := s.registry.Remove(sess)
	if !ok {
		return
	}
	s.slots.Add(-1)

	info := sess.CloseInfo()
	lifetime := s.clock.Now().Sub(sess.ConnectedAt())
	s.analytics.ConnectionClosed(info.Code, lifetime)

	states := s.limiter.Snapshot(sess.ID())
	s.limiter.Forget(sess.ID())
	identity := sess.Identity()
	if len(states) > 0 {
		s.async.Submit(sess.ID(), func(ctx context.Context) {
			_ = s.guarded(ctx, faults.DepCache, func(ctx context.Context) error {
				return s.mirror.Save(ctx, identity, states)
			})
		})
	}

	if removal.Authenticated {
		rec := s.presence.Disconnect(removal.UserID)
		sess.SetPresence(string(rec.Status))
	}

	s.logger.Info().
		Str("session_id", sess.ID()).
		Str("user_id", removal.UserID).
		Int("close_code", info.Code).
		Str("close_reason", info.Reason).
		Dur("lifetime", lifetime).
		Int("user_sessions_remaining", removal.Remaining).
		Msg("Client disconnected")
}

var errNoSession = errors.New("gateway: user has no reachable session")

func (s *Server) sendConnected(sess *session.Session) {
	s.sendKind(sess, protocol.KindConnected, protocol.ConnectedPayload{
		SessionID:     sess.ID(),
		UserID:        sess.UserID(),
		Authenticated: sess.Authenticated(),
		ServerTime:    s.clock.Now().UnixMilli(),
		Instance:      s.cfg.Instance,
	})
}
