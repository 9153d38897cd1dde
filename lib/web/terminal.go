/*
 * Kubelab
 * Copyright (C) 2025  Kubelab, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package web implements the terminal gateway: it authorizes inbound
// websocket connections against a session, binds each one to the
// session's sandbox PTY, relays I/O both ways, and carries resize and
// heartbeat control messages. A newer authorized connection for the same
// (owner, session) pair supersedes the old one.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/kubelab/kubelab"
	"github.com/kubelab/kubelab/lib/auth"
	"github.com/kubelab/kubelab/lib/defaults"
	"github.com/kubelab/kubelab/lib/session"
	"github.com/kubelab/kubelab/lib/utils"
)

var log = utils.NewPackageLogger(kubelab.ComponentKey, kubelab.ComponentGateway)

// Close codes sent when a connection is refused or replaced.
const (
	CloseMissingCredential = 4001
	CloseCredentialExpired = 4003
	CloseCredentialInvalid = 4004
	CloseSessionNotFound   = 4005
	CloseForbidden         = 4006
	CloseSessionNotActive  = 4007
	CloseSuperseded        = 4008
)

// Frame types of the JSON stream protocol.
const (
	// client to server
	FrameInput  = "input"
	FrameResize = "resize"
	FramePing   = "ping"

	// server to client
	FrameConnected      = "connected"
	FrameOutput         = "output"
	FrameExit           = "exit"
	FrameError          = "error"
	FramePong           = "pong"
	FrameServerShutdown = "server_shutdown"
)

// Envelope is one JSON frame on the wire.
type Envelope struct {
	Type      string `json:"type"`
	Data      string `json:"data,omitempty"`
	Cols      int    `json:"cols,omitempty"`
	Rows      int    `json:"rows,omitempty"`
	Code      *int   `json:"code,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message,omitempty"`
}

// PTYStream is a live PTY inside a sandbox.
type PTYStream interface {
	io.ReadWriteCloser
	// Resize adjusts the PTY geometry.
	Resize(ctx context.Context, cols, rows int) error
	// Wait returns the exit code once the shell has exited.
	Wait(ctx context.Context) (int, error)
}

// PTYFactory opens PTYs into sandboxes by handle.
type PTYFactory interface {
	OpenPTY(ctx context.Context, handle string, cols, rows int) (PTYStream, error)
}

// SessionGetter resolves session records.
type SessionGetter interface {
	Get(ctx context.Context, id session.ID) (*session.Session, error)
}

// connKey identifies the single connection slot per (owner, session).
type connKey struct {
	owner     string
	sessionID session.ID
}

// GatewayConfig configures the gateway.
type GatewayConfig struct {
	// Identity verifies presented credentials.
	Identity auth.Identity
	// Sessions resolves session records.
	Sessions SessionGetter
	// PTY opens terminals into sandboxes.
	PTY PTYFactory
	// Clock is the time source, overridden in tests.
	Clock clockwork.Clock
	// HeartbeatInterval is the ping period; two consecutive unanswered
	// pings terminate the connection.
	HeartbeatInterval time.Duration
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *GatewayConfig) CheckAndSetDefaults() error {
	if c.Identity == nil {
		return trace.BadParameter("missing parameter Identity")
	}
	if c.Sessions == nil {
		return trace.BadParameter("missing parameter Sessions")
	}
	if c.PTY == nil {
		return trace.BadParameter("missing parameter PTY")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = defaults.HeartbeatInterval
	}
	return nil
}

// Gateway accepts terminal connections and relays them to sandbox PTYs.
type Gateway struct {
	GatewayConfig

	mu    sync.Mutex
	conns map[connKey]*termConn
}

// NewGateway creates a terminal gateway.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Gateway{
		GatewayConfig: cfg,
		conns:         make(map[connKey]*termConn),
	}, nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeHTTP upgrades the connection, authorizes it, binds it to the
// session's sandbox PTY and relays until either side closes.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WarnContext(r.Context(), "Websocket upgrade failed", "error", err)
		return
	}

	sess, code, err := g.authorize(r)
	if err != nil {
		log.InfoContext(r.Context(), "Terminal connection refused",
			"code", code, "error", err)
		closeWithCode(ws, code, err.Error())
		return
	}

	params := geometryFromRequest(r)
	g.serve(r.Context(), ws, sess, params)
}

// authorize runs the authorization sequence in order and returns the
// close code for the first check that fails.
func (g *Gateway) authorize(r *http.Request) (*session.Session, int, error) {
	ctx := r.Context()

	credential := bearerToken(r)
	if credential == "" {
		return nil, CloseMissingCredential, trace.Wrap(auth.ErrCredentialInvalid, "missing credential")
	}

	owner, err := g.Identity.VerifyCredential(ctx, credential)
	if err != nil {
		if errors.Is(err, auth.ErrCredentialExpired) {
			return nil, CloseCredentialExpired, trace.Wrap(err)
		}
		return nil, CloseCredentialInvalid, trace.Wrap(err)
	}

	id, err := session.ParseID(r.URL.Query().Get("session_id"))
	if err != nil {
		return nil, CloseSessionNotFound, trace.Wrap(err)
	}
	sess, err := g.Sessions.Get(ctx, id)
	if err != nil {
		return nil, CloseSessionNotFound, trace.Wrap(err)
	}
	if sess.Owner != owner {
		return nil, CloseForbidden, trace.AccessDenied("session belongs to another owner")
	}
	if sess.Status != session.Running {
		return nil, CloseSessionNotActive, trace.Wrap(session.ErrNotActive,
			"session is %v", sess.Status)
	}
	return sess, 0, nil
}

// serve binds the websocket to a fresh PTY and runs the forwarders.
func (g *Gateway) serve(ctx context.Context, ws *websocket.Conn, sess *session.Session, params session.TerminalParams) {
	pty, err := g.PTY.OpenPTY(ctx, sess.SandboxHandle, params.W, params.H)
	if err != nil {
		log.ErrorContext(ctx, "Opening PTY failed", "session_id", sess.ID, "error", err)
		closeWithCode(ws, websocket.CloseInternalServerErr, "failed to open terminal")
		return
	}

	termCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	tc := &termConn{
		gateway: g,
		ws:      ws,
		pty:     pty,
		sess:    sess,
		ctx:     termCtx,
		cancel:  cancel,
	}

	key := connKey{owner: sess.Owner, sessionID: sess.ID}
	g.register(key, tc)
	defer g.unregister(key, tc)

	tc.run()
}

// register binds tc to the (owner, session) slot, evicting any previous
// connection with the supersession code.
func (g *Gateway) register(key connKey, tc *termConn) {
	g.mu.Lock()
	prev := g.conns[key]
	g.conns[key] = tc
	g.mu.Unlock()

	if prev != nil {
		log.InfoContext(tc.ctx, "Superseding terminal connection",
			"session_id", key.sessionID)
		prev.closeWithCode(CloseSuperseded, "superseded by a newer connection")
	}
}

func (g *Gateway) unregister(key connKey, tc *termConn) {
	g.mu.Lock()
	if g.conns[key] == tc {
		delete(g.conns, key)
	}
	g.mu.Unlock()
}

// Shutdown notifies every live connection that the server is going away
// and closes them with code 1001.
func (g *Gateway) Shutdown(ctx context.Context) {
	g.mu.Lock()
	conns := make([]*termConn, 0, len(g.conns))
	for _, tc := range g.conns {
		conns = append(conns, tc)
	}
	g.mu.Unlock()

	for _, tc := range conns {
		tc.writeEnvelope(Envelope{Type: FrameServerShutdown, Message: "server is shutting down"})
		tc.closeWithCode(websocket.CloseGoingAway, "server shutdown")
	}
	log.InfoContext(ctx, "Gateway shut down", "connections", len(conns))
}

// termConn is one bound terminal connection.
type termConn struct {
	gateway *Gateway
	ws      *websocket.Conn
	pty     PTYStream
	sess    *session.Session

	ctx    context.Context
	cancel context.CancelFunc

	// writeMu serializes websocket writes; gorilla permits one
	// concurrent writer only.
	writeMu sync.Mutex

	// missedPings counts heartbeats without a pong, reset on every pong.
	missedPings int

	closeOnce sync.Once
}

// run relays I/O until either end closes. Closing the connection releases
// the PTY but never the sandbox: the session stays alive and the client
// may reconnect until the TTL expires.
func (tc *termConn) run() {
	defer tc.close()

	tc.ws.SetPongHandler(func(string) error {
		tc.writeMu.Lock()
		tc.missedPings = 0
		tc.writeMu.Unlock()
		tc.ws.SetReadDeadline(deadlineForInterval(tc.gateway.Clock.Now(), tc.gateway.HeartbeatInterval))
		return nil
	})
	tc.ws.SetReadDeadline(deadlineForInterval(tc.gateway.Clock.Now(), tc.gateway.HeartbeatInterval))

	tc.writeEnvelope(Envelope{
		Type:      FrameConnected,
		SessionID: tc.sess.ID.String(),
		Message:   "attached to " + tc.sess.ClusterName,
	})

	go tc.heartbeatLoop()
	go tc.forwardOutput()
	tc.forwardInput()

	<-tc.ctx.Done()
}

// forwardInput pumps client frames into the PTY: input bytes in arrival
// order, resize to the control channel, ping answered with pong.
func (tc *termConn) forwardInput() {
	defer tc.cancel()
	for {
		_, payload, err := tc.ws.ReadMessage()
		if err != nil {
			if !isExpectedCloseError(err) {
				log.DebugContext(tc.ctx, "Terminal read failed", "error", err)
			}
			return
		}
		var env Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			tc.writeEnvelope(Envelope{Type: FrameError, Message: "malformed frame"})
			continue
		}
		switch env.Type {
		case FrameInput:
			if _, err := io.WriteString(tc.pty, env.Data); err != nil {
				log.DebugContext(tc.ctx, "PTY write failed", "error", err)
				return
			}
		case FrameResize:
			params := session.TerminalParams{W: env.Cols, H: env.Rows}
			if err := params.Check(); err != nil {
				tc.writeEnvelope(Envelope{Type: FrameError, Message: "bad terminal dimensions"})
				continue
			}
			if err := tc.pty.Resize(tc.ctx, params.W, params.H); err != nil {
				log.DebugContext(tc.ctx, "PTY resize failed", "error", err)
			}
		case FramePing:
			tc.writeEnvelope(Envelope{Type: FramePong})
		default:
			tc.writeEnvelope(Envelope{Type: FrameError, Message: "unknown frame type"})
		}
	}
}

// forwardOutput pumps PTY output to the client in production order. When
// the shell exits the remaining bytes are flushed, a final exit frame
// carries the code, and the connection closes normally.
func (tc *termConn) forwardOutput() {
	defer tc.cancel()
	buf := make([]byte, 4096)
	for {
		n, err := tc.pty.Read(buf)
		if n > 0 {
			if werr := tc.writeEnvelope(Envelope{Type: FrameOutput, Data: string(buf[:n])}); werr != nil {
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				waitCtx, cancel := context.WithTimeout(tc.ctx, 5*time.Second)
				code, werr := tc.pty.Wait(waitCtx)
				cancel()
				if werr != nil {
					log.DebugContext(tc.ctx, "PTY exit code unavailable", "error", werr)
				}
				tc.writeEnvelope(Envelope{Type: FrameExit, Code: &code})
				tc.closeWithCode(websocket.CloseNormalClosure, "shell exited")
			}
			return
		}
	}
}

// heartbeatLoop pings the client on every interval and terminates the
// connection after two consecutive unanswered pings.
func (tc *termConn) heartbeatLoop() {
	ticker := tc.gateway.Clock.NewTicker(tc.gateway.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			tc.writeMu.Lock()
			tc.missedPings++
			missed := tc.missedPings
			tc.writeMu.Unlock()
			if missed > 2 {
				log.InfoContext(tc.ctx, "Heartbeat lost, terminating connection",
					"session_id", tc.sess.ID)
				tc.close()
				return
			}
			deadline := time.Now().Add(time.Second)
			if err := tc.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				log.DebugContext(tc.ctx, "Ping failed", "error", err)
				tc.close()
				return
			}
		case <-tc.ctx.Done():
			return
		}
	}
}

// writeEnvelope sends one frame to the client.
func (tc *termConn) writeEnvelope(env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return trace.Wrap(err)
	}
	tc.writeMu.Lock()
	defer tc.writeMu.Unlock()
	return trace.Wrap(tc.ws.WriteMessage(websocket.TextMessage, payload))
}

// closeWithCode sends a close frame with the given code, then tears the
// connection down.
func (tc *termConn) closeWithCode(code int, reason string) {
	tc.writeMu.Lock()
	deadline := time.Now().Add(time.Second)
	tc.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	tc.writeMu.Unlock()
	tc.close()
}

// close cancels both forwarders and releases the PTY. The sandbox is
// untouched.
func (tc *termConn) close() {
	tc.closeOnce.Do(func() {
		tc.cancel()
		tc.pty.Close()
		tc.ws.Close()
	})
}

// closeWithCode refuses a connection that never got bound.
func closeWithCode(ws *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(time.Second)
	ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	ws.Close()
}

// bearerToken extracts the access credential from the Authorization
// header or, for browser websocket clients that cannot set headers, the
// access_token query parameter.
func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	if h := r.Header.Get("Authorization"); len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return r.URL.Query().Get("access_token")
}

// geometryFromRequest reads the initial PTY size from the query string,
// falling back to 80x24.
func geometryFromRequest(r *http.Request) session.TerminalParams {
	params := session.TerminalParams{W: 80, H: 24}
	if cols, err := strconv.Atoi(r.URL.Query().Get("cols")); err == nil {
		params.W = cols
	}
	if rows, err := strconv.Atoi(r.URL.Query().Get("rows")); err == nil {
		params.H = rows
	}
	if params.Check() != nil {
		return session.TerminalParams{W: 80, H: 24}
	}
	return params
}

// isExpectedCloseError reports whether err is an ordinary end-of-stream.
func isExpectedCloseError(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) ||
		websocket.IsCloseError(err,
			websocket.CloseNormalClosure,
			websocket.CloseGoingAway,
			websocket.CloseAbnormalClosure,
			websocket.CloseNoStatusReceived)
}

// deadlineForInterval returns a read deadline allowing one full interval
// for the pong to come back.
func deadlineForInterval(now time.Time, interval time.Duration) time.Time {
	return now.Add(interval * 3)
}
