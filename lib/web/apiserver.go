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

package web

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
	"golang.org/x/time/rate"

	"github.com/kubelab/kubelab/lib/auth"
	"github.com/kubelab/kubelab/lib/defaults"
	"github.com/kubelab/kubelab/lib/httplib"
	"github.com/kubelab/kubelab/lib/manager"
	"github.com/kubelab/kubelab/lib/session"
	"github.com/kubelab/kubelab/lib/tasks"
)

// APIConfig configures the API server.
type APIConfig struct {
	// Manager runs the session lifecycle operations.
	Manager *manager.Manager
	// Tokens mints and verifies credentials.
	Tokens *auth.TokenService
	// Notifier delivers login codes. Optional; without it the code flow
	// is disabled.
	Notifier auth.Notifier
	// Sessions resolves session records for ownership checks.
	Sessions SessionGetter
	// Tasks is the practice catalog. Optional.
	Tasks *tasks.Catalog
	// Gateway streams terminals. Optional; without it the stream route
	// replies 404.
	Gateway http.Handler
	// AuthPerMinute and GeneralPerMinute are the per-client rate limits.
	AuthPerMinute    int
	GeneralPerMinute int
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *APIConfig) CheckAndSetDefaults() error {
	if c.Manager == nil {
		return trace.BadParameter("missing parameter Manager")
	}
	if c.Tokens == nil {
		return trace.BadParameter("missing parameter Tokens")
	}
	if c.Sessions == nil {
		return trace.BadParameter("missing parameter Sessions")
	}
	if c.AuthPerMinute == 0 {
		c.AuthPerMinute = defaults.AuthAttemptsPerMinute
	}
	if c.GeneralPerMinute == 0 {
		c.GeneralPerMinute = defaults.GeneralRequestsPerMinute
	}
	return nil
}

// APIServer is the HTTP surface of the orchestrator: authentication,
// session lifecycle, task catalog, platform status and the terminal
// stream route.
type APIServer struct {
	APIConfig
	httprouter.Router

	mu       sync.Mutex
	limiters map[limiterKey]*rate.Limiter
}

type limiterKey struct {
	client string
	auth   bool
}

// NewAPIServer creates the API server and binds its routes.
func NewAPIServer(cfg APIConfig) (*APIServer, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	srv := &APIServer{
		APIConfig: cfg,
		limiters:  make(map[limiterKey]*rate.Limiter),
	}

	srv.POST("/v1/auth/code", srv.auth(srv.createLoginCode))
	srv.POST("/v1/auth/login", srv.auth(srv.login))
	srv.POST("/v1/auth/refresh", srv.auth(srv.refresh))
	srv.POST("/v1/auth/logout", srv.general(srv.withAuth(srv.logout)))

	srv.POST("/v1/sessions", srv.general(srv.withAuth(srv.startSession)))
	// GET on the collection returns the caller's single active session
	srv.GET("/v1/sessions", srv.general(srv.withAuth(srv.activeSession)))
	srv.POST("/v1/sessions/:id/extend", srv.general(srv.withAuth(srv.extendSession)))
	srv.DELETE("/v1/sessions/:id", srv.general(srv.withAuth(srv.stopSession)))
	srv.GET("/v1/sessions/:id/tasks", srv.general(srv.withAuth(srv.sessionTasks)))
	srv.POST("/v1/sessions/:id/tasks/:task_id/result", srv.general(srv.withAuth(srv.recordResult)))
	srv.Router.GET("/v1/sessions/:id/stream", srv.stream)

	srv.GET("/v1/platform/status", srv.general(srv.platformStatus))

	return srv, nil
}

// GET and friends on the embedded router take httprouter handles; these
// wrappers convert error-returning handlers.
func (s *APIServer) GET(path string, h httplib.HandlerFunc) {
	s.Router.GET(path, httplib.MakeHandler(h, replyError))
}

func (s *APIServer) POST(path string, h httplib.HandlerFunc) {
	s.Router.POST(path, httplib.MakeHandler(h, replyError))
}

func (s *APIServer) DELETE(path string, h httplib.HandlerFunc) {
	s.Router.DELETE(path, httplib.MakeHandler(h, replyError))
}

// stream hands the request to the terminal gateway. The gateway runs its
// own authorization sequence over the websocket close codes.
func (s *APIServer) stream(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	if s.Gateway == nil {
		http.NotFound(w, r)
		return
	}
	q := r.URL.Query()
	q.Set("session_id", p.ByName("id"))
	r.URL.RawQuery = q.Encode()
	s.Gateway.ServeHTTP(w, r)
}

// auth applies the stricter login rate limit.
func (s *APIServer) auth(h httplib.HandlerFunc) httplib.HandlerFunc {
	return s.limit(h, true)
}

// general applies the general API rate limit.
func (s *APIServer) general(h httplib.HandlerFunc) httplib.HandlerFunc {
	return s.limit(h, false)
}

func (s *APIServer) limit(h httplib.HandlerFunc, isAuth bool) httplib.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
		client, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			client = r.RemoteAddr
		}
		if !s.limiter(client, isAuth).Allow() {
			return nil, trace.Wrap(manager.ErrRateLimited)
		}
		return h(w, r, p)
	}
}

func (s *APIServer) limiter(client string, isAuth bool) *rate.Limiter {
	perMinute := s.GeneralPerMinute
	if isAuth {
		perMinute = s.AuthPerMinute
	}
	key := limiterKey{client: client, auth: isAuth}
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute)
		s.limiters[key] = l
	}
	return l
}

// ownerKey carries the authenticated owner through the request context.
type ownerKey struct{}

// withAuth verifies the bearer credential and stores the owner in the
// request context.
func (s *APIServer) withAuth(h httplib.HandlerFunc) httplib.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
		credential := bearerToken(r)
		if credential == "" {
			return nil, trace.Wrap(auth.ErrCredentialInvalid, "missing credential")
		}
		owner, err := s.Tokens.VerifyCredential(r.Context(), credential)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		r = r.WithContext(context.WithValue(r.Context(), ownerKey{}, owner))
		return h(w, r, p)
	}
}

func ownerFromContext(ctx context.Context) string {
	owner, _ := ctx.Value(ownerKey{}).(string)
	return owner
}

type createLoginCodeReq struct {
	Email string `json:"email"`
}

// createLoginCode mints a one-time login code and emails it. The reply
// is identical whether or not delivery succeeded, so the endpoint cannot
// be used to probe for registered addresses.
func (s *APIServer) createLoginCode(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	var req createLoginCodeReq
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if req.Email == "" {
		return nil, trace.BadParameter("missing email")
	}
	if s.Notifier == nil {
		return nil, trace.NotFound("login codes are not enabled")
	}
	code, err := s.Tokens.CreateLoginCode(r.Context(), req.Email)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := s.Notifier.Send(r.Context(), req.Email,
		"Your kubelab login code", code); err != nil {
		log.WarnContext(r.Context(), "Login code delivery failed", "error", err)
	}
	return map[string]string{"status": "sent"}, nil
}

type loginReq struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

type credentialsReply struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// login exchanges a one-time code for an access and refresh credential
// pair. Password login does not exist; this is the only way in.
func (s *APIServer) login(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	var req loginReq
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := s.Tokens.ConsumeLoginCode(r.Context(), req.Email, req.Code); err != nil {
		return nil, trace.Wrap(err)
	}
	access, err := s.Tokens.IssueAccess(req.Email)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	refresh, err := s.Tokens.IssueRefresh(r.Context(), req.Email)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return credentialsReply{Access: access, Refresh: refresh}, nil
}

type refreshReq struct {
	Refresh string `json:"refresh"`
}

// refresh exchanges a refresh credential for a fresh access credential.
func (s *APIServer) refresh(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	var req refreshReq
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	owner, err := s.Tokens.VerifyRefresh(r.Context(), req.Refresh)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	access, err := s.Tokens.IssueAccess(owner)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]string{"access": access}, nil
}

// logout revokes every refresh credential the owner holds.
func (s *APIServer) logout(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	if err := s.Tokens.RevokeOwner(r.Context(), ownerFromContext(r.Context())); err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]string{"status": "ok"}, nil
}

// startSession admits and materializes a session for the caller.
func (s *APIServer) startSession(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	desc, err := s.Manager.Start(r.Context(), ownerFromContext(r.Context()))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return desc, nil
}

// activeSession returns the caller's active session.
func (s *APIServer) activeSession(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	desc, err := s.Manager.Status(r.Context(), ownerFromContext(r.Context()))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return desc, nil
}

// extendSession grants the one-shot TTL extension.
func (s *APIServer) extendSession(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	sess, err := s.ownedSession(r, p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	desc, err := s.Manager.Extend(r.Context(), sess.ID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return desc, nil
}

// stopSession tears the session down.
func (s *APIServer) stopSession(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	sess, err := s.ownedSession(r, p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := s.Manager.Stop(r.Context(), sess.ID); err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]string{"status": "ok"}, nil
}

// sessionTasks returns the tasks assigned to the session with their
// grading results so far.
func (s *APIServer) sessionTasks(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	if s.Tasks == nil {
		return nil, trace.NotFound("task catalog is not enabled")
	}
	sess, err := s.ownedSession(r, p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	assigned := make([]tasks.Task, 0, len(sess.AssignedTasks))
	for _, id := range sess.AssignedTasks {
		t, err := s.Tasks.Get(r.Context(), id)
		if err != nil {
			if trace.IsNotFound(err) {
				continue
			}
			return nil, trace.Wrap(err)
		}
		assigned = append(assigned, *t)
	}
	results, err := s.Tasks.ResultsForSession(r.Context(), sess.ID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]any{"tasks": assigned, "results": results}, nil
}

type recordResultReq struct {
	Score        float64 `json:"score"`
	ChecksPassed int     `json:"checks_passed"`
	ChecksTotal  int     `json:"checks_total"`
}

// recordResult stores an immutable grading outcome for (session, task).
func (s *APIServer) recordResult(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	if s.Tasks == nil {
		return nil, trace.NotFound("task catalog is not enabled")
	}
	sess, err := s.ownedSession(r, p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var req recordResultReq
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	err = s.Tasks.RecordResult(r.Context(), tasks.Result{
		SessionID:    sess.ID,
		TaskID:       p.ByName("task_id"),
		Score:        req.Score,
		ChecksPassed: req.ChecksPassed,
		ChecksTotal:  req.ChecksTotal,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]string{"status": "recorded"}, nil
}

// platformStatus reports capacity. Unauthenticated by design so clients
// can render availability before login.
func (s *APIServer) platformStatus(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	status, err := s.Manager.PlatformStatus(r.Context())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return status, nil
}

// ownedSession resolves the :id path parameter and verifies the caller
// owns it. A session belonging to someone else reads as forbidden, not
// as missing, because session ids are not secrets.
func (s *APIServer) ownedSession(r *http.Request, p httprouter.Params) (*session.Session, error) {
	id, err := session.ParseID(p.ByName("id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	sess, err := s.Sessions.Get(r.Context(), id)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if sess.Owner != ownerFromContext(r.Context()) {
		return nil, trace.AccessDenied("session belongs to another owner")
	}
	return sess, nil
}

// errorReply is the JSON error body; Kind is the stable machine-readable
// identifier, Message a short human-readable summary with no internals.
type errorReply struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// replyError maps a domain error to an HTTP status and kind string.
func replyError(w http.ResponseWriter, err error) {
	kind := manager.KindOf(err)
	httplib.ReplyJSON(w, statusOf(kind), errorReply{
		Kind:    kind,
		Message: trace.UserMessage(err),
	})
}

func statusOf(kind string) int {
	switch kind {
	case manager.KindValidation:
		return http.StatusBadRequest
	case manager.KindUnauthenticated, manager.KindCredentialExpired, manager.KindCredentialInvalid:
		return http.StatusUnauthorized
	case manager.KindForbidden:
		return http.StatusForbidden
	case manager.KindNotFound:
		return http.StatusNotFound
	case manager.KindConflict, manager.KindConflictActive, manager.KindAlreadyExtended:
		return http.StatusConflict
	case manager.KindRateLimited:
		return http.StatusTooManyRequests
	case manager.KindAtCapacity:
		return http.StatusServiceUnavailable
	default:
		if strings.HasPrefix(kind, "exhausted.") {
			return http.StatusServiceUnavailable
		}
		if strings.HasPrefix(kind, "provisioning.") {
			return http.StatusBadGateway
		}
		return http.StatusInternalServerError
	}
}
