// Package api serves a loaded model over HTTP. Each session owns one
// recurrent state; forward calls on a session advance it in order.
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/samcharles93/rwkvrun/internal/logger"
	"github.com/samcharles93/rwkvrun/internal/runner"
)

type Server struct {
	store  *SessionStore
	runner *runner.Runner
	log    logger.Logger
	clock  func() time.Time
}

func NewServer(store *SessionStore, r *runner.Runner, log logger.Logger) *Server {
	if store == nil {
		store = NewSessionStore(0)
	}
	return &Server{
		store:  store,
		runner: r,
		log:    logger.OrDefault(log),
		clock:  time.Now,
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/sessions", s.handleCreateSession)
	e.GET("/v1/sessions/:id", s.handleGetSession)
	e.DELETE("/v1/sessions/:id", s.handleDeleteSession)
	e.POST("/v1/sessions/:id/forward", s.handleForward)
	e.GET("/v1/strategy", s.handleStrategy)

	metricsHandler := promhttp.Handler()
	e.GET("/metrics", func(c *echo.Context) error {
		metricsHandler.ServeHTTP(c.Response(), c.Request())
		return nil
	})
}

func (s *Server) handleCreateSession(c *echo.Context) error {
	if s.runner == nil {
		return writeError(c, http.StatusInternalServerError, "server_error", "model not loaded", "", "")
	}
	req, err := decodeJSON[CreateSessionRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	sess, err := s.store.Create(s.clock())
	if err != nil {
		return writeError(c, http.StatusServiceUnavailable, "server_error", err.Error(), "", "session_limit")
	}
	if len(req.Tokens) > 0 {
		if _, err := s.advance(sess, req.Tokens, false); err != nil {
			s.store.Delete(sess.id)
			return s.writeForwardError(c, err)
		}
	}
	s.log.Debug("session created", "id", sess.id, "tokens", len(req.Tokens))
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return c.JSON(http.StatusOK, sess.snapshot())
}

func (s *Server) handleGetSession(c *echo.Context) error {
	sess, ok := s.store.Get(c.Param("id"))
	if !ok {
		return writeNotFound(c, "session not found")
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return c.JSON(http.StatusOK, sess.snapshot())
}

func (s *Server) handleDeleteSession(c *echo.Context) error {
	id := c.Param("id")
	if !s.store.Delete(id) {
		return writeNotFound(c, "session not found")
	}
	return c.JSON(http.StatusOK, DeleteSessionResponse{
		ID:      id,
		Object:  "session.deleted",
		Deleted: true,
	})
}

func (s *Server) handleForward(c *echo.Context) error {
	if s.runner == nil {
		return writeError(c, http.StatusInternalServerError, "server_error", "model not loaded", "", "")
	}
	sess, ok := s.store.Get(c.Param("id"))
	if !ok {
		return writeNotFound(c, "session not found")
	}
	req, err := decodeJSON[ForwardRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if len(req.Tokens) == 0 {
		return s.writeForwardError(c, newInvalidParam("tokens", "must not be empty"))
	}
	if req.TopK < 0 {
		return s.writeForwardError(c, newInvalidParam("top_k", "must not be negative"))
	}

	scores, err := s.advance(sess, req.Tokens, req.FullOutput)
	if err != nil {
		return s.writeForwardError(c, err)
	}

	sess.mu.Lock()
	resp := ForwardResponse{ID: sess.id, Object: "forward", Tokens: sess.tokens}
	sess.mu.Unlock()
	if req.TopK > 0 {
		resp.Top = make([][]TokenScore, len(scores))
		for i, row := range scores {
			resp.Top[i] = TopK(row, req.TopK)
		}
	} else {
		resp.Scores = scores
	}
	return c.JSON(http.StatusOK, resp)
}

// advance runs tokens on the session's state. The state is replaced only
// when the forward call succeeds.
func (s *Server) advance(sess *session, tokens []int, full bool) ([][]float32, error) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	scores, next, err := s.runner.Forward(tokens, sess.state, full)
	if err != nil {
		return nil, err
	}
	sess.state = next
	sess.tokens += len(tokens)
	return scores, nil
}

func (s *Server) writeForwardError(c *echo.Context, err error) error {
	if errors.Is(err, runner.ErrInvalidInput) || errors.Is(err, ErrInvalidRequest) {
		return writeError(c, http.StatusBadRequest, "invalid_request_error", err.Error(), paramOf(err), "")
	}
	s.log.Error("forward failed", "error", err)
	return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "", "")
}

func (s *Server) handleStrategy(c *echo.Context) error {
	if s.runner == nil {
		return writeError(c, http.StatusInternalServerError, "server_error", "model not loaded", "", "")
	}
	w := s.runner.Weights()
	slots := make([]string, len(w.Strategy.Slots))
	for i, sl := range w.Strategy.Slots {
		slots[i] = sl.String()
	}
	return c.JSON(http.StatusOK, StrategyResponse{
		Strategy:     w.Strategy.Spec,
		NLayer:       w.NLayer,
		NEmbd:        w.NEmbd,
		NVocab:       w.NVocab,
		RescaleLayer: w.RescaleEvery,
		Backend:      s.runner.Backend(),
		Preconverted: w.Preconverted,
		Slots:        slots,
		Report:       w.Strategy.Report(),
	})
}
