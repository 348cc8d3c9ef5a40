package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/caffeineduck/gorepl/executor"
	"github.com/caffeineduck/gorepl/protocol"
)

type initRequest struct {
	Packages []protocol.Package `json:"packages"`
}

type execRequest struct {
	ID   string `json:"id"`
	Code string `json:"code"`
}

type evalRequest struct {
	ID   string `json:"id"`
	Expr string `json:"expr"`
}

type streamStartRequest struct {
	ID   string `json:"id"`
	Expr string `json:"expr"`
}

type streamExecRequest struct {
	Code string `json:"code"`
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": s.exec.Registry().Len()})
}

// initSession handles POST /api/init
func (s *Server) initSession(c *gin.Context) {
	var req initRequest
	if !bind(c, &req) {
		return
	}

	msgs, err := s.exec.Init(c.Request.Context(), sessionID(c), req.Packages)
	if err != nil {
		writeFailure(c, err)
		return
	}
	if msgs == nil {
		msgs = []protocol.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"type": protocol.TypeReady, "messages": msgs})
}

// execCode handles POST /api/exec
func (s *Server) execCode(c *gin.Context) {
	var req execRequest
	if !bind(c, &req) {
		return
	}
	reply, err := s.exec.Exec(c.Request.Context(), sessionID(c), req.ID, req.Code)
	writeReply(c, reply, err)
}

// eval handles POST /api/eval
func (s *Server) eval(c *gin.Context) {
	var req evalRequest
	if !bind(c, &req) {
		return
	}
	reply, err := s.exec.Eval(c.Request.Context(), sessionID(c), req.ID, req.Expr)
	writeReply(c, reply, err)
}

// streamStart handles POST /api/stream/start
func (s *Server) streamStart(c *gin.Context) {
	var req streamStartRequest
	if !bind(c, &req) {
		return
	}
	id, err := s.exec.StreamStart(c.Request.Context(), sessionID(c), req.ID, req.Expr)
	if err != nil {
		writeFailure(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "started", "id": id})
}

// streamPoll handles POST /api/stream/poll
func (s *Server) streamPoll(c *gin.Context) {
	msgs, done, err := s.exec.StreamPoll(c.Request.Context(), sessionID(c))
	if err != nil {
		writeFailure(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs, "done": done})
}

// streamExec handles POST /api/stream/exec
func (s *Server) streamExec(c *gin.Context) {
	var req streamExecRequest
	if !bind(c, &req) {
		return
	}
	err := s.exec.StreamExec(c.Request.Context(), sessionID(c), req.Code)
	if errors.Is(err, executor.ErrNoSession) {
		c.JSON(http.StatusNotFound, gin.H{"error": "No active session"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "queued"})
}

// streamStop handles POST /api/stream/stop
func (s *Server) streamStop(c *gin.Context) {
	if err := s.exec.StreamStop(c.Request.Context(), sessionID(c)); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

// deleteSession handles DELETE /api/session
func (s *Server) deleteSession(c *gin.Context) {
	s.exec.Terminate(sessionID(c))
	c.JSON(http.StatusOK, gin.H{"status": "terminated"})
}

func bind(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"type": "error", "error": err.Error()})
		return false
	}
	return true
}

// writeReply sends a worker reply: ok and value as 200, execution errors as
// 400, failures by kind.
func writeReply(c *gin.Context, reply protocol.Message, err error) {
	if err != nil {
		writeFailure(c, err)
		return
	}
	status := http.StatusOK
	if reply.Type == protocol.TypeError {
		status = http.StatusBadRequest
	}
	c.JSON(status, reply)
}

func writeFailure(c *gin.Context, err error) {
	var f *executor.Failure
	if !errors.As(err, &f) {
		c.JSON(http.StatusInternalServerError, protocol.Message{Type: protocol.TypeError, Error: err.Error()})
		return
	}

	status := http.StatusInternalServerError
	if f.Kind == executor.KindTimeout {
		status = http.StatusGatewayTimeout
	}
	if f.Reply != nil {
		c.JSON(status, f.Reply)
		return
	}
	c.JSON(status, protocol.Message{
		Type:      protocol.TypeError,
		ErrorType: f.ErrorType(),
		ID:        f.ID,
		Error:     f.Message,
	})
}
