// Package server exposes the multipart control plane over HTTP for clients without store credentials.
package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/gin-gonic/gin"

	"github.com/bitrise-io/go-multipart-upload/upload/network"
)

type sessionRequest struct {
	RemoteKey string `json:"key"`
	SessionID string `json:"uploadId"`
}

type registerRequest struct {
	RemoteKey string `json:"key"`
}

type completeRequest struct {
	RemoteKey string                  `json:"key"`
	SessionID string                  `json:"uploadId"`
	Parts     []network.CompletedPart `json:"parts"`
}

// Server serves /multipart/initiate, sign, list, complete and abort, and /videos.
type Server struct {
	store    network.ObjectStore
	dedup    DedupIndex
	registry Registry
	secret   []byte
	ttl      time.Duration
	logger   log.Logger
}

// New creates a Server over store. A nil dedup index disables deduplication.
func New(config Config, store network.ObjectStore, dedup DedupIndex, logger log.Logger) *Server {
	if dedup == nil {
		dedup = noDedup{}
	}
	return &Server{
		store:    store,
		dedup:    dedup,
		registry: logRegistry{logger: logger},
		secret:   []byte(config.JWTSecret),
		ttl:      config.PartURLTTL(),
		logger:   logger,
	}
}

// SetRegistry replaces the default registry, which only logs registrations.
func (s *Server) SetRegistry(registry Registry) {
	s.registry = registry
}

// Handler returns the gin engine serving the control plane.
func (s *Server) Handler() http.Handler {
	router := gin.New()
	router.Use(gin.Recovery(), s.logRequests())

	multipart := router.Group("/multipart", Authenticate(s.secret))
	multipart.POST("/initiate", s.initiate)
	multipart.POST("/sign", s.sign)
	multipart.POST("/list", s.list)
	multipart.POST("/complete", s.complete)
	multipart.POST("/abort", s.abort)

	router.POST("/videos", Authenticate(s.secret), s.register)
	return router
}

func (s *Server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debugf("%s %s %d (%s)", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start).Round(time.Millisecond))
	}
}

func (s *Server) controlPlane(c *gin.Context) *network.DirectControlPlane {
	cp := network.NewDirectControlPlane(s.store, c.GetString(userIDKey), s.logger)
	cp.SetPartURLTTL(s.ttl)
	return cp
}

func (s *Server) initiate(c *gin.Context) {
	var req network.InitiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		badRequest(c, err.Error())
		return
	}

	key, err := s.dedup.Lookup(c.Request.Context(), scopedHash(c, req.ContentHash))
	if err != nil {
		s.logger.Warnf("Dedup lookup failed: %s", err)
	}
	if key != "" {
		s.logger.Infof("Content of %s already stored as %s", req.FileName, key)
		c.JSON(http.StatusOK, network.InitiateResponse{RemoteKey: key, Dedup: true})
		return
	}

	resp, err := s.controlPlane(c).Initiate(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	if err := s.dedup.Begin(c.Request.Context(), resp.SessionID, scopedHash(c, req.ContentHash)); err != nil {
		s.logger.Warnf("Failed to remember the content hash of %s: %s", resp.SessionID, err)
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) sign(c *gin.Context) {
	var req network.SignPartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	if !s.owns(c, req.RemoteKey) {
		return
	}

	url, err := s.controlPlane(c).SignPart(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	if url.Method == "" {
		url.Method = http.MethodPut
	}
	if url.ExpiresIn == 0 {
		url.ExpiresIn = int(s.ttl.Seconds())
	}
	c.JSON(http.StatusOK, url)
}

func (s *Server) list(c *gin.Context) {
	req, ok := s.bindSession(c)
	if !ok {
		return
	}

	resp, err := s.controlPlane(c).ListParts(c.Request.Context(), req.RemoteKey, req.SessionID)
	if err != nil {
		s.fail(c, err)
		return
	}
	if resp.Parts == nil {
		resp.Parts = []network.ListedPart{}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) complete(c *gin.Context) {
	var req completeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	if req.RemoteKey == "" || req.SessionID == "" || len(req.Parts) == 0 {
		badRequest(c, "key, uploadId and parts are required")
		return
	}
	if !s.owns(c, req.RemoteKey) {
		return
	}

	if err := s.controlPlane(c).Complete(c.Request.Context(), req.RemoteKey, req.SessionID, req.Parts); err != nil {
		s.fail(c, err)
		return
	}
	if err := s.dedup.Commit(c.Request.Context(), req.SessionID, req.RemoteKey); err != nil {
		s.logger.Warnf("Failed to record %s in the dedup index: %s", req.RemoteKey, err)
	}
	s.logger.Infof("Completed %s (%d parts)", req.RemoteKey, len(req.Parts))
	c.JSON(http.StatusOK, gin.H{"ok": true, "key": req.RemoteKey})
}

func (s *Server) abort(c *gin.Context) {
	req, ok := s.bindSession(c)
	if !ok {
		return
	}

	if err := s.controlPlane(c).Abort(c.Request.Context(), req.RemoteKey, req.SessionID); err != nil {
		s.fail(c, err)
		return
	}
	if err := s.dedup.Forget(c.Request.Context(), req.SessionID); err != nil {
		s.logger.Warnf("Failed to drop %s from the dedup index: %s", req.SessionID, err)
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RemoteKey == "" {
		badRequest(c, "key is required")
		return
	}
	if !s.owns(c, req.RemoteKey) {
		return
	}

	if err := s.registry.Register(c.Request.Context(), c.GetString(userIDKey), req.RemoteKey); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"ok": true, "key": req.RemoteKey})
}

func (s *Server) bindSession(c *gin.Context) (sessionRequest, bool) {
	var req sessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return sessionRequest{}, false
	}
	if req.RemoteKey == "" || req.SessionID == "" {
		badRequest(c, "key and uploadId are required")
		return sessionRequest{}, false
	}
	return req, s.owns(c, req.RemoteKey)
}

// scopedHash keeps dedup entries per user.
func scopedHash(c *gin.Context, contentHash string) string {
	if contentHash == "" {
		return ""
	}
	return c.GetString(userIDKey) + ":" + contentHash
}

// owns rejects keys outside the caller's prefix.
func (s *Server) owns(c *gin.Context, key string) bool {
	if key == "" || strings.HasPrefix(key, network.UserPrefix(c.GetString(userIDKey))) {
		return true
	}
	c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	return false
}

func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	var netErr *network.Error
	if errors.As(err, &netErr) {
		switch netErr.Kind {
		case network.KindClient:
			status = http.StatusBadRequest
		case network.KindGone:
			status = http.StatusNotFound
		}
	}
	if status >= http.StatusInternalServerError {
		s.logger.Errorf("%s %s failed: %s", c.Request.Method, c.Request.URL.Path, err)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": msg})
}
