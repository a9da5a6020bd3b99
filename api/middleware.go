package api

import (
	"io"
	"regexp"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"filevora/admission"
	"filevora/models"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	requestIDHeader = "X-Request-Id"
	requestIDKey    = "request_id"
	identityKey     = "identity"
)

var validRequestID = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// requestID propagates a well-formed client request id or mints one.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if !validRequestID.MatchString(id) {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func requestLogger(logger *log.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []interface{}{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"duration", time.Since(start).Round(time.Microsecond),
			"client_ip", c.ClientIP(),
			"request_id", c.GetString(requestIDKey),
		}
		switch {
		case status >= 500:
			logger.Error("Request failed", fields...)
		case status >= 400:
			logger.Warn("Request rejected", fields...)
		default:
			logger.Info("Request handled", fields...)
		}
	}
}

// recovery turns a panic into the opaque internal error response. The panic
// value and stack only go to the log.
func recovery(logger *log.Logger) gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(io.Discard, func(c *gin.Context, recovered any) {
		logger.Error("Panic while handling request",
			"panic", recovered,
			"path", c.Request.URL.Path,
			"request_id", c.GetString(requestIDKey),
			"stack", string(debug.Stack()),
		)
		writeInternal(c)
	})
}

// identify resolves who a request counts against. A bearer token only counts
// when it maps to a live session; anything else is keyed by client address.
func (s *Server) identify(c *gin.Context) admission.Identity {
	if id, ok := c.Get(identityKey); ok {
		return id.(admission.Identity)
	}

	identity := admission.Anonymous(c.ClientIP())
	if token := bearerToken(c.GetHeader("Authorization")); token != "" && s.sessions != nil {
		userID, ok, err := s.sessions.LookupSession(c.Request.Context(), token)
		switch {
		case err != nil:
			s.logger.Warn("Session lookup failed, treating request as anonymous", "request_id", c.GetString(requestIDKey), "error", err)
		case ok:
			identity = admission.User(userID)
		}
	}
	c.Set(identityKey, identity)
	return identity
}

func (s *Server) userID(c *gin.Context) string {
	identity := s.identify(c)
	if !identity.Authenticated {
		return ""
	}
	return strings.TrimPrefix(identity.Key, "user:")
}

// admit charges the request against its identity's window.
func (s *Server) admit() gin.HandlerFunc {
	return func(c *gin.Context) {
		decision := s.admission.Check(c.Request.Context(), s.identify(c))
		c.Header("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining()))

		if !decision.Allowed {
			s.writeError(c, &models.Error{
				Kind:       models.KindAdmissionDenied,
				Message:    "Rate limit exceeded. Please try again later.",
				RetryAfter: decision.RetryAfter,
			})
			return
		}
		c.Next()
	}
}

func bearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
