package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/danmuck/sigbus/internal/auth"
	"github.com/danmuck/sigbus/internal/bus"
	"github.com/danmuck/sigbus/internal/observability"
	"github.com/danmuck/sigbus/internal/protocol/wire"
	"github.com/danmuck/sigbus/internal/router"
	"github.com/danmuck/sigbus/internal/services"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const version = "0.1.0"

// CallRequest is the body of POST /call.
type CallRequest struct {
	Node      string          `json:"node" binding:"required"`
	Member    string          `json:"member" binding:"required"`
	Signature string          `json:"signature"`
	Args      json.RawMessage `json:"args"`
}

// SendRequest is the body of POST /send.
type SendRequest struct {
	Message     string   `json:"message"`
	Attachments []string `json:"attachments"`
	Recipients  []string `json:"recipients"`
	GroupID     []byte   `json:"group_id"`
}

// ReactRequest is the body of POST /react.
type ReactRequest struct {
	Emoji      string   `json:"emoji" binding:"required"`
	Remove     bool     `json:"remove"`
	Author     string   `json:"author" binding:"required"`
	Timestamp  int64    `json:"timestamp" binding:"required"`
	Recipients []string `json:"recipients"`
}

// DeleteRequest is the body of POST /remote-delete.
type DeleteRequest struct {
	Timestamp  int64    `json:"timestamp" binding:"required"`
	Recipients []string `json:"recipients"`
}

// Routes builds the admin HTTP API.
func (s *Service) Routes() *gin.Engine {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(s.cfg.Name))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(s.cfg.CorsOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.started).String(),
			"service": s.cfg.Name,
			"version": version,
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/ready", func(c *gin.Context) {
		st := s.Status(c.Request.Context())
		status := http.StatusOK
		ready := st.State == bus.StateServiceResolved.String()
		if !ready {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":   ready,
			"state":   st.State,
			"uptime":  time.Since(s.started).String(),
			"service": s.cfg.Name,
			"version": version,
		})
	})

	r.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.Status(c.Request.Context()))
	})

	r.GET("/services", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"services": services.Names()})
	})

	r.GET("/names", func(c *gin.Context) {
		body, ok := s.relay(c, services.ListNames())
		if !ok {
			return
		}
		names, err := services.ReplyStrings(&wire.Message{Body: body})
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"names": names})
	})

	r.GET("/match-rules", func(c *gin.Context) {
		body, ok := s.relay(c, services.GetAllMatchRules())
		if !ok {
			return
		}
		c.JSON(http.StatusOK, gin.H{"body": jsonBody(body)})
	})

	r.GET("/introspect/:service", func(c *gin.Context) {
		svc, err := services.Lookup(c.Param("service"))
		if err != nil {
			s.fail(c, err)
			return
		}
		body, ok := s.relay(c, services.Introspect(svc))
		if !ok {
			return
		}
		xml, err := services.ReplyString(&wire.Message{Body: body})
		if err != nil {
			s.fail(c, err)
			return
		}
		c.Data(http.StatusOK, "text/xml; charset=utf-8", []byte(xml))
	})

	r.GET("/registered", func(c *gin.Context) {
		body, ok := s.relay(c, services.IsRegistered(c.Query("number")))
		if !ok {
			return
		}
		registered, err := services.ReplyBool(&wire.Message{Body: body})
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"registered": registered})
	})

	r.GET("/contacts/:number", func(c *gin.Context) {
		body, ok := s.relay(c, services.GetContactName(c.Param("number")))
		if !ok {
			return
		}
		name, err := services.ReplyString(&wire.Message{Body: body})
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"number": c.Param("number"), "name": name})
	})

	guard := auth.Require(auth.FromToken(s.cfg.AdminToken))

	r.POST("/call", guard, func(c *gin.Context) {
		var req CallRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		sig := wire.Signature(req.Signature)
		args, err := DecodeArgs(sig, req.Args)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		ctx, cancel := s.callContext(c.Request.Context())
		defer cancel()
		body, err := s.Call(ctx, func(conn *bus.Conn) (*router.Future, error) {
			return conn.CallMethod(req.Node, req.Member, sig, args...)
		})
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "body": jsonBody(body)})
	})

	r.POST("/send", guard, func(c *gin.Context) {
		var req SendRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		var msg *wire.Message
		switch {
		case len(req.GroupID) > 0:
			msg = services.SendGroupMessage(req.Message, req.Attachments, req.GroupID)
		case len(req.Recipients) == 1:
			msg = services.SendMessage(req.Message, req.Attachments, req.Recipients[0])
		case len(req.Recipients) > 1:
			msg = services.SendMessageToMany(req.Message, req.Attachments, req.Recipients)
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "recipients or group_id is required"})
			return
		}
		s.reply(c, msg)
	})

	r.POST("/react", guard, func(c *gin.Context) {
		var req ReactRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		switch len(req.Recipients) {
		case 0:
			c.JSON(http.StatusBadRequest, gin.H{"error": "recipients is required"})
		case 1:
			s.reply(c, services.SendMessageReaction(req.Emoji, req.Remove, req.Author, req.Timestamp, req.Recipients[0]))
		default:
			s.reply(c, services.SendMessageReactionToMany(req.Emoji, req.Remove, req.Author, req.Timestamp, req.Recipients))
		}
	})

	r.POST("/remote-delete", guard, func(c *gin.Context) {
		var req DeleteRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		switch len(req.Recipients) {
		case 0:
			c.JSON(http.StatusBadRequest, gin.H{"error": "recipients is required"})
		case 1:
			s.reply(c, services.SendRemoteDeleteMessage(req.Timestamp, req.Recipients[0]))
		default:
			s.reply(c, services.SendRemoteDeleteMessageToMany(req.Timestamp, req.Recipients))
		}
	})

	r.POST("/disconnect", guard, func(c *gin.Context) {
		if err := s.Disconnect(c.Request.Context()); err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "disconnecting"})
	})

	return r
}

// relay sends msg on the bus and waits for its reply. On failure the
// response has already been written.
func (s *Service) relay(c *gin.Context, msg *wire.Message) ([]any, bool) {
	ctx, cancel := s.callContext(c.Request.Context())
	defer cancel()
	body, err := s.Call(ctx, func(conn *bus.Conn) (*router.Future, error) {
		return conn.Call(msg)
	})
	if err != nil {
		s.fail(c, err)
		return nil, false
	}
	return body, true
}

func (s *Service) reply(c *gin.Context, msg *wire.Message) {
	if body, ok := s.relay(c, msg); ok {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "body": jsonBody(body)})
	}
}

func (s *Service) callContext(parent context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.CallTimeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, s.cfg.CallTimeout)
}

func (s *Service) fail(c *gin.Context, err error) {
	_ = c.Error(err)
	var callErr *router.CallError
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrNotConnected), errors.Is(err, bus.ErrClosed), errors.Is(err, bus.ErrNotAuthenticated),
		errors.Is(err, router.ErrConnectionClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, services.ErrUnknownService):
		status = http.StatusNotFound
	case errors.As(err, &callErr):
		c.JSON(http.StatusBadGateway, gin.H{"error": callErr.Message, "name": callErr.Name})
		return
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// jsonBody turns reply values into something encoding/json renders
// readably.
func jsonBody(body []any) []any {
	out := make([]any, len(body))
	for i, v := range body {
		out[i] = jsonValue(v)
	}
	return out
}

func jsonValue(v any) any {
	switch x := v.(type) {
	case wire.Variant:
		return gin.H{"sig": string(x.Sig), "value": jsonValue(x.Value)}
	case []wire.DictEntry:
		out := make([]gin.H, len(x))
		for i, d := range x {
			out[i] = gin.H{"key": jsonValue(d.Key), "value": jsonValue(d.Value)}
		}
		return out
	case []any:
		return jsonBody(x)
	}
	return v
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
