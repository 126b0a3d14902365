// Package server is the backend end of the transport: a bootstrap endpoint and
// a websocket route multiplexing client sessions by clientId.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	limits "github.com/gin-contrib/size"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	cmap "github.com/orcaman/concurrent-map/v2"
	"go.uber.org/zap"

	"github.com/aristosando/tabcarbon/internal/aggregation"
	"github.com/aristosando/tabcarbon/internal/logger"
	"github.com/aristosando/tabcarbon/internal/protocol"
	"github.com/aristosando/tabcarbon/internal/types"
)

const (
	maxFrameBytes   = 1 << 20
	maxRequestBytes = 1 << 16
	reportTimeout   = 15 * time.Second

	readHeaderTimeout = 10 * time.Second
	idleTimeout       = 620 * time.Second
)

var ErrMissingClientID = errors.New("clientId is required")

// AggregationFactory creates the aggregation state of a new session.
type AggregationFactory func() *aggregation.Service

type Server struct {
	sessions       cmap.ConcurrentMap[string, *Session]
	newAggregation AggregationFactory
	upgrader       websocket.Upgrader
	logger         *zap.Logger
}

func New(newAggregation AggregationFactory, logger *zap.Logger) *Server {
	return &Server{
		sessions:       cmap.New[*Session](),
		newAggregation: newAggregation,
		upgrader: websocket.Upgrader{
			// Browser extensions connect from their own origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Handler returns the gin engine serving every route.
func (s *Server) Handler() http.Handler {
	accessLog := ginzap.Ginzap(s.logger, time.RFC3339Nano, true)

	engine := gin.New()
	engine.Use(
		gin.Recovery(),
		limits.RequestSizeLimiter(maxRequestBytes),
		func(c *gin.Context) {
			if c.Request.URL.Path == "/healthz" {
				c.Next()
				return
			}
			accessLog(c)
		},
	)

	engine.GET("/healthz", s.health)
	engine.GET("/api/start-process", s.startProcess)
	engine.GET("/", s.upgrade)

	return engine
}

// NewHTTPServer wraps handler with the listener settings used in production.
func NewHTTPServer(ctx context.Context, port uint16, handler http.Handler) *http.Server {
	return &http.Server{
		Handler: handler,
		Addr:    fmt.Sprintf("0.0.0.0:%d", port),

		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,

		BaseContext: func(net.Listener) context.Context { return ctx },
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": s.sessions.Count()})
}

// startProcess pre-registers a client. It never opens the socket itself.
func (s *Server) startProcess(c *gin.Context) {
	clientID := c.Query("clientId")
	if clientID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": ErrMissingClientID.Error()})
		return
	}

	if s.sessions.Has(clientID) {
		s.logger.Warn("websocket already exists for client", logger.WithClientID(clientID))
		c.JSON(http.StatusOK, gin.H{"message": "WebSocket already created"})
		return
	}

	s.logger.Info("starting websocket process for client", logger.WithClientID(clientID))
	c.JSON(http.StatusOK, gin.H{"message": "WebSocket created"})
}

func (s *Server) upgrade(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	clientID := c.Query("clientId")
	if clientID == "" {
		s.logger.Warn("websocket connection without clientId")
		newSession("", conn, nil).close(websocket.ClosePolicyViolation, ErrMissingClientID.Error())
		return
	}

	session := newSession(clientID, conn, s.newAggregation())
	if !s.sessions.SetIfAbsent(clientID, session) {
		s.logger.Warn("duplicate connection for client, closing the new one", logger.WithClientID(clientID))
		session.close(websocket.ClosePolicyViolation, "session already open")
		return
	}

	s.logger.Info("websocket connection established", logger.WithClientID(clientID))

	s.serve(c.Request.Context(), session)
}

// serve runs the read loop of one session until the client closes or asks for
// its final report.
func (s *Server) serve(ctx context.Context, session *Session) {
	log := s.logger.With(logger.WithClientID(session.ClientID))

	defer func() {
		session.Aggregation.Reset()
		s.sessions.RemoveCb(session.ClientID, func(_ string, current *Session, exists bool) bool {
			return exists && current == session
		})
		session.close(websocket.CloseNormalClosure, "")
		log.Info("client disconnected")
	}()

	session.conn.SetReadLimit(maxFrameBytes)

	if err := session.writeText(fmt.Sprintf("Welcome, Client %s!", session.ClientID)); err != nil {
		log.Error("welcome message failed", zap.Error(err))
		return
	}

	for {
		_, data, err := session.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("websocket read failed", zap.Error(err))
			}
			return
		}

		frame := string(data)
		if session.duplicate(frame) {
			log.Debug("duplicate frame dropped")
			continue
		}

		if done := s.dispatch(ctx, log, session, frame); done {
			return
		}
	}
}

// dispatch handles one frame and reports whether the session is finished.
func (s *Server) dispatch(ctx context.Context, log *zap.Logger, session *Session, frame string) bool {
	msg, err := protocol.Decode([]byte(frame))
	if err != nil {
		log.Warn("malformed frame", zap.Error(err))
		s.ack(log, session, frame)
		return false
	}

	log.Debug("frame received", logger.WithMessageType(string(msg.Type())))

	switch p := msg.Payload.(type) {
	case protocol.CPUUsage:
		if p.TabInfo.TabID == "" {
			log.Warn("cpu usage without tab id")
			break
		}
		session.Aggregation.RecordCPUSample(p.TabInfo, types.CPUSample{
			CPUUsageDelta: p.CPUUsage,
			Timestamp:     p.SampledAt(time.Now()),
		})

	case protocol.NetworkData:
		if p.TabID == "" {
			log.Warn("network data without tab id")
			break
		}
		if p.Action != "" && p.Action != protocol.ActionRequestFinished {
			break
		}
		session.Aggregation.RecordNetworkEntry(p.TabID, p.Metrics.ToNetworkEntry())

	case protocol.PrepareToClose:
		s.finish(ctx, log, session)
		return true

	default:
		log.Warn("unexpected message type", logger.WithMessageType(string(msg.Type())))
	}

	s.ack(log, session, frame)

	return false
}

func (s *Server) ack(log *zap.Logger, session *Session, frame string) {
	if err := session.writeText("Echo: " + frame); err != nil {
		log.Debug("ack failed", zap.Error(err))
	}
}

// finish sends the final report, then closes the session.
func (s *Server) finish(ctx context.Context, log *zap.Logger, session *Session) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()

	report := session.Aggregation.FinalReport(ctx)
	if err := session.writeJSON(report); err != nil {
		log.Error("final report failed", zap.Error(err))
		return
	}

	log.Info("final report sent", zap.Int("tabs", len(report.AggregatedCPUUsage.Payload)))
	session.close(websocket.CloseNormalClosure, "session finished")
}

func (s *Server) SessionCount() int {
	return s.sessions.Count()
}

// Close tells every connected client that the server is going away.
func (s *Server) Close() {
	for _, session := range s.sessions.Items() {
		session.close(websocket.CloseGoingAway, "server shutting down")
	}
}
