// Package server hosts the gateway HTTP/WebSocket process: it resolves the
// acting principal, enforces connection-level limits, translates wire
// frames into service calls, and fans service events back out.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/websocket"

	apperrors "github.com/pennyrealm/pennyrealm/internal/errors"
	"github.com/pennyrealm/pennyrealm/internal/platform/timeouts"
	chatdomain "github.com/pennyrealm/pennyrealm/internal/services/chat/domain"
	dmdomain "github.com/pennyrealm/pennyrealm/internal/services/dm/domain"
	forumdomain "github.com/pennyrealm/pennyrealm/internal/services/forum/domain"
	maildomain "github.com/pennyrealm/pennyrealm/internal/services/mail/domain"
	monitordomain "github.com/pennyrealm/pennyrealm/internal/services/monitor/domain"
	playerstorage "github.com/pennyrealm/pennyrealm/internal/services/player/storage"
	"github.com/pennyrealm/pennyrealm/internal/services/shared/moderation"
	tradedomain "github.com/pennyrealm/pennyrealm/internal/services/trade/domain"
)

const (
	tokenCookieName = "pr_token"

	maxFramePayloadBytes   = 16 * 1024
	maxFramesPerSecond     = 40
	maxDecodeErrorsPerConn = 3
)

// Config defines the inputs for the gateway transport boundary.
type Config struct {
	HTTPAddr          string
	SessionSecret     string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Services bundles the domain services the gateway dispatches into.
type Services struct {
	Chat       *chatdomain.Service
	DM         *dmdomain.Service
	Mail       *maildomain.Service
	Forum      *forumdomain.Service
	Trade      *tradedomain.Service
	Moderation *moderation.Registry
	Monitor    *monitordomain.Service
	Players    playerstorage.Store
}

// Server hosts the gateway HTTP/WebSocket process.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
	hub             *hub
	services        Services
}

type wsFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type wsErrorEnvelope struct {
	Error wsError `json:"error"`
}

type wsError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// NewServer builds a configured gateway server and wires outbound event
// fan-out into the domain services.
func NewServer(config Config, services Services) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if strings.TrimSpace(config.SessionSecret) == "" {
		return nil, errors.New("session secret is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}

	server := &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: config.ShutdownTimeout,
		hub:             newHub(services.Players, services.Monitor),
		services:        services,
	}
	server.wireEvents()

	authorizer := newSessionAuthorizer(config.SessionSecret)
	server.httpServer = &http.Server{
		Addr:              httpAddr,
		Handler:           server.newHandler(authorizer),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	return server, nil
}

// wireEvents hooks the service publishers to the connection hub. Publishers
// fire under each service's lock, so fan-out must not call back into the
// owning service.
func (s *Server) wireEvents() {
	if s.services.Chat != nil {
		s.services.Chat.SetPublisher(func(evt chatdomain.Event) {
			s.hub.broadcastChat(evt.Message)
		})
	}
	if s.services.DM != nil {
		s.services.DM.SetPublisher(func(evt dmdomain.Event) {
			frame := eventFrame("dm.message", dmMessageEnvelope{Message: evt.Message})
			s.hub.sendToUser(evt.Message.To, frame)
			s.hub.sendToUser(evt.Message.From, frame)
		})
	}
	if s.services.Mail != nil {
		s.services.Mail.SetPublisher(func(evt maildomain.Event) {
			s.hub.sendToUser(evt.Mail.To, eventFrame("mail.received", mailEnvelope{Mail: evt.Mail}))
		})
	}
	if s.services.Trade != nil {
		s.services.Trade.SetPublisher(func(evt tradedomain.Event) {
			frame := eventFrame("trade.state", tradeEnvelope{Trade: evt.Trade})
			s.hub.sendToUser(evt.Trade.From, frame)
			s.hub.sendToUser(evt.Trade.To, frame)
		})
	}
}

func (s *Server) newHandler(authorizer *sessionAuthorizer) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		report := s.services.Monitor.HealthCheck()
		w.Header().Set("Content-Type", "application/json")
		if !report.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(report)
	})
	mux.Handle("/metrics", promhttp.HandlerFor(s.services.Monitor.Registry(), promhttp.HandlerOpts{}))

	wsHandler := websocket.Handler(func(conn *websocket.Conn) {
		s.handleWSConn(conn)
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if s.services.Moderation != nil && s.services.Moderation.IsIPBanned(r.RemoteAddr) {
			log.Printf("gateway: refused banned address %s", r.RemoteAddr)
			http.Error(w, "address is banned", http.StatusForbidden)
			return
		}

		token := sessionTokenFromRequest(r)
		if token == "" {
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		principal, err := authorizer.Authenticate(token)
		if err != nil {
			log.Printf("gateway: websocket unauthorized for remote=%s: %v", r.RemoteAddr, err)
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		if banned, ok := s.services.Moderation.BanOf(principal.UserID); ok {
			log.Printf("gateway: refused banned user %s (%s)", principal.UserID, banned.Reason)
			http.Error(w, "account is banned", http.StatusForbidden)
			return
		}

		r = r.WithContext(context.WithValue(r.Context(), principalContextKey{}, principal))
		wsHandler.ServeHTTP(w, r)
	})

	return s.instrumented(mux)
}

// instrumented counts every HTTP request and its latency.
func (s *Server) instrumented(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		next.ServeHTTP(w, r)
		if r.URL.Path != "/ws" {
			s.services.Monitor.RecordRequest(time.Since(started))
		}
	})
}

func sessionTokenFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if cookie, err := r.Cookie(tokenCookieName); err == nil && strings.TrimSpace(cookie.Value) != "" {
		return strings.TrimSpace(cookie.Value)
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func (s *Server) handleWSConn(conn *websocket.Conn) {
	defer func() {
		_ = conn.Close()
	}()

	var principal Principal
	if request := conn.Request(); request != nil {
		if resolved, ok := request.Context().Value(principalContextKey{}).(Principal); ok {
			principal = resolved
		}
	}
	if strings.TrimSpace(principal.UserID) == "" {
		return
	}

	peer := newWSPeer(json.NewEncoder(conn))
	s.hub.join(principal.UserID, peer)
	defer s.hub.leave(principal.UserID, peer)

	decoder := json.NewDecoder(conn)
	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var frame wsFrame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			decodeErrors++
			_ = writeWSError(peer, "", apperrors.CodeValidationFailed, "invalid frame payload")
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		if len(frame.Payload) > maxFramePayloadBytes {
			_ = writeWSError(peer, frame.RequestID, apperrors.CodeValidationFailed, "payload too large")
			continue
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			_ = writeWSError(peer, frame.RequestID, apperrors.CodeRateLimited, "frame rate exceeded")
			return
		}

		started := time.Now()
		s.dispatch(conn.Request().Context(), principal, peer, frame)
		s.services.Monitor.RecordWSMessage(time.Since(started))
	}
}

// respondError maps a service error to a stable wire code. Internal
// failures are additionally recorded to the monitor error log.
func (s *Server) respondError(peer *wsPeer, frame wsFrame, err error) {
	code := apperrors.GetCode(err)
	if code == apperrors.CodeInternal {
		s.services.Monitor.RecordError(frame.Type, err)
	}
	_ = writeWSError(peer, frame.RequestID, code, userFacingMessage(err))
}

func userFacingMessage(err error) string {
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "internal error"
}

func writeWSError(peer *wsPeer, requestID string, code apperrors.Code, message string) error {
	return peer.writeFrame(wsFrame{
		Type:      "error",
		RequestID: requestID,
		Payload: mustJSON(wsErrorEnvelope{
			Error: wsError{
				Code:      string(code),
				Message:   message,
				Retryable: code.Retryable(),
			},
		}),
	})
}

func eventFrame(frameType string, payload any) wsFrame {
	return wsFrame{Type: frameType, Payload: mustJSON(payload)}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("failed to marshal websocket frame payload: %v", err)
		return nil
	}
	return b
}

// Run creates and serves a gateway server until the context ends.
func Run(ctx context.Context, config Config, services Services) error {
	server, err := NewServer(config, services)
	if err != nil {
		return fmt.Errorf("init gateway server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve gateway: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("gateway server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 1)
	log.Printf("gateway server listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// Close releases server resources.
func (s *Server) Close() {
	if s == nil {
		return
	}
}
