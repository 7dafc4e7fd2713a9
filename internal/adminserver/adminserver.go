// Package adminserver exposes the operator-facing HTTP surface: health,
// enqueue, active-recipient listing, and dead-letter inspection/replay.
// Adapted from the teacher's internal/server/router.go — the namespace,
// topic, and lease-based dequeue endpoints are gone along with the
// Postgres-backed queue they fronted; what's left is reshaped around
// per-recipient Redis state.
package adminserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"serialdispatch/internal/enqueue"
	"serialdispatch/internal/lease"
	"serialdispatch/internal/log"
	"serialdispatch/internal/queue"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"
)

type Server struct {
	router    *chi.Mux
	store     *queue.Store
	lease     *lease.Lease
	enqueuer  *enqueue.Enqueuer
	logger    *log.Logger
	jwtSecret string
	addr      string
}

func New(addr, jwtSecret string, store *queue.Store, ls *lease.Lease, enq *enqueue.Enqueuer, logger *log.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		store:     store,
		lease:     ls,
		enqueuer:  enq,
		logger:    logger,
		jwtSecret: jwtSecret,
		addr:      addr,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(httprate.Limit(100, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))

	s.router.Get("/health", s.handleHealth)

	s.router.Group(func(r chi.Router) {
		if s.jwtSecret != "" {
			r.Use(authMiddleware(s.jwtSecret, s.logger))
		}
		r.Post("/enqueue", s.handleEnqueue)
		r.Get("/active", s.handleActive)
		r.Get("/lease/{recipientID}", s.handleLeaseOwner)
		r.Get("/dlq/{recipientID}", s.handleDLQList)
		r.Post("/dlq/{recipientID}/replay", s.handleDLQReplay)
	})
}

func (s *Server) Run(ctx context.Context) {
	srv := &http.Server{Addr: s.addr, Handler: s.router}
	go func() {
		s.logger.Info("Admin server starting", zap.String("addr", s.addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Admin server failed", zap.Error(err))
		}
	}()
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("Admin server shutdown failed", zap.Error(err))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.ActiveMembers(r.Context()); err != nil {
		s.logger.Error("Health check failed", zap.Error(err))
		http.Error(w, "Redis unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Write([]byte("OK"))
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RecipientID string            `json:"recipient_id"`
		Text        string            `json:"text"`
		Kind        queue.Kind        `json:"message_type"`
		Metadata    map[string]string `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.logger.Error("Failed to decode enqueue request", zap.Error(err))
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Kind == "" {
		req.Kind = queue.KindReactive
	}
	if err := s.enqueuer.Enqueue(r.Context(), req.RecipientID, req.Text, req.Kind, req.Metadata); err != nil {
		s.logger.Error("Failed to enqueue via admin API", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	members, err := s.store.ActiveMembers(r.Context())
	if err != nil {
		s.logger.Error("Failed to list active recipients", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, s.logger, members)
}

func (s *Server) handleLeaseOwner(w http.ResponseWriter, r *http.Request) {
	recipientID := chi.URLParam(r, "recipientID")
	owner, held, err := s.lease.Owner(r.Context(), recipientID)
	if err != nil {
		s.logger.Error("Failed to read lease owner", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, s.logger, map[string]interface{}{"recipient_id": recipientID, "held": held, "owner": owner})
}

func (s *Server) handleDLQList(w http.ResponseWriter, r *http.Request) {
	recipientID := chi.URLParam(r, "recipientID")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 20
	}
	items, err := s.store.DeadLetters(r.Context(), recipientID, int64(limit))
	if err != nil {
		s.logger.Error("Failed to list dead letters", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, s.logger, items)
}

func (s *Server) handleDLQReplay(w http.ResponseWriter, r *http.Request) {
	recipientID := chi.URLParam(r, "recipientID")
	replayed, err := s.store.RequeueOldestDeadLetter(r.Context(), recipientID)
	if err != nil {
		s.logger.Error("Failed to replay dead letter", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !replayed {
		http.Error(w, "dead-letter queue empty", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, logger *log.Logger, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Failed to encode response", zap.Error(err))
	}
}

func authMiddleware(jwtSecret string, logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr := r.Header.Get("Authorization")
			if tokenStr == "" {
				logger.Error("Missing authorization token")
				http.Error(w, "Missing token", http.StatusUnauthorized)
				return
			}
			if len(tokenStr) > 7 && tokenStr[:7] == "Bearer " {
				tokenStr = tokenStr[7:]
			}
			token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				return []byte(jwtSecret), nil
			})
			if err != nil || !token.Valid {
				logger.Error("Invalid JWT token", zap.Error(err))
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
