package wsfeed

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"voicedialer/internal/config"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The feed is token-gated; origin is not the access control.
		return true
	},
}

type claims struct {
	Subject string `json:"sub_name"`
	jwt.RegisteredClaims
}

// Server exposes the monitor feed: POST /token exchanges the shared
// password for a JWT, GET /feed upgrades token holders to the live
// websocket stream.
type Server struct {
	hub    *Hub
	cfg    config.MonitorConfig
	logger zerolog.Logger
	http   *http.Server
}

func NewServer(hub *Hub, cfg config.MonitorConfig, logger zerolog.Logger) *Server {
	s := &Server{hub: hub, cfg: cfg, logger: logger}
	mux := http.NewServeMux()
	mux.HandleFunc("/token", s.handleToken)
	mux.HandleFunc("/feed", s.handleFeed)
	s.http = &http.Server{
		Addr:         cfg.Address(),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Run serves until the context ends.
func (s *Server) Run(ctx context.Context) error {
	go s.hub.Run()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.http.Shutdown(shutdownCtx)
	}()
	s.logger.Info().Str("addr", s.cfg.Address()).Msg("monitor feed listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// handleToken issues a 24h JWT after verifying the monitor password
// against the configured bcrypt hash.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Name     string `json:"name"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(s.cfg.PasswordHash), []byte(body.Password)); err != nil {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &claims{
		Subject: body.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
			Issuer:    "voicedialer",
		},
	})
	signed, err := token.SignedString([]byte(s.cfg.TokenSecret))
	if err != nil {
		s.logger.Error().Err(err).Msg("token signing failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"token": signed})
}

// handleFeed upgrades an authenticated request to the live stream.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &client{hub: s.hub, conn: conn, send: make(chan []byte, 256)}
	s.hub.register <- c
	go c.writePump()
	go c.readPump()
}

// authorized accepts the token from the Authorization header or, for
// browser websocket clients that cannot set headers, a query parameter.
func (s *Server) authorized(r *http.Request) bool {
	tokenStr := ""
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.Split(header, " ")
		if len(parts) == 2 && parts[0] == "Bearer" {
			tokenStr = parts[1]
		}
	}
	if tokenStr == "" {
		tokenStr = r.URL.Query().Get("token")
	}
	if tokenStr == "" {
		return false
	}

	token, err := jwt.ParseWithClaims(tokenStr, &claims{}, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(s.cfg.TokenSecret), nil
	})
	return err == nil && token.Valid
}
