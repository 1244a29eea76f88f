package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"calnotify/internal/domain"
)

// SuccessMessage is shown to the user once their account is linked.
const SuccessMessage = "認証が完了しました。このウィンドウを閉じてください。"

type StateStore interface {
	ConsumeState(ctx context.Context, state string) (userID string, ok bool, err error)
}

type TokenSaver interface {
	SaveToken(ctx context.Context, tok domain.Token) error
}

type Exchanger interface {
	Exchange(ctx context.Context, userID, code string) (domain.Token, error)
}

// Server serves the OAuth redirect endpoint.
type Server struct {
	states    StateStore
	tokens    TokenSaver
	exchanger Exchanger
	addr      string
}

func New(states StateStore, tokens TokenSaver, exchanger Exchanger, addr string) *Server {
	return &Server{
		states:    states,
		tokens:    tokens,
		exchanger: exchanger,
		addr:      addr,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /oauth/callback", s.handleCallback)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.addr).Msg("Starting callback server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("callback server failed: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down callback server: %w", err)
		}
		log.Info().Msg("Callback server stopped")
		return nil
	}
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		log.Warn().Str("error", e).Msg("Authorization denied")
		http.Error(w, "Authorization denied", http.StatusBadRequest)
		return
	}

	code, state := q.Get("code"), q.Get("state")
	if code == "" || state == "" {
		http.Error(w, "Missing code or state", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	userID, ok, err := s.states.ConsumeState(ctx, state)
	if err != nil {
		log.Error().Err(err).Msg("Failed to look up OAuth state")
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "Invalid or expired state", http.StatusBadRequest)
		return
	}

	tok, err := s.exchanger.Exchange(ctx, userID, code)
	if err != nil {
		log.Error().Err(err).Str("user", userID).Msg("Token exchange failed")
		http.Error(w, "Token exchange failed", http.StatusInternalServerError)
		return
	}
	if err := s.tokens.SaveToken(ctx, tok); err != nil {
		log.Error().Err(err).Str("user", userID).Msg("Failed to save token")
		http.Error(w, "Failed to save token", http.StatusInternalServerError)
		return
	}

	log.Info().Str("user", userID).Msg("Account linked")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if _, err := w.Write([]byte(SuccessMessage)); err != nil {
		log.Warn().Err(err).Msg("Failed to write callback response")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprint(w, "ok")
}
