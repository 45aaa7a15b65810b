package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"tuneforge/logger"

	"github.com/gorilla/mux"
)

// NewRouter registers every API route on a gorilla/mux router.
func NewRouter(h *APIHandler) *mux.Router {
	router := mux.NewRouter()

	// 添加 CORS 中间件
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS, HEAD")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Range")
			w.Header().Set("Access-Control-Expose-Headers", "Content-Length, Content-Range, Retry-After")
			w.Header().Set("Access-Control-Max-Age", "86400")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	// 用户认证相关的API端点
	router.HandleFunc("/api/auth/login", h.LoginHandler).Methods(http.MethodPost)
	router.HandleFunc("/api/auth/register", h.RegisterHandler).Methods(http.MethodPost)
	router.HandleFunc("/api/user/profile", h.AuthMiddleware(h.ProfileHandler)).Methods(http.MethodGet)

	router.HandleFunc("/api/generations", h.AuthMiddleware(h.CreateGenerationHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/generations", h.AuthMiddleware(h.ListGenerationsHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/generations/{id}", h.AuthMiddleware(h.GetGenerationHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/generations/{id}", h.AuthMiddleware(h.CancelGenerationHandler)).Methods(http.MethodDelete)

	router.HandleFunc("/api/tracks", h.AuthMiddleware(h.GetTracksHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/tracks/group", h.AuthMiddleware(h.GroupTracksHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/tracks/{id:[0-9]+}", h.AuthMiddleware(h.GetTrackHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/tracks/{id:[0-9]+}", h.AuthMiddleware(h.DeleteTrackHandler)).Methods(http.MethodDelete)
	router.HandleFunc("/api/tracks/{id:[0-9]+}/master", h.AuthMiddleware(h.SetMasterHandler)).Methods(http.MethodPut)
	router.HandleFunc("/api/tracks/{id:[0-9]+}/stems", h.AuthMiddleware(h.CreateStemsHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/tracks/{id:[0-9]+}/stems", h.AuthMiddleware(h.GetStemsHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/tracks/{id:[0-9]+}/audio", h.AuthMiddleware(h.TrackAudioHandler)).Methods(http.MethodGet, http.MethodHead)

	router.HandleFunc("/api/storage/sync", h.AuthMiddleware(h.StorageSyncHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/ratelimit/{service}", h.AuthMiddleware(h.RateLimitStatusHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/lyrics", h.AuthMiddleware(h.LyricsHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/ws", h.AuthMiddleware(h.NotificationStreamHandler)).Methods(http.MethodGet)

	router.HandleFunc("/media/{key:.+}", h.AuthMiddleware(h.MediaHandler)).Methods(http.MethodGet, http.MethodHead)

	return router
}

// Run serves handler on addr until ctx is cancelled, then shuts down
// gracefully.
func Run(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("[Server] listening", logger.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("[Server] shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("[Server] stopped")
	return nil
}
