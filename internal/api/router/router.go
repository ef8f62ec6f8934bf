// Package router assembles the HTTP surface.
package router

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/info-rubbish/meichu2025/internal/auth"
	"github.com/info-rubbish/meichu2025/internal/chat"
	httpmiddleware "github.com/info-rubbish/meichu2025/internal/http/middleware"
	"github.com/info-rubbish/meichu2025/internal/model"
	"github.com/info-rubbish/meichu2025/internal/user"
	"github.com/info-rubbish/meichu2025/pkg/logging"
)

// Config holds router configuration.
type Config struct {
	Logger       *logging.Logger
	Tokens       *auth.Tokens
	UserHandler  *user.Handler
	ChatHandler  *chat.Handler
	ModelHandler *model.Handler

	MetricsHandler     http.Handler
	CORSAllowedOrigins []string

	// Per-IP token bucket; zero rate disables limiting.
	RateLimitRPS   float64
	RateLimitBurst int

	// StaticDir, when set, serves a single-page app with an
	// index.html fallback for client-side routes.
	StaticDir string
}

// New creates a new Chi router with all routes configured.
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}
	if cfg.RateLimitRPS > 0 {
		r.Use(httpmiddleware.RateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst))
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	r.Route("/api", func(api chi.Router) {
		api.Route("/auth", func(r chi.Router) {
			r.Post("/register", cfg.UserHandler.Register)
			r.Post("/login", cfg.UserHandler.Login)
		})

		api.Group(func(authed chi.Router) {
			authed.Use(auth.Middleware(cfg.Tokens))

			authed.Route("/user", func(r chi.Router) {
				r.Get("/", cfg.UserHandler.Profile)
				r.Patch("/", cfg.UserHandler.UpdateProfile)
				r.Get("/tools", cfg.UserHandler.ListTools)
				r.Put("/tools/{name}", cfg.UserHandler.PutToolConfig)
			})

			authed.Route("/chat", func(r chi.Router) {
				r.Post("/", cfg.ChatHandler.Create)
				r.Get("/", cfg.ChatHandler.List)
				r.Get("/events", cfg.ChatHandler.StreamEvents)
				r.Handle("/ws", cfg.ChatHandler.WSEvents())
				r.Route("/{chatID}", func(r chi.Router) {
					r.Get("/", cfg.ChatHandler.Get)
					r.Patch("/", cfg.ChatHandler.Rename)
					r.Delete("/", cfg.ChatHandler.Delete)
					r.Get("/message", cfg.ChatHandler.Messages)
					r.Post("/message", cfg.ChatHandler.PostMessage)
					r.Post("/cancel", cfg.ChatHandler.CancelTurn)
				})
			})

			authed.Route("/model", func(r chi.Router) {
				r.Get("/", cfg.ModelHandler.List)
				r.Get("/{modelID}", cfg.ModelHandler.Get)
				r.Put("/{modelID}", cfg.ModelHandler.Put)
			})
		})
	})

	if cfg.StaticDir != "" {
		r.NotFound(spaHandler(cfg.StaticDir))
	}
	return r
}

// spaHandler serves files from dir, falling back to index.html for
// paths without an extension so client-side routing works.
func spaHandler(dir string) http.HandlerFunc {
	fileServer := http.FileServer(http.Dir(dir))
	return func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") {
			http.NotFound(w, r)
			return
		}
		path := filepath.Join(dir, filepath.Clean("/"+r.URL.Path))
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			fileServer.ServeHTTP(w, r)
			return
		}
		http.ServeFile(w, r, filepath.Join(dir, "index.html"))
	}
}
