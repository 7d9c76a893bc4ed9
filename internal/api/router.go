package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"gwi.com/persona-assistant/internal/observability"
)

// NewRouter builds the HTTP surface. requestTimeout cancels each request's
// context; it should exceed the backend timeout so chat turns can finish.
func NewRouter(apiHandler *APIHandler, allowedOrigins []string, requestTimeout time.Duration) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)
	r.Use(middleware.Timeout(requestTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", apiHandler.HealthHandler)

	r.Route("/user", func(r chi.Router) {
		r.Post("/", apiHandler.CreateUserHandler)
		r.Get("/{userID}", apiHandler.GetUserHandler)
		r.Put("/{userID}", apiHandler.UpdateUserHandler)
		r.Delete("/{userID}", apiHandler.DeleteUserHandler)
	})

	r.Route("/doc", func(r chi.Router) {
		r.Post("/", apiHandler.CreateDocumentsHandler)
		r.Get("/", apiHandler.DocumentStatsHandler)
		r.Get("/{docID}", apiHandler.GetDocumentHandler)
		r.Put("/{docID}", apiHandler.UpdateDocumentHandler)
		r.Delete("/{docID}", apiHandler.DeleteDocumentHandler)
	})
	r.Get("/doc-all", apiHandler.ListDocumentsHandler)
	r.Delete("/doc-all", apiHandler.ClearDocumentsHandler)

	r.Route("/bot", func(r chi.Router) {
		r.Post("/", apiHandler.CreateBotHandler)
		r.Get("/{botID}", apiHandler.GetBotHandler)
		r.Put("/{botID}", apiHandler.UpdateBotHandler)
		r.Delete("/{botID}", apiHandler.DeleteBotHandler)

		r.Post("/{botID}/chat/{userID}", apiHandler.ChatHandler)
		r.Get("/{botID}/chat/{userID}", apiHandler.ChatHistoryHandler)
	})

	return r
}

// requestLogger tags the request context with chi's request id and logs one
// line per request once it completes.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if id := middleware.GetReqID(ctx); id != "" {
			ctx = observability.WithRequestID(ctx, id)
			r = r.WithContext(ctx)
		}

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			observability.LoggerFromContext(ctx).Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}
