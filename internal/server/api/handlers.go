// Package api binds the repository operations to HTTP. Every operation is
// POST /api/users/{userID}/{method} with a JSON request body and answers
// with an omrs.Response envelope.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/go-hclog"

	"github.com/systemshift/omrs/internal/server/cohort"
	"github.com/systemshift/omrs/internal/server/repository"
	"github.com/systemshift/omrs/internal/server/subscriptions"
	"github.com/systemshift/omrs/internal/server/typedefs"
	"github.com/systemshift/omrs/pkg/omrs"
)

// DelegatingUserHeader carries the user a caller acts for. It is passed
// through to the request context untouched.
const DelegatingUserHeader = "delegatingUserID"

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 32 << 20

// Config holds the HTTP server dependencies. Cohorts and Subscriptions
// may be nil; their operations then answer FUNCTION_NOT_SUPPORTED.
type Config struct {
	Repository    *repository.Repository
	Types         *typedefs.Registry
	Cohorts       *cohort.Manager
	Subscriptions *subscriptions.Manager
	Logger        hclog.Logger
}

// Server holds the HTTP server dependencies
type Server struct {
	repo    *repository.Repository
	types   *typedefs.Registry
	cohorts *cohort.Manager
	subMgr  *subscriptions.Manager
	logger  hclog.Logger
	methods map[string]method
}

// method runs one operation on a decoded request body.
type method func(ctx context.Context, userID string, body []byte) (any, error)

// New creates a new API server
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	s := &Server{
		repo:    cfg.Repository,
		types:   cfg.Types,
		cohorts: cfg.Cohorts,
		subMgr:  cfg.Subscriptions,
		logger:  cfg.Logger.Named("api"),
	}
	s.methods = s.operations()
	return s
}

// Routes returns the router of the server.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.HealthCheck)

	r.Route("/api", func(r chi.Router) {
		r.Post("/users/{userID}/{method}", s.Invoke)

		r.Post("/subscriptions", s.CreateSubscription)
		r.Get("/subscriptions", s.ListSubscriptions)
		r.Get("/subscriptions/{id}", s.GetSubscription)
		r.Patch("/subscriptions/{id}", s.UpdateSubscription)
		r.Delete("/subscriptions/{id}", s.DeleteSubscription)
	})
	return r
}

// Methods lists the operation names the server answers.
func (s *Server) Methods() []string {
	names := make([]string, 0, len(s.methods))
	for name := range s.methods {
		names = append(names, name)
	}
	return names
}

type delegatingUserKey struct{}

// DelegatingUser returns the delegating user of the request, if any.
func DelegatingUser(ctx context.Context) string {
	v, _ := ctx.Value(delegatingUserKey{}).(string)
	return v
}

// Invoke handles POST /api/users/{userID}/{method}
func (s *Server) Invoke(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	name := chi.URLParam(r, "method")
	start := time.Now()

	op, ok := s.methods[name]
	if !ok {
		s.writeError(w, omrs.Errorf(omrs.KindFunctionNotSupported, "OMRS-API-501-001",
			"method %s is not supported by this server", name))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, omrs.Errorf(omrs.KindInvalidParameter, "OMRS-API-400-002",
			"unable to read the request body: %s", err.Error()).WithCause(err))
		return
	}

	ctx := r.Context()
	if delegate := r.Header.Get(DelegatingUserHeader); delegate != "" {
		ctx = context.WithValue(ctx, delegatingUserKey{}, delegate)
	}

	result, err := op(ctx, userID, body)
	if err != nil {
		s.logger.Debug("operation failed", "method", name, "user", userID,
			"kind", omrs.KindOf(err), "error", err, "duration", time.Since(start))
		s.writeError(w, err)
		return
	}
	s.logger.Trace("operation done", "method", name, "user", userID, "duration", time.Since(start))

	resp, err := omrs.ResultResponse(result)
	if err != nil {
		s.writeError(w, omrs.Errorf(omrs.KindRepositoryError, "OMRS-API-500-001",
			"unable to encode the result of %s", name).WithCause(err))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	resp := omrs.ErrorResponse(err)
	if resp.ErrorKind == string(omrs.KindRepositoryError) {
		s.logger.Error("repository error", "error", err)
	}
	writeJSON(w, resp.RelatedHTTPCode, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// decode reads a request body into T. An empty body is the zero request.
func decode[T any](body []byte) (T, error) {
	var req T
	if len(body) == 0 {
		return req, nil
	}
	if err := json.Unmarshal(body, &req); err != nil {
		var syntax *json.SyntaxError
		var typ *json.UnmarshalTypeError
		msg := err.Error()
		if errors.As(err, &syntax) || errors.As(err, &typ) {
			msg = "malformed request body: " + msg
		}
		return req, omrs.Errorf(omrs.KindInvalidParameter, "OMRS-API-400-001", "%s", msg).WithCause(err)
	}
	return req, nil
}

// call adapts an operation that returns a result.
func call[Req, Res any](fn func(ctx context.Context, userID string, req Req) (Res, error)) method {
	return func(ctx context.Context, userID string, body []byte) (any, error) {
		req, err := decode[Req](body)
		if err != nil {
			return nil, err
		}
		return fn(ctx, userID, req)
	}
}

// exec adapts an operation with no result.
func exec[Req any](fn func(ctx context.Context, userID string, req Req) error) method {
	return func(ctx context.Context, userID string, body []byte) (any, error) {
		req, err := decode[Req](body)
		if err != nil {
			return nil, err
		}
		return nil, fn(ctx, userID, req)
	}
}

// HealthCheck handles GET /health
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":               "ok",
		"metadataCollectionId": s.repo.MetadataCollectionID(),
		"retainsHistory":       s.repo.RetainsHistory(),
	})
}
