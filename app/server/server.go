// Package server provides a web API for spam classification. The model is
// trained once before the server starts and never changes, so handlers read
// it without synchronization.
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

	"github.com/didip/tollbooth/v8"
	cache "github.com/go-pkgz/expirable-cache/v3"
	"github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/routegroup"

	"github.com/akudrin/mailsieve/app/storage"
	"github.com/akudrin/mailsieve/lib/classifier"
)

// Classifier is a trained model interface used by the server.
type Classifier interface {
	Predict(text string) (classifier.Label, error)
	Info() classifier.Info
}

// Recorder persists classification decisions.
type Recorder interface {
	Add(ctx context.Context, text string, verdict classifier.Label) error
	Counts(ctx context.Context) (spam, ham int, err error)
	Last(ctx context.Context, limit int) ([]storage.Detection, error)
}

// Server is a web API server classifying one message per request.
type Server struct {
	Config
	cache cache.Cache[string, classifier.Label]
}

// Config defines server parameters.
type Config struct {
	Version    string     // version to show in app-info header
	ListenAddr string     // listen address
	Model      Classifier // trained model, required
	Detections Recorder   // detections storage, nil disables persistence
	AuditLog   io.Writer  // json-lines audit of classifications, nil disables
}

// NewServer creates a new web API server.
func NewServer(config Config) *Server {
	return &Server{
		Config: config,
		cache:  cache.NewCache[string, classifier.Label]().WithMaxKeys(10000).WithTTL(5 * time.Minute),
	}
}

// Run starts the server and accepts classification requests until the
// context is canceled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.ListenAddr, Handler: s.router(), ReadTimeout: 5 * time.Second, WriteTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("[WARN] failed to shutdown server: %v", err)
		} else {
			log.Printf("[INFO] server stopped")
		}
	}()

	log.Printf("[INFO] start server on %s", s.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to run server: %w", err)
	}
	return nil
}

func (s *Server) router() http.Handler {
	router := routegroup.New(http.NewServeMux())
	router.Use(rest.Recoverer(lgr.Default()))
	router.Use(rest.AppInfo("mailsieve", "akudrin", s.Version), rest.Ping)
	router.Use(tollbooth.HTTPMiddleware(tollbooth.NewLimiter(50, nil)))
	router.Use(rest.SizeLimit(1024 * 1024)) // 1M max request size

	router.HandleFunc("POST /classify", s.classifyHandler)
	router.HandleFunc("GET /stats", s.statsHandler)
	router.HandleFunc("GET /detections", s.detectionsHandler)
	return router
}

// classifyHandler handles POST /classify. The raw request body is the
// message, passed to the model verbatim; the response is a json object with
// a single "classification" field holding the verdict.
func (s *Server) classifyHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		rest.RenderJSON(w, rest.JSON{"error": "can't read request body", "details": err.Error()})
		return
	}

	text := string(body)
	verdict, found := s.cache.Get(text)
	if !found {
		if verdict, err = s.Model.Predict(text); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			rest.RenderJSON(w, rest.JSON{"error": "can't classify message", "details": err.Error()})
			return
		}
		s.cache.Set(text, verdict, 0)
	}

	s.record(r.Context(), text, verdict)
	rest.RenderJSON(w, rest.JSON{"classification": verdict})
}

// statsHandler handles GET /stats, returns model info and detection counts.
func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	res := rest.JSON{"model": s.Model.Info()}
	if s.Detections != nil {
		spam, ham, err := s.Detections.Counts(r.Context())
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			rest.RenderJSON(w, rest.JSON{"error": "can't get detection counts", "details": err.Error()})
			return
		}
		res["detections"] = rest.JSON{"spam": spam, "ham": ham}
	}
	rest.RenderJSON(w, res)
}

// detectionsHandler handles GET /detections, returns recent decisions.
func (s *Server) detectionsHandler(w http.ResponseWriter, r *http.Request) {
	if s.Detections == nil {
		w.WriteHeader(http.StatusNotFound)
		rest.RenderJSON(w, rest.JSON{"error": "detections storage disabled"})
		return
	}
	last, err := s.Detections.Last(r.Context(), 100)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		rest.RenderJSON(w, rest.JSON{"error": "can't get detections", "details": err.Error()})
		return
	}
	rest.RenderJSON(w, rest.JSON{"detections": last})
}

// record writes the decision to the audit log and the detections storage.
// Both are best-effort, failures are logged and don't fail the request.
func (s *Server) record(ctx context.Context, text string, verdict classifier.Label) {
	if s.Detections != nil {
		if err := s.Detections.Add(ctx, text, verdict); err != nil {
			log.Printf("[WARN] can't save detection, %v", err)
		}
	}

	if s.AuditLog == nil {
		return
	}
	m := struct {
		TimeStamp string `json:"ts"`
		Text      string `json:"text"`
		Verdict   string `json:"verdict"`
	}{
		TimeStamp: time.Now().In(time.Local).Format(time.RFC3339),
		Text:      strings.TrimSpace(strings.ReplaceAll(text, "\n", " ")),
		Verdict:   string(verdict),
	}
	line, err := json.Marshal(&m)
	if err != nil {
		log.Printf("[WARN] can't marshal audit record, %v", err)
		return
	}
	if _, err := s.AuditLog.Write(append(line, '\n')); err != nil {
		log.Printf("[WARN] can't write to audit log, %v", err)
	}
}
