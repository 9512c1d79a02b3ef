// Package api serves the read-only web dashboard: an HTML overview of
// products, seat usage and live connections, JSON endpoints for the
// same data, a health probe and the Prometheus metrics.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/altia/nlserv/internal/licence"
	"github.com/altia/nlserv/internal/log"
	"github.com/altia/nlserv/internal/seat"
)

// SeatReader is the read-only slice of the seat manager the dashboard
// needs.
type SeatReader interface {
	GetProducts(ctx context.Context) ([]string, error)
	GetConnections(ctx context.Context, product string) ([]seat.ConnectionView, error)
	TotalSeats(ctx context.Context, product string) (int, error)
	GetLicenceDetails(ctx context.Context, product string) (seat.LicenceView, error)
}

// Config configures the dashboard server.
type Config struct {
	Addr    string
	Version string
	// UserName and Password enable basic auth when both are set.
	UserName string
	Password string
}

// Server is the dashboard HTTP server.
type Server struct {
	cfg   Config
	seats SeatReader
}

// NewServer builds a dashboard server over the seat manager.
func NewServer(cfg Config, seats SeatReader) *Server {
	return &Server{cfg: cfg, seats: seats}
}

// Router assembles the route tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(httprate.LimitByIP(60, time.Minute))

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		if s.cfg.UserName != "" && s.cfg.Password != "" {
			r.Use(basicAuth(s.cfg.UserName, s.cfg.Password))
		}
		r.Get("/", s.handleIndex)
		r.Get("/api/products", s.handleProducts)
		r.Get("/api/connections", s.handleConnections)
		r.Get("/api/licence", s.handleLicence)
	})
	return r
}

// HTTPServer wraps the router in a server with sane timeouts.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.cfg.Version,
	})
}

func (s *Server) handleProducts(w http.ResponseWriter, r *http.Request) {
	products, err := s.seats.GetProducts(r.Context())
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	if products == nil {
		products = []string{}
	}
	writeJSON(w, http.StatusOK, products)
}

type connectionJSON struct {
	User       string    `json:"user"`
	Host       string    `json:"host"`
	IP         string    `json:"ip"`
	LogonTime  time.Time `json:"logonTime"`
	UpdateTime time.Time `json:"updateTime"`
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	product := r.URL.Query().Get("product")
	if product == "" {
		writeJSONError(w, http.StatusBadRequest, "missing product parameter")
		return
	}
	conns, err := s.seats.GetConnections(r.Context(), product)
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	out := make([]connectionJSON, 0, len(conns))
	for _, c := range conns {
		out = append(out, connectionJSON{
			User:       c.User,
			Host:       c.Host,
			IP:         c.IP,
			LogonTime:  c.LogonTime,
			UpdateTime: c.UpdateTime,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type licenceJSON struct {
	Company       string `json:"company"`
	Product       string `json:"product"`
	Customer      string `json:"customer"`
	Ref           string `json:"ref,omitempty"`
	Reseller      string `json:"reseller,omitempty"`
	NumberOfSeats int    `json:"numberOfSeats"`
	Date          string `json:"date,omitempty"`
}

func (s *Server) handleLicence(w http.ResponseWriter, r *http.Request) {
	product := r.URL.Query().Get("product")
	if product == "" {
		writeJSONError(w, http.StatusBadRequest, "missing product parameter")
		return
	}
	view, err := s.seats.GetLicenceDetails(r.Context(), product)
	if err != nil {
		if errors.Is(err, seat.ErrInvalidProduct) {
			writeJSONError(w, http.StatusNotFound, "unknown product")
			return
		}
		s.serverError(w, r, err)
		return
	}
	out := licenceJSON{
		Company:       view.Company,
		Product:       view.Product,
		Customer:      view.Customer,
		Ref:           view.Ref,
		Reseller:      view.Reseller,
		NumberOfSeats: view.NumberOfSeats,
	}
	if !view.Date.IsZero() {
		out.Date = view.Date.Format(licence.DateLayout)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) serverError(w http.ResponseWriter, r *http.Request, err error) {
	logger := log.WithComponent("api")
	logger.Error().
		Err(err).
		Str("event", "api.error").
		Str("path", r.URL.Path).
		Msg("request failed")
	writeJSONError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// basicAuth guards the dashboard pages with a single credential pair.
func basicAuth(user, pass string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			u, p, ok := r.BasicAuth()
			if !ok ||
				subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 ||
				subtle.ConstantTimeCompare([]byte(p), []byte(pass)) != 1 {
				w.Header().Set("WWW-Authenticate", `Basic realm="licence server"`)
				http.Error(w, "unauthorised", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
