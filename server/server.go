package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
)

const (
	recentMatchesLimit = 20
	topScoresLimit     = 10
	statsWindow        = 24 * time.Hour
)

// Server holds what the HTTP routes need.
type Server struct {
	ctx            context.Context
	hub            *Hub
	registry       *Registry
	auth           *Auth
	db             *DB // optional
	analytics      *Analytics
	publicURL      string
	allowedOrigins []string
}

func extractIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // Non-browser clients don't send Origin
			}
			if slices.Contains(s.allowedOrigins, "*") || slices.Contains(s.allowedOrigins, origin) {
				return true
			}
			u, err := url.Parse(origin)
			if err != nil {
				return false
			}
			return u.Host == r.Host
		},
	}
}

// Routes configures HTTP routes
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	up := s.upgrader()

	mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
		ip := extractIP(r)
		if !s.hub.CanAccept(ip) {
			http.Error(w, "too many connections", http.StatusServiceUnavailable)
			return
		}

		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			log.Warn().Err(err).Str("ip", ip).Msg("upgrade error")
			return
		}

		s.hub.TrackConnect(ip)

		client := NewClient(uuid.NewString(), s.hub, conn, ip, r.URL.Query().Get("codec"))
		s.hub.Register(client)

		go client.WritePump()
		go client.ReadPump(s.ctx)
	})

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":   "ok",
			"sessions": s.registry.Count(),
			"clients":  s.hub.ClientCount(),
		})
	})

	mux.HandleFunc("GET /invite/{file}", func(w http.ResponseWriter, r *http.Request) {
		code, ok := strings.CutSuffix(r.PathValue("file"), ".png")
		if !ok {
			http.NotFound(w, r)
			return
		}
		code = strings.ToUpper(code)
		if s.registry.Get(code) == nil {
			http.NotFound(w, r)
			return
		}
		png, err := inviteQR(s.publicURL, code)
		if err != nil {
			log.Error().Err(err).Str("session_id", code).Msg("render invite QR")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		w.Write(png)
	})

	mux.Handle("GET /api/sessions", s.auth.Middleware(http.HandlerFunc(s.handleSessions)))
	mux.Handle("GET /api/stats", s.auth.Middleware(http.HandlerFunc(s.handleStats)))

	return cors.New(cors.Options{
		AllowedOrigins: s.allowedOrigins,
		AllowedMethods: []string{http.MethodGet},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}).Handler(mux)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.registry.Sessions()
	infos := make([]SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, sess.Info())
	}
	slices.SortFunc(infos, func(a, b SessionInfo) int { return a.CreatedAt.Compare(b.CreatedAt) })
	writeJSON(w, http.StatusOK, infos)
}

// StatsResponse is the body of GET /api/stats.
type StatsResponse struct {
	Sessions      int            `json:"sessions"`
	Clients       int            `json:"clients"`
	Connections   int            `json:"connections"`
	Matches       int            `json:"matches"`
	Events24h     map[string]int `json:"events24h"`
	RecentMatches []MatchRecord  `json:"recentMatches"`
	TopScores     []PlayerResult `json:"topScores"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{
		Sessions:      s.registry.Count(),
		Clients:       s.hub.ClientCount(),
		Connections:   s.hub.TotalConns(),
		Events24h:     map[string]int{},
		RecentMatches: []MatchRecord{},
		TopScores:     []PlayerResult{},
	}
	if s.db != nil {
		var err error
		if resp.Matches, err = s.db.MatchCount(); err != nil {
			s.internalError(w, err)
			return
		}
		if resp.RecentMatches, err = s.db.RecentMatches(recentMatchesLimit); err != nil {
			s.internalError(w, err)
			return
		}
		if resp.TopScores, err = s.db.TopScores(topScoresLimit); err != nil {
			s.internalError(w, err)
			return
		}
	}
	if s.analytics != nil {
		counts, err := s.analytics.EventCounts(time.Now().Add(-statsWindow))
		if err != nil {
			s.internalError(w, err)
			return
		}
		resp.Events24h = counts
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	log.Error().Err(err).Msg("api request failed")
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("write response")
	}
}
