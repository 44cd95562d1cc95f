// Package server is the HTTP surface: a websocket endpoint feeding the
// collaboration coordinator and a small JSON API for pad administration.
package server

import (
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/ottopad/ottopad/internal/collab"
	"github.com/ottopad/ottopad/internal/pad"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

type Server struct {
	cfg     Config
	logger  *log.Logger
	pads    *pad.Manager
	coord   *collab.Coordinator
	checker *Checker
	router  *mux.Router
}

func New(cfg Config, logger *log.Logger, pads *pad.Manager, coord *collab.Coordinator, checker *Checker) *Server {
	s := &Server{
		cfg:     cfg,
		logger:  logger,
		pads:    pads,
		coord:   coord,
		checker: checker,
	}
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.healthz).Methods("GET")
	r.HandleFunc("/p/{pad}/ws", s.ws).Methods("GET")
	r.HandleFunc("/api/session", s.createSession).Methods("POST")
	r.HandleFunc("/api/pads", s.listPads).Methods("GET")
	r.HandleFunc("/api/pads/{pad}", s.createPad).Methods("POST")
	r.HandleFunc("/api/pads/{pad}", s.deletePad).Methods("DELETE")
	r.HandleFunc("/api/pads/{pad}/copy", s.copyPad).Methods("POST")
	r.HandleFunc("/api/pads/{pad}/text", s.getText).Methods("GET")
	r.HandleFunc("/api/pads/{pad}/text", s.setText).Methods("POST")
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) ListenAndServe() error {
	s.logger.Printf("listening on %s", s.cfg.Addr)
	return http.ListenAndServe(s.cfg.Addr, s)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ws upgrades the connection and hands it to the coordinator. The session
// cookie, when present, lets the access check skip the token mapping.
func (s *Server) ws(w http.ResponseWriter, r *http.Request) {
	padID := mux.Vars(r)["pad"]
	if !pad.ValidPadID(padID) && !pad.IsReadOnlyID(padID) {
		http.Error(w, "invalid pad id", http.StatusBadRequest)
		return
	}
	sessionCookie := ""
	if c, err := r.Cookie("session"); err == nil {
		sessionCookie = c.Value
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("ws upgrade: %v", err)
		return
	}
	client := newClient(conn)
	session := s.coord.Connect(client, remoteIP(r), sessionCookie)
	client.interact(s.coord, session)
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// createSession exchanges a client token for a signed session cookie value.
func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || !tokenPattern.MatchString(body.Token) {
		writeError(w, http.StatusBadRequest, "invalid token")
		return
	}
	authorID, err := s.pads.Authors.CreateAuthorIfNotExistsFor(r.Context(), body.Token, "")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "creating author")
		return
	}
	signed, err := s.checker.SignSession(authorID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "signing session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session": signed, "authorId": authorID})
}

func (s *Server) listPads(w http.ResponseWriter, r *http.Request) {
	ids, err := s.pads.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing pads")
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"padIDs": ids})
}

func (s *Server) createPad(w http.ResponseWriter, r *http.Request) {
	padID := mux.Vars(r)["pad"]
	var body struct {
		Text     string `json:"text"`
		Password string `json:"password"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body")
			return
		}
	}
	text := body.Text
	if text == "" {
		text = s.cfg.DefaultPadText
	}
	p, err := s.pads.Create(r.Context(), padID, text)
	if errors.Is(err, pad.ErrPadExists) {
		writeError(w, http.StatusConflict, "pad already exists")
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Password != "" {
		if err := p.SetPasswordHash(r.Context(), HashPassword(body.Password)); err != nil {
			writeError(w, http.StatusInternalServerError, "storing password")
			return
		}
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"padID": padID, "rev": p.Head()})
}

func (s *Server) deletePad(w http.ResponseWriter, r *http.Request) {
	padID := mux.Vars(r)["pad"]
	err := s.coord.RemovePad(padID)
	if errors.Is(err, pad.ErrNoSuchPad) {
		writeError(w, http.StatusNotFound, "no such pad")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"padID": padID})
}

// copyPad clones a pad; ?history=false drops the revision log and keeps
// only the current attributed text.
func (s *Server) copyPad(w http.ResponseWriter, r *http.Request) {
	srcID := mux.Vars(r)["pad"]
	dstID := r.URL.Query().Get("dest")
	if dstID == "" {
		writeError(w, http.StatusBadRequest, "missing dest")
		return
	}
	var (
		p   *pad.Pad
		err error
	)
	if r.URL.Query().Get("history") == "false" {
		p, err = s.pads.CopyWithoutHistory(r.Context(), srcID, dstID, "")
	} else {
		p, err = s.pads.Copy(r.Context(), srcID, dstID)
	}
	switch {
	case errors.Is(err, pad.ErrNoSuchPad):
		writeError(w, http.StatusNotFound, "no such pad")
	case errors.Is(err, pad.ErrPadExists):
		writeError(w, http.StatusConflict, "destination already exists")
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]interface{}{"padID": dstID, "rev": p.Head()})
	}
}

func (s *Server) getText(w http.ResponseWriter, r *http.Request) {
	padID := mux.Vars(r)["pad"]
	p, err := s.pads.GetIfExists(r.Context(), padID)
	if errors.Is(err, pad.ErrNoSuchPad) {
		writeError(w, http.StatusNotFound, "no such pad")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"padID": padID, "text": p.Text(), "rev": p.Head()})
}

func (s *Server) setText(w http.ResponseWriter, r *http.Request) {
	padID := mux.Vars(r)["pad"]
	var body struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	rev, err := s.coord.SetPadText(padID, body.Text, "")
	if errors.Is(err, pad.ErrNoSuchPad) {
		writeError(w, http.StatusNotFound, "no such pad")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"padID": padID, "rev": rev})
}
