// Package server exposes the plotter host over HTTP and a websocket
// control channel: plan ingest, pause/resume/cancel, live progress
// events and pen controls for connected UIs.
//
// Copyright (C) 2026  AxiDraw Go Authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package server

import (
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"axidraw-go/pkg/errors"
	"axidraw-go/pkg/log"
	"axidraw-go/pkg/metrics"
	"axidraw-go/pkg/motion"
	"axidraw-go/pkg/supervisor"
)

// maxPlanBytes bounds the /plot request body.
const maxPlanBytes = 64 << 20

// Plotter is the supervisor surface the server drives.
type Plotter interface {
	Plot(plan *motion.Plan) (string, error)
	Pause()
	Resume()
	Cancel()
	Plotting() bool
	CurrentPlan() (*motion.Plan, string)
	SetPenHeight(pos, rate int) error
	Limp() error
}

// DeviceInfo is the payload of the dev event sent to each new client.
type DeviceInfo struct {
	Hardware        string  `json:"hardware"`
	Path            string  `json:"path"`
	FirmwareVersion string  `json:"firmwareVersion"`
	StepsPerMM      float64 `json:"stepsPerMm"`
}

// Config holds server configuration.
type Config struct {
	// Addr is the HTTP listen address (e.g. ":9080").
	Addr string

	// Plotter is the supervisor the server controls.
	Plotter Plotter

	// Events is the supervisor's broadcaster; its events forward to
	// every websocket client.
	Events *supervisor.Broadcaster

	// Device describes the connected plotter for the dev event.
	Device DeviceInfo
}

// Server is the HTTP and websocket front end.
type Server struct {
	plotter Plotter
	events  *supervisor.Broadcaster
	device  DeviceInfo

	httpServer *http.Server
	addr       string

	wsUpgrader websocket.Upgrader
	wsClients  map[int64]*wsClient
	wsClientMu sync.RWMutex
	nextWSID   int64

	running atomic.Bool
	logger  *log.Logger
}

// New creates a server over the given plotter.
func New(cfg Config) *Server {
	s := &Server{
		plotter:   cfg.Plotter,
		events:    cfg.Events,
		device:    cfg.Device,
		addr:      cfg.Addr,
		wsClients: make(map[int64]*wsClient),
		logger:    log.GetLogger("server"),
	}
	s.wsUpgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// The host binds to localhost; the browser UI is served
			// from the same origin or a dev server.
			return true
		},
	}
	return s
}

// Handler returns the route mux, exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/plot", s.handlePlot)
	mux.HandleFunc("/cancel", s.handleCancel)
	mux.HandleFunc("/pause", s.handlePause)
	mux.HandleFunc("/resume", s.handleResume)
	mux.HandleFunc("/plot/status", s.handleStatus)
	mux.HandleFunc("/debug/metrics", s.handleMetrics)
	mux.HandleFunc("/ws", s.handleWebSocket)
	return mux
}

// Start runs the HTTP server and the event forwarding pump. It blocks
// until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}
	s.running.Store(true)

	if s.events != nil {
		ch, unsub := s.events.Subscribe()
		go func() {
			defer unsub()
			for ev := range ch {
				s.broadcast(ev)
			}
		}()
	}

	s.logger.Info("listening on %s", s.addr)
	err := s.httpServer.ListenAndServe()
	s.running.Store(false)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the HTTP server and closes every websocket client.
func (s *Server) Shutdown() {
	if s.httpServer != nil {
		s.httpServer.Close()
	}
	s.wsClientMu.Lock()
	for _, c := range s.wsClients {
		c.close()
	}
	s.wsClientMu.Unlock()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// handlePlot ingests a serialised plan and starts plotting it.
func (s *Server) handlePlot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPlanBytes))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "read body"})
		return
	}
	var plan motion.Plan
	if err := json.Unmarshal(body, &plan); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	jobID, err := s.plotter.Plot(&plan)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"jobId": jobID})
	case errors.Is(err, errors.ErrPlotInProgress):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.plotter.Cancel()
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.plotter.Pause()
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.plotter.Resume()
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	_, jobID := s.plotter.CurrentPlan()
	writeJSON(w, http.StatusOK, map[string]any{
		"plotting": s.plotter.Plotting(),
		"jobId":    jobID,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	io.WriteString(w, metrics.Plotter().Gather())
}

// wsClient is one connected websocket control client.
type wsClient struct {
	id        int64
	conn      *websocket.Conn
	send      chan supervisor.Event
	closeOnce sync.Once
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		close(c.send)
		c.conn.Close()
	})
}

// handleWebSocket upgrades a control channel client and runs its
// read/write pumps. New clients immediately receive the device info
// and, when a plot is underway, the active plan.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}

	client := &wsClient{
		id:   atomic.AddInt64(&s.nextWSID, 1),
		conn: conn,
		send: make(chan supervisor.Event, 64),
	}
	s.wsClientMu.Lock()
	s.wsClients[client.id] = client
	s.wsClientMu.Unlock()

	client.send <- supervisor.Event{C: "dev", P: s.device}
	client.send <- supervisor.Event{C: "svgio-enabled", P: false}
	if plan, _ := s.plotter.CurrentPlan(); plan != nil {
		client.send <- supervisor.Event{C: "plan", P: plan}
	}

	go s.writePump(client)
	s.readPump(client)
}

func (s *Server) removeClient(c *wsClient) {
	s.wsClientMu.Lock()
	if _, ok := s.wsClients[c.id]; ok {
		delete(s.wsClients, c.id)
		c.close()
	}
	s.wsClientMu.Unlock()
}

// broadcast queues an event on every client, dropping it for clients
// whose send buffer is full.
func (s *Server) broadcast(ev supervisor.Event) {
	s.wsClientMu.RLock()
	defer s.wsClientMu.RUnlock()
	for _, c := range s.wsClients {
		select {
		case c.send <- ev:
		default:
		}
	}
}

func (s *Server) writePump(c *wsClient) {
	for ev := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteJSON(ev); err != nil {
			s.removeClient(c)
			return
		}
	}
}

// controlMessage is the inbound client message shape.
type controlMessage struct {
	C string          `json:"c"`
	P json.RawMessage `json:"p"`
}

type setPenHeightPayload struct {
	Height int `json:"height"`
	Rate   int `json:"rate"`
}

func (s *Server) readPump(c *wsClient) {
	defer s.removeClient(c)
	for {
		var msg controlMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.C {
		case "ping":
			select {
			case c.send <- supervisor.Event{C: "pong"}:
			default:
			}
		case "limp":
			if err := s.plotter.Limp(); err != nil {
				s.logger.WithError(err).Warn("limp rejected")
			}
		case "setPenHeight":
			var p setPenHeightPayload
			if err := json.Unmarshal(msg.P, &p); err != nil {
				s.logger.Warn("malformed setPenHeight payload")
				continue
			}
			if err := s.plotter.SetPenHeight(p.Height, p.Rate); err != nil {
				s.logger.WithError(err).Warn("setPenHeight rejected")
			}
		default:
			s.logger.Warn("unknown control message %q", msg.C)
		}
	}
}
