// Copyright 2016-present the fetchd authors. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See LICENSE for details.

// Package server implements the HTTP request surface of fetchd: task
// submission, static serving of fetched files and a WebSocket feed of
// task-list changes.
package server

import (
	"encoding/json"
	"net"
	"net/http"
	"os"

	"github.com/fetchd/fetchd"
)

// Server is the web server in front of the task pipeline.
type Server struct {
	scheduler *fetchd.Scheduler
	st        fetchd.Store
	cfg       fetchd.Config
	nodename  string
	hub       *hub

	httpSrv *http.Server
}

// New initializes a new Server. It subscribes to bus so connected
// WebSocket clients receive the task list on every store change.
func New(scheduler *fetchd.Scheduler, st fetchd.Store, bus fetchd.EventBus, cfg fetchd.Config) *Server {
	nodename, _ := os.Hostname()
	srv := &Server{
		scheduler: scheduler,
		st:        st,
		cfg:       cfg,
		nodename:  nodename,
		hub:       newHub(),
	}
	if bus != nil {
		bus.Subscribe(fetchd.TopicTasksUpdated, func(interface{}) {
			srv.broadcastState()
		})
	}
	return srv
}

// Serve initializes the mux and starts the web server at the given address.
func (srv *Server) Serve(addr string) error {
	r := http.NewServeMux()
	r.HandleFunc("/schedule.json", srv.handleSchedule)
	r.Handle("/"+srv.cfg.StaticServePath+"/",
		http.StripPrefix("/"+srv.cfg.StaticServePath+"/", http.FileServer(http.Dir(srv.cfg.StoragePath))))
	r.Handle("/ws", wsserver{srv: srv})
	go srv.hub.run()
	srv.httpSrv = &http.Server{Addr: addr, Handler: r}
	err := srv.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the web server down.
func (srv *Server) Stop() {
	if srv.httpSrv != nil {
		srv.httpSrv.Close()
	}
}

// requestPermitted reports whether the client address is on the
// trusted list. An empty list permits everyone.
func (srv *Server) requestPermitted(r *http.Request) bool {
	if len(srv.cfg.TrustedClients) == 0 {
		return true
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	for _, trusted := range srv.cfg.TrustedClients {
		if host == trusted {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// handleSchedule accepts a new fetch task. Both fetch_uri and
// callback_uri are required; all other form fields are carried through
// to the published result as the task's opaque settings.
func (srv *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !srv.requestPermitted(r) {
		writeJSON(w, http.StatusForbidden, map[string]interface{}{
			"node_name": srv.nodename,
			"status":    "error",
			"message":   "Request not permitted, your ip address will be logged!",
		})
		return
	}
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"status": "error", "message": "cannot parse request",
		})
		return
	}
	fetchURI := r.PostFormValue("fetch_uri")
	callbackURI := r.PostFormValue("callback_uri")
	if fetchURI == "" {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"status": "error", "message": "Given message has no fetch_uri value.",
		})
		return
	}
	if callbackURI == "" {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"status": "error", "message": "Given message has no callback_uri value.",
		})
		return
	}

	clientIP, _, _ := net.SplitHostPort(r.RemoteAddr)
	settings := map[string]string{"client_uri": clientIP}
	for k := range r.PostForm {
		if k == "fetch_uri" {
			continue
		}
		settings[k] = r.PostFormValue(k)
	}
	blob, err := json.Marshal(settings)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"status": "error", "message": "cannot encode task settings",
		})
		return
	}

	task := &fetchd.Task{
		JobID:    fetchd.NewJobID(),
		FetchURI: fetchURI,
		Settings: blob,
	}
	if err := srv.scheduler.Schedule(task); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"status": "error", "message": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"node_name": srv.nodename,
		"status":    "ok",
		"job_id":    task.JobID,
	})
}

// State is the task-list snapshot pushed to WebSocket clients.
type State struct {
	Type    string         `json:"type"`
	Stats   *fetchd.Stats  `json:"stats,omitempty"`
	Pending []*fetchd.Task `json:"pending,omitempty"`
}

// broadcastState pushes the current stats and pending tasks to every
// connected WebSocket client.
func (srv *Server) broadcastState() {
	if !srv.hub.hasClients() {
		return
	}
	stats, err := srv.st.Stats()
	if err != nil {
		return
	}
	pending, err := srv.st.ListPending(0)
	if err != nil {
		return
	}
	payload, err := json.Marshal(&State{Type: "SET_STATE", Stats: stats, Pending: pending})
	if err != nil {
		return
	}
	srv.hub.broadcast <- payload
}
