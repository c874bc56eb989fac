// Copyright 2016-present the fetchd authors. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See LICENSE for details.

package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/fetchd/fetchd"
)

func newTestServer(t *testing.T, cfg fetchd.Config) (*Server, fetchd.Store) {
	t.Helper()
	bus := fetchd.NewEventBus(nil)
	st := fetchd.NewInMemoryStore(bus)
	scheduler := fetchd.NewScheduler(st, bus, nil)
	return New(scheduler, st, bus, cfg), st
}

func postForm(srv *Server, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/schedule.json", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.RemoteAddr = "10.0.0.1:50000"
	w := httptest.NewRecorder()
	srv.handleSchedule(w, req)
	return w
}

func TestHandleSchedule(t *testing.T) {
	srv, st := newTestServer(t, fetchd.Config{})

	w := postForm(srv, url.Values{
		"fetch_uri":    {"http://x/a.png"},
		"callback_uri": {"http://cb"},
	})
	if have, want := w.Code, http.StatusOK; have != want {
		t.Fatalf("status = %d, want %d", have, want)
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response is not valid JSON: %v", err)
	}
	if have, want := resp["status"], "ok"; have != want {
		t.Fatalf("status = %q, want %q", have, want)
	}
	jobID, ok := resp["job_id"].(string)
	if !ok || jobID == "" {
		t.Fatalf("expected a job_id, have %v", resp["job_id"])
	}

	task, err := st.Lookup(jobID)
	if err != nil {
		t.Fatalf("Lookup failed with %v", err)
	}
	if have, want := task.FetchURI, "http://x/a.png"; have != want {
		t.Fatalf("FetchURI = %q, want %q", have, want)
	}
	var settings map[string]string
	if err := json.Unmarshal(task.Settings, &settings); err != nil {
		t.Fatalf("settings are not valid JSON: %v", err)
	}
	if have, want := settings["callback_uri"], "http://cb"; have != want {
		t.Fatalf("callback_uri = %q, want %q", have, want)
	}
	if have, want := settings["client_uri"], "10.0.0.1"; have != want {
		t.Fatalf("client_uri = %q, want %q", have, want)
	}
}

func TestHandleScheduleMissingFields(t *testing.T) {
	srv, _ := newTestServer(t, fetchd.Config{})

	tests := []struct {
		form    url.Values
		message string
	}{
		{url.Values{"callback_uri": {"http://cb"}}, "Given message has no fetch_uri value."},
		{url.Values{"fetch_uri": {"http://x/a.png"}}, "Given message has no callback_uri value."},
	}
	for _, tt := range tests {
		w := postForm(srv, tt.form)
		if have, want := w.Code, http.StatusBadRequest; have != want {
			t.Fatalf("status = %d, want %d", have, want)
		}
		var resp map[string]interface{}
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatal(err)
		}
		if have, want := resp["message"], tt.message; have != want {
			t.Fatalf("message = %q, want %q", have, want)
		}
	}
}

func TestHandleScheduleMethodNotAllowed(t *testing.T) {
	srv, _ := newTestServer(t, fetchd.Config{})

	req := httptest.NewRequest(http.MethodGet, "/schedule.json", nil)
	w := httptest.NewRecorder()
	srv.handleSchedule(w, req)
	if have, want := w.Code, http.StatusMethodNotAllowed; have != want {
		t.Fatalf("status = %d, want %d", have, want)
	}
}

func TestHandleScheduleUntrustedClient(t *testing.T) {
	srv, _ := newTestServer(t, fetchd.Config{
		TrustedClients: []string{"192.168.0.1"},
	})

	w := postForm(srv, url.Values{
		"fetch_uri":    {"http://x/a.png"},
		"callback_uri": {"http://cb"},
	})
	if have, want := w.Code, http.StatusForbidden; have != want {
		t.Fatalf("status = %d, want %d", have, want)
	}
}

func TestRequestPermitted(t *testing.T) {
	srv, _ := newTestServer(t, fetchd.Config{
		TrustedClients: []string{"10.0.0.1"},
	})

	req := httptest.NewRequest(http.MethodPost, "/schedule.json", nil)
	req.RemoteAddr = "10.0.0.1:50000"
	if !srv.requestPermitted(req) {
		t.Fatal("trusted client was rejected")
	}
	req.RemoteAddr = "10.0.0.2:50000"
	if srv.requestPermitted(req) {
		t.Fatal("untrusted client was permitted")
	}
}
