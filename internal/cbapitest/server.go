// Package cbapitest provides an in-memory Cb Defense API for tests.
//
// The fake implements the device and Live Response endpoints cbdlr uses,
// backed by a toy endpoint: a flat file map, a process table and a registry.
package cbapitest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"cbdlr/internal/config"
)

// Token is the API token the fake accepts.
const Token = "TESTKEY/TESTCONNECTOR"

const (
	devicePath = "/integrationServices/v3/device"
	cblrPath   = "/integrationServices/v3/cblr"
)

// CommandFailure is the error a command reports.
type CommandFailure struct {
	ResultType string
	ResultCode int64
	ResultDesc string
}

// Server is a fake platform.
type Server struct {
	*httptest.Server

	mu sync.Mutex

	// Devices maps device id to its deviceInfo record.
	Devices map[int64]map[string]interface{}
	// Files maps remote absolute path to content.
	Files map[string][]byte
	// Dirs holds remote directories that exist without files in them.
	Dirs map[string]bool
	// Processes is the process table.
	Processes []map[string]interface{}
	// Registry maps key path to sub-key names.
	Registry map[string][]string
	// RegistryValues maps "key\name" to a value record.
	RegistryValues map[string]map[string]interface{}
	// ProcessOutput maps a command line to the output it writes.
	ProcessOutput map[string]string
	// Failures forces a command name to fail.
	Failures map[string]CommandFailure

	// PendingPolls is how many session polls report PENDING before ACTIVE.
	PendingPolls int
	// FinalStatus replaces ACTIVE as the settled session status.
	FinalStatus string
	// PendingCommandPolls is how many command polls report "pending".
	PendingCommandPolls int
	// SessionPollStatus, when set, is the HTTP status every session poll fails with.
	SessionPollStatus int
	// KeepaliveDelay holds each keep-alive response until it elapses or the
	// client goes away.
	KeepaliveDelay time.Duration

	// Executed records command name and object in dispatch order.
	Executed []string
	// ClosedSessions records closed session ids.
	ClosedSessions []string
	// Keepalives counts keep-alive requests.
	Keepalives int

	requests     map[string]int
	sessions     map[string]*fakeSession
	commands     map[string]map[string]interface{}
	commandPolls map[string]int
	uploads      map[int64][]byte
	nextSession  int
	nextCommand  int
	nextFile     int64
}

type fakeSession struct {
	deviceID int64
	polls    int
}

// NewServer starts a fake platform and stops it when the test ends.
func NewServer(t testing.TB) *Server {
	s := &Server{
		Devices:        make(map[int64]map[string]interface{}),
		Files:          make(map[string][]byte),
		Dirs:           make(map[string]bool),
		Registry:       make(map[string][]string),
		RegistryValues: make(map[string]map[string]interface{}),
		ProcessOutput:  make(map[string]string),
		Failures:       make(map[string]CommandFailure),
		requests:       make(map[string]int),
		sessions:       make(map[string]*fakeSession),
		commands:       make(map[string]map[string]interface{}),
		commandPolls:   make(map[string]int),
		uploads:        make(map[int64][]byte),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+devicePath, s.listDevices)
	mux.HandleFunc("GET "+devicePath+"/{id}", s.getDevice)
	mux.HandleFunc("POST "+cblrPath+"/session/{device}", s.createSession)
	mux.HandleFunc("PUT "+cblrPath+"/session", s.closeSession)
	mux.HandleFunc("GET "+cblrPath+"/session/{sid}", s.getSession)
	mux.HandleFunc("GET "+cblrPath+"/session/{sid}/keepalive", s.keepalive)
	mux.HandleFunc("POST "+cblrPath+"/session/{sid}/command", s.postCommand)
	mux.HandleFunc("GET "+cblrPath+"/session/{sid}/command/{cid}", s.getCommand)
	mux.HandleFunc("POST "+cblrPath+"/session/{sid}/file", s.uploadFile)
	mux.HandleFunc("GET "+cblrPath+"/session/{sid}/file/{fid}/content", s.downloadFile)
	mux.HandleFunc("DELETE "+cblrPath+"/session/{sid}/file/{fid}", s.deleteFile)

	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Auth-Token") != Token {
			http.Error(w, `{"success":false,"message":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		s.mu.Lock()
		s.requests[r.Method+" "+r.URL.Path]++
		s.mu.Unlock()
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(s.Server.Close)
	return s
}

// Credentials returns credentials pointing at the fake.
func (s *Server) Credentials() *config.Credentials {
	return &config.Credentials{Profile: config.DefaultProfile, URL: s.URL, Token: Token, SSLVerify: true}
}

// AddDevice registers a device.
func (s *Server) AddDevice(id int64, name, os string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Devices[id] = map[string]interface{}{
		"deviceId":              id,
		"name":                  name,
		"deviceType":            os,
		"osVersion":             os + " test build",
		"status":                "REGISTERED",
		"sensorVersion":         "3.3.0.953",
		"policyName":            "Standard",
		"lastContact":           int64(1700000000000),
		"lastInternalIpAddress": "10.0.0.5",
		"lastExternalIpAddress": "203.0.113.7",
		"email":                 "analyst@example.com",
	}
}

// Requests returns how many times "METHOD /path" was requested.
func (s *Server) Requests(methodPath string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[methodPath]
}

// ExecutedCommands returns a copy of the command log.
func (s *Server) ExecutedCommands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.Executed...)
}

// Closed returns a copy of the closed session ids.
func (s *Server) Closed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ClosedSessions...)
}

// File returns remote file content.
func (s *Server) File(path string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.Files[path]
	return b, ok
}

// KeepaliveCount returns the number of keep-alive requests.
func (s *Server) KeepaliveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Keepalives
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) listDevices(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	host := r.URL.Query().Get("hostName")
	ids := make([]int64, 0, len(s.Devices))
	for id, d := range s.Devices {
		if host != "" && !strings.EqualFold(d["name"].(string), host) {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	start, _ := strconv.Atoi(r.URL.Query().Get("start"))
	if start > 0 {
		start-- // start is 1-based
	}
	rows, _ := strconv.Atoi(r.URL.Query().Get("rows"))
	if rows <= 0 {
		rows = 20
	}

	results := []map[string]interface{}{}
	for i := start; i < len(ids) && len(results) < rows; i++ {
		results = append(results, s.Devices[ids[i]])
	}
	writeJSON(w, map[string]interface{}{"success": true, "totalResults": len(ids), "results": results})
}

func (s *Server) getDevice(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, `{"success":false}`, http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	d, ok := s.Devices[id]
	s.mu.Unlock()
	if !ok {
		writeJSON(w, map[string]interface{}{"success": false, "message": "Device not found"})
		return
	}
	writeJSON(w, map[string]interface{}{"success": true, "deviceInfo": d})
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("device"), 10, 64)
	if err != nil {
		http.Error(w, "bad device id", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.Devices[id]; !ok {
		http.NotFound(w, r)
		return
	}
	s.nextSession++
	sid := fmt.Sprintf("%d:%d", s.nextSession, id)
	s.sessions[sid] = &fakeSession{deviceID: id}
	writeJSON(w, map[string]interface{}{"id": sid, "status": "PENDING", "sensor_id": id})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sid := r.PathValue("sid")
	sess, ok := s.sessions[sid]
	if !ok {
		http.NotFound(w, r)
		return
	}
	if s.SessionPollStatus != 0 {
		http.Error(w, `{"success":false,"message":"session poll failed"}`, s.SessionPollStatus)
		return
	}
	sess.polls++
	status := "ACTIVE"
	if s.FinalStatus != "" {
		status = s.FinalStatus
	}
	if sess.polls <= s.PendingPolls {
		status = "PENDING"
	}
	d := s.Devices[sess.deviceID]
	writeJSON(w, map[string]interface{}{
		"id": sid, "status": status, "sensor_id": sess.deviceID,
		"os_type": d["deviceType"], "hostname": d["name"],
	})
}

func (s *Server) keepalive(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.Keepalives++
	delay := s.KeepaliveDelay
	s.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	writeJSON(w, map[string]interface{}{"status": "ACTIVE"})
}

func (s *Server) closeSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SessionID string `json:"session_id"`
		Status    string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Status != "CLOSE" {
		http.Error(w, "bad close request", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.ClosedSessions = append(s.ClosedSessions, body.SessionID)
	delete(s.sessions, body.SessionID)
	s.mu.Unlock()
	writeJSON(w, map[string]interface{}{"id": body.SessionID, "status": "CLOSE"})
}

func (s *Server) postCommand(w http.ResponseWriter, r *http.Request) {
	var body map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad command", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sid := r.PathValue("sid")
	if _, ok := s.sessions[sid]; !ok || body["session_id"] != sid {
		http.NotFound(w, r)
		return
	}

	name, _ := body["name"].(string)
	object := fmt.Sprintf("%v", body["object"])
	if body["object"] == nil {
		object = ""
	}
	s.Executed = append(s.Executed, strings.TrimSpace(name+" "+object))

	s.nextCommand++
	cid := strconv.Itoa(s.nextCommand)
	result := s.run(name, object, body)
	result["id"] = s.nextCommand
	result["name"] = name
	result["session_id"] = sid
	s.commands[sid+"/"+cid] = result

	writeJSON(w, map[string]interface{}{"id": s.nextCommand, "name": name, "status": "pending"})
}

func (s *Server) getCommand(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := r.PathValue("sid") + "/" + r.PathValue("cid")
	res, ok := s.commands[key]
	if !ok {
		http.NotFound(w, r)
		return
	}
	s.commandPolls[key]++
	if s.commandPolls[key] <= s.PendingCommandPolls {
		writeJSON(w, map[string]interface{}{"id": res["id"], "status": "pending"})
		return
	}
	writeJSON(w, res)
}

func (s *Server) uploadFile(w http.ResponseWriter, r *http.Request) {
	f, _, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "missing file", http.StatusBadRequest)
		return
	}
	defer f.Close()
	data, _ := io.ReadAll(f)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextFile++
	s.uploads[s.nextFile] = data
	writeJSON(w, map[string]interface{}{"id": s.nextFile, "size": len(data)})
}

func (s *Server) downloadFile(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(r.PathValue("fid"), 10, 64)
	s.mu.Lock()
	data, ok := s.uploads[id]
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(data)
}

func (s *Server) deleteFile(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(r.PathValue("fid"), 10, 64)
	s.mu.Lock()
	delete(s.uploads, id)
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}
