// Package devicetest provides an in-memory device for tests.
//
// The server speaks the same HTTP file API and control WebSocket as a real
// device: list/get/upload/delete/rename over HTTP, "debug"/"keepalive"
// messages from the client and free-form log lines pushed by the server.
// Tests can inject failures per operation and path, drop the control
// socket, and inspect every request that reached the device.
package devicetest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Call records one request that reached the device.
type Call struct {
	Op   string // list, get, put, delete, rename, getinfo, login, run, ...
	Path string
	Arg  string // rename target, run program, ...
}

// Config holds server configuration.
type Config struct {
	// Password, when set, makes getinfo report usepass and login check it
	Password string

	// Logger for server activity (default: discard)
	Logger *log.Logger
}

// Server is a fake device.
type Server struct {
	password string
	logger   *log.Logger

	mu      sync.Mutex
	files   map[string][]byte
	folders map[string]bool
	calls   []Call
	fails   map[string]bool // op + " " + path
	socket  []string        // messages received on the control socket

	listener net.Listener
	server   *http.Server

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a fake device. Call Start before use.
func NewServer(config *Config) *Server {
	if config == nil {
		config = &Config{}
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		password: config.Password,
		logger:   logger,
		files:    make(map[string][]byte),
		folders:  make(map[string]bool),
		fails:    make(map[string]bool),
		clients:  make(map[*websocket.Conn]bool),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start listens on a random loopback port.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ide", s.handleIDE)
	mux.HandleFunc("/upload", s.handleUpload)
	mux.HandleFunc("/", s.handleRoot)

	s.server = &http.Server{
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()
	return nil
}

// Stop shuts the server down and closes every control socket.
func (s *Server) Stop() error {
	s.cancel()
	s.DropClients()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}
	s.wg.Wait()
	return nil
}

// URL returns the http base address of the device.
func (s *Server) URL() string {
	return "http://" + s.listener.Addr().String()
}

// --- file tree -------------------------------------------------------------

// PutFile stores a file, creating its parent folders.
func (s *Server) PutFile(p string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putLocked(clean(p), data)
}

func (s *Server) putLocked(p string, data []byte) {
	s.files[p] = append([]byte(nil), data...)
	for dir := path.Dir(p); dir != "." && dir != "/"; dir = path.Dir(dir) {
		s.folders[dir] = true
	}
}

// File returns a stored file.
func (s *Server) File(p string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[clean(p)]
	return data, ok
}

// Files returns every stored file path, sorted.
func (s *Server) Files() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.files))
	for p := range s.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Fail makes every request for op on p answer with HTTP 500.
func (s *Server) Fail(op, p string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fails[op+" "+clean(p)] = true
}

// Calls returns the requests seen so far.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CallsFor returns the recorded requests for one operation.
func (s *Server) CallsFor(op string) []Call {
	var out []Call
	for _, c := range s.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// ResetCalls forgets the recorded requests.
func (s *Server) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
}

func (s *Server) record(op, p, arg string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Op: op, Path: p, Arg: arg})
	return s.fails[op+" "+p]
}

func clean(p string) string {
	p = path.Clean("/" + p)
	return strings.TrimPrefix(p, "/")
}

// --- HTTP API --------------------------------------------------------------

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func bad(w http.ResponseWriter, msg string) {
	writeJSON(w, map[string]any{"status": "bad", "error": msg})
}

func ok(w http.ResponseWriter) {
	writeJSON(w, map[string]any{"status": "ok"})
}

func (s *Server) handleIDE(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	switch cmd := q.Get("cmd"); cmd {
	case "list":
		dir := clean(q.Get("dir"))
		if s.record("list", dir, "") {
			http.Error(w, "injected failure", http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"status": "ok", "list": s.list(dir)})

	case "delete":
		p := clean(q.Get("file"))
		if s.record("delete", p, "") {
			http.Error(w, "injected failure", http.StatusInternalServerError)
			return
		}
		if !s.remove(p) {
			bad(w, "not found")
			return
		}
		ok(w)

	case "rename":
		from, to := clean(q.Get("file")), clean(q.Get("newname"))
		if s.record("rename", from, to) {
			http.Error(w, "injected failure", http.StatusInternalServerError)
			return
		}
		if !s.rename(from, to) {
			bad(w, "not found")
			return
		}
		ok(w)

	case "getinfo":
		s.record("getinfo", "", "")
		writeJSON(w, map[string]any{
			"status":     "ok",
			"version":    3.1,
			"usepass":    s.password != "",
			"devicename": "devicetest",
			"platform":   "test",
		})

	case "login":
		s.record("login", "", "")
		pass, _ := base64.StdEncoding.DecodeString(q.Get("pass"))
		if string(pass) != s.password {
			bad(w, "wrong password")
			return
		}
		ok(w)

	case "add":
		name := clean(q.Get("prog"))
		s.record("add", name, q.Get("type"))
		s.PutFile(name+"/"+name+".js", []byte("function OnStart() {}\n"))
		ok(w)

	case "getsamples":
		s.record("getsamples", "", q.Get("type"))
		writeJSON(w, map[string]any{"status": "ok", "samples": "Hello World:basic|Buttons &#9830;:ui"})

	case "execute":
		// Path carries the mode ("" for IDE commands such as !buildapk)
		if s.record("execute", q.Get("mode"), q.Get("code")) {
			http.Error(w, "injected failure", http.StatusInternalServerError)
			return
		}
		ok(w)

	default:
		arg := q.Get("prog") + q.Get("name") + q.Get("mode")
		if s.record(cmd, "", arg) {
			http.Error(w, "injected failure", http.StatusInternalServerError)
			return
		}
		ok(w)
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	mr, err := r.MultipartReader()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		p := clean(path.Join(part.FormName(), part.FileName()))
		data, err := io.ReadAll(part)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if s.record("put", p, "") {
			http.Error(w, "injected failure", http.StatusInternalServerError)
			return
		}
		s.PutFile(p, data)
	}
	ok(w)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		s.handleWebSocket(w, r)
		return
	}

	p, err := url.PathUnescape(strings.TrimPrefix(r.URL.EscapedPath(), "/"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	p = clean(p)
	if s.record("get", p, "") {
		http.Error(w, "injected failure", http.StatusInternalServerError)
		return
	}
	data, found := s.File(p)
	if !found {
		http.NotFound(w, r)
		return
	}
	_, _ = w.Write(data)
}

// list returns the names directly below dir: files and subfolders.
func (s *Server) list(dir string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := ""
	if dir != "" {
		prefix = dir + "/"
	}
	seen := make(map[string]bool)
	add := func(p string) {
		if !strings.HasPrefix(p, prefix) {
			return
		}
		name, _, _ := strings.Cut(strings.TrimPrefix(p, prefix), "/")
		if name != "" {
			seen[name] = true
		}
	}
	for p := range s.files {
		add(p)
	}
	for p := range s.folders {
		add(p)
	}

	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (s *Server) remove(p string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	found := false
	if _, ok := s.files[p]; ok {
		delete(s.files, p)
		found = true
	}
	for f := range s.files {
		if strings.HasPrefix(f, p+"/") {
			delete(s.files, f)
			found = true
		}
	}
	for d := range s.folders {
		if d == p || strings.HasPrefix(d, p+"/") {
			delete(s.folders, d)
			found = true
		}
	}
	return found
}

func (s *Server) rename(from, to string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	moved := make(map[string][]byte)
	if data, ok := s.files[from]; ok {
		moved[to] = data
		delete(s.files, from)
	}
	for f, data := range s.files {
		if strings.HasPrefix(f, from+"/") {
			moved[to+strings.TrimPrefix(f, from)] = data
			delete(s.files, f)
		}
	}
	if len(moved) == 0 && !s.folders[from] {
		return false
	}
	for d := range s.folders {
		if d == from || strings.HasPrefix(d, from+"/") {
			delete(s.folders, d)
			s.folders[to+strings.TrimPrefix(d, from)] = true
		}
	}
	for p, data := range moved {
		s.putLocked(p, data)
	}
	return true
}

// --- control socket --------------------------------------------------------

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	s.clientsMu.Unlock()

	go s.readLoop(conn)
}

func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)
	for {
		_, data, err := conn.Read(s.ctx)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.socket = append(s.socket, string(data))
		s.mu.Unlock()
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	_, exists := s.clients[conn]
	delete(s.clients, conn)
	s.clientsMu.Unlock()
	if exists {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
}

// Messages returns what clients sent on the control socket.
func (s *Server) Messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.socket...)
}

// ClientCount returns the number of open control sockets.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// Broadcast pushes a log line to every connected client.
func (s *Server) Broadcast(line string) {
	s.clientsMu.RLock()
	clients := make([]*websocket.Conn, 0, len(s.clients))
	for conn := range s.clients {
		clients = append(clients, conn)
	}
	s.clientsMu.RUnlock()

	for _, conn := range clients {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := conn.Write(ctx, websocket.MessageText, []byte(line))
		cancel()
		if err != nil {
			s.removeClient(conn)
		}
	}
}

// DropClients closes every control socket from the device side.
func (s *Server) DropClients() {
	s.clientsMu.Lock()
	clients := s.clients
	s.clients = make(map[*websocket.Conn]bool)
	s.clientsMu.Unlock()

	for conn := range clients {
		_ = conn.Close(websocket.StatusGoingAway, "device going away")
	}
}
