package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"photo-prep-go/internal/apperrors"
	"photo-prep-go/internal/batch"
	"photo-prep-go/internal/compressor"
	"photo-prep-go/internal/config"
	"photo-prep-go/internal/extractor"
	"photo-prep-go/internal/media"
	"photo-prep-go/internal/state"
	"photo-prep-go/internal/statistics"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

type Server struct {
	cfg        *config.Config
	log        *logrus.Logger
	router     *mux.Router
	httpServer *http.Server
	wsUpgrader websocket.Upgrader
	wsClients  map[*websocket.Conn]bool
	wsMutex    sync.Mutex

	tracker     *state.Tracker
	inspector   extractor.CachedInspector
	stats       *statistics.Statistics
	unsubscribe func()

	// Current batch state
	operationMutex sync.RWMutex
	batchRunning   bool
}

type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Kind    string      `json:"kind,omitempty"`
}

type BatchRequest struct {
	SourceDirectory string `json:"source_directory"`
	OutputDirectory string `json:"output_directory,omitempty"`
	DryRun          bool   `json:"dry_run"`
}

type WSMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// NewServer wires the HTTP API around tracker. Every tracker state change
// is pushed to connected WebSocket clients.
func NewServer(cfg *config.Config, log *logrus.Logger, tracker *state.Tracker, inspector extractor.CachedInspector, stats *statistics.Statistics) *Server {
	s := &Server{
		cfg:       cfg,
		log:       log,
		router:    mux.NewRouter(),
		wsClients: make(map[*websocket.Conn]bool),
		wsUpgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins in development
			},
		},
		tracker:   tracker,
		inspector: inspector,
		stats:     stats,
	}

	s.unsubscribe = tracker.Subscribe(func(st state.State) {
		s.broadcastWSMessage("compression_state", st)
	})
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/compress", s.handleCompress).Methods("POST")
	api.HandleFunc("/inspect", s.handleInspect).Methods("POST")
	api.HandleFunc("/inspect", s.handleInspectPath).Methods("GET").Queries("path", "{path}")
	api.HandleFunc("/reset", s.handleReset).Methods("POST")
	api.HandleFunc("/batch", s.handleBatch).Methods("POST")
	api.HandleFunc("/statistics", s.handleGetStatistics).Methods("GET")

	// WebSocket endpoint
	s.router.HandleFunc("/ws", s.handleWebSocket)
}

// Handler returns the router, for embedding or tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	s.log.Infof("Starting web server on http://localhost%s", addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	s.unsubscribe()

	s.wsMutex.Lock()
	for conn := range s.wsClients {
		conn.Close()
		delete(s.wsClients, conn)
	}
	s.wsMutex.Unlock()

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.operationMutex.RLock()
	running := s.batchRunning
	s.operationMutex.RUnlock()

	s.writeJSON(w, APIResponse{
		Success: true,
		Data: map[string]interface{}{
			"compression":   s.tracker.Snapshot(),
			"batch_running": running,
		},
	})
}

// readUpload pulls the "file" part out of a multipart request and fills in
// a sniffed MIME type when the client sent none.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) (*media.File, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Server.MaxUploadBytes)
	part, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, fmt.Sprintf("Invalid upload: %v", err), http.StatusBadRequest)
		return nil, false
	}
	defer part.Close()

	data, err := io.ReadAll(part)
	if err != nil {
		s.writeError(w, fmt.Sprintf("Invalid upload: %v", err), http.StatusBadRequest)
		return nil, false
	}

	mime := header.Header.Get("Content-Type")
	if mime == "" || mime == "application/octet-stream" {
		mime = media.Sniff(data)
	}
	return media.NewFile(header.Filename, mime, data), true
}

func (s *Server) handleCompress(w http.ResponseWriter, r *http.Request) {
	file, ok := s.readUpload(w, r)
	if !ok {
		return
	}

	opts := compressor.Options{}
	if v := r.FormValue("target_size"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			s.writeError(w, "target_size must be a positive integer", http.StatusBadRequest)
			return
		}
		opts.TargetSizeBytes = n
	}
	if v := r.FormValue("max_dimension"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, "max_dimension must be a positive integer", http.StatusBadRequest)
			return
		}
		opts.MaxDimension = n
	}

	res, err := s.tracker.Compress(r.Context(), file, opts)
	if err != nil {
		s.writeCompressionError(w, err)
		return
	}

	out := res.CompressedFile
	w.Header().Set("Content-Type", out.MIME)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", out.Name))
	w.Header().Set("Content-Length", strconv.FormatInt(out.Size(), 10))
	w.Header().Set("X-Original-Size", strconv.FormatInt(res.OriginalSize, 10))
	w.Header().Set("X-Compressed-Size", strconv.FormatInt(res.CompressedSize, 10))
	w.Header().Set("X-Compression-Ratio", strconv.FormatFloat(res.CompressionRatio, 'f', 2, 64))
	w.Header().Set("X-Quality", strconv.Itoa(res.Quality))
	w.Header().Set("X-Short-Circuited", strconv.FormatBool(res.ShortCircuited))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(out.Data); err != nil {
		s.log.Warnf("Failed to write compressed image: %v", err)
	}
}

func (s *Server) handleInspect(w http.ResponseWriter, r *http.Request) {
	file, ok := s.readUpload(w, r)
	if !ok {
		return
	}

	meta, err := s.inspector.Inspect(file)
	if err != nil {
		s.writeError(w, fmt.Sprintf("Failed to inspect image: %v", err), http.StatusUnprocessableEntity)
		return
	}
	s.writeJSON(w, APIResponse{Success: true, Data: meta})
}

// handleInspectPath inspects a file on the server's filesystem. Results
// are cached until the file changes or /api/reset is called.
func (s *Server) handleInspectPath(w http.ResponseWriter, r *http.Request) {
	path := mux.Vars(r)["path"]
	if info, err := os.Stat(path); err != nil || info.IsDir() {
		s.writeError(w, "File does not exist", http.StatusNotFound)
		return
	}

	meta, err := s.inspector.InspectPath(path)
	if err != nil {
		s.writeError(w, fmt.Sprintf("Failed to inspect image: %v", err), http.StatusUnprocessableEntity)
		return
	}
	s.writeJSON(w, APIResponse{Success: true, Data: meta})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.tracker.Reset()
	s.inspector.ClearCache()
	s.writeJSON(w, APIResponse{Success: true, Message: "State reset"})
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.SourceDirectory == "" {
		s.writeError(w, "Source directory is required", http.StatusBadRequest)
		return
	}

	if info, err := os.Stat(req.SourceDirectory); err != nil || !info.IsDir() {
		s.writeError(w, "Source directory does not exist", http.StatusBadRequest)
		return
	}

	s.operationMutex.Lock()
	if s.batchRunning {
		s.operationMutex.Unlock()
		s.writeError(w, "Operation already in progress", http.StatusConflict)
		return
	}
	s.batchRunning = true
	s.operationMutex.Unlock()

	go s.runBatchAsync(req)

	s.writeJSON(w, APIResponse{
		Success: true,
		Message: "Batch started",
	})
}

func (s *Server) runBatchAsync(req BatchRequest) {
	defer func() {
		s.operationMutex.Lock()
		s.batchRunning = false
		s.operationMutex.Unlock()
	}()

	s.broadcastWSMessage("batch_started", map[string]interface{}{
		"source_directory": req.SourceDirectory,
		"output_directory": req.OutputDirectory,
		"dry_run":          req.DryRun,
	})

	cfg := *s.cfg
	if req.OutputDirectory != "" {
		cfg.Batch.OutputDirectory = req.OutputDirectory
	}
	cfg.Batch.DryRun = req.DryRun

	runner := batch.NewRunner(&cfg, s.log, s.stats, func() compressor.Compressor {
		return compressor.NewDefaultCompressor(cfg.Compression, s.log, s.stats)
	}, func(level, message string) {
		s.broadcastWSMessage("log", map[string]string{"level": level, "message": message})
	})

	summary, err := runner.Run(context.Background(), req.SourceDirectory)
	if err != nil {
		s.broadcastWSMessage("batch_error", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	s.broadcastWSMessage("batch_completed", map[string]interface{}{
		"succeeded":  summary.Succeeded,
		"failed":     summary.Failed,
		"skipped":    summary.Skipped,
		"renamed":    summary.Renamed,
		"statistics": s.stats.GetSummary(),
	})
}

func (s *Server) handleGetStatistics(w http.ResponseWriter, r *http.Request) {
	data := s.stats.Snapshot()
	data["summary"] = s.stats.GetSummary()
	data["inspector_cache"] = s.inspector.GetCacheStats()
	s.writeJSON(w, APIResponse{
		Success: true,
		Data:    data,
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Errorf("WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	s.wsMutex.Lock()
	s.wsClients[conn] = true
	s.wsMutex.Unlock()

	s.log.Debug("WebSocket client connected")

	defer func() {
		s.wsMutex.Lock()
		delete(s.wsClients, conn)
		s.wsMutex.Unlock()
		s.log.Debug("WebSocket client disconnected")
	}()

	// Keep connection alive
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

// broadcastWSMessage writes under wsMutex; gorilla connections allow a
// single concurrent writer.
func (s *Server) broadcastWSMessage(messageType string, data interface{}) {
	msgBytes, err := json.Marshal(WSMessage{
		Type: messageType,
		Data: data,
	})
	if err != nil {
		s.log.Errorf("Failed to marshal WebSocket message: %v", err)
		return
	}

	s.wsMutex.Lock()
	defer s.wsMutex.Unlock()

	for conn := range s.wsClients {
		if err := conn.WriteMessage(websocket.TextMessage, msgBytes); err != nil {
			s.log.Errorf("Failed to write WebSocket message: %v", err)
			delete(s.wsClients, conn)
			conn.Close()
		}
	}
}

func statusFor(kind apperrors.Kind) int {
	switch kind {
	case apperrors.KindValidation:
		return http.StatusBadRequest
	case apperrors.KindConcurrency:
		return http.StatusConflict
	case apperrors.KindConversion, apperrors.KindDecode:
		return http.StatusUnprocessableEntity
	case apperrors.KindTimeout:
		return http.StatusGatewayTimeout
	case apperrors.KindCanceled:
		return 499 // client closed request
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeCompressionError(w http.ResponseWriter, err error) {
	kind := apperrors.KindOf(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusFor(kind))
	json.NewEncoder(w).Encode(APIResponse{
		Success: false,
		Error:   err.Error(),
		Kind:    string(kind),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(APIResponse{
		Success: false,
		Error:   message,
	})
}
