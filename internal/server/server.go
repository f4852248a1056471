package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"loadstar/internal/metrics"
	"loadstar/internal/pathutil"
	"loadstar/internal/storage"
	"loadstar/internal/sweeper"
)

// FolderStore describes the registry, statistics and query operations
// exposed over HTTP.
type FolderStore interface {
	BookmarkAdd(ctx context.Context, path string) (storage.AddResult, error)
	BookmarkRemove(ctx context.Context, path string) error
	FolderRemove(ctx context.Context, path string) error
	FlagSet(ctx context.Context, path string, flag storage.Flag, value bool) error
	FlagGet(ctx context.Context, path string, flag storage.Flag) (bool, error)
	ExplorerOpenToggle(ctx context.Context, path string) (bool, error)
	RecordMove(ctx context.Context, folderPath, fileName string) error
	ListBookmarked(ctx context.Context, includePrivate bool) iter.Seq2[storage.FolderListing, error]
	ListAll(ctx context.Context, includePrivate bool) iter.Seq2[storage.FolderListing, error]
	ListByExtension(ctx context.Context, extension string, includePrivate bool) iter.Seq2[storage.FolderListing, error]
	ListByExtensionAndLength(ctx context.Context, extension string, nameLength int, includePrivate bool) iter.Seq2[storage.FolderListing, error]
}

// Server wires together HTTP handlers for the folder API.
type Server struct {
	store   FolderStore
	sweeper *sweeper.Sweeper
	metrics *metrics.Metrics
	log     *slog.Logger
	baseCtx context.Context
}

// New creates a Server instance backed by the provided store and sweeper.
func New(store FolderStore, sw *sweeper.Sweeper, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{store: store, sweeper: sw, metrics: m, log: logger, baseCtx: context.Background()}
}

// Routes returns the HTTP handler that exposes the application endpoints.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/folders", s.handleFolders)
	mux.HandleFunc("/api/bookmarks", s.handleBookmarks)
	mux.HandleFunc("/api/flags", s.handleFlags)
	mux.HandleFunc("/api/explorer/toggle", s.handleExplorerToggle)
	mux.HandleFunc("/api/moves", s.handleMoves)
	mux.HandleFunc("/api/sweep", s.handleSweep)
	mux.HandleFunc("/api/sweep/status", s.handleSweepStatus)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	return mux
}

// Start runs the HTTP server until the provided context is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.baseCtx = ctx

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		} else {
			errCh <- nil
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return <-errCh
	case err := <-errCh:
		return err
	}
}

type listingResponse struct {
	MovedCount   int64  `json:"movedCount"`
	Path         string `json:"path"`
	LastMoved    string `json:"lastMoved"`
	ExplorerOpen string `json:"explorerOpen"`
}

func (s *Server) handleFolders(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listFolders(w, r)
	case http.MethodDelete:
		path := r.URL.Query().Get("path")
		if err := s.store.FolderRemove(r.Context(), path); err != nil {
			s.writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) listFolders(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	includePrivate, _ := strconv.ParseBool(query.Get("private"))
	ext := query.Get("ext")
	lengthStr := query.Get("length")

	var seq iter.Seq2[storage.FolderListing, error]
	switch {
	case lengthStr != "":
		if ext == "" {
			http.Error(w, "length requires ext", http.StatusBadRequest)
			return
		}
		length, err := strconv.Atoi(lengthStr)
		if err != nil || length < 0 {
			http.Error(w, "invalid length parameter", http.StatusBadRequest)
			return
		}
		seq = s.store.ListByExtensionAndLength(r.Context(), ext, length, includePrivate)
	case ext != "":
		seq = s.store.ListByExtension(r.Context(), ext, includePrivate)
	default:
		switch strings.ToLower(query.Get("view")) {
		case "", "all":
			seq = s.store.ListAll(r.Context(), includePrivate)
		case "bookmarked", "bookmarks":
			seq = s.store.ListBookmarked(r.Context(), includePrivate)
		default:
			http.Error(w, "unknown view", http.StatusBadRequest)
			return
		}
	}

	folders := make([]listingResponse, 0)
	for listing, err := range seq {
		if err != nil {
			s.writeError(w, err)
			return
		}
		folders = append(folders, listingResponse{
			MovedCount:   listing.MovedCount,
			Path:         listing.Path,
			LastMoved:    listing.LastMovedFormatted(),
			ExplorerOpen: listing.ExplorerOpenYesNo(),
		})
	}
	writeJSON(w, map[string]any{"folders": folders})
}

type pathPayload struct {
	Path string `json:"path"`
}

func (s *Server) handleBookmarks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var payload pathPayload
		if !decodePayload(w, r, &payload) {
			return
		}
		result, err := s.store.BookmarkAdd(r.Context(), payload.Path)
		if err != nil {
			s.writeError(w, err)
			return
		}
		status := http.StatusOK
		if result == storage.Added {
			status = http.StatusCreated
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{"result": result.String()})
	case http.MethodDelete:
		if err := s.store.BookmarkRemove(r.Context(), r.URL.Query().Get("path")); err != nil {
			s.writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleFlags(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		query := r.URL.Query()
		flag, err := storage.ParseFlag(query.Get("flag"))
		if err != nil {
			s.writeError(w, err)
			return
		}
		value, err := s.store.FlagGet(r.Context(), query.Get("path"), flag)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, map[string]any{"flag": flag.String(), "value": value})
	case http.MethodPut:
		var payload struct {
			Path  string `json:"path"`
			Flag  string `json:"flag"`
			Value bool   `json:"value"`
		}
		if !decodePayload(w, r, &payload) {
			return
		}
		flag, err := storage.ParseFlag(payload.Flag)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if err := s.store.FlagSet(r.Context(), payload.Path, flag, payload.Value); err != nil {
			s.writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleExplorerToggle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var payload pathPayload
	if !decodePayload(w, r, &payload) {
		return
	}
	open, err := s.store.ExplorerOpenToggle(r.Context(), payload.Path)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"explorerOpen": open})
}

func (s *Server) handleMoves(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var payload struct {
		Folder string `json:"folder"`
		File   string `json:"file"`
	}
	if !decodePayload(w, r, &payload) {
		return
	}
	if strings.TrimSpace(payload.File) == "" {
		http.Error(w, "missing file", http.StatusBadRequest)
		return
	}
	if err := s.store.RecordMove(r.Context(), payload.Folder, payload.File); err != nil {
		s.writeError(w, err)
		return
	}
	s.metrics.MoveRecorded()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.sweeper == nil {
		http.Error(w, "sweeper not configured", http.StatusServiceUnavailable)
		return
	}
	report, err := s.sweeper.RunOnce(s.baseCtx)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"report": report})
}

func (s *Server) handleSweepStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.sweeper == nil {
		http.Error(w, "sweeper not configured", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, s.sweeper.Status())
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, storage.ErrInvalidFlagName), errors.Is(err, pathutil.ErrEmptyPath):
		status = http.StatusBadRequest
	case errors.Is(err, sweeper.ErrSweepInProgress):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.log.Error("request_failed", "error", err)
	}
	http.Error(w, err.Error(), status)
}

func decodePayload(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil {
		http.Error(w, "missing payload", http.StatusBadRequest)
		return false
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			http.Error(w, "missing payload", http.StatusBadRequest)
			return false
		}
		http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, fmt.Sprintf("encode response: %v", err), http.StatusInternalServerError)
	}
}
