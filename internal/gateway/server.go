package gateway

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/rescale/rescale-upload/internal/constants"
	"github.com/rescale/rescale-upload/internal/diskspace"
	"github.com/rescale/rescale-upload/internal/logging"
)

// targetFile holds the target path of a session inside its parts directory.
const targetFile = "target"

// Server stores multipart uploads under a root directory. Parts of session
// <id> live in <root>/.parts/<id>/<index> until the session is completed or
// aborted, so open sessions survive a restart of the server.
type Server struct {
	root string
	log  *logging.Logger

	// complete and abort take mu exclusively; part uploads share it
	mu sync.RWMutex
}

// NewServer creates root and its parts directory if needed.
func NewServer(root string, log *logging.Logger) (*Server, error) {
	if log == nil {
		log = logging.Nop()
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve gateway root: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(abs, constants.GatewayPartsDir), 0755); err != nil {
		return nil, fmt.Errorf("failed to create gateway root: %w", err)
	}
	return &Server{root: abs, log: log}, nil
}

// Root returns the absolute root directory.
func (s *Server) Root() string { return s.root }

// Handler returns the HTTP routes of the gateway.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/uploads", s.createUpload).Methods(http.MethodPost)
	r.HandleFunc("/uploads/{id}/parts/{index:[0-9]+}", s.putPart).Methods(http.MethodPut)
	r.HandleFunc("/uploads/{id}/complete", s.complete).Methods(http.MethodPost)
	r.HandleFunc("/uploads/{id}", s.abort).Methods(http.MethodDelete)
	r.HandleFunc("/objects", s.putObject).Methods(http.MethodPut)
	r.Use(s.logRequests)
	return r
}

// Serve answers requests on ln until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

// ListenAndServe listens on addr and calls Serve. ready, if non-nil, receives
// the bound address once the listener is up.
func (s *Server) ListenAndServe(ctx context.Context, addr string, ready func(net.Addr)) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	if ready != nil {
		ready(ln.Addr())
	}
	s.log.Info().Str("addr", ln.Addr().String()).Str("root", s.root).Msg("Gateway listening")
	return s.Serve(ctx, ln)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{Code: code, Message: msg})
}

// resolveTarget maps a client-supplied target path to a path under root.
// Leading slashes and ".." segments cannot escape root.
func (s *Server) resolveTarget(p string) (string, error) {
	rel := strings.TrimPrefix(path.Clean("/"+strings.ReplaceAll(p, "\\", "/")), "/")
	if rel == "" {
		return "", errors.New("empty target path")
	}
	if first, _, _ := strings.Cut(rel, "/"); first == constants.GatewayPartsDir {
		return "", fmt.Errorf("target path may not start with %s", constants.GatewayPartsDir)
	}
	return filepath.Join(s.root, filepath.FromSlash(rel)), nil
}

func (s *Server) location(abs string) string {
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String()
}

func (s *Server) sessionDir(id string) (string, bool) {
	if _, err := uuid.Parse(id); err != nil {
		return "", false
	}
	dir := filepath.Join(s.root, constants.GatewayPartsDir, id)
	if _, err := os.Stat(filepath.Join(dir, targetFile)); err != nil {
		return "", false
	}
	return dir, true
}

func (s *Server) createUpload(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("path")
	if _, err := s.resolveTarget(target); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidPath, err.Error())
		return
	}

	id := uuid.NewString()
	dir := filepath.Join(s.root, constants.GatewayPartsDir, id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		s.log.Error().Err(err).Msg("Failed to create session directory")
		writeError(w, http.StatusInternalServerError, CodeInternal, "failed to create session")
		return
	}
	if err := os.WriteFile(filepath.Join(dir, targetFile), []byte(target), 0644); err != nil {
		os.RemoveAll(dir)
		s.log.Error().Err(err).Msg("Failed to record session target")
		writeError(w, http.StatusInternalServerError, CodeInternal, "failed to create session")
		return
	}

	s.log.Debug().Str("session", id).Str("target", target).Msg("Upload created")
	writeJSON(w, http.StatusCreated, CreateResponse{SessionID: id})
}

// spaceMargin is applied to a body's declared length before checking the
// free space under root.
const spaceMargin = 1.1

// checkSpace answers 507 when a body of the request's declared length would
// not fit next to dst. Parts are retried by clients, so a full disk is
// reported as a server-side condition.
func (s *Server) checkSpace(w http.ResponseWriter, r *http.Request, dst string) bool {
	if r.ContentLength <= 0 {
		return true
	}
	err := diskspace.CheckAvailableSpace(dst, r.ContentLength, spaceMargin)
	if err == nil {
		return true
	}
	s.log.Warn().Err(err).Msg("Rejecting upload")
	writeError(w, http.StatusInsufficientStorage, CodeNoSpace, err.Error())
	return false
}

// writeFile streams body into a temp file next to dst, renames it into place
// and returns the xxhash64 of what was written.
func writeFile(dst string, body io.Reader, wantLen int64) (string, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*.tmp")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	h := xxhash.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), body)
	if err == nil && wantLen >= 0 && n != wantLen {
		err = fmt.Errorf("short body: got %d of %d bytes", n, wantLen)
	}
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (s *Server) putPart(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	index, err := strconv.Atoi(vars["index"])
	if err != nil || index < 1 {
		writeError(w, http.StatusBadRequest, CodeInvalidPart, "part index must be >= 1")
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	dir, ok := s.sessionDir(vars["id"])
	if !ok {
		writeError(w, http.StatusNotFound, CodeNoSuchUpload, "unknown upload session")
		return
	}

	dst := filepath.Join(dir, strconv.Itoa(index))
	if !s.checkSpace(w, r, dst) {
		return
	}
	sum, err := writeFile(dst, r.Body, r.ContentLength)
	if err != nil {
		s.log.Warn().Err(err).Str("session", vars["id"]).Int("part", index).Msg("Failed to store part")
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}

	w.Header().Set("ETag", strconv.Quote(sum))
	w.WriteHeader(http.StatusOK)
}

// appendPart copies part file p onto dst and checks its digest against token.
func appendPart(dst io.Writer, p, token string) error {
	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()

	h := xxhash.New()
	if _, err := io.Copy(io.MultiWriter(dst, h), f); err != nil {
		return err
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != strings.Trim(token, `"`) {
		return fmt.Errorf("token mismatch: have %q, part hashes to %q", token, got)
	}
	return nil
}

func (s *Server) complete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req CompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "malformed complete request")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir, ok := s.sessionDir(id)
	if !ok {
		writeError(w, http.StatusNotFound, CodeNoSuchUpload, "unknown upload session")
		return
	}
	if len(req.Parts) == 0 {
		writeError(w, http.StatusBadRequest, CodeInvalidPart, "no parts given")
		return
	}
	for i, p := range req.Parts {
		if p.Index < 1 || (i > 0 && req.Parts[i-1].Index >= p.Index) {
			writeError(w, http.StatusBadRequest, CodeInvalidPart, "parts must be sorted by index, strictly ascending")
			return
		}
	}

	target, err := os.ReadFile(filepath.Join(dir, targetFile))
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternal, "failed to read session")
		return
	}
	dst, err := s.resolveTarget(string(target))
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidPath, err.Error())
		return
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternal, "failed to create target directory")
		return
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*.tmp")
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternal, "failed to create target")
		return
	}
	defer os.Remove(tmp.Name())

	for _, p := range req.Parts {
		if err := appendPart(tmp, filepath.Join(dir, strconv.Itoa(p.Index)), p.Token); err != nil {
			tmp.Close()
			writeError(w, http.StatusBadRequest, CodeInvalidPart, fmt.Sprintf("part %d: %v", p.Index, err))
			return
		}
	}
	err = tmp.Sync()
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), dst)
	}
	if err != nil {
		s.log.Error().Err(err).Str("session", id).Msg("Failed to assemble object")
		writeError(w, http.StatusInternalServerError, CodeInternal, "failed to assemble object")
		return
	}

	if err := os.RemoveAll(dir); err != nil {
		s.log.Warn().Err(err).Str("session", id).Msg("Failed to remove parts after complete")
	}
	s.log.Info().Str("session", id).Int("parts", len(req.Parts)).Str("target", string(target)).Msg("Upload completed")
	writeJSON(w, http.StatusOK, LocationResponse{Location: s.location(dst)})
}

func (s *Server) abort(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s.mu.Lock()
	defer s.mu.Unlock()

	dir, ok := s.sessionDir(id)
	if !ok {
		writeError(w, http.StatusNotFound, CodeNoSuchUpload, "unknown upload session")
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternal, "failed to remove parts")
		return
	}
	s.log.Debug().Str("session", id).Msg("Upload aborted")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) putObject(w http.ResponseWriter, r *http.Request) {
	dst, err := s.resolveTarget(r.URL.Query().Get("path"))
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidPath, err.Error())
		return
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternal, "failed to create target directory")
		return
	}
	if !s.checkSpace(w, r, dst) {
		return
	}
	if _, err := writeFile(dst, r.Body, r.ContentLength); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, LocationResponse{Location: s.location(dst)})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", sw.status).
			Dur("took", time.Since(start)).
			Msg("request")
	})
}
