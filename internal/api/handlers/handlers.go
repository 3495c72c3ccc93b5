package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pubvault/pubvault/internal/adapters/respcache"
	"github.com/pubvault/pubvault/internal/adapters/upstream"
	"github.com/pubvault/pubvault/internal/core/archive"
	"github.com/pubvault/pubvault/internal/core/models"
	"github.com/pubvault/pubvault/internal/core/pubspec"
	"github.com/pubvault/pubvault/internal/core/services"
	"github.com/pubvault/pubvault/internal/util/logging"
)

// maxArchiveSize bounds a published archive.
const maxArchiveSize = 100 << 20

type uploaderKey struct{}

// Handler holds all HTTP handlers and their dependencies.
type Handler struct {
	meta         services.MetaStore
	tarballs     services.TarballStore
	cache        services.ResponseCache
	upstream     *upstream.Client
	auth         services.Authenticator
	cacheMaxAge  time.Duration
	logger       zerolog.Logger
	locksMu      sync.Mutex
	publishLocks map[string]*publishLock
}

// New creates a Handler with the given dependencies.
func New(meta services.MetaStore, tarballs services.TarballStore, cache services.ResponseCache,
	up *upstream.Client, auth services.Authenticator, cacheMaxAge time.Duration, logger zerolog.Logger) *Handler {
	return &Handler{
		meta:         meta,
		tarballs:     tarballs,
		cache:        cache,
		upstream:     up,
		auth:         auth,
		cacheMaxAge:  cacheMaxAge,
		logger:       logger,
		publishLocks: make(map[string]*publishLock),
	}
}

// Router returns the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(h.requestIDMiddleware)
	r.Use(h.loggingMiddleware)

	r.Get("/api/packages", h.ListPackages)
	r.Get("/api/packages/{package}", h.GetPackage)
	r.Get("/packages/{package}/versions/{file}", h.DownloadTarball)

	r.Group(func(r chi.Router) {
		r.Use(h.authMiddleware)
		r.Post("/api/packages/versions/new", h.Publish)
		r.Post("/api/packages/{package}/uploaders/{email}", h.AddUploader)
		r.Delete("/api/packages/{package}/uploaders/{email}", h.RemoveUploader)
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	return r
}

// requestIDMiddleware adds a unique request ID to each request.
func (h *Handler) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		ctx := logging.WithRequestID(r.Context(), id)
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// loggingMiddleware logs each request.
func (h *Handler) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logging.LogRequest(h.logger, r.Context(), r.Method, r.URL.Path, rw.status, rw.written, time.Since(start))
	})
}

// authMiddleware resolves the bearer token to an uploader identity.
func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing or invalid authorization header")
			return
		}
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		email, ok := h.auth.Identify(token)
		if !ok {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), uploaderKey{}, email)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func uploaderFrom(ctx context.Context) string {
	email, _ := ctx.Value(uploaderKey{}).(string)
	return email
}

// Publish handles POST /api/packages/versions/new. The request body is the
// package archive; name and version come from its manifest.
func (h *Handler) Publish(w http.ResponseWriter, r *http.Request) {
	uploader := uploaderFrom(r.Context())

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxArchiveSize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading archive body")
		return
	}

	contents, err := archive.Read(bytes.NewReader(body))
	if err != nil {
		writeValidationError(w, err)
		return
	}

	spec, err := pubspec.Parse(contents.Pubspec)
	if err != nil {
		writeValidationError(w, err)
		return
	}

	unlock := h.lockPublish(spec.Name, spec.Version)
	defer unlock()

	pkg, err := h.meta.QueryPackage(spec.Name)
	if err != nil {
		h.logger.Error().Err(err).Msg("checking existing package")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if pkg != nil {
		if !pkg.Private {
			writeError(w, http.StatusForbidden, fmt.Sprintf("package %s mirrors the upstream registry and cannot be republished", spec.Name))
			return
		}
		if len(pkg.Uploaders) > 0 && !pkg.HasUploader(uploader) {
			writeError(w, http.StatusForbidden, fmt.Sprintf("%s is not an uploader of %s", uploader, spec.Name))
			return
		}
		for _, v := range pkg.Versions {
			if v.Version == spec.Version {
				writeError(w, http.StatusConflict, fmt.Sprintf("version %s of %s already exists", spec.Version, spec.Name))
				return
			}
		}
	}

	if err := h.tarballs.Upload(spec.Name, spec.Version, bytes.NewReader(body)); err != nil {
		h.logger.Error().Err(err).Msg("storing archive")
		writeError(w, http.StatusInternalServerError, "failed to store archive")
		return
	}

	err = h.meta.AddVersion(spec.Name, models.Version{
		Version:     spec.Version,
		Pubspec:     spec.Fields,
		PubspecYAML: spec.Raw,
		Uploader:    uploader,
		Readme:      contents.Readme,
		Changelog:   contents.Changelog,
	})
	if err != nil {
		if errors.Is(err, services.ErrConflict) {
			writeError(w, http.StatusConflict, fmt.Sprintf("version %s of %s already exists", spec.Version, spec.Name))
			return
		}
		h.logger.Error().Err(err).Msg("recording version")
		writeError(w, http.StatusInternalServerError, "failed to record version")
		return
	}

	h.logger.Info().
		Str("request_id", logging.RequestID(r.Context())).
		Str("package", spec.Name).
		Str("version", spec.Version).
		Str("uploader", uploader).
		Msg("package published")

	writeJSON(w, http.StatusCreated, models.PublishResponse{
		Package:     spec.Name,
		Version:     spec.Version,
		PublishedAt: time.Now().UTC().Format(time.RFC3339),
	})
}

// GetPackage handles GET /api/packages/{package}. Locally published packages
// are served from the metadata store; everything else is proxied from
// upstream through the response cache, so previously seen metadata keeps
// serving (marked stale) when upstream is down.
func (h *Handler) GetPackage(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "package")

	pkg, err := h.meta.QueryPackage(name)
	if err != nil {
		h.logger.Error().Err(err).Msg("getting package")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if pkg != nil {
		writeJSON(w, http.StatusOK, localPackageDoc(pkg))
		return
	}

	key := respcache.Key(r.Method, r.URL.Path, r.URL.RawQuery)
	resp, err := h.cache.Wrap(key, h.cacheMaxAge, func() (*models.CachedResponse, error) {
		_, body, err := h.upstream.FetchPackage(name)
		if err != nil {
			return nil, err
		}
		return &models.CachedResponse{
			Body:       body,
			Headers:    map[string]string{"Content-Type": "application/json"},
			StatusCode: http.StatusOK,
		}, nil
	})
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("package %s not found locally or upstream", name))
		return
	}
	writeCached(w, resp)
}

// DownloadTarball handles GET /packages/{package}/versions/{version}.tar.gz,
// the cache-aside read path for archives. The version keeps its dots, so the
// route matches the whole filename and the suffix is trimmed here.
func (h *Handler) DownloadTarball(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "package")
	file := chi.URLParam(r, "file")
	version := strings.TrimSuffix(file, ".tar.gz")
	if version == file || version == "" {
		writeError(w, http.StatusNotFound, "route not found")
		return
	}

	pkg, err := h.meta.QueryPackage(name)
	if err != nil {
		h.logger.Error().Err(err).Msg("getting package")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	// Private packages are served from local storage only. Reaching upstream
	// for one, even to fill the cache, would leak the name and let a
	// same-named upstream package answer in its place.
	if pkg != nil && pkg.Private {
		if !h.tarballs.HasCachedFile(name, version) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("archive %s@%s not found", name, version))
			return
		}
	} else if !h.tarballs.DownloadAndCache(name, version) {
		http.Redirect(w, r, h.tarballs.UpstreamURL(name, version), http.StatusFound)
		return
	}

	// Statistics are best-effort and never fail the download.
	if pkg != nil {
		if err := h.meta.IncreaseDownloads(name, version); err != nil {
			h.logger.Warn().Err(err).Str("package", name).Msg("recording download")
		}
	}

	reader, err := h.tarballs.Download(name, version)
	if err != nil {
		h.logger.Error().Err(err).Str("package", name).Str("version", version).Msg("opening archive")
		writeError(w, http.StatusInternalServerError, "archive not readable")
		return
	}
	defer reader.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name+"-"+version+".tar.gz"))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, reader); err != nil {
		h.logger.Error().
			Err(err).
			Str("request_id", logging.RequestID(r.Context())).
			Str("package", name).
			Str("version", version).
			Msg("streaming archive response")
	}
}

// ListPackages handles GET /api/packages.
func (h *Handler) ListPackages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := models.ListOptions{
		Size:       intParam(q.Get("size"), 10),
		Page:       intParam(q.Get("page"), 0),
		Sort:       q.Get("sort"),
		Keyword:    q.Get("q"),
		Uploader:   q.Get("uploader"),
		Dependency: q.Get("dependency"),
	}

	list, err := h.meta.QueryPackages(opts)
	if err != nil {
		h.logger.Error().Err(err).Msg("listing packages")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// AddUploader handles POST /api/packages/{package}/uploaders/{email}.
func (h *Handler) AddUploader(w http.ResponseWriter, r *http.Request) {
	h.mutateUploaders(w, r, h.meta.AddUploader)
}

// RemoveUploader handles DELETE /api/packages/{package}/uploaders/{email}.
func (h *Handler) RemoveUploader(w http.ResponseWriter, r *http.Request) {
	h.mutateUploaders(w, r, h.meta.RemoveUploader)
}

func (h *Handler) mutateUploaders(w http.ResponseWriter, r *http.Request, mutate func(name, email string) error) {
	name := chi.URLParam(r, "package")
	email := chi.URLParam(r, "email")
	actor := uploaderFrom(r.Context())

	pkg, err := h.meta.QueryPackage(name)
	if err != nil {
		h.logger.Error().Err(err).Msg("getting package")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if pkg == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("package %s not found", name))
		return
	}
	if !pkg.Private {
		writeError(w, http.StatusForbidden, fmt.Sprintf("package %s mirrors the upstream registry", name))
		return
	}
	if !pkg.HasUploader(actor) {
		writeError(w, http.StatusForbidden, fmt.Sprintf("%s is not an uploader of %s", actor, name))
		return
	}

	if err := mutate(name, email); err != nil {
		h.logger.Error().Err(err).Msg("mutating uploaders")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// localPackageDoc shapes a locally stored package like the upstream metadata
// API so clients see one format.
func localPackageDoc(pkg *models.Package) map[string]any {
	versions := make([]map[string]any, len(pkg.Versions))
	for i, v := range pkg.Versions {
		versions[i] = map[string]any{
			"version": v.Version,
			"pubspec": v.Pubspec,
		}
	}
	doc := map[string]any{
		"name":      pkg.Name,
		"private":   pkg.Private,
		"downloads": pkg.Downloads,
		"uploaders": pkg.Uploaders,
		"versions":  versions,
	}
	if latest := pkg.LatestVersion(); latest != nil {
		doc["latest"] = map[string]any{
			"version": latest.Version,
			"pubspec": latest.Pubspec,
		}
	}
	return doc
}

// Helper functions

func intParam(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func writeCached(w http.ResponseWriter, resp *models.CachedResponse) {
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	if resp.Stale {
		w.Header().Set("X-Cache", "STALE")
	}
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, models.ErrorResponse{
		Error:   http.StatusText(status),
		Code:    status,
		Message: msg,
	})
}

func writeValidationError(w http.ResponseWriter, err error) {
	msg := err.Error()
	if errors.Is(err, services.ErrValidation) {
		msg = strings.TrimPrefix(msg, services.ErrValidation.Error()+": ")
	}
	writeError(w, http.StatusBadRequest, msg)
}

// responseWriter wraps http.ResponseWriter to capture status and bytes written.
type responseWriter struct {
	http.ResponseWriter
	status  int
	written int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}

// lockPublish serializes concurrent publishes of the same (name, version).
func (h *Handler) lockPublish(name, version string) func() {
	key := name + "@" + version
	h.locksMu.Lock()
	lock, ok := h.publishLocks[key]
	if !ok {
		lock = &publishLock{}
		h.publishLocks[key] = lock
	}
	lock.refs++
	h.locksMu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		h.locksMu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(h.publishLocks, key)
		}
		h.locksMu.Unlock()
	}
}

type publishLock struct {
	mu   sync.Mutex
	refs int
}
