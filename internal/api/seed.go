package api

import (
	"errors"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/BenjaminSchiborr/cloud-init/internal/sources"
)

// latestVersion is always accepted as an alias of the configured version
const latestVersion = "latest"

// metaDataFields are the fields served under meta-data/, in listing order
var metaDataFields = []string{
	sources.FieldInstanceID,
	sources.FieldLocalHostname,
	sources.FieldPublicKeys,
}

type seedRoutes struct {
	dir     string
	version string
	reader  sources.Reader
}

// requireVersion rejects metadata versions other than the served one
func (s *seedRoutes) requireVersion(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		v := chi.URLParam(r, "version")
		if v != s.version && v != latestVersion {
			http.NotFound(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// listMetaData returns the names of the meta-data fields present, one per line
func (s *seedRoutes) listMetaData(w http.ResponseWriter, r *http.Request) {
	var present []string
	for _, name := range metaDataFields {
		if _, err := os.Stat(filepath.Join(s.dir, name)); err == nil {
			present = append(present, name)
		}
	}
	if len(present) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(strings.Join(present, "\n") + "\n"))
}

// metaData serves GET /{version}/meta-data/{field}
func (s *seedRoutes) metaData(w http.ResponseWriter, r *http.Request) {
	field := chi.URLParam(r, "field")
	for _, name := range metaDataFields {
		if name == field {
			s.serveField(w, r, field, "text/plain; charset=utf-8")
			return
		}
	}
	http.NotFound(w, r)
}

// userData serves GET /{version}/user-data
func (s *seedRoutes) userData(w http.ResponseWriter, r *http.Request) {
	s.serveField(w, r, sources.FieldUserData, "application/octet-stream")
}

// serveField writes the field file verbatim, or 404 when it is absent
func (s *seedRoutes) serveField(w http.ResponseWriter, r *http.Request, field, contentType string) {
	//nolint:gosec // field is one of the fixed seed field names
	data, err := os.ReadFile(filepath.Join(s.dir, field))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			log.FromContext(r.Context()).Error(err, "Failed to read seed field", "field", field)
			writeErrorResponse(w, "failed to read "+field, http.StatusInternalServerError)
			return
		}
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", contentType)
	_, _ = w.Write(data)
}

// readiness reports whether the served directory holds a complete seed
func (s *seedRoutes) readiness(w http.ResponseWriter, r *http.Request) {
	outcome := s.reader.Read(r.Context(), sources.NewDirectorySource(s.dir))
	if outcome.Kind != sources.KindResolved {
		writeJSONResponse(w, ReadinessResponse{
			Status:  "not ready",
			Outcome: outcome.Kind.String(),
			Missing: outcome.Missing,
		}, http.StatusServiceUnavailable)
		return
	}
	writeJSONResponse(w, ReadinessResponse{Status: "ready", Outcome: outcome.Kind.String()}, http.StatusOK)
}
