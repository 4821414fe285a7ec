package handlers

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/usersapi/apiserver/internal/logging"
	"github.com/usersapi/apiserver/internal/storage"
)

// ObjectReader opens stored objects by key.
type ObjectReader interface {
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}

// AvatarRouter serves stored avatars under the mounted prefix. Keys are
// looked up as "avatars/<file>".
func AvatarRouter(r chi.Router, objects ObjectReader, log logging.Logger) {
	if log == nil {
		log = logging.Nop()
	}
	r.Get("/{file}", func(w http.ResponseWriter, r *http.Request) {
		file := chi.URLParam(r, "file")
		if file == "" || strings.ContainsAny(file, `/\`) || strings.HasPrefix(file, ".") {
			writeError(w, http.StatusNotFound, "not found")
			return
		}

		obj, err := objects.Get(r.Context(), "avatars/"+file)
		if err != nil {
			if errors.Is(err, storage.ErrObjectNotFound) {
				writeError(w, http.StatusNotFound, "not found")
				return
			}
			log.Error(r.Context(), "avatar read failed", "file", file, "error", err)
			writeError(w, http.StatusInternalServerError, "Server Error")
			return
		}
		defer obj.Close()

		if contentType := mime.TypeByExtension(path.Ext(file)); contentType != "" {
			w.Header().Set("Content-Type", contentType)
		}
		w.Header().Set("Cache-Control", "public, max-age=300")
		w.WriteHeader(http.StatusOK)
		_, _ = io.Copy(w, obj)
	})
}
