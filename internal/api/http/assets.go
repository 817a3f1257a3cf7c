package http

import (
	"bytes"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"

	"github.com/Mozmina/formatrice/internal/evaluation"
	"github.com/Mozmina/formatrice/internal/storage"
	syncx "github.com/Mozmina/formatrice/internal/sync"
	"github.com/Mozmina/formatrice/pkg/logger"
)

const maxImageBytes = 8 << 20

var allowedImages = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/gif":  true,
	"image/webp": true,
}

// POST /api/admin/assets (multipart "file") stores a situation image and
// returns the URL to put in a step's imageUrl.
func UploadAssetHandler(bs storage.BlobStore, audit AuditLog, log *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxImageBytes+1<<16)
		f, hdr, err := r.FormFile("file")
		if err != nil {
			http.Error(w, "file required", http.StatusBadRequest)
			return
		}
		defer f.Close()

		head := make([]byte, 3072)
		n, _ := io.ReadFull(f, head)
		head = head[:n]
		mtype := mimetype.Detect(head)
		if !allowedImages[mtype.String()] {
			http.Error(w, "unsupported image type "+mtype.String(), http.StatusUnsupportedMediaType)
			return
		}

		key := "images/" + evaluation.NewID() + mtype.Extension()
		body := io.MultiReader(bytes.NewReader(head), f)
		if _, err := bs.Put(key, io.LimitReader(body, maxImageBytes)); err != nil {
			http.Error(w, "store error: "+err.Error(), http.StatusInternalServerError)
			return
		}
		url := bs.URL(key)
		log.Info("asset uploaded", "key", key, "name", hdr.Filename, "size", hdr.Size)
		record(r.Context(), audit, log, syncx.EventAssetUploaded, key, map[string]any{"name": hdr.Filename, "size": hdr.Size})
		respondJSON(w, http.StatusCreated, map[string]string{"key": key, "url": url})
	}
}

// MountAssets serves stored blobs: GET /assets/* returns whatever follows /assets/.
func MountAssets(r chi.Router, bs storage.BlobStore) {
	r.Get("/*", func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimPrefix(chi.URLParam(r, "*"), "/")
		rc, err := bs.Get(key)
		if err != nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		defer rc.Close()
		ctype := mime.TypeByExtension(path.Ext(key))
		if ctype == "" {
			ctype = "application/octet-stream"
		}
		w.Header().Set("Content-Type", ctype)
		w.Header().Set("Cache-Control", "public, max-age=86400")
		_, _ = io.Copy(w, rc)
	})
}
