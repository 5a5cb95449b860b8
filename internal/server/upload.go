package server

import (
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ayush-codes-ar/veloNode/internal/build"
)

// maxUploadBytes caps the whole multipart body. Archives beyond this are a
// misuse of the endpoint, not a legitimate workload.
const maxUploadBytes = 2 << 30

// registerBuilds mounts the multipart image-build endpoint directly on the
// router. Streaming file uploads do not fit the typed operation model, so this
// one handler bypasses it and reuses the same auth context and error envelope.
func registerBuilds(router chi.Router, basePath string, cfg Config) {
	if cfg.Build == nil {
		return
	}
	router.Post(basePath+"/builds", func(w http.ResponseWriter, r *http.Request) {
		if _, err := identityFromContext(r.Context()); err != nil {
			respondStatusError(w, err)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "invalid multipart body: "+err.Error(), nil))
			return
		}
		defer func() {
			if r.MultipartForm != nil {
				_ = r.MultipartForm.RemoveAll()
			}
		}()

		code, err := spoolUpload(r, "code")
		if err != nil {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil))
			return
		}
		data, err := spoolUpload(r, "data")
		if err != nil {
			removeIfSet(code)
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil))
			return
		}

		req := buildRequestFromForm(r, code, data)
		result, err := cfg.Build.Build(r.Context(), req)
		if err != nil {
			cfg.Log.Error().Err(err).Msg("image build failed")
			respondStatusError(w, handleError(err))
			return
		}
		cfg.Log.Info().Str("build_id", result.BuildID).Str("image", result.ImageRef).Msg("image built")

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(BuildResponse{BuildID: result.BuildID, Image: result.ImageRef})
	})
}

func buildRequestFromForm(r *http.Request, code, data string) build.Request {
	req := build.Request{
		CodeArchive: code,
		DataArchive: data,
		BaseImage:   strings.TrimSpace(r.FormValue("base_image")),
		EntryFile:   strings.TrimSpace(r.FormValue("entry_file")),
	}
	if raw := strings.TrimSpace(r.FormValue("command")); raw != "" {
		var cmd []string
		if err := json.Unmarshal([]byte(raw), &cmd); err == nil {
			req.Command = cmd
		} else {
			req.Command = strings.Fields(raw)
		}
	}
	return req
}

// spoolUpload copies the named multipart file to a temp file and returns its
// path, or "" when the part is absent.
func spoolUpload(r *http.Request, field string) (string, error) {
	file, _, err := r.FormFile(field)
	if err != nil {
		if err == http.ErrMissingFile {
			return "", nil
		}
		return "", err
	}
	defer file.Close()
	return spoolToTemp(file, field)
}

func spoolToTemp(src multipart.File, field string) (string, error) {
	tmp, err := os.CreateTemp("", "velonode-"+field+"-*.tar.gz")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}

func removeIfSet(path string) {
	if path != "" {
		_ = os.Remove(path)
	}
}
