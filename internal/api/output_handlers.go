package api

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	derror "github.com/shehryarbajwa/renderfarm-mini/internal/errors"
)

// outputFile resolves filename inside dir, rejecting anything that is not a
// plain file name.
func outputFile(dir, filename string) (string, error) {
	if filename == "" || filename == "." || filename == ".." || filepath.Base(filename) != filename {
		return "", derror.Validation("invalid file name %q", filename)
	}
	return filepath.Join(dir, filename), nil
}

// ServeRenderOutput handles GET /v1/renderoutput/{filename}
func (h *Handler) ServeRenderOutput(w http.ResponseWriter, r *http.Request) {
	h.serveOutput(w, r, h.opts.RenderOutputDir)
}

// ServeConvertOutput handles GET /v1/convertoutput/{filename}
func (h *Handler) ServeConvertOutput(w http.ResponseWriter, r *http.Request) {
	h.serveOutput(w, r, h.opts.ConvertOutputDir)
}

func (h *Handler) serveOutput(w http.ResponseWriter, r *http.Request, dir string) {
	path, err := outputFile(dir, mux.Vars(r)["filename"])
	if err != nil {
		h.writeError(w, r, "failed to get output", err)
		return
	}
	if _, err := os.Stat(path); err != nil {
		h.writeError(w, r, "failed to get output", derror.NotFound("output %s not found", filepath.Base(path)))
		return
	}
	http.ServeFile(w, r, path)
}

// UploadRenderOutput handles POST /v1/renderoutput
func (h *Handler) UploadRenderOutput(w http.ResponseWriter, r *http.Request) {
	h.uploadOutput(w, r, h.opts.RenderOutputDir, "renderoutput")
}

// UploadConvertOutput handles POST /v1/convertoutput
func (h *Handler) UploadConvertOutput(w http.ResponseWriter, r *http.Request) {
	h.uploadOutput(w, r, h.opts.ConvertOutputDir, "convertoutput")
}

// uploadOutput stores the multipart "file" field of a worker upload under its
// original name.
func (h *Handler) uploadOutput(w http.ResponseWriter, r *http.Request, dir, route string) {
	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		h.writeError(w, r, "failed to upload output", derror.Validation("missing file"))
		return
	}
	defer file.Close()

	path, err := outputFile(dir, header.Filename)
	if err != nil {
		h.writeError(w, r, "failed to upload output", err)
		return
	}
	if err := saveFile(path, file); err != nil {
		h.writeError(w, r, "failed to upload output", err)
		return
	}

	url := fmt.Sprintf("%s/v%d/%s/%s", h.opts.PublicURL, h.opts.MajorVersion, route, header.Filename)
	h.logger.Info("output uploaded", zap.String("file", header.Filename), zap.String("url", url))
	writeData(w, http.StatusCreated, route, map[string]string{"url": url})
}

func saveFile(path string, src io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create output directory")
	}
	dst, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create output file")
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return errors.Wrap(err, "write output file")
	}
	return errors.Wrap(dst.Close(), "write output file")
}
