package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gorilla/mux"

	"formkeep/internal/fk"
)

const maxMultipartMemory = 32 << 20

type submitResponse struct {
	ID            string   `json:"id"`
	UploadedFiles []string `json:"uploaded_files"`
}

type validationResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

// handleSubmit accepts a multipart submission: an "email" value, one value
// per field key and any number of "files" parts.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if s.intake == nil {
		http.NotFound(w, r)
		return
	}
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		http.Error(w, "invalid multipart body", http.StatusBadRequest)
		return
	}

	data := make(map[string]string)
	for k, v := range r.MultipartForm.Value {
		if k == "email" || len(v) == 0 {
			continue
		}
		data[k] = v[0]
	}

	var files []fk.UploadFile
	for _, fh := range r.MultipartForm.File["files"] {
		f, err := fh.Open()
		if err != nil {
			http.Error(w, "reading upload", http.StatusBadRequest)
			return
		}
		content, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			http.Error(w, "reading upload", http.StatusBadRequest)
			return
		}
		ct := fh.Header.Get("Content-Type")
		if ct == "" || ct == "application/octet-stream" {
			ct = mimetype.Detect(content).String()
		}
		files = append(files, fk.UploadFile{Name: fh.Filename, ContentType: ct, Data: content})
	}

	sub, err := s.intake.Submit(r.Context(), mux.Vars(r)["formID"], r.FormValue("email"), data, files)
	if err != nil {
		var verr *fk.ValidationError
		if errors.As(err, &verr) {
			writeJSON(w, http.StatusUnprocessableEntity, validationResponse{Error: "invalid submission", Fields: verr.Fields})
			return
		}
		s.logger.Error("submission failed", "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, submitResponse{ID: sub.ID, UploadedFiles: sub.UploadedFiles})
}
