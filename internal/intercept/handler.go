package intercept

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/kalambet/obrasync/internal/offline"
	"github.com/kalambet/obrasync/internal/router"
	"github.com/kalambet/obrasync/internal/upstream"
)

const (
	defaultMaxUpload = 64 << 20 // 64MB
	maxFormMemory    = 8 << 20

	// DefaultCategory is used for photos submitted without a category.
	DefaultCategory = "Geral"

	draftIDField   = "offline_draft_id"
	checklistField = "checklist_data"
	photosField    = "fotos"
	categoryField  = "fotos_local"
	captionField   = "fotos_legenda"
)

// ServeHTTP diverts report submissions into offline storage when the network
// is not known to be up, and passes everything else to the next handler. An
// online submission the next handler could not deliver is diverted as well.
func (ic *Interceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || !ic.matches(r.URL.Path) {
		ic.next.ServeHTTP(w, r)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, ic.maxUpload)
	if ic.health.Online() {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			submissions.WithLabelValues("invalid").Inc()
			writeError(w, r, http.StatusRequestEntityTooLarge, "invalid_request", err.Error())
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		fw := &forwardWriter{ResponseWriter: w}
		ic.next.ServeHTTP(fw, r)
		if !fw.unreachable {
			return
		}
		ic.logger.Warn("report could not be forwarded, saving offline", "path", r.URL.Path)
		w.Header().Del(router.SourceHeader)
		w.Header().Del("Content-Type")
		r.Body = io.NopCloser(bytes.NewReader(body))
		r.Form, r.PostForm, r.MultipartForm = nil, nil, nil
	}
	ic.divert(w, r)
}

func (ic *Interceptor) divert(w http.ResponseWriter, r *http.Request) {
	d, err := ParseDraft(r)
	if err != nil {
		submissions.WithLabelValues("invalid").Inc()
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	rec, err := ic.Submit(r.Context(), d)
	if err != nil {
		submissions.WithLabelValues("failed").Inc()
		ic.logger.Error("saving report offline", "path", r.URL.Path, "error", err)
		if errors.Is(err, ErrDraftConflict) {
			writeError(w, r, http.StatusConflict, "draft_conflict",
				"Este rascunho já foi enviado com o conteúdo anterior. Abra o relatório enviado para editá-lo.")
			return
		}
		status, kind := http.StatusInternalServerError, "storage_error"
		if errors.Is(err, offline.ErrQuotaExceeded) {
			status, kind = http.StatusInsufficientStorage, "quota_exceeded"
		}
		writeError(w, r, status, kind, "O relatório não pôde ser salvo no dispositivo: "+err.Error())
		return
	}

	w.Header().Set("X-Obrasync-Offline", "1")
	if wantsJSON(r) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]any{
			"status":   "saved_offline",
			"message":  "Relatório salvo offline. Será enviado quando a conexão voltar.",
			"receipt":  rec,
			"redirect": ic.redirect,
		})
		return
	}
	http.Redirect(w, r, ic.redirect, http.StatusSeeOther)
}

// forwardWriter passes the next handler's response through, unless it is
// the router's placeholder for an unreachable network.
type forwardWriter struct {
	http.ResponseWriter
	wroteHeader bool
	unreachable bool
}

func (fw *forwardWriter) WriteHeader(code int) {
	if fw.wroteHeader {
		return
	}
	fw.wroteHeader = true
	if fw.Header().Get(router.SourceHeader) == string(router.SourceOffline) {
		fw.unreachable = true
		return
	}
	fw.ResponseWriter.WriteHeader(code)
}

func (fw *forwardWriter) Write(b []byte) (int, error) {
	if !fw.wroteHeader {
		fw.WriteHeader(http.StatusOK)
	}
	if fw.unreachable {
		return len(b), nil
	}
	return fw.ResponseWriter.Write(b)
}

func (ic *Interceptor) matches(path string) bool {
	for _, re := range ic.paths {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

// ParseDraft builds a Draft from a submitted report form. File inputs and
// the anti-forgery token are left out of the fields.
func ParseDraft(r *http.Request) (Draft, error) {
	if err := r.ParseMultipartForm(maxFormMemory); err != nil {
		if !errors.Is(err, http.ErrNotMultipart) {
			return Draft{}, fmt.Errorf("parsing form: %w", err)
		}
		if err := r.ParseForm(); err != nil {
			return Draft{}, fmt.Errorf("parsing form: %w", err)
		}
	}

	d := Draft{
		ID:         strings.TrimSpace(r.PostForm.Get(draftIDField)),
		FormAction: r.URL.RequestURI(),
		Fields:     make(map[string]string, len(r.PostForm)),
	}
	for name, values := range r.PostForm {
		switch {
		case upstream.IsCSRFField(name),
			name == draftIDField, name == checklistField,
			name == categoryField, name == captionField:
			continue
		}
		d.Fields[name] = strings.Join(values, ",")
	}

	if raw := strings.TrimSpace(r.PostForm.Get(checklistField)); raw != "" {
		var items []json.RawMessage
		if err := json.Unmarshal([]byte(raw), &items); err != nil {
			return Draft{}, fmt.Errorf("checklist_data is not a JSON array: %w", err)
		}
		d.Checklist = json.RawMessage(raw)
	}

	if r.MultipartForm == nil {
		return d, nil
	}
	categories := r.MultipartForm.Value[categoryField]
	captions := r.MultipartForm.Value[captionField]
	for i, fh := range r.MultipartForm.File[photosField] {
		data, err := readPart(fh)
		if err != nil {
			return Draft{}, fmt.Errorf("reading photo %q: %w", fh.Filename, err)
		}
		ph := Photo{
			Category:    DefaultCategory,
			Filename:    fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Data:        data,
		}
		if i < len(categories) && categories[i] != "" {
			ph.Category = categories[i]
		}
		if i < len(captions) {
			ph.Caption = captions[i]
		}
		d.Photos = append(d.Photos, ph)
	}
	return d, nil
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json") ||
		r.Header.Get("X-Requested-With") == "XMLHttpRequest"
}

// writeError answers with the JSON error envelope, or a short HTML page for
// plain form posts. It never redirects, so the form stays on screen.
func writeError(w http.ResponseWriter, r *http.Request, status int, kind, msg string) {
	if wantsJSON(r) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"message": msg, "type": kind},
		})
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, `<!doctype html><html lang="pt-BR"><head><meta charset="utf-8"><title>Erro ao salvar</title></head>
<body><h1>Erro ao salvar</h1><p>%s</p><p><a href="javascript:history.back()">Voltar ao formulário</a></p></body></html>`, html.EscapeString(msg))
}
