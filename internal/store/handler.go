package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"chunkcast/internal/api"
	"chunkcast/internal/media"
	"chunkcast/internal/platform/metrics"

	"github.com/go-chi/chi/v5"
)

// multipartOverhead is allowed on top of the chunk limit for form fields.
const multipartOverhead = 1 << 20

// Handler exposes the chunk store HTTP endpoints using go-chi.
type Handler struct {
	svc           *Service
	notifier      *Notifier
	log           *slog.Logger
	metrics       *metrics.Metrics
	maxChunkBytes int64
	now           func() time.Time
}

// NewHandler returns a Handler. notifier and m may be nil; maxChunkBytes <= 0
// means 64 MiB.
func NewHandler(svc *Service, notifier *Notifier, log *slog.Logger, m *metrics.Metrics, maxChunkBytes int64) *Handler {
	if maxChunkBytes <= 0 {
		maxChunkBytes = 64 << 20
	}
	return &Handler{
		svc:           svc,
		notifier:      notifier,
		log:           log,
		metrics:       m,
		maxChunkBytes: maxChunkBytes,
		now:           time.Now,
	}
}

// Routes registers every store endpoint on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get(api.PathTime, h.Time)
	r.Post(api.PathUpload, h.Upload)
	r.Post(api.PathFinalize, h.Finalize)
	r.Route("/competitions/{competition_id}", func(r chi.Router) {
		r.Get("/manifest", h.Manifest)
		r.Get("/manifest/ws", h.ManifestStream)
		r.Get("/chunks/{sequence}", h.Chunk)
		r.Get("/video", h.Video)
		r.Get("/playlist.m3u8", h.Playlist)
	})
}

// Time handles GET /time.
func (h *Handler) Time(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, api.TimeResponse{Timestamp: h.now().UnixMilli()})
}

// Upload handles POST /upload (multipart: chunk, competition_id,
// chunk_number, extension, offset, optional producer_id and produced_at_ms).
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxChunkBytes+multipartOverhead)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.reject(w, http.StatusRequestEntityTooLarge, "too_large", "chunk exceeds size limit")
			return
		}
		h.reject(w, http.StatusBadRequest, "bad_request", "invalid multipart body")
		return
	}
	defer r.MultipartForm.RemoveAll()

	req, err := h.parseUpload(r)
	if err != nil {
		h.reject(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if int64(len(req.Data)) > h.maxChunkBytes {
		h.reject(w, http.StatusRequestEntityTooLarge, "too_large", "chunk exceeds size limit")
		return
	}

	created, err := h.svc.StoreChunk(req)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidCompetitionID), errors.Is(err, ErrInvalidSequence):
			h.reject(w, http.StatusBadRequest, "bad_request", err.Error())
		case errors.Is(err, ErrSessionFinalized):
			h.reject(w, http.StatusConflict, "finalized", err.Error())
		case errors.Is(err, ErrProducerConflict):
			h.reject(w, http.StatusConflict, "producer_conflict", err.Error())
		case errors.Is(err, ErrExtensionMismatch):
			h.reject(w, http.StatusConflict, "extension_mismatch", err.Error())
		default:
			h.log.Error("store chunk failed",
				slog.String("competition_id", string(req.CompetitionID)),
				slog.Uint64("sequence", req.Sequence),
				slog.String("error", err.Error()))
			writeJSON(w, http.StatusInternalServerError, api.UploadResponse{Error: "internal error"})
		}
		return
	}

	h.log.Debug("chunk stored",
		slog.String("competition_id", string(req.CompetitionID)),
		slog.Uint64("sequence", req.Sequence),
		slog.Int("size", len(req.Data)),
		slog.Bool("duplicate", !created))
	if created && h.metrics != nil {
		h.metrics.ObserveChunkStored(int64(len(req.Data)))
	}
	writeJSON(w, http.StatusOK, api.UploadResponse{Success: true})
}

func (h *Handler) parseUpload(r *http.Request) (UploadRequest, error) {
	var req UploadRequest
	req.CompetitionID = CompetitionID(r.FormValue(api.FieldCompetitionID))
	if req.CompetitionID == "" {
		return req, fmt.Errorf("missing %s", api.FieldCompetitionID)
	}

	seq, err := strconv.ParseUint(r.FormValue(api.FieldChunkNumber), 10, 64)
	if err != nil {
		return req, fmt.Errorf("invalid %s", api.FieldChunkNumber)
	}
	req.Sequence = seq

	ext, err := media.ParseExtension(r.FormValue(api.FieldExtension))
	if err != nil {
		return req, err
	}
	req.Extension = ext

	if v := r.FormValue(api.FieldOffset); v != "" {
		off, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return req, fmt.Errorf("invalid %s", api.FieldOffset)
		}
		req.OffsetMs = off
	}
	req.ProducerID = r.FormValue(api.FieldProducerID)
	if v := r.FormValue(api.FieldProducedAtMs); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return req, fmt.Errorf("invalid %s", api.FieldProducedAtMs)
		}
		req.ProducedAt = time.UnixMilli(ms)
	}

	f, _, err := r.FormFile(api.FieldChunk)
	if err != nil {
		return req, fmt.Errorf("missing %s", api.FieldChunk)
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, h.maxChunkBytes+1))
	if err != nil {
		return req, fmt.Errorf("read %s: %w", api.FieldChunk, err)
	}
	if len(data) == 0 {
		return req, fmt.Errorf("empty %s", api.FieldChunk)
	}
	req.Data = data
	return req, nil
}

func (h *Handler) reject(w http.ResponseWriter, status int, reason, msg string) {
	h.log.Info("chunk rejected", slog.String("reason", reason), slog.String("error", msg))
	if h.metrics != nil {
		h.metrics.IncChunksRejected(reason)
	}
	writeJSON(w, status, api.UploadResponse{Error: msg})
}

// Finalize handles POST /finalize.
func (h *Handler) Finalize(w http.ResponseWriter, r *http.Request) {
	var body api.FinalizeRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&body); err != nil {
		h.log.Debug("invalid finalize body", slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadRequest, api.FinalizeResponse{Error: "invalid body"})
		return
	}
	var ext media.Extension
	if body.Extension != "" {
		e, err := media.ParseExtension(body.Extension)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, api.FinalizeResponse{Error: err.Error()})
			return
		}
		ext = e
	}

	id := CompetitionID(body.CompetitionID)
	url, err := h.svc.Finalize(r.Context(), id, ext)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, ErrInvalidCompetitionID):
			status = http.StatusBadRequest
		case errors.Is(err, ErrSessionNotFound):
			status = http.StatusNotFound
		case errors.Is(err, ErrAlreadyFinalized), errors.Is(err, ErrExtensionMismatch):
			status = http.StatusConflict
		default:
			h.log.Error("finalize failed", slog.String("competition_id", string(id)), slog.String("error", err.Error()))
		}
		writeJSON(w, status, api.FinalizeResponse{Error: err.Error()})
		return
	}

	if h.metrics != nil {
		h.metrics.IncSessionsFinalized()
	}
	writeJSON(w, http.StatusOK, api.FinalizeResponse{Success: true, VideoURL: url})
}

// Manifest handles GET /competitions/{competition_id}/manifest.
func (h *Handler) Manifest(w http.ResponseWriter, r *http.Request) {
	id, ok := competitionParam(w, r)
	if !ok {
		return
	}
	m, found, err := h.svc.Manifest(id)
	if err != nil {
		h.internal(w, "manifest", err)
		return
	}
	if !found {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, m)
}

// ManifestStream handles GET /competitions/{competition_id}/manifest/ws.
// Subscribing to a session with no chunks yet is allowed.
func (h *Handler) ManifestStream(w http.ResponseWriter, r *http.Request) {
	id, ok := competitionParam(w, r)
	if !ok {
		return
	}
	if h.notifier == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	h.notifier.Serve(w, r, id, func() api.ManifestResponse {
		m, _, err := h.svc.Manifest(id)
		if err != nil {
			h.log.Warn("manifest for subscriber", slog.String("error", err.Error()))
		}
		return m
	})
}

// Chunk handles GET /competitions/{competition_id}/chunks/{sequence}.
func (h *Handler) Chunk(w http.ResponseWriter, r *http.Request) {
	id, ok := competitionParam(w, r)
	if !ok {
		return
	}
	seq, err := strconv.ParseUint(chi.URLParam(r, "sequence"), 10, 64)
	if err != nil || seq == 0 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	rc, c, err := h.svc.OpenChunk(id, seq)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrChunkNotFound) || errors.Is(err, ErrBlobNotFound) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.internal(w, "open chunk", err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", c.Extension.ContentType())
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	http.ServeContent(w, r, fmt.Sprintf("%d.%s", seq, c.Extension), c.ReceivedAt, rc)
}

// Video handles GET /competitions/{competition_id}/video.
func (h *Handler) Video(w http.ResponseWriter, r *http.Request) {
	id, ok := competitionParam(w, r)
	if !ok {
		return
	}
	rc, ext, err := h.svc.OpenVideo(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, ErrSessionNotFound):
			w.WriteHeader(http.StatusNotFound)
		case errors.Is(err, ErrNotFinalized):
			w.WriteHeader(http.StatusConflict)
		default:
			h.internal(w, "open video", err)
		}
		return
	}
	defer rc.Close()

	name := fmt.Sprintf("%s.%s", id, ext)
	w.Header().Set("Content-Type", ext.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	if rs, ok := rc.(io.ReadSeeker); ok {
		http.ServeContent(w, r, name, time.Time{}, rs)
		return
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		h.log.Warn("video stream interrupted", slog.String("competition_id", string(id)), slog.String("error", err.Error()))
	}
}

// Playlist handles GET /competitions/{competition_id}/playlist.m3u8.
func (h *Handler) Playlist(w http.ResponseWriter, r *http.Request) {
	id, ok := competitionParam(w, r)
	if !ok {
		return
	}
	m3u8, err := h.svc.Playlist(id)
	if err != nil {
		switch {
		case errors.Is(err, ErrSessionNotFound):
			w.WriteHeader(http.StatusNotFound)
		case errors.Is(err, ErrPlaylistUnsupported):
			w.WriteHeader(http.StatusUnsupportedMediaType)
		default:
			h.internal(w, "playlist", err)
		}
		return
	}

	w.Header().Set("Content-Type", playlistContentType)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(m3u8))
}

func (h *Handler) internal(w http.ResponseWriter, op string, err error) {
	h.log.Error(op+" failed", slog.String("error", err.Error()))
	w.WriteHeader(http.StatusInternalServerError)
}

func competitionParam(w http.ResponseWriter, r *http.Request) (CompetitionID, bool) {
	id := chi.URLParam(r, "competition_id")
	if !ValidCompetitionID(id) {
		w.WriteHeader(http.StatusBadRequest)
		return "", false
	}
	return CompetitionID(id), true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
