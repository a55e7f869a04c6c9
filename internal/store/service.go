package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"chunkcast/internal/api"
	"chunkcast/internal/media"
	"chunkcast/internal/platform/logger"
)

var (
	// ErrInvalidCompetitionID rejects ids that are empty or unsafe as paths.
	ErrInvalidCompetitionID = errors.New("invalid competition_id")
	// ErrInvalidSequence rejects chunk number 0 and numbers above api.MaxSequence.
	ErrInvalidSequence = errors.New("chunk_number out of range")
	// ErrChunkNotFound is returned for a sequence the session does not hold.
	ErrChunkNotFound = errors.New("chunk not found")
	// ErrNotFinalized is returned when the assembled video is requested early.
	ErrNotFinalized = errors.New("session not finalized")
	// ErrPlaylistUnsupported is returned for sessions HLS cannot index.
	ErrPlaylistUnsupported = errors.New("playlist only available for mp4 sessions")
)

var competitionIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidCompetitionID reports whether id is acceptable as a session key.
func ValidCompetitionID(id string) bool {
	return competitionIDPattern.MatchString(id) && !strings.Contains(id, "..")
}

// Publisher is told about every manifest change.
type Publisher interface {
	Publish(id CompetitionID, m api.ManifestResponse)
}

// ServiceConfig configures a Service.
type ServiceConfig struct {
	// WindowSize of the live playlist (default DefaultWindowSize).
	WindowSize int
	// PublicURL prefixes returned video URLs; empty yields relative paths.
	PublicURL string
	// ChunkDuration stands in for chunks whose duration could not be probed
	// (default 3s).
	ChunkDuration time.Duration
	// ProbeDuration defaults to media.ProbeDuration.
	ProbeDuration func(ext media.Extension, data []byte) (time.Duration, error)
	Logger        *slog.Logger
}

// Service applies the store's rules on top of the Repository and keeps
// chunk bytes in BlobStorage.
type Service struct {
	repo  Repository
	blobs BlobStorage
	cfg   ServiceConfig
	log   *slog.Logger
	pub   Publisher
}

// NewService returns a Service using repo and blobs.
func NewService(repo Repository, blobs BlobStorage, cfg ServiceConfig) *Service {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultWindowSize
	}
	if cfg.ChunkDuration <= 0 {
		cfg.ChunkDuration = 3 * time.Second
	}
	if cfg.ProbeDuration == nil {
		cfg.ProbeDuration = media.ProbeDuration
	}
	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")
	return &Service{repo: repo, blobs: blobs, cfg: cfg, log: logger.OrDefault(cfg.Logger)}
}

// SetPublisher registers the manifest change listener.
func (s *Service) SetPublisher(p Publisher) { s.pub = p }

// UploadRequest is one parsed chunk upload.
type UploadRequest struct {
	CompetitionID CompetitionID
	ProducerID    string
	Sequence      uint64
	Extension     media.Extension
	OffsetMs      int64
	ProducedAt    time.Time
	Data          []byte
}

// StoreChunk persists one chunk. Re-uploading a stored sequence number is a
// no-op success (created=false).
func (s *Service) StoreChunk(req UploadRequest) (created bool, err error) {
	if !ValidCompetitionID(string(req.CompetitionID)) {
		return false, ErrInvalidCompetitionID
	}
	if req.Sequence == 0 || req.Sequence > api.MaxSequence {
		return false, ErrInvalidSequence
	}

	dur, perr := s.cfg.ProbeDuration(req.Extension, req.Data)
	if perr != nil {
		s.log.Debug("chunk duration unknown",
			slog.String("competition_id", string(req.CompetitionID)),
			slog.Uint64("sequence", req.Sequence),
			slog.String("error", perr.Error()))
		dur = 0
	}

	key := ChunkKey(req.CompetitionID, req.Sequence, req.Extension)
	size, err := s.blobs.Put(key, bytes.NewReader(req.Data))
	if err != nil {
		return false, fmt.Errorf("store chunk: %w", err)
	}

	created, err = s.repo.RegisterChunk(req.CompetitionID, req.ProducerID, Chunk{
		Sequence:   req.Sequence,
		Extension:  req.Extension,
		OffsetMs:   req.OffsetMs,
		ProducedAt: req.ProducedAt,
		Duration:   dur,
		Size:       size,
		BlobKey:    key,
	})
	if err != nil || !created {
		if derr := s.blobs.Delete(key); derr != nil {
			s.log.Warn("orphan chunk blob", slog.String("key", key), slog.String("error", derr.Error()))
		}
		return false, err
	}

	s.publish(req.CompetitionID)
	return true, nil
}

// Manifest returns the consumer view of a session.
func (s *Service) Manifest(id CompetitionID) (api.ManifestResponse, bool, error) {
	snap, ok, err := s.repo.Snapshot(id)
	if err != nil || !ok {
		return api.ManifestResponse{CompetitionID: string(id), Available: []uint64{}}, false, err
	}
	return manifestOf(snap), true, nil
}

func manifestOf(snap Snapshot) api.ManifestResponse {
	avail := make([]uint64, 0, len(snap.Chunks))
	for _, c := range snap.Chunks {
		avail = append(avail, c.Sequence)
	}
	return api.ManifestResponse{
		CompetitionID:   string(snap.ID),
		Extension:       string(snap.Extension),
		HighestSequence: snap.Highest(),
		Available:       avail,
		Finalized:       snap.Finalized,
	}
}

func (s *Service) publish(id CompetitionID) {
	if s.pub == nil {
		return
	}
	m, ok, err := s.Manifest(id)
	if err != nil || !ok {
		return
	}
	s.pub.Publish(id, m)
}

// OpenChunk opens the bytes of one chunk.
func (s *Service) OpenChunk(id CompetitionID, seq uint64) (io.ReadSeekCloser, Chunk, error) {
	snap, ok, err := s.repo.Snapshot(id)
	if err != nil {
		return nil, Chunk{}, err
	}
	if !ok {
		return nil, Chunk{}, ErrSessionNotFound
	}
	for _, c := range snap.Chunks {
		if c.Sequence == seq {
			rc, err := s.blobs.Open(c.BlobKey)
			if err != nil {
				return nil, Chunk{}, err
			}
			return rc, c, nil
		}
	}
	return nil, Chunk{}, ErrChunkNotFound
}

// VideoURL is where the assembled video of id is served.
func (s *Service) VideoURL(id CompetitionID) string {
	return s.cfg.PublicURL + api.VideoPath(string(id))
}

// Finalize marks the session finalized exactly once and assembles its
// chunks, in sequence order, into one file in the recorded container.
// A failed assembly is logged; the video is then served by streaming the
// chunks directly.
func (s *Service) Finalize(ctx context.Context, id CompetitionID, ext media.Extension) (string, error) {
	if !ValidCompetitionID(string(id)) {
		return "", ErrInvalidCompetitionID
	}
	snap, ok, err := s.repo.Snapshot(id)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrSessionNotFound
	}
	if ext != "" && snap.Extension != "" && ext != snap.Extension {
		return "", ErrExtensionMismatch
	}
	if err := s.repo.Finalize(id); err != nil {
		return "", err
	}

	snap, _, err = s.repo.Snapshot(id)
	if err != nil {
		return "", err
	}
	log := s.log.With(slog.String("competition_id", string(id)))
	if missing := snap.Missing(); len(missing) > 0 {
		log.Warn("finalized with missing chunks", slog.Any("missing", missing))
	}

	if err := s.assemble(ctx, snap); err != nil {
		log.Error("video assembly failed, serving chunks directly", slog.String("error", err.Error()))
	}

	s.publish(id)
	log.Info("session finalized",
		slog.Int("chunks", len(snap.Chunks)),
		slog.Uint64("highest_sequence", snap.Highest()))
	return s.VideoURL(id), nil
}

func (s *Service) assemble(ctx context.Context, snap Snapshot) error {
	if len(snap.Chunks) == 0 {
		return nil
	}
	key := FinalKey(snap.ID, snap.Extension)
	r := newChunkReader(ctx, s.blobs, snap.Chunks)
	defer r.Close()
	if _, err := s.blobs.Put(key, r); err != nil {
		return err
	}
	return s.repo.SetFinalKey(snap.ID, key)
}

// OpenVideo returns the whole recording of a finalized session.
func (s *Service) OpenVideo(ctx context.Context, id CompetitionID) (io.ReadCloser, media.Extension, error) {
	snap, ok, err := s.repo.Snapshot(id)
	if err != nil {
		return nil, "", err
	}
	if !ok {
		return nil, "", ErrSessionNotFound
	}
	if !snap.Finalized {
		return nil, "", ErrNotFinalized
	}
	if snap.FinalKey != "" {
		rc, err := s.blobs.Open(snap.FinalKey)
		if err == nil {
			return rc, snap.Extension, nil
		}
		s.log.Warn("assembled video unavailable, streaming chunks",
			slog.String("competition_id", string(id)), slog.String("error", err.Error()))
	}
	return newChunkReader(ctx, s.blobs, snap.Chunks), snap.Extension, nil
}

// Playlist returns an HLS index over an MP4 session: a contiguous sliding
// window while live, the full list once finalized.
func (s *Service) Playlist(id CompetitionID) (string, error) {
	snap, ok, err := s.repo.Snapshot(id)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrSessionNotFound
	}
	if snap.Extension != media.MP4 {
		return "", ErrPlaylistUnsupported
	}

	chunks := snap.Chunks
	if !snap.Finalized {
		chunks = contiguousVisibleChunks(chunks, s.cfg.WindowSize)
	}
	uri := func(seq uint64) string { return s.cfg.PublicURL + api.ChunkPath(string(id), seq) }
	return BuildPlaylist(playlistSegments(chunks, uri, s.cfg.ChunkDuration), snap.Finalized), nil
}

// ActiveSessionCount returns the number of sessions still recording.
func (s *Service) ActiveSessionCount() int {
	return s.repo.ActiveSessionCount()
}

// chunkReader streams chunk blobs back to back, opening one at a time.
type chunkReader struct {
	ctx    context.Context
	blobs  BlobStorage
	chunks []Chunk
	cur    io.ReadCloser
}

func newChunkReader(ctx context.Context, blobs BlobStorage, chunks []Chunk) *chunkReader {
	return &chunkReader{ctx: ctx, blobs: blobs, chunks: chunks}
}

func (r *chunkReader) Read(p []byte) (int, error) {
	for {
		if err := r.ctx.Err(); err != nil {
			return 0, err
		}
		if r.cur == nil {
			if len(r.chunks) == 0 {
				return 0, io.EOF
			}
			rc, err := r.blobs.Open(r.chunks[0].BlobKey)
			if err != nil {
				return 0, fmt.Errorf("chunk %d: %w", r.chunks[0].Sequence, err)
			}
			r.cur = rc
			r.chunks = r.chunks[1:]
		}
		n, err := r.cur.Read(p)
		if err == io.EOF {
			r.cur.Close()
			r.cur = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (r *chunkReader) Close() error {
	if r.cur != nil {
		err := r.cur.Close()
		r.cur = nil
		return err
	}
	return nil
}
