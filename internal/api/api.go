// Package api holds the wire shapes shared by the chunk store and its clients.
package api

import (
	"fmt"
	"net/url"
)

// Multipart form fields of POST /upload.
const (
	FieldChunk         = "chunk"
	FieldCompetitionID = "competition_id"
	FieldChunkNumber   = "chunk_number"
	FieldExtension     = "extension"
	FieldOffset        = "offset"
	FieldProducerID    = "producer_id"
	FieldProducedAtMs  = "produced_at_ms"
)

// MaxSequence is the highest chunk number the store accepts and clients
// read. At a 3s chunk interval it covers more than a month of recording.
const MaxSequence uint64 = 1 << 20

// Producer-facing paths.
const (
	PathTime     = "/time"
	PathUpload   = "/upload"
	PathFinalize = "/finalize"
)

// TimeResponse is the body of GET /time.
type TimeResponse struct {
	Timestamp int64 `json:"timestamp"`
}

// UploadResponse is the body of POST /upload.
type UploadResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// FinalizeRequest is the body of POST /finalize.
type FinalizeRequest struct {
	CompetitionID string `json:"competition_id"`
	Extension     string `json:"extension"`
}

// FinalizeResponse is the body returned by POST /finalize.
type FinalizeResponse struct {
	Success  bool   `json:"success"`
	VideoURL string `json:"video_url,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ManifestResponse is the consumer's view of a session, returned by the
// manifest endpoint and pushed over the manifest websocket.
type ManifestResponse struct {
	CompetitionID   string   `json:"competition_id"`
	Extension       string   `json:"extension,omitempty"`
	HighestSequence uint64   `json:"highest_sequence"`
	Available       []uint64 `json:"available"`
	Finalized       bool     `json:"finalized"`
}

// ManifestPath is the manifest probe path for a competition.
func ManifestPath(competitionID string) string {
	return fmt.Sprintf("/competitions/%s/manifest", url.PathEscape(competitionID))
}

// ManifestStreamPath is the websocket push path for a competition's manifest.
func ManifestStreamPath(competitionID string) string {
	return ManifestPath(competitionID) + "/ws"
}

// ChunkPath is the download path of one chunk.
func ChunkPath(competitionID string, sequence uint64) string {
	return fmt.Sprintf("/competitions/%s/chunks/%d", url.PathEscape(competitionID), sequence)
}

// VideoPath is the download path of a finalized session's assembled video.
func VideoPath(competitionID string) string {
	return fmt.Sprintf("/competitions/%s/video", url.PathEscape(competitionID))
}
