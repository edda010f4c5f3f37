package protocol

import "time"

// TranscribeRequest is submitted on SubjectTranscribe. Empty engine fields
// fall back to the serving node's defaults.
type TranscribeRequest struct {
	RequestID string `json:"request_id,omitempty"`
	FilePath  string `json:"file_path,omitempty"`
	URL       string `json:"url,omitempty"`
	Model     string `json:"model,omitempty"`
	Device    string `json:"device,omitempty"`
	Precision string `json:"precision,omitempty"`
	Language  string `json:"language,omitempty"`
	Task      string `json:"task,omitempty"`
	BeamSize  int    `json:"beam_size,omitempty"`
}

// TranscribeResponse is the reply to a TranscribeRequest. On failure Text
// carries the human-readable diagnostic and ErrorKind is set.
type TranscribeResponse struct {
	RequestID      string        `json:"request_id"`
	NodeID         string        `json:"node_id"`
	Text           string        `json:"text"`
	TranscriptPath string        `json:"transcript_path,omitempty"`
	SubtitlePath   string        `json:"subtitle_path,omitempty"`
	ErrorKind      string        `json:"error_kind,omitempty"`
	Error          string        `json:"error,omitempty"`
	Language       string        `json:"language,omitempty"`
	Duration       float64       `json:"duration,omitempty"`
	Segments       int           `json:"segments"`
	Elapsed        time.Duration `json:"elapsed_ns"`
	CompletedAt    time.Time     `json:"completed_at"`
}

func (r TranscribeResponse) Succeeded() bool {
	return r.ErrorKind == ""
}

const (
	SubjectTranscribe          = "scribe.transcribe"
	SubjectNodeAnnounce        = "scribe.node.announce"
	SubjectNodeHeartbeatPrefix = "scribe.node.heartbeat"
)

// Capability is one thing a node can serve, e.g. stt.transcribe for a model.
type Capability struct {
	Name       string            `json:"name"`
	Tier       string            `json:"tier,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// NodeAnnouncement is published on SubjectNodeAnnounce when a node starts
// and whenever it sees a peer for the first time.
type NodeAnnouncement struct {
	NodeID       string       `json:"node_id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	Timestamp    time.Time    `json:"timestamp"`
}

// NodeHeartbeat is published on SubjectNodeHeartbeatPrefix.<node id>. It
// carries the engines the node has loaded so callers can prefer warm nodes.
type NodeHeartbeat struct {
	NodeID        string    `json:"node_id"`
	LoadedEngines []string  `json:"loaded_engines"`
	InFlight      int       `json:"in_flight"`
	Timestamp     time.Time `json:"timestamp"`
}
