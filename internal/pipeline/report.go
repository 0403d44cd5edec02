package pipeline

import "time"

// Ingest modes, recorded on every report.
const (
	ModeFull        = "full"
	ModeIncremental = "incremental"
	ModeSelected    = "selected"
	ModePartial     = "partial"
)

// Report summarizes one pipeline run. Callers always receive one once a
// run has started; only session-fatal conditions come back as an error
// alongside it.
type Report struct {
	Mode      string
	SessionID string
	StartedAt time.Time
	Duration  time.Duration

	FilesScanned int
	FilesUpdated int
	FilesDeleted int

	// PostsSkipped counts forum posts left alone because their stored
	// fingerprint matched the corpus.
	PostsSkipped int

	ChunksPlanned  int
	ChunksUpserted int
	ChunksFailed   int
	ChunksDeleted  int
	ChunksSkipped  int

	// Cancelled is set when the run stopped on context cancellation. A
	// cancelled run is not an error: in-flight work was drained and
	// progress was flushed, so a resumed run picks up where this one
	// stopped.
	Cancelled bool

	// Partial mode only.
	NextStartIndex int
	HasMore        bool

	Failed      []FailedChunk
	Diagnostics Diagnostics
}

// FailedChunk records one chunk that did not reach the index this run.
// ChunkIndex -1 means the whole file failed before chunking.
type FailedChunk struct {
	File       string
	ChunkIndex int
	ChunkID    string
	Err        string
}

// Diagnostics carries the throughput counters collected during a run.
type Diagnostics struct {
	PeakEmbeddingInFlight int
	PeakUpsertInFlight    int
	MeanEmbedLatency      time.Duration
	RateLimitHits         int
	RetryCount            int
	EmbeddedChunks        int
	WallTime              time.Duration
	VectorsPerSecond      float64
}

// ProgressEvent is pushed to the OnProgress callback after every chunk
// that finishes, upserted or failed.
type ProgressEvent struct {
	File            string
	ChunkIndex      int
	ProcessedChunks int
	TotalChunks     int
	FailedChunks    int
}

// ProgressFunc receives progress events. It is called from worker
// goroutines and must be safe for concurrent use.
type ProgressFunc func(ProgressEvent)
