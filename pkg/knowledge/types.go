package knowledge

import (
	"context"
	"time"
)

// Level is the visibility scope of a knowledge entry
type Level string

const (
	LevelPublic       Level = "public"
	LevelOrganization Level = "organization"
	LevelIndividual   Level = "individual"
)

// Valid reports whether l is a known level
func (l Level) Valid() bool {
	switch l {
	case LevelPublic, LevelOrganization, LevelIndividual:
		return true
	default:
		return false
	}
}

// Entry is one stored knowledge item. Embedding may be nil; the manager
// fills it before upserting.
type Entry struct {
	ID             string    `json:"id"`
	Content        string    `json:"content"`
	Source         string    `json:"source,omitempty"`
	Title          string    `json:"title,omitempty"`
	Level          Level     `json:"level"`
	OrganizationID string    `json:"organization_id,omitempty"`
	UserID         string    `json:"user_id,omitempty"`
	Type           string    `json:"type,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	Embedding      []float32 `json:"-"`
}

// SearchResult is an entry with its similarity score
type SearchResult struct {
	Entry
	Score float64 `json:"score"`
}

// Filters narrows searches and deletes to matching entries. Zero-valued
// fields match everything.
type Filters struct {
	Level          Level  `json:"level,omitempty"`
	OrganizationID string `json:"organization_id,omitempty"`
	UserID         string `json:"user_id,omitempty"`
	Source         string `json:"source,omitempty"`
}

// VectorSearchOptions configures a raw vector search
type VectorSearchOptions struct {
	TopK     int
	MinScore float64
	Filters  Filters
}

// MetadataPatch is a partial metadata update; nil fields are untouched
type MetadataPatch struct {
	Title          *string
	Level          *Level
	OrganizationID *string
	UserID         *string
}

// StoreStats summarizes vector store contents
type StoreStats struct {
	TotalEntries int           `json:"total_entries"`
	ByLevel      map[Level]int `json:"by_level"`
}

// VectorStore persists embedded entries and serves similarity search
type VectorStore interface {
	Search(ctx context.Context, vector []float32, opts VectorSearchOptions) ([]SearchResult, error)
	BatchUpsert(ctx context.Context, entries []Entry) error
	UpdateContent(ctx context.Context, id, content string, embedding []float32) error
	UpdateMetadata(ctx context.Context, id string, patch MetadataPatch) error
	ListIDsBySource(ctx context.Context, source string) ([]string, error)
	DeleteByFilter(ctx context.Context, filters Filters) (int, error)
	Stats(ctx context.Context) (StoreStats, error)
}

// EmbeddingProvider generates vector embeddings from text
type EmbeddingProvider interface {
	Generate(ctx context.Context, text string) ([]float32, error)
	GenerateBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// Chunk is one slice of a document
type Chunk struct {
	Content string
	Index   int
}

// Chunker splits document text into chunks
type Chunker interface {
	Chunk(text string) []Chunk
}

// Stage labels indexing progress callbacks
type Stage string

const (
	StageScanning   Stage = "scanning"
	StageProcessing Stage = "processing"
	StageEmbedding  Stage = "embedding"
	StageStoring    Stage = "storing"
	StageComplete   Stage = "complete"
	StageError      Stage = "error"
)

// Progress is reported to the IndexOptions callback as indexing advances
type Progress struct {
	Stage          Stage  `json:"stage"`
	File           string `json:"file,omitempty"`
	FilesProcessed int    `json:"files_processed"`
	FilesTotal     int    `json:"files_total"`
	Err            error  `json:"-"`
}
