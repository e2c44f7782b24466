package training

import (
	"time"

	"github.com/google/uuid"
)

// Mode is the training mode of a work unit or of the data it produces.
type Mode string

// Training modes
const (
	// ModeParse marks a unit that still needs its source read and chunked.
	ModeParse Mode = "parse"
	ModeChunk Mode = "chunk"
	ModeQA    Mode = "qa"
	ModeAuto  Mode = "auto"
	ModeImage Mode = "image"
)

// CollectionType identifies where a collection's content comes from.
type CollectionType string

// Collection types
const (
	CollectionFile         CollectionType = "file"
	CollectionLink         CollectionType = "link"
	CollectionAPIFile      CollectionType = "apiFile"
	CollectionExternalFile CollectionType = "externalFile"
	CollectionVirtual      CollectionType = "virtual"
)

// ProcessType is how a collection's text is turned into training data.
type ProcessType string

// Process types
const (
	ProcessChunk  ProcessType = "chunk"
	ProcessQA     ProcessType = "qa"
	ProcessBackup ProcessType = "backup"
)

// TriggerType decides when text is split at all.
type TriggerType string

// Chunk trigger types
const (
	// TriggerMinSize splits only when the text is longer than the trigger
	// minimum size.
	TriggerMinSize TriggerType = "minSize"
	// TriggerMaxSize splits only when the text exceeds the model's maximum
	// chunk size.
	TriggerMaxSize TriggerType = "maxSize"
	// TriggerForce always splits.
	TriggerForce TriggerType = "forceChunk"
)

// ParagraphAIMode controls LLM re-segmentation before chunking.
type ParagraphAIMode string

// Paragraph AI modes
const (
	ParagraphAuto   ParagraphAIMode = "auto"
	ParagraphForce  ParagraphAIMode = "force"
	ParagraphForbid ParagraphAIMode = "forbid"
)

// ChunkSettings is the chunking configuration of a collection.
type ChunkSettings struct {
	TriggerType           TriggerType     `json:"chunk_trigger_type"`
	TriggerMinSize        int             `json:"chunk_trigger_min_size"`
	ChunkSize             int             `json:"chunk_size"`
	ParagraphChunkDeep    int             `json:"paragraph_chunk_deep"`
	ParagraphChunkMinSize int             `json:"paragraph_chunk_min_size"`
	ParagraphAIMode       ParagraphAIMode `json:"paragraph_ai_mode"`
	IndexSize             int             `json:"index_size"`
	// ChunkSplitter is an optional custom delimiter.
	ChunkSplitter string `json:"chunk_splitter"`
	Prompt        string `json:"prompt"`
}

// APIServer describes the remote dataset server of an API-backed dataset.
type APIServer struct {
	BaseURL   string `json:"base_url"`
	AuthToken string `json:"auth_token"`
}

// Dataset is the owning dataset of a collection.
type Dataset struct {
	ID          uuid.UUID
	TeamID      uuid.UUID
	AgentModel  string
	VectorModel string
	VLMModel    string
	APIServer   *APIServer
}

// Collection is one document (file, link...) inside a dataset.
type Collection struct {
	ID              uuid.UUID
	TeamID          uuid.UUID
	DatasetID       uuid.UUID
	Name            string
	Type            CollectionType
	FileID          string
	RawLink         string
	APIFileID       string
	ExternalFileURL string
	ExternalFileID  string
	WebPageSelector string
	ProcessType     ProcessType
	AutoIndexes     bool
	ImageIndex      bool
	Chunk           ChunkSettings
	CustomPDFParse  bool
	// RelatedImageID groups temporary images uploaded with the source.
	RelatedImageID string
	RawTextLength  int
	RawTextHash    string
	UpdatedAt      time.Time
}

// TrainingMode returns the mode of the data produced from the collection.
func (c *Collection) TrainingMode() Mode {
	switch {
	case c.ProcessType == ProcessQA:
		return ModeQA
	case c.AutoIndexes:
		return ModeAuto
	case c.ImageIndex:
		return ModeImage
	default:
		return ModeChunk
	}
}

// WorkUnit is one pending ingestion job. Dataset and Collection are
// populated by the claim and are nil when the referenced row is gone.
type WorkUnit struct {
	ID           uuid.UUID
	TeamID       uuid.UUID
	TmbID        uuid.UUID
	DatasetID    uuid.UUID
	CollectionID uuid.UUID
	BillingID    uuid.UUID
	Mode         Mode
	// LockTime is nil while the unit has never been claimed.
	LockTime     *time.Time
	ErrorMessage string
	RetryCount   int
	CreatedAt    time.Time

	Dataset    *Dataset
	Collection *Collection
}

// PredictIndexCount estimates how many index rows n chunks produce in mode.
func PredictIndexCount(mode Mode, n int) int {
	switch mode {
	case ModeQA:
		return n * 20
	case ModeAuto:
		return n * 5
	case ModeImage:
		return n * 2
	default:
		return n
	}
}
