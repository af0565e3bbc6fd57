package core

import (
	"time"
)

// Client is a remote compute endpoint plus the credentials and working
// directory used to reach it. Clients are immutable once a Code references
// them.
type Client struct {
	PK           uint   `gorm:"primaryKey"`
	Label        string `gorm:"uniqueIndex;size:255;not null"`
	BaseURL      string `gorm:"not null"`
	ClientID     string
	ClientSecret string
	TokenURL     string
	MachineName  string
	WorkDir      string

	// SmallFileSizeMB is the threshold below which uploads are buffered in
	// memory rather than streamed. A transfer hint, not an observable
	// contract.
	SmallFileSizeMB int `gorm:"default:5"`
}

// Code is a reusable executable definition bound to exactly one Client: a
// script template plus the files every job using this code must upload.
// Codes are immutable once a CalcJob references them.
type Code struct {
	PK       uint    `gorm:"primaryKey"`
	Label    string  `gorm:"size:255;not null;uniqueIndex:idx_code_client_label"`
	ClientPK uint    `gorm:"not null;uniqueIndex:idx_code_client_label;index"`
	Client   *Client `gorm:"foreignKey:ClientPK"`

	// Script is the job script template, rendered per calcjob.
	Script string `gorm:"type:text;not null"`

	// UploadPaths maps remote-relative paths to content store keys. A nil
	// value marks a directory to create rather than a file to upload.
	UploadPaths map[string]*string `gorm:"serializer:json"`
}

// CalcJob is one unit of remote work bound to exactly one Code. All fields
// are immutable after creation; only the associated Processing record
// mutates.
type CalcJob struct {
	PK     uint   `gorm:"primaryKey"`
	Label  string `gorm:"size:255;not null;uniqueIndex:idx_calcjob_code_label"`
	UUID   string `gorm:"size:36;uniqueIndex;not null"` // namespaces the remote folder
	CodePK uint   `gorm:"not null;uniqueIndex:idx_calcjob_code_label;index"`
	Code   *Code  `gorm:"foreignKey:CodePK"`

	// Parameters is the opaque key-value mapping substituted into the
	// code's script template.
	Parameters map[string]any `gorm:"serializer:json"`

	// UploadPaths is merged over the code's upload paths, calcjob entries
	// winning on conflict. Nil values mark directories.
	UploadPaths map[string]*string `gorm:"serializer:json"`

	// DownloadGlobs selects which remote output paths to retrieve.
	DownloadGlobs []string `gorm:"serializer:json"`

	Processing *Processing `gorm:"foreignKey:CalcJobPK"`
}

// Processing is the one-to-one mutable execution record of a CalcJob and the
// sole source of truth for where the job is now. Every transition writes the
// full (step, state, ...) tuple in one durable operation.
type Processing struct {
	PK        uint     `gorm:"primaryKey"`
	CalcJobPK uint     `gorm:"uniqueIndex;not null"`
	CalcJob   *CalcJob `gorm:"foreignKey:CalcJobPK"`

	Step  Step  `gorm:"index;size:20;not null;default:'created'"`
	State State `gorm:"index;size:20;not null;default:'playing'"`

	// JobID is the remote scheduler's identifier, empty until submission
	// succeeds. Once set it is never overwritten, which is what makes a
	// crash-resume from polling safe against double submission.
	JobID string `gorm:"size:255"`

	// ScriptKey is the content store key of the rendered job script.
	ScriptKey string `gorm:"size:64"`

	// RemoteState is the terminal scheduler status observed by the polling
	// step, carried forward for the parse step to classify.
	RemoteState RemoteState `gorm:"size:20"`

	// Exception holds the sanitized error that moved the record to
	// StepExcepted.
	Exception string `gorm:"type:text"`

	// RetrievedPaths maps downloaded remote-relative paths to content store
	// keys; a nil value records a directory.
	RetrievedPaths map[string]*string `gorm:"serializer:json"`

	LockedBy    string     `gorm:"size:255;index"`
	LockedUntil *time.Time `gorm:"index"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}
