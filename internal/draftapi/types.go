package draftapi

import (
	"encoding/json"
	"time"

	"github.com/drjoon/abuts.fit-sub008/internal/draft"
)

// Draft statuses.
const (
	StatusDraft = "draft"
)

// QuotaExceededProvider marks an inference answer produced after the
// provider quota ran out.
const QuotaExceededProvider = "fallback-quota-exceeded"

// Envelope is the common response wrapper.
type Envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
	Code    string          `json:"code,omitempty"`

	MissingFiles []MissingFields `json:"missingFiles,omitempty"`
}

// Draft is the server-side aggregate.
type Draft struct {
	ID        string           `json:"_id"`
	Status    string           `json:"status"`
	CaseInfos []draft.CaseInfo `json:"caseInfos"`
	UpdatedAt time.Time        `json:"updatedAt,omitempty"`
}

// Registration registers one uploaded file with a draft.
type Registration struct {
	OriginalName string `json:"originalName"`
	Size         int64  `json:"size"`
	Mimetype     string `json:"mimetype"`
	S3Key        string `json:"s3Key,omitempty"`
	FileID       string `json:"fileId,omitempty"`
	draft.CaseInfo
}

// BulkRegistration is the body of the bulk endpoint.
type BulkRegistration struct {
	Files []Registration `json:"files"`
}

// TempFile is a file held by the backend before it joins a request.
type TempFile struct {
	ID           string `json:"_id"`
	Key          string `json:"key"`
	OriginalName string `json:"originalName"`
	Size         int64  `json:"size"`
	Mimetype     string `json:"mimetype"`
}

// SignedURL is a short-lived download link.
type SignedURL struct {
	URL       string `json:"url"`
	ExpiresIn int    `json:"expiresIn"`
}

// TTL is the link lifetime, zero when unknown.
func (s SignedURL) TTL() time.Duration {
	return time.Duration(s.ExpiresIn) * time.Second
}

// CaseSummary is the identifying part of an existing request's case.
type CaseSummary struct {
	ClinicName  string `json:"clinicName"`
	PatientName string `json:"patientName"`
	Tooth       string `json:"tooth"`
}

// ExistingRequest is a previously submitted request.
type ExistingRequest struct {
	ID                string      `json:"_id"`
	RequestID         string      `json:"requestId"`
	Status            string      `json:"status"`
	ManufacturerStage string      `json:"manufacturerStage,omitempty"`
	CaseInfos         CaseSummary `json:"caseInfos"`
	CreatedAt         time.Time   `json:"createdAt"`
}

// DuplicateCheck answers has-duplicate.
type DuplicateCheck struct {
	Exists          bool             `json:"exists"`
	StageOrder      int              `json:"stageOrder"`
	ExistingRequest *ExistingRequest `json:"existingRequest"`
}

// Duplicate is one entry of a 409 finalization answer.
type Duplicate struct {
	CaseID          string          `json:"caseId"`
	FileName        string          `json:"fileName,omitempty"`
	StageOrder      int             `json:"stageOrder"`
	ExistingRequest ExistingRequest `json:"existingRequest"`
}

// Strategy is the decision for one duplicate.
type Strategy string

const (
	StrategySkip    Strategy = "skip"
	StrategyReplace Strategy = "replace"
	StrategyRemake  Strategy = "remake"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategySkip, StrategyReplace, StrategyRemake:
		return true
	}
	return false
}

// Resolution is sent with finalization for each resolved duplicate.
type Resolution struct {
	CaseID            string   `json:"caseId"`
	Strategy          Strategy `json:"strategy"`
	ExistingRequestID string   `json:"existingRequestId,omitempty"`
}

// FinalizeInput is the body of from-draft.
type FinalizeInput struct {
	DraftID              string           `json:"draftId"`
	CaseInfos            []draft.CaseInfo `json:"caseInfos,omitempty"`
	DuplicateResolutions []Resolution     `json:"duplicateResolutions,omitempty"`
}

// Request is a persisted work item.
type Request struct {
	ID                string         `json:"_id"`
	RequestID         string         `json:"requestId"`
	Status            string         `json:"status"`
	ManufacturerStage string         `json:"manufacturerStage,omitempty"`
	CaseInfos         draft.CaseInfo `json:"caseInfos"`
	RemakeOf          string         `json:"remakeOf,omitempty"`
	CreatedAt         time.Time      `json:"createdAt"`
	UpdatedAt         time.Time      `json:"updatedAt"`
}

// ParsedFilename is one inference answer.
type ParsedFilename struct {
	Filename    string `json:"filename"`
	ClinicName  string `json:"clinicName,omitempty"`
	PatientName string `json:"patientName,omitempty"`
	Tooth       string `json:"tooth,omitempty"`
}

// ParseResult answers parse-filenames.
type ParseResult struct {
	Provider string           `json:"provider"`
	Data     []ParsedFilename `json:"data"`
}

// QuotaExceeded reports whether the provider quota ran out.
func (p ParseResult) QuotaExceeded() bool {
	return p.Provider == QuotaExceededProvider
}
