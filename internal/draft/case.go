package draft

import (
	"github.com/drjoon/abuts.fit-sub008/internal/fileid"
)

// DefaultKey holds the case record used before any file is selected. It
// seeds per-file records that do not exist yet.
const DefaultKey = "__default__"

// Shipping modes.
const (
	ShippingNormal  = "normal"
	ShippingExpress = "express"
)

// DefaultWorkType applies when a case carries none.
const DefaultWorkType = "abutment"

// FileMeta is the file bound to a case record.
type FileMeta struct {
	FileID       string `json:"fileId,omitempty"`
	OriginalName string `json:"originalName"`
	Size         int64  `json:"size"`
	Mimetype     string `json:"mimetype,omitempty"`
	StorageKey   string `json:"s3Key,omitempty"`
}

// CacheKey is the blob cache key for the file: the remote id when known,
// else the storage key.
func (m *FileMeta) CacheKey() string {
	if m == nil {
		return ""
	}
	if m.FileID != "" {
		return m.FileID
	}
	return m.StorageKey
}

// CaseInfo is the per-file business metadata stored on a draft.
type CaseInfo struct {
	ID   string    `json:"_id,omitempty"`
	File *FileMeta `json:"file,omitempty"`

	ClinicName          string   `json:"clinicName,omitempty"`
	PatientName         string   `json:"patientName,omitempty"`
	Tooth               string   `json:"tooth,omitempty"`
	ImplantManufacturer string   `json:"implantManufacturer,omitempty"`
	ImplantSystem       string   `json:"implantSystem,omitempty"`
	ImplantType         string   `json:"implantType,omitempty"`
	MaxDiameter         *float64 `json:"maxDiameter,omitempty"`
	ConnectionDiameter  *float64 `json:"connectionDiameter,omitempty"`
	WorkType            string   `json:"workType,omitempty"`
	ShippingMode        string   `json:"shippingMode,omitempty"`
	RequestedShipDate   string   `json:"requestedShipDate,omitempty"`
}

// FileKey returns the identity key of the bound file, or "" when unbound.
func (c CaseInfo) FileKey() string {
	if c.File == nil {
		return ""
	}
	return fileid.Key(c.File.OriginalName, c.File.Size)
}

// HasIdentity reports whether clinic, patient and tooth are all set.
func (c CaseInfo) HasIdentity() bool {
	return c.ClinicName != "" && c.PatientName != "" && c.Tooth != ""
}

// Fields returns a copy carrying only the editable fields.
func (c CaseInfo) Fields() CaseInfo {
	out := c
	out.ID = ""
	out.File = nil
	out.MaxDiameter = cloneFloat(c.MaxDiameter)
	out.ConnectionDiameter = cloneFloat(c.ConnectionDiameter)
	return out
}

// SameFields reports whether the editable fields of a and b match.
func SameFields(a, b CaseInfo) bool {
	return a.ClinicName == b.ClinicName &&
		a.PatientName == b.PatientName &&
		a.Tooth == b.Tooth &&
		a.ImplantManufacturer == b.ImplantManufacturer &&
		a.ImplantSystem == b.ImplantSystem &&
		a.ImplantType == b.ImplantType &&
		floatEq(a.MaxDiameter, b.MaxDiameter) &&
		floatEq(a.ConnectionDiameter, b.ConnectionDiameter) &&
		a.WorkType == b.WorkType &&
		a.ShippingMode == b.ShippingMode &&
		a.RequestedShipDate == b.RequestedShipDate
}

// WithDefaults fills shipping mode and work type when empty.
func (c CaseInfo) WithDefaults() CaseInfo {
	if c.ShippingMode == "" {
		c.ShippingMode = ShippingNormal
	}
	if c.WorkType == "" {
		c.WorkType = DefaultWorkType
	}
	return c
}

func (c CaseInfo) clone() CaseInfo {
	out := c
	if c.File != nil {
		f := *c.File
		out.File = &f
	}
	out.MaxDiameter = cloneFloat(c.MaxDiameter)
	out.ConnectionDiameter = cloneFloat(c.ConnectionDiameter)
	return out
}

func cloneFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func floatEq(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
