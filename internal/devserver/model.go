package devserver

import (
	"crypto/rand"
	"time"

	"github.com/drjoon/abuts.fit-sub008/internal/draft"
	"github.com/drjoon/abuts.fit-sub008/internal/draftapi"
	"github.com/drjoon/abuts.fit-sub008/internal/fileid"
)

// Request statuses, in stage order.
const (
	StatusSubmitted     = "submitted"
	StatusPreProduction = "cam"
	StatusProduction    = "production"
	StatusShipping      = "shipping"
	StatusDone          = "done"
	StatusCanceled      = "canceled"
)

var stageOrder = map[string]int{
	StatusSubmitted:     0,
	StatusPreProduction: 1,
	StatusProduction:    2,
	StatusShipping:      3,
	StatusDone:          4,
}

// StageOrder maps a status to its stage; unknown statuses count as submitted.
func StageOrder(status string) int {
	return stageOrder[status]
}

// ValidStatus reports whether status is a known request status.
func ValidStatus(status string) bool {
	_, ok := stageOrder[status]
	return ok || status == StatusCanceled
}

const duplicateWindow = 90 * 24 * time.Hour

// Draft is a stored draft.
type Draft struct {
	ID        string           `json:"_id"`
	UserID    string           `json:"userId"`
	Status    string           `json:"status"`
	CaseInfos []draft.CaseInfo `json:"caseInfos"`
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

func (d Draft) view() draftapi.Draft {
	cases := d.CaseInfos
	if cases == nil {
		cases = []draft.CaseInfo{}
	}
	return draftapi.Draft{ID: d.ID, Status: d.Status, CaseInfos: cases, UpdatedAt: d.UpdatedAt}
}

func (d *Draft) caseIndex(id string) int {
	for i, c := range d.CaseInfos {
		if c.ID == id {
			return i
		}
	}
	return -1
}

func (d *Draft) caseByFile(name string, size int64) int {
	key := fileid.Key(name, size)
	for i, c := range d.CaseInfos {
		if c.FileKey() == key {
			return i
		}
	}
	return -1
}

// TempFile is an uploaded file held by the backend.
type TempFile struct {
	ID           string    `json:"_id"`
	UserID       string    `json:"userId"`
	Key          string    `json:"key"`
	OriginalName string    `json:"originalName"`
	Size         int64     `json:"size"`
	Mimetype     string    `json:"mimetype"`
	Path         string    `json:"path"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Request is a stored work item.
type Request struct {
	draftapi.Request
	UserID     string `json:"userId"`
	LookupName string `json:"lookupName"`
}

func (r Request) existing() draftapi.ExistingRequest {
	return draftapi.ExistingRequest{
		ID:                r.ID,
		RequestID:         r.RequestID,
		Status:            r.Status,
		ManufacturerStage: r.ManufacturerStage,
		CaseInfos: draftapi.CaseSummary{
			ClinicName:  r.CaseInfos.ClinicName,
			PatientName: r.CaseInfos.PatientName,
			Tooth:       r.CaseInfos.Tooth,
		},
		CreatedAt: r.CreatedAt,
	}
}

func (r Request) live(now time.Time) bool {
	return r.Status != StatusCanceled && now.Sub(r.CreatedAt) <= duplicateWindow
}

// pickDuplicate chooses the highest stage, then the newest.
func pickDuplicate(matches []Request) (Request, bool) {
	var best Request
	found := false
	for _, m := range matches {
		if !found {
			best, found = m, true
			continue
		}
		ms, bs := StageOrder(m.Status), StageOrder(best.Status)
		if ms > bs || (ms == bs && m.CreatedAt.After(best.CreatedAt)) {
			best = m
		}
	}
	return best, found
}

const requestIDAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ"

// newRequestID returns YYYYMMDD-XXXXXXXX.
func newRequestID(now time.Time) string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	for i, b := range buf {
		buf[i] = requestIDAlphabet[int(b)%len(requestIDAlphabet)]
	}
	return now.Format("20060102") + "-" + string(buf)
}
