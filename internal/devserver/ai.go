package devserver

import (
	"net/http"

	"github.com/drjoon/abuts.fit-sub008/internal/draftapi"
)

const maxParseBatch = 200

// takeAIQuota consumes one call of today's quota.
func (s *Server) takeAIQuota() bool {
	if s.cfg.AIQuota <= 0 {
		return true
	}
	s.aiMu.Lock()
	defer s.aiMu.Unlock()
	day := s.now().Format("2006-01-02")
	if day != s.aiDay {
		s.aiDay, s.aiCalls = day, 0
	}
	if s.aiCalls >= s.cfg.AIQuota {
		return false
	}
	s.aiCalls++
	return true
}

// handleParseFilenames answers with the rule parser. Once the daily quota
// is spent the answer is marked so clients stop asking for the session.
func (s *Server) handleParseFilenames(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Filenames []string `json:"filenames"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	if len(body.Filenames) == 0 || len(body.Filenames) > maxParseBatch {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "filenames must hold 1 to 200 names")
		return
	}
	provider := "rules"
	if !s.takeAIQuota() {
		provider = draftapi.QuotaExceededProvider
	}
	out := make([]draftapi.ParsedFilename, 0, len(body.Filenames))
	for _, name := range body.Filenames {
		res := s.rules.Parse(name)
		out = append(out, draftapi.ParsedFilename{
			Filename:    name,
			ClinicName:  res.ClinicName,
			PatientName: res.PatientName,
			Tooth:       res.Tooth,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "provider": provider, "data": out})
}
