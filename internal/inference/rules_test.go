package inference

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_DefaultFlexible(t *testing.T) {
	rs := MustDefaultRuleSet()

	res := rs.Parse("서울치과_홍길동_11.stl")
	assert.Equal(t, "서울치과", res.ClinicName)
	assert.Equal(t, "홍길동", res.PatientName)
	assert.Equal(t, "11", res.Tooth)
	assert.Equal(t, "default_flexible", res.Source)
}

func TestParse_DatePatientTooth(t *testing.T) {
	rs := MustDefaultRuleSet()

	res := rs.Parse("20251119김혜영_32_1.stl")
	assert.Equal(t, "김혜영", res.PatientName)
	assert.Equal(t, "32", res.Tooth)
	assert.Empty(t, res.ClinicName)
	assert.Equal(t, "pattern_date_patient_tooth", res.Source)
}

func TestParse_MultiTokenClinicAndDigitsStripped(t *testing.T) {
	res := MustDefaultRuleSet().Parse("dir/강남 미소 치과-01박민수-46.ply")
	assert.Equal(t, "강남 미소 치과", res.ClinicName)
	assert.Equal(t, "박민수", res.PatientName)
	assert.Equal(t, "46", res.Tooth)
}

func TestParse_DateDigitsAreNotATooth(t *testing.T) {
	res := MustDefaultRuleSet().Parse("20251119_scan.stl")
	assert.Empty(t, res.Tooth)
	assert.True(t, res.Empty())
}

func TestParse_FallbackWhenRuleFindsNothing(t *testing.T) {
	rs, err := NewRuleSet([]Rule{{ID: "never", Pattern: ".*", Confidence: 1}})
	require.NoError(t, err)

	res := rs.Parse("미소치과_이영희_21.stl")
	assert.Equal(t, "fallback", res.Source)
	assert.Equal(t, "미소치과", res.ClinicName)
	assert.Equal(t, "이영희", res.PatientName)
	assert.Equal(t, "21", res.Tooth)
}

func TestNewRuleSet_RejectsBadPattern(t *testing.T) {
	_, err := NewRuleSet([]Rule{{ID: "bad", Pattern: "("}})
	assert.Error(t, err)
}

func TestLoadRules_YAMLOrderedByConfidence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
- id: low
  pattern: ".*"
  confidence: 0.1
  extraction:
    patient:
      type: token_index
      value: 0
- id: indices
  pattern: '^case'
  confidence: 0.9
  extraction:
    clinic:
      type: token_indices
      value: [1, 2]
    patient:
      type: token_index
      value: 3
    tooth:
      type: regex
      value: '_t([1-4][1-8])'
`), 0o600))

	rs, err := LoadRules(path)
	require.NoError(t, err)

	res := rs.Parse("case_A_B_kim_t36.stl")
	assert.Equal(t, "indices", res.Source)
	assert.Equal(t, "A B", res.ClinicName)
	assert.Equal(t, "kim", res.PatientName)
	assert.Equal(t, "36", res.Tooth)

	res = rs.Parse("other_name.stl")
	assert.Equal(t, "low", res.Source)
	assert.Equal(t, "other", res.PatientName)
}

func TestLoadRules_Empty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("[]\n"), 0o600))
	_, err := LoadRules(path)
	assert.Error(t, err)
}
