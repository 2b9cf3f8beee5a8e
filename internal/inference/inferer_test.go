package inference

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drjoon/abuts.fit-sub008/internal/draftapi"
)

type fakeParser struct {
	calls    [][]string
	provider string
	err      error
	answers  map[string]draftapi.ParsedFilename
}

func (f *fakeParser) ParseFilenames(_ context.Context, names []string) (draftapi.ParseResult, error) {
	f.calls = append(f.calls, names)
	if f.err != nil {
		return draftapi.ParseResult{}, f.err
	}
	res := draftapi.ParseResult{Provider: f.provider}
	for _, n := range names {
		if a, ok := f.answers[n]; ok {
			a.Filename = n
			res.Data = append(res.Data, a)
		}
	}
	return res, nil
}

func TestInferer_SkipsRemoteWhenRulesComplete(t *testing.T) {
	p := &fakeParser{provider: "rules"}
	inf := New(Options{Parser: p})

	out := inf.Infer(context.Background(), []string{"서울치과_홍길동_11.stl"})
	assert.True(t, out["서울치과_홍길동_11.stl"].Complete())
	assert.Empty(t, p.calls)
}

func TestInferer_BatchesIncompleteAndFillsOnlyMissing(t *testing.T) {
	p := &fakeParser{provider: "model", answers: map[string]draftapi.ParsedFilename{
		"20251119김혜영_32_1.stl": {ClinicName: "한빛치과", PatientName: "다른이름"},
		"scan.stl":             {ClinicName: "A", PatientName: "B", Tooth: "17"},
	}}
	inf := New(Options{Parser: p})

	out := inf.Infer(context.Background(), []string{"20251119김혜영_32_1.stl", "scan.stl", "scan.stl"})
	require.Len(t, p.calls, 1)
	assert.ElementsMatch(t, []string{"20251119김혜영_32_1.stl", "scan.stl"}, p.calls[0])

	dated := out["20251119김혜영_32_1.stl"]
	assert.Equal(t, "한빛치과", dated.ClinicName)
	assert.Equal(t, "김혜영", dated.PatientName)
	assert.Equal(t, "pattern_date_patient_tooth", dated.Source)

	scan := out["scan.stl"]
	assert.Equal(t, "17", scan.Tooth)
	assert.Equal(t, "ai", scan.Source)
}

func TestInferer_QuotaFlagIsSticky(t *testing.T) {
	p := &fakeParser{provider: draftapi.QuotaExceededProvider}
	inf := New(Options{Parser: p})

	inf.Infer(context.Background(), []string{"a.stl"})
	assert.True(t, inf.QuotaExhausted())

	inf.Infer(context.Background(), []string{"b.stl"})
	assert.Len(t, p.calls, 1)
}

type flag struct{ off bool }

func (f *flag) AIDisabled() bool { return f.off }
func (f *flag) DisableAI()       { f.off = true }

func TestInferer_UsesSharedFlag(t *testing.T) {
	shared := &flag{off: true}
	p := &fakeParser{}
	inf := New(Options{Parser: p, Quota: shared})

	inf.Infer(context.Background(), []string{"a.stl"})
	assert.Empty(t, p.calls)
	assert.True(t, inf.QuotaExhausted())

	shared.off = false
	assert.False(t, inf.QuotaExhausted())
}

func TestInferer_RemoteErrorKeepsRuleResults(t *testing.T) {
	p := &fakeParser{err: errors.New("boom")}
	inf := New(Options{Parser: p})

	out := inf.Infer(context.Background(), []string{"20251119김혜영_32_1.stl"})
	assert.Equal(t, "김혜영", out["20251119김혜영_32_1.stl"].PatientName)
	assert.False(t, inf.QuotaExhausted())
}
