package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordCacheLookup(t *testing.T) {
	before := testutil.ToFloat64(cacheLookups.WithLabelValues("blob", "hit"))
	RecordCacheLookup("blob", true)
	RecordCacheLookup("blob", false)
	assert.Equal(t, before+1, testutil.ToFloat64(cacheLookups.WithLabelValues("blob", "hit")))
}

func TestRecordInference_AddsCount(t *testing.T) {
	before := testutil.ToFloat64(inferences.WithLabelValues("rules"))
	RecordInference("rules", 3)
	assert.Equal(t, before+3, testutil.ToFloat64(inferences.WithLabelValues("rules")))
}
