package inference

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/drjoon/abuts.fit-sub008/internal/draftapi"
	"github.com/drjoon/abuts.fit-sub008/internal/metrics"
)

// Parser is the batched inference endpoint.
type Parser interface {
	ParseFilenames(ctx context.Context, names []string) (draftapi.ParseResult, error)
}

// QuotaFlag remembers that the inference quota ran out. The draft session
// implements it so the flag lives exactly as long as the session.
type QuotaFlag interface {
	AIDisabled() bool
	DisableAI()
}

type localFlag struct{ off atomic.Bool }

func (f *localFlag) AIDisabled() bool { return f.off.Load() }
func (f *localFlag) DisableAI()       { f.off.Store(true) }

// Options configures an Inferer.
type Options struct {
	Rules  *RuleSet
	Parser Parser    // nil disables the remote step
	Quota  QuotaFlag // nil keeps a private flag
	Logger zerolog.Logger
}

// Inferer runs the rule table and then one batched remote call for names
// that are still incomplete.
type Inferer struct {
	rules  *RuleSet
	parser Parser
	quota  QuotaFlag
	logger zerolog.Logger
}

func New(opts Options) *Inferer {
	if opts.Rules == nil {
		opts.Rules = MustDefaultRuleSet()
	}
	if opts.Quota == nil {
		opts.Quota = &localFlag{}
	}
	return &Inferer{rules: opts.Rules, parser: opts.Parser, quota: opts.Quota, logger: opts.Logger}
}

// QuotaExhausted reports whether remote inference has been switched off.
func (i *Inferer) QuotaExhausted() bool { return i.quota.AIDisabled() }

// Infer returns a result per input name. Remote failures are logged and
// leave the rule results in place.
func (i *Inferer) Infer(ctx context.Context, names []string) map[string]Result {
	out := make(map[string]Result, len(names))
	var pending []string
	for _, n := range names {
		if _, seen := out[n]; seen {
			continue
		}
		res := i.rules.Parse(n)
		out[n] = res
		if !res.Empty() {
			metrics.RecordInference("rules", 1)
		}
		if !res.Complete() {
			pending = append(pending, n)
		}
	}
	if len(pending) == 0 || i.parser == nil || i.quota.AIDisabled() {
		return out
	}

	answer, err := i.parser.ParseFilenames(ctx, pending)
	if err != nil {
		i.logger.Warn().Err(err).Int("files", len(pending)).Msg("filename inference failed")
		return out
	}
	if answer.QuotaExceeded() {
		i.quota.DisableAI()
		i.logger.Info().Msg("inference quota exhausted; remote parsing disabled for this session")
	}

	filled := 0
	for _, p := range answer.Data {
		cur, ok := out[p.Filename]
		if !ok {
			continue
		}
		remote := Result{ClinicName: p.ClinicName, PatientName: p.PatientName, Tooth: p.Tooth}
		merged := cur.merge(remote)
		if merged != cur {
			if cur.Empty() {
				merged.Source = "ai"
			}
			out[p.Filename] = merged
			filled++
		}
	}
	metrics.RecordInference("ai", filled)
	return out
}
