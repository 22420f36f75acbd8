package pipeline

import (
	"context"
	"errors"
	"net/url"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/trend-orchestrator/internal/cache"
	"github.com/hochfrequenz/trend-orchestrator/internal/domain"
	"github.com/hochfrequenz/trend-orchestrator/internal/executor"
	"github.com/hochfrequenz/trend-orchestrator/internal/fingerprint"
	"github.com/hochfrequenz/trend-orchestrator/internal/providers"
)

// researchPayload is the cached form of a research result
type researchPayload struct {
	Findings []domain.Finding `msgpack:"findings"`
	// Failed lists variants whose provider chain was exhausted
	Failed []string `msgpack:"failed,omitempty"`
}

type researchResult struct {
	findings []domain.Finding
	payload  []byte
	// ttl is the remaining lifetime of the cached research entry, zero when it was not cached
	ttl    time.Duration
	failed []string
}

// research runs the research phase for a run and records its phase result
func (c *Controller) research(ctx context.Context, h *runHandle, terms []string) (researchResult, error) {
	started := c.now()
	res, pr, err := c.runResearch(ctx, terms)
	pr.StartedAt = started
	pr.FinishedAt = c.now()
	if err != nil {
		pr.Error = failureDetail(ctx, err)
	}
	c.recordPhase(h, pr)

	if err == nil && len(res.failed) > 0 {
		c.addWarning(h, "research-partial: "+strings.Join(res.failed, "; "))
	}
	return res, err
}

// Search runs the research phase alone and returns the merged findings.
// It shares the cache with full runs.
func (c *Controller) Search(ctx context.Context, query []string) ([]domain.Finding, error) {
	terms := normalizeQuery(query)
	if len(terms) == 0 {
		return nil, ErrEmptyQuery
	}
	res, _, err := c.runResearch(ctx, terms)
	if err != nil {
		return nil, err
	}
	return res.findings, nil
}

func (c *Controller) runResearch(ctx context.Context, terms []string) (researchResult, domain.PhaseResult, error) {
	res, pr, err := c.researchPass(ctx, terms, false)
	if !errors.Is(err, domain.ErrNoFindings) || !c.cfg.Research.BroadenOnEmpty {
		return res, pr, err
	}

	broader := broaden(terms)
	if equalTerms(broader, terms) {
		return res, pr, err
	}
	c.logger.Info("pipeline: no findings, broadening query",
		zap.Strings("query", terms),
		zap.Strings("broadened", broader),
	)
	res, next, err := c.researchPass(ctx, broader, true)
	next.Attempts += pr.Attempts
	return res, next, err
}

func (c *Controller) searchOptions() providers.SearchOptions {
	rc := c.cfg.Research
	return providers.SearchOptions{
		Depth:          rc.SearchDepth,
		MaxResults:     rc.MaxResults,
		IncludeAnswer:  rc.IncludeAnswer,
		IncludeDomains: rc.IncludeDomains,
		ExcludeDomains: rc.ExcludeDomains,
	}
}

func (c *Controller) researchFingerprint(terms []string, broadened bool) fingerprint.Fingerprint {
	rc := c.cfg.Research
	return fingerprint.New(string(domain.PhaseResearch)).
		Terms(terms...).
		Param("chain", strings.Join(c.specs.research.IDs(), ",")).
		Param("depth", rc.SearchDepth).
		Param("max_results", rc.MaxResults).
		Param("include_answer", rc.IncludeAnswer).
		Param("include_domains", sortedJoin(rc.IncludeDomains)).
		Param("exclude_domains", sortedJoin(rc.ExcludeDomains)).
		Param("max_findings", rc.MaxFindings).
		Param("broadened", broadened).
		Sum()
}

func (c *Controller) researchPass(ctx context.Context, terms []string, broadened bool) (researchResult, domain.PhaseResult, error) {
	fp := c.researchFingerprint(terms, broadened)
	pr := domain.PhaseResult{Phase: domain.PhaseResearch, Fingerprint: fp.String()}

	var attempts atomic.Int64
	out, err := c.cache.Do(ctx, fp, c.cfg.Research.CacheTTL.Duration, func(ctx context.Context) (cache.Value, error) {
		findings, failed, provider, n, err := c.searchVariants(ctx, terms)
		attempts.Add(int64(n))
		if err != nil {
			return cache.Value{}, err
		}
		if len(findings) == 0 {
			return cache.Value{}, domain.ErrNoFindings
		}
		payload, err := cache.Marshal(researchPayload{Findings: findings, Failed: failed})
		if err != nil {
			return cache.Value{}, eris.Wrap(err, "pipeline: encode findings")
		}
		// partial results are served to this flight but never cached
		return cache.Value{Payload: payload, Provider: provider, NoStore: len(failed) > 0}, nil
	})
	if err != nil {
		if ctx.Err() == nil {
			pr.Attempts = int(attempts.Load())
		}
		return researchResult{}, pr, err
	}

	var p researchPayload
	if err := cache.Unmarshal(out.Entry.Payload, &p); err != nil {
		return researchResult{}, pr, eris.Wrap(err, "pipeline: decode findings")
	}

	pr.Provider = out.Entry.Provider
	pr.FromCache = out.Hit
	pr.Shared = out.Shared
	if !out.Hit && !out.Shared {
		pr.Attempts = int(attempts.Load())
	}

	res := researchResult{
		findings: p.Findings,
		payload:  out.Entry.Payload,
		failed:   p.Failed,
	}
	if len(p.Failed) == 0 && c.cfg.Research.CacheTTL.Duration > 0 {
		res.ttl = out.Entry.Remaining(c.now())
	}
	return res, pr, nil
}

type variantResult struct {
	results  []providers.SearchResult
	provider string
	attempts int
	err      error
}

// searchVariants dispatches one search per query term concurrently and merges
// the results. It fails only when every variant fails.
func (c *Controller) searchVariants(ctx context.Context, terms []string) (findings []domain.Finding, failed []string, provider string, attempts int, err error) {
	opts := c.searchOptions()
	results := make([]variantResult, len(terms))

	var g errgroup.Group
	for i, term := range terms {
		g.Go(func() error {
			res, err := executor.Execute(ctx, c.exec, c.specs.research, func(ctx context.Context, id string) ([]providers.SearchResult, error) {
				p, err := c.registry.Search(id)
				if err != nil {
					return nil, domain.NewProviderError(id, domain.KindMalformed, err)
				}
				return p.Search(ctx, []string{term}, opts)
			})
			results[i] = variantResult{results: res.Value, provider: res.Provider, attempts: res.Attempts, err: err}
			return ctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, "", 0, err
	}

	var (
		merged   []domain.Finding
		used     []string
		failures []executor.AttemptFailure
		firstErr error
	)
	for i, r := range results {
		attempts += r.attempts
		if r.err != nil {
			var pf *executor.PhaseFailure
			if errors.As(r.err, &pf) {
				failures = append(failures, pf.Failures...)
				failed = append(failed, terms[i]+": "+pf.Summary())
			} else {
				failed = append(failed, terms[i]+": "+r.err.Error())
			}
			if firstErr == nil {
				firstErr = r.err
			}
			c.logger.Warn("pipeline: research variant failed", zap.String("variant", terms[i]), zap.Error(r.err))
			continue
		}
		if !containsString(used, r.provider) {
			used = append(used, r.provider)
		}
		for _, sr := range r.results {
			merged = append(merged, domain.Finding{
				URL:          sr.URL,
				CanonicalURL: canonicalURL(sr.URL),
				Title:        strings.TrimSpace(sr.Title),
				Snippet:      strings.TrimSpace(sr.Snippet),
				PublishedAt:  sr.PublishedAt,
				Score:        sr.Score,
				Provider:     r.provider,
			})
		}
	}

	if len(failed) == len(terms) {
		var pf *executor.PhaseFailure
		if errors.As(firstErr, &pf) {
			return nil, nil, "", attempts, &executor.PhaseFailure{Phase: string(domain.PhaseResearch), Failures: failures}
		}
		return nil, nil, "", attempts, firstErr
	}
	return mergeFindings(merged, c.cfg.Research.MaxFindings), failed, strings.Join(used, ","), attempts, nil
}

// mergeFindings drops duplicates, keeping the higher-scored copy, then orders by
// score and canonical URL and caps the list at limit (0 for no cap)
func mergeFindings(in []domain.Finding, limit int) []domain.Finding {
	index := make(map[string]int, len(in))
	var out []domain.Finding
	for _, f := range in {
		key := dedupeKey(f)
		if i, ok := index[key]; ok {
			if f.Score > out[i].Score {
				out[i] = f
			}
			continue
		}
		index[key] = len(out)
		out = append(out, f)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return dedupeKey(out[i]) < dedupeKey(out[j])
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func dedupeKey(f domain.Finding) string {
	if f.CanonicalURL != "" {
		return f.CanonicalURL
	}
	return "content:" + fingerprint.HashString(strings.ToLower(f.Title)+"\n"+strings.ToLower(f.Snippet))
}

var trackingParams = map[string]bool{
	"fbclid": true,
	"gclid":  true,
	"mc_cid": true,
	"mc_eid": true,
	"ref":    true,
}

// canonicalURL normalizes a URL for deduplication. It returns "" for values
// that are not absolute http(s) URLs.
func canonicalURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return ""
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return ""
	}

	host := strings.ToLower(u.Hostname())
	host = strings.TrimPrefix(host, "www.")
	if port := u.Port(); port != "" && port != "80" && port != "443" {
		host += ":" + port
	}

	q := u.Query()
	for key := range q {
		if strings.HasPrefix(strings.ToLower(key), "utm_") || trackingParams[strings.ToLower(key)] {
			q.Del(key)
		}
	}

	c := url.URL{
		Scheme:   "https",
		Host:     host,
		Path:     strings.TrimRight(u.Path, "/"),
		RawQuery: q.Encode(),
	}
	return c.String()
}

// broaden shortens every multi-word term by its last word
func broaden(terms []string) []string {
	seen := make(map[string]bool, len(terms))
	var out []string
	for _, t := range terms {
		words := strings.Fields(t)
		if len(words) > 1 {
			words = words[:len(words)-1]
		}
		b := strings.Join(words, " ")
		key := fingerprint.NormalizeTerm(b)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, b)
	}
	return out
}

func equalTerms(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if fingerprint.NormalizeTerm(a[i]) != fingerprint.NormalizeTerm(b[i]) {
			return false
		}
	}
	return true
}

func sortedJoin(values []string) string {
	s := append([]string(nil), values...)
	sort.Strings(s)
	return strings.Join(s, ",")
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
