package pipeline

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/hochfrequenz/trend-orchestrator/internal/cache"
	"github.com/hochfrequenz/trend-orchestrator/internal/domain"
	"github.com/hochfrequenz/trend-orchestrator/internal/executor"
	"github.com/hochfrequenz/trend-orchestrator/internal/fingerprint"
	"github.com/hochfrequenz/trend-orchestrator/internal/guardrail"
	"github.com/hochfrequenz/trend-orchestrator/internal/prompts"
	"github.com/hochfrequenz/trend-orchestrator/internal/providers"
)

// textResult is an accepted text with the cost of producing it
type textResult struct {
	text      string
	provider  string
	attempts  int
	revisions int
}

// impactPayload is the cached form of an accepted impact assessment
type impactPayload struct {
	Text      string `msgpack:"text"`
	Revisions int    `msgpack:"revisions"`
}

// generate renders a prompt and runs the guardrail revision loop over the
// reasoning chain in spec until the text for class is accepted
func (c *Controller) generate(ctx context.Context, spec executor.CallSpec, class guardrail.ContentClass, template string, data prompts.Data, maxRevisions int) (textResult, error) {
	rendered, err := c.prompts.Render(template, data)
	if err != nil {
		return textResult{}, eris.Wrapf(err, "pipeline: render %s", template)
	}

	var res textResult
	loop := &guardrail.Loop{Validator: c.validator, MaxRevisions: maxRevisions, Logger: c.logger}
	out, err := loop.Run(ctx, class, func(ctx context.Context, revision int, feedback []string) (string, error) {
		r, err := executor.Execute(ctx, c.exec, spec, func(ctx context.Context, id string) (string, error) {
			p, err := c.registry.Reasoning(id)
			if err != nil {
				return "", domain.NewProviderError(id, domain.KindMalformed, err)
			}
			return p.Complete(ctx, providers.Prompt{System: rendered.System, User: rendered.User, Feedback: feedback})
		})
		res.attempts += r.Attempts
		if err != nil {
			return "", err
		}
		res.provider = r.Provider
		return strings.TrimSpace(r.Value), nil
	})
	res.revisions = out.Revisions
	if err != nil {
		return res, err
	}
	res.text = out.Text
	return res, nil
}

// impact runs the impact evaluation phase. Accepted assessments are cached for
// the remaining lifetime of the research entry they derive from. The revision
// loop runs outside any single-flight so one slow draft never holds up other
// runs over the same findings.
func (c *Controller) impact(ctx context.Context, h *runHandle, terms []string, research researchResult) (string, error) {
	fp := fingerprint.New(string(domain.PhaseImpact)).
		Upstream(fingerprint.HashBytes(research.payload)).
		Param("chain", strings.Join(c.specs.impact.IDs(), ",")).
		Param("max_revisions", c.cfg.Impact.MaxRevisions).
		Param("positivity_floor", c.cfg.Guardrail.PositivityFloor).
		Param("pivot_distance", c.cfg.Guardrail.PivotDistance).
		Sum()
	pr := domain.PhaseResult{Phase: domain.PhaseImpact, Fingerprint: fp.String(), StartedAt: c.now()}
	fail := func(err error) (string, error) {
		pr.FinishedAt = c.now()
		pr.Error = failureDetail(ctx, err)
		c.recordPhase(h, pr)
		return "", err
	}

	var p impactPayload
	e, hit, err := c.cache.Fetch(ctx, fp)
	if err != nil {
		return fail(err)
	}
	if hit {
		if err := cache.Unmarshal(e.Payload, &p); err != nil {
			return fail(eris.Wrap(err, "pipeline: decode impact"))
		}
		pr.FinishedAt = c.now()
		pr.Provider = e.Provider
		pr.FromCache = true
		c.recordPhase(h, pr)
		return p.Text, nil
	}

	r, err := c.generate(ctx, c.specs.impact, guardrail.ClassImpactSummary, prompts.ImpactEvaluate,
		prompts.Data{Query: terms, Findings: research.findings}, c.cfg.Impact.MaxRevisions)
	if err != nil {
		if ctx.Err() == nil {
			pr.Attempts = r.attempts
		}
		return fail(err)
	}

	if research.ttl > 0 {
		payload, err := cache.Marshal(impactPayload{Text: r.text, Revisions: r.revisions})
		if err != nil {
			return fail(eris.Wrap(err, "pipeline: encode impact"))
		}
		if err := c.cache.Put(ctx, fp, payload, research.ttl, r.provider); err != nil {
			c.logger.Warn("pipeline: could not cache impact", zap.String("fingerprint", fp.String()), zap.Error(err))
		}
	}

	pr.FinishedAt = c.now()
	pr.Provider = r.provider
	pr.Attempts = r.attempts
	pr.Revisions = r.revisions
	c.recordPhase(h, pr)
	return r.text, nil
}

// content produces the blog article, then the social post. Neither is cached.
func (c *Controller) content(ctx context.Context, h *runHandle, terms []string, findings []domain.Finding, impact string) (string, string, error) {
	pr := domain.PhaseResult{Phase: domain.PhaseContent, StartedAt: c.now()}
	finish := func(err error) {
		pr.FinishedAt = c.now()
		if err != nil {
			pr.Error = failureDetail(ctx, err)
		}
		c.recordPhase(h, pr)
	}

	data := prompts.Data{Query: terms, Findings: findings, Impact: impact}
	blog, err := c.generate(ctx, c.specs.content, guardrail.ClassBlog, prompts.ContentBlog, data, c.cfg.Content.MaxRevisions)
	pr.Attempts += blog.attempts
	pr.Revisions += blog.revisions
	if err != nil {
		finish(err)
		return "", "", err
	}
	pr.Provider = blog.provider

	if err := ctx.Err(); err != nil {
		finish(err)
		return "", "", err
	}

	data.Blog = blog.text
	social, err := c.generate(ctx, c.specs.content, guardrail.ClassSocialPost, prompts.ContentSocial, data, c.cfg.Content.MaxRevisions)
	pr.Attempts += social.attempts
	pr.Revisions += social.revisions
	finish(err)
	if err != nil {
		return "", "", err
	}
	return blog.text, social.text, nil
}
