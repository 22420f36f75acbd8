package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/trend-orchestrator/internal/domain"
	"github.com/hochfrequenz/trend-orchestrator/internal/executor"
	"github.com/hochfrequenz/trend-orchestrator/internal/fingerprint"
	"github.com/hochfrequenz/trend-orchestrator/internal/guardrail"
	"github.com/hochfrequenz/trend-orchestrator/internal/prompts"
	"github.com/hochfrequenz/trend-orchestrator/internal/providers"
)

const defaultPollInterval = 5 * time.Second

// Degradation causes recorded after the video-degraded warning prefix
const (
	DegradedScriptRejected     = "script-rejected"
	DegradedScriptExhausted    = "script-exhausted"
	DegradedRenderExhausted    = "render-exhausted"
	DegradedNarrationExhausted = "narration-exhausted"
)

// SynthesizeVideo starts a video-only run from an existing text artifact set.
// The text artifacts are carried over unchanged and the new run records the
// set's run as its parent.
func (c *Controller) SynthesizeVideo(ctx context.Context, set domain.ArtifactSet) (string, error) {
	if !set.HasText() {
		return "", domain.ErrArtifactsIncomplete
	}
	if !c.cfg.VideoEnabled() {
		return "", ErrVideoDisabled
	}

	text := set.Clone()
	text.Video = nil

	run := domain.NewRun(c.newID(), text.Query, true, c.now())
	run.ParentRunID = set.RunID
	text.RunID = run.ID
	run.Artifacts = &text

	return c.launch(ctx, run, func(ctx context.Context, h *runHandle) {
		c.synthesize(ctx, h, text.Clone())
	})
}

// RetryVideo re-triggers video synthesis for a finished run
func (c *Controller) RetryVideo(ctx context.Context, runID string) (string, error) {
	run, err := c.GetRunStatus(ctx, runID)
	if err != nil {
		return "", err
	}
	if !run.Status.IsTerminal() {
		return "", eris.Wrapf(ErrRunActive, "run %s", runID)
	}
	if run.Artifacts == nil || !run.Artifacts.HasText() {
		return "", eris.Wrapf(domain.ErrArtifactsIncomplete, "run %s", runID)
	}
	return c.SynthesizeVideo(ctx, *run.Artifacts)
}

// video produces a video reference for set. A non-empty warning means the
// run degrades to text-only; err is only returned for cancellation.
func (c *Controller) video(ctx context.Context, h *runHandle, set domain.ArtifactSet) (*domain.VideoRef, string, error) {
	fp := fingerprint.New(string(domain.PhaseVideo)).
		Upstream(fingerprint.HashString(set.Impact)).
		Upstream(fingerprint.HashString(set.Blog)).
		Upstream(fingerprint.HashString(set.SocialPost)).
		Sum()
	pr := domain.PhaseResult{Phase: domain.PhaseVideo, Fingerprint: fp.String(), StartedAt: c.now()}
	log := c.logger.With(zap.String("run_id", h.run.ID))

	ref, cause, err := c.produceVideo(ctx, set, &pr)
	pr.FinishedAt = c.now()
	if err != nil && ctx.Err() != nil {
		pr.Error = failureDetail(ctx, err)
		c.recordPhase(h, pr)
		return nil, "", ctx.Err()
	}
	if err != nil {
		warning := fmt.Sprintf("%s: %s: %s", domain.WarnVideoDegraded, cause, failureDetail(ctx, err))
		pr.Error = warning
		c.recordPhase(h, pr)
		log.Warn("pipeline: video degraded to text-only", zap.String("cause", cause), zap.Error(err))
		return nil, warning, nil
	}
	c.recordPhase(h, pr)
	return ref, "", nil
}

// produceVideo validates a script before any render call, then renders and
// narrates it concurrently. cause names the step that failed.
func (c *Controller) produceVideo(ctx context.Context, set domain.ArtifactSet, pr *domain.PhaseResult) (*domain.VideoRef, string, error) {
	script, err := c.generate(ctx, c.specs.script, guardrail.ClassVideoScript, prompts.VideoScript, prompts.Data{
		Query:      set.Query,
		Findings:   set.Findings,
		Impact:     set.Impact,
		Blog:       set.Blog,
		SocialPost: set.SocialPost,
	}, c.cfg.Video.MaxRevisions)
	pr.Attempts += script.attempts
	pr.Revisions = script.revisions
	if err != nil {
		if errors.Is(err, domain.ErrGuardrailRejected) {
			return nil, DegradedScriptRejected, err
		}
		return nil, DegradedScriptExhausted, err
	}

	hints := providers.VisualHints{Title: articleTitle(set.Blog), Keywords: set.Query, AspectRatio: "16:9"}

	var (
		render    executor.Result[string]
		voice     executor.Result[string]
		videoURL  string
		renderErr error
		voiceErr  error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// only the submission is retried; a submitted job is polled until
		// render_wait and never resubmitted
		render, renderErr = executor.Execute(gctx, c.exec, c.specs.render, func(ctx context.Context, id string) (string, error) {
			p, err := c.registry.Video(id)
			if err != nil {
				return "", domain.NewProviderError(id, domain.KindMalformed, err)
			}
			return p.Render(ctx, script.text, hints)
		})
		if renderErr != nil {
			return renderErr
		}
		p, err := c.registry.Video(render.Provider)
		if err != nil {
			renderErr = domain.NewProviderError(render.Provider, domain.KindMalformed, err)
			return renderErr
		}
		videoURL, renderErr = c.awaitRender(gctx, p, render.Value)
		return renderErr
	})
	g.Go(func() error {
		voice, voiceErr = executor.Execute(gctx, c.exec, c.specs.voice, func(ctx context.Context, id string) (string, error) {
			p, err := c.registry.Voice(id)
			if err != nil {
				return "", domain.NewProviderError(id, domain.KindMalformed, err)
			}
			return p.Synthesize(ctx, script.text)
		})
		return voiceErr
	})
	_ = g.Wait()
	pr.Attempts += render.Attempts + voice.Attempts

	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	// the step that failed first cancels its sibling, whose error is then context.Canceled
	switch {
	case renderErr != nil && !errors.Is(renderErr, context.Canceled):
		return nil, DegradedRenderExhausted, renderErr
	case voiceErr != nil && !errors.Is(voiceErr, context.Canceled):
		return nil, DegradedNarrationExhausted, voiceErr
	case renderErr != nil:
		return nil, DegradedRenderExhausted, renderErr
	case voiceErr != nil:
		return nil, DegradedNarrationExhausted, voiceErr
	}

	pr.Provider = render.Provider
	return &domain.VideoRef{
		Script:         script.text,
		Narration:      script.text,
		JobHandle:      render.Value,
		VideoURL:       videoURL,
		AudioHandle:    voice.Value,
		RenderProvider: render.Provider,
		VoiceProvider:  voice.Provider,
	}, "", nil
}

// awaitRender polls a render job until it is ready, fails or exceeds the render wait
func (c *Controller) awaitRender(ctx context.Context, p providers.VideoProvider, handle string) (string, error) {
	interval := c.cfg.Video.PollInterval.Duration
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var deadline <-chan time.Time
	if wait := c.cfg.Video.RenderWait.Duration; wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		st, err := p.PollStatus(ctx, handle)
		if err != nil {
			return "", err
		}
		switch st.State {
		case providers.RenderReady:
			return st.URL, nil
		case providers.RenderFailed:
			return "", domain.NewProviderError(p.ID(), domain.KindRenderFailed, eris.Errorf("render %s failed: %s", handle, st.Reason))
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline:
			return "", domain.NewProviderError(p.ID(), domain.KindTimeout,
				eris.Errorf("render %s not ready after %s", handle, c.cfg.Video.RenderWait.Duration))
		case <-ticker.C:
		}
	}
}

// articleTitle returns the first Markdown heading of a blog article
func articleTitle(blog string) string {
	for _, line := range strings.Split(blog, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "#") {
			return strings.TrimSpace(strings.TrimLeft(line, "#"))
		}
	}
	return ""
}
