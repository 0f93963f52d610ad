// Package progress samples the target's generation progress readout and
// classifies blocked attempts into moderation layers.
//
// The site exposes no signal for which internal moderation stage rejected
// an attempt. The peak progress percentage observed before the failure is
// the proxy: a failure with barely any progress points at the prompt
// check, mid-generation at the content scan, and near-complete at a scan
// of the rendered output.
package progress

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/retakehq/retake"
	"github.com/retakehq/retake/job"
	"github.com/retakehq/retake/probe"
)

// Classifier buckets a blocked attempt's peak progress into a layer.
// sampled is false when no progress signal was ever observed.
type Classifier func(peak int, sampled bool) job.Layer

// DefaultClassifier maps peak progress to a layer: below 30 percent the
// prompt check, below 85 the generation scan, otherwise the render scan.
// Without any sample the layer stays unknown rather than guessed.
func DefaultClassifier(peak int, sampled bool) job.Layer {
	switch {
	case !sampled:
		return job.LayerUnknown
	case peak < 30:
		return job.LayerPrompt
	case peak < 85:
		return job.LayerGeneration
	default:
		return job.LayerRender
	}
}

// Sampler polls the progress readout for one attempt and keeps the
// high-water mark. The readout can regress or disappear while the site
// shuffles its DOM; only the peak matters for classification.
type Sampler struct {
	reader   probe.ProgressReader
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	peak    int
	sampled bool
	running bool
	stopCh  chan struct{}

	wg sync.WaitGroup
}

// SamplerOption configures the Sampler.
type SamplerOption func(*Sampler)

// WithLogger sets the logger for the sampler.
func WithLogger(l *slog.Logger) SamplerOption {
	return func(s *Sampler) { s.logger = l }
}

// NewSampler creates a sampler polling reader at the given interval.
func NewSampler(reader probe.ProgressReader, interval time.Duration, opts ...SamplerOption) *Sampler {
	s := &Sampler{
		reader:   reader,
		interval: interval,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start begins sampling for a new attempt, resetting the high-water mark.
// A sampler already running is stopped first.
func (s *Sampler) Start(ctx context.Context) {
	s.Stop()

	s.mu.Lock()
	s.peak = 0
	s.sampled = false
	s.running = true
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx, stopCh)
}

// Stop halts sampling and returns the attempt's peak. sampled is false
// when the readout was never locatable during the attempt.
func (s *Sampler) Stop() (peak int, sampled bool) {
	s.mu.Lock()
	if !s.running {
		peak, sampled = s.peak, s.sampled
		s.mu.Unlock()
		return peak, sampled
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peak, s.sampled
}

// Peak returns the current high-water mark without stopping the sampler.
func (s *Sampler) Peak() (peak int, sampled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peak, s.sampled
}

func (s *Sampler) loop(ctx context.Context, stopCh chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sample(ctx)
		}
	}
}

func (s *Sampler) sample(ctx context.Context) {
	pct, err := s.reader.Percent(ctx)
	if err != nil {
		// A missing readout is normal while the site shuffles its DOM.
		if !errors.Is(err, retake.ErrNoProgress) {
			s.logger.Debug("progress sample failed", slog.String("error", err.Error()))
		}
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sampled = true
	if pct > s.peak {
		s.peak = pct
	}
}
