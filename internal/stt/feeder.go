package stt

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-client/internal/media"
	"github.com/lexiqai/voice-client/internal/observability"
	"github.com/lexiqai/voice-client/internal/transcript"
)

// Feeder pumps microphone frames into a Client and forwards its results as
// user transcript fragments
type Feeder struct {
	client     Client
	source     transcript.Source
	onFragment func(transcript.Fragment)
	logger     zerolog.Logger

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewFeeder creates a feeder reporting fragments with the given source
func NewFeeder(client Client, source transcript.Source, onFragment func(transcript.Fragment), logger zerolog.Logger) *Feeder {
	return &Feeder{
		client:     client,
		source:     source,
		onFragment: onFragment,
		logger:     observability.WithComponent(logger, "stt"),
	}
}

// Start opens the client and begins streaming stream's frames
func (f *Feeder) Start(ctx context.Context, stream *media.Stream) error {
	ctx, cancel := context.WithCancel(ctx)
	if err := f.client.Start(ctx); err != nil {
		cancel()
		return err
	}
	f.cancel = cancel

	frames, unsubscribe := stream.Subscribe(32)

	f.wg.Add(2)
	go func() {
		defer f.wg.Done()
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case frame, ok := <-frames:
				if !ok {
					return
				}
				if err := f.client.SendAudio(frame); err != nil {
					f.logger.Debug().Err(err).Msg("Dropped microphone frame")
				}
			}
		}
	}()
	go func() {
		defer f.wg.Done()
		for result := range f.client.Results() {
			f.deliver(result)
		}
	}()
	return nil
}

func (f *Feeder) deliver(r *Result) {
	if r == nil || f.onFragment == nil {
		return
	}
	frag := transcript.Fragment{
		Speaker:   transcript.SpeakerUser,
		Text:      r.Text,
		IsFinal:   r.IsFinal,
		Source:    f.source,
		Timestamp: time.Now(),
	}
	if r.Duration > 0 {
		d := r.Duration
		frag.Duration = &d
	}
	if r.Confidence > 0 {
		c := r.Confidence
		frag.Confidence = &c
	}
	f.onFragment(frag)
}

// Stop ends streaming and closes the client. Safe to call more than once.
func (f *Feeder) Stop() {
	f.closeOnce.Do(func() {
		if f.cancel != nil {
			f.cancel()
		}
		if err := f.client.Close(); err != nil {
			f.logger.Warn().Err(err).Msg("Failed to close transcription client")
		}
		f.wg.Wait()
	})
}
