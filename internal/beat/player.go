package beat

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Sink receives hits as they are scheduled. at is the offset from Start.
type Sink interface {
	Hit(voice Voice, step int, at time.Duration)
}

// LogSink writes hits to a zap logger at debug level.
type LogSink struct {
	Logger *zap.Logger
}

func (s LogSink) Hit(voice Voice, step int, at time.Duration) {
	s.Logger.Debug("Beat hit",
		zap.Stringer("voice", voice),
		zap.Int("step", step),
		zap.Duration("at", at))
}

// Player schedules one beat at a time. It is safe for concurrent use.
type Player struct {
	sink   Sink
	logger *zap.Logger

	mu       sync.Mutex
	style    Style
	tempo    int
	cancel   context.CancelFunc
	done     chan struct{}
	tempoCh  chan int
	disposed bool
}

func NewPlayer(sink Sink, logger *zap.Logger) *Player {
	return &Player{sink: sink, logger: logger}
}

// Start plays style at bpm, replacing any beat already playing.
func (p *Player) Start(style Style, bpm int) error {
	pattern, err := PatternFor(style)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		return ErrDisposed
	}
	p.stopLocked()

	ctx, cancel := context.WithCancel(context.Background())
	p.style = style
	p.tempo = NormalizeTempo(bpm)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.tempoCh = make(chan int, 1)

	go p.run(ctx, pattern, p.tempo, p.tempoCh, p.done)

	p.logger.Info("Beat started", zap.String("style", string(style)), zap.Int("tempo", p.tempo))
	return nil
}

// SetTempo changes the tempo of the playing beat. It is a no-op when stopped.
func (p *Player) SetTempo(bpm int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		return ErrDisposed
	}
	if p.cancel == nil {
		return nil
	}
	p.tempo = NormalizeTempo(bpm)
	// Drop a pending change that the scheduler has not picked up yet.
	select {
	case <-p.tempoCh:
	default:
	}
	p.tempoCh <- p.tempo
	return nil
}

// Stop silences the player. Stopping an idle player is a no-op.
func (p *Player) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopLocked() {
		p.logger.Info("Beat stopped")
	}
}

// Dispose stops the player for good.
func (p *Player) Dispose() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
	p.disposed = true
}

// Playing reports the current style and tempo.
func (p *Player) Playing() (Style, int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel == nil {
		return "", 0, false
	}
	return p.style, p.tempo, true
}

func (p *Player) stopLocked() bool {
	if p.cancel == nil {
		return false
	}
	p.cancel()
	<-p.done
	p.cancel, p.done, p.tempoCh = nil, nil, nil
	p.style, p.tempo = "", 0
	return true
}

func (p *Player) run(ctx context.Context, pattern Pattern, bpm int, tempoCh <-chan int, done chan<- struct{}) {
	defer close(done)

	interval := StepDuration(bpm)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var (
		step int
		at   time.Duration
	)
	strike := func() {
		for _, v := range pattern.Voices(step) {
			p.sink.Hit(v, step, at)
		}
		step = (step + 1) % Steps
		at += interval
	}

	strike()
	for {
		select {
		case <-ctx.Done():
			return
		case bpm := <-tempoCh:
			interval = StepDuration(bpm)
			ticker.Reset(interval)
		case <-ticker.C:
			strike()
		}
	}
}
