// Package beat plays looping 16-step drum patterns.
//
// A Player owns one scheduler goroutine and delivers every hit to a Sink.
// Render produces the same loop as PCM for front ends that can only send
// audio files.
package beat

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	Steps        = 16
	DefaultTempo = 120
	MinTempo     = 40
	MaxTempo     = 300
)

var (
	ErrDisposed     = errors.New("beat player is disposed")
	ErrUnknownStyle = errors.New("unknown beat style")
)

type Style string

const (
	StyleHipHop     Style = "hiphop"
	StyleRock       Style = "rock"
	StyleElectronic Style = "electronic"
)

var Styles = []Style{StyleHipHop, StyleRock, StyleElectronic}

func ParseStyle(s string) (Style, error) {
	style := Style(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := patterns[style]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownStyle, s)
	}
	return style, nil
}

type Voice int

const (
	Kick Voice = iota
	Snare
	Hihat
)

func (v Voice) String() string {
	switch v {
	case Kick:
		return "kick"
	case Snare:
		return "snare"
	case Hihat:
		return "hihat"
	}
	return fmt.Sprintf("voice(%d)", int(v))
}

// Pattern holds one bar of sixteenth notes per voice.
type Pattern struct {
	Kick, Snare, Hihat [Steps]bool
}

// Voices returns the voices struck on step i.
func (p Pattern) Voices(i int) []Voice {
	i %= Steps
	var out []Voice
	if p.Kick[i] {
		out = append(out, Kick)
	}
	if p.Snare[i] {
		out = append(out, Snare)
	}
	if p.Hihat[i] {
		out = append(out, Hihat)
	}
	return out
}

func steps(s string) [Steps]bool {
	var out [Steps]bool
	for i := range out {
		out[i] = s[i] == '1'
	}
	return out
}

var patterns = map[Style]Pattern{
	StyleHipHop: {
		Kick:  steps("1000101000001010"),
		Snare: steps("0000100000001000"),
		Hihat: steps("1111111111111111"),
	},
	StyleRock: {
		Kick:  steps("1000100010001000"),
		Snare: steps("0000100000001000"),
		Hihat: steps("1111111111111111"),
	},
	StyleElectronic: {
		Kick:  steps("1001001010010010"),
		Snare: steps("0000100000001000"),
		Hihat: steps("0010001000100010"),
	},
}

func PatternFor(style Style) (Pattern, error) {
	p, ok := patterns[style]
	if !ok {
		return Pattern{}, fmt.Errorf("%w: %q", ErrUnknownStyle, style)
	}
	return p, nil
}

// NormalizeTempo maps 0 to DefaultTempo and clamps to [MinTempo, MaxTempo].
func NormalizeTempo(bpm int) int {
	switch {
	case bpm == 0:
		return DefaultTempo
	case bpm < MinTempo:
		return MinTempo
	case bpm > MaxTempo:
		return MaxTempo
	}
	return bpm
}

// StepDuration is the length of one sixteenth note at bpm.
func StepDuration(bpm int) time.Duration {
	return time.Minute / time.Duration(NormalizeTempo(bpm)*4)
}
