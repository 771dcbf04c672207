package progress

import (
	"fmt"
	"strings"
)

const stepBarWidth = 30

// StepBar displays count-based progress for item totals too large to
// give every item its own cell, such as tensors in a checkpoint.
type StepBar struct {
	message string
	current int
	total   int
}

func NewStepBar(message string, total int) *StepBar {
	return &StepBar{message: message, total: total}
}

func (s *StepBar) Set(current int) {
	if current > s.total {
		current = s.total
	}

	s.current = current
}

func (s *StepBar) String() string {
	var percent float64
	filled := 0
	if s.total > 0 {
		percent = float64(s.current) / float64(s.total) * 100
		filled = stepBarWidth * s.current / s.total
	}

	// "converting tensors  37% ▕███        ▏ 107/291"
	return fmt.Sprintf("%s %3.0f%% ▕%s%s▏ %d/%d",
		s.message, percent,
		strings.Repeat("█", filled), strings.Repeat(" ", stepBarWidth-filled),
		s.current, s.total)
}
