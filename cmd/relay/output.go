package main

import (
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/fatih/color"
)

// printer writes human-readable command output.
type printer struct {
	out io.Writer

	success *color.Color
	failure *color.Color
	notice  *color.Color
	topic   *color.Color
}

func newPrinter(out io.Writer) *printer {
	return &printer{
		out:     out,
		success: color.New(color.FgGreen),
		failure: color.New(color.FgRed, color.Bold),
		notice:  color.New(color.FgYellow),
		topic:   color.New(color.FgCyan, color.Bold),
	}
}

func (p *printer) Success(format string, args ...any) {
	p.success.Fprintf(p.out, format+"\n", args...)
}

func (p *printer) Failure(format string, args ...any) {
	p.failure.Fprintf(p.out, format+"\n", args...)
}

func (p *printer) Notice(format string, args ...any) {
	p.notice.Fprintf(p.out, format+"\n", args...)
}

// Message prints a delivered payload as "[topic] payload".
func (p *printer) Message(topic string, payload []byte) {
	fmt.Fprintf(p.out, "%s %s\n", p.topic.Sprintf("[%s]", topic), payload)
}

// Metrics prints a metrics snapshot sorted by key.
func (p *printer) Metrics(snapshot map[string]float64) {
	if len(snapshot) == 0 {
		return
	}

	p.notice.Fprintln(p.out, "metrics:")
	for _, key := range slices.Sorted(maps.Keys(snapshot)) {
		fmt.Fprintf(p.out, "  %s %g\n", key, snapshot[key])
	}
}
