package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/baxromumarov/unirun"
	"github.com/charmbracelet/lipgloss"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

type styles struct {
	title    lipgloss.Style
	key      lipgloss.Style
	value    lipgloss.Style
	reason   lipgloss.Style
	fallback lipgloss.Style
	faint    lipgloss.Style
}

func defaultStyles() styles {
	return styles{
		title:    lipgloss.NewStyle().Bold(true),
		key:      lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Width(20),
		value:    lipgloss.NewStyle().Foreground(lipgloss.Color("255")),
		reason:   lipgloss.NewStyle().Foreground(lipgloss.Color("69")),
		fallback: lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true),
		faint:    lipgloss.NewStyle().Faint(true),
	}
}

// render writes v in the requested format. text uses the styled view.
func render(w io.Writer, format string, v any, text func(styles) string) error {
	var (
		out []byte
		err error
	)
	switch strings.ToLower(format) {
	case "", "text":
		_, err = fmt.Fprintln(w, text(defaultStyles()))
		return err
	case "json":
		out, err = json.MarshalIndent(v, "", "  ")
		if err == nil {
			out = append(out, '\n')
		}
	case "yaml", "yml":
		out, err = yaml.Marshal(v)
	case "toml":
		out, err = toml.Marshal(v)
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
	if err != nil {
		return fmt.Errorf("encode %s: %w", format, err)
	}
	_, err = w.Write(out)
	return err
}

func (st styles) row(k, v string) string {
	return lipgloss.JoinHorizontal(lipgloss.Top, st.key.Render(k), st.value.Render(v))
}

func (st styles) decision(d unirun.Decision) []string {
	reason := st.reason.Render(d.Reason.Code)
	if d.Fallback {
		reason += " " + st.fallback.Render("(fallback)")
	}
	lines := []string{
		st.row("requested", d.RequestedFlavor.String()),
		st.row("kind", d.Kind.String()),
		lipgloss.JoinHorizontal(lipgloss.Top, st.key.Render("reason"), reason),
		st.row("", st.faint.Render(d.Reason.Message)),
		st.row("thread mode", d.ThreadMode.String()),
		st.row("workers", strconv.Itoa(d.Workers)),
	}
	if d.PoolName != "" {
		lines = append(lines, st.row("pool", d.PoolName))
	}
	if d.Hints != 0 {
		lines = append(lines, st.row("hints", d.Hints.String()))
	}
	return lines
}

func (st styles) capabilities(c unirun.Capabilities) []string {
	return []string{
		st.row("goos", c.GOOS),
		st.row("cpus", strconv.Itoa(c.CPUCount)),
		st.row("suggested workers", strconv.Itoa(c.SuggestedWorkers)),
		st.row("parallel threads", strconv.FormatBool(c.ThreadingParallel)),
		st.row("isolated workers", strconv.FormatBool(c.IsolatedWorkersAvailable)),
	}
}

func (st styles) policyLines(p unirun.Policy) []string {
	return []string{
		st.row("thread mode", p.ThreadMode.String()),
		st.row("force threads", strconv.FormatBool(p.ForceThreads)),
		st.row("force processes", strconv.FormatBool(p.ForceProcesses)),
		st.row("compat mode", strconv.FormatBool(p.CompatMode)),
		st.row("max workers", strconv.Itoa(p.MaxWorkers)),
		st.row("prefers isolated", strconv.FormatBool(p.PrefersIsolated)),
	}
}

func (st styles) explain(r explainReport) string {
	parts := []string{st.title.Render("Decision")}
	parts = append(parts, st.decision(r.Decision)...)
	parts = append(parts, "", st.title.Render("Capabilities"))
	parts = append(parts, st.capabilities(r.Capabilities)...)
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func (st styles) policy(c unirun.Capabilities, p unirun.Policy) string {
	parts := []string{st.title.Render("Policy")}
	parts = append(parts, st.policyLines(p)...)
	parts = append(parts, "", st.title.Render("Capabilities"))
	parts = append(parts, st.capabilities(c)...)
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func (st styles) bench(rows []benchRow) string {
	parts := []string{st.title.Render("Benchmark")}
	for _, r := range rows {
		line := fmt.Sprintf("%-10s %-18s %-22s %3d workers  %v",
			r.Flavor, r.Kind, r.Reason, r.Workers, r.Elapsed)
		if r.Fallback {
			line += " " + st.fallback.Render("(fallback)")
		}
		parts = append(parts, line)
	}
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}
