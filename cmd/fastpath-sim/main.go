// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command fastpath-sim replays PCAPs through the fastpath classifier on a
// simulated host stack and reports which rule decided each packet.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"grimm.is/fastpath/internal/config"
	"grimm.is/fastpath/internal/fastpath"
	"grimm.is/fastpath/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "Path to HCL config file")
	mode := flag.String("mode", "", "Override the registration mode (namespace or global)")
	hook := flag.String("hook", "pre_routing", "Hook point packets are presented at")
	tenant := flag.Bool("tenant", false, "Inject into a non-root namespace")
	alias := flag.String("in-alias", "", "Alias of the simulated ingress device")
	asJSON := flag.Bool("json", false, "Print the summary as JSON")
	maxFlows := flag.Int("flows", 20, "Flows to list (0 for none)")
	flag.Parse()

	if flag.NArg() != 1 {
		log.Fatal("Usage: fastpath-sim [flags] <capture.pcap|capture.pcapng>")
	}

	cfg, err := loadConfig(*configPath, *mode)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	point, err := fastpath.ParseHookPoint(*hook)
	if err != nil {
		log.Fatalf("Invalid -hook: %v", err)
	}

	logger := logging.New(logging.Config{Level: logging.LevelWarn, Output: os.Stderr})
	r, err := NewReplayer(cfg, ReplayOptions{Hook: point, Tenant: *tenant, InAlias: *alias}, logger)
	if err != nil {
		log.Fatalf("Failed to set up simulation: %v", err)
	}

	f, err := os.Open(flag.Arg(0))
	if err != nil {
		log.Fatalf("Failed to open capture: %v", err)
	}
	defer f.Close()

	if err := r.Replay(f); err != nil {
		log.Fatalf("Replay failed: %v", err)
	}
	summary, err := r.Summary()
	if err != nil {
		log.Fatalf("Summary failed: %v", err)
	}
	for _, report := range r.Close() {
		if err := report.Err(); err != nil {
			log.Printf("teardown: %v", err)
		}
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(summary); err != nil {
			log.Fatal(err)
		}
		return
	}
	render(os.Stdout, summary, *maxFlows)
}

func loadConfig(path, mode string) (*config.Config, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if mode != "" {
		cfg.Mode = mode
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	headerStyle = lipgloss.NewStyle().Bold(true)
	boxStyle    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("62")).Padding(0, 1)
)

func row(widths []int, cells ...string) string {
	parts := make([]string, len(cells))
	for i, c := range cells {
		parts[i] = lipgloss.NewStyle().Width(widths[i]).Render(c)
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, parts...)
}

func render(w io.Writer, s *Summary, maxFlows int) {
	st := s.Stats
	overview := strings.Join([]string{
		titleStyle.Render("fastpath replay"),
		fmt.Sprintf("mode %s, namespace %s", s.Mode, s.Namespace),
		fmt.Sprintf("injected %d  bypassed %d  filtered %d  dropped %d  skipped %d  resumed %d",
			st.Injected, st.Bypassed, st.Filtered, st.Dropped, st.Skipped, st.ResumeCalls),
	}, "\n")

	widths := []int{16, 10, 22, 10}
	lines := []string{headerStyle.Render(row(widths, "HOOK", "VERDICT", "REASON", "PACKETS"))}
	for _, rc := range s.Reasons {
		lines = append(lines, row(widths, rc.Hook, rc.Verdict, rc.Reason, fmt.Sprint(rc.Packets)))
	}
	sections := []string{overview, lipgloss.JoinVertical(lipgloss.Left, lines...)}

	if maxFlows > 0 && len(s.Flows) > 0 {
		fw := []int{48, 9, 9, 9}
		flows := []string{headerStyle.Render(row(fw, "FLOW", "PACKETS", "BYPASSED", "FILTERED"))}
		for i, f := range s.Flows {
			if i == maxFlows {
				flows = append(flows, fmt.Sprintf("... %d more", len(s.Flows)-maxFlows))
				break
			}
			name := fmt.Sprintf("%s %s:%d > %s:%d", f.Protocol, f.Src, f.SrcPort, f.Dst, f.DstPort)
			flows = append(flows, row(fw, name, fmt.Sprint(f.Packets), fmt.Sprint(f.Bypassed), fmt.Sprint(f.Filtered)))
		}
		sections = append(sections, lipgloss.JoinVertical(lipgloss.Left, flows...))
	}

	fmt.Fprintln(w, boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, joinSections(sections)...)))
}

func joinSections(sections []string) []string {
	out := make([]string, 0, 2*len(sections))
	for i, s := range sections {
		if i > 0 {
			out = append(out, "")
		}
		out = append(out, s)
	}
	return out
}
