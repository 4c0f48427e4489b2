package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/sahilm/fuzzy"
	"github.com/spf13/cobra"
)

// voiceEntry is one row of the voices listing.
type voiceEntry struct {
	voice   string
	engine  string
	enabled bool
	source  string
}

var voicesCmd = &cobra.Command{
	Use:   "voices [QUERY]",
	Short: "List configured voices",
	Long:  paragraph(fmt.Sprintf("\nList the configured models and their voices, %s by QUERY.", keyword("fuzzy-filtered"))),
	Args:  cobra.MaximumNArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		entries := listVoices()
		if len(args) == 1 {
			entries = filterVoices(entries, args[0])
		}
		if len(entries) == 0 {
			fmt.Println(idleStyle.Render("No voices found."))
			return nil
		}

		rows := make([][]string, 0, len(entries))
		for _, e := range entries {
			state := idleStyle.Render("disabled")
			if e.enabled {
				state = activeStyle.Render("enabled")
			}
			rows = append(rows, []string{e.voice, e.engine, state, e.source})
		}
		fmt.Println(table([]string{"VOICE", "ENGINE", "STATE", "SOURCE"}, rows))
		return nil
	},
}

func listVoices() []voiceEntry {
	var out []voiceEntry
	for _, m := range cfg.Models {
		source := m.Path
		if st, err := os.Stat(m.Path); err == nil {
			source = fmt.Sprintf("%s (%s)", m.Path, humanize.Bytes(uint64(st.Size()))) //nolint:gosec
		} else {
			source += " " + errStyle.Render("(missing)")
		}
		voices := m.Voices
		if len(voices) == 0 {
			voices = []string{"*"}
		}
		for _, v := range voices {
			out = append(out, voiceEntry{voice: m.Name + ":" + v, engine: "piper", enabled: m.IsEnabled(), source: source})
		}
	}

	c := cfg.Command
	program := c.Command
	if f := strings.Fields(c.Command); len(f) > 0 {
		program = f[0]
	}
	voices := c.Voices
	if len(voices) == 0 {
		voices = []string{"*"}
	}
	for _, v := range voices {
		out = append(out, voiceEntry{voice: c.Name + ":" + v, engine: "command", enabled: c.Enabled, source: program})
	}
	return out
}

type voiceSource []voiceEntry

func (v voiceSource) String(i int) string { return v[i].voice }
func (v voiceSource) Len() int            { return len(v) }

func filterVoices(entries []voiceEntry, query string) []voiceEntry {
	matches := fuzzy.FindFrom(query, voiceSource(entries))
	out := make([]voiceEntry, len(matches))
	for i, m := range matches {
		out[i] = entries[m.Index]
	}
	return out
}
