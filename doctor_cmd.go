package main

import (
	"fmt"
	"os/exec"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/naturalspeech/naturalspeech/internal/tts/engines/piper"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check that configured models can start",
	Long:  paragraph(fmt.Sprintf("\n%s for the piper binary, every model file and the command engine's program without starting them.", keyword("Look"))),
	Args:  cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		failed := 0
		for _, m := range cfg.Models {
			pc := cfg.PoolConfig(m)
			r := piper.Check(m.Name, pc.Worker)
			printCheck(r, m.IsEnabled())
			if !r.Available && m.IsEnabled() {
				failed++
			}
		}

		if cfg.Command.Enabled {
			program := strings.Fields(cfg.Command.Command)
			if len(program) == 0 {
				fmt.Println(errStyle.Render("✗"), cfg.Command.Name, "has no command")
				failed++
			} else if path, err := exec.LookPath(program[0]); err != nil {
				fmt.Println(errStyle.Render("✗"), cfg.Command.Name, err)
				failed++
			} else {
				fmt.Println(activeStyle.Render("✓"), cfg.Command.Name, idleStyle.Render(path))
			}
		}

		if len(cfg.Models) == 0 && !cfg.Command.Enabled {
			fmt.Println(idleStyle.Render("No models are configured. Run naturalspeech config to add one."))
		}
		if failed > 0 {
			return fmt.Errorf("%d enabled engine(s) cannot start", failed)
		}
		return nil
	},
}

func printCheck(r piper.CheckResult, enabled bool) {
	mark := activeStyle.Render("✓")
	if !r.Available {
		mark = errStyle.Render("✗")
	}
	name := r.Model
	if !enabled {
		name += idleStyle.Render(" (disabled)")
	}
	fmt.Println(mark, name)

	keys := make([]string, 0, len(r.Details))
	for k := range r.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("    %s: %s\n", k, idleStyle.Render(r.Details[k]))
	}
	if r.Err != nil {
		fmt.Println("   ", errStyle.Render(r.Err.Error()))
		fmt.Println(paragraph(r.Guidance))
	}
}
