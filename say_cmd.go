package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/naturalspeech/naturalspeech/internal/tts"
)

var (
	sayVoice   string
	sayLine    string
	sayGain    float64
	sayOut     string
	sayTimeout time.Duration

	sayCmd = &cobra.Command{
		Use:   "say [TEXT|-]",
		Short: "Speak text once and exit",
		Long: paragraph(fmt.Sprintf("\n%s the text with one voice, wait for it to finish playing, and exit. "+
			"Text is read from stdin when it is piped or given as -.", keyword("Speak"))),
		Example: paragraph("naturalspeech say --voice libritts:12 \"Hello there.\"\n" +
			"echo Hello | naturalspeech say --voice system:en --out hello.wav"),
		RunE: runSay,
	}
)

func init() {
	sayCmd.Flags().StringVarP(&sayVoice, "voice", "v", "", "voice as model:speaker (default: first enabled model, speaker 0)")
	sayCmd.Flags().StringVarP(&sayLine, "line", "l", "cli", "line to speak on")
	sayCmd.Flags().Float64VarP(&sayGain, "gain", "g", 0, "gain in dB (default: audio.gain_db)")
	sayCmd.Flags().StringVarP(&sayOut, "out", "o", "", "write a WAV file instead of playing")
	sayCmd.Flags().DurationVar(&sayTimeout, "timeout", 5*time.Minute, "give up after this long")
}

func readSayText(args []string) (string, error) {
	stdinPiped := !term.IsTerminal(int(os.Stdin.Fd())) //nolint:gosec
	if (len(args) == 0 && stdinPiped) || (len(args) == 1 && args[0] == "-") {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("unable to read from stdin: %w", err)
		}
		return string(b), nil
	}
	if len(args) == 0 {
		return "", errors.New("nothing to say")
	}
	return strings.Join(args, " "), nil
}

func resolveVoice() (tts.VoiceID, error) {
	if sayVoice != "" {
		return tts.ParseVoiceID(sayVoice)
	}
	for _, m := range cfg.Models {
		if m.IsEnabled() {
			return tts.VoiceID{Model: m.Name, Voice: "0"}, nil
		}
	}
	if cfg.Command.Enabled {
		return tts.VoiceID{Model: cfg.Command.Name, Voice: "en"}, nil
	}
	return tts.VoiceID{}, errors.New("no voice given and no model is configured")
}

func runSay(cmd *cobra.Command, args []string) error {
	text, err := readSayText(args)
	if err != nil {
		return err
	}
	voice, err := resolveVoice()
	if err != nil {
		return err
	}
	gain := cfg.Audio.GainDB
	if cmd.Flags().Changed("gain") {
		gain = sayGain
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, sayTimeout)
	defer cancel()

	sink, err := newSink(cfg, sayOut)
	if err != nil {
		return fmt.Errorf("unable to open audio output: %w", err)
	}
	rt, err := newRuntime(cfg, sink)
	if err != nil {
		_ = sink.Close()
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			log.Error("shutdown", "err", err)
		}
	}()

	if m, ok := cfg.Model(voice.Model); ok {
		if err := rt.orch.StartModel(ctx, cfg.PoolConfig(m)); err != nil {
			return err
		}
	} else if err := rt.orch.Start(ctx); err != nil {
		return err
	}

	if _, err := rt.orch.Speak(ctx, voice, text, tts.FixedGain(gain), sayLine); err != nil {
		return err
	}
	if err := rt.orch.WaitIdle(ctx); err != nil {
		rt.orch.CancelAll()
		return fmt.Errorf("speech did not finish: %w", err)
	}
	if sayOut != "" {
		fmt.Println("Wrote", sayOut)
	}
	return nil
}
