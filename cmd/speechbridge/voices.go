package main

import (
	"context"
	"io"
	"sort"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/nadzzz/speechbridge/internal/tts"
)

func newVoicesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "voices",
		Short: "List the synthesizer's voices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := a.load()
			if err != nil {
				return err
			}
			e, err := buildEngines(cfg, false, logger)
			if err != nil {
				return err
			}
			defer e.bridge.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.TTS.FileTimeout)
			defer cancel()
			engine, err := waitReady(ctx, e.bridge)
			if err != nil {
				return err
			}
			voices, err := engine.ListVoices()
			if err != nil {
				return err
			}
			renderVoices(cmd.OutOrStdout(), voices)
			return nil
		},
	}
}

func renderVoices(w io.Writer, voices []tts.Voice) {
	sort.Slice(voices, func(i, j int) bool {
		if voices[i].Locale != voices[j].Locale {
			return voices[i].Locale < voices[j].Locale
		}
		return voices[i].ID < voices[j].ID
	})

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Identifier", "Language", "Quality", "Latency", "Name"})
	for _, v := range voices {
		table.Append([]string{
			v.ID,
			v.Locale,
			strconv.Itoa(v.Quality),
			strconv.Itoa(v.Latency),
			v.Name,
		})
	}
	table.Render()
}
