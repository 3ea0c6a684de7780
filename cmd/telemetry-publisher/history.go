package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/nugget/telemetry-publisher/internal/journal"
)

// historyWindow is how far back the history summary looks.
const historyWindow = 24 * time.Hour

// historyRecent is the number of individual samples listed.
const historyRecent = 10

// runHistory prints a summary of the configured device's journal
// over the last [historyWindow] followed by its most recent samples.
func runHistory(ctx context.Context, w io.Writer, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if !cfg.Journal.Enabled() {
		return fmt.Errorf("journal.path is not configured")
	}

	store, err := journal.NewStore(cfg.Journal.DBPath())
	if err != nil {
		return err
	}
	defer store.Close()

	end := time.Now()
	sum, err := store.Summary(ctx, cfg.Device.ID, end.Add(-historyWindow), end)
	if err != nil {
		return err
	}
	recent, err := store.Recent(ctx, cfg.Device.ID, historyRecent)
	if err != nil {
		return err
	}

	if outputFmt == "json" {
		type sampleOut struct {
			Temp        float64 `json:"temp"`
			Hum         float64 `json:"hum"`
			Timestamp   int64   `json:"timestamp"`
			PublishedAt string  `json:"published_at"`
		}
		out := struct {
			DeviceID int              `json:"device_id"`
			Window   string           `json:"window"`
			Summary  *journal.Summary `json:"summary"`
			Recent   []sampleOut      `json:"recent"`
		}{
			DeviceID: cfg.Device.ID,
			Window:   historyWindow.String(),
			Summary:  sum,
			Recent:   []sampleOut{},
		}
		for _, r := range recent {
			out.Recent = append(out.Recent, sampleOut{
				Temp:        r.Temp,
				Hum:         r.Hum,
				Timestamp:   r.Timestamp,
				PublishedAt: r.PublishedAt.UTC().Format(time.RFC3339),
			})
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	fmt.Fprintf(w, "device %d, last %s: %d samples\n", cfg.Device.ID, historyWindow, sum.Count)
	if sum.Count > 0 {
		fmt.Fprintf(w, "  temp  min %.2f  max %.2f  avg %.2f\n", sum.MinTemp, sum.MaxTemp, sum.AvgTemp)
		fmt.Fprintf(w, "  hum   min %.2f  max %.2f  avg %.2f\n", sum.MinHum, sum.MaxHum, sum.AvgHum)
	}
	if len(recent) > 0 {
		fmt.Fprintln(w, "recent:")
		for _, r := range recent {
			fmt.Fprintf(w, "  %s  temp %.2f  hum %.2f\n",
				r.PublishedAt.Local().Format(time.DateTime), r.Temp, r.Hum)
		}
	}
	return nil
}
