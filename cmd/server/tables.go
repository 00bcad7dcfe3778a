package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/finlegal/accident-engine/api"
	"github.com/finlegal/accident-engine/factory"
	"github.com/finlegal/accident-engine/generic"
	"github.com/finlegal/accident-engine/logger"
)

func seedCmd() *cobra.Command {
	var reset bool
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Install the demo series and minimum tables",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openReference(cfg.Storage.SQLitePath)
			if err != nil {
				return err
			}
			defer store.Close()

			if reset {
				if err := store.ResetReference(cmd.Context()); err != nil {
					return err
				}
			}
			if err := api.LoadReferenceData(cmd.Context(), store); err != nil {
				return err
			}
			logger.Get().Info().Str("db", cfg.Storage.SQLitePath).Msg("demo reference data installed")
			return nil
		},
	}
	cmd.Flags().BoolVar(&reset, "reset", false, "clear series and minimum tables first")
	return cmd
}

func importSeriesCmd() *cobra.Command {
	var name, file string
	cmd := &cobra.Command{
		Use:   "import-series",
		Short: "Upsert a published index file into a series",
		Long: `Reads a JSON file either as {"YYYY-MM-DD": value} or as
[{"date": "...", "value": ...}] and upserts every point into the series.
Dates may also be written DD/MM/YYYY.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", file, err)
			}
			series, err := factory.ParseSeries(name, data)
			if err != nil {
				return err
			}

			store, err := openReference(cfg.Storage.SQLitePath)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.SavePoints(cmd.Context(), name, series.Points()); err != nil {
				return err
			}
			logger.Get().Info().Str("series", name).Int("points", series.Len()).Msg("series imported")
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "series name (e.g. ripte, tasa_activa)")
	cmd.Flags().StringVar(&file, "file", "", "JSON file to import")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func importMinimumsCmd() *cobra.Command {
	var schedule, file string
	cmd := &cobra.Command{
		Use:   "import-minimums",
		Short: "Upsert a minimum amount table",
		Long: `Reads {"name": "...", "entries": [{"effective_date", "amount", "reference"}]}
or a plain {"YYYY-MM-DD": amount} map. --schedule names the table when the
file does not.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", file, err)
			}
			table, err := factory.ParseMinimumSchedule(schedule, data)
			if err != nil {
				return err
			}
			if table.Name() == "" {
				return fmt.Errorf("the file names no schedule, pass --schedule")
			}

			store, err := openReference(cfg.Storage.SQLitePath)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.SaveMinimums(cmd.Context(), table.Name(), table.Entries()); err != nil {
				return err
			}
			logger.Get().Info().Str("schedule", table.Name()).Int("entries", len(table.Entries())).Msg("minimums imported")
			return nil
		},
	}
	cmd.Flags().StringVar(&schedule, "schedule", "", "schedule name (e.g. post_27348)")
	cmd.Flags().StringVar(&file, "file", "", "JSON file to import")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func exportSeriesCmd() *cobra.Command {
	var name, out string
	cmd := &cobra.Command{
		Use:   "export-series",
		Short: "Write a stored series as {\"YYYY-MM-DD\": value}",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openReference(cfg.Storage.SQLitePath)
			if err != nil {
				return err
			}
			defer store.Close()

			infos, err := store.ListSeries(cmd.Context())
			if err != nil {
				return err
			}
			var found bool
			var points []generic.RatePoint
			for _, info := range infos {
				if info.Name != name {
					continue
				}
				found = true
				points, err = store.LoadPoints(cmd.Context(), name, info.First, info.Last)
				if err != nil {
					return err
				}
			}
			if !found {
				return fmt.Errorf("series %q: %w", name, generic.ErrSeriesNotFound)
			}

			data, err := factory.EncodeSeries(points)
			if err != nil {
				return err
			}
			if out == "" || out == "-" {
				_, err = cmd.OutOrStdout().Write(append(data, '\n'))
				return err
			}
			return os.WriteFile(out, data, 0o644)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "series name")
	cmd.Flags().StringVar(&out, "out", "", "output file (default: stdout)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func listSeriesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-series",
		Short: "Print the stored series",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openReference(cfg.Storage.SQLitePath)
			if err != nil {
				return err
			}
			defer store.Close()

			infos, err := store.ListSeries(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "SERIES\tPOINTS\tFIRST\tLAST")
			for _, info := range infos {
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", info.Name, info.Points, info.First, info.Last)
			}
			return tw.Flush()
		},
	}
}
