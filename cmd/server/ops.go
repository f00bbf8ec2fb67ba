package main

import (
	"encoding/json"
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/warp/promo-engine/api"
	"github.com/warp/promo-engine/internal/config"
	"github.com/warp/promo-engine/promo"
)

func previewCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "preview [period]",
		Short: "Print the allocation preview for a period (default: current)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, period, err := oneShot(cmd, args)
			if err != nil {
				return err
			}
			defer d.store.Close()

			plan, err := d.engine.Preview(cmd.Context(), period)
			if err != nil {
				return err
			}
			return printJSON(api.ToAllocationDTO(period, plan))
		},
	}
}

// tickCommand fires the period trigger once, as the scheduler would at the
// anchor. It is a no-op unless the period was confirmed.
func tickCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "tick [period]",
		Short: "Run the period trigger once (default: current)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, period, err := oneShot(cmd, args)
			if err != nil {
				return err
			}
			defer d.store.Close()

			res, err := d.engine.OnPeriodTick(cmd.Context(), period)
			if err != nil {
				return err
			}
			return printJSON(api.ToRunResultDTO(res))
		},
	}
}

func oneShot(cmd *cobra.Command, args []string) (*deps, promo.PeriodKey, error) {
	cfg := config.FromContext(cmd.Context())
	if cfg == nil {
		return nil, "", errors.New("no config found in context")
	}
	// Reminders are never scheduled by one-shot commands.
	d, err := newDeps(cfg, commonRun(cfg), nil)
	if err != nil {
		return nil, "", err
	}
	period := d.engine.CurrentPeriod()
	if len(args) == 1 {
		if period, err = promo.ParsePeriodKey(args[0]); err != nil {
			d.store.Close()
			return nil, "", err
		}
	}
	return d, period, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
