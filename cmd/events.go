package main

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/lotwatch/internal/events"
	"github.com/sells-group/lotwatch/internal/model"
	"github.com/sells-group/lotwatch/internal/store"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Query the lifecycle event log",
	Long:  "Prints events matching the filters as JSON lines, oldest first unless --newest is set.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		lot, _ := cmd.Flags().GetString("lot")
		vehicle, _ := cmd.Flags().GetString("vehicle")
		types, _ := cmd.Flags().GetStringSlice("type")
		since, _ := cmd.Flags().GetString("since")
		until, _ := cmd.Flags().GetString("until")
		newest, _ := cmd.Flags().GetBool("newest")
		limit, _ := cmd.Flags().GetInt("limit")

		filter, err := buildEventFilter(lot, vehicle, types, since, until)
		if err != nil {
			return err
		}
		filter.Newest = newest
		filter.Limit = limit

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		evs, err := events.New(st).Query(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "events")
		}

		enc := json.NewEncoder(os.Stdout)
		for _, ev := range evs {
			if err := enc.Encode(ev); err != nil {
				return eris.Wrap(err, "events: write")
			}
		}
		return nil
	},
}

// buildEventFilter validates the event query flags.
func buildEventFilter(lot, vehicle string, types []string, since, until string) (store.EventFilter, error) {
	filter := store.EventFilter{
		LotID:     strings.TrimSpace(lot),
		VehicleID: strings.ToUpper(strings.TrimSpace(vehicle)),
	}
	for _, t := range types {
		et := model.EventType(strings.TrimSpace(t))
		if !et.Valid() {
			return filter, eris.Errorf("events: unknown event type %q", t)
		}
		filter.Types = append(filter.Types, et)
	}
	if since != "" {
		t, ok := model.ParseTime(since)
		if !ok {
			return filter, eris.Errorf("events: unparseable --since %q", since)
		}
		filter.Since = &t
	}
	if until != "" {
		t, ok := model.ParseTime(until)
		if !ok {
			return filter, eris.Errorf("events: unparseable --until %q", until)
		}
		filter.Until = &t
	}
	return filter, nil
}

func init() {
	eventsCmd.Flags().String("lot", "", "external lot id")
	eventsCmd.Flags().String("vehicle", "", "canonical vehicle id (VIN)")
	eventsCmd.Flags().StringSlice("type", nil, "event types (appeared, disappeared, relisted, price_changed, date_changed, status_changed, updated)")
	eventsCmd.Flags().String("since", "", "only events created at or after this time")
	eventsCmd.Flags().String("until", "", "only events created before this time")
	eventsCmd.Flags().Bool("newest", false, "newest first")
	eventsCmd.Flags().Int("limit", 100, "max number of events")
	rootCmd.AddCommand(eventsCmd)
}
