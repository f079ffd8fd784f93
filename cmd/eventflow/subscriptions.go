package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/eventflow/pkg/eventflow/subscription"
)

func newSubscriptionsCommand(flags *globalFlags, stdout, stderr io.Writer) *cobra.Command {
	var eventType string
	var startOnly bool
	cmd := &cobra.Command{
		Use:     "subscriptions",
		Aliases: []string{"subs"},
		Short:   "List subscriptions after deploying the configured definitions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := newLogger(stderr, flags.logLevel)
			if err != nil {
				return err
			}
			a, err := loadApp(cmd.Context(), flags, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			subs, err := a.engine.Subscriptions(cmd.Context(), subscription.Filter{EventType: eventType, StartOnly: startOnly})
			if err != nil {
				return err
			}
			return printSubscriptions(stdout, subs)
		},
	}
	cmd.Flags().StringVar(&eventType, "event-type", "", "only list subscriptions for this event type")
	cmd.Flags().BoolVar(&startOnly, "start-only", false, "only list start subscriptions")
	return cmd
}

func printSubscriptions(w io.Writer, subs []*subscription.Subscription) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "EVENT TYPE\tTENANT\tDEFINITION\tINSTANCE\tCORRELATION\tDEDUP")
	for _, s := range subs {
		instanceID := s.ScopeID
		if instanceID == "" {
			instanceID = "-"
		}
		correlation := "-"
		if len(s.CorrelationValues) > 0 {
			correlation = ""
			for i, cv := range s.CorrelationValues {
				if i > 0 {
					correlation += ","
				}
				correlation += cv.Name + "=" + cv.Value.String()
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%t\n",
			s.EventType, orDash(s.TenantID), s.ScopeDefinitionID, instanceID, correlation, s.Configuration.OnlyOneInstance)
	}
	return tw.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
