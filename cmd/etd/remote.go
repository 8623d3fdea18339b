package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	etdsdk "etdflow/sdk/go"
)

// remoteCmd drives a running server through the HTTP API instead of the
// local database. Agencies without database access use it to answer
// verification requests.
func remoteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remote",
		Short: "Talk to a running ETD server",
	}
	cmd.PersistentFlags().String("server", "http://127.0.0.1:8080", "server base URL (or ETD_SERVER)")
	cmd.PersistentFlags().String("token", "", "bearer token (or ETD_TOKEN)")
	cmd.PersistentFlags().String("api-key", "", "API key (or ETD_API_KEY)")
	_ = viper.BindPFlag("server", cmd.PersistentFlags().Lookup("server"))
	_ = viper.BindPFlag("token", cmd.PersistentFlags().Lookup("token"))
	_ = viper.BindPFlag("api-key", cmd.PersistentFlags().Lookup("api-key"))

	cmd.AddCommand(remoteMeCmd())
	cmd.AddCommand(remoteShowCmd())
	cmd.AddCommand(remoteInboxCmd())
	cmd.AddCommand(remoteDocumentCmd())
	cmd.AddCommand(remoteSubmitCmd())
	cmd.AddCommand(remoteEventsCmd())
	return cmd
}

func withClient(ctx context.Context, fn func(context.Context, *etdsdk.Client) error) error {
	c := etdsdk.New(viper.GetString("server"))
	c.BearerToken = viper.GetString("token")
	c.APIKey = viper.GetString("api-key")
	if c.BearerToken == "" && c.APIKey == "" {
		return fmt.Errorf("--token or --api-key required")
	}
	return fn(ctx, c)
}

func remoteMeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the identity the server resolved",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, c *etdsdk.Client) error {
				me, err := c.Me(ctx)
				if err != nil {
					return err
				}
				return printJSON(me)
			})
		},
	}
}

func remoteShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show an application and the actions available to you",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, c *etdsdk.Client) error {
				a, err := c.GetApplication(ctx, args[0])
				if err != nil {
					return err
				}
				actions, err := c.Actions(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"application": a, "actions": actions})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendRow(table.Row{"ID", a.ID})
				tw.AppendRow(table.Row{"Status", a.Status})
				tw.AppendRow(table.Row{"Citizen", strings.TrimSpace(a.Citizen.FirstName + " " + a.Citizen.LastName)})
				tw.AppendRow(table.Row{"Pending", strings.Join(a.PendingVerificationAgencies, ",")})
				tw.AppendRow(table.Row{"Completed", strings.Join(a.VerificationCompletedAgencies, ",")})
				tw.AppendRow(table.Row{"Actions", strings.Join(actions, ",")})
				tw.Render()
				return nil
			})
		},
	}
}

func remoteInboxCmd() *cobra.Command {
	var limit int
	var legacy bool
	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "List applications awaiting your agency's verification",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, c *etdsdk.Client) error {
				me, err := c.Me(ctx)
				if err != nil {
					return err
				}
				agency := me.ResolvedAgency
				if agency == "" {
					agency = me.Agency
				}
				if agency == "" {
					return fmt.Errorf("identity %s has no agency", me.ActorID)
				}
				filters := map[string]string{
					"status":         "PENDING_VERIFICATION",
					"pending_agency": agency,
				}
				if legacy {
					filters = map[string]string{
						"status":          "AGENCY_REVIEW,SUBMITTED",
						"assigned_agency": agency,
					}
				}
				page, err := c.ListApplications(ctx, filters, limit, "")
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(page)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Citizen", "Region", "Pending"})
				for _, a := range page.Items {
					tw.AppendRow(table.Row{a.ID, a.Citizen.CitizenID, a.Region, strings.Join(a.PendingVerificationAgencies, ",")})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	cmd.Flags().BoolVar(&legacy, "legacy", false, "list applications assigned to your agency on the single-agency route")
	return cmd
}

func remoteDocumentCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "document <id>",
		Short: "Download the verification document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, c *etdsdk.Client) error {
				data, err := c.VerificationDocument(ctx, args[0])
				if err != nil {
					return err
				}
				if out == "" || out == "-" {
					_, err = os.Stdout.Write(data)
					return err
				}
				return os.WriteFile(out, data, 0o644)
			})
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default stdout)")
	return cmd
}

func remoteSubmitCmd() *cobra.Command {
	var agency, remarks, attachmentPath string
	cmd := &cobra.Command{
		Use:   "submit-verification <id>",
		Short: "Submit your agency's verification response",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			attachment, err := readOptionalFile(attachmentPath)
			if err != nil {
				return err
			}
			return withClient(cmd.Context(), func(ctx context.Context, c *etdsdk.Client) error {
				a, err := c.SubmitVerification(ctx, args[0], agency, remarks, attachment)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(a)
				}
				fmt.Printf("%s %s (pending: %s)\n", a.ID, a.Status, strings.Join(a.PendingVerificationAgencies, ","))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&agency, "as", "", "agency to submit for (ADMIN only)")
	cmd.Flags().StringVar(&remarks, "remarks", "", "verification remarks")
	cmd.Flags().StringVar(&attachmentPath, "attachment", "", "attachment file")
	_ = cmd.MarkFlagRequired("remarks")
	return cmd
}

func remoteEventsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "events [id]",
		Short: "Tail events, optionally for one application",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			return withClient(cmd.Context(), func(ctx context.Context, c *etdsdk.Client) error {
				page, err := c.EventsPage(ctx, id, limit, "")
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(page)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Entity", "Actor"})
				for _, ev := range page.Items {
					tw.AppendRow(table.Row{ev.ID, ev.TS, ev.Type, ev.EntityKind + ":" + ev.EntityID, ev.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "n", 20, "number of events")
	return cmd
}
