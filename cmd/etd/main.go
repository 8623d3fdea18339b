package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"etdflow/internal/app"
	"etdflow/internal/config"
	"etdflow/internal/db"
	"etdflow/internal/domain"
	"etdflow/internal/engine"
	"etdflow/internal/engine/auth"
	"etdflow/internal/notify"
	"etdflow/internal/repo"
	"etdflow/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "etd",
	Short: "Emergency travel document workflow",
	Long: `etd runs the emergency travel document workflow.
- Applications start as DRAFT at a mission and move through ministry review.
- Verification fans an application out to several agencies at once; it moves on once every agency has answered.
- The legacy route sends an application to a single agency chosen by region.
- Every change lands in the event log ('etd log tail').`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if viper.GetString("database-url") != "" {
			return nil
		}
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("ETD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.String("database-url", "", "postgres URL; empty uses the workspace sqlite file")
	flags.String("service", app.DefaultServiceID, "service config id")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-admin", "actor identifier")
	flags.String("role", string(domain.RoleAdmin), "actor role")
	flags.String("region", "", "actor region")
	flags.String("agency", "", "actor agency claim")
	flags.String("log-level", "warn", "log level")
	flags.String("log-format", "console", "log format (console or json)")
	for _, name := range []string{"workspace", "database-url", "service", "json", "actor-id", "role", "region", "agency", "log-level", "log-format"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(appCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(reviewCmd())
	rootCmd.AddCommand(blacklistCmd())
	rootCmd.AddCommand(legacyCmd())
	rootCmd.AddCommand(printCmd())
	rootCmd.AddCommand(qcCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(remoteCmd())
	rootCmd.AddCommand(serveCmd())
}

func principal() (auth.Principal, error) {
	role, ok := domain.ParseRole(viper.GetString("role"))
	if !ok {
		return auth.Principal{}, fmt.Errorf("unknown role %q", viper.GetString("role"))
	}
	actor := strings.TrimSpace(viper.GetString("actor-id"))
	if actor == "" {
		return auth.Principal{}, fmt.Errorf("--actor-id required")
	}
	return auth.Principal{
		ActorID: actor,
		Role:    role,
		Region:  strings.TrimSpace(viper.GetString("region")),
		Agency:  domain.Agency(strings.ToUpper(strings.TrimSpace(viper.GetString("agency")))),
	}, nil
}

func openRuntime(ctx context.Context) (*app.Runtime, error) {
	return app.Open(ctx, app.Options{
		Workspace:   viper.GetString("workspace"),
		DatabaseURL: viper.GetString("database-url"),
		ServiceID:   viper.GetString("service"),
		LogLevel:    viper.GetString("log-level"),
		LogFormat:   viper.GetString("log-format"),
	})
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt.Engine)
}

// withActor runs fn with the flag-supplied identity.
func withActor(ctx context.Context, fn func(context.Context, engine.Engine, auth.Principal) error) error {
	p, err := principal()
	if err != nil {
		return err
	}
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		return fn(ctx, e, p)
	})
}

func appCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "app", Short: "Manage applications"}
	cmd.AddCommand(appCreateCmd())
	cmd.AddCommand(appEditCmd())
	cmd.AddCommand(appSubmitCmd())
	cmd.AddCommand(appListCmd())
	cmd.AddCommand(appShowCmd())
	cmd.AddCommand(appActionsCmd())
	cmd.AddCommand(appStatsCmd())
	return cmd
}

func appCreateCmd() *cobra.Command {
	var citizenFile, citizenID, firstName, lastName, region, remarks string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a DRAFT application",
		RunE: func(cmd *cobra.Command, args []string) error {
			citizen := domain.Citizen{}
			if citizenFile != "" {
				data, err := afero.ReadFile(afero.NewOsFs(), citizenFile)
				if err != nil {
					return err
				}
				if err := json.Unmarshal(data, &citizen); err != nil {
					return fmt.Errorf("parse %s: %w", citizenFile, err)
				}
			}
			if citizenID != "" {
				citizen.CitizenID = citizenID
			}
			if firstName != "" {
				citizen.FirstName = firstName
			}
			if lastName != "" {
				citizen.LastName = lastName
			}
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, p auth.Principal) error {
				a, err := e.CreateApplication(ctx, engine.CreateInput{Actor: p, Citizen: citizen, Region: region, Remarks: remarks})
				if err != nil {
					return err
				}
				return printApplication(a)
			})
		},
	}
	cmd.Flags().StringVar(&citizenFile, "citizen-file", "", "JSON file with the citizen payload")
	cmd.Flags().StringVar(&citizenID, "citizen-id", "", "citizen id")
	cmd.Flags().StringVar(&firstName, "first-name", "", "first name")
	cmd.Flags().StringVar(&lastName, "last-name", "", "last name")
	cmd.Flags().StringVar(&region, "app-region", "", "application region (defaults to --region)")
	cmd.Flags().StringVar(&remarks, "remarks", "", "remarks")
	return cmd
}

func appEditCmd() *cobra.Command {
	var region, remarks string
	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Edit a DRAFT application",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := engine.EditInput{ApplicationID: args[0]}
			if cmd.Flags().Changed("app-region") {
				in.Region = &region
			}
			if cmd.Flags().Changed("remarks") {
				in.Remarks = &remarks
			}
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, p auth.Principal) error {
				in.Actor = p
				a, err := e.EditApplication(ctx, in)
				if err != nil {
					return err
				}
				return printApplication(a)
			})
		},
	}
	cmd.Flags().StringVar(&region, "app-region", "", "application region")
	cmd.Flags().StringVar(&remarks, "remarks", "", "remarks")
	return cmd
}

func appSubmitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "submit <id>",
		Short: "Submit a DRAFT application",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, p auth.Principal) error {
				a, err := e.Submit(ctx, engine.SubmitInput{ApplicationID: args[0], Actor: p})
				if err != nil {
					return err
				}
				return printApplication(a)
			})
		},
	}
}

func appListCmd() *cobra.Command {
	var f repo.ApplicationFilters
	var printed string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List applications, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch printed {
			case "":
			case "true", "false":
				v := printed == "true"
				f.Printed = &v
			default:
				return fmt.Errorf("--printed must be true or false")
			}
			f.PendingAgency = strings.ToUpper(f.PendingAgency)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.List(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "Citizen", "Region", "Pending", "Printed", "Created"})
				for _, a := range items {
					tw.AppendRow(table.Row{
						a.ID,
						a.Status,
						strings.TrimSpace(a.Citizen.FirstName + " " + a.Citizen.LastName),
						a.Region,
						joinAgencies(a.PendingVerificationAgencies),
						a.IsPrinted,
						a.CreatedAt,
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&f.Statuses, "status", nil, "status filter, repeatable or comma-separated")
	cmd.Flags().StringVar(&f.Region, "app-region", "", "region filter")
	cmd.Flags().StringVar(&f.CreatedBy, "created-by", "", "creator filter")
	cmd.Flags().StringVar(&f.PendingAgency, "pending-agency", "", "only applications awaiting this agency")
	cmd.Flags().StringVar(&f.AssignedAgency, "assigned-agency", "", "only applications assigned to this agency")
	cmd.Flags().StringVar(&f.Search, "search", "", "citizen id or name")
	cmd.Flags().StringVar(&printed, "printed", "", "printed filter (true or false)")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func appShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show an application",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printApplication(a)
			})
		},
	}
}

func appActionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "actions <id>",
		Short: "List the actions the current identity may take",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, p auth.Principal) error {
				actions, err := e.Actions(ctx, p, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(actions)
				}
				if len(actions) == 0 {
					fmt.Println("no actions available")
					return nil
				}
				for _, a := range actions {
					fmt.Println(a)
				}
				return nil
			})
		},
	}
}

func appStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Application counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				stats, err := e.Stats(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stats)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Status", "Count"})
				for _, st := range domain.AllStatuses {
					if n := stats.ByStatus[string(st)]; n > 0 {
						tw.AppendRow(table.Row{st, n})
					}
				}
				tw.AppendFooter(table.Row{"Total", stats.Total})
				tw.Render()
				return nil
			})
		},
	}
}

func verifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Multi-agency verification",
		Long:  "Fan an application out to several agencies and record their responses.",
	}
	cmd.AddCommand(verifySendCmd())
	cmd.AddCommand(verifySubmitCmd())
	return cmd
}

func verifySendCmd() *cobra.Command {
	var agencyList []string
	var documentPath, contentType, remarks string
	cmd := &cobra.Command{
		Use:   "send <id>",
		Short: "Send an application for verification",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			document, err := readOptionalFile(documentPath)
			if err != nil {
				return err
			}
			targets := make([]domain.Agency, 0, len(agencyList))
			for _, a := range agencyList {
				targets = append(targets, domain.Agency(strings.ToUpper(strings.TrimSpace(a))))
			}
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, p auth.Principal) error {
				a, err := e.SendForVerification(ctx, engine.SendForVerificationInput{
					ApplicationID: args[0],
					Actor:         p,
					Agencies:      targets,
					Document:      document,
					ContentType:   contentType,
					Remarks:       remarks,
				})
				if err != nil {
					return err
				}
				return printApplication(a)
			})
		},
	}
	cmd.Flags().StringSliceVar(&agencyList, "to", nil, "target agencies (repeatable or comma separated)")
	cmd.Flags().StringVar(&documentPath, "document", "", "verification document file")
	cmd.Flags().StringVar(&contentType, "content-type", "", "document content type")
	cmd.Flags().StringVar(&remarks, "remarks", "", "remarks")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func verifySubmitCmd() *cobra.Command {
	var agency, remarks, attachmentPath, contentType string
	cmd := &cobra.Command{
		Use:   "submit <id>",
		Short: "Record an agency verification response",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			attachment, err := readOptionalFile(attachmentPath)
			if err != nil {
				return err
			}
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, p auth.Principal) error {
				a, err := e.SubmitVerification(ctx, engine.SubmitVerificationInput{
					ApplicationID: args[0],
					Actor:         p,
					Agency:        domain.Agency(strings.ToUpper(strings.TrimSpace(agency))),
					Remarks:       remarks,
					Attachment:    attachment,
					ContentType:   contentType,
				})
				if err != nil {
					return err
				}
				return printApplication(a)
			})
		},
	}
	cmd.Flags().StringVar(&agency, "as", "", "agency to submit for (ADMIN only)")
	cmd.Flags().StringVar(&remarks, "remarks", "", "verification remarks")
	cmd.Flags().StringVar(&attachmentPath, "attachment", "", "attachment file")
	cmd.Flags().StringVar(&contentType, "content-type", "", "attachment content type")
	_ = cmd.MarkFlagRequired("remarks")
	return cmd
}

func reviewCmd() *cobra.Command {
	var in engine.DecideInput
	var decision string
	cmd := &cobra.Command{
		Use:   "review <id>",
		Short: "Record the ministry decision (APPROVE or REJECT)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.ApplicationID = args[0]
			in.Decision = domain.Decision(strings.ToUpper(strings.TrimSpace(decision)))
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, p auth.Principal) error {
				in.Actor = p
				a, err := e.Decide(ctx, in)
				if err != nil {
					return err
				}
				return printApplication(a)
			})
		},
	}
	cmd.Flags().StringVar(&decision, "decision", "", "APPROVE or REJECT")
	cmd.Flags().StringVar(&in.RejectionReason, "reason", "", "rejection reason")
	cmd.Flags().BoolVar(&in.BlacklistFlag, "blacklist-flag", false, "blacklist check flag")
	cmd.Flags().StringVar(&in.ETDIssueDate, "issue-date", "", "ETD issue date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&in.ETDExpiryDate, "expiry-date", "", "ETD expiry date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&in.Remarks, "remarks", "", "remarks")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

func blacklistCmd() *cobra.Command {
	var remarks string
	cmd := &cobra.Command{
		Use:   "blacklist <id>",
		Short: "Blacklist an application",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, p auth.Principal) error {
				a, err := e.Blacklist(ctx, engine.BlacklistInput{ApplicationID: args[0], Actor: p, Remarks: remarks})
				if err != nil {
					return err
				}
				return printApplication(a)
			})
		},
	}
	cmd.Flags().StringVar(&remarks, "remarks", "", "blacklist reason")
	return cmd
}

func legacyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "legacy",
		Short: "Single-agency review route",
	}
	cmd.AddCommand(legacySendCmd())
	cmd.AddCommand(legacyDecisionCmd("agency-approve", "Approve as the assigned agency", engine.Engine.AgencyApprove))
	cmd.AddCommand(legacyDecisionCmd("agency-reject", "Reject as the assigned agency", engine.Engine.AgencyReject))
	return cmd
}

func legacySendCmd() *cobra.Command {
	var agency, region, remarks string
	cmd := &cobra.Command{
		Use:   "send-to-agency <id>",
		Short: "Route an application to one agency",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, p auth.Principal) error {
				a, err := e.SendToAgency(ctx, engine.SendToAgencyInput{
					ApplicationID: args[0],
					Actor:         p,
					Agency:        domain.Agency(strings.ToUpper(strings.TrimSpace(agency))),
					Region:        region,
					Remarks:       remarks,
				})
				if err != nil {
					return err
				}
				return printApplication(a)
			})
		},
	}
	cmd.Flags().StringVar(&agency, "to", "", "target agency; empty routes by region")
	cmd.Flags().StringVar(&region, "route-region", "", "region used for routing")
	cmd.Flags().StringVar(&remarks, "remarks", "", "remarks")
	return cmd
}

type agencyDecision func(engine.Engine, context.Context, engine.AgencyDecisionInput) (domain.Application, error)

func legacyDecisionCmd(use, short string, decide agencyDecision) *cobra.Command {
	var agency, remarks string
	cmd := &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, p auth.Principal) error {
				a, err := decide(e, ctx, engine.AgencyDecisionInput{
					ApplicationID: args[0],
					Actor:         p,
					Agency:        domain.Agency(strings.ToUpper(strings.TrimSpace(agency))),
					Remarks:       remarks,
				})
				if err != nil {
					return err
				}
				return printApplication(a)
			})
		},
	}
	cmd.Flags().StringVar(&agency, "as", "", "agency to act for (ADMIN only)")
	cmd.Flags().StringVar(&remarks, "remarks", "", "remarks")
	return cmd
}

func printCmd() *cobra.Command {
	var sheet string
	cmd := &cobra.Command{
		Use:   "print <id>",
		Short: "Mark an approved application as printed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, p auth.Principal) error {
				a, err := e.MarkPrinted(ctx, engine.PrintInput{ApplicationID: args[0], Actor: p, SheetNo: sheet})
				if err != nil {
					return err
				}
				return printApplication(a)
			})
		},
	}
	cmd.Flags().StringVar(&sheet, "sheet", "", "sheet number")
	return cmd
}

func qcCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "qc", Short: "Print quality control"}
	cmd.AddCommand(&cobra.Command{
		Use:   "pass <id>",
		Short: "Pass QC and complete the application",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, p auth.Principal) error {
				a, err := e.QCPass(ctx, engine.QCInput{ApplicationID: args[0], Actor: p})
				if err != nil {
					return err
				}
				return printApplication(a)
			})
		},
	})
	var reason string
	fail := &cobra.Command{
		Use:   "fail <id>",
		Short: "Fail QC so the document is reprinted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, p auth.Principal) error {
				a, err := e.QCFail(ctx, engine.QCInput{ApplicationID: args[0], Actor: p, Reason: reason})
				if err != nil {
					return err
				}
				return printApplication(a)
			})
		},
	}
	fail.Flags().StringVar(&reason, "reason", "", "failure reason")
	cmd.AddCommand(fail)
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every workflow change, key and config update, newest first.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Entity", "Actor", "From", "To"})
				for _, ev := range items {
					tw.AppendRow(table.Row{ev.ID, ev.TS, ev.Type, ev.EntityKind + ":" + ev.EntityID, ev.ActorID, ev.FromStatus, ev.ToStatus})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Service configuration"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show stored config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if viper.GetBool("json") {
					return printJSON(e.Config)
				}
				data, err := config.ToYAML(e.Config)
				if err != nil {
					return err
				}
				fmt.Print(string(data))
				return nil
			})
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate stored config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Config.Validate()
			})
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "import <file>",
		Short: "Import a YAML config as the stored config (takes effect on restart)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := config.FromFile(args[0])
			if err != nil {
				return err
			}
			if parsed.Service.ID == "" {
				parsed.Service.ID = viper.GetString("service")
			}
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, p auth.Principal) error {
				if err := e.ImportConfig(ctx, p, parsed); err != nil {
					return err
				}
				fmt.Printf("config %s imported\n", parsed.Service.ID)
				return nil
			})
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "default",
		Short: "Print the built-in default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Print(config.GenerateDefault(viper.GetString("service")))
			return nil
		},
	})
	return cfg
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var in engine.APIKeyInput
	var role, agency string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (the secret is shown once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Role = domain.Role(role)
			in.Agency = domain.Agency(agency)
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, p auth.Principal) error {
				key, secret, err := e.CreateAPIKey(ctx, p, in)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"api_key": key, "secret": secret})
				}
				fmt.Printf("id: %s\nsecret: %s\n", key.ID, secret)
				return nil
			})
		},
	}
	create.Flags().StringVar(&in.ActorID, "for", "", "actor id the key authenticates as")
	create.Flags().StringVar(&role, "key-role", "", "role of the key")
	create.Flags().StringVar(&in.Region, "key-region", "", "region of the key")
	create.Flags().StringVar(&agency, "key-agency", "", "agency of the key")
	create.Flags().StringVar(&in.Name, "name", "", "label")
	_ = create.MarkFlagRequired("for")
	_ = create.MarkFlagRequired("key-role")

	var owner string
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.ListAPIKeys(ctx, owner)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Role", "Region", "Agency", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Role, k.Region, k.Agency, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&owner, "for", "", "only keys of this actor")

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, p auth.Principal) error {
				return e.DeleteAPIKey(ctx, p, args[0])
			})
		},
	}
	cmd.AddCommand(create, list, del)
	return cmd
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the current identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := principal()
			if err != nil {
				return err
			}
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("ETD_JWT_SECRET is required")
			}
			token, err := server.SignToken(secret, p, ttl, time.Now().UTC())
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin, notifications bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()
			authCfg := server.AuthConfig{JWTSecret: viper.GetString("jwt-secret"), DevLogin: devLogin}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("ETD_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{
				Engine:   rt.Engine,
				BasePath: basePath,
				Auth:     authCfg,
				Log:      rt.Log,
				Gatherer: rt.Registry,
			})
			if err != nil {
				return err
			}

			ctx, stop := context.WithCancel(ctx)
			defer stop()
			if notifications {
				targets, closeTargets, err := notify.TargetsFromConfig(rt.Config)
				if err != nil {
					return err
				}
				defer closeTargets()
				if len(targets) > 0 {
					d := notify.NewDispatcher(rt.Engine.Repo, targets, rt.Log, rt.Metrics)
					go d.Run(ctx)
				}
			}

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			rt.Log.Info("serving ETD API",
				zap.String("addr", addr),
				zap.String("base_path", basePath),
				zap.Bool("dev_login", devLogin),
			)
			fmt.Printf("Serving ETD API on http://%s%s (OpenAPI at %s/openapi.json, docs at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "enable the dev login endpoint")
	cmd.Flags().BoolVar(&notifications, "notify", true, "deliver events to configured sinks")
	cmd.Flags().String("jwt-secret", "", "HS256 secret (or ETD_JWT_SECRET)")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

func readOptionalFile(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	return afero.ReadFile(afero.NewOsFs(), path)
}

func joinAgencies(in []domain.Agency) string {
	parts := make([]string, 0, len(in))
	for _, a := range in {
		parts = append(parts, string(a))
	}
	return strings.Join(parts, ",")
}

func printApplication(a domain.Application) error {
	if viper.GetBool("json") {
		return printJSON(a)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendRow(table.Row{"ID", a.ID})
	tw.AppendRow(table.Row{"Status", a.Status})
	tw.AppendRow(table.Row{"Citizen", strings.TrimSpace(a.Citizen.CitizenID + " " + a.Citizen.FirstName + " " + a.Citizen.LastName)})
	tw.AppendRow(table.Row{"Region", a.Region})
	if a.AssignedAgency != nil {
		tw.AppendRow(table.Row{"Assigned agency", *a.AssignedAgency})
	}
	if a.FannedOut() {
		tw.AppendRow(table.Row{"Pending", joinAgencies(a.PendingVerificationAgencies)})
		tw.AppendRow(table.Row{"Completed", joinAgencies(a.VerificationCompletedAgencies)})
	}
	for _, r := range a.AgencyRemarks {
		tw.AppendRow(table.Row{"Remark " + string(r.Agency), r.Remarks})
	}
	if a.RejectionReason != nil {
		tw.AppendRow(table.Row{"Rejection reason", *a.RejectionReason})
	}
	if a.BlacklistReason != nil {
		tw.AppendRow(table.Row{"Blacklist reason", *a.BlacklistReason})
	}
	if a.ReviewedBy != nil {
		tw.AppendRow(table.Row{"Reviewed by", *a.ReviewedBy})
	}
	tw.AppendRow(table.Row{"Printed", a.IsPrinted})
	tw.AppendRow(table.Row{"Version", a.Version})
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
