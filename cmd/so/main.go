package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"signoff/internal/app"
	"signoff/internal/db"
	"signoff/internal/engine"
)

var rootCmd = &cobra.Command{
	Use:   "so",
	Short: "Signoff CLI",
	Long: `Signoff routes HR requests (leave, expenses, purchases) through approval stages.
Core concepts:
- Category: a request type with a form schema, an optional default route and an owner role.
- Route template: ordered stages of approvers. AGREEMENT and APPROVAL stages need decisions; REFERENCE stages only inform.
- Aggregation: ALL needs every required approver, ANY needs one, SEQUENTIAL walks approvers in order.
- Auto-approval rule: conditions on payload and requester that approve slots at once or after a delay.
- Directory: members with managers, departments, levels and roles. Routes without a template walk the manager chain.
- Request: a submitted form moving PENDING -> APPROVED, REJECTED or CANCELLED.
- Event log: every change, view with 'so events'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, "error:", describeError(err))
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SIGNOFF")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(categoryCmd())
	rootCmd.AddCommand(templateCmd())
	rootCmd.AddCommand(ruleCmd())
	rootCmd.AddCommand(memberCmd())
	rootCmd.AddCommand(requestCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(roleCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.Context) error) error {
	c, err := app.Open(app.Options{Workspace: viper.GetString("workspace"), LogOut: os.Stderr})
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(ctx, c)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withApp(ctx, func(ctx context.Context, c *app.Context) error {
		return fn(ctx, c.Engine)
	})
}

func actorID() string {
	return viper.GetString("actor-id")
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

// describeError flattens engine errors into "Code: message" for the terminal.
func describeError(err error) string {
	if e, ok := engine.AsError(err); ok {
		msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
		if e.Details != nil {
			if b, mErr := json.Marshal(e.Details); mErr == nil {
				msg += " " + string(b)
			}
		}
		return msg
	}
	return err.Error()
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
