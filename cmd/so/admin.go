package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"signoff/internal/app"
	"signoff/internal/domain"
	"signoff/internal/engine"
	"signoff/internal/logging"
	"signoff/internal/server"
)

func memberCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "member",
		Short: "Organization directory",
		Long:  "Members carry a manager, department, level and roles. Routes without a template walk the manager chain.",
	}
	cmd.AddCommand(memberPutCmd())
	cmd.AddCommand(memberListCmd())
	cmd.AddCommand(memberShowCmd())
	cmd.AddCommand(memberImportCmd())
	return cmd
}

func memberPutCmd() *cobra.Command {
	var m memberFile
	var inactive bool
	cmd := &cobra.Command{
		Use:   "put <id>",
		Short: "Create or replace a member",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m.ID = args[0]
			active := !inactive
			m.Active = &active
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				saved, err := e.UpsertMember(ctx, m.member(), actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(saved)
			})
		},
	}
	cmd.Flags().StringVar(&m.Name, "name", "", "display name")
	cmd.Flags().StringVar(&m.ManagerID, "manager", "", "manager member id")
	cmd.Flags().StringVar(&m.DepartmentID, "department", "", "department id")
	cmd.Flags().IntVar(&m.Level, "level", 0, "job level")
	cmd.Flags().StringArrayVar(&m.Roles, "role", []string{}, "directory role (repeatable)")
	cmd.Flags().BoolVar(&inactive, "inactive", false, "mark inactive")
	return cmd
}

func memberListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List members",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				members, err := e.ListMembers(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(members)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "Manager", "Department", "Level", "Roles", "Active"})
				for _, m := range members {
					tw.AppendRow(table.Row{m.ID, m.Name, deref(m.ManagerID), m.DepartmentID, m.Level, strings.Join(m.Roles, ","), m.Active})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func memberShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a member",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.GetMember(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
}

func memberImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Upsert members from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			var doc membersFile
			if err := readYAML(file, &doc); err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				saved := make([]domain.OrgMember, 0, len(doc.Members))
				for _, mf := range doc.Members {
					m, err := e.UpsertMember(ctx, mf.member(), actorID())
					if err != nil {
						return fmt.Errorf("member %q: %w", mf.ID, err)
					}
					saved = append(saved, m)
				}
				if viper.GetBool("json") {
					return printJSON(saved)
				}
				fmt.Printf("imported %d members\n", len(saved))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "YAML file with a members list")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func roleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "role",
		Short: "API roles and permissions",
	}
	cmd.AddCommand(roleWhoamiCmd())
	cmd.AddCommand(roleChangeCmd("grant", true))
	cmd.AddCommand(roleChangeCmd("revoke", false))
	return cmd
}

func roleWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the roles and permissions of --actor-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				who, err := e.WhoAmI(ctx, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(who)
			})
		},
	}
}

func roleChangeCmd(use string, grant bool) *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   use,
		Short: strings.ToUpper(use[:1]) + use[1:] + " a role (admin or employee)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if grant {
					return e.GrantRole(ctx, actorID(), target, role)
				}
				return e.RevokeRole(ctx, actorID(), target, role)
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func apiKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "API keys for the HTTP server",
	}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a key for --actor-id; the secret is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				k, raw, err := e.CreateAPIKey(ctx, actorID(), name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": k.ID, "actor_id": k.ActorID, "name": k.Name, "key": raw})
				}
				fmt.Printf("id:  %s\nkey: %s\n", k.ID, raw)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "label")

	list := &cobra.Command{
		Use:   "list",
		Short: "List keys of --actor-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.ListAPIKeys(ctx, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}

	revoke := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Delete a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RevokeAPIKey(ctx, args[0])
			})
		},
	}
	cmd.AddCommand(create, list, revoke)
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin, legacyHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, the deferred-approval scheduler and notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				if !cmd.Flags().Changed("addr") && c.Config.Server.Addr != "" {
					addr = c.Config.Server.Addr
				}
				if !cmd.Flags().Changed("base-path") && c.Config.Server.BasePath != "" {
					basePath = c.Config.Server.BasePath
				}
				authCfg := server.AuthConfig{
					JWTSecret:              os.Getenv("SIGNOFF_JWT_SECRET"),
					AllowLegacyActorHeader: legacyHeader,
					DevLogin:               devLogin,
				}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("SIGNOFF_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{
					Engine:   c.Engine,
					BasePath: basePath,
					Auth:     authCfg,
					Logger:   logging.Component(c.Log, "http"),
				})
				if err != nil {
					return err
				}
				if err := c.Start(ctx); err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdown)
				}()
				c.Log.Info().Str("addr", addr).Str("base_path", basePath).Bool("dev_login", devLogin).Msg("serving signoff api")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path (overrides server.base_path)")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST /auth/dev/login (development only)")
	cmd.Flags().BoolVar(&legacyHeader, "allow-actor-header", false, "accept X-Actor-Id without credentials (development only)")
	return cmd
}
