package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"signoff/internal/domain"
	"signoff/internal/engine"
	"signoff/internal/repo"
	"signoff/internal/rules"
	"signoff/internal/schema"
)

func categoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "category",
		Short: "Request categories",
		Long:  "A category fixes the form fields a request carries, its default route and the role that owns it.",
	}
	cmd.AddCommand(categoryCreateCmd())
	cmd.AddCommand(categoryListCmd())
	cmd.AddCommand(categoryShowCmd())
	cmd.AddCommand(categoryUpdateCmd())
	return cmd
}

func categoryCreateCmd() *cobra.Command {
	var opts engine.CategoryCreateOptions
	var fieldsFile string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a category",
		RunE: func(cmd *cobra.Command, args []string) error {
			if fieldsFile != "" {
				fields, err := readFields(fieldsFile)
				if err != nil {
					return err
				}
				opts.Fields = fields
			}
			opts.ActorID = actorID()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.CreateCategory(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Code, "code", "", "category code (fixed once created)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "display name")
	cmd.Flags().StringVar(&fieldsFile, "fields-file", "", "YAML file with a fields list")
	cmd.Flags().StringVar(&opts.DefaultTemplateID, "default-template", "", "default route template id")
	cmd.Flags().StringVar(&opts.OwnerRole, "owner-role", "", "directory role that owns the category")
	cmd.Flags().BoolVar(&opts.Inactive, "inactive", false, "create inactive")
	_ = cmd.MarkFlagRequired("code")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func categoryListCmd() *cobra.Command {
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List categories",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cats, err := e.ListCategories(ctx, activeOnly)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cats)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Code", "Name", "Fields", "Default Template", "Owner Role", "Active"})
				for _, c := range cats {
					tw.AppendRow(table.Row{c.ID, c.Code, c.Name, fieldNames(c.Fields), deref(c.DefaultTemplateID), c.OwnerRole, c.Active})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&activeOnly, "active", false, "only active categories")
	return cmd
}

func categoryShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id-or-code>",
		Short: "Show a category and its fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.FindCategory(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(c)
				}
				fmt.Printf("%s  %s (%s)  active=%t\n", c.ID, c.Name, c.Code, c.Active)
				tw := newTable()
				tw.AppendHeader(table.Row{"Field", "Label", "Type", "Required"})
				for _, f := range c.Fields {
					tw.AppendRow(table.Row{f.Name, f.Label, f.Type, f.Required})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func categoryUpdateCmd() *cobra.Command {
	var name, fieldsFile, defaultTemplate, ownerRole string
	var active bool
	cmd := &cobra.Command{
		Use:   "update <id-or-code>",
		Short: "Update a category (the code cannot change)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.CategoryUpdateOptions{ActorID: actorID()}
			flags := cmd.Flags()
			if flags.Changed("name") {
				opts.Name = &name
			}
			if flags.Changed("fields-file") {
				fields, err := readFields(fieldsFile)
				if err != nil {
					return err
				}
				opts.Fields = &fields
			}
			if flags.Changed("default-template") {
				opts.DefaultTemplateID = &defaultTemplate
			}
			if flags.Changed("owner-role") {
				opts.OwnerRole = &ownerRole
			}
			if flags.Changed("active") {
				opts.Active = &active
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.FindCategory(ctx, args[0])
				if err != nil {
					return err
				}
				opts.ID = c.ID
				updated, err := e.UpdateCategory(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(updated)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&fieldsFile, "fields-file", "", "YAML file with a fields list")
	cmd.Flags().StringVar(&defaultTemplate, "default-template", "", "default route template id (empty clears)")
	cmd.Flags().StringVar(&ownerRole, "owner-role", "", "owner role (empty clears)")
	cmd.Flags().BoolVar(&active, "active", true, "activate or deactivate")
	return cmd
}

func templateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "template",
		Short: "Route templates",
		Long:  "A route template is an ordered list of stages. Stages use the compact form TYPE[:MODE]:user1,user2? (a trailing ? marks an optional approver).",
	}
	cmd.AddCommand(templateCreateCmd())
	cmd.AddCommand(templateListCmd())
	cmd.AddCommand(templateShowCmd())
	cmd.AddCommand(templateUpdateCmd())
	cmd.AddCommand(templateDefaultCmd())
	cmd.AddCommand(templateDeleteCmd())
	cmd.AddCommand(templateStageCmd())
	cmd.AddCommand(templateImportCmd())
	return cmd
}

func templateCreateCmd() *cobra.Command {
	var opts engine.TemplateCreateOptions
	var category string
	var stageSpecs []string
	var inactive bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a route template",
		RunE: func(cmd *cobra.Command, args []string) error {
			stages, err := parseStages(stageSpecs)
			if err != nil {
				return err
			}
			opts.Stages = stages
			opts.Active = !inactive
			opts.ActorID = actorID()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if category != "" {
					c, err := e.FindCategory(ctx, category)
					if err != nil {
						return err
					}
					opts.CategoryID = c.ID
				}
				t, err := e.CreateTemplate(ctx, opts)
				if err != nil {
					return err
				}
				return printTemplate(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "template name")
	cmd.Flags().StringVar(&category, "category", "", "category id or code (empty for a global template)")
	cmd.Flags().BoolVar(&opts.IsDefault, "default", false, "make it the default of its scope")
	cmd.Flags().StringVar(&opts.AgreementPolicy, "agreement-policy", "", "blocking or advisory")
	cmd.Flags().StringArrayVar(&stageSpecs, "stage", []string{}, "stage TYPE[:MODE]:users (repeatable, in order)")
	cmd.Flags().BoolVar(&inactive, "inactive", false, "create inactive")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func templateListCmd() *cobra.Command {
	var f repo.TemplateFilter
	var category string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List route templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if category != "" {
					c, err := e.FindCategory(ctx, category)
					if err != nil {
						return err
					}
					f.CategoryID = c.ID
				}
				templates, err := e.ListTemplates(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(templates)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "Category", "Default", "Active", "Policy", "Stages"})
				for _, t := range templates {
					tw.AppendRow(table.Row{t.ID, t.Name, deref(t.CategoryID), t.IsDefault, t.Active, t.AgreementPolicy, len(t.Stages)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "category id or code")
	cmd.Flags().BoolVar(&f.Global, "global", false, "only templates without a category")
	cmd.Flags().BoolVar(&f.ActiveOnly, "active", false, "only active templates")
	return cmd
}

func templateShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a template and its stages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.GetTemplate(ctx, args[0])
				if err != nil {
					return err
				}
				return printTemplate(t)
			})
		},
	}
}

func templateUpdateCmd() *cobra.Command {
	var name, category, policy string
	var active bool
	var stageSpecs []string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update template attributes or replace its stages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			opts := engine.TemplateUpdateOptions{ID: args[0], ActorID: actorID()}
			if flags.Changed("name") {
				opts.Name = &name
			}
			if flags.Changed("agreement-policy") {
				opts.AgreementPolicy = &policy
			}
			if flags.Changed("active") {
				opts.Active = &active
			}
			var stages []domain.Stage
			if flags.Changed("stage") {
				var err error
				if stages, err = parseStages(stageSpecs); err != nil {
					return err
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if flags.Changed("category") {
					id := ""
					if category != "" {
						c, err := e.FindCategory(ctx, category)
						if err != nil {
							return err
						}
						id = c.ID
					}
					opts.CategoryID = &id
				}
				t, err := e.GetTemplate(ctx, args[0])
				if err != nil {
					return err
				}
				if opts.Name != nil || opts.CategoryID != nil || opts.AgreementPolicy != nil || opts.Active != nil {
					if t, err = e.UpdateTemplate(ctx, opts); err != nil {
						return err
					}
				}
				if stages != nil {
					if t, err = e.ReplaceStages(ctx, args[0], stages, opts.ActorID); err != nil {
						return err
					}
				}
				return printTemplate(t)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "template name")
	cmd.Flags().StringVar(&category, "category", "", "category id or code (empty makes it global)")
	cmd.Flags().StringVar(&policy, "agreement-policy", "", "blocking or advisory")
	cmd.Flags().BoolVar(&active, "active", true, "activate or deactivate")
	cmd.Flags().StringArrayVar(&stageSpecs, "stage", []string{}, "replacement stages TYPE[:MODE]:users (repeatable)")
	return cmd
}

func templateDefaultCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "default <id>",
		Short: "Make a template the default of its scope",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.SetDefaultTemplate(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printTemplate(t)
			})
		},
	}
}

func templateDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a template no pending request uses",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.DeleteTemplate(ctx, args[0], actorID()); err != nil {
					return err
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	}
}

func templateStageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stage",
		Short: "Insert or remove template stages",
	}
	var at int
	var spec string
	insert := &cobra.Command{
		Use:   "insert <template-id>",
		Short: "Insert a stage at a position (0 is first)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := parseStage(spec)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.InsertStage(ctx, args[0], at, st, actorID())
				if err != nil {
					return err
				}
				return printTemplate(t)
			})
		},
	}
	insert.Flags().IntVar(&at, "at", 0, "position")
	insert.Flags().StringVar(&spec, "stage", "", "stage TYPE[:MODE]:users")
	_ = insert.MarkFlagRequired("stage")

	remove := &cobra.Command{
		Use:   "remove <template-id> <index>",
		Short: "Remove the stage at index",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("index must be a number: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.RemoveStage(ctx, args[0], index, actorID())
				if err != nil {
					return err
				}
				return printTemplate(t)
			})
		},
	}
	cmd.AddCommand(insert, remove)
	return cmd
}

func templateImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Create templates from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			var doc templatesFile
			if err := readYAML(file, &doc); err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				created := make([]domain.RouteTemplate, 0, len(doc.Templates))
				for _, tf := range doc.Templates {
					opts := engine.TemplateCreateOptions{
						ID:              tf.ID,
						Name:            tf.Name,
						IsDefault:       tf.Default,
						Active:          tf.Active == nil || *tf.Active,
						AgreementPolicy: tf.AgreementPolicy,
						Stages:          tf.stages(),
						ActorID:         actorID(),
					}
					if tf.Category != "" {
						c, err := e.FindCategory(ctx, tf.Category)
						if err != nil {
							return fmt.Errorf("template %q: %w", tf.Name, err)
						}
						opts.CategoryID = c.ID
					}
					t, err := e.CreateTemplate(ctx, opts)
					if err != nil {
						return fmt.Errorf("template %q: %w", tf.Name, err)
					}
					created = append(created, t)
				}
				if viper.GetBool("json") {
					return printJSON(created)
				}
				for _, t := range created {
					fmt.Printf("created %s (%s)\n", t.ID, t.Name)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "YAML file with a templates list")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func printTemplate(t domain.RouteTemplate) error {
	if viper.GetBool("json") {
		return printJSON(t)
	}
	scope := "global"
	if t.CategoryID != nil {
		scope = "category " + *t.CategoryID
	}
	fmt.Printf("%s  %s  (%s, default=%t, active=%t, %s)\n", t.ID, t.Name, scope, t.IsDefault, t.Active, t.AgreementPolicy)
	tw := newTable()
	tw.AppendHeader(table.Row{"#", "Type", "Mode", "Approvers"})
	for _, s := range t.Stages {
		tw.AppendRow(table.Row{s.Index, s.Type, s.Mode, slotList(s.Slots)})
	}
	tw.Render()
	return nil
}

func slotList(slots []domain.ApproverSlot) string {
	names := make([]string, 0, len(slots))
	for _, s := range slots {
		n := s.UserID
		if !s.Required {
			n += "?"
		}
		names = append(names, n)
	}
	return strings.Join(names, ", ")
}

func ruleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rule",
		Short: "Auto-approval rules",
		Long:  "Rules approve selected slots of a category's requests when every condition holds. The first active match in creation order wins.",
	}
	cmd.AddCommand(ruleCreateCmd())
	cmd.AddCommand(ruleListCmd())
	cmd.AddCommand(ruleShowCmd())
	cmd.AddCommand(ruleToggleCmd("enable", true))
	cmd.AddCommand(ruleToggleCmd("disable", false))
	return cmd
}

func ruleCreateCmd() *cobra.Command {
	var opts engine.RuleCreateOptions
	var category, conditionsFile string
	var exprs, maxAmounts []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an auto-approval rule",
		RunE: func(cmd *cobra.Command, args []string) error {
			if conditionsFile != "" {
				conds, err := readConditions(conditionsFile)
				if err != nil {
					return err
				}
				opts.Conditions = append(opts.Conditions, conds...)
			}
			for _, x := range exprs {
				opts.Conditions = append(opts.Conditions, domain.Condition{Kind: rules.KindExpr, Expr: x})
			}
			amounts, err := parseAssignments(maxAmounts)
			if err != nil {
				return err
			}
			for field, v := range amounts {
				opts.Conditions = append(opts.Conditions, domain.Condition{Kind: rules.KindMaxAmount, Field: field, Value: scalar(v)})
			}
			opts.ActorID = actorID()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.FindCategory(ctx, category)
				if err != nil {
					return err
				}
				opts.CategoryID = c.ID
				rule, err := e.CreateRule(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(rule)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "rule name")
	cmd.Flags().StringVar(&category, "category", "", "category id or code")
	cmd.Flags().StringArrayVar(&opts.TargetUserIDs, "target-user", []string{}, "requester the rule applies to (repeatable)")
	cmd.Flags().StringArrayVar(&opts.TargetDepartmentIDs, "target-department", []string{}, "requester department the rule applies to (repeatable)")
	cmd.Flags().StringArrayVar(&opts.BypassApproverIDs, "bypass", []string{}, "approver whose slots are auto-approved (repeatable)")
	cmd.Flags().IntVar(&opts.DelaySeconds, "delay", 0, "seconds before the approval applies (0 is immediate)")
	cmd.Flags().StringArrayVar(&exprs, "expr", []string{}, "expression condition over payload and requester (repeatable)")
	cmd.Flags().StringArrayVar(&maxAmounts, "max-amount", []string{}, "field=limit upper bound condition (repeatable)")
	cmd.Flags().StringVar(&conditionsFile, "conditions-file", "", "YAML file with a conditions list")
	cmd.Flags().BoolVar(&opts.Inactive, "inactive", false, "create inactive")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("category")
	return cmd
}

func ruleListCmd() *cobra.Command {
	var category string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List rules in evaluation order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				categoryID := ""
				if category != "" {
					c, err := e.FindCategory(ctx, category)
					if err != nil {
						return err
					}
					categoryID = c.ID
				}
				list, err := e.ListRules(ctx, categoryID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(list)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Seq", "ID", "Name", "Category", "Conditions", "Bypass", "Delay", "Active"})
				for _, r := range list {
					tw.AppendRow(table.Row{r.Seq, r.ID, r.Name, r.CategoryID, len(r.Conditions), strings.Join(r.BypassApproverIDs, ","), r.DelaySeconds, r.Active})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "category id or code")
	return cmd
}

func ruleShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.GetRule(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
}

func ruleToggleCmd(use string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: strings.ToUpper(use[:1]) + use[1:] + " a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.SetRuleActive(ctx, args[0], active, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
}

// fieldNames renders "name:type" pairs; "*" marks required fields.
func fieldNames(defs []schema.FieldDef) string {
	names := make([]string, 0, len(defs))
	for _, d := range defs {
		n := d.Name + ":" + string(d.Type)
		if d.Required {
			n += "*"
		}
		names = append(names, n)
	}
	return strings.Join(names, " ")
}
