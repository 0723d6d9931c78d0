package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"signoff/internal/domain"
	"signoff/internal/engine"
	"signoff/internal/repo"
)

func requestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Approval requests",
		Long:  "Submit requests as --actor-id, decide the slots you hold and watch them move through their stages.",
	}
	cmd.AddCommand(requestSubmitCmd())
	cmd.AddCommand(requestListCmd())
	cmd.AddCommand(requestShowCmd())
	cmd.AddCommand(requestDecideCmd("approve", domain.DecisionApproved))
	cmd.AddCommand(requestDecideCmd("reject", domain.DecisionRejected))
	cmd.AddCommand(requestCancelCmd())
	cmd.AddCommand(requestPendingCmd())
	cmd.AddCommand(requestHistoryCmd())
	cmd.AddCommand(requestRuleMatchCmd())
	return cmd
}

func requestSubmitCmd() *cobra.Command {
	var category, templateID, payloadFile, policy string
	var fields, stageSpecs []string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a request",
		Long: `Submit a request in a category. Payload values come from --payload-file (YAML or JSON map)
and --field name=value pairs, which win on conflict. --stage builds a one-off route instead of a template.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := map[string]any{}
			if payloadFile != "" {
				if err := readYAML(payloadFile, &payload); err != nil {
					return err
				}
			}
			pairs, err := parseAssignments(fields)
			if err != nil {
				return err
			}
			for k, v := range pairs {
				payload[k] = scalar(v)
			}
			opts := engine.SubmitOptions{
				RequesterID: actorID(),
				Payload:     payload,
				TemplateID:  templateID,
			}
			if len(stageSpecs) > 0 {
				stages, err := parseStages(stageSpecs)
				if err != nil {
					return err
				}
				opts.Route = &engine.ManualRoute{Stages: stages, AgreementPolicy: policy}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.FindCategory(ctx, category)
				if err != nil {
					return err
				}
				opts.CategoryID = c.ID
				in, err := e.Submit(ctx, opts)
				if err != nil {
					return err
				}
				return printInstance(in)
			})
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "category id or code")
	cmd.Flags().StringVar(&templateID, "template", "", "route template id (defaults to the category route)")
	cmd.Flags().StringVar(&payloadFile, "payload-file", "", "YAML or JSON file with payload values")
	cmd.Flags().StringArrayVar(&fields, "field", []string{}, "payload value name=value; numbers and true/false are typed (repeatable)")
	cmd.Flags().StringArrayVar(&stageSpecs, "stage", []string{}, "manual route stage TYPE[:MODE]:users (repeatable)")
	cmd.Flags().StringVar(&policy, "agreement-policy", "", "blocking or advisory for a manual route")
	_ = cmd.MarkFlagRequired("category")
	return cmd
}

func requestListCmd() *cobra.Command {
	var opts engine.InstanceListOptions
	var category string
	var mine bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List requests, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if mine {
				opts.RequesterID = actorID()
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if category != "" {
					c, err := e.FindCategory(ctx, category)
					if err != nil {
						return err
					}
					opts.CategoryID = c.ID
				}
				items, next, err := e.ListInstances(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"items": items, "next_cursor": next})
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Category", "Requester", "Status", "Stage", "Submitted"})
				for _, in := range items {
					tw.AppendRow(table.Row{in.ID, in.CategoryCode, in.RequesterID, in.Status, stageLabel(in), in.SubmittedAt})
				}
				tw.Render()
				if next != "" {
					fmt.Println("next cursor:", next)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&mine, "mine", false, "only requests submitted by --actor-id")
	cmd.Flags().StringVar(&opts.RequesterID, "requester", "", "requester filter")
	cmd.Flags().StringVar(&category, "category", "", "category id or code")
	cmd.Flags().StringVar(&opts.Status, "status", "", "PENDING, APPROVED, REJECTED or CANCELLED")
	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "page size")
	cmd.Flags().StringVar(&opts.Cursor, "cursor", "", "cursor from a previous page")
	return cmd
}

func requestShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a request with its stages and decisions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				in, err := e.GetInstance(ctx, args[0])
				if err != nil {
					return err
				}
				return printInstance(in)
			})
		},
	}
}

func requestDecideCmd(use string, decision domain.Decision) *cobra.Command {
	var comment string
	var stage int
	cmd := &cobra.Command{
		Use:   use + " <id>",
		Short: strings.ToUpper(use[:1]) + use[1:] + " your slot on a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.DecideOptions{
				InstanceID: args[0],
				ApproverID: actorID(),
				Decision:   decision,
				Comment:    comment,
			}
			if cmd.Flags().Changed("stage") {
				opts.StageIndex = &stage
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				in, err := e.Decide(ctx, opts)
				if err != nil {
					return err
				}
				return printInstance(in)
			})
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "comment stored with the decision")
	cmd.Flags().IntVar(&stage, "stage", 0, "stage index (defaults to the current stage)")
	return cmd
}

func requestCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel your pending request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				in, err := e.Cancel(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printInstance(in)
			})
		},
	}
}

func requestPendingCmd() *cobra.Command {
	var approver string
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "Requests waiting on an approver",
		RunE: func(cmd *cobra.Command, args []string) error {
			if approver == "" {
				approver = actorID()
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.PendingFor(ctx, approver)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Category", "Requester", "Stage", "Type", "Submitted"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.CategoryCode, s.RequesterID, s.StageIndex, s.StageType, s.SubmittedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&approver, "approver", "", "approver id (defaults to --actor-id)")
	return cmd
}

func requestHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <id>",
		Short: "Events recorded for a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				evts, err := e.InstanceHistory(ctx, args[0])
				if err != nil {
					return err
				}
				return printEvents(evts)
			})
		},
	}
}

func requestRuleMatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rule-match <id>",
		Short: "Evaluate auto-approval rules against a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.EvaluateRules(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(m)
				}
				if !m.Matched {
					fmt.Println("no rule matches")
					return nil
				}
				name := ""
				if m.Rule != nil {
					name = m.Rule.Name
				}
				fmt.Printf("rule %s (%s) bypasses %s after %ds\n", m.RuleID, name, strings.Join(m.BypassApproverIDs, ", "), m.DelaySeconds)
				return nil
			})
		},
	}
}

func eventsCmd() *cobra.Command {
	var n int
	var f repo.EventFilter
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Tail the event log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				evts, err := e.Repo.LatestEvents(ctx, n, f)
				if err != nil {
					return err
				}
				return printEvents(evts)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

func printEvents(evts []domain.Event) error {
	if viper.GetBool("json") {
		return printJSON(evts)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Time", "Type", "Entity", "Actor", "Payload"})
	for _, ev := range evts {
		tw.AppendRow(table.Row{ev.ID, ev.TS, ev.Type, ev.EntityKind + "/" + ev.EntityID, ev.ActorID, ev.Payload})
	}
	tw.Render()
	return nil
}

func printInstance(in domain.Instance) error {
	if viper.GetBool("json") {
		return printJSON(in)
	}
	fmt.Printf("%s  %s by %s  %s  (route %s, %s)\n", in.ID, in.CategoryCode, in.RequesterID, in.Status, in.RouteSource, in.AgreementPolicy)
	tw := newTable()
	tw.AppendHeader(table.Row{"#", "Type", "Mode", "Status", "Approver", "Decision", "Source", "Comment"})
	for _, st := range in.Stages {
		for i, slot := range st.Slots {
			d := domain.DecisionRecord{Decision: domain.DecisionPending}
			if i < len(st.Decisions) {
				d = st.Decisions[i]
			}
			approver := slot.UserID
			if !slot.Required {
				approver += "?"
			}
			marker := ""
			if st.Index == in.CurrentStage && in.Status == domain.InstancePending {
				marker = ">"
			}
			tw.AppendRow(table.Row{fmt.Sprintf("%s%d", marker, st.Index), st.Type, st.Mode, st.Status, approver, d.Decision, d.Source, d.Comment})
		}
	}
	tw.Render()
	return nil
}

func stageLabel(in domain.Instance) string {
	if in.Status != domain.InstancePending || in.CurrentStage >= len(in.Stages) {
		return "-"
	}
	return fmt.Sprintf("%d/%d", in.CurrentStage+1, len(in.Stages))
}
