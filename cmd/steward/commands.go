package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"steward/internal/ability"
	"steward/internal/app"
	"steward/internal/audit"
	"steward/internal/auth"
	"steward/internal/governance"
)

func abilityCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "ability", Short: "Inspect and invoke abilities"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered abilities",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App, _ auth.Actor) error {
				items, err := a.Abilities(ctx)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, it := range items {
					rows = append(rows, table.Row{it.Name, it.RequiredCapability, it.RequiresApproval, it.Enabled})
				}
				return printTable(items, table.Row{"Name", "Capability", "Approval", "Enabled"}, rows)
			})
		},
	})
	for _, enabled := range []bool{true, false} {
		verb := "enable"
		if !enabled {
			verb = "disable"
		}
		cmd.AddCommand(&cobra.Command{
			Use:   verb + " <category/action>",
			Short: strings.ToUpper(verb[:1]) + verb[1:] + " an ability",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd.Context(), func(ctx context.Context, a *app.App, actor auth.Actor) error {
					if err := a.SetAbilityEnabled(ctx, args[0], enabled, actor); err != nil {
						return err
					}
					fmt.Printf("%s %sd\n", args[0], verb)
					return nil
				})
			},
		})
	}

	var input string
	dispatch := &cobra.Command{
		Use:   "dispatch <category/action>",
		Short: "Invoke an ability as the CLI actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := map[string]any{}
			if input != "" {
				if err := json.Unmarshal([]byte(input), &in); err != nil {
					return fmt.Errorf("--input must be a JSON object: %w", err)
				}
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App, actor auth.Actor) error {
				res, err := a.Dispatcher.Dispatch(ctx, args[0], in, actor)
				if err != nil {
					return err
				}
				if res.Status == ability.StatusDeferred && !jsonOutput() {
					fmt.Printf("queued for approval: %s\n", res.QueueID)
					return nil
				}
				return printJSON(res)
			})
		},
	}
	dispatch.Flags().StringVar(&input, "input", "", "ability input as a JSON object")
	cmd.AddCommand(dispatch)
	return cmd
}

func queueCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "queue", Short: "Work the approval queue"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List pending items, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App, _ auth.Actor) error {
				items, err := a.Queue.ListPending(ctx)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, it := range items {
					rows = append(rows, table.Row{it.ID, it.AbilityName, it.ActorID, formatTime(it.QueuedAt), formatTime(it.ExpiresAt)})
				}
				return printTable(items, table.Row{"ID", "Ability", "Requested by", "Queued", "Expires"}, rows)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "approve <id>",
		Short: "Approve and execute a queued ability",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App, actor auth.Actor) error {
				data, err := a.Approve(ctx, args[0], actor)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"id": args[0], "status": "approved", "result": data})
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "reject <id>",
		Short: "Reject a queued ability",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App, actor auth.Actor) error {
				if err := a.Reject(ctx, args[0], actor); err != nil {
					return err
				}
				fmt.Printf("%s rejected\n", args[0])
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Expire overdue pending items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App, _ auth.Actor) error {
				n, err := a.Queue.SweepExpired(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("expired %d items\n", n)
				return nil
			})
		},
	})
	return cmd
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "audit", Short: "Read the audit log"}
	var q audit.Query
	var since time.Duration
	list := &cobra.Command{
		Use:   "list",
		Short: "List audit records, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App, actor auth.Actor) error {
				if err := actor.Require("read_audit"); err != nil {
					return err
				}
				if since > 0 {
					q.Since = time.Now().Add(-since)
				}
				recs, err := a.Audit.List(ctx, q)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(recs))
				for _, r := range recs {
					rows = append(rows, table.Row{r.ID, formatTime(r.CreatedAt), r.Source, r.EventType, r.ActorID, r.Message})
				}
				return printTable(recs, table.Row{"ID", "At", "Source", "Event", "Actor", "Message"}, rows)
			})
		},
	}
	list.Flags().StringVar(&q.EventType, "type", "", "event type filter")
	list.Flags().StringVar(&q.Source, "source", "", "source filter (ability, governance, system)")
	list.Flags().StringVar(&q.ActorID, "actor", "", "actor filter")
	list.Flags().DurationVar(&since, "since", 0, "only records newer than this, e.g. 24h")
	list.Flags().Int64Var(&q.BeforeID, "before-id", 0, "page cursor")
	list.Flags().IntVar(&q.Limit, "n", 50, "number of records")
	cmd.AddCommand(list)
	return cmd
}

func flagsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "flags", Short: "Manage feature flags"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List feature flags",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App, _ auth.Actor) error {
				items, err := a.Flags.List(ctx)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, f := range items {
					rows = append(rows, table.Row{f.Key, f.Enabled, formatTime(f.UpdatedAt)})
				}
				return printTable(items, table.Row{"Key", "Enabled", "Updated"}, rows)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "get <key>",
		Short: "Show one flag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App, _ auth.Actor) error {
				f, err := a.Flags.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(f)
			})
		},
	})
	for _, enabled := range []bool{true, false} {
		verb := "enable"
		if !enabled {
			verb = "disable"
		}
		cmd.AddCommand(&cobra.Command{
			Use:   verb + " <key>",
			Short: strings.ToUpper(verb[:1]) + verb[1:] + " a flag",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd.Context(), func(ctx context.Context, a *app.App, actor auth.Actor) error {
					f, err := a.SetFlag(ctx, args[0], enabled, actor)
					if err != nil {
						return err
					}
					return printJSON(f)
				})
			},
		})
	}
	return cmd
}

func cacheCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "cache", Short: "Manage the gateway response cache"}
	cmd.AddCommand(&cobra.Command{
		Use:   "flush",
		Short: "Remove every cached response",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App, actor auth.Actor) error {
				n, err := a.FlushCache(ctx, actor)
				if err != nil {
					return err
				}
				fmt.Printf("removed %d cached responses\n", n)
				return nil
			})
		},
	})
	return cmd
}

func governanceCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "governance", Short: "Run governance tasks"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List governance tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App, _ auth.Actor) error {
				tasks := a.Runner.Tasks(ctx)
				rows := make([]table.Row, 0, len(tasks))
				for _, t := range tasks {
					rows = append(rows, table.Row{t.Key, t.Label, t.Enabled})
				}
				return printTable(tasks, table.Row{"Key", "Label", "Enabled"}, rows)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "run [key...]",
		Short: "Run the named tasks, or every enabled task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App, actor auth.Actor) error {
				if err := actor.Require("manage_governance"); err != nil {
					return err
				}
				var batch governance.BatchResult
				if len(args) > 0 {
					batch = a.Runner.Run(ctx, args)
				} else {
					batch = a.Runner.RunAllEnabled(ctx)
				}
				for _, w := range batch.Warnings {
					fmt.Println("warning:", w)
				}
				rows := make([]table.Row, 0, len(batch.Results))
				for _, r := range batch.Results {
					detail := r.Summary
					if r.Error != "" {
						detail = r.Error
					} else if r.DeliveryError != "" {
						detail = r.DeliveryError
					}
					rows = append(rows, table.Row{r.Key, r.Outcome, r.Findings, r.Duration.Round(time.Millisecond), detail})
				}
				return printTable(batch, table.Row{"Task", "Outcome", "Findings", "Took", "Detail"}, rows)
			})
		},
	})
	return cmd
}

func gatewayCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "gateway", Short: "AI gateway status"}
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the backend and circuit state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App, _ auth.Actor) error {
				st := a.Gateway.Status()
				opened := "-"
				if st.Circuit.OpenedAt != nil {
					opened = formatTime(*st.Circuit.OpenedAt)
				}
				return printTable(st, table.Row{"Backend", "Configured", "Circuit", "Failures", "Opened"},
					[]table.Row{{st.Backend, st.Configured, st.Circuit.State, st.Circuit.ConsecutiveFailures, opened}})
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "Close the gateway circuit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App, actor auth.Actor) error {
				st, err := a.ResetCircuit(ctx, actor)
				if err != nil {
					return err
				}
				fmt.Printf("circuit %s is %s\n", st.Name, st.State)
				return nil
			})
		},
	})
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys for the admin API"}
	var name string
	var roles []string
	create := &cobra.Command{
		Use:   "create <actor-id>",
		Short: "Issue an API key; the secret is shown once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App, actor auth.Actor) error {
				plain, key, err := a.CreateAPIKey(ctx, args[0], name, roles, actor)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "roles": key.Roles, "key": plain})
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "label for the key")
	create.Flags().StringSliceVar(&roles, "roles", nil, "roles granted to the key")
	cmd.AddCommand(create)
	cmd.AddCommand(&cobra.Command{
		Use:   "list [actor-id]",
		Short: "List API keys",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App, _ auth.Actor) error {
				var actorID string
				if len(args) == 1 {
					actorID = args[0]
				}
				keys, err := a.APIKeys.List(ctx, actorID)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(keys))
				for _, k := range keys {
					rows = append(rows, table.Row{k.ID, k.ActorID, k.Name, strings.Join(k.Roles, ","), formatTime(k.CreatedAt)})
				}
				return printTable(keys, table.Row{"ID", "Actor", "Name", "Roles", "Created"}, rows)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App, actor auth.Actor) error {
				if err := a.RevokeAPIKey(ctx, args[0], actor); err != nil {
					return err
				}
				fmt.Printf("%s revoked\n", args[0])
				return nil
			})
		},
	})
	return cmd
}
