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
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"steward/internal/app"
	"steward/internal/auth"
	"steward/internal/config"
	"steward/internal/logging"
	"steward/internal/server"
	"steward/internal/telemetry"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "steward",
	Short: "Steward CLI",
	Long: `Steward is a safety layer in front of side-effecting abilities and scheduled
governance tasks.
- Abilities: named operations (category/action) with an input schema and a required capability.
- Approval queue: abilities that need a human are queued and run once an approver says yes.
- Circuit breaker: the AI gateway fails fast while its backend is unhealthy.
- Governance: periodic tasks whose findings are audited and pushed to a webhook.
- Audit log: every side effect leaves a record, view it with 'steward audit list'.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("STEWARD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-admin", "actor identifier")
	flags.StringSlice("role", []string{"administrator"}, "actor roles")
	flags.String("log-level", "", "log level (overrides logging.level)")
	for _, name := range []string{"workspace", "json", "actor-id", "role", "log-level"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(abilityCmd())
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(flagsCmd())
	rootCmd.AddCommand(cacheCmd())
	rootCmd.AddCommand(governanceCmd())
	rootCmd.AddCommand(gatewayCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noScheduler bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP admin API and the scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer log.Sync()
			shutdown, err := telemetry.Setup(ctx, telemetry.Config{
				OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
				Insecure:     cfg.Telemetry.Insecure,
				Version:      version,
			})
			if err != nil {
				return err
			}
			defer shutdown(context.Background())

			a, err := app.Open(ctx, app.Options{
				Workspace: viper.GetString("workspace"),
				Config:    cfg,
				Logger:    log,
				Metrics:   telemetry.Global(),
			})
			if err != nil {
				return err
			}
			defer a.Close()

			authCfg := server.AuthConfig{JWTSecret: viper.GetString("jwt_secret"), Logger: log}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("STEWARD_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{App: a, BasePath: basePath, Auth: authCfg, Version: version})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

			g, gctx := errgroup.WithContext(ctx)
			if !noScheduler {
				g.Go(func() error { return a.Scheduler().Run(gctx) })
			}
			g.Go(func() error {
				<-gctx.Done()
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(sctx)
			})
			g.Go(func() error {
				log.Info("serving steward API",
					zap.String("addr", addr), zap.String("base_path", basePath), zap.String("version", version))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "serve the API without running periodic jobs")
	return cmd
}

func configCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Manage steward.yml"}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default steward.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			p := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(p); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", p)
			}
			if err := os.WriteFile(p, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", p)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate steward.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"valid": true})
			}
			fmt.Println("config is valid")
			return nil
		},
	}
	cfgCmd.AddCommand(initCmd, validateCmd)
	return cfgCmd
}

func tokenCmd() *cobra.Command {
	var subject string
	var roles, caps []string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token signed with STEWARD_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt_secret")
			if secret == "" {
				return fmt.Errorf("STEWARD_JWT_SECRET is required")
			}
			tok, err := server.SignToken(secret, subject, roles, caps...)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "sub", "", "token subject (actor id)")
	cmd.Flags().StringSliceVar(&roles, "roles", nil, "roles claim")
	cmd.Flags().StringSliceVar(&caps, "capabilities", nil, "extra capabilities claim")
	_ = cmd.MarkFlagRequired("sub")
	return cmd
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv(os.Getenv)
	if lvl := viper.GetString("log-level"); lvl != "" {
		cfg.Logging.Level = lvl
	}
	return cfg, cfg.Validate()
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(logging.Options{Level: cfg.Logging.Level, Development: cfg.Logging.Development})
}

// withApp opens the workspace for one CLI command.
func withApp(ctx context.Context, fn func(context.Context, *app.App, auth.Actor) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()
	a, err := app.Open(ctx, app.Options{Workspace: viper.GetString("workspace"), Config: cfg, Logger: log})
	if err != nil {
		return err
	}
	defer a.Close()
	actor, err := a.Resolver.Actor(viper.GetString("actor-id"), viper.GetStringSlice("role"))
	if err != nil {
		return err
	}
	return fn(ctx, a, actor)
}

func jsonOutput() bool { return viper.GetBool("json") }

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printTable renders rows unless --json is set, in which case v is printed.
func printTable(v any, header table.Row, rows []table.Row) error {
	if jsonOutput() {
		return printJSON(v)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(header)
	tw.AppendRows(rows)
	tw.Render()
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}
