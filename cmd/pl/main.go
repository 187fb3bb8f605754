package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pressline/internal/app"
	"pressline/internal/domain"
	"pressline/internal/engine"
)

var rootCmd = &cobra.Command{
	Use:   "pl",
	Short: "Pressline CLI",
	Long: `Pressline coordinates the Sales, Editorial and Design work behind each magazine edition.
- Tasks move through per-department workflows defined in pressline.yml.
- Launching an edition hands it to the automation, which creates follow-up tasks on a
  business-day schedule, requests print approval and finalizes the edition.
- Print needs both the Sales and the Editorial manager; approvals expire.
- Deadlines are swept periodically; notifications are stored and pushed live.
Run 'pl serve' for the HTTP API and the background runner.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PRESSLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "admin", "directory user acting on the command")
	flags.String("log-format", "text", "log format (text|json)")
	flags.String("log-level", "info", "log level (debug|info|warn|error)")
	for _, name := range []string{"workspace", "json", "actor-id", "log-format", "log-level"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(editionCmd())
	rootCmd.AddCommand(automationCmd())
	rootCmd.AddCommand(approvalCmd())
	rootCmd.AddCommand(scheduleCmd())
	rootCmd.AddCommand(deadlinesCmd())
	rootCmd.AddCommand(notifyCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
}

func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if strings.EqualFold(viper.GetString("log-format"), "json") {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(h)
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Bootstrap(ctx, viper.GetString("workspace"), newLogger())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// withActor runs fn with the engine and the actor named by --actor-id.
func withActor(ctx context.Context, fn func(context.Context, *engine.Engine, domain.Actor) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		actor, err := a.Engine.Actor(ctx, viper.GetString("actor-id"))
		if err != nil {
			return err
		}
		return fn(ctx, a.Engine, actor)
	})
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

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	return tw
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format("2006-01-02 15:04")
}

func stringOrEmpty(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// parseTime accepts RFC 3339 or a plain date (midnight UTC).
func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: use RFC 3339 or YYYY-MM-DD", s)
	}
	return t, nil
}
