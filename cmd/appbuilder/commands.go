package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"appbuilder/internal/app"
	"appbuilder/internal/config"
	"appbuilder/internal/github"
	"appbuilder/internal/logging"
	"appbuilder/internal/server"
	"appbuilder/internal/store"
	appbuildersdk "appbuilder/sdk/go"
)

const defaultServer = "http://127.0.0.1:7860"

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP intake server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(true)
			if err != nil {
				return err
			}
			sink, err := logging.Setup(cfg.Log)
			if err != nil {
				return err
			}
			defer sink.Close()

			svc, err := app.Build(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer svc.Close()

			srv := &http.Server{
				Addr:              cfg.Server.Addr,
				Handler:           svc.Handler,
				ReadHeaderTimeout: 10 * time.Second,
			}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(ctx)
			}()
			log.Infof("Serving app builder API on http://%s (OpenAPI at /openapi.json, Swagger UI at /docs)", cfg.Server.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			log.Info("server stopped")
			return nil
		},
	}
	cmd.Flags().String("addr", "", "listen address (overrides server.addr)")
	cmd.Flags().Int("workers", 0, "concurrent publish runs (overrides workers)")
	_ = viper.BindPFlag("server.addr", cmd.Flags().Lookup("addr"))
	_ = viper.BindPFlag("workers", cmd.Flags().Lookup("workers"))
	return cmd
}

func submitCmd() *cobra.Command {
	var file, serverURL, secret string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Send a task request JSON file to a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file is required")
			}
			var r io.Reader = os.Stdin
			if file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}
			var req appbuildersdk.TaskRequest
			if err := json.NewDecoder(r).Decode(&req); err != nil {
				return fmt.Errorf("decode %s: %w", file, err)
			}
			if secret != "" {
				req.Secret = secret
			} else if req.Secret == "" {
				cfg, err := loadConfig(false)
				if err != nil {
					return err
				}
				req.Secret = cfg.Auth.Secret
			}
			resp, err := appbuildersdk.New(serverURL).Submit(cmd.Context(), req)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(resp)
			}
			fmt.Printf("%s: %s\n", resp.Status, resp.Note)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "task request JSON file (- for stdin)")
	cmd.Flags().StringVar(&serverURL, "server", defaultServer, "server base URL")
	cmd.Flags().StringVar(&secret, "secret", "", "shared secret (defaults to the request body, then auth.secret)")
	return cmd
}

func recordsCmd() *cobra.Command {
	rec := &cobra.Command{Use: "records", Short: "Inspect idempotency records"}
	rec.AddCommand(recordsListCmd())
	return rec
}

func recordsListCmd() *cobra.Command {
	var serverURL, token string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List processed and pending requests",
		Long: `List idempotency records. Without --server the configured store is read
directly; with --server the admin API is queried using --token.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := listRecords(cmd.Context(), serverURL, token)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(entries)
			}
			renderRecords(os.Stdout, entries)
			return nil
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "", "query a running server instead of the local store")
	cmd.Flags().StringVar(&token, "token", "", "admin bearer token for --server")
	return cmd
}

func listRecords(ctx context.Context, serverURL, token string) ([]appbuildersdk.Record, error) {
	if serverURL != "" {
		return appbuildersdk.New(serverURL).Records(ctx, token)
	}
	cfg, err := loadConfig(false)
	if err != nil {
		return nil, err
	}
	st, err := app.OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer st.Close()
	entries, err := st.List(ctx)
	if err != nil {
		return nil, err
	}
	return toSDKRecords(entries), nil
}

func toSDKRecords(entries []store.Entry) []appbuildersdk.Record {
	out := make([]appbuildersdk.Record, 0, len(entries))
	for _, e := range entries {
		r := appbuildersdk.Record{Key: e.Key, Status: string(e.Status), UpdatedAt: e.UpdatedAt}
		if o := e.Outcome; o != nil {
			r.Outcome = &appbuildersdk.Outcome{
				Email:     o.Email,
				Task:      o.Task,
				Round:     o.Round,
				Nonce:     o.Nonce,
				RepoURL:   o.RepoURL,
				CommitSHA: o.CommitSHA,
				PagesURL:  o.PagesURL,
			}
		}
		out = append(out, r)
	}
	return out
}

func renderRecords(w io.Writer, records []appbuildersdk.Record) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Task", "Round", "Email", "Status", "Repo", "Commit"})
	for _, r := range records {
		if r.Outcome == nil {
			tw.AppendRow(table.Row{r.Key, "", "", r.Status, "", ""})
			continue
		}
		tw.AppendRow(table.Row{r.Outcome.Task, r.Outcome.Round, r.Outcome.Email, r.Status, r.Outcome.RepoURL, shortSHA(r.Outcome.CommitSHA)})
	}
	tw.AppendFooter(table.Row{"", "", "", "", "Total", len(records)})
	tw.Render()
}

func shortSHA(sha *string) string {
	if sha == nil {
		return "-"
	}
	if len(*sha) > 7 {
		return (*sha)[:7]
	}
	return *sha
}

func runsCmd() *cobra.Command {
	runs := &cobra.Command{Use: "runs", Short: "Inspect background publish runs on a server"}
	var serverURL, token string
	list := &cobra.Command{
		Use:   "list",
		Short: "List publish runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := appbuildersdk.New(serverURL).Runs(cmd.Context(), token)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(items)
			}
			renderRuns(os.Stdout, items)
			return nil
		},
	}
	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one publish run with its step report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := appbuildersdk.New(serverURL).Run(cmd.Context(), token, args[0])
			if err != nil {
				return err
			}
			return printJSON(run)
		},
	}
	runs.PersistentFlags().StringVar(&serverURL, "server", defaultServer, "server base URL")
	runs.PersistentFlags().StringVar(&token, "token", "", "admin bearer token")
	runs.AddCommand(list, show)
	return runs
}

func renderRuns(w io.Writer, runs []appbuildersdk.Run) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"ID", "Name", "State", "Status", "Started", "Error"})
	for _, r := range runs {
		started := ""
		if r.StartTime != nil {
			started = r.StartTime.Format(time.RFC3339)
		}
		tw.AppendRow(table.Row{r.ID, r.Name, r.State, r.Status, started, r.Error})
	}
	tw.Render()
}

func adminTokenCmd() *cobra.Command {
	var subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "admin-token",
		Short: "Mint a bearer token for the /admin endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(false)
			if err != nil {
				return err
			}
			tok, err := server.IssueAdminToken(cfg.Auth.AdminJWTSecret, subject, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for no expiry)")
	return cmd
}

func licenseCmd() *cobra.Command {
	var holder string
	var year int
	cmd := &cobra.Command{
		Use:   "license",
		Short: "Print the MIT license committed to every generated repository",
		RunE: func(cmd *cobra.Command, args []string) error {
			if holder == "" {
				cfg, err := loadConfig(false)
				if err != nil {
					return err
				}
				holder = cfg.GitHub.Username
			}
			if strings.TrimSpace(holder) == "" {
				return fmt.Errorf("--holder is required when github.username is unset")
			}
			if year == 0 {
				year = time.Now().Year()
			}
			fmt.Print(github.MITLicense(holder, year))
			return nil
		},
	}
	cmd.Flags().StringVar(&holder, "holder", "", "copyright holder (defaults to github.username)")
	cmd.Flags().IntVar(&year, "year", 0, "copyright year (defaults to the current year)")
	return cmd
}

func configCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "default",
		Short: "Print the default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Print(config.GenerateDefault())
			return nil
		},
	})
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Validate the resolved config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(true)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			fmt.Printf("config ok: store=%s generator=%s workers=%d\n", cfg.Store.Backend, cfg.Generator.Backend, cfg.Workers)
			return nil
		},
	})
	return cfgCmd
}
