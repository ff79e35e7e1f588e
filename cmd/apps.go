package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"forgeauth/internal/autherr"
	"forgeauth/internal/config"
	"forgeauth/internal/registry"
)

const (
	outputTable = "table"
	outputJSON  = "json"
)

// appsOptions are shared by all apps subcommands.
type appsOptions struct {
	dbPath string
	output string
}

func newAppsCmd() *cobra.Command {
	opts := &appsOptions{}

	cmd := &cobra.Command{
		Use:     "apps",
		Aliases: []string{"app", "applications"},
		Short:   "Manage registered OAuth applications",
		Long: `Manage the OAuth applications stored in the bbolt registry file.

The file defaults to storage.boltPath from the configuration. Applications are
never deleted; deactivate them instead so existing references stay valid.`,
	}

	cmd.PersistentFlags().StringVar(&opts.dbPath, "db", "", "Registry database file (default storage.boltPath)")
	cmd.PersistentFlags().StringVarP(&opts.output, "output", "o", outputTable, "Output format: table or json")

	cmd.AddCommand(
		newAppsRegisterCmd(opts),
		newAppsListCmd(opts),
		newAppsShowCmd(opts),
		newAppsUpdateCmd(opts),
		newAppsDeactivateCmd(opts),
	)
	return cmd
}

// openRegistry opens the bolt-backed registry. The caller must call the
// returned close function.
func (o *appsOptions) openRegistry() (*registry.Registry, func(), error) {
	path := o.dbPath
	if path == "" {
		settings, err := config.Load(configPath, envFiles...)
		if err != nil {
			return nil, nil, err
		}
		path = settings.Storage.BoltPath
	}

	store, err := registry.OpenBoltStore(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open registry %s: %w", path, err)
	}
	return registry.New(store), func() { _ = store.Close() }, nil
}

func (o *appsOptions) validateOutput() error {
	switch o.output {
	case outputTable, outputJSON:
		return nil
	default:
		return autherr.Newf(autherr.CodeInvalidRequest, "unsupported output format %q", o.output)
	}
}

func newAppsRegisterCmd(opts *appsOptions) *cobra.Command {
	var (
		req       registry.RegisterRequest
		secretEnv string
		instance  string
	)

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a new application",
		Long: `Register a new OAuth application.

Pass the client ID issued by the Git host with --client-id, and name an
environment variable holding its secret with --client-secret-env. When either
is omitted a random value is generated; a generated secret is printed once.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.validateOutput(); err != nil {
				return err
			}
			if secretEnv != "" {
				req.ClientSecret = os.Getenv(secretEnv)
				if req.ClientSecret == "" {
					return autherr.Newf(autherr.CodeInvalidRequest, "environment variable %s is empty", secretEnv)
				}
			}
			req.InstanceType = registry.InstanceType(instance)

			reg, closeFn, err := opts.openRegistry()
			if err != nil {
				return err
			}
			defer closeFn()

			app, err := reg.Register(contextOf(cmd), req)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if err := printApplication(out, opts.output, app); err != nil {
				return err
			}
			if secretEnv == "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s %s\n",
					text.FgYellow.Sprint("Generated client secret (shown once):"), app.ClientSecret.Value())
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&req.Name, "name", "", "Application name")
	f.StringVar(&req.Description, "description", "", "Free-form description")
	f.StringVar(&req.ClientID, "client-id", "", "Client ID issued by the Git host")
	f.StringVar(&secretEnv, "client-secret-env", "", "Environment variable holding the client secret")
	f.StringVar(&req.RedirectURI, "redirect-uri", "", "Callback URL registered with the Git host")
	f.StringVar(&req.BaseURL, "base-url", "https://gitlab.com", "Base URL of the Git host")
	f.StringVar(&instance, "instance-type", "", "cloud or self-hosted (derived from --base-url when empty)")
	f.StringSliceVar(&req.Scopes, "scope", nil, "Requested scopes (repeatable)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("redirect-uri")
	return cmd
}

func newAppsListCmd(opts *appsOptions) *cobra.Command {
	var activeOnly bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered applications",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.validateOutput(); err != nil {
				return err
			}
			reg, closeFn, err := opts.openRegistry()
			if err != nil {
				return err
			}
			defer closeFn()

			apps, err := reg.List(contextOf(cmd))
			if err != nil {
				return err
			}
			if activeOnly {
				filtered := apps[:0]
				for _, app := range apps {
					if app.IsActive {
						filtered = append(filtered, app)
					}
				}
				apps = filtered
			}
			return printApplications(cmd.OutOrStdout(), opts.output, apps)
		},
	}

	cmd.Flags().BoolVar(&activeOnly, "active", false, "Only show active applications")
	return cmd
}

func newAppsShowCmd(opts *appsOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one application",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.validateOutput(); err != nil {
				return err
			}
			reg, closeFn, err := opts.openRegistry()
			if err != nil {
				return err
			}
			defer closeFn()

			app, err := reg.Find(contextOf(cmd), args[0])
			if err != nil {
				return err
			}
			return printApplication(cmd.OutOrStdout(), opts.output, app)
		},
	}
}

func newAppsUpdateCmd(opts *appsOptions) *cobra.Command {
	var (
		name, description, redirectURI, baseURL, instance, secretEnv string
		scopes                                                       []string
		activate                                                     bool
	)

	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update fields of an application",
		Long: `Update fields of an application. Only flags that are given are changed.
Use --activate to reactivate a deactivated application.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.validateOutput(); err != nil {
				return err
			}

			var update registry.ApplicationUpdate
			f := cmd.Flags()
			if f.Changed("name") {
				update.Name = &name
			}
			if f.Changed("description") {
				update.Description = &description
			}
			if f.Changed("redirect-uri") {
				update.RedirectURI = &redirectURI
			}
			if f.Changed("base-url") {
				update.BaseURL = &baseURL
			}
			if f.Changed("instance-type") {
				it := registry.InstanceType(instance)
				update.InstanceType = &it
			}
			if f.Changed("scope") {
				update.Scopes = scopes
			}
			if f.Changed("client-secret-env") {
				secret := os.Getenv(secretEnv)
				if secret == "" {
					return autherr.Newf(autherr.CodeInvalidRequest, "environment variable %s is empty", secretEnv)
				}
				update.ClientSecret = &secret
			}
			if activate {
				active := true
				update.IsActive = &active
			}

			reg, closeFn, err := opts.openRegistry()
			if err != nil {
				return err
			}
			defer closeFn()

			app, err := reg.Update(contextOf(cmd), args[0], update)
			if err != nil {
				return err
			}
			return printApplication(cmd.OutOrStdout(), opts.output, app)
		},
	}

	f := cmd.Flags()
	f.StringVar(&name, "name", "", "Application name")
	f.StringVar(&description, "description", "", "Free-form description")
	f.StringVar(&redirectURI, "redirect-uri", "", "Callback URL registered with the Git host")
	f.StringVar(&baseURL, "base-url", "", "Base URL of the Git host")
	f.StringVar(&instance, "instance-type", "", "cloud or self-hosted")
	f.StringSliceVar(&scopes, "scope", nil, "Requested scopes (repeatable)")
	f.StringVar(&secretEnv, "client-secret-env", "", "Environment variable holding the new client secret")
	f.BoolVar(&activate, "activate", false, "Reactivate the application")
	return cmd
}

func newAppsDeactivateCmd(opts *appsOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate <id>",
		Short: "Deactivate an application",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.validateOutput(); err != nil {
				return err
			}
			reg, closeFn, err := opts.openRegistry()
			if err != nil {
				return err
			}
			defer closeFn()

			app, err := reg.Deactivate(contextOf(cmd), args[0])
			if err != nil {
				return err
			}
			return printApplication(cmd.OutOrStdout(), opts.output, app)
		},
	}
}

func contextOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func printApplications(w io.Writer, format string, apps []*registry.Application) error {
	if format == outputJSON {
		return writeJSON(w, apps)
	}

	if len(apps) == 0 {
		fmt.Fprintf(w, "%s\n", text.FgYellow.Sprint("No applications registered"))
		return nil
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"ID", "NAME", "CLIENT ID", "INSTANCE", "BASE URL", "STATUS"})
	for _, app := range apps {
		t.AppendRow(table.Row{app.ID, app.Name, app.ClientID, app.InstanceType, app.BaseURL, statusText(app.IsActive)})
	}
	t.Render()
	fmt.Fprintf(w, "%s %d\n", text.FgHiBlue.Sprint("Total:"), len(apps))
	return nil
}

func printApplication(w io.Writer, format string, app *registry.Application) error {
	if format == outputJSON {
		return writeJSON(w, app)
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"KEY", "VALUE"})
	t.AppendRows([]table.Row{
		{"ID", app.ID},
		{"Name", app.Name},
		{"Description", app.Description},
		{"Client ID", app.ClientID},
		{"Client secret", app.ClientSecret},
		{"Redirect URI", app.RedirectURI},
		{"Base URL", app.BaseURL},
		{"Instance", app.InstanceType},
		{"Scopes", strings.Join(app.Scopes, " ")},
		{"Status", statusText(app.IsActive)},
		{"Created", app.CreatedAt.Format("2006-01-02 15:04:05 MST")},
		{"Updated", app.UpdatedAt.Format("2006-01-02 15:04:05 MST")},
	})
	t.Render()
	return nil
}

func statusText(active bool) string {
	if active {
		return text.FgGreen.Sprint("active")
	}
	return text.FgHiBlack.Sprint("inactive")
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
