package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"sigs.k8s.io/yaml"

	"github.com/BenjaminSchiborr/cloud-init/internal/config"
	"github.com/BenjaminSchiborr/cloud-init/internal/httpclient"
	"github.com/BenjaminSchiborr/cloud-init/internal/sources"
	"github.com/BenjaminSchiborr/cloud-init/internal/telemetry"
	"github.com/BenjaminSchiborr/cloud-init/internal/versions"
)

// tracerName is the instrumentation scope of spans emitted during resolution
const tracerName = "github.com/BenjaminSchiborr/cloud-init/sources"

// Output formats accepted by --output
const (
	outputJSON  = "json"
	outputYAML  = "yaml"
	outputTable = "table"
)

// resolveOutput is what resolve prints. User-data is only summarized; use
// --userdata-out to get the payload itself.
type resolveOutput struct {
	Source       string           `json:"source"`
	SourceType   string           `json:"source_type"`
	Metadata     sources.Metadata `json:"metadata"`
	UserDataSize int              `json:"user_data_size"`
	UserDataFile string           `json:"user_data_file,omitempty"`
}

func newResolveCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve a seed from the candidate sources",
		Long: `Resolve walks the candidate seed sources in order and prints the first
seed that resolves.

Candidates come from the configuration file (--config) first, then each
--seed-dir, then --seed-url. An absent source moves on to the next one; a
malformed source (missing instance-id or local-hostname) stops resolution.

Exit codes: 0 resolved, 2 no seed found, 3 malformed seed, 1 any other error.`,
		Args: cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			return v.BindPFlags(cmd.Flags())
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runResolve(cmd, v)
		},
	}

	flags := cmd.Flags()
	flags.String("config", "", "Path to configuration file (YAML format)")
	flags.StringSlice("seed-dir", nil, "Seed directory to try, may be repeated")
	flags.String("seed-url", "", "Base URL of a seed endpoint")
	flags.String("md-version", sources.DefaultVersion, "Metadata version requested from --seed-url")
	addTransportFlags(flags)
	addOAuthFlags(flags)
	flags.StringP("output", "o", outputJSON, "Output format (json, yaml or table)")
	flags.String("userdata-out", "", "Write the resolved user-data to this file")
	flags.String("save-dir", "", "Store the resolved seed in this directory using the seed directory layout")
	flags.String("metrics-textfile", "", "Write resolution metrics in Prometheus text format to this .prom file")

	return cmd
}

// addTransportFlags registers the flags overriding the configured transport
func addTransportFlags(flags *pflag.FlagSet) {
	flags.Duration("timeout", 0, "Per-attempt timeout for seed requests (0 uses the client default)")
	flags.Int("retries", 0, "Number of retries after the first failed request")
	flags.Duration("sec-between", 0, "Delay between request attempts")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification")
	flags.String("ca-file", "", "PEM bundle used to verify the seed endpoint")
	flags.StringArray("header", nil, "Extra request header as Name=Value, may be repeated")
}

func addOAuthFlags(flags *pflag.FlagSet) {
	flags.String("consumer-key", "", "OAuth consumer key")
	flags.String("consumer-secret", "", "OAuth consumer secret")
	flags.String("token-key", "", "OAuth token key")
	flags.String("token-secret", "", "OAuth token secret")
}

func runResolve(cmd *cobra.Command, v *viper.Viper) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	format := v.GetString("output")
	switch format {
	case outputJSON, outputYAML, outputTable:
	default:
		return fmt.Errorf("unsupported output format %q", format)
	}

	cfg, err := loadOptionalConfig(v.GetString("config"))
	if err != nil {
		return err
	}

	candidates, err := buildCandidates(cmd, v, cfg)
	if err != nil {
		return err
	}

	policy, err := buildPolicy(v, cfg)
	if err != nil {
		return err
	}

	flagHeaders, err := cmd.Flags().GetStringArray("header")
	if err != nil {
		return fmt.Errorf("error retrieving header flag: %w", err)
	}
	headers, err := parseHeaders(flagHeaders)
	if err != nil {
		return err
	}
	for k, val := range cfg.Headers {
		if _, ok := headers[k]; !ok {
			headers[k] = val
		}
	}
	providers := []sources.HeaderProvider{sources.StaticHeaders(headers)}

	creds, err := buildCredentials(v, cfg)
	if err != nil {
		return err
	}
	if !creds.Empty() {
		signer := sources.NewOAuthSigner(creds)
		providers = append(providers, signer.Provider())
		policy.OnFailure = signer.OnFailure
		policy.Resign = signer.Provider()
	}

	tel, err := telemetry.New(ctx, telemetry.WithTelemetryConfig(buildTelemetryConfig(v, cfg)))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			slog.Error("Failed to shut down telemetry", "error", err)
		}
	}()

	metrics, err := telemetry.NewSeedMetrics(tel.MeterProvider())
	if err != nil {
		return fmt.Errorf("failed to create seed metrics: %w", err)
	}
	tracer := tel.Tracer(tracerName)

	client := httpclient.NewDefaultClient(policy.Timeout)
	if c, ok := client.(interface{ CloseIdleConnections() }); ok {
		defer c.CloseIdleConnections()
	}

	factory := sources.NewReaderFactory(client,
		sources.WithHeaderProvider(sources.MergeHeaders(providers...)),
		sources.WithRetryPolicy(policy),
		sources.WithMetrics(metrics),
		sources.WithTracer(tracer),
	)
	resolver := sources.NewResolver(factory,
		sources.WithResolverMetrics(metrics),
		sources.WithResolverTracer(tracer),
	)

	result, err := resolver.Resolve(ctx, candidates...)
	if err != nil {
		return err
	}

	out := resolveOutput{
		Source:       result.Source.String(),
		SourceType:   result.Source.Type(),
		Metadata:     result.Metadata,
		UserDataSize: len(result.UserData),
	}

	if path := v.GetString("userdata-out"); path != "" {
		if err := os.WriteFile(path, result.UserData, 0600); err != nil {
			return fmt.Errorf("failed to write user-data to %s: %w", path, err)
		}
		out.UserDataFile = path
	}

	if dir := v.GetString("save-dir"); dir != "" {
		if err := sources.NewDirectorySeedStore(dir).Store(ctx, result); err != nil {
			return fmt.Errorf("failed to save seed: %w", err)
		}
	}

	return writeOutput(cmd.OutOrStdout(), format, out)
}

// loadOptionalConfig loads the configuration file when a path is given and
// returns an empty configuration otherwise
func loadOptionalConfig(path string) (*config.Config, error) {
	if path == "" {
		return &config.Config{}, nil
	}
	cfg, err := config.LoadConfig(config.WithConfigPath(path))
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	slog.Debug("Loaded configuration", "path", path, "sources", len(cfg.Sources))
	return cfg, nil
}

func buildCandidates(cmd *cobra.Command, v *viper.Viper, cfg *config.Config) ([]sources.Source, error) {
	candidates, err := cfg.Candidates()
	if err != nil {
		return nil, err
	}

	dirs, err := cmd.Flags().GetStringSlice("seed-dir")
	if err != nil {
		return nil, fmt.Errorf("error retrieving seed-dir flag: %w", err)
	}
	if len(dirs) == 0 {
		// only reachable through MAAS_SEED_SEED_DIR
		dirs = v.GetStringSlice("seed-dir")
	}
	for _, dir := range dirs {
		candidates = append(candidates, sources.NewDirectorySource(dir))
	}

	if seedURL := v.GetString("seed-url"); seedURL != "" {
		candidates = append(candidates, sources.NewURLSource(seedURL, v.GetString("md-version")))
	}

	if len(candidates) == 0 {
		return nil, fmt.Errorf("no seed sources given: use --config, --seed-dir or --seed-url")
	}
	return candidates, nil
}

// buildPolicy starts from the configured transport and applies any flag or
// environment override on top
func buildPolicy(v *viper.Viper, cfg *config.Config) (httpclient.Policy, error) {
	policy, err := cfg.Transport.Policy()
	if err != nil {
		return httpclient.Policy{}, fmt.Errorf("invalid transport configuration: %w", err)
	}

	if v.IsSet("timeout") {
		policy.Timeout = v.GetDuration("timeout")
	}
	if v.IsSet("retries") {
		policy.Retries = v.GetInt("retries")
	}
	if v.IsSet("sec-between") {
		policy.SecBetween = v.GetDuration("sec-between")
	}
	if policy.Timeout < 0 || policy.Retries < 0 || policy.SecBetween < 0 {
		return httpclient.Policy{}, fmt.Errorf("timeout, retries and sec-between must not be negative")
	}

	if v.IsSet("insecure-skip-verify") || v.IsSet("ca-file") {
		if policy.TLS == nil {
			policy.TLS = &httpclient.TLSConfig{}
		}
		if v.IsSet("insecure-skip-verify") {
			policy.TLS.InsecureSkipVerify = v.GetBool("insecure-skip-verify")
		}
		if v.IsSet("ca-file") {
			policy.TLS.CAFile = v.GetString("ca-file")
		}
	}
	return policy, nil
}

// buildCredentials merges OAuth credentials from flags over the configuration
func buildCredentials(v *viper.Viper, cfg *config.Config) (sources.OAuthCredentials, error) {
	var creds sources.OAuthCredentials
	if cfg.OAuth != nil {
		c, err := cfg.OAuth.Credentials()
		if err != nil {
			return sources.OAuthCredentials{}, err
		}
		creds = c
	}

	overrides := map[string]*string{
		"consumer-key":    &creds.ConsumerKey,
		"consumer-secret": &creds.ConsumerSecret,
		"token-key":       &creds.TokenKey,
		"token-secret":    &creds.TokenSecret,
	}
	for key, dst := range overrides {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}

	if !creds.Empty() && (creds.ConsumerKey == "" || creds.TokenKey == "") {
		return sources.OAuthCredentials{}, fmt.Errorf("oauth signing needs both a consumer key and a token key")
	}
	return creds, nil
}

// buildTelemetryConfig returns the configured telemetry, switched to a
// Prometheus textfile when --metrics-textfile is given
func buildTelemetryConfig(v *viper.Viper, cfg *config.Config) *telemetry.Config {
	textfile := v.GetString("metrics-textfile")
	if textfile == "" {
		return cfg.Telemetry
	}

	tc := &telemetry.Config{}
	if cfg.Telemetry != nil {
		copied := *cfg.Telemetry
		tc = &copied
	}
	tc.Enabled = true
	if tc.ServiceVersion == "" {
		tc.ServiceVersion = versions.Version
	}
	tc.Metrics = &telemetry.MetricsConfig{Enabled: true, Textfile: textfile}
	return tc
}

// parseHeaders turns Name=Value pairs into a header map
func parseHeaders(pairs []string) (map[string]string, error) {
	headers := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid header %q, expected Name=Value", pair)
		}
		headers[name] = value
	}
	return headers, nil
}

func writeOutput(w io.Writer, format string, out resolveOutput) error {
	switch format {
	case outputYAML:
		data, err := yaml.Marshal(out)
		if err != nil {
			return fmt.Errorf("error formatting result as YAML: %w", err)
		}
		_, err = w.Write(data)
		return err
	case outputTable:
		return writeTable(w, out)
	default:
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return fmt.Errorf("error formatting result as JSON: %w", err)
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	}
}

func writeTable(w io.Writer, out resolveOutput) error {
	table := tablewriter.NewWriter(w)
	table.Header("Field", "Value")

	rows := [][]string{
		{"source", out.Source},
		{"source_type", out.SourceType},
	}
	keys := make([]string, 0, len(out.Metadata))
	for k := range out.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		// public-keys may span several lines; the table keeps them in one cell
		rows = append(rows, []string{k, out.Metadata[k]})
	}
	rows = append(rows, []string{"user_data_size", fmt.Sprintf("%d", out.UserDataSize)})
	if out.UserDataFile != "" {
		rows = append(rows, []string{"user_data_file", out.UserDataFile})
	}

	for _, row := range rows {
		if err := table.Append(row); err != nil {
			return fmt.Errorf("error formatting result as table: %w", err)
		}
	}
	return table.Render()
}
