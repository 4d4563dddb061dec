package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/osvaldoandrade/historia/pkg/client"
)

type ui struct {
	title func(a ...any) string
	ok    func(a ...any) string
	info  func(a ...any) string
	warn  func(a ...any) string
	err   func(a ...any) string
	dim   func(a ...any) string
}

type profile struct {
	BaseURL     string     `yaml:"baseUrl"`
	Token       string     `yaml:"token"`
	AnonymousID string     `yaml:"anonymousId"`
	Auth        authConfig `yaml:"auth"`
}

type cliConfig struct {
	CurrentProfile string             `yaml:"currentProfile"`
	Profiles       map[string]profile `yaml:"profiles"`
}

type authConfig struct {
	Login loginConfig `yaml:"login"`
}

// loginConfig describes a password login against the identity provider.
// Templates may reference {{email}}, {{password}}, {{apiKey}} and {{authBaseUrl}}.
type loginConfig struct {
	URLTemplate  string            `yaml:"urlTemplate"`
	Method       string            `yaml:"method"`
	Headers      map[string]string `yaml:"headers"`
	BodyTemplate string            `yaml:"bodyTemplate"`
	ContentType  string            `yaml:"contentType"`
	TokenPath    string            `yaml:"tokenPath"`
	BaseURL      string            `yaml:"baseUrl"`
	APIKey       string            `yaml:"apiKey"`
}

// session is the resolved connection settings of one invocation.
type session struct {
	baseURL     string
	token       string
	anonymousID string
}

func (s *session) client() *client.Client {
	opts := []client.Option{}
	if s.token != "" {
		opts = append(opts, client.WithToken(s.token))
	} else if s.anonymousID != "" {
		opts = append(opts, client.WithAnonymousID(s.anonymousID))
	}
	return client.New(s.baseURL, opts...)
}

func (s *session) requireToken() error {
	if strings.TrimSpace(s.token) == "" {
		return errors.New("token is required (run `historia auth login` or set token)")
	}
	return nil
}

func newUI() *ui {
	return &ui{
		title: color.New(color.FgHiCyan, color.Bold).SprintFunc(),
		ok:    color.New(color.FgGreen, color.Bold).SprintFunc(),
		info:  color.New(color.FgCyan).SprintFunc(),
		warn:  color.New(color.FgYellow).SprintFunc(),
		err:   color.New(color.FgRed, color.Bold).SprintFunc(),
		dim:   color.New(color.FgHiBlack).SprintFunc(),
	}
}

func main() {
	sess := &session{
		baseURL:     getenv("HISTORIA_BASE_URL", "http://localhost:8080"),
		token:       getenv("HISTORIA_TOKEN", ""),
		anonymousID: getenv("HISTORIA_ANONYMOUS_ID", ""),
	}
	profileName := getenv("HISTORIA_PROFILE", "")
	ui := newUI()

	root := &cobra.Command{
		Use:   "historia",
		Short: "historia CLI",
		Long:  "historia CLI for historical research runs, sharing and usage.",
	}
	root.SetHelpTemplate(helpTemplate(ui))
	root.SilenceUsage = true

	root.PersistentFlags().StringVar(&sess.baseURL, "base-url", sess.baseURL, "Base URL for historia")
	root.PersistentFlags().StringVar(&sess.token, "token", sess.token, "Bearer token")
	root.PersistentFlags().StringVar(&sess.anonymousID, "anonymous-id", sess.anonymousID, "Anonymous caller id (used without a token)")
	root.PersistentFlags().StringVar(&profileName, "profile", profileName, "Config profile")

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		cfg, _, _ := loadConfig()
		active := resolveProfileName(profileName, cfg)
		prof := cfg.Profiles[active]

		flags := cmd.Flags()
		if !flags.Changed("base-url") {
			if v := strings.TrimSpace(os.Getenv("HISTORIA_BASE_URL")); v != "" {
				sess.baseURL = v
			} else if prof.BaseURL != "" {
				sess.baseURL = prof.BaseURL
			}
		}
		if !flags.Changed("token") {
			if v := strings.TrimSpace(os.Getenv("HISTORIA_TOKEN")); v != "" {
				sess.token = v
			} else if prof.Token != "" {
				sess.token = prof.Token
			}
		}
		if !flags.Changed("anonymous-id") {
			if v := strings.TrimSpace(os.Getenv("HISTORIA_ANONYMOUS_ID")); v != "" {
				sess.anonymousID = v
			} else if prof.AnonymousID != "" {
				sess.anonymousID = prof.AnonymousID
			}
		}
		if !flags.Changed("profile") && profileName == "" && active != "" {
			profileName = active
		}
		return nil
	}

	root.AddCommand(initCmd(&profileName, ui))
	root.AddCommand(authCmd(&profileName, ui))
	root.AddCommand(researchCmd(sess, ui))
	root.AddCommand(shareCmd(sess, ui))
	root.AddCommand(usageCmd(sess, ui))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, ui.err("[ERROR]"), err.Error())
		os.Exit(1)
	}
}

func initCmd(profileName *string, ui *ui) *cobra.Command {
	var (
		baseURL  string
		token    string
		noPrompt bool
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize CLI config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cfgPath, err := loadConfig()
			if err != nil {
				return err
			}
			active := resolveProfileName(*profileName, cfg)
			prof := cfg.Profiles[active]

			if baseURL == "" {
				baseURL = prof.BaseURL
			}
			if baseURL == "" {
				baseURL = "http://localhost:8080"
			}

			if !noPrompt {
				reader := bufio.NewReader(os.Stdin)
				baseURL = prompt(reader, "Base URL", baseURL)
				if token == "" {
					token = prompt(reader, "Token (optional)", "")
				}
			}

			prof.BaseURL = strings.TrimSpace(baseURL)
			if token != "" {
				prof.Token = strings.TrimSpace(token)
			}
			if prof.AnonymousID == "" {
				prof.AnonymousID = uuid.NewString()
			}
			if prof.Auth.Login.URLTemplate == "" {
				prof.Auth.Login = defaultLoginConfig(prof.Auth.Login.BaseURL, prof.Auth.Login.APIKey)
			}

			if cfg.Profiles == nil {
				cfg.Profiles = map[string]profile{}
			}
			cfg.Profiles[active] = prof
			if cfg.CurrentProfile == "" || *profileName != "" {
				cfg.CurrentProfile = active
			}

			if err := saveConfig(cfg, cfgPath); err != nil {
				return err
			}
			fmt.Printf("%s Initialized profile '%s' at %s\n", ui.ok("[OK]"), active, cfgPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&baseURL, "base-url", "", "Base URL for historia")
	cmd.Flags().StringVar(&token, "token", "", "Bearer token")
	cmd.Flags().BoolVar(&noPrompt, "no-prompt", false, "Disable interactive prompts")
	return cmd
}

func authCmd(profileName *string, ui *ui) *cobra.Command {
	auth := &cobra.Command{
		Use:   "auth",
		Short: "Manage stored credentials",
	}

	var (
		token       string
		email       string
		password    string
		authBaseURL string
		apiKey      string
	)

	login := &cobra.Command{
		Use:     "login",
		Short:   "Log in with email and password and store the token",
		Example: "historia auth login --email you@example.com --auth-base-url https://project.supabase.co/auth/v1 --api-key <anon key>",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cfgPath, err := loadConfig()
			if err != nil {
				return err
			}
			active := resolveProfileName(*profileName, cfg)
			prof := cfg.Profiles[active]
			loginCfg := prof.Auth.Login
			if authBaseURL != "" {
				loginCfg.BaseURL = authBaseURL
			}
			if apiKey != "" {
				loginCfg.APIKey = apiKey
			}
			if strings.TrimSpace(loginCfg.BaseURL) == "" {
				return errors.New("auth base URL is required (--auth-base-url)")
			}

			reader := bufio.NewReader(os.Stdin)
			if email == "" {
				email = prompt(reader, "Email", "")
			}
			if password == "" {
				p, err := promptSecret("Password")
				if err != nil {
					return err
				}
				password = p
			}
			tok, err := passwordLogin(loginCfg, email, password)
			if err != nil {
				return err
			}
			prof.Auth.Login = loginCfg
			prof.Token = tok
			if cfg.Profiles == nil {
				cfg.Profiles = map[string]profile{}
			}
			cfg.Profiles[active] = prof
			if cfg.CurrentProfile == "" || *profileName != "" {
				cfg.CurrentProfile = active
			}
			if err := saveConfig(cfg, cfgPath); err != nil {
				return err
			}
			fmt.Printf("%s Logged in as %s (profile '%s')\n", ui.ok("[OK]"), email, active)
			return nil
		},
	}
	login.Flags().StringVar(&email, "email", "", "Account email")
	login.Flags().StringVar(&password, "password", "", "Account password (prompted when empty)")
	login.Flags().StringVar(&authBaseURL, "auth-base-url", "", "Identity provider base URL")
	login.Flags().StringVar(&apiKey, "api-key", "", "Identity provider API key")

	set := &cobra.Command{
		Use:   "set",
		Short: "Store a token in config",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(token) == "" {
				return errors.New("provide --token")
			}
			cfg, cfgPath, err := loadConfig()
			if err != nil {
				return err
			}
			active := resolveProfileName(*profileName, cfg)
			prof := cfg.Profiles[active]
			prof.Token = strings.TrimSpace(token)
			if cfg.Profiles == nil {
				cfg.Profiles = map[string]profile{}
			}
			cfg.Profiles[active] = prof
			if cfg.CurrentProfile == "" || *profileName != "" {
				cfg.CurrentProfile = active
			}
			if err := saveConfig(cfg, cfgPath); err != nil {
				return err
			}
			fmt.Printf("%s Token stored in profile '%s'\n", ui.ok("[OK]"), active)
			return nil
		},
	}
	set.Flags().StringVar(&token, "token", "", "Bearer token")

	show := &cobra.Command{
		Use:   "show",
		Short: "Show stored credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cfgPath, err := loadConfig()
			if err != nil {
				return err
			}
			active := resolveProfileName(*profileName, cfg)
			prof := cfg.Profiles[active]
			fmt.Println(ui.title("Profile:"), active)
			fmt.Println(ui.dim("Config:"), cfgPath)
			fmt.Println("Base URL:    ", emptyOr(prof.BaseURL, "<unset>"))
			fmt.Println("Token:       ", maskToken(prof.Token))
			fmt.Println("Anonymous ID:", emptyOr(prof.AnonymousID, "<unset>"))
			return nil
		},
	}

	logout := &cobra.Command{
		Use:   "logout",
		Short: "Remove the stored token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cfgPath, err := loadConfig()
			if err != nil {
				return err
			}
			active := resolveProfileName(*profileName, cfg)
			prof, ok := cfg.Profiles[active]
			if !ok {
				return fmt.Errorf("profile '%s' not found", active)
			}
			prof.Token = ""
			cfg.Profiles[active] = prof
			if err := saveConfig(cfg, cfgPath); err != nil {
				return err
			}
			fmt.Printf("%s Token removed from profile '%s'\n", ui.ok("[OK]"), active)
			return nil
		},
	}

	auth.AddCommand(login, set, show, logout)
	return auth
}

func getenv(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func helpTemplate(ui *ui) string {
	title := ui.title("historia")
	return fmt.Sprintf(`%s: CLI for historical research

Usage:
  {{.UseLine}}

Commands:
{{range .Commands}}{{if (or .IsAvailableCommand .IsAdditionalHelpTopicCommand)}}
  {{rpad .Name .NamePadding }} {{.Short}}{{end}}{{end}}

Flags:
  {{.LocalFlags.FlagUsages | trimTrailingWhitespaces}}

Global Flags:
  {{.InheritedFlags.FlagUsages | trimTrailingWhitespaces}}

Config:
  %s

Examples:
  historia init
  historia auth login --email you@example.com
  historia research start --location "Pompeii" --lat 40.7486 --lng 14.4848
  historia research follow <taskId>
  historia share create <taskId>
  historia usage

`, title, configPath())
}

func configPath() string {
	if v := strings.TrimSpace(os.Getenv("HISTORIA_CONFIG_DIR")); v != "" {
		return filepath.Join(v, "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.yaml"
	}
	return filepath.Join(home, ".historia", "config.yaml")
}

// defaultLoginConfig targets a password grant that answers with an
// access_token field.
func defaultLoginConfig(baseURL, apiKey string) loginConfig {
	return loginConfig{
		URLTemplate:  "{{authBaseUrl}}/token?grant_type=password",
		Method:       http.MethodPost,
		ContentType:  "application/json",
		TokenPath:    "access_token",
		BodyTemplate: `{"email":"{{email}}","password":"{{password}}"}`,
		Headers:      map[string]string{"apikey": "{{apiKey}}"},
		BaseURL:      strings.TrimRight(baseURL, "/"),
		APIKey:       apiKey,
	}
}

func passwordLogin(cfg loginConfig, email, password string) (string, error) {
	def := defaultLoginConfig(cfg.BaseURL, cfg.APIKey)
	if strings.TrimSpace(cfg.URLTemplate) == "" {
		cfg.URLTemplate = def.URLTemplate
		cfg.Headers = def.Headers
	}
	cfg.Method = emptyOr(cfg.Method, def.Method)
	cfg.ContentType = emptyOr(cfg.ContentType, def.ContentType)
	cfg.TokenPath = emptyOr(cfg.TokenPath, def.TokenPath)
	cfg.BodyTemplate = emptyOr(cfg.BodyTemplate, def.BodyTemplate)

	vars := map[string]string{
		"email":       jsonEscape(email),
		"password":    jsonEscape(password),
		"apiKey":      cfg.APIKey,
		"authBaseUrl": strings.TrimRight(cfg.BaseURL, "/"),
	}
	loginURL, err := renderTemplate(cfg.URLTemplate, vars)
	if err != nil {
		return "", err
	}
	if _, err := url.Parse(loginURL); err != nil {
		return "", fmt.Errorf("invalid login URL: %w", err)
	}
	bodyStr, err := renderTemplate(cfg.BodyTemplate, vars)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequest(cfg.Method, loginURL, bytes.NewReader([]byte(bodyStr)))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", cfg.ContentType)
	for k, v := range cfg.Headers {
		if strings.TrimSpace(k) == "" {
			continue
		}
		hv, err := renderTemplate(v, vars)
		if err != nil {
			return "", err
		}
		req.Header.Set(k, hv)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("login failed (%d): %s", resp.StatusCode, string(raw))
	}
	return extractToken(raw, cfg.TokenPath)
}

// jsonEscape makes v safe inside a JSON string literal of a body template.
func jsonEscape(v string) string {
	b, _ := json.Marshal(v)
	return string(b[1 : len(b)-1])
}

func renderTemplate(tpl string, vars map[string]string) (string, error) {
	if strings.TrimSpace(tpl) == "" {
		return "", errors.New("template is empty")
	}
	funcs := template.FuncMap{}
	for k, v := range vars {
		val := v
		funcs[k] = func() string { return val }
	}
	t, err := template.New("tpl").Funcs(funcs).Option("missingkey=error").Parse(tpl)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, vars); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func extractToken(body []byte, path string) (string, error) {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return "", fmt.Errorf("invalid JSON response")
	}
	curr := v
	for _, p := range strings.Split(path, ".") {
		if p == "" {
			continue
		}
		m, ok := curr.(map[string]any)
		if !ok {
			return "", fmt.Errorf("token path not found")
		}
		curr, ok = m[p]
		if !ok {
			return "", fmt.Errorf("token path not found")
		}
	}
	if s, ok := curr.(string); ok && strings.TrimSpace(s) != "" {
		return s, nil
	}
	return "", fmt.Errorf("token not found at path")
}

func promptSecret(label string) (string, error) {
	fmt.Printf("%s: ", label)
	b, err := termReadPassword()
	fmt.Println()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

func termReadPassword() ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		reader := bufio.NewReader(os.Stdin)
		line, err := reader.ReadString('\n')
		return []byte(strings.TrimSpace(line)), err
	}
	return term.ReadPassword(fd)
}

func loadConfig() (cliConfig, string, error) {
	path := configPath()
	var cfg cliConfig
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cliConfig{Profiles: map[string]profile{}}, path, nil
		}
		return cfg, path, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, path, err
	}
	if cfg.Profiles == nil {
		cfg.Profiles = map[string]profile{}
	}
	return cfg, path, nil
}

func saveConfig(cfg cliConfig, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func resolveProfileName(flag string, cfg cliConfig) string {
	if strings.TrimSpace(flag) != "" {
		return strings.TrimSpace(flag)
	}
	if v := strings.TrimSpace(os.Getenv("HISTORIA_PROFILE")); v != "" {
		return v
	}
	if cfg.CurrentProfile != "" {
		return cfg.CurrentProfile
	}
	return "default"
}

func prompt(r *bufio.Reader, label, def string) string {
	if def != "" {
		fmt.Printf("%s [%s]: ", label, def)
	} else {
		fmt.Printf("%s: ", label)
	}
	line, _ := r.ReadString('\n')
	line = strings.TrimSpace(line)
	if line == "" {
		return def
	}
	return line
}

func maskToken(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "<unset>"
	}
	if len(v) <= 8 {
		return "****"
	}
	return v[:4] + "..." + v[len(v)-4:]
}

func emptyOr(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
