package commands

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/florianilch/mallreview/internal/app"
)

// envPrefix is stripped from environment variables during config loading (e.g., MALLREVIEW_OAUTH__CLIENT_ID → oauth.client_id)
const envPrefix = "MALLREVIEW_"

// secretPrompt reads the client secret when it is not configured.
type secretPrompt func() (string, error)

// loadConfig loads application configuration from various sources with precedence:
// config file → environment variables → CLI flags → defaults.
// With requireSecret set, a missing client secret is asked for through prompt, if any.
func loadConfig(configPath string, cmd *cli.Command, environFunc func() []string, requireSecret bool, prompt secretPrompt) (*app.Config, error) {
	k := koanf.New(".")

	// 1. Load from config file if provided
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	// 2. Load from environment variables
	envProvider := env.Provider(".", env.Opt{
		Prefix: envPrefix,
		TransformFunc: func(key, value string) (string, any) {
			stripped := strings.TrimPrefix(key, envPrefix)
			nested := strings.ToLower(strings.ReplaceAll(stripped, "__", "."))
			return nested, value
		},
		EnvironFunc: environFunc,
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	// 3. Load from CLI flags if provided
	if cmd != nil {
		flagValues := extractAndTransformFlags(cmd)
		if err := k.Load(confmap.Provider(flagValues, "."), nil); err != nil {
			return nil, fmt.Errorf("loading CLI flags: %w", err)
		}
	}

	config := &app.Config{}
	if err := k.UnmarshalWithConf("", config, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := config.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("applying defaults: %w", err)
	}

	if requireSecret && config.OAuth.ClientSecret == "" {
		if prompt == nil {
			return nil, fmt.Errorf("oauth.client_secret is required (set %sOAUTH__CLIENT_SECRET)", envPrefix)
		}
		secret, err := prompt()
		if err != nil {
			return nil, fmt.Errorf("reading client secret: %w", err)
		}
		if secret == "" {
			return nil, errors.New("oauth.client_secret is required")
		}
		config.OAuth.ClientSecret = secret
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return config, nil
}

// extractAndTransformFlags transforms CLI flag names to match config structure.
// Includes parent flags. Examples: --oauth--client-id → oauth.client_id, --log-level → log_level
func extractAndTransformFlags(cmd *cli.Command) map[string]any {
	values := make(map[string]any)

	// FlagNames() includes flags from parent commands (via lineage)
	for _, name := range cmd.FlagNames() {
		// Only config-shaped flags; command options like --verify stay out
		if !cmd.IsSet(name) || !isConfigFlag(name) {
			continue
		}

		if value := cmd.Value(name); value != nil {
			key := strings.ReplaceAll(name, "--", ".")
			key = strings.ReplaceAll(key, "-", "_")
			values[key] = value
		}
	}

	return values
}

func isConfigFlag(name string) bool {
	return strings.Contains(name, "--") || strings.HasPrefix(name, "log-")
}

// terminalPrompt asks for the client secret without echo when stdin is a terminal.
func terminalPrompt(out io.Writer) secretPrompt {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil
	}
	return func() (string, error) {
		_, _ = fmt.Fprint(out, "OAuth client secret: ")
		secret, err := term.ReadPassword(fd)
		_, _ = fmt.Fprintln(out)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(secret)), nil
	}
}
