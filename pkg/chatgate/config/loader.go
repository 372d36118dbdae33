package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR}, ${VAR:-default}, ${VAR:?message} and $VAR.
//
// Groups: 1 braced name, 2 modifier ("-" or "?"), 3 modifier value,
// 4 bare name.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}|\$([A-Z_][A-Z0-9_]*)`)

// Secrets read from the environment when the file leaves them empty.
const (
	EnvAuthToken        = "CHATGATE_AUTH_TOKEN"
	EnvCloudAPISecret   = "CHATGATE_CLOUDAPI_APP_SECRET"
	EnvCloudAPIVerify   = "CHATGATE_CLOUDAPI_VERIFY_TOKEN"
	EnvDatabaseURL      = "CHATGATE_DATABASE_URL"
	EnvRedisURL         = "CHATGATE_REDIS_URL"
	EnvRedisPassword    = "CHATGATE_REDIS_PASSWORD"
	EnvPostgresPassword = "CHATGATE_POSTGRES_PASSWORD"
)

// Load reads the configuration. An empty path searches the standard
// locations and falls back to the defaults when none exists. .env files in
// the working directory are loaded first; they never override variables
// that are already set.
func Load(path string) (*Config, error) {
	loadEnvFiles()

	if path == "" {
		path = FindConfigFile()
	}
	if path == "" {
		cfg := DefaultConfig()
		resolveSecrets(cfg)
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	expanded, err := expandEnvVars(string(data))
	if err != nil {
		return nil, err
	}
	cfg, err := Parse([]byte(expanded))
	if err != nil {
		return nil, err
	}
	resolveSecrets(cfg)
	resolveRelativePaths(cfg, filepath.Dir(path))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML onto the defaults. Sections and keys absent from data
// keep their default values.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return cfg, nil
}

// Save writes cfg as YAML with owner-only permissions. An existing file is
// kept as <path>.bak.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating config dir: %w", err)
		}
	}
	if existing, err := os.ReadFile(path); err == nil {
		_ = os.WriteFile(path+".bak", existing, 0o600)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// FindConfigFile returns the first existing standard config path, or "".
func FindConfigFile() string {
	for _, p := range []string{
		"chatgate.yaml",
		"chatgate.yml",
		"config.yaml",
		"configs/chatgate.yaml",
	} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}
}

// expandEnvVars substitutes environment references. Unset variables
// without a modifier keep their placeholder; ${VAR:?message} fails.
func expandEnvVars(input string) (string, error) {
	var missing []string
	out := envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		m := envVarPattern.FindStringSubmatch(match)
		name, modifier, value, bare := m[1], m[2], m[3], m[4]

		if bare != "" {
			if v, ok := os.LookupEnv(bare); ok {
				return v
			}
			return match
		}
		if v, ok := os.LookupEnv(name); ok && (v != "" || modifier == "") {
			return v
		}
		switch modifier {
		case "-":
			return value
		case "?":
			if value == "" {
				value = "required environment variable not set"
			}
			missing = append(missing, name+": "+value)
		}
		return match
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("config: %s", strings.Join(missing, "; "))
	}
	return out, nil
}

func resolveSecrets(cfg *Config) {
	fill := func(dst *string, env string) {
		if *dst == "" || isEnvReference(*dst) {
			if v := os.Getenv(env); v != "" {
				*dst = v
			}
		}
	}
	fill(&cfg.Gateway.AuthToken, EnvAuthToken)
	fill(&cfg.Channels.CloudAPI.AppSecret, EnvCloudAPISecret)
	fill(&cfg.Channels.CloudAPI.VerifyToken, EnvCloudAPIVerify)
	fill(&cfg.Database.PostgreSQL.URL, EnvDatabaseURL)
	fill(&cfg.Database.PostgreSQL.Password, EnvPostgresPassword)
	fill(&cfg.Redis.URL, EnvRedisURL)
	fill(&cfg.Redis.Password, EnvRedisPassword)
}

func isEnvReference(s string) bool {
	return strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}")
}

// resolveRelativePaths makes on-disk paths relative to the config file's
// directory so the server works from any working directory.
func resolveRelativePaths(cfg *Config, dir string) {
	paths := []*string{
		&cfg.Database.SQLite.Path,
		&cfg.Channels.WhatsApp.CredentialRoot,
		&cfg.Channels.CloudAPI.CredentialRoot,
		&cfg.Channels.Instagram.CredentialRoot,
		&cfg.Channels.Discord.CredentialRoot,
	}
	for _, p := range paths {
		*p = resolvePath(*p, dir)
	}
}

func resolvePath(path, dir string) string {
	if path == "" || path == ":memory:" {
		return path
	}
	if rest, ok := strings.CutPrefix(path, "~/"); ok {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, rest)
		}
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}
