package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	envLocalIMAPHost = "MAILPIN_LOCAL_IMAP_HOST"
	envLocalIMAPPort = "MAILPIN_LOCAL_IMAP_PORT"
	envLocalIMAPUser = "MAILPIN_LOCAL_IMAP_USER"
	envLocalIMAPPass = "MAILPIN_LOCAL_IMAP_PASS"
	envRemoteHost    = "MAILPIN_REMOTE_IMAP_HOST"
	envRemotePort    = "MAILPIN_REMOTE_IMAP_PORT"
	envRemoteUser    = "MAILPIN_REMOTE_IMAP_USER"
	envRemotePass    = "MAILPIN_REMOTE_IMAP_PASS"
	envSMTPHost      = "MAILPIN_SMTP_HOST"
	envSMTPPort      = "MAILPIN_SMTP_PORT"
	envSessionKey    = "MAILPIN_SESSION_KEY"
	envS3Endpoint    = "MAILPIN_S3_ENDPOINT"
	envS3Region      = "MAILPIN_S3_REGION"
	envS3Bucket      = "MAILPIN_S3_BUCKET"
	envS3Key         = "MAILPIN_S3_KEY"
	envS3Secret      = "MAILPIN_S3_SECRET"
)

// Config holds non-secret configuration loaded from YAML.
type Config struct {
	Listen        string    `yaml:"listen"`
	ViewsDir      string    `yaml:"views_dir"`
	AssetsDir     string    `yaml:"assets_dir"`
	DatabasePath  string    `yaml:"database_path"`
	Themes        []string  `yaml:"themes"`
	ThreadPreload int       `yaml:"thread_preload"`
	ListPreload   int       `yaml:"list_preload"`
	Tags          []TagSeed `yaml:"tags"`
}

// TagSeed pre-declares a tag with a display color.
type TagSeed struct {
	Name  string `yaml:"name"`
	Color string `yaml:"color"`
}

// LocalIMAP points at the Dovecot backend the web app authenticates
// its users against.
type LocalIMAP struct {
	Host string
	Port int
}

// RemoteAccount holds the optional external account drained by sync.
type RemoteAccount struct {
	Host string
	Port int
	User string
	Pass string
}

// SMTPEnv holds the submission endpoint.
type SMTPEnv struct {
	Host string
	Port int
}

// S3Env holds the optional archive target.
type S3Env struct {
	Endpoint string
	Region   string
	Bucket   string
	Key      string
	Secret   string
}

// Load reads configuration from a YAML file and applies defaults.
// An empty path yields a default config.
func Load(path string) (Config, error) {
	var cfg Config
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, err
		}
	}
	applyDefaults(&cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Listen) == "" {
		cfg.Listen = ":8080"
	}
	if strings.TrimSpace(cfg.ViewsDir) == "" {
		cfg.ViewsDir = "./views"
	}
	if strings.TrimSpace(cfg.AssetsDir) == "" {
		cfg.AssetsDir = "./assets"
	}
	if strings.TrimSpace(cfg.DatabasePath) == "" {
		cfg.DatabasePath = "mailpin.db"
	}
	if len(cfg.Themes) == 0 {
		cfg.Themes = []string{"base"}
	}
	if cfg.ThreadPreload <= 0 {
		cfg.ThreadPreload = 4
	}
	if cfg.ListPreload <= 0 {
		cfg.ListPreload = 200
	}
}

// Validate performs basic validation on non-secret config.
func Validate(cfg Config) error {
	if cfg.ThreadPreload < 1 {
		return errors.New("thread_preload must be at least 1")
	}
	if cfg.ListPreload < 1 {
		return errors.New("list_preload must be at least 1")
	}
	for i, seed := range cfg.Tags {
		name := strings.TrimSpace(seed.Name)
		if name == "" {
			return fmt.Errorf("tag %d has an empty name", i+1)
		}
		if strings.HasPrefix(name, "\\") || strings.HasPrefix(name, "#") {
			return fmt.Errorf("tag %q: user tags may not begin with \\ or #", name)
		}
	}
	return nil
}

// LocalIMAPFromEnv loads the local backend address and validates required entries.
func LocalIMAPFromEnv() (LocalIMAP, error) {
	host := strings.TrimSpace(os.Getenv(envLocalIMAPHost))
	if host == "" {
		return LocalIMAP{}, fmt.Errorf("missing required environment variable: %s", envLocalIMAPHost)
	}
	port, err := portFromEnv(envLocalIMAPPort, 993)
	if err != nil {
		return LocalIMAP{}, err
	}
	return LocalIMAP{Host: host, Port: port}, nil
}

// LocalAccountFromEnv loads the backing account on the local IMAP
// server. serve, sync and watch authenticate as this account.
func LocalAccountFromEnv() (RemoteAccount, error) {
	local, err := LocalIMAPFromEnv()
	if err != nil {
		return RemoteAccount{}, err
	}

	missing := []string{}
	user := strings.TrimSpace(os.Getenv(envLocalIMAPUser))
	if user == "" {
		missing = append(missing, envLocalIMAPUser)
	}
	pass := strings.TrimSpace(os.Getenv(envLocalIMAPPass))
	if pass == "" {
		missing = append(missing, envLocalIMAPPass)
	}
	if len(missing) > 0 {
		return RemoteAccount{}, fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	return RemoteAccount{Host: local.Host, Port: local.Port, User: user, Pass: pass}, nil
}

// RemoteAccountFromEnv loads the remote account details. It returns
// ok=false when no remote account is configured at all.
func RemoteAccountFromEnv() (RemoteAccount, bool, error) {
	host := strings.TrimSpace(os.Getenv(envRemoteHost))
	if host == "" {
		return RemoteAccount{}, false, nil
	}

	missing := []string{}
	user := strings.TrimSpace(os.Getenv(envRemoteUser))
	if user == "" {
		missing = append(missing, envRemoteUser)
	}
	pass := strings.TrimSpace(os.Getenv(envRemotePass))
	if pass == "" {
		missing = append(missing, envRemotePass)
	}
	if len(missing) > 0 {
		return RemoteAccount{}, false, fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	port, err := portFromEnv(envRemotePort, 993)
	if err != nil {
		return RemoteAccount{}, false, err
	}

	return RemoteAccount{Host: host, Port: port, User: user, Pass: pass}, true, nil
}

// SMTPFromEnv loads the submission endpoint.
func SMTPFromEnv() (SMTPEnv, error) {
	host := strings.TrimSpace(os.Getenv(envSMTPHost))
	if host == "" {
		return SMTPEnv{}, fmt.Errorf("missing required environment variable: %s", envSMTPHost)
	}
	port, err := portFromEnv(envSMTPPort, 587)
	if err != nil {
		return SMTPEnv{}, err
	}
	return SMTPEnv{Host: host, Port: port}, nil
}

// SessionKeyFromEnv returns the cookie-signing key.
func SessionKeyFromEnv() (string, error) {
	key := strings.TrimSpace(os.Getenv(envSessionKey))
	if key == "" {
		return "", fmt.Errorf("missing required environment variable: %s", envSessionKey)
	}
	return key, nil
}

// S3FromEnv loads the archive target and validates required entries.
func S3FromEnv() (S3Env, error) {
	missing := []string{}
	for _, name := range []string{envS3Region, envS3Bucket, envS3Key, envS3Secret} {
		if strings.TrimSpace(os.Getenv(name)) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return S3Env{}, fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	return S3Env{
		Endpoint: strings.TrimSpace(os.Getenv(envS3Endpoint)),
		Region:   strings.TrimSpace(os.Getenv(envS3Region)),
		Bucket:   strings.TrimSpace(os.Getenv(envS3Bucket)),
		Key:      strings.TrimSpace(os.Getenv(envS3Key)),
		Secret:   strings.TrimSpace(os.Getenv(envS3Secret)),
	}, nil
}

// ArchiveEnabled returns true when an archive bucket is configured.
func ArchiveEnabled() bool {
	return strings.TrimSpace(os.Getenv(envS3Bucket)) != ""
}

// Summary returns a concise config summary for validation runs.
func Summary(cfg Config) string {
	archiveStatus := "disabled"
	if ArchiveEnabled() {
		archiveStatus = "enabled"
	}
	return fmt.Sprintf(
		"Config summary\n"+
			"- listen: %s\n"+
			"- database: %s\n"+
			"- themes: %s\n"+
			"- archive: %s",
		cfg.Listen,
		cfg.DatabasePath,
		strings.Join(cfg.Themes, ", "),
		archiveStatus,
	)
}

func portFromEnv(name string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	port, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return port, nil
}
