// Package config loads the YAML configuration shared by the relay server and the client binaries.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/astromechza/diagram-sync/pkg/conn"
)

// DiagramPlaceholder is replaced by the diagram id in Client.EndpointTemplate.
const DiagramPlaceholder = "{diagram}"

var validate = validator.New()

type Server struct {
	Addr         string `yaml:"addr" validate:"required,hostname_port"`
	DatabasePath string `yaml:"database_path" validate:"required"`
	// JWTSecret enables HS256 token verification. Without it the credential itself is taken as the user id.
	JWTSecret      string        `yaml:"jwt_secret"`
	IdleTimeout    time.Duration `yaml:"idle_timeout" validate:"gt=0"`
	BackupInterval time.Duration `yaml:"backup_interval" validate:"gt=0"`
}

type Client struct {
	EndpointTemplate string `yaml:"endpoint_template" validate:"required,contains={diagram}"`
	Diagram          string `yaml:"diagram" validate:"required"`
	Credential       string `yaml:"credential"`
	UserID           string `yaml:"user_id"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" validate:"gt=0"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout" validate:"gt=0"`
	AuthTimeout       time.Duration `yaml:"auth_timeout" validate:"gt=0"`
	WriteTimeout      time.Duration `yaml:"write_timeout" validate:"gt=0"`
	ReconnectBase     time.Duration `yaml:"reconnect_base" validate:"gt=0"`
	ReconnectMax      time.Duration `yaml:"reconnect_max" validate:"gtefield=ReconnectBase"`
	ReconnectAttempts int           `yaml:"reconnect_attempts" validate:"gte=0"`
	ResyncInterval    time.Duration `yaml:"resync_interval" validate:"gte=0"`
	ConflictTimeout   time.Duration `yaml:"conflict_timeout" validate:"gte=0"`
	HistoryLimit      int           `yaml:"history_limit" validate:"gte=0"`

	// StorePath, when set, keeps a local write-behind copy of the diagram.
	StorePath string `yaml:"store_path"`
}

type File struct {
	Server Server `yaml:"server"`
	Client Client `yaml:"client"`
}

func Default() *File {
	return &File{
		Server: Server{
			Addr:           "localhost:8080",
			DatabasePath:   "diagrams.sqlite3",
			IdleTimeout:    90 * time.Second,
			BackupInterval: 5 * time.Second,
		},
		Client: Client{
			EndpointTemplate:  "ws://localhost:8080/diagrams/" + DiagramPlaceholder + "/ws",
			Diagram:           "default",
			HeartbeatInterval: 30 * time.Second,
			HandshakeTimeout:  5 * time.Second,
			AuthTimeout:       5 * time.Second,
			WriteTimeout:      5 * time.Second,
			ReconnectBase:     3 * time.Second,
			ReconnectMax:      30 * time.Second,
			ReconnectAttempts: 5,
			ResyncInterval:    time.Minute,
			ConflictTimeout:   30 * time.Second,
			HistoryLimit:      100,
		},
	}
}

// Load reads the YAML file at path over the defaults and validates the result. An empty path yields the defaults.
func Load(path string) (*File, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := Parse(raw, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Parse decodes YAML into cfg, leaving fields the document does not mention untouched. Unknown keys are rejected.
func Parse(raw []byte, cfg *File) error {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (f *File) Validate() error {
	if err := validate.Struct(f); err != nil {
		return formatValidationError(err)
	}
	// the server must not drop a client for idling between two heartbeats
	if f.Client.HeartbeatInterval >= f.Server.IdleTimeout {
		return fmt.Errorf("client.heartbeat_interval (%s) must be less than server.idle_timeout (%s)", f.Client.HeartbeatInterval, f.Server.IdleTimeout)
	}
	return nil
}

func formatValidationError(err error) error {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err
	}
	messages := make([]string, 0, len(validationErrors))
	for _, e := range validationErrors {
		field := strings.ToLower(e.Namespace())
		switch e.Tag() {
		case "required":
			messages = append(messages, fmt.Sprintf("%s is required", field))
		case "contains":
			messages = append(messages, fmt.Sprintf("%s must contain %s", field, e.Param()))
		case "gtefield":
			messages = append(messages, fmt.Sprintf("%s must not be less than %s", field, strings.ToLower(e.Param())))
		default:
			messages = append(messages, fmt.Sprintf("%s is invalid (%s%s)", field, e.Tag(), paramSuffix(e.Param())))
		}
	}
	return errors.New(strings.Join(messages, "; "))
}

func paramSuffix(p string) string {
	if p == "" {
		return ""
	}
	return "=" + p
}

// Endpoint returns the websocket URL of the given diagram.
func (c Client) Endpoint(diagramID string) string {
	return strings.ReplaceAll(c.EndpointTemplate, DiagramPlaceholder, url.PathEscape(diagramID))
}

// ConnSettings converts the client configuration into connection settings for the given diagram.
func (c Client) ConnSettings(diagramID string) *conn.Settings {
	s := conn.DefaultSettings(c.Endpoint(diagramID), c.Credential)
	s.HeartbeatInterval = c.HeartbeatInterval
	s.HandshakeTimeout = c.HandshakeTimeout
	s.AuthTimeout = c.AuthTimeout
	s.WriteTimeout = c.WriteTimeout
	s.Backoff = conn.Backoff{
		Base:        c.ReconnectBase,
		Max:         c.ReconnectMax,
		MaxAttempts: c.ReconnectAttempts,
	}
	return s
}
