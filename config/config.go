// Package config loads the uploader settings from an optional YAML file and the environment.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/blackav/aws-uploader/multipart"
	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

// Backends.
const (
	BackendCLI = "cli"
	BackendSDK = "sdk"
)

// Environment variables read by Load.
const (
	BucketEnvKey          = "AWS_UPLOADER_BUCKET"
	PartSizeEnvKey        = "AWS_UPLOADER_PART_SIZE"
	MinPartSizeEnvKey     = "AWS_UPLOADER_MIN_PART_SIZE"
	TempDirEnvKey         = "AWS_UPLOADER_TMP_DIR"
	BackendEnvKey         = "AWS_UPLOADER_BACKEND"
	AWSCommandEnvKey      = "AWS_UPLOADER_AWS_COMMAND"
	PathStyleEnvKey       = "AWS_UPLOADER_PATH_STYLE"
	RegionEnvKey          = "AWS_REGION"
	DefaultRegionEnvKey   = "AWS_DEFAULT_REGION"
	EndpointEnvKey        = "AWS_ENDPOINT_URL"
	AccessKeyIDEnvKey     = "AWS_ACCESS_KEY_ID"
	SecretAccessKeyEnvKey = "AWS_SECRET_ACCESS_KEY"
)

// Secret is a string that is masked when printed.
type Secret string

// String ...
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "*****"
}

// GoString ...
func (s Secret) GoString() string {
	return s.String()
}

// Config is the complete uploader configuration.
type Config struct {
	Bucket      string
	Key         string
	PartSize    int64
	MinPartSize int64
	TempDir     string

	Backend    string
	AWSCommand string

	Region          string
	Endpoint        string
	UsePathStyle    bool
	AccessKeyID     string
	SecretAccessKey Secret

	Verbose bool
}

// file mirrors the YAML document. Sizes are human readable ("512MiB", "1g").
type file struct {
	Bucket          string `yaml:"bucket"`
	Key             string `yaml:"key"`
	PartSize        string `yaml:"part_size"`
	MinPartSize     string `yaml:"min_part_size"`
	TempDir         string `yaml:"tmp_dir"`
	Backend         string `yaml:"backend"`
	AWSCommand      string `yaml:"aws_command"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	UsePathStyle    *bool  `yaml:"use_path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Verbose         bool   `yaml:"verbose"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		PartSize:    multipart.DefaultPartSize,
		MinPartSize: multipart.DefaultMinPartSize,
		Backend:     BackendCLI,
		AWSCommand:  "aws",
	}
}

// Load starts from Default, applies the YAML file at path (if path is not empty) and then the
// environment. Command line flags are applied by the caller on top of the result.
func Load(path string, envRepo env.Repository) (Config, error) {
	cfg := Default()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := cfg.applyYAML(b); err != nil {
			return Config{}, fmt.Errorf("config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(envRepo); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyYAML(b []byte) error {
	var f file
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return err
	}

	setString(&c.Bucket, f.Bucket)
	setString(&c.Key, f.Key)
	setString(&c.TempDir, f.TempDir)
	setString(&c.Backend, f.Backend)
	setString(&c.AWSCommand, f.AWSCommand)
	setString(&c.Region, f.Region)
	setString(&c.Endpoint, f.Endpoint)
	setString(&c.AccessKeyID, f.AccessKeyID)
	if f.SecretAccessKey != "" {
		c.SecretAccessKey = Secret(f.SecretAccessKey)
	}
	if f.UsePathStyle != nil {
		c.UsePathStyle = *f.UsePathStyle
	}
	c.Verbose = c.Verbose || f.Verbose

	if err := setSize(&c.PartSize, "part_size", f.PartSize); err != nil {
		return err
	}
	return setSize(&c.MinPartSize, "min_part_size", f.MinPartSize)
}

func (c *Config) applyEnv(envRepo env.Repository) error {
	setString(&c.Bucket, envRepo.Get(BucketEnvKey))
	setString(&c.TempDir, envRepo.Get(TempDirEnvKey))
	setString(&c.Backend, envRepo.Get(BackendEnvKey))
	setString(&c.AWSCommand, envRepo.Get(AWSCommandEnvKey))
	setString(&c.Region, envRepo.Get(DefaultRegionEnvKey))
	setString(&c.Region, envRepo.Get(RegionEnvKey))
	setString(&c.Endpoint, envRepo.Get(EndpointEnvKey))
	setString(&c.AccessKeyID, envRepo.Get(AccessKeyIDEnvKey))
	if s := envRepo.Get(SecretAccessKeyEnvKey); s != "" {
		c.SecretAccessKey = Secret(s)
	}
	if s := envRepo.Get(PathStyleEnvKey); s != "" {
		v, err := strconv.ParseBool(s)
		if err != nil {
			return fmt.Errorf("%s: %w", PathStyleEnvKey, err)
		}
		c.UsePathStyle = v
	}

	if err := setSize(&c.PartSize, PartSizeEnvKey, envRepo.Get(PartSizeEnvKey)); err != nil {
		return err
	}
	return setSize(&c.MinPartSize, MinPartSizeEnvKey, envRepo.Get(MinPartSizeEnvKey))
}

// ParseSize parses a human readable size with binary units ("512MiB", "128m", "1073741824").
func ParseSize(s string) (int64, error) {
	return units.RAMInBytes(s)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setSize(dst *int64, name, v string) error {
	if v == "" {
		return nil
	}
	n, err := ParseSize(v)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = n
	return nil
}

// Validate checks the settings an upload needs.
func (c Config) Validate() error {
	if c.Bucket == "" {
		return errors.New("bucket is not specified")
	}
	if err := c.Multipart().Validate(); err != nil {
		return err
	}
	switch c.Backend {
	case BackendCLI:
		if c.AWSCommand == "" {
			return errors.New("aws command is not specified")
		}
	case BackendSDK:
		if c.Region == "" {
			return errors.New("region is required by the sdk backend")
		}
	default:
		return fmt.Errorf("unknown backend %q, expected %q or %q", c.Backend, BackendCLI, BackendSDK)
	}
	return nil
}

// Multipart returns the part settings for the uploader.
func (c Config) Multipart() multipart.Config {
	return multipart.Config{
		PartSize:    c.PartSize,
		MinPartSize: c.MinPartSize,
		TempDir:     c.TempDir,
	}
}
