// Package cli is the aws-uploader command line.
package cli

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bitrise-io/go-utils/v2/command"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/blackav/aws-uploader/config"
	"github.com/blackav/aws-uploader/multipart"
	"github.com/blackav/aws-uploader/s3api"
	"github.com/blackav/aws-uploader/subprocess"
	"github.com/blackav/aws-uploader/tempfile"
	"github.com/spf13/cobra"
)

type options struct {
	configPath  string
	bucket      string
	key         string
	partSize    string
	minPartSize string
	tmpDir      string
	backend     string
	awsCommand  string
	region      string
	endpoint    string
	pathStyle   bool
	verbose     bool
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd(log.NewLogger(), env.NewRepository()).Execute()
}

// NewRootCmd ...
func NewRootCmd(logger log.Logger, envRepo env.Repository) *cobra.Command {
	return newRootCmd(logger, envRepo, &options{})
}

func newRootCmd(logger log.Logger, envRepo env.Repository, opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "aws-uploader [flags] FILE",
		Short: "Upload a large file to S3 as a multipart upload",
		Long: `Upload a large file to S3 as a multipart upload.

The file is split into parts which are staged in temporary files and sent one at a time.
If any part fails the upload is aborted, so no orphaned parts are left in the bucket.

Settings are taken from flags, then AWS_UPLOADER_* and AWS_* environment variables, then the
--config YAML file.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, cmd, opts, args[0], logger, envRepo)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "Path to a YAML config file")
	flags.StringVarP(&opts.bucket, "bucket", "b", "", "Destination bucket")
	flags.StringVarP(&opts.key, "key", "k", "", "Destination key (default: the input path)")
	flags.StringVar(&opts.partSize, "part-size", "", "Part size, e.g. 512MiB (default 512MiB)")
	flags.StringVar(&opts.minPartSize, "min-part-size", "", "Smallest trailing part, e.g. 128MiB (default 128MiB)")
	flags.StringVar(&opts.tmpDir, "tmp-dir", "", "Directory for staged parts (default: the input file's directory)")
	flags.StringVar(&opts.backend, "backend", "", "Service backend: cli (aws s3api) or sdk (default cli)")
	flags.StringVar(&opts.awsCommand, "aws-command", "", "aws command line tool used by the cli backend (default aws)")
	flags.StringVar(&opts.region, "region", "", "AWS region, required by the sdk backend")
	flags.StringVar(&opts.endpoint, "endpoint", "", "Service endpoint override for the sdk backend")
	flags.BoolVar(&opts.pathStyle, "path-style", false, "Use path style addressing with the sdk backend")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Enable debug logging")

	return cmd
}

// resolveConfig layers the flags the user set over config.Load.
func resolveConfig(cmd *cobra.Command, opts *options, envRepo env.Repository) (config.Config, error) {
	cfg, err := config.Load(opts.configPath, envRepo)
	if err != nil {
		return config.Config{}, err
	}

	changed := cmd.Flags().Changed
	setIf := func(name string, dst *string, v string) {
		if changed(name) {
			*dst = v
		}
	}
	setIf("bucket", &cfg.Bucket, opts.bucket)
	setIf("key", &cfg.Key, opts.key)
	setIf("tmp-dir", &cfg.TempDir, opts.tmpDir)
	setIf("backend", &cfg.Backend, opts.backend)
	setIf("aws-command", &cfg.AWSCommand, opts.awsCommand)
	setIf("region", &cfg.Region, opts.region)
	setIf("endpoint", &cfg.Endpoint, opts.endpoint)
	if changed("path-style") {
		cfg.UsePathStyle = opts.pathStyle
	}
	if changed("verbose") {
		cfg.Verbose = opts.verbose
	}

	if changed("part-size") {
		if cfg.PartSize, err = config.ParseSize(opts.partSize); err != nil {
			return config.Config{}, fmt.Errorf("--part-size: %w", err)
		}
	}
	if changed("min-part-size") {
		if cfg.MinPartSize, err = config.ParseSize(opts.minPartSize); err != nil {
			return config.Config{}, fmt.Errorf("--min-part-size: %w", err)
		}
	}

	return cfg, nil
}

func run(ctx context.Context, cmd *cobra.Command, opts *options, input string, logger log.Logger, envRepo env.Repository) error {
	cfg, err := resolveConfig(cmd, opts, envRepo)
	if err != nil {
		return err
	}
	logger.EnableDebugLog(cfg.Verbose)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	api, err := newAPI(ctx, cfg, logger, envRepo)
	if err != nil {
		return err
	}

	namer := tempfile.NewNamer(rand.Reader, envRepo, logger)
	uploader := multipart.NewUploader(api, namer, logger, cfg.Multipart())

	res, err := uploader.Upload(ctx, multipart.UploadInput{Path: input, Bucket: cfg.Bucket, Key: cfg.Key})
	if err != nil {
		var uploadErr *multipart.UploadError
		if errors.As(err, &uploadErr) && uploadErr.State == multipart.FailedNoCleanup {
			logger.Errorf("Upload %s could not be aborted, its parts may still be stored in %s", uploadErr.UploadID, cfg.Bucket)
		}
		return err
	}

	_, err = fmt.Fprintln(cmd.OutOrStdout(), res.Object.Location)
	return err
}

func newAPI(ctx context.Context, cfg config.Config, logger log.Logger, envRepo env.Repository) (multipart.API, error) {
	switch cfg.Backend {
	case config.BackendSDK:
		sdk, err := s3api.NewSDKFromParams(ctx, s3api.SDKParams{
			Region:          cfg.Region,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: string(cfg.SecretAccessKey),
			Endpoint:        cfg.Endpoint,
			UsePathStyle:    cfg.UsePathStyle,
		}, logger)
		if err != nil {
			return nil, err
		}
		return sdk, nil
	default:
		checker := s3api.NewDependencyChecker(logger, command.NewFactory(envRepo), cfg.AWSCommand)
		if !checker.CheckDependencies() {
			return nil, fmt.Errorf("%s not found, install the AWS CLI or use --backend %s", cfg.AWSCommand, config.BackendSDK)
		}
		return s3api.NewCLI(subprocess.NewRunner(logger, envRepo), cfg.AWSCommand, logger), nil
	}
}
