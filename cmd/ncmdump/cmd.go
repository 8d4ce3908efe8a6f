package main

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/panjf2000/ants/v2"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jdxj/ncmdump/internal/config"
	"github.com/jdxj/ncmdump/internal/convert"
	"github.com/jdxj/ncmdump/internal/cover"
)

var ErrSomeFailed = errors.New("some files failed")

func Execute() error {
	return NewRootCmd().Execute()
}

func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "ncmdump",
		Short:         "Decrypt ncm files into mp3/flac",
		Example:       "  ncmdump -i ~/Music/CloudMusic -o ./out\n  ncmdump -f a.ncm -f b.ncm",
		Args:          cobra.NoArgs,
		RunE:          rootCmdRun,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	// flags
	flags := cmd.PersistentFlags()
	flags.String(config.KeyConfig, "", "yaml config file")
	flags.String(config.KeyLogLevel, "info", "log level: trace, debug, info, warn, error")
	flags.String(config.KeyLogFormat, "text", "log format: text or json")

	flags = cmd.Flags()
	flags.StringP(config.KeyInput, "i", "", "specifies the path where the ncm file is located")
	flags.StringSliceP(config.KeyFile, "f", nil, "specifies a certain ncm file")
	flags.StringP(config.KeyOutput, "o", "./", "specifies the path to save the decrypted result")
	flags.IntP(config.KeyWorkers, "w", 0, "number of files decrypted concurrently (default: number of CPUs)")
	flags.Bool(config.KeyTags, true, "embed title, artist, album and cover into the output")
	flags.Bool(config.KeyFetchCover, false, "download the album picture when the file has no embedded cover")
	flags.Duration(config.KeyCoverTimeout, cover.DefaultTimeout, "timeout of a single cover download")
	flags.Uint64(config.KeyCoverRetries, cover.DefaultRetries, "retries of a failed cover download")

	cmd.AddCommand(NewMetaCmd())
	return cmd
}

func setup(cmd *cobra.Command) (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return nil, nil, err
	}
	log, err := cfg.Logger()
	if err != nil {
		return nil, nil, err
	}
	log.SetOutput(cmd.ErrOrStderr())
	return cfg, log, nil
}

func rootCmdRun(cmd *cobra.Command, _ []string) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}

	inputFiles, err := getNCM(cfg.Input, cfg.Files)
	if err != nil {
		return err
	}
	if err = checkOutput(cfg.Output); err != nil {
		return err
	}

	opts := []convert.Option{convert.WithLogger(logrus.NewEntry(log))}
	if cfg.FetchCover {
		fetcher := cover.NewFetcher(cfg.CoverTimeout, cfg.CoverRetries, logrus.NewEntry(log))
		opts = append(opts, convert.WithCoverFetcher(fetcher))
	}
	conv := convert.New(opts...)

	results, err := unlockAll(cmd.Context(), conv, cfg, inputFiles)
	if err != nil {
		return err
	}

	failed := 0
	for _, res := range results {
		entry := log.WithField("file", res.Input).WithField("status", int(res.Status))
		if res.OK() {
			entry.WithField("output", res.Path).Info("decrypt success")
			continue
		}
		failed++
		entry.WithError(res.Err).Error(res.Status.String())
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%d decrypted, %d failed\n", len(results)-failed, failed)
	if failed > 0 {
		return fmt.Errorf("%w: %d of %d", ErrSomeFailed, failed, len(results))
	}
	return nil
}

// unlockAll runs the conversions on a pool of cfg.Workers goroutines and
// returns the results in input order.
func unlockAll(ctx context.Context, conv *convert.Converter, cfg *config.Config, inputFiles []string) ([]convert.Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	pool, err := ants.NewPool(cfg.Workers)
	if err != nil {
		return nil, err
	}
	defer pool.Release()

	results := make([]convert.Result, len(inputFiles))
	wg := sync.WaitGroup{}
	for i, p := range inputFiles {
		i, in := i, p
		req := convert.Request{
			Input:     in,
			OutputDir: cfg.Output,
			SkipTags:  !cfg.Tags,
		}
		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()
			results[i] = conv.Unlock(ctx, req)
		})
		if err != nil {
			wg.Done()
			results[i] = convert.Result{Status: convert.StatusInternal, Input: in, Err: err}
		}
	}
	wg.Wait()
	return results, nil
}

func NewMetaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "meta FILE...",
		Short: "Print the metadata of ncm files as JSON",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, log, err := setup(cmd)
			if err != nil {
				return err
			}
			conv := convert.New(convert.WithLogger(logrus.NewEntry(log)))
			for _, path := range args {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), conv.MetadataJSON(path))
			}
			return nil
		},
	}
}
