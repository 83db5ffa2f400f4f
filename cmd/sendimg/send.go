package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"sendimg/internal/channel"
	"sendimg/internal/config"
	"sendimg/internal/domain"
	"sendimg/internal/keyword"
	"sendimg/internal/media"
	"sendimg/internal/store"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func sendCmd() *cobra.Command {
	var (
		outDir      string
		limit       int64
		stripHeight int
	)
	cmd := &cobra.Command{
		Use:   "send <keyword|path>",
		Short: "Run one delivery into a local directory",
		Long: `Resolves a keyword (or takes an image path) and runs it through the
delivery pipeline, saving every unit to the output directory. Use --limit
to simulate a platform payload limit.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			kw, path, err := resolveTarget(ctx, cfg, args[0])
			if err != nil {
				return err
			}

			seq, err := newSequencer(cfg, logger)
			if err != nil {
				return err
			}
			if outDir == "" {
				outDir = cfg.Channels.CLI.OutputDir
			}
			if !cmd.Flags().Changed("limit") {
				limit = cfg.Channels.CLI.MaxPayloadBytes
			}
			out := cmd.OutOrStdout()
			cli := channel.NewCLI(channel.CLIConfig{
				OutputDir:       outDir,
				MaxPayloadBytes: limit,
				Out:             out,
				Logger:          logger,
			})

			report, derr := seq.DeliverWith(ctx, path, cli.MediaTransport("local"), media.DeliverOptions{StripHeight: stripHeight})
			printReport(out, report)

			if cfg.Store.Enabled {
				if st, err := store.NewSQLiteStore(cfg.Store.DBPath, logger); err != nil {
					logger.Warn("delivery log unavailable", "err", err)
				} else {
					if err := st.RecordDelivery(ctx, "cli", "local", kw, report, derr); err != nil {
						logger.Warn("record delivery failed", "err", err)
					}
					st.Close()
				}
			}
			return derr
		},
	}
	cmd.Flags().StringVarP(&outDir, "out", "o", "", "output directory (default: channels.cli.outputDir)")
	cmd.Flags().Int64Var(&limit, "limit", 0, "payload limit in bytes, 0 = unknown (default: channels.cli.maxPayloadBytes)")
	cmd.Flags().IntVar(&stripHeight, "strip-height", 0, "strip height in pixels (default: images.stripHeight)")
	return cmd
}

// resolveTarget maps a CLI argument to an asset path. Known keywords, with
// or without the prefix, win over file paths.
func resolveTarget(ctx context.Context, cfg *config.Config, arg string) (kw, path string, err error) {
	table := keyword.Load(cfg.Images.KeywordTable, cfg.Images.BasePath, logger)
	name := strings.TrimPrefix(arg, cfg.Images.Prefix)
	target, ok := table.Lookup(name)
	if !ok {
		return "", arg, nil
	}
	if target.IsURL() {
		if !cfg.Browser.Enabled {
			return "", "", fmt.Errorf("keyword %q targets %s but browser capture is disabled", name, target.Value)
		}
		path, err = newCapturer(cfg, logger).Capture(ctx, target.Value)
		return name, path, err
	}
	path, err = table.Resolve(target)
	return name, path, err
}

func printReport(w io.Writer, r *domain.DeliveryReport) {
	if r == nil {
		return
	}
	fmt.Fprintf(w, "\n%s  %dx%d  %s\n", r.AssetPath, r.Width, r.Height, humanize.Bytes(uint64(r.ByteSize)))
	limit := "unknown"
	if r.LimitKnown {
		limit = humanize.Bytes(uint64(r.Limit))
	}
	mode := "whole"
	if r.Partitioned {
		mode = fmt.Sprintf("partitioned, strip height %d", r.StripHeight)
	}
	fmt.Fprintf(w, "limit %s, %s\n", limit, mode)
	for _, u := range r.Units {
		status := "ok"
		if u.Err != nil {
			status = u.Err.Error()
		}
		fmt.Fprintf(w, "  %d/%d  %-9s %8s  %s\n", u.SequenceIndex, u.SequenceTotal, u.Encoding, humanize.Bytes(uint64(u.Size)), status)
	}
	if r.Canceled {
		fmt.Fprintln(w, "canceled")
	}
	fmt.Fprintf(w, "%d sent, %d failed in %s\n", r.Succeeded(), r.Failed(), r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
}

func splitCmd() *cobra.Command {
	var (
		stripHeight int
		maxBytes    int64
		compression string
	)
	cmd := &cobra.Command{
		Use:   "split <image> <outdir>",
		Short: "Cut an image into strips without sending them",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			level, err := media.ParseCompression(compression)
			if err != nil {
				return err
			}
			files, err := splitImage(cmd.Context(), args[0], args[1], media.PartitionConfig{
				StripHeight: stripHeight,
				MaxBytes:    maxBytes,
				Encoder:     media.PNGEncoder{Compression: level},
			})
			for _, f := range files {
				fmt.Fprintln(cmd.OutOrStdout(), f)
			}
			return err
		},
	}
	cmd.Flags().IntVar(&stripHeight, "strip-height", media.DefaultStripHeight, "strip height in pixels")
	cmd.Flags().Int64Var(&maxBytes, "max-bytes", 0, "re-split strips whose encoding exceeds this size, 0 = off")
	cmd.Flags().StringVar(&compression, "compression", "default", "png compression: default, none, fast, best")
	return cmd
}

// splitImage writes the strips of src to outDir as <name>-NN.png and
// returns a line per strip.
func splitImage(ctx context.Context, src, outDir string, pc media.PartitionConfig) ([]string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	loader := media.NewLoader(nil)
	asset, err := loader.Load(ctx, src)
	if err != nil {
		return nil, err
	}
	img, err := loader.Decode(ctx, asset)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	base := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
	ext := ".png"
	if pc.Encoder != nil {
		ext = pc.Encoder.Ext()
	}
	var lines []string
	p := media.NewPartitioner(img, pc)
	for p.Next() {
		s := p.Strip()
		name := filepath.Join(outDir, fmt.Sprintf("%s-%02d%s", base, s.Spec.Index+1, ext))
		if err := os.WriteFile(name, s.Data, 0o644); err != nil {
			return lines, fmt.Errorf("write strip: %w", err)
		}
		lines = append(lines, fmt.Sprintf("%s  %dx%d+%d+%d  %s",
			name, s.Spec.Width, s.Spec.Height, s.Spec.XOffset, s.Spec.YOffset, humanize.Bytes(uint64(len(s.Data)))))
	}
	if err := p.Err(); err != nil {
		return lines, err
	}
	if len(lines) == 0 {
		return nil, errors.New("image produced no strips")
	}
	return lines, nil
}

func askCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ask <code> [question]",
		Short: "Ask the assistant about a product code",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if !cfg.LLM.Enabled {
				return errors.New("llm is disabled, set llm.enabled to true")
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ex, err := newRelay(cfg, logger).Ask(ctx, args[0], strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ex.Reply)
			logger.Debug("ask", "model", ex.Model, "tokens_in", ex.Usage.PromptTokens, "tokens_out", ex.Usage.CompletionTokens, "latency_ms", ex.LatencyMs)
			return nil
		},
	}
}
