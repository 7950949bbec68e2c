package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	osgrep "github.com/screenager/osgrep-core"
	"github.com/screenager/osgrep-core/internal/colbert"
	"github.com/screenager/osgrep-core/internal/corpus"
	"github.com/screenager/osgrep-core/internal/denseenc"
	"github.com/screenager/osgrep-core/internal/hub"
	"github.com/screenager/osgrep-core/internal/registry"
	"github.com/screenager/osgrep-core/internal/tui"
	"github.com/screenager/osgrep-core/internal/watcher"
)

var (
	defaultModelDir   = "./models"
	defaultOsgrepDir  = ".osgrep"
	defaultOrtLib     = "./lib/onnxruntime.so"
	defaultThreads    = 0
	defaultMaxFile    = 512
	defaultDenseRepo  = "dense"
	defaultColbertRep = "colbert"
)

func main() {
	root := &cobra.Command{
		Use:   "osgrep",
		Short: "Local semantic code search",
		Long:  "osgrep — offline semantic code search: a dense ANN first stage narrows candidates, a ColBERT-style late-interaction rerank orders them precisely.",
	}

	var cfg struct {
		ModelDir    string `toml:"model-dir"`
		OrtLib      string `toml:"ort-lib"`
		Threads     int    `toml:"threads"`
		MaxFileKB   int    `toml:"max-file-kb"`
		DenseRepo   string `toml:"dense-repo"`
		ColbertRepo string `toml:"colbert-repo"`
	}

	if b, err := os.ReadFile(".osgrep.toml"); err == nil {
		if err := toml.Unmarshal(b, &cfg); err == nil {
			if cfg.ModelDir != "" {
				defaultModelDir = cfg.ModelDir
			}
			if cfg.OrtLib != "" {
				defaultOrtLib = cfg.OrtLib
			}
			if cfg.Threads > 0 {
				defaultThreads = cfg.Threads
			}
			if cfg.MaxFileKB > 0 {
				defaultMaxFile = cfg.MaxFileKB
			}
			if cfg.DenseRepo != "" {
				defaultDenseRepo = cfg.DenseRepo
			}
			if cfg.ColbertRepo != "" {
				defaultColbertRep = cfg.ColbertRepo
			}
		}
	}

	var modelDir string
	var ortLib string
	var numThreads int
	var maxFileKB int
	var denseRepo string
	var colbertRepo string
	root.PersistentFlags().StringVar(&modelDir, "model-dir", defaultModelDir, "directory containing ONNX model artifacts, laid out as <dir>/<repo>/onnx/...")
	root.PersistentFlags().StringVar(&ortLib, "ort-lib", defaultOrtLib, "path to onnxruntime shared library (auto-detected if empty)")
	root.PersistentFlags().IntVar(&numThreads, "threads", defaultThreads, "ONNX intra-op thread count (0 = encoder default)")
	root.PersistentFlags().IntVar(&maxFileKB, "max-file-kb", defaultMaxFile, "skip indexing files larger than this (in KB)")
	root.PersistentFlags().StringVar(&denseRepo, "dense-repo", defaultDenseRepo, "dense-encoder artifact directory name under --model-dir")
	root.PersistentFlags().StringVar(&colbertRepo, "colbert-repo", defaultColbertRep, "late-interaction-encoder artifact directory name under --model-dir")

	// resolveOrtLib mirrors the fallback chain a bundled CLI build needs:
	// an explicit flag/config value wins, otherwise look next to the
	// executable, otherwise fall back to the configured default path.
	resolveOrtLib := func(flag string) string {
		if flag != "" {
			return flag
		}
		if exe, err := os.Executable(); err == nil {
			candidate := filepath.Join(filepath.Dir(exe), "lib", "onnxruntime.so")
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
		}
		if _, err := os.Stat(defaultOrtLib); err == nil {
			absPath, _ := filepath.Abs(defaultOrtLib)
			return absPath
		}
		return ""
	}

	// initModels configures the registry's artifact source and lazily loads
	// both encoder singletons, printing status so the user knows it isn't
	// stuck (model loading can take 1-4s on first run).
	initModels := func(ctx context.Context) error {
		registry.Configure(registry.Config{
			ArtifactSource: hub.NewLocalSource(modelDir),
			DenseThreads:   numThreads,
			ColbertThreads: numThreads,
			OrtLibPath:     resolveOrtLib(ortLib),
		})
		fmt.Fprint(os.Stderr, "Loading models… ")
		if err := osgrep.InitModels(ctx, denseRepo, colbertRepo); err != nil {
			fmt.Fprintln(os.Stderr, "")
			return err
		}
		fmt.Fprintln(os.Stderr, "ready.")
		return nil
	}

	openIndex := func(ctx context.Context) (*corpus.Index, error) {
		if err := initModels(ctx); err != nil {
			return nil, err
		}
		return corpus.Open(defaultOsgrepDir, maxFileKB)
	}

	// indexDirs indexes directories using ctx for cancellation.
	// IMPORTANT: ONNX Run() is a blocking CGo call that Go cannot preempt.
	// We start a hard-exit goroutine so Ctrl+C always terminates the process
	// after a grace period. A "done" channel cancels the goroutine on clean
	// exit so the interrupt message never prints spuriously.
	indexDirs := func(ctx context.Context, idx *corpus.Index, dirs []string) error {
		done := make(chan struct{})
		defer close(done)

		go func() {
			select {
			case <-done:
				return
			case <-ctx.Done():
				fmt.Fprintln(os.Stderr, "\n[osgrep] stopping — waiting up to 1s for current encode to finish…")
				select {
				case <-done:
					return
				case <-time.After(time.Second):
					fmt.Fprintln(os.Stderr, "[osgrep] exiting.")
					os.Exit(130)
				}
			}
		}()

		prog := makeProgressPrinter()
		for _, dir := range dirs {
			fmt.Fprintf(os.Stderr, "Scanning %s…\n", dir)
			err := idx.IndexDirWithProgress(ctx, dir, prog)
			if err != nil {
				if isInterrupted(err) {
					fmt.Fprintln(os.Stderr, "\nInterrupted — saving partial index…")
					return nil
				}
				return err
			}
		}
		return nil
	}

	// ---- osgrep index <dir> ------------------------------------------------
	root.AddCommand(&cobra.Command{
		Use:   "index <dir> [dir...]",
		Short: "Index all supported files in a directory",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			idx, err := openIndex(ctx)
			if err != nil {
				return err
			}
			defer idx.Close()

			if err := indexDirs(ctx, idx, args); err != nil {
				return err
			}
			if err := idx.Flush(); err != nil {
				return err
			}
			s := idx.Stats()
			fmt.Fprintf(os.Stderr, "Done. %d chunks from %d files indexed.\n", s.NumChunks, s.NumFiles)
			return nil
		},
	})

	// ---- osgrep search <query> ---------------------------------------------
	var jsonExport bool
	searchCmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Non-interactive two-stage semantic search",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			query := strings.Join(args, " ")

			idx, err := openIndex(ctx)
			if err != nil {
				return err
			}
			defer idx.Close()

			results, err := idx.Search(query, 10)
			if err != nil {
				return err
			}
			if len(results) == 0 {
				if jsonExport {
					fmt.Println("[]")
				} else {
					fmt.Println("no results")
				}
				return nil
			}
			if jsonExport {
				j, err := json.MarshalIndent(results, "", "  ")
				if err != nil {
					return fmt.Errorf("marshal json: %w", err)
				}
				fmt.Println(string(j))
				return nil
			}
			for i, r := range results {
				fmt.Printf("%2d  dense=%.3f maxsim=%.3f  %s:%d\n    %s\n\n",
					i+1, r.DenseScore, r.MaxSim, r.Meta.Path, r.Meta.LineNum, r.Meta.Text)
			}
			return nil
		},
	}
	searchCmd.Flags().BoolVar(&jsonExport, "json", false, "output search results as JSON")
	root.AddCommand(searchCmd)

	// ---- osgrep rerank <query> -- <candidate docs> -------------------------
	rerankCmd := &cobra.Command{
		Use:   "rerank <query> -- <doc1> [doc2...]",
		Short: "Rerank a fixed list of candidate texts against a query with ColBERT MaxSim",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			if err := initModels(ctx); err != nil {
				return err
			}

			query := args[0]
			docs := args[1:]

			packed, err := osgrep.EmbedColbertPacked(ctx, docs)
			if err != nil {
				return err
			}
			queryVec, err := osgrep.EncodeQueryColbert(ctx, query)
			if err != nil {
				return err
			}
			candidateIndices := make([]uint32, len(docs))
			for i := range docs {
				candidateIndices[i] = uint32(i)
			}
			result, err := osgrep.RerankColbert(ctx, queryVec, packed, candidateIndices, uint32(len(docs)))
			if err != nil {
				return err
			}
			for rank, idx := range result.Indices {
				fmt.Printf("%2d  maxsim=%.3f  %s\n", rank+1, result.Scores[rank], docs[idx])
			}
			fmt.Printf("\nchecksum: %.6f\n", result.Checksum)
			return nil
		},
	}
	root.AddCommand(rerankCmd)

	// ---- osgrep watch <dir> -------------------------------------------------
	root.AddCommand(&cobra.Command{
		Use:   "watch <dir> [dir...]",
		Short: "Index a directory then watch it for changes",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			idx, err := openIndex(ctx)
			if err != nil {
				return err
			}
			defer idx.Close()

			if err := indexDirs(ctx, idx, args); err != nil {
				return err
			}
			if err := idx.Flush(); err != nil {
				return err
			}
			s := idx.Stats()
			fmt.Fprintf(os.Stderr, "Done. %d chunks indexed. Watching for changes… (Ctrl+C to stop)\n", s.NumChunks)

			w, err := watcher.New(idx)
			if err != nil {
				return err
			}

			done := make(chan struct{})
			go func() {
				<-ctx.Done()
				close(done)
			}()

			for _, dir := range args {
				go func(d string) {
					if err := w.Watch(d, done); err != nil {
						fmt.Fprintf(os.Stderr, "watch error %s: %v\n", d, err)
					}
				}(dir)
			}
			<-done
			return nil
		},
	})

	// ---- osgrep tui ----------------------------------------------------------
	root.AddCommand(&cobra.Command{
		Use:   "tui",
		Short: "Launch interactive BubbleTea search interface",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			idx, err := openIndex(ctx)
			if err != nil {
				return err
			}
			defer idx.Close()

			m := tui.New(idx)
			p := tea.NewProgram(m, tea.WithAltScreen())
			_, err = p.Run()
			return err
		},
	})

	// ---- osgrep stats --------------------------------------------------------
	root.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show index statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			idx, err := openIndex(ctx)
			if err != nil {
				return err
			}
			defer idx.Close()

			s := idx.Stats()
			fmt.Printf("chunks:    %d\n", s.NumChunks)
			fmt.Printf("files:     %d\n", s.NumFiles)
			fmt.Printf("size:      %d KB\n", s.IndexSizeKB)
			if !s.LastUpdated.IsZero() {
				fmt.Printf("updated:   %s\n", s.LastUpdated.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	})

	// ---- osgrep clear --------------------------------------------------------
	var forceFlag bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove the osgrep index (.osgrep/ directory)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(defaultOsgrepDir); os.IsNotExist(err) {
				fmt.Println("No index found — nothing to clear.")
				return nil
			}
			if !forceFlag {
				fmt.Printf("Remove %s? This cannot be undone. [y/N] ", defaultOsgrepDir)
				var ans string
				fmt.Scanln(&ans)
				if ans != "y" && ans != "Y" {
					fmt.Println("Aborted.")
					return nil
				}
			}
			if err := os.RemoveAll(defaultOsgrepDir); err != nil {
				return fmt.Errorf("clear: %w", err)
			}
			fmt.Println("Index cleared.")
			return nil
		},
	}
	clearCmd.Flags().BoolVar(&forceFlag, "force", false, "skip confirmation prompt")
	root.AddCommand(clearCmd)

	// ---- osgrep rebuild -------------------------------------------------------
	root.AddCommand(&cobra.Command{
		Use:   "rebuild <dir> [dir...]",
		Short: "Wipe and rebuild the index from scratch (ignores mtime cache)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			idx, err := openIndex(ctx)
			if err != nil {
				return err
			}
			defer idx.Close()

			for _, dir := range args {
				fmt.Fprintf(os.Stderr, "Rebuilding index for %s…\n", dir)
				if err := idx.RebuildFromDir(ctx, dir); err != nil {
					if !isInterrupted(err) {
						return err
					}
					fmt.Fprintln(os.Stderr, "\nInterrupted — saving partial index…")
				}
			}
			if err := idx.Flush(); err != nil {
				return err
			}
			s := idx.Stats()
			fmt.Fprintf(os.Stderr, "Done. %d chunks from %d files.\n", s.NumChunks, s.NumFiles)
			return nil
		},
	})

	// ---- osgrep bench --------------------------------------------------------
	root.AddCommand(&cobra.Command{
		Use:   "bench",
		Short: "Benchmark tokenizer and ONNX inference speed for both encoders on this machine",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			if err := initModels(ctx); err != nil {
				return err
			}

			texts := []struct {
				label string
				text  string
			}{
				{"short (9 words)  ", "the quick brown fox jumps over the lazy dog"},
				{"medium (200 words)", strings.Repeat("the quick brown fox ", 50)},
				{"long (180 words) ", strings.Repeat("the quick brown fox jumps over the lazy dog. ", 20)},
			}

			fmt.Printf("\n%-20s  %12s  %12s\n", "text size", "dense", "colbert")
			fmt.Println(strings.Repeat("─", 50))
			for _, tc := range texts {
				var denseDur, colbertDur time.Duration
				err := registry.WithDense(func(enc *denseenc.Encoder) error {
					start := time.Now()
					_, err := enc.EncodeBatch([]string{tc.text}, true)
					denseDur = time.Since(start)
					return err
				})
				if err != nil {
					return fmt.Errorf("bench dense %s: %w", tc.label, err)
				}
				err = registry.WithColbert(func(enc *colbert.Encoder) error {
					start := time.Now()
					_, err := enc.EncodeDocs([]string{tc.text})
					colbertDur = time.Since(start)
					return err
				})
				if err != nil {
					return fmt.Errorf("bench colbert %s: %w", tc.label, err)
				}
				fmt.Printf("%-20s  %12s  %12s\n", tc.label,
					denseDur.Round(time.Millisecond), colbertDur.Round(time.Millisecond))
			}
			fmt.Printf("\nIf inference is slow, try: osgrep --threads 1 index <dir>\n")
			fmt.Printf("Set OSGREP_DEBUG=1 for per-batch timing during indexing.\n")
			return nil
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// isInterrupted returns true if err indicates a context cancellation or deadline.
func isInterrupted(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// makeProgressPrinter returns a ProgressFunc that prints a compact progress line.
// Skipped files (mtime cache hit) are shown with · instead of a percentage.
func makeProgressPrinter() corpus.ProgressFunc {
	return func(done, total int, path string, skipped bool) {
		short := filepath.Base(filepath.Dir(path)) + "/" + filepath.Base(path)
		if skipped {
			fmt.Fprintf(os.Stderr, "\r  [%d/%d]  ·   %-50s", done, total, short)
		} else {
			pct := 100 * done / total
			if done < total {
				fmt.Fprintf(os.Stderr, "\r  [%d/%d] %3d%%  %-50s",
					done, total, pct, short)
			} else {
				fmt.Fprintf(os.Stderr, "\r  [%d/%d] 100%%  %-50s\n",
					done, total, short)
			}
		}
	}
}
