package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/vonshlovens/picarchive/internal/config"
	"github.com/vonshlovens/picarchive/internal/importer"
	"github.com/vonshlovens/picarchive/internal/remote"
	"github.com/vonshlovens/picarchive/internal/store"
	"github.com/vonshlovens/picarchive/internal/sync"
	"github.com/vonshlovens/picarchive/internal/tagger"
	"github.com/vonshlovens/picarchive/internal/thumbs"
	"github.com/vonshlovens/picarchive/internal/watcher"
)

var (
	cfgFile string
	verbose bool
	version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "picarchive",
		Short:   "Personal archive for AI-generated images",
		Long:    `Synchronizes a remote image library into a local gallery, imports local files, and maintains metadata, thumbnails, and AI tags.`,
		Version: version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Setup logging
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: level,
			})))
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(
		syncCmd(),
		importCmd(),
		thumbsCmd(),
		tagCmd(),
		migrateCmd(),
		statusCmd(),
		watchCmd(),
		initCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// buildTagger returns the AI collaborator, or nil when no API key is
// configured and the caller treats tagging as optional.
func buildTagger(cfg *config.Config) *tagger.Tagger {
	t, err := tagger.New(cfg.Tagging)
	if err != nil {
		slog.Debug("AI tagging unavailable", "error", err)
		return nil
	}
	return t
}

// promptReauth asks the user to refresh the auth headers in the config
// file and reloads them, so an expired token pauses the run instead of
// killing it.
func promptReauth() (map[string]string, error) {
	fmt.Println("The remote API rejected the configured credentials.")
	fmt.Print("Update api.headers in the config file, then press Enter to retry (or type 'n' to stop): ")

	reader := bufio.NewReader(os.Stdin)
	answer, _ := reader.ReadString('\n')
	if strings.EqualFold(strings.TrimSpace(answer), "n") {
		return nil, fmt.Errorf("re-authentication declined")
	}

	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return cfg.API.Headers, nil
}

func promptConfirm(message string) bool {
	fmt.Printf("%s [y/N]: ", message)
	reader := bufio.NewReader(os.Stdin)
	answer, _ := reader.ReadString('\n')
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Fetch new images from the remote library",
		Long:  `Pages through the remote image inventory, downloads anything not yet archived, and updates metadata and thumbnails.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.API.URL == "" {
				return fmt.Errorf("no API URL configured (set api.url)")
			}

			client := remote.NewClient(cfg.API.URL, cfg.API.Headers,
				time.Duration(cfg.API.TimeoutSeconds)*time.Second)

			var aiTagger sync.Tagger
			if cfg.Sync.TagNew {
				if t := buildTagger(cfg); t != nil {
					aiTagger = t
				} else {
					slog.Warn("tag_new is set but no tagging API key is configured")
				}
			}

			engine := sync.NewEngine(client, cfg, nil, aiTagger, promptReauth)
			result, err := engine.Run(context.Background())
			if result != nil {
				fmt.Printf("Sync finished: %d new images across %d pages", result.NewRecords, result.Pages)
				if len(result.Failures) > 0 {
					fmt.Printf(", %d failed", len(result.Failures))
				}
				if result.Tagged > 0 {
					fmt.Printf(", %d tagged", result.Tagged)
				}
				fmt.Println()
			}
			return err
		},
	}
}

func importCmd() *cobra.Command {
	var (
		copyFiles bool
		recursive bool
		title     string
		tags      []string
		links     []string
		aiRename  bool
		tagNew    bool
	)

	cmd := &cobra.Command{
		Use:   "import <file|dir>...",
		Short: "Import local image files into the gallery",
		Long:  `Moves (or copies) local images into the gallery under unique slugged names and records them in the metadata store.`,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			var namer importer.Namer
			var aiTagger importer.Tagger
			if aiRename || tagNew {
				t := buildTagger(cfg)
				if t == nil {
					return fmt.Errorf("AI options require a tagging API key (set tagging.api_key)")
				}
				namer, aiTagger = t, t
			}

			engine := importer.NewEngine(cfg, namer, aiTagger)
			records, err := engine.Run(context.Background(), importer.Options{
				Inputs:            args,
				CopyFiles:         copyFiles,
				Recursive:         recursive,
				Title:             title,
				Tags:              tags,
				ConversationLinks: links,
				AIRename:          aiRename,
				TagNew:            tagNew,
				Confirm: func(count int) bool {
					return promptConfirm(fmt.Sprintf("Import %d file(s) into %s?", count, cfg.GalleryRoot))
				},
			})
			if err != nil {
				return err
			}

			fmt.Printf("Imported %d image(s).\n", len(records))
			return nil
		},
	}

	cmd.Flags().BoolVar(&copyFiles, "copy", false, "copy files instead of moving them")
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "descend into directories")
	cmd.Flags().StringVar(&title, "title", "", "title for the imported images")
	cmd.Flags().StringArrayVarP(&tags, "tag", "t", nil, "tag to assign (repeatable, comma lists allowed)")
	cmd.Flags().StringArrayVar(&links, "link", nil, "conversation link, one per file input")
	cmd.Flags().BoolVar(&aiRename, "ai-rename", false, "ask the AI collaborator for filename slugs")
	cmd.Flags().BoolVar(&tagNew, "tag-new", false, "tag imported images with the AI collaborator")

	return cmd
}

func thumbsCmd() *cobra.Command {
	var (
		force   bool
		workers int
	)

	cmd := &cobra.Command{
		Use:   "thumbs",
		Short: "Regenerate missing or outdated thumbnails",
		Long:  `Ensures every archived image has thumbnails in all size buckets, regenerating in parallel.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			root := cfg.GalleryRoot

			// The regeneration path always observes a unified layout.
			if migrated, err := store.Migrate(root); err != nil {
				return err
			} else if migrated > 0 {
				slog.Info("consolidated legacy metadata", "records", migrated)
			}

			records, err := store.Load(root)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Println("No images archived yet.")
				return nil
			}

			if workers == 0 {
				workers = cfg.Thumbs.Workers
			}

			bar := progressbar.NewOptions(len(records),
				progressbar.OptionSetDescription("Generating thumbnails"),
				progressbar.OptionShowCount(),
				progressbar.OptionSetWidth(40),
				progressbar.OptionClearOnFinish(),
			)
			result, err := thumbs.Ensure(root, records, thumbs.Options{
				Force:   force,
				Workers: workers,
				OnStatus: func(event thumbs.Event) {
					bar.Add(1)
				},
			})
			bar.Finish()
			if err != nil {
				return err
			}

			if result.Updated {
				if err := store.Save(root, records); err != nil {
					return err
				}
			}

			fmt.Printf("Processed %d image(s)", len(result.Processed))
			if len(result.Failures) > 0 {
				fmt.Printf(", %d failed", len(result.Failures))
				for _, failure := range result.Failures {
					slog.Warn("thumbnail failed", "filename", failure.Filename, "error", failure.Err)
				}
			}
			fmt.Println()
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "regenerate even when thumbnails exist")
	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "worker count (default from config)")

	return cmd
}

func tagCmd() *cobra.Command {
	var (
		ids       []string
		all       bool
		removeIDs []string
		removeAll bool
	)

	cmd := &cobra.Command{
		Use:   "tag",
		Short: "Assign or remove AI-generated tags",
		Long:  `Sends archived images to the AI collaborator for tagging, or strips tags without contacting it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			root := cfg.GalleryRoot

			records, err := store.Load(root)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Println("No images archived yet.")
				return nil
			}

			if removeAll || len(removeIDs) > 0 {
				updated := tagger.RemoveTags(records, idSet(removeIDs), removeAll)
				if err := store.Save(root, records); err != nil {
					return err
				}
				fmt.Printf("Removed tags from %d image(s).\n", updated)
				return nil
			}

			t, err := tagger.New(cfg.Tagging)
			if err != nil {
				return err
			}

			// With explicit ids, re-tag them; otherwise visit untagged
			// records only unless --all is given.
			updated, err := t.TagRecords(context.Background(), root, records, idSet(ids), all)
			if err != nil {
				return err
			}
			if updated > 0 {
				if err := store.Save(root, records); err != nil {
					return err
				}
			}

			fmt.Printf("Tagged %d image(s).\n", updated)
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&ids, "ids", nil, "tag only these record ids")
	cmd.Flags().BoolVar(&all, "all", false, "re-tag every record, not just untagged ones")
	cmd.Flags().StringSliceVar(&removeIDs, "remove-ids", nil, "remove tags from these record ids")
	cmd.Flags().BoolVar(&removeAll, "remove-all", false, "remove tags from every record")

	return cmd
}

func idSet(ids []string) map[string]struct{} {
	if len(ids) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Consolidate a legacy per-version layout",
		Long:  `Merges old v1/, v2/, ... gallery directories into the unified store. A no-op on already-unified galleries.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			migrated, err := store.Migrate(cfg.GalleryRoot)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			if migrated == 0 {
				fmt.Println("No legacy layout found, nothing to do.")
				return nil
			}
			fmt.Printf("Migrated %d record(s) into the unified store.\n", migrated)
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show gallery and store info",
		Long:  `Shows record counts, tag and thumbnail coverage, and the last time the store changed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			root := cfg.GalleryRoot

			records, err := store.Load(root)
			if err != nil {
				return err
			}

			tagged := 0
			thumbed := 0
			for _, rec := range records {
				if len(rec.Tags) > 0 {
					tagged++
				}
				if rec.Thumbnail != "" {
					if _, err := os.Stat(filepath.Join(root, filepath.FromSlash(rec.Thumbnail))); err == nil {
						thumbed++
					}
				}
			}

			fmt.Println("=== Picarchive Status ===")
			fmt.Printf("Gallery Root: %s\n", root)
			fmt.Printf("Images: %d\n", len(records))
			fmt.Printf("  Tagged: %d\n", tagged)
			fmt.Printf("  With thumbnails: %d\n", thumbed)
			if info, err := os.Stat(store.MetadataPath(root)); err == nil {
				fmt.Printf("Last store update: %s\n", info.ModTime().Format(time.RFC3339))
			}
			if legacy, _ := store.DetectLegacy(root); len(legacy) > 0 {
				fmt.Printf("Legacy directories pending migration: %d (run 'picarchive migrate')\n", len(legacy))
			}
			return nil
		},
	}
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Watch the inbox directory and import arrivals",
		Long:  `Runs until interrupted, importing image files dropped into the configured inbox directory.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			// The inbox path is hands-free: no confirmation gate, no AI
			// options, move semantics.
			inbox, err := watcher.NewInbox(cfg, importer.NewEngine(cfg, nil, nil))
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				slog.Info("shutting down...")
				cancel()
			}()

			fmt.Printf("Watching %s for new images. Press Ctrl+C to stop.\n", cfg.Import.InboxDir)
			return inbox.Run(ctx)
		},
	}
}

// starterConfig mirrors the config file layout for the generated starter
// file; only the keys a new user has to think about are emitted.
type starterConfig struct {
	GalleryRoot string `yaml:"gallery_root"`
	API         struct {
		URL     string            `yaml:"url"`
		Headers map[string]string `yaml:"headers"`
	} `yaml:"api"`
	Sync struct {
		DownloadWorkers int  `yaml:"download_workers"`
		PageDelayMs     int  `yaml:"page_delay_ms"`
		TagNew          bool `yaml:"tag_new"`
	} `yaml:"sync"`
	Tagging struct {
		APIKey string `yaml:"api_key"`
		Model  string `yaml:"model"`
	} `yaml:"tagging"`
	Import struct {
		InboxDir string `yaml:"inbox_dir"`
	} `yaml:"import"`
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Interactive setup to create a config file",
		Long:  `Interactively creates a starter configuration file in the user config directory.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			reader := bufio.NewReader(os.Stdin)
			defaults := config.DefaultConfig()

			fmt.Println("=== Picarchive Setup ===")
			fmt.Println()

			fmt.Printf("Gallery root [%s]: ", defaults.GalleryRoot)
			galleryRoot, _ := reader.ReadString('\n')
			galleryRoot = strings.TrimSpace(galleryRoot)
			if galleryRoot == "" {
				galleryRoot = defaults.GalleryRoot
			}

			fmt.Print("Remote inventory API URL (empty to skip remote sync): ")
			apiURL, _ := reader.ReadString('\n')
			apiURL = strings.TrimSpace(apiURL)

			var authHeader string
			if apiURL != "" {
				fmt.Print("Authorization header value (e.g. \"Bearer ...\"): ")
				authHeader, _ = reader.ReadString('\n')
				authHeader = strings.TrimSpace(authHeader)
			}

			starter := starterConfig{GalleryRoot: galleryRoot}
			starter.API.URL = apiURL
			if authHeader != "" {
				starter.API.Headers = map[string]string{"Authorization": authHeader}
			}
			starter.Sync.DownloadWorkers = defaults.Sync.DownloadWorkers
			starter.Sync.PageDelayMs = defaults.Sync.PageDelayMs
			starter.Tagging.APIKey = "${OPENAI_API_KEY}"
			starter.Tagging.Model = defaults.Tagging.Model
			starter.Import.InboxDir = filepath.Join(galleryRoot, "inbox")

			content, err := yaml.Marshal(&starter)
			if err != nil {
				return fmt.Errorf("failed to serialize config: %w", err)
			}

			configDir, err := config.GetConfigDir()
			if err != nil {
				return err
			}
			configPath := filepath.Join(configDir, "config.yaml")
			if err := os.WriteFile(configPath, content, 0600); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}

			fmt.Printf("\nConfig file written to: %s\n", configPath)
			fmt.Println("\nTo fetch your remote library, run: picarchive sync")
			fmt.Println("To import local files, run: picarchive import <files>")
			fmt.Println("To watch the inbox, run: picarchive watch")
			return nil
		},
	}
}
