package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/photolala/catalog/internal/catalog"
	"github.com/photolala/catalog/internal/remote"
	"github.com/photolala/catalog/internal/utils"
	"github.com/photolala/catalog/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	home, _        = os.UserHomeDir()
	configFileName = "config"
)

var (
	green = color.New(color.FgHiGreen).SprintFunc()
	cyan  = color.New(color.FgHiCyan).SprintFunc()
)

var rootCmd = &cobra.Command{
	Use:           "photolala",
	Short:         "Photolala photo catalog",
	Version:       version.Detailed(),
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig(cmd)
	},
}

func serviceConfig() catalog.Config {
	return catalog.Config{
		Directory:      viper.GetString("directory"),
		CacheRoot:      viper.GetString("cache_dir"),
		Workers:        viper.GetInt("workers"),
		IgnorePatterns: viper.GetStringSlice("ignore"),
		SnapshotKeep:   viper.GetInt("snapshot_keep"),
	}
}

func openService(ctx context.Context) (*catalog.Service, error) {
	svc, err := catalog.NewService(serviceConfig())
	if err != nil {
		return nil, err
	}
	if err := svc.Initialize(ctx); err != nil {
		return nil, err
	}
	return svc, nil
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan the directory and build the catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openService(cmd.Context())
		if err != nil {
			return err
		}
		defer svc.Close()

		recursive, _ := cmd.Flags().GetBool("recursive")
		immediate, _ := cmd.Flags().GetBool("immediate")
		result, err := svc.ScanAndBuild(cmd.Context(), recursive, immediate)
		if err != nil {
			return err
		}

		stats, err := svc.Statistics()
		if err != nil {
			return err
		}
		fmt.Printf("%s scanned %d files (%d corrupt), catalog %s\n",
			green("ok"), result.Scanned, len(result.Corrupt), stats)
		fmt.Printf("snapshot %s\n", cyan(result.Snapshot))
		return nil
	},
}

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Detect and apply directory changes incrementally",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openService(cmd.Context())
		if err != nil {
			return err
		}
		defer svc.Close()

		recursive, _ := cmd.Flags().GetBool("recursive")
		cs, err := svc.DetectAndApplyChanges(cmd.Context(), recursive)
		if err != nil {
			return err
		}
		fmt.Printf("%s changes %s\n", green("ok"), cs)
		return nil
	},
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Manage catalog snapshots",
}

var snapshotCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Write a new snapshot of the current catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openService(cmd.Context())
		if err != nil {
			return err
		}
		defer svc.Close()

		checksum, err := svc.CreateSnapshot(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Println(checksum)
		return nil
	},
}

var snapshotListCmd = &cobra.Command{
	Use:   "list",
	Short: "List snapshot history",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openService(cmd.Context())
		if err != nil {
			return err
		}
		defer svc.Close()

		infos, err := svc.ListSnapshots()
		if err != nil {
			return err
		}
		active := svc.ActiveSnapshot()
		for _, info := range infos {
			marker := " "
			if info.Checksum == active {
				marker = "*"
			}
			fmt.Printf("%s %s  %s  %d photos\n", marker, info.Checksum,
				info.Modified.Format("2006-01-02 15:04:05"), info.PhotoCount)
		}
		return nil
	},
}

var snapshotLoadCmd = &cobra.Command{
	Use:   "load <checksum>",
	Short: "Rebuild the working catalog from an older snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openService(cmd.Context())
		if err != nil {
			return err
		}
		defer svc.Close()
		return svc.LoadSnapshot(cmd.Context(), args[0])
	},
}

var duplicatesCmd = &cobra.Command{
	Use:   "duplicates",
	Short: "Find photos with identical content",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openService(cmd.Context())
		if err != nil {
			return err
		}
		defer svc.Close()

		groups, err := svc.FindDuplicates()
		if err != nil {
			return err
		}
		verify, _ := cmd.Flags().GetBool("verify")
		for _, group := range groups {
			fmt.Printf("%s\n", cyan(group.ContentHash))
			if verify {
				members, err := svc.VerifyDuplicates(cmd.Context(), group)
				if err != nil {
					return err
				}
				for _, m := range members {
					if m.Valid {
						fmt.Printf("  %s\n", m.Entry.Filename)
					} else {
						fmt.Printf("  %s (%s)\n", m.Entry.Filename, m.Reason)
					}
				}
				continue
			}
			for _, e := range group.Entries {
				fmt.Printf("  %s\n", e.Filename)
			}
		}
		if len(groups) == 0 {
			fmt.Println("no duplicates")
		}
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Sync the catalog with the remote store",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openService(cmd.Context())
		if err != nil {
			return err
		}
		defer svc.Close()

		store, user, err := buildObjectStore(cmd.Context())
		if err != nil {
			return err
		}

		layout := svc.Layout()
		syncer, err := remote.NewSyncer(store, user,
			filepath.Join(layout.CacheDir(), "remote-catalog"), layout.SyncDir())
		if err != nil {
			return err
		}

		force, _ := cmd.Flags().GetBool("force")
		if push, _ := cmd.Flags().GetBool("push"); push {
			checksum := svc.ActiveSnapshot()
			if checksum == "" {
				return errors.New("nothing to push: no snapshot yet")
			}
			result, err := syncer.Push(cmd.Context(), filepath.Join(layout.CacheSnapshotsDir(), checksum))
			if err != nil {
				return err
			}
			fmt.Printf("%s pushed %d shards (%d unchanged)\n",
				green("ok"), len(result.UploadedShards), len(result.Unchanged))
			return nil
		}

		result, err := syncer.Sync(cmd.Context(), force)
		if err != nil {
			return err
		}
		if result.Skipped {
			fmt.Println("up to date")
			return nil
		}
		fmt.Printf("%s downloaded %d shards (%d reused), %d photos\n",
			green("ok"), len(result.DownloadedShards), len(result.CopiedForward), result.PhotoCount)
		return nil
	},
}

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Prune old snapshots and sync staging leftovers",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openService(cmd.Context())
		if err != nil {
			return err
		}
		defer svc.Close()

		keep, _ := cmd.Flags().GetInt("keep")
		removed, err := svc.CleanOldSnapshots(keep)
		if err != nil {
			return err
		}
		if err := svc.CleanCache(); err != nil {
			return err
		}
		fmt.Printf("%s pruned %d snapshots\n", green("ok"), removed)
		return nil
	},
}

func buildObjectStore(ctx context.Context) (remote.ObjectStore, string, error) {
	user := viper.GetString("user")
	if user == "" {
		return nil, "", errors.New("user is required for sync (--user or PHOTOLALA_USER)")
	}
	store, err := remote.NewS3StoreWithConfig(ctx, &remote.S3Config{
		BucketName: viper.GetString("bucket"),
		Region:     viper.GetString("region"),
		AccessKey:  viper.GetString("access_key"),
		SecretKey:  viper.GetString("secret_key"),
		Endpoint:   viper.GetString("endpoint"),
	})
	if err != nil {
		return nil, "", err
	}
	return store, user, nil
}

func init() {
	rootCmd.PersistentFlags().SortFlags = false
	rootCmd.PersistentFlags().StringP("directory", "d", ".", "Photo directory")
	rootCmd.PersistentFlags().String("cache-dir", "", "Cache directory (defaults to the user cache dir)")
	rootCmd.PersistentFlags().Int("workers", catalog.DefaultDigestWorkers, "Digest worker count")
	rootCmd.PersistentFlags().StringP("config", "c", "", "Config file")

	scanCmd.Flags().BoolP("recursive", "r", true, "Scan subdirectories")
	scanCmd.Flags().Bool("immediate", false, "Digest files while the scan streams")
	updateCmd.Flags().BoolP("recursive", "r", true, "Scan subdirectories")
	duplicatesCmd.Flags().Bool("verify", false, "Re-check groups against live files")
	syncCmd.Flags().Bool("force", false, "Ignore the change-token short circuit")
	syncCmd.Flags().Bool("push", false, "Upload the active snapshot instead of downloading")
	syncCmd.Flags().String("user", "", "Remote user id")
	syncCmd.Flags().String("bucket", "photolala-dev", "S3 bucket")
	syncCmd.Flags().String("region", "us-east-1", "S3 region")
	syncCmd.Flags().String("endpoint", "", "Custom S3 endpoint")
	cleanCmd.Flags().Int("keep", 0, "Snapshots to keep (0 = configured default)")

	snapshotCmd.AddCommand(snapshotCreateCmd, snapshotListCmd, snapshotLoadCmd)
	rootCmd.AddCommand(scanCmd, updateCmd, snapshotCmd, duplicatesCmd, syncCmd, cleanCmd)
}

func main() {
	logDir := filepath.Join(home, ".photolala", "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create log directory: %v\n", err)
		os.Exit(1)
	}

	logPath := filepath.Join(logDir, "photolala.log")
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
		os.Exit(1)
	}
	defer file.Close()

	stdoutHandler := tint.NewHandler(os.Stderr, &tint.Options{
		Level:      slog.LevelInfo,
		TimeFormat: "15:04:05.000",
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
	})
	fileHandler := slog.NewTextHandler(file, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})
	slog.SetDefault(slog.New(utils.NewMultiLogHandler(stdoutHandler, fileHandler)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) error {
	if cmd.Flags().Changed("config") {
		configFilePath, _ := cmd.Flags().GetString("config")
		viper.SetConfigFile(configFilePath)
	} else {
		viper.AddConfigPath(filepath.Join(home, ".photolala"))
		viper.AddConfigPath(filepath.Join(home, ".config/photolala"))
		viper.SetConfigName(configFileName)
		viper.SetConfigType("yaml")
	}

	if err := viper.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		_, ok := err.(viper.ConfigFileNotFoundError)
		if !enoent && !ok {
			return fmt.Errorf("config read '%s': %w", viper.ConfigFileUsed(), err)
		}
	}

	viper.BindPFlag("directory", cmd.Flags().Lookup("directory"))
	viper.BindPFlag("cache_dir", cmd.Flags().Lookup("cache-dir"))
	viper.BindPFlag("workers", cmd.Flags().Lookup("workers"))
	if f := cmd.Flags().Lookup("user"); f != nil {
		viper.BindPFlag("user", f)
		viper.BindPFlag("bucket", cmd.Flags().Lookup("bucket"))
		viper.BindPFlag("region", cmd.Flags().Lookup("region"))
		viper.BindPFlag("endpoint", cmd.Flags().Lookup("endpoint"))
	}

	viper.SetEnvPrefix("PHOTOLALA")
	viper.AutomaticEnv()

	return nil
}
