package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/mealtrace/mealtrace/internal/config"
	"github.com/mealtrace/mealtrace/internal/dialogue"
	"github.com/mealtrace/mealtrace/internal/logging"
	"github.com/mealtrace/mealtrace/internal/record"
	"github.com/mealtrace/mealtrace/internal/search"
	"github.com/mealtrace/mealtrace/internal/store"
)

var (
	flagDataDir string
	flagUser    string
	flagLimit   int
	flagOffset  int
	flagFrom    string
	flagTo      string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
	logging.Shutdown()
}

var rootCmd = &cobra.Command{
	Use:   "mealtrace",
	Short: "Inspect and repair mealtrace user data",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(config.ConfigDir())
		if err != nil {
			return err
		}
		if flagDataDir == "" {
			flagDataDir = config.ExpandTilde(cfg.DataDir)
		}
		logging.Init(logging.Config{
			LogDir:     config.ConfigDir(),
			Level:      cfg.Logging.Level,
			Format:     cfg.Logging.Format,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAgeDays: cfg.Logging.MaxAgeDays,
		})
		return nil
	},
}

func newRecordService() *record.Service {
	return record.NewService(store.New(flagDataDir))
}

func openDialogues() (*dialogue.Store, error) {
	if flagUser == "" {
		return nil, fmt.Errorf("--user is required")
	}
	return dialogue.Open(flagDataDir, flagUser)
}

func requireUser() error {
	if flagUser == "" {
		return fmt.Errorf("--user is required")
	}
	return nil
}

// emit prints results as indented JSON on a terminal and compact JSON
// lines otherwise, so output pipes cleanly into jq and friends.
func emit(v any) error {
	enc := json.NewEncoder(os.Stdout)
	if term.IsTerminal(int(os.Stdout.Fd())) {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}

func parseDay(s string) (time.Time, error) {
	t, err := time.ParseInLocation("2006-01-02", s, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q (want YYYY-MM-DD): %w", s, err)
	}
	return t, nil
}

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "Query event records in a business-time range",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireUser(); err != nil {
			return err
		}
		start, err := parseDay(flagFrom)
		if err != nil {
			return err
		}
		end, err := parseDay(flagTo)
		if err != nil {
			return err
		}
		// --to names the last included day.
		end = end.AddDate(0, 0, 1)

		records, err := newRecordService().UnifiedRecordsRange(flagUser, start, end)
		if err != nil {
			return err
		}
		return emit(records)
	},
}

var searchCmd = &cobra.Command{
	Use:       "search [products|dishes|cards|dialogues] <query>",
	Short:     "Fuzzy lookup over libraries, cards, and dialogues",
	Args:      cobra.RangeArgs(1, 2),
	ValidArgs: []string{"products", "dishes", "cards", "dialogues"},
	RunE: func(cmd *cobra.Command, args []string) error {
		query := ""
		if len(args) > 1 {
			query = args[1]
		}

		dlg, err := openDialogues()
		if err != nil {
			return err
		}
		defer dlg.Close()
		ix := search.New(newRecordService(), dlg, flagUser, search.DefaultOptions())

		switch args[0] {
		case "products":
			results, err := ix.SearchProducts(query, flagLimit)
			if err != nil {
				return err
			}
			return emit(results)
		case "dishes":
			results, err := ix.SearchDishes(query, flagLimit)
			if err != nil {
				return err
			}
			return emit(results)
		case "cards":
			results, err := ix.SearchCards(query, flagLimit)
			if err != nil {
				return err
			}
			return emit(results)
		case "dialogues":
			results, err := ix.SearchDialogues(query, flagLimit)
			if err != nil {
				return err
			}
			return emit(results)
		default:
			return fmt.Errorf("unknown search kind %q", args[0])
		}
	},
}

var dialoguesCmd = &cobra.Command{
	Use:   "dialogues",
	Short: "List dialogues, most recently updated first",
	RunE: func(cmd *cobra.Command, args []string) error {
		dlg, err := openDialogues()
		if err != nil {
			return err
		}
		defer dlg.Close()

		list, err := dlg.ListDialogues(flagOffset, flagLimit)
		if err != nil {
			return err
		}
		return emit(list)
	},
}

var sidebarCmd = &cobra.Command{
	Use:   "sidebar",
	Short: "Show the sidebar card selection",
	RunE: func(cmd *cobra.Command, args []string) error {
		dlg, err := openDialogues()
		if err != nil {
			return err
		}
		defer dlg.Close()

		cards, err := dlg.SidebarCards()
		if err != nil {
			return err
		}
		return emit(cards)
	},
}

var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Rebuild dialogue and card indices from their documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		dlg, err := openDialogues()
		if err != nil {
			return err
		}
		defer dlg.Close()

		dialogues, cards, err := dlg.VerifyAndRepair()
		if err != nil {
			return err
		}
		fmt.Printf("Rebuilt indices: %d dialogues, %d cards\n", dialogues, cards)
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show shard and library counts for a user",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireUser(); err != nil {
			return err
		}
		ls := store.New(flagDataDir)

		dietShards, err := ls.ListDatasets(flagUser, record.CategoryDiet)
		if err != nil {
			return err
		}
		keepShards, err := ls.ListDatasets(flagUser, record.CategoryKeep)
		if err != nil {
			return err
		}

		svc := record.NewService(ls)
		products, err := svc.ProductLibrary(flagUser, 0)
		if err != nil {
			return err
		}
		dishes, err := svc.DishLibrary(flagUser, 0)
		if err != nil {
			return err
		}

		return emit(map[string]int{
			"diet_shards": len(dietShards),
			"keep_shards": len(keepShards),
			"products":    len(products),
			"dishes":      len(dishes),
		})
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config.toml",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := config.ConfigDir()
		if err := config.Save(dir, config.DefaultConfig()); err != nil {
			return err
		}
		fmt.Printf("Configuration written to %s/%s\n", dir, config.FileName)
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "data root directory (default from config)")
	rootCmd.PersistentFlags().StringVarP(&flagUser, "user", "u", "", "user namespace")

	recordsCmd.Flags().StringVar(&flagFrom, "from", "", "range start (YYYY-MM-DD)")
	recordsCmd.Flags().StringVar(&flagTo, "to", "", "last included day (YYYY-MM-DD)")
	_ = recordsCmd.MarkFlagRequired("from")
	_ = recordsCmd.MarkFlagRequired("to")

	searchCmd.Flags().IntVar(&flagLimit, "limit", 20, "max results")
	dialoguesCmd.Flags().IntVar(&flagLimit, "limit", 20, "max results")
	dialoguesCmd.Flags().IntVar(&flagOffset, "offset", 0, "pagination offset")

	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(recordsCmd, searchCmd, dialoguesCmd, sidebarCmd, repairCmd, statsCmd, configCmd)
}
