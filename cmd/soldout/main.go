package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"soldout/internal/cachedb"
	"soldout/internal/catalog"
	"soldout/internal/config"
	"soldout/internal/domain"
	"soldout/internal/engine"
	"soldout/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "soldout",
	Short: "Soldout CLI",
	Long: `Soldout keeps a tokenized collection's for-sale/sold state in sync with the chain.
It answers "can this item still be bought?" for single items and whole pages,
keeps a collection-wide live/sold tally, and flips items to sold the instant a
local purchase lands, reconciling against on-chain ownership after settlement.
All chain reads go through one rate limiter and a multicall batcher, so the
whole catalog can be checked without tripping RPC provider limits.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SOLDOUT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().Bool("verbose", false, "debug logging")
	rootCmd.PersistentFlags().String("rpc-url", "", "chain RPC endpoint (overrides config)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	_ = viper.BindPFlag("rpc-url", rootCmd.PersistentFlags().Lookup("rpc-url"))
}

func registerCommands() {
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(pageCmd())
	rootCmd.AddCommand(countsCmd())
	rootCmd.AddCommand(refreshCmd())
	rootCmd.AddCommand(purchaseCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(catalogCmd())
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <item-id>",
		Short: "Resolve one item's sale status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("item id must be an integer: %s", args[0])
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if _, ok := e.Catalog.Get(id); !ok {
					return fmt.Errorf("item %d not in catalog", id)
				}
				rec := e.GetStatus(ctx, id)
				return printStatusRecords(e, rec)
			})
		},
	}
	return cmd
}

func pageCmd() *cobra.Command {
	var ids string
	cmd := &cobra.Command{
		Use:   "page",
		Short: "Resolve a page of items with one batched chain query",
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseIDs(ids)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				records := e.GetStatusForPage(ctx, parsed)
				out := make([]domain.StatusRecord, 0, len(records))
				for _, id := range parsed {
					if rec, ok := records[id]; ok {
						out = append(out, rec)
					}
				}
				return printStatusRecords(e, out...)
			})
		},
	}
	cmd.Flags().StringVar(&ids, "ids", "", "comma-separated item ids")
	_ = cmd.MarkFlagRequired("ids")
	return cmd
}

func parseIDs(raw string) ([]int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("ids must be a comma-separated list of integers")
	}
	parts := strings.Split(raw, ",")
	ids := make([]int, 0, len(parts))
	for _, part := range parts {
		id, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("ids must be a comma-separated list of integers")
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func countsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "counts",
		Short: "Show the collection-wide live/sold tally",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				counts, err := e.GetAggregateCounts(ctx)
				if err != nil {
					return err
				}
				return printCounts(counts)
			})
		},
	}
	return cmd
}

func refreshCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Bypass the cache and recompute counts from the chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				counts, err := e.ForceRefresh(ctx)
				if err != nil {
					return err
				}
				return printCounts(counts)
			})
		},
	}
	return cmd
}

func purchaseCmd() *cobra.Command {
	var paid string
	var wait bool
	cmd := &cobra.Command{
		Use:   "purchase <item-id>",
		Short: "Announce a completed purchase",
		Long:  "Flips the item to sold immediately and schedules reconciliation against on-chain ownership after the settle delay. --wait blocks until reconciliation ran.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("item id must be an integer: %s", args[0])
			}
			var paidPtr *decimal.Decimal
			if paid != "" {
				d, err := decimal.NewFromString(paid)
				if err != nil {
					return fmt.Errorf("--paid is not a decimal: %s", paid)
				}
				paidPtr = &d
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if _, ok := e.Catalog.Get(id); !ok {
					return fmt.Errorf("item %d not in catalog", id)
				}
				e.OnPurchaseCompleted(id, paidPtr)
				if wait {
					deadline := time.After(e.SettleDelay + 10*time.Second)
					for e.PendingPurchases() > 0 {
						select {
						case <-deadline:
							return fmt.Errorf("reconciliation did not finish in time")
						case <-ctx.Done():
							return ctx.Err()
						case <-time.After(100 * time.Millisecond):
						}
					}
				}
				rec := e.GetStatus(ctx, id)
				return printStatusRecords(e, rec)
			})
		},
	}
	cmd.Flags().StringVar(&paid, "paid", "", "paid price in ETH")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for on-chain reconciliation")
	return cmd
}

func watchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream status and counts updates until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				sub := e.Subscribe(256)
				defer sub.Close()
				for {
					select {
					case <-ctx.Done():
						return nil
					case update, ok := <-sub.C:
						if !ok {
							return nil
						}
						if viper.GetBool("json") {
							if err := printJSON(update); err != nil {
								return err
							}
							continue
						}
						switch update.Kind {
						case domain.UpdateStatus:
							fmt.Printf("item %d -> %s (%s)\n",
								update.Status.ItemID, update.Status.State, update.Status.Source)
						case domain.UpdateCounts:
							fmt.Printf("counts: live=%d sold=%d\n",
								update.Counts.LiveCount, update.Counts.SoldCount)
						}
					}
				}
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				cfg, err := config.Load(viper.GetString("workspace"))
				if err != nil {
					return err
				}
				if addr == "" {
					addr = cfg.Server.Addr
				}
				if addr == "" {
					addr = ":8787"
				}
				if basePath == "" {
					basePath = cfg.Server.BasePath
				}
				secret := os.Getenv("SOLDOUT_JWT_SECRET")
				if secret == "" {
					secret = cfg.Server.JWTSecret
				}
				handler, err := server.New(server.Config{
					Engine:   e,
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: secret},
					Logger:   e.Log,
				})
				if err != nil {
					return err
				}
				stopHooks := server.StartWebhookDispatcher(e, cfg.Webhooks, e.Log)
				defer stopHooks()
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(sctx)
				}()
				fmt.Printf("Serving Soldout API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to config)")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect and generate config",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var collectionID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default soldout.yml to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(collectionID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&collectionID, "collection", "", "collection id")
	_ = cmd.MarkFlagRequired("collection")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func catalogCmd() *cobra.Command {
	cat := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect the item catalog",
	}
	cat.AddCommand(catalogShowCmd())
	return cat
}

func catalogShowCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "show",
		Short: "List catalog entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			cat, err := loadCatalog(cfg, workspace)
			if err != nil {
				return err
			}
			items := cat.Items()
			if limit > 0 && limit < len(items) {
				items = items[:limit]
			}
			if viper.GetBool("json") {
				return printJSON(items)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "Name", "Price (ETH)", "Listing"})
			for _, item := range items {
				listing := ""
				if item.ListingID != nil {
					listing = strconv.FormatInt(*item.ListingID, 10)
				}
				tw.AppendRow(table.Row{item.ID, item.Name, item.StaticPriceEth.String(), listing})
			}
			tw.Render()
			fmt.Printf("%d items in collection %s\n", cat.Size(), cat.Collection())
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "show at most N entries (0 = all)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	cat, err := loadCatalog(cfg, workspace)
	if err != nil {
		return err
	}
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()
	rpcURL := viper.GetString("rpc-url")
	if rpcURL == "" {
		rpcURL = cfg.Chain.RPCURL
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return fmt.Errorf("dial rpc %s: %w", rpcURL, err)
	}
	defer client.Close()
	e := engine.New(cfg, cat, client, logger)
	defer e.Close()
	if cfg.Cache.DB != "" {
		store, err := cachedb.Open(cfg.Cache.DB)
		if err != nil {
			return fmt.Errorf("open cache db: %w", err)
		}
		defer store.Close()
		e.Store = store
		if err := e.WarmFromStore(); err != nil {
			logger.Warn("cache warm failed", zap.Error(err))
		}
	}
	return fn(ctx, e)
}

func loadCatalog(cfg *config.Config, workspace string) (*catalog.Catalog, error) {
	path := cfg.Collection.Catalog
	if !strings.HasPrefix(path, "/") {
		path = workspace + "/" + path
	}
	return catalog.Load(path)
}

func newLogger() (*zap.Logger, error) {
	if viper.GetBool("verbose") {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	return cfg.Build()
}

func printStatusRecords(e *engine.Engine, records ...domain.StatusRecord) error {
	if viper.GetBool("json") {
		if len(records) == 1 {
			return printJSON(records[0])
		}
		return printJSON(records)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Name", "State", "Source", "Observed"})
	for _, rec := range records {
		name := ""
		if item, ok := e.Catalog.Get(rec.ItemID); ok {
			name = item.Name
		}
		tw.AppendRow(table.Row{rec.ItemID, name, rec.State, rec.Source, rec.ObservedAt.Format(time.RFC3339)})
	}
	tw.Render()
	return nil
}

func printCounts(c domain.AggregateCounts) error {
	if viper.GetBool("json") {
		return printJSON(c)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Live", "Sold", "Total", "As Of"})
	tw.AppendRow(table.Row{c.LiveCount, c.SoldCount, c.Total(), c.AsOf.Format(time.RFC3339)})
	tw.Render()
	return nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
