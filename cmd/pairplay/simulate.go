package main

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jason-s-yu/pairplay/internal/blob"
	"github.com/jason-s-yu/pairplay/internal/cache"
	"github.com/jason-s-yu/pairplay/internal/config"
	"github.com/jason-s-yu/pairplay/internal/database"
	"github.com/jason-s-yu/pairplay/internal/generation"
	"github.com/jason-s-yu/pairplay/internal/historian"
	"github.com/jason-s-yu/pairplay/internal/minigames"
	"github.com/jason-s-yu/pairplay/internal/simulation"
	"github.com/jason-s-yu/pairplay/internal/store"
	"github.com/spf13/cobra"
)

func newSimulateCmd(cfg *config.Config) *cobra.Command {
	var host, guest string
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Play a whole room with two headless players and print the outcome",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.ValidateSimulate(); err != nil {
				return err
			}
			return simulate(cmd.Context(), cfg, cmd.OutOrStdout(), simulation.Options{Host: host, Guest: guest})
		},
	}
	fs := cmd.Flags()
	cfg.CommonFlags(fs)
	cfg.SimulateFlags(fs)
	fs.StringVar(&host, "host", "Alex", "display name of the player who creates the room")
	fs.StringVar(&guest, "guest", "Sam", "display name of the player who joins")
	config.Bind(fs)
	return cmd
}

func simulate(ctx context.Context, cfg *config.Config, out io.Writer, opts simulation.Options) error {
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	logger := cfg.Logger()
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	opts.Seed = cfg.Seed
	opts.MismatchDelay = cfg.MismatchDelay
	opts.Logger = logger

	d := minigames.Deps{Logger: logger, Rand: rand.New(rand.NewSource(cfg.Seed))}
	if cfg.GenerationURL != "" {
		d.Gen = generation.NewHTTPClient(cfg.GenerationURL, cfg.GenerationToken, cfg.GenerationRate, logger)
	} else {
		canned := generation.NewCanned(strings.TrimRight(cfg.PublicURL, "/") + "/blobs")
		if !cfg.ShortDeck {
			canned.Pairs = 8
		}
		d.Gen = canned
	}

	if cfg.RedisAddr == "" {
		mem := store.NewMemoryStore()
		defer mem.Close()
		d.Store = mem
		d.Blobs = blob.NewMemoryStore(cfg.PublicURL)
	} else {
		rdb, err := cache.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return err
		}
		defer rdb.Close()
		d.Store = store.NewRedisStore(rdb, logger, store.RedisOptions{})
		d.Blobs = blob.NewRedisStore(rdb, cfg.PublicURL, cfg.BlobTTL)
		if cfg.HistoryEnabled() {
			d.Actions = cache.NewActionLog(rdb, cache.DefaultQueueName)
			pool, err := database.Connect(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := database.Migrate(ctx, pool); err != nil {
				return err
			}
			hctx, stop := context.WithCancel(context.Background())
			var wg sync.WaitGroup
			// The last batch is flushed before the pool closes.
			defer func() {
				stop()
				wg.Wait()
			}()
			h := historian.New(rdb, database.NewRepository(pool), historian.Options{
				Queue:      cache.DefaultQueueName,
				BatchSize:  cfg.HistorianBatch,
				Inactivity: cfg.HistorianIdle,
			}, logger)
			wg.Add(1)
			go func() {
				defer wg.Done()
				h.Run(hctx)
			}()
		}
	}

	res, err := simulation.Run(ctx, d, opts)
	if err != nil {
		return fmt.Errorf("simulation (seed %d): %w", cfg.Seed, err)
	}
	printResult(out, res, cfg.Seed)
	return nil
}

func printResult(w io.Writer, res *simulation.Result, seed int64) {
	fmt.Fprintf(w, "room %s (seed %d)\n", res.Pin, seed)
	games := make([]string, len(res.Games))
	for i, g := range res.Games {
		games[i] = string(g)
	}
	fmt.Fprintf(w, "  games:         %s\n", strings.Join(games, " -> "))
	fmt.Fprintf(w, "  item:          %s\n", res.Item)
	fmt.Fprintf(w, "  love question: %s\n", res.LoveQuestion)
	fmt.Fprintf(w, "  feedback:      %s\n", res.Feedback)

	names := make([]string, 0, len(res.Scores))
	for name := range res.Scores {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  score %-8s %d\n", name+":", res.Scores[name])
	}
	fmt.Fprintf(w, "  winner:        %s after %d flips\n", res.Winner, res.Flips)
	fmt.Fprintf(w, "  room deleted:  %v\n", res.Deleted)
}
