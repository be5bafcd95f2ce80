// Command bazaar runs the marketplace engine: a demo trade scenario against
// the configured backends, journal verification, and config inspection.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"github.com/redis/go-redis/v9"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/ledgerline/bazaar/pkg/capability"
	"github.com/ledgerline/bazaar/pkg/coin"
	"github.com/ledgerline/bazaar/pkg/config"
	"github.com/ledgerline/bazaar/pkg/discovery"
	"github.com/ledgerline/bazaar/pkg/events"
	"github.com/ledgerline/bazaar/pkg/feeregistry"
	"github.com/ledgerline/bazaar/pkg/journal"
	"github.com/ledgerline/bazaar/pkg/kiosk"
	"github.com/ledgerline/bazaar/pkg/observability"
	"github.com/ledgerline/bazaar/pkg/policy"
	"github.com/ledgerline/bazaar/pkg/trade"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches subcommands. Split out for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}
	switch args[1] {
	case "demo":
		return runDemo(args[2:], stdout, stderr)
	case "verify":
		return runVerify(args[2:], stdout, stderr)
	case "config":
		return runConfig(stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: bazaar <command>")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  demo     run a full offer and listing scenario against the configured backends")
	fmt.Fprintln(w, "  verify   verify the hash chain of a persisted journal")
	fmt.Fprintln(w, "  config   print the effective configuration")
	fmt.Fprintln(w, "  help     show this help")
}

// journalSink appends marketplace events to the hash-chained journal. Values
// go in as strings so a reload hashes identically to the original append.
type journalSink struct {
	jnl *journal.Journal
}

func (s journalSink) Write(_ context.Context, e events.Event) error {
	_, err := s.jnl.Append(string(e.Kind), e.Actor, map[string]any{
		"kiosk_id":    e.KioskID,
		"ref_id":      e.RefID,
		"item_id":     e.ItemID,
		"item_type":   e.ItemType,
		"price":       strconv.FormatUint(e.Price, 10),
		"market_fee":  strconv.FormatUint(e.MarketFee, 10),
		"royalty_fee": strconv.FormatUint(e.RoyaltyFee, 10),
		"total":       strconv.FormatUint(e.Total, 10),
	})
	return err
}

type sculpture struct {
	id string
}

func (s sculpture) ItemID() string { return s.id }

func runDemo(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("demo", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	ctx := context.Background()
	cfg := config.Load()
	logger := observability.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:  "bazaar",
		OTLPEndpoint: cfg.OTLPEndpoint,
		SampleRate:   1.0,
		Enabled:      cfg.TracingOn,
		Insecure:     true,
	})
	if err != nil {
		fmt.Fprintf(stderr, "observability: %v\n", err)
		return 1
	}
	defer obs.Shutdown(ctx)

	caps, err := capability.NewLedger()
	if err != nil {
		fmt.Fprintf(stderr, "capability ledger: %v\n", err)
		return 1
	}

	var storage feeregistry.Storage
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			fmt.Fprintf(stderr, "postgres: %v\n", err)
			return 1
		}
		defer db.Close()
		storage = feeregistry.NewPostgresStorage(db)
	} else {
		storage = feeregistry.NewMemoryStorage(cfg.BaseFeeBps)
	}
	fees := feeregistry.New(storage, caps)

	jnl, closeJournal, err := openJournal(cfg.JournalPath)
	if err != nil {
		fmt.Fprintf(stderr, "journal: %v\n", err)
		return 1
	}
	defer closeJournal()

	bus := events.NewBus(logger)
	bus.Attach(events.SlogSink{Log: logger})
	bus.Attach(journalSink{jnl: jnl})
	if cfg.ArchiveURL != "" && cfg.Bucket != "" {
		archive, err := events.NewS3Archive(ctx, events.S3ArchiveConfig{
			Bucket:   cfg.Bucket,
			Endpoint: cfg.ArchiveURL,
		})
		if err != nil {
			fmt.Fprintf(stderr, "event archive: %v\n", err)
			return 1
		}
		bus.Attach(archive)
		defer archive.Flush(ctx)
	}

	var index discovery.Index = discovery.NewMemoryIndex()
	if cfg.RedisAddr != "" {
		index = discovery.NewRedisIndex(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}), "bazaar")
	}

	engine := trade.NewEngine(fees, caps,
		trade.WithEmitter(bus),
		trade.WithDiscovery(index),
		trade.WithLogger(logger),
		trade.WithTracer(obs.Tracer()),
	)

	if err := runScenario(ctx, engine, fees, caps, index, stdout); err != nil {
		fmt.Fprintf(stderr, "scenario: %v\n", err)
		return 1
	}
	if err := jnl.Verify(); err != nil {
		fmt.Fprintf(stderr, "journal verify: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "journal verified: %d entries, head %s\n", jnl.Len(), jnl.Head())
	return 0
}

func openJournal(path string) (*journal.Journal, func(), error) {
	if path == "" {
		return journal.New(nil), func() {}, nil
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, nil, err
	}
	store, err := journal.NewSQLiteStore(db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	jnl, err := journal.Open(store)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return jnl, func() { db.Close() }, nil
}

var tag = kiosk.TagOf[sculpture]()

// runScenario walks one offer trade and one listing sale end to end.
func runScenario(ctx context.Context, engine *trade.Engine, fees *feeregistry.Registry, caps *capability.Ledger, index discovery.Index, stdout io.Writer) error {
	pol := policy.New(tag)
	if err := pol.AddRule(policy.RoyaltyRule{Recipient: "carol", Bps: 500}); err != nil {
		return err
	}

	aliceKiosk, aliceCap := kiosk.New("alice")
	bobKiosk, bobCap := kiosk.New("bob")
	if err := bobKiosk.Place(bobCap, sculpture{id: "bronze-1"}, tag); err != nil {
		return err
	}

	// offer path: alice escrows 10000 for bob's bronze
	offerID, offerCap, err := trade.Offer[sculpture](ctx, engine, aliceKiosk, aliceCap, "bronze-1", coin.New(10_000), pol)
	if err != nil {
		return err
	}
	w, req, err := trade.AcceptOffer[sculpture](ctx, engine, aliceKiosk, offerID, bobKiosk, bobCap, "bronze-1", pol)
	if err != nil {
		return err
	}
	receipt, refund, err := engine.ConfirmOfferAccepted(ctx, w, req, pol)
	if err != nil {
		return err
	}
	if err := caps.Close(receipt, offerCap); err != nil {
		return err
	}

	// listing path: bob lists another piece, alice buys it off the index
	listingID, err := trade.List[sculpture](ctx, engine, bobKiosk, bobCap, sculpture{id: "bronze-2"}, 4_000, pol)
	if err != nil {
		return err
	}
	records, err := index.Browse(ctx, tag)
	if err != nil {
		return err
	}
	if len(records) != 1 {
		return fmt.Errorf("expected one shared listing, found %d", len(records))
	}
	if _, err := trade.Buy[sculpture](ctx, engine, bobKiosk, listingID, coin.New(records[0].Total), pol, nil, "alice"); err != nil {
		return err
	}

	balance, err := fees.Balance(ctx)
	if err != nil {
		return err
	}
	payout, err := pol.WithdrawRoyalties("carol")
	if err != nil {
		return err
	}
	summary := map[string]any{
		"offer_refund":     refund.Value(),
		"bob_profits":      bobKiosk.Profits(),
		"market_balance":   balance,
		"royalty_payout":   payout.Value(),
		"alice_has_bronze": aliceKiosk.HasItem("bronze-1"),
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}

func runVerify(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	path := fs.String("journal", "", "path to the sqlite journal")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *path == "" {
		fmt.Fprintln(stderr, "verify: -journal is required")
		return 2
	}

	db, err := sql.Open("sqlite", *path)
	if err != nil {
		fmt.Fprintf(stderr, "open journal: %v\n", err)
		return 1
	}
	defer db.Close()

	store, err := journal.NewSQLiteStore(db)
	if err != nil {
		fmt.Fprintf(stderr, "open journal: %v\n", err)
		return 1
	}
	jnl, err := journal.Open(store)
	if err != nil {
		fmt.Fprintf(stderr, "journal corrupt: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "ok: %d entries, head %s\n", jnl.Len(), jnl.Head())
	return 0
}

func runConfig(stdout, stderr io.Writer) int {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(config.Load()); err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	return 0
}
