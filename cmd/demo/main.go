package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChuLiYu/cluster-supervision/internal/agency"
	"github.com/ChuLiYu/cluster-supervision/internal/supervision"
	"github.com/ChuLiYu/cluster-supervision/pkg/types"
)

const (
	walPath      = "data/demo.wal"
	snapshotPath = "data/demo.snapshot"
	seedPath     = "configs/seed.yaml"
	demoJob      = types.JobID("demo-cleanout")
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run cmd/demo/main.go <start|recover>")
		os.Exit(1)
	}
	mode := os.Args[1]

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll("data", 0755); err != nil {
		log.Fatalf("Failed to create data dir: %v", err)
	}
	store, err := agency.OpenDurable(agency.DurableConfig{
		WALPath:       walPath,
		SnapshotPath:  snapshotPath,
		SnapshotEvery: 8,
		SyncOnAppend:  true,
	})
	if err != nil {
		log.Fatalf("Failed to open agency: %v", err)
	}
	fmt.Printf("✓ Agency opened (mode: %s, index: %d)\n", mode, store.LastIndex())

	sup := supervision.NewSupervisor(store, 200*time.Millisecond, nil)

	switch mode {
	case "start":
		tree, err := agency.LoadSeedFile(seedPath)
		if err != nil {
			log.Fatalf("Failed to load seed: %v", err)
		}
		if _, err := agency.Seed(ctx, store, tree); err != nil {
			log.Fatalf("Failed to seed agency: %v", err)
		}
		ok, err := supervision.CreateCleanOut(ctx, store, demoJob, "DB1")
		if err != nil {
			log.Fatalf("Failed to create job: %v", err)
		}
		if ok {
			fmt.Printf("✓ Created cleanOutServer job %s for DB1\n", demoJob)
		} else {
			fmt.Printf("⚠️  Job %s already exists (recovered from previous run)\n", demoJob)
		}
		fmt.Printf("💡 Press Ctrl+C before the job finishes, then run 'recover'\n\n")

	case "recover":
		printJobs(ctx, store)

	default:
		log.Fatalf("unknown mode %q", mode)
	}

	// 模擬 DB server 同步 shard：每一輪把 Pending MoveShard 的目的地寫入 Current
	for pass := 1; ctx.Err() == nil; pass++ {
		if _, err := sup.RunOnce(ctx); err != nil && ctx.Err() == nil {
			log.Printf("Pass %d failed: %v", pass, err)
		}
		if err := syncShards(ctx, store); err != nil && ctx.Err() == nil {
			log.Printf("Shard sync failed: %v", err)
		}

		snap, err := store.Read(ctx)
		if err == nil && snap.Has(types.StatusFinished.Path(demoJob)) {
			fmt.Printf("\n✓ %s finished after %d passes\n", demoJob, pass)
			printJobs(ctx, store)
			break
		}

		select {
		case <-ctx.Done():
		case <-time.After(500 * time.Millisecond):
		}
	}

	if ctx.Err() != nil {
		fmt.Println("\n\nReceived shutdown signal, stopping...")
	}
	if err := store.Close(); err != nil {
		log.Fatalf("Failed to close agency: %v", err)
	}
	fmt.Println("✓ Agency closed")
}

// syncShards pretends every destination of a running move caught up.
func syncShards(ctx context.Context, store agency.Store) error {
	snap, err := store.Read(ctx)
	if err != nil {
		return err
	}
	list, err := supervision.ListJobs(snap)
	if err != nil {
		return err
	}
	txn := agency.Transaction{}
	for _, l := range list {
		r := l.Record
		if l.Status != types.StatusPending || r.Type != types.TypeMoveShard {
			continue
		}
		plan, err := snap.GetStrings("/Plan/Collections/" + r.Database + "/" + r.Collection + "/shards/" + r.Shard)
		if err != nil {
			return err
		}
		txn = txn.Set("/Current/Collections/"+r.Database+"/"+r.Collection+"/"+r.Shard+"/servers", plan)
	}
	if txn.Empty() {
		return nil
	}
	_, err = agency.SingleWrite(ctx, store, txn)
	return err
}

func printJobs(ctx context.Context, store agency.Store) {
	snap, err := store.Read(ctx)
	if err != nil {
		log.Printf("Failed to read agency: %v", err)
		return
	}
	list, err := supervision.ListJobs(snap)
	if err != nil {
		log.Printf("Failed to list jobs: %v", err)
	}
	fmt.Printf("📊 Jobs at index %d:\n", snap.Index())
	for _, l := range list {
		fmt.Printf("  %-9s %-20s %-15s %s\n", l.Status, l.Record.JobID, l.Record.Type, l.Record.Reason)
	}
	cleaned, _ := snap.GetStrings("/Target/CleanedServers")
	fmt.Printf("  CleanedServers: %v\n", cleaned)
}
