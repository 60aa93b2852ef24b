package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/astromechza/prioritylist/pkg/prioritylist"
	"github.com/astromechza/prioritylist/pkg/server"
	"github.com/astromechza/prioritylist/pkg/store"
	"github.com/astromechza/prioritylist/pkg/viz"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	addrVar := flag.String("addr", "localhost:8080", "the address to listen on")
	dbVar := flag.String("db", "prioritylist.sqlite3", "the sqlite database file")
	postDelayVar := flag.Duration("post-delay", 500*time.Millisecond, "the debounce window handed to clients")
	secretVar := flag.String("csrf-secret", os.Getenv("PRIORITYLIST_CSRF_SECRET"), "the csrf signing secret")
	ttlVar := flag.Duration("csrf-ttl", 15*time.Minute, "how long a csrf token stays valid")
	failRateVar := flag.Float64("fail-rate", 0, "fraction of order submissions to fail with 503")
	dumpDirVar := flag.String("dump-dir", os.TempDir(), "where list documents are dumped on shutdown")
	seedVar := flag.Bool("seed", true, "create a demo list when the database is empty")
	flag.Parse()

	if *secretVar == "" {
		return fmt.Errorf("a csrf secret is required: pass -csrf-secret or set PRIORITYLIST_CSRF_SECRET")
	}

	slog.Info("Opening database", "path", *dbVar)
	db, err := sql.Open("sqlite3", *dbVar)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(ctx, db, slog.Default())
	if err != nil {
		return err
	}
	if *seedVar && len(st.IDs()) == 0 {
		if _, err := st.Put(ctx, "demo", prioritylist.Descending, []prioritylist.Row{
			{ID: "1", Priority: 5}, {ID: "2", Priority: 4}, {ID: "3", Priority: 3}, {ID: "4", Priority: 2}, {ID: "5", Priority: 1},
		}); err != nil {
			return fmt.Errorf("failed to seed demo list: %w", err)
		}
		slog.Info("Seeded demo list")
	}

	tokens, err := server.NewTokens([]byte(*secretVar), *ttlVar)
	if err != nil {
		return err
	}
	s := server.New(st, tokens, server.Options{PostDelay: *postDelayVar, FailRate: *failRateVar, Logger: slog.Default()})

	httpServer := &http.Server{Addr: *addrVar, Handler: s.Handler()}

	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("Listening", "addr", *addrVar)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listen failed", "err", err)
		}
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)
	cancel()
	s.Close()
	_ = httpServer.Close()

	wg.Wait()

	paths, err := st.Dump(*dumpDirVar)
	if err != nil {
		return fmt.Errorf("failed to dump: %w", err)
	}
	for _, p := range paths {
		slog.Info("dumped", "path", p)
	}
	for _, id := range st.IDs() {
		doc, err := st.Doc(id)
		if err != nil {
			slog.Error("failed to read doc", "list", id, "err", err)
			continue
		}
		if svgPath, err := viz.RenderToTemp(doc, store.Describe); err != nil {
			slog.Error("failed to render", "list", id, "err", err)
		} else {
			slog.Info("rendered", "list", id, "path", "file://"+svgPath)
		}
	}
	return nil
}
