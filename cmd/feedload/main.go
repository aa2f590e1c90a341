// feedload registers threat feeds from a YAML manifest into the chimera
// database. It is a one-shot operator tool: run it against the same DB the
// daemon uses, then let the scheduler pick the feeds up on its next check.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/chimerasec/chimera/dbopen"
	"github.com/chimerasec/chimera/feeds"
	"github.com/chimerasec/chimera/idgen"
	"github.com/chimerasec/chimera/store"
	"gopkg.in/yaml.v3"
	_ "modernc.org/sqlite"
)

type manifest struct {
	Feeds []struct {
		Name          string  `yaml:"name"`
		URL           string  `yaml:"url"`
		Format        string  `yaml:"format"`
		IntervalHours float64 `yaml:"interval_hours"`
		AuthToken     string  `yaml:"auth_token"`
		Inactive      bool    `yaml:"inactive"`
	} `yaml:"feeds"`
}

func main() {
	dbPath := flag.String("db", env("CHIMERA_DB", "data/chimera.db"), "database path")
	manifestPath := flag.String("manifest", "feeds.yaml", "feed manifest")
	fetch := flag.Bool("fetch", false, "run one fetch cycle per registered feed")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if err := run(context.Background(), *dbPath, *manifestPath, *fetch, logger); err != nil {
		logger.Error("feedload", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, dbPath, manifestPath string, fetch bool, logger *slog.Logger) error {
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("parse manifest: %w", err)
	}
	if len(m.Feeds) == 0 {
		return fmt.Errorf("manifest has no feeds")
	}

	db, err := dbopen.Open(dbPath, dbopen.WithMkdirAll())
	if err != nil {
		return err
	}
	defer db.Close()
	if err := store.ApplySchema(db); err != nil {
		return err
	}
	st := store.New(db)

	newID := idgen.Prefixed("feed_", idgen.Default)
	var registered []*store.Feed
	for _, f := range m.Feeds {
		if f.Name == "" || f.URL == "" {
			return fmt.Errorf("feed %q: name and url are required", f.Name)
		}
		if err := feeds.ValidateFeedURL(f.URL); err != nil {
			return fmt.Errorf("feed %q: %w", f.Name, err)
		}
		format := store.FeedFormat(f.Format)
		switch format {
		case store.FormatJSON, store.FormatCSV, store.FormatXML, store.FormatSTIX:
		case "":
			format = store.FormatJSON
		default:
			return fmt.Errorf("feed %q: unsupported format %q", f.Name, f.Format)
		}
		interval := int64(f.IntervalHours * float64(time.Hour/time.Millisecond))
		if interval <= 0 {
			interval = int64(time.Hour / time.Millisecond)
		}
		status := store.FeedActive
		if f.Inactive {
			status = store.FeedInactive
		}
		feed := &store.Feed{
			ID:        newID(),
			Name:      f.Name,
			URL:       f.URL,
			Format:    format,
			Interval:  interval,
			AuthToken: f.AuthToken,
			Status:    status,
		}
		if err := st.InsertFeed(ctx, feed); err != nil {
			return fmt.Errorf("feed %q: %w", f.Name, err)
		}
		logger.Info("feed registered", "id", feed.ID, "name", feed.Name, "format", format, "interval_ms", interval)
		registered = append(registered, feed)
	}
	logger.Info("done", "registered", len(registered))

	if fetch {
		fetchOnce(ctx, st, registered, logger)
	}
	return nil
}

// fetchOnce runs a single fetch/parse/ingest cycle for the feeds just
// registered, so an operator sees data without waiting for the daemon's
// scheduler. Failures are logged, not fatal; the scheduler will retry.
func fetchOnce(ctx context.Context, st *store.Store, list []*store.Feed, logger *slog.Logger) {
	fetcher := feeds.NewFetcher(feeds.FetchConfig{})
	ingest := feeds.NewIngestor(st)
	for _, feed := range list {
		if feed.Status != store.FeedActive {
			continue
		}
		res, err := fetcher.Fetch(ctx, feed.URL, feed.AuthToken, "", "")
		if err != nil {
			logger.Warn("fetch failed", "feed", feed.Name, "error", err)
			continue
		}
		batch, err := feeds.Parse(feed.Format, res.Body)
		if err != nil {
			logger.Warn("parse failed", "feed", feed.Name, "error", err)
			continue
		}
		added, err := ingest.Ingest(ctx, feed.ID, batch)
		if err != nil {
			logger.Warn("ingest failed", "feed", feed.Name, "error", err)
			continue
		}
		if err := st.RecordFeedSuccess(ctx, feed.ID, added); err != nil {
			logger.Warn("record success failed", "feed", feed.Name, "error", err)
			continue
		}
		logger.Info("feed fetched", "feed", feed.Name, "records", len(batch), "new", added)
	}
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
