package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/kalambet/lessonforge/internal/cache"
	"github.com/kalambet/lessonforge/internal/config"
	"github.com/kalambet/lessonforge/internal/events"
	"github.com/kalambet/lessonforge/internal/metrics"
	"github.com/kalambet/lessonforge/internal/ollama"
	"github.com/kalambet/lessonforge/internal/pipeline"
	"github.com/kalambet/lessonforge/internal/proxy"
	"github.com/kalambet/lessonforge/internal/retrieval"
	"github.com/kalambet/lessonforge/internal/storage"
	"github.com/kalambet/lessonforge/internal/stream"
)

const meterName = "github.com/kalambet/lessonforge"

// app holds the long-lived components shared by serve and generate.
type app struct {
	coordinator *pipeline.Coordinator
	store       *storage.Store
	publisher   *events.Publisher
}

func (a *app) Close() {
	a.publisher.Close()
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}
}

type appOptions struct {
	retrievalTimeout time.Duration
	// progress receives model pull output from the Ollama startup check.
	progress         io.Writer
}

func buildApp(ctx context.Context, cfg config.Config, logger *slog.Logger, opts appOptions) (*app, error) {
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	a := &app{store: store}

	searcher, err := newSearcher(cfg, store)
	if err != nil {
		a.Close()
		return nil, err
	}
	var retriever *retrieval.Retriever
	if searcher != nil {
		retriever = retrieval.NewRetriever(searcher, cfg.Retrieval.Limit)
	}

	generator, err := newGenerator(ctx, cfg, opts.progress)
	if err != nil {
		a.Close()
		return nil, err
	}

	var c *cache.Cache
	if cfg.Cache.Enabled {
		c = cache.New(cfg.Cache.MaxEntries, cfg.Cache.TTL)
	}

	rec, err := metrics.New(otel.Meter(meterName))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("creating metrics: %w", err)
	}

	observers := []pipeline.Observer{store}
	if cfg.Events.NATSURL != "" {
		pub, err := events.Connect(cfg.Events.NATSURL, cfg.Events.Subject, logger)
		if err != nil {
			// Generation keeps working without the event stream.
			logger.Warn("NATS unavailable, outcome events disabled", "url", cfg.Events.NATSURL, "error", err)
		} else {
			a.publisher = pub
			observers = append(observers, pub)
		}
	}

	temperature := cfg.Provider.Temperature
	a.coordinator = pipeline.New(pipeline.Deps{
		Generator:     generator,
		Retriever:     retriever,
		Cache:         c,
		Metrics:       rec,
		Observers:     observers,
		RetrievalName: cfg.Retrieval.Kind,
	}, pipeline.Config{
		IDPrefix:          cfg.ID.Prefix,
		RetrievalTimeout:  opts.retrievalTimeout,
		RetrievalMaxChars: cfg.Retrieval.MaxChars,
		Model: stream.Params{
			Model:       cfg.Provider.Model,
			MaxTokens:   cfg.Provider.MaxTokens,
			Temperature: &temperature,
		},
	})
	return a, nil
}

func newSearcher(cfg config.Config, store *storage.Store) (retrieval.Searcher, error) {
	switch cfg.Retrieval.Kind {
	case config.RetrievalSQLite:
		return retrieval.NewSQLiteSearcher(store.DB()), nil
	case config.RetrievalHTTP:
		return retrieval.NewHTTPSearcher(cfg.Retrieval.URL), nil
	case config.RetrievalNone:
		return nil, nil
	}
	return nil, fmt.Errorf("unsupported retrieval kind %q", cfg.Retrieval.Kind)
}

// newGenerator returns nil when the provider is disabled, which leaves the
// coordinator on the offline template path.
func newGenerator(ctx context.Context, cfg config.Config, progress io.Writer) (*stream.Generator, error) {
	if !cfg.Provider.Enabled {
		return nil, nil
	}
	switch cfg.Provider.Kind {
	case config.ProviderOpenRouter:
		client := proxy.NewClient(cfg.Provider.OpenRouterAPIKey)
		return stream.NewGenerator(stream.NewOpenRouterProvider(client, cfg.Provider.Model)), nil
	case config.ProviderOllama:
		client := ollama.New(cfg.Ollama.BaseURL)
		if err := ollama.EnsureReady(ctx, client, cfg.Provider.Model, progress); err != nil {
			return nil, err
		}
		return stream.NewGenerator(stream.NewOllamaProvider(client, cfg.Provider.Model)), nil
	}
	return nil, fmt.Errorf("unsupported provider kind %q", cfg.Provider.Kind)
}
