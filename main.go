package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/thejerf/suture/v4"

	"github.com/bryan-buckman/leapfrog/internal/config"
	"github.com/bryan-buckman/leapfrog/internal/database"
	"github.com/bryan-buckman/leapfrog/internal/embed"
	"github.com/bryan-buckman/leapfrog/internal/identity"
	"github.com/bryan-buckman/leapfrog/internal/ljimport"
	"github.com/bryan-buckman/leapfrog/internal/logging"
	"github.com/bryan-buckman/leapfrog/internal/normalize"
	"github.com/bryan-buckman/leapfrog/internal/poll"
	"github.com/bryan-buckman/leapfrog/internal/server"
	"github.com/bryan-buckman/leapfrog/internal/stream"
	"github.com/bryan-buckman/leapfrog/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load config")
	}
	logging.Init(cfg.Logging)

	store, err := openStore(cfg.Database)
	if err != nil {
		logging.Fatal().Err(err).Str("type", cfg.Database.Type).Msg("Failed to open database")
	}
	defer store.Close()
	logging.Info().Str("database", store.DatabaseType()).Msg("Database ready")

	ident := identity.New(store)
	norm := normalize.New(store, ident, normalize.Config{MaxDepth: cfg.Normalize.MaxDepth})
	projector := stream.NewProjector(store)
	client := transport.New(transport.Config{
		Timeout:            cfg.Poll.HTTPTimeout,
		RequestsPerSecond:  cfg.Poll.RequestsPerSecond,
		MaxConcurrentHost:  cfg.Poll.MaxConcurrentHost,
		BreakerMaxFailures: cfg.Poll.BreakerMaxFailures,
		BreakerTimeout:     cfg.Poll.BreakerTimeout,
		UserAgent:          cfg.Poll.UserAgent,
	})
	env := &poll.Env{
		Store:     store,
		Identity:  ident,
		Normalize: norm,
		Projector: projector,
		Client:    client,
	}

	manager := poll.NewManager(store, poll.ManagerConfig{
		Workers:  cfg.Poll.Workers,
		Interval: cfg.Poll.Interval,
	})

	twitter := poll.NewTwitter(env, poll.TwitterConfig{
		APIBase:        cfg.Twitter.APIBase,
		TwitpicAPIBase: cfg.Twitter.TwitpicAPIBase,
		ConsumerKey:    cfg.Twitter.ConsumerKey,
		ConsumerSecret: cfg.Twitter.ConsumerSecret,
	})
	typepad := poll.NewTypePad(env, poll.TypePadConfig{
		APIBase:           cfg.TypePad.APIBase,
		BlacklistedGroups: cfg.TypePad.BlacklistedGroups,
	})
	if cfg.Twitter.Enabled {
		manager.Register(twitter)
		norm.RegisterFetcher(twitter.Name(), twitter)
	}
	if cfg.TypePad.Enabled {
		manager.Register(typepad)
		norm.RegisterFetcher(typepad.Name(), typepad)
	}
	if cfg.Flickr.Enabled {
		manager.Register(poll.NewFlickr(env, poll.FlickrConfig{
			APIBase:   cfg.Flickr.APIBase,
			APIKey:    cfg.Flickr.APIKey,
			APISecret: cfg.Flickr.APISecret,
		}))
	}
	if cfg.Mlkshk.Enabled {
		manager.Register(poll.NewMlkshk(env, poll.MlkshkConfig{APIBase: cfg.Mlkshk.APIBase}))
	}
	if cfg.Feed.Enabled {
		manager.Register(poll.NewFeed(env))
	}

	// Host specific resolvers go first: TypePad and oEmbed discovery
	// accept any URL.
	var resolvers embed.Chain
	if cfg.Embed.Enabled {
		resolvers = append(resolvers, twitter.Twitpic())
	}
	if cfg.TypePad.Enabled {
		resolvers = append(resolvers, typepad)
	}
	if cfg.Embed.Enabled {
		resolvers = append(resolvers, embed.NewOEmbed(client, cfg.Embed.MaxBodyBytes, embed.Flickr))
	}
	if len(resolvers) > 0 {
		norm.SetResolver(resolvers)
	}
	logging.Info().Strs("services", manager.Services()).Int("resolvers", len(resolvers)).Msg("Pollers registered")

	importer := ljimport.New(ident, norm, projector)
	api := server.New(store, ident, manager, importer)

	root := suture.New("leapfrog", suture.Spec{
		EventHook: func(e suture.Event) {
			logging.Warn().Fields(e.Map()).Msg(e.String())
		},
	})
	root.Add(api.Service(cfg.Server.Addr, cfg.Server.ReadTimeout, cfg.Server.WriteTimeout))
	if cfg.Poll.Enabled {
		root.Add(manager)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logging.Info().Str("addr", cfg.Server.Addr).Bool("polling", cfg.Poll.Enabled).Msg("Starting leapfrog")
	if err := root.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("Supervisor stopped")
	}
	logging.Info().Msg("Shut down")
}

func openStore(cfg config.DatabaseConfig) (database.Store, error) {
	if cfg.Type == "postgres" {
		pg, err := database.NewPostgres(cfg.DSN)
		if err != nil {
			return nil, err
		}
		return pg, nil
	}
	db, err := database.New(cfg.Path)
	if err != nil {
		return nil, err
	}
	return db, nil
}
