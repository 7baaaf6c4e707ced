package main

import (
	"flag"
	"net/http"
	"os"
	"time"

	"github.com/arborq/arborq"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	var (
		redisAddr   = flag.String("redis-addr", "127.0.0.1:6379", "redis server address")
		namespace   = flag.String("namespace", "arborq", "store namespace")
		concurrency = flag.Int("concurrency", 10, "worker concurrency")
		httpAddr    = flag.String("http-addr", ":8080", "status HTTP bind address")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	client := redis.NewClient(&redis.Options{Addr: *redisAddr})
	store := arborq.NewStore(client, *namespace)
	queue := arborq.New(store, *namespace)

	registerLeaves(queue)

	srv := arborq.NewServer(queue, arborq.Config{
		Concurrency:         *concurrency,
		Logger:              log.Logger,
		HealthCheckInterval: 15 * time.Second,
		HealthCheckFunc: func(err error) {
			if err != nil {
				log.Error().Err(err).Msg("store healthcheck failed")
			}
		},
	})

	statusHandler := arborq.NewStatusHandler(store, *namespace)
	go func() {
		log.Info().Str("addr", *httpAddr).Msg("status server starting")
		if err := http.ListenAndServe(*httpAddr, statusHandler); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("status http server")
		}
	}()

	if err := srv.Run(); err != nil {
		log.Fatal().Err(err).Msg("server")
	}
}
