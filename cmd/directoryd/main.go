package main

import (
	"flag"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"veil/internal/directory/server"
)

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	postgresDSN := flag.String("postgres", "", "PostgreSQL DSN (empty = in-memory store)")
	dev := flag.Bool("dev", false, "human-readable logs")
	flag.Parse()

	var log *zap.Logger
	var err error
	if *dev {
		log, err = zap.NewDevelopment()
	} else {
		log, err = zap.NewProduction()
	}
	if err != nil {
		os.Exit(1)
	}
	defer log.Sync()

	var store server.Store
	if *postgresDSN != "" {
		pg, err := server.OpenPostgres(*postgresDSN)
		if err != nil {
			log.Fatal("postgres unavailable", zap.Error(err))
		}
		defer pg.Close()
		store = pg
		log.Info("using postgres store")
	} else {
		store = server.NewMemoryStore()
		log.Warn("using in-memory store; state is lost on restart")
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           server.New(store, log).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Info("directory listening", zap.String("addr", *addr))
	if err := srv.ListenAndServe(); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
}
