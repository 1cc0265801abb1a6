// Command migrate applies, rolls back or lists the SQLite schema migrations.
//
//	migrate [-env .env] up|down|status
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"ohlcsync/config"
	"ohlcsync/internal/logger"
	"ohlcsync/internal/store/sqlite"
)

func main() {
	envFile := flag.String("env", ".env", "env file to load before the environment")
	flag.Usage = func() {
		fmt.Fprintln(flag.CommandLine.Output(), "usage: migrate [-env file] up|down|status")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger.Init("ohlcsync-migrate", logger.ParseLevel(cfg.LogLevel))

	st, err := sqlite.Open(sqlite.Config{DBPath: cfg.SQLitePath, SkipMigrate: true})
	if err != nil {
		slog.Error("[migrate] open failed", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	switch flag.Arg(0) {
	case "up":
		err = sqlite.Migrate(st.DB())
	case "down":
		err = sqlite.MigrateDown(st.DB())
	case "status":
		err = sqlite.MigrationStatus(st.DB())
	default:
		flag.Usage()
		st.Close()
		os.Exit(2)
	}
	if err != nil {
		slog.Error("[migrate] failed", "cmd", flag.Arg(0), "error", err)
		st.Close()
		os.Exit(1)
	}
	slog.Info("[migrate] done", "cmd", flag.Arg(0), "path", cfg.SQLitePath)
}
