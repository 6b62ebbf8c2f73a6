package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/campusmart/server/internal/logger"
	"github.com/campusmart/server/internal/storage"
)

func main() {
	_ = godotenv.Load()

	databaseURL := flag.String("database", os.Getenv("CAMPUSMART_POSTGRES_URL"), "PostgreSQL connection URL")
	flag.Usage = printUsage
	flag.Parse()

	log := logger.New(logger.Config{Level: "info", Format: "console", Service: "campusmart-migrate"})

	if flag.NArg() < 1 {
		printUsage()
		os.Exit(1)
	}
	if *databaseURL == "" {
		log.Fatal().Msg("migrate.missing_database: set -database or CAMPUSMART_POSTGRES_URL")
	}

	m, err := storage.NewMigrator(*databaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("migrate.init_failed")
	}
	defer func() {
		if sourceErr, dbErr := m.Close(); sourceErr != nil || dbErr != nil {
			log.Error().AnErr("source_err", sourceErr).AnErr("db_err", dbErr).Msg("migrate.close_failed")
		}
	}()

	if err := run(m, flag.Args(), log); err != nil {
		log.Error().Err(err).Str("command", flag.Arg(0)).Msg("migrate.failed")
		os.Exit(1)
	}
}

func run(m *migrate.Migrate, args []string, log zerolog.Logger) error {
	switch args[0] {
	case "up":
		err := m.Up()
		if errors.Is(err, migrate.ErrNoChange) {
			log.Info().Msg("migrate.up.no_change")
			return nil
		}
		if err != nil {
			return err
		}
		log.Info().Msg("migrate.up.applied")

	case "down":
		if err := m.Steps(-1); err != nil {
			return err
		}
		log.Info().Msg("migrate.down.reverted")

	case "goto":
		if len(args) < 2 {
			return errors.New("goto requires a version number")
		}
		version, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", args[1], err)
		}
		err = m.Migrate(uint(version))
		if errors.Is(err, migrate.ErrNoChange) {
			log.Info().Uint64("version", version).Msg("migrate.goto.no_change")
			return nil
		}
		if err != nil {
			return err
		}
		log.Info().Uint64("version", version).Msg("migrate.goto.applied")

	case "status":
		version, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			log.Info().Msg("migrate.status.none_applied")
			return nil
		}
		if err != nil {
			return err
		}
		log.Info().Uint("version", version).Bool("dirty", dirty).Msg("migrate.status")

	default:
		printUsage()
		return fmt.Errorf("unknown command %q", args[0])
	}
	return nil
}

func printUsage() {
	fmt.Println("Usage: migrate [-database URL] <command>")
	fmt.Println("Commands:")
	fmt.Println("  up      apply all pending migrations")
	fmt.Println("  down    revert the last migration")
	fmt.Println("  goto N  migrate to version N")
	fmt.Println("  status  print the current version")
}
