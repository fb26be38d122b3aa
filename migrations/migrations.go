// Package migrations embeds the goose SQL migrations.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/pressly/goose/v3"
)

// FS holds every migration file.
//
//go:embed *.sql
var FS embed.FS

// ErrUnknownCommand is returned by Run for a command it does not know.
var ErrUnknownCommand = errors.New("migrations: unknown command")

// Commands lists what Run accepts.
var Commands = []string{"up", "up-by-one", "up-to <version>", "down", "down-to <version>", "redo", "status", "version"}

// Provider returns a goose provider over the embedded migrations.
func Provider(db *sql.DB) (*goose.Provider, error) {
	return goose.NewProvider(goose.DialectPostgres, db, FS)
}

// Up applies all pending migrations.
func Up(ctx context.Context, db *sql.DB) error {
	p, err := Provider(db)
	if err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	if _, err := p.Up(ctx); err != nil {
		return fmt.Errorf("migrations: up: %w", err)
	}
	return nil
}

// Run executes one migrate command and reports each step to out.
func Run(ctx context.Context, db *sql.DB, command string, args []string, out io.Writer) error {
	known := slices.ContainsFunc(Commands, func(c string) bool { return strings.Fields(c)[0] == command })
	if !known {
		return fmt.Errorf("%w: %q", ErrUnknownCommand, command)
	}
	p, err := Provider(db)
	if err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	switch command {
	case "up":
		res, err := p.Up(ctx)
		report(out, res...)
		return err
	case "up-by-one":
		res, err := p.UpByOne(ctx)
		report(out, res)
		return err
	case "up-to", "down-to":
		version, err := versionArg(args)
		if err != nil {
			return err
		}
		var res []*goose.MigrationResult
		if command == "up-to" {
			res, err = p.UpTo(ctx, version)
		} else {
			res, err = p.DownTo(ctx, version)
		}
		report(out, res...)
		return err
	case "down":
		res, err := p.Down(ctx)
		report(out, res)
		return err
	case "redo":
		down, err := p.Down(ctx)
		report(out, down)
		if err != nil {
			return err
		}
		up, err := p.UpByOne(ctx)
		report(out, up)
		return err
	case "status":
		statuses, err := p.Status(ctx)
		if err != nil {
			return err
		}
		for _, s := range statuses {
			applied := "Pending"
			if s.State == goose.StateApplied {
				applied = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
			fmt.Fprintf(out, "%-20s %s\n", applied, s.Source.Path)
		}
		return nil
	case "version":
		v, err := p.GetDBVersion(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "version %d\n", v)
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, command)
	}
}

func versionArg(args []string) (int64, error) {
	if len(args) != 1 {
		return 0, errors.New("migrations: expected exactly one version argument")
	}
	v, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("migrations: invalid version %q", args[0])
	}
	return v, nil
}

func report(out io.Writer, results ...*goose.MigrationResult) {
	for _, r := range results {
		if r == nil {
			continue
		}
		fmt.Fprintln(out, r.String())
	}
}
