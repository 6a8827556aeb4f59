package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"fooocusbot/internal/history"
	"fooocusbot/internal/infra"
)

func main() {
	var (
		idFlag    string
		limitFlag int
		jsonFlag  bool
	)
	flag.StringVar(&idFlag, "id", "", "show a single session by id")
	flag.IntVar(&limitFlag, "limit", 20, "number of recent sessions to list (max 100)")
	flag.BoolVar(&jsonFlag, "json", false, "print JSON instead of a table")
	flag.Parse()

	cfg, err := infra.LoadConfig()
	if err != nil {
		exitWithError(err)
	}
	if cfg.DatabaseURL == "" {
		exitWithError(errors.New("DATABASE_URL is required"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		exitWithError(err)
	}
	defer pool.Close()

	logger := infra.NewLogger("cli").With().Str("cmd", "history").Logger()
	recorder := history.NewRecorder(infra.NewSQLRunner(pool, logger), &logger)

	var rows []history.SessionRow
	if id := strings.TrimSpace(idFlag); id != "" {
		row, err := recorder.Session(ctx, id)
		if err != nil {
			exitWithError(err)
		}
		rows = append(rows, *row)
	} else {
		rows, err = recorder.Recent(ctx, limitFlag)
		if err != nil {
			exitWithError(err)
		}
	}

	if jsonFlag {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rows); err != nil {
			exitWithError(err)
		}
		return
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tSAFETY\tIMAGES\tOK\tFAILED\tPROMPT")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			r.ID, r.StartedAt.Format(time.RFC3339), r.Safety, r.ImageCount, r.Succeeded, r.Failed, shorten(r.Prompt, 48))
	}
	_ = tw.Flush()
}

func shorten(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-1]) + "…"
}

func exitWithError(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
