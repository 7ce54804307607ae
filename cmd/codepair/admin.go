package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	"github.com/Strob0t/CodePair/internal/adapter/postgres"
	"github.com/Strob0t/CodePair/internal/config"
	"github.com/Strob0t/CodePair/internal/service"
)

// runAdmin dispatches admin subcommands (migrate, list-recordings,
// recording-stats, delete-recording).
func runAdmin(args []string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "--help" {
		printAdminHelp()
		return nil
	}

	switch args[0] {
	case "migrate":
		return runAdminMigrate(args[1:])
	case "list-recordings":
		return runAdminListRecordings(args[1:])
	case "recording-stats":
		return runAdminRecordingStats(args[1:])
	case "delete-recording":
		return runAdminDeleteRecording(args[1:])
	default:
		printAdminHelp()
		return fmt.Errorf("unknown admin command: %s", args[0])
	}
}

func printAdminHelp() {
	fmt.Fprintf(os.Stderr, `Usage: codepair admin <command> [options]

Commands:
  migrate            Apply pending PostgreSQL migrations
  list-recordings    List stored session recordings
  recording-stats    Show aggregate recording statistics
  delete-recording   Delete a stored recording
  help               Show this help message

Examples:
  codepair admin migrate
  codepair admin list-recordings --session 3f2a...
  codepair admin recording-stats
  codepair admin delete-recording --id 9c1e... --yes
`)
}

func loadAdminRecorder(ctx context.Context) (*service.SessionRecorder, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	store, cleanup, err := openRecordingStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	rec := service.NewSessionRecorder(store, service.RecorderConfig{
		MaxDuration:     cfg.Recording.MaxDuration,
		MaxEvents:       cfg.Recording.MaxEvents,
		FilterSensitive: cfg.Recording.FilterSensitive,
	})
	return rec, cleanup, nil
}

func runAdminMigrate(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx := context.Background()
	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	v, err := postgres.MigrationVersion(ctx, cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("migration version: %w", err)
	}

	fmt.Fprintf(os.Stderr, "Database at migration version %d\n", v)
	return nil
}

func runAdminListRecordings(args []string) error {
	fs := flag.NewFlagSet("list-recordings", flag.ContinueOnError)
	session := fs.String("session", "", "only list recordings of this session")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	rec, cleanup, err := loadAdminRecorder(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	list, err := rec.GetRecordings(ctx)
	if err != nil {
		return fmt.Errorf("list recordings: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSESSION\tSTARTED\tDURATION\tEVENTS\tPARTICIPANTS\tREASON")
	n := 0
	for i := range list {
		s := &list[i]
		if *session != "" && s.SessionID != *session {
			continue
		}
		n++
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			s.ID, s.SessionID, s.StartTime.Format(time.RFC3339), s.Metadata.Duration.Round(time.Second),
			s.Metadata.EventCount, s.Metadata.ParticipantCount, s.Metadata.StoppedReason)
	}
	if n == 0 {
		fmt.Println("No recordings found.")
		return nil
	}
	return w.Flush()
}

func runAdminRecordingStats(args []string) error {
	fs := flag.NewFlagSet("recording-stats", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	rec, cleanup, err := loadAdminRecorder(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	st, err := rec.GetRecordingStats(ctx)
	if err != nil {
		return fmt.Errorf("recording stats: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Recordings\t%d\n", st.TotalRecordings)
	_, _ = fmt.Fprintf(w, "Sessions\t%d\n", len(st.BySession))
	_, _ = fmt.Fprintf(w, "Events\t%d\n", st.TotalEvents)
	_, _ = fmt.Fprintf(w, "Total duration\t%s\n", st.TotalDuration.Round(time.Second))
	_, _ = fmt.Fprintf(w, "Average duration\t%s\n", st.AverageDuration.Round(time.Second))
	_, _ = fmt.Fprintf(w, "Average events\t%.1f\n", st.AverageEvents)
	if st.LongestID != "" {
		_, _ = fmt.Fprintf(w, "Longest\t%s\n", st.LongestID)
	}
	return w.Flush()
}

func runAdminDeleteRecording(args []string) error {
	fs := flag.NewFlagSet("delete-recording", flag.ContinueOnError)
	id := fs.String("id", "", "recording id (required)")
	yes := fs.Bool("yes", false, "skip the confirmation prompt")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *id == "" {
		return errors.New("--id is required")
	}

	if !*yes {
		ok, err := confirm(fmt.Sprintf("Delete recording %s? [y/N] ", *id))
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(os.Stderr, "Aborted.")
			return nil
		}
	}

	ctx := context.Background()
	rec, cleanup, err := loadAdminRecorder(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := rec.DeleteRecording(ctx, *id); err != nil {
		return fmt.Errorf("delete recording: %w", err)
	}

	fmt.Fprintf(os.Stderr, "Recording %s deleted\n", *id)
	return nil
}

// confirm asks a yes/no question on the terminal. Non-interactive input
// must pass --yes instead.
func confirm(prompt string) (bool, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) { //nolint:gosec // fd fits in int
		return false, errors.New("stdin is not a terminal, pass --yes to confirm")
	}
	fmt.Fprint(os.Stderr, prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false, fmt.Errorf("read answer: %w", err)
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}
