package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hlekkr/hlekkr/pkg/config"
	"github.com/hlekkr/hlekkr/pkg/kms"
	"github.com/hlekkr/hlekkr/pkg/pipeline"
	"github.com/hlekkr/hlekkr/pkg/review"
	"github.com/hlekkr/hlekkr/pkg/threatintel"
)

const version = "1.0.0"

const usage = `hlekkr — media verification pipeline

Usage:
  hlekkr serve                        run the service (default)
  hlekkr verify -file <path>          run the full pipeline over a local file
  hlekkr verify -bucket <b> -key <k>  run the pipeline over a stored object
  hlekkr chain <mediaId> [-verify|-graph]
  hlekkr score <mediaId> [-history]
  hlekkr score stats
  hlekkr review list [-status <s>]
  hlekkr review assign <reviewId>
  hlekkr review complete <reviewId> -moderator <m> -decision <d> [...]
  hlekkr sweep <timeout-check|reassignment-check|escalation-check|cleanup>
  hlekkr threats [-reports] [-type <t>]
  hlekkr keys <init|rotate>
  hlekkr version
`

// Run dispatches the subcommand. Exit codes: 0 ok, 1 failure, 2 usage.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return serveCmd(stderr)
	}
	switch args[1] {
	case "serve":
		return serveCmd(stderr)
	case "verify":
		return verifyCmd(args[2:], stdout, stderr)
	case "chain":
		return chainCmd(args[2:], stdout, stderr)
	case "score":
		return scoreCmd(args[2:], stdout, stderr)
	case "review":
		return reviewCmd(args[2:], stdout, stderr)
	case "sweep":
		return sweepCmd(args[2:], stdout, stderr)
	case "threats":
		return threatsCmd(args[2:], stdout, stderr)
	case "keys":
		return keysCmd(args[2:], stdout, stderr)
	case "version":
		fmt.Fprintln(stdout, "hlekkr "+version)
		return 0
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", args[1], usage)
		return 2
	}
}

func serveCmd(stderr io.Writer) int {
	if err := serve(context.Background()); err != nil {
		fmt.Fprintln(stderr, "serve:", err)
		return 1
	}
	return 0
}

// cliService builds a service for one-shot commands: quiet logger, no
// telemetry goroutines left behind.
func cliService(ctx context.Context, mode serviceMode) (*service, error) {
	cfg := config.Load()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	return newService(ctx, cfg, logger, mode)
}

func printJSON(stdout io.Writer, v any) {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func verifyCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	file := fs.String("file", "", "local media file to verify")
	bucket := fs.String("bucket", "", "destination bucket (default HLEKKR_MEDIA_BUCKET)")
	key := fs.String("key", "", "destination key (default the file name)")
	domain := fs.String("domain", "", "claimed source domain")
	sourceURL := fs.String("url", "", "claimed source URL")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *file == "" && (*bucket == "" || *key == "") {
		fmt.Fprintln(stderr, "verify: -file, or -bucket and -key, required")
		return 2
	}

	ctx := context.Background()
	svc, err := cliService(ctx, modeOnline)
	if err != nil {
		fmt.Fprintln(stderr, "verify:", err)
		return 1
	}
	defer svc.Close()

	if *bucket == "" {
		*bucket = svc.cfg.MediaBucket
	}

	var body []byte
	if *file != "" {
		if body, err = os.ReadFile(*file); err != nil {
			fmt.Fprintln(stderr, "verify:", err)
			return 1
		}
		if *key == "" {
			*key = filepath.Base(*file)
		}
	} else if body, err = svc.objects.Get(ctx, *bucket, *key); err != nil {
		fmt.Fprintln(stderr, "verify:", err)
		return 1
	}

	report, err := svc.pipeline.Run(ctx, pipeline.UploadInput{
		Bucket:       *bucket,
		Key:          *key,
		Body:         body,
		ContentType:  http.DetectContentType(body),
		SourceURL:    *sourceURL,
		SourceDomain: *domain,
	})
	if err != nil {
		fmt.Fprintln(stderr, "verify:", err)
		return 1
	}
	printJSON(stdout, report)
	return 0
}

func chainCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("chain", flag.ContinueOnError)
	fs.SetOutput(stderr)
	doVerify := fs.Bool("verify", false, "verify proofs and linkage instead of listing")
	doGraph := fs.Bool("graph", false, "print the provenance graph")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "chain: one mediaId required")
		return 2
	}

	ctx := context.Background()
	svc, err := cliService(ctx, modeOffline)
	if err != nil {
		fmt.Fprintln(stderr, "chain:", err)
		return 1
	}
	defer svc.Close()

	mediaID := fs.Arg(0)
	switch {
	case *doVerify:
		verification, err := svc.recorder.VerifyChain(ctx, mediaID)
		if err != nil {
			fmt.Fprintln(stderr, "chain:", err)
			return 1
		}
		printJSON(stdout, verification)
	case *doGraph:
		graph, err := svc.recorder.ProvenanceGraph(ctx, mediaID)
		if err != nil {
			fmt.Fprintln(stderr, "chain:", err)
			return 1
		}
		printJSON(stdout, graph)
	default:
		events, err := svc.recorder.Chain(ctx, mediaID)
		if err != nil {
			fmt.Fprintln(stderr, "chain:", err)
			return 1
		}
		printJSON(stdout, events)
	}
	return 0
}

func scoreCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("score", flag.ContinueOnError)
	fs.SetOutput(stderr)
	history := fs.Bool("history", false, "print every version, newest first")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "score: one mediaId (or 'stats') required")
		return 2
	}

	ctx := context.Background()
	svc, err := cliService(ctx, modeOffline)
	if err != nil {
		fmt.Fprintln(stderr, "score:", err)
		return 1
	}
	defer svc.Close()

	if fs.Arg(0) == "stats" {
		stats, err := svc.stores.scores.Stats(ctx, time.Time{}, time.Now().UTC().Add(time.Hour))
		if err != nil {
			fmt.Fprintln(stderr, "score:", err)
			return 1
		}
		printJSON(stdout, stats)
		return 0
	}

	mediaID := fs.Arg(0)
	if *history {
		versions, err := svc.stores.scores.History(ctx, mediaID)
		if err != nil {
			fmt.Fprintln(stderr, "score:", err)
			return 1
		}
		printJSON(stdout, versions)
		return 0
	}

	latest, err := svc.stores.scores.Latest(ctx, mediaID)
	if err != nil {
		fmt.Fprintln(stderr, "score:", err)
		return 1
	}
	if latest == nil {
		fmt.Fprintln(stderr, "score: no trust score recorded for", mediaID)
		return 1
	}
	printJSON(stdout, latest)
	return 0
}

func reviewCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "review: subcommand required (list, assign, complete)")
		return 2
	}

	ctx := context.Background()
	svc, err := cliService(ctx, modeOffline)
	if err != nil {
		fmt.Fprintln(stderr, "review:", err)
		return 1
	}
	defer svc.Close()

	switch args[0] {
	case "list":
		fs := flag.NewFlagSet("review list", flag.ContinueOnError)
		fs.SetOutput(stderr)
		status := fs.String("status", string(review.StatusPending), "review status to list")
		limit := fs.Int("limit", 50, "maximum items")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		items, err := svc.stores.reviews.ListByStatus(ctx, review.Status(*status), *limit)
		if err != nil {
			fmt.Fprintln(stderr, "review:", err)
			return 1
		}
		printJSON(stdout, items)
		return 0
	case "assign":
		if len(args) != 2 {
			fmt.Fprintln(stderr, "review assign: one reviewId required")
			return 2
		}
		item, err := svc.reviews.Assign(ctx, args[1])
		if err != nil {
			fmt.Fprintln(stderr, "review:", err)
			return 1
		}
		printJSON(stdout, item)
		return 0
	case "complete":
		fs := flag.NewFlagSet("review complete", flag.ContinueOnError)
		fs.SetOutput(stderr)
		moderator := fs.String("moderator", "", "deciding moderator id")
		decision := fs.String("decision", "", "confirm, deny, uncertain or escalate")
		confidence := fs.String("confidence", "medium", "low, medium or high")
		threat := fs.String("threat", "", "optional threat level")
		justification := fs.String("justification", "", "decision rationale (10-2000 chars)")
		adjustment := fs.Float64("adjustment", 50, "trust score adjustment 0-100")
		tags := fs.String("tags", "", "comma-separated tags")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		if fs.NArg() != 1 || *moderator == "" || *decision == "" {
			fmt.Fprintln(stderr, "review complete: reviewId, -moderator and -decision required")
			return 2
		}
		in := review.CompleteInput{
			ReviewID:             fs.Arg(0),
			ModeratorID:          *moderator,
			DecisionType:         review.DecisionType(*decision),
			ConfidenceLevel:      review.ConfidenceLevel(*confidence),
			ThreatLevel:          review.ThreatLevel(*threat),
			Justification:        *justification,
			TrustScoreAdjustment: *adjustment,
		}
		if *tags != "" {
			in.Tags = strings.Split(*tags, ",")
		}
		result, err := svc.complete.Complete(ctx, in)
		if err != nil {
			fmt.Fprintln(stderr, "review:", err)
			return 1
		}
		printJSON(stdout, result)
		return 0
	default:
		fmt.Fprintf(stderr, "review: unknown subcommand %q\n", args[0])
		return 2
	}
}

func sweepCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		fmt.Fprintln(stderr, "sweep: one detail type required (timeout-check, reassignment-check, escalation-check, cleanup)")
		return 2
	}

	ctx := context.Background()
	svc, err := cliService(ctx, modeOffline)
	if err != nil {
		fmt.Fprintln(stderr, "sweep:", err)
		return 1
	}
	defer svc.Close()

	res, err := svc.pipeline.HandleSchedule(ctx, pipeline.SchedulerMessage{DetailType: args[0]})
	if err != nil {
		fmt.Fprintln(stderr, "sweep:", err)
		return 1
	}
	fmt.Fprintln(stdout, res.Body)
	if res.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}

func threatsCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("threats", flag.ContinueOnError)
	fs.SetOutput(stderr)
	reports := fs.Bool("reports", false, "list reports instead of indicators")
	typ := fs.String("type", "", "filter by indicator or threat type")
	limit := fs.Int("limit", 50, "maximum items")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	svc, err := cliService(ctx, modeOffline)
	if err != nil {
		fmt.Fprintln(stderr, "threats:", err)
		return 1
	}
	defer svc.Close()

	if *reports {
		out, err := svc.stores.threats.ListReports(ctx, threatintel.ThreatType(*typ), *limit)
		if err != nil {
			fmt.Fprintln(stderr, "threats:", err)
			return 1
		}
		printJSON(stdout, out)
		return 0
	}
	out, err := svc.stores.threats.ListIndicators(ctx, threatintel.IndicatorType(*typ), *limit)
	if err != nil {
		fmt.Fprintln(stderr, "threats:", err)
		return 1
	}
	printJSON(stdout, out)
	return 0
}

func keysCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		fmt.Fprintln(stderr, "keys: subcommand required (init, rotate)")
		return 2
	}
	cfg := config.Load()
	if cfg.KMSSecret != "" {
		fmt.Fprintln(stderr, "keys: HLEKKR_KMS_SECRET is set; the static key has no keystore to manage")
		return 1
	}

	local, err := kms.NewLocalKMS(cfg.KeystorePath)
	if err != nil {
		fmt.Fprintln(stderr, "keys:", err)
		return 1
	}

	switch args[0] {
	case "init":
		fmt.Fprintf(stdout, "keystore %s ready, active key version %d\n", cfg.KeystorePath, local.ActiveVersion())
		return 0
	case "rotate":
		v, err := local.Rotate()
		if err != nil {
			fmt.Fprintln(stderr, "keys:", err)
			return 1
		}
		fmt.Fprintf(stdout, "rotated, active key version %d\n", v)
		return 0
	default:
		fmt.Fprintf(stderr, "keys: unknown subcommand %q\n", args[0])
		return 2
	}
}
