package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"voxscore/internal/analysis"
	"voxscore/internal/capture"
	"voxscore/internal/config"
	"voxscore/internal/journal"
	"voxscore/internal/normalize"
	"voxscore/internal/notify"
	"voxscore/internal/pipeline"
	"voxscore/internal/poller"
	"voxscore/pkg/apperr"
	"voxscore/pkg/logger"
	"voxscore/pkg/model"

	"go.uber.org/zap"
)

type options struct {
	file    string
	record  time.Duration
	user    string
	lang    string
	resume  string
	pending bool
	quality bool
}

func parseFlags() options {
	var o options
	flag.StringVar(&o.file, "file", "", "audio file to analyze")
	flag.DurationVar(&o.record, "record", 0, "record from the microphone for this long (e.g. 45s)")
	flag.StringVar(&o.user, "user", "", "user id sent with the upload")
	flag.StringVar(&o.lang, "lang", "", "language hint sent with the upload")
	flag.StringVar(&o.resume, "resume", "", "follow a previously uploaded session id")
	flag.BoolVar(&o.pending, "pending", false, "list sessions that never finished")
	flag.BoolVar(&o.quality, "quality", false, "report the recording level before uploading")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags]\n\n", os.Args[0])
		flag.PrintDefaults()
		fmt.Fprintf(flag.CommandLine.Output(), "\nEnvironment:\n%s", config.Usage())
	}
	flag.Parse()
	return o
}

func main() {
	opts := parseFlags()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}
	if err := logger.Init(cfg.Log.Debug); err != nil {
		panic("Failed to init logger: " + err.Error())
	}
	defer logger.Sync()

	jr, err := journal.Open(cfg.Journal.Path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "journal:", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, cfg, jr, opts)
	stop()
	_ = jr.Close()
	os.Exit(code)
}

func run(ctx context.Context, cfg *config.Config, jr *journal.Journal, opts options) int {
	if opts.pending {
		return listPending(jr)
	}

	modes := 0
	for _, set := range []bool{opts.file != "", opts.record > 0, opts.resume != ""} {
		if set {
			modes++
		}
	}
	if modes != 1 {
		fmt.Fprintln(os.Stderr, "exactly one of -file, -record or -resume is required")
		flag.Usage()
		return 2
	}

	userID := opts.user
	if userID == "" {
		userID = cfg.Backend.DefaultUserID
	}

	client := analysis.NewClient(analysis.Config{
		BaseURL:        cfg.Backend.BaseURL,
		Token:          analysis.StaticToken(cfg.Backend.Token),
		DefaultUserID:  cfg.Backend.DefaultUserID,
		MaxUploadBytes: cfg.Upload.MaxBytes,
		Timeout:        cfg.Backend.Timeout,
	})

	var fileName string
	session := pipeline.New(client, poller.New(client), normalize.NewNormalizer(client), pipeline.Config{
		UserID:   userID,
		Language: opts.lang,
		Poll: poller.Options{
			Interval:    cfg.Poll.Interval,
			MaxAttempts: cfg.Poll.MaxAttempts,
		},
		OnSessionIssued: func(sessionID string) {
			err := jr.Record(journal.Entry{SessionID: sessionID, UserID: userID, Language: opts.lang, FileName: fileName})
			if err != nil {
				logger.Warn("Failed to journal session", zap.String("session_id", sessionID), zap.Error(err))
			}
			fmt.Printf("session %s issued (resume with -resume %s)\n", sessionID, sessionID)
		},
	})
	session.Subscribe(progressPrinter(os.Stdout))

	var (
		report pipeline.Report
		err    error
	)
	if opts.resume != "" {
		report, err = resume(ctx, jr, session, opts.resume, userID, opts.lang)
	} else {
		src := source(cfg, opts)
		var payload *model.AudioPayload
		payload, err = session.Capture(ctx, src)
		if err == nil {
			fileName = payload.Name
			if opts.quality {
				printQuality(payload)
			}
			report, err = session.Submit(ctx, payload)
		} else if ctx.Err() != nil {
			report, err = pipeline.Report{Cancelled: true}, nil
		}
	}

	return finish(jr, session, report, err)
}

func source(cfg *config.Config, opts options) capture.Source {
	if opts.file != "" {
		return &capture.FileInput{
			Path: opts.file,
			Rules: capture.FileRules{
				AllowedExtensions: cfg.Upload.AllowedExtensions,
				MaxBytes:          cfg.Upload.MaxBytes,
				MaxDuration:       cfg.Upload.MaxDuration,
			},
		}
	}

	rec := capture.NewRecorder(
		capture.NewExecBackend(cfg.Recorder.Command, cfg.Recorder.Device),
		capture.RecorderConfig{
			Format: capture.Format{
				SampleRate: cfg.Recorder.SampleRate,
				Channels:   cfg.Recorder.Channels,
				BitDepth:   16,
			},
			ChunkBytes:  cfg.Recorder.ChunkBytes,
			MaxDuration: cfg.Recorder.MaxDuration,
			OnTick: func(elapsed time.Duration) {
				fmt.Printf("\rrecording %s / %s", elapsed.Round(time.Second), opts.record)
			},
		},
	)
	return &capture.TimedRecording{Recorder: rec, Length: opts.record}
}

func resume(ctx context.Context, jr *journal.Journal, session *pipeline.Session, sessionID, userID, lang string) (pipeline.Report, error) {
	_, err := jr.CheckResumable(sessionID)
	switch {
	case errors.Is(err, journal.ErrNotFound):
		if err := jr.Record(journal.Entry{SessionID: sessionID, UserID: userID, Language: lang}); err != nil {
			logger.Warn("Failed to journal session", zap.Error(err))
		}
	case err != nil:
		return pipeline.Report{}, err
	}
	return session.Resume(ctx, sessionID)
}

// progressPrinter writes one line per change of state or step
func progressPrinter(out io.Writer) pipeline.Listener {
	var lastState pipeline.State
	var lastStep string
	return func(s pipeline.Snapshot) {
		step := ""
		for _, st := range s.Steps {
			if st.Status == model.StepProcessing {
				step = st.Name
			}
		}
		if s.State == lastState && step == lastStep {
			return
		}
		lastState, lastStep = s.State, step

		line := string(s.State)
		if step != "" {
			line += ": " + step
		}
		if s.Status != nil && s.Status.Progress != nil {
			line += fmt.Sprintf(" (%.0f%%)", s.Status.ProgressValue())
		}
		fmt.Fprintln(out, line)
	}
}

func printQuality(payload *model.AudioPayload) {
	report, err := capture.AnalyzeQuality(payload.Data)
	if err != nil {
		fmt.Println("quality: level unavailable for this format")
		return
	}
	fmt.Printf("quality: %s (rms %.1f dB, peak %.1f dB)\n", report.Quality, report.RMSDB, report.PeakDB)
}

func listPending(jr *journal.Journal) int {
	entries, err := jr.Pending()
	if err != nil {
		fmt.Fprintln(os.Stderr, "journal:", err)
		return 1
	}
	if len(entries) == 0 {
		fmt.Println("no pending sessions")
		return 0
	}
	for _, e := range entries {
		fmt.Printf("%s  %-10s  %s  %s\n", e.SessionID, e.State, e.CreatedAt.Local().Format(time.RFC3339), e.FileName)
	}
	return 0
}

func finish(jr *journal.Journal, session *pipeline.Session, report pipeline.Report, err error) int {
	snap := session.Snapshot()
	sessionID := report.SessionID
	if sessionID == "" {
		sessionID = snap.SessionID
	}

	if report.Cancelled {
		if sessionID != "" {
			fmt.Printf("\ncancelled; session %s is still pending (resume with -resume %s)\n", sessionID, sessionID)
		} else {
			fmt.Println("\ncancelled")
		}
		return 130
	}

	if err != nil {
		if errors.Is(err, journal.ErrTerminal) {
			fmt.Fprintln(os.Stderr, "session already finished:", err)
			return 1
		}
		p := apperr.Present(err)
		fmt.Fprintf(os.Stderr, "%s: %s\n", p.Label, p.Message)
		if sessionID != "" {
			switch p.Kind {
			case apperr.KindProcessingFailed, apperr.KindSessionNotFound:
				markTerminal(jr, sessionID, model.StatusFailed, "")
			case apperr.KindTimeout:
				fmt.Fprintf(os.Stderr, "session %s may still finish; resume with -resume %s\n", sessionID, sessionID)
			}
		}
		return 1
	}

	markTerminal(jr, sessionID, model.StatusCompleted, report.Result.OverallLevel)
	fmt.Println()
	fmt.Println(notify.FormatCompleted(report.Result))
	return 0
}

func markTerminal(jr *journal.Journal, sessionID string, status model.SessionStatus, level model.CEFRLevel) {
	if err := jr.MarkTerminal(sessionID, status, level); err != nil && !errors.Is(err, journal.ErrNotFound) {
		logger.Warn("Failed to close journal entry", zap.String("session_id", sessionID), zap.Error(err))
	}
}
