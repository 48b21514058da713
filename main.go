package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"tunedrop/cmd"
	"tunedrop/config"
	"tunedrop/services"
	"tunedrop/types"

	"github.com/schollz/progressbar/v3"
)

func main() {
	var (
		server    bool
		port      int
		url       string
		quality   string
		requester int64
		zipOutput bool
		envFile   string
	)

	flag.BoolVar(&server, "server", false, "Start in web server mode")
	flag.IntVar(&port, "port", 0, "Port for web server mode (overrides SERVER_PORT)")
	flag.StringVar(&url, "url", "", "Resource URL to download")
	flag.StringVar(&quality, "quality", "", "Quality label, e.g. HIGH, MEDIUM, LOW")
	flag.Int64Var(&requester, "requester", 0, "Requester id owning the download")
	flag.BoolVar(&zipOutput, "zip", false, "Pack the downloaded files into a zip archive")
	flag.StringVar(&envFile, "env", ".env", "Optional .env file")
	flag.Parse()

	cfg, err := config.Load(envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(2)
	}
	if port > 0 {
		cfg.ServerPort = fmt.Sprint(port)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if server {
		logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
		slog.SetDefault(logger)
		if err := cmd.StartWebServer(ctx, cfg, logger); err != nil {
			logger.Error("server stopped", "error", err)
			os.Exit(1)
		}
		return
	}

	if url == "" {
		flag.Usage()
		return
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	files, err := downloadOnce(ctx, cfg, logger, cmd.NewFetcher(cfg), url, quality, requester, zipOutput)
	if err != nil {
		fmt.Fprintf(os.Stderr, "download failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println()
	for _, f := range files {
		fmt.Println(f)
	}
}

// downloadOnce runs a single job through the same queue and runner the
// server uses and renders its progress in the terminal.
func downloadOnce(ctx context.Context, cfg *config.Config, logger *slog.Logger, fetcher services.Fetcher, url, quality string, requester int64, zipOutput bool) ([]string, error) {
	store, err := services.NewArtifactStore(cfg.CacheDir)
	if err != nil {
		return nil, err
	}

	bar := newTerminalProgress()
	queue := services.NewJobQueue(services.QueueConfig{
		MaxConcurrentJobs:   1,
		ShutdownGracePeriod: cfg.ShutdownGracePeriod,
		DefaultTimeout:      cfg.JobTimeout,
		Qualities:           cfg.Qualities,
		DefaultQuality:      cfg.DefaultQuality,
	}, services.NewJobRunner(store, fetcher, logger),
		services.WithAuthorizer(services.AllowAll{}),
		services.WithNotifier(bar),
		services.WithArtifactStore(store),
		services.WithQueueLogger(logger),
	)
	defer queue.Shutdown(context.Background())

	id, err := queue.Submit(requester, url, quality)
	if err != nil {
		return nil, err
	}

	job, err := waitForJob(ctx, queue, id, bar.done)
	if err != nil {
		return nil, err
	}
	bar.finish()

	switch job.State {
	case types.JobStateCompleted:
	case types.JobStateCancelled:
		return nil, fmt.Errorf("cancelled (%s)", job.CancelReason)
	default:
		return nil, errors.New(job.ErrorDetail)
	}

	if !zipOutput {
		return job.OutputPaths, nil
	}
	dir, err := store.JobDir(job.RequesterID, job.ID)
	if err != nil {
		return nil, err
	}
	archive, err := services.NewZipPacker().Pack(dir, job.OutputPaths)
	if err != nil {
		return nil, err
	}
	return []string{archive}, nil
}

// waitForJob blocks until the job is terminal. An interrupt cancels it and
// keeps waiting so the working directory is cleaned up.
func waitForJob(ctx context.Context, queue services.JobQueue, id string, terminal <-chan struct{}) (types.Job, error) {
	interrupted := ctx.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		job, ok := queue.Status(id)
		if !ok {
			return types.Job{}, services.ErrJobNotFound
		}
		if job.State.IsTerminal() {
			return job, nil
		}
		select {
		case <-interrupted:
			queue.Cancel(id)
			interrupted = nil
		case <-terminal:
		case <-ticker.C:
		}
	}
}

// terminalProgress renders queue notifications as a byte progress bar
type terminalProgress struct {
	mu   sync.Mutex
	bar  *progressbar.ProgressBar
	max  int64
	once sync.Once
	done chan struct{}
}

func newTerminalProgress() *terminalProgress {
	return &terminalProgress{
		bar:  progressbar.DefaultBytes(-1, "queued"),
		max:  -1,
		done: make(chan struct{}),
	}
}

func (p *terminalProgress) Publish(msg types.ProgressMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch msg.Type {
	case types.MessageStatus:
		p.bar.Describe(string(msg.State))
	case types.MessageProgress:
		if msg.BytesTotal > 0 && msg.BytesTotal != p.max {
			p.max = msg.BytesTotal
			p.bar.ChangeMax64(msg.BytesTotal)
		}
		p.bar.Describe("downloading")
		p.bar.Set64(msg.BytesDone)
	default:
		p.bar.Describe(msg.Message)
		p.once.Do(func() { close(p.done) })
	}
}

func (p *terminalProgress) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bar.Finish()
}
