package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/go-pkgz/lgr"
	"github.com/hashicorp/go-multierror"
	"github.com/jessevdk/go-flags"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/akudrin/mailsieve/app/corpus"
	"github.com/akudrin/mailsieve/app/server"
	"github.com/akudrin/mailsieve/app/storage"
	"github.com/akudrin/mailsieve/lib/classifier"
)

type options struct {
	Dataset string `long:"dataset" env:"DATASET" default:"data/spam_ham_dataset.csv" description:"labeled dataset file"`

	Server struct {
		ListenAddr string `long:"listen" env:"LISTEN" default:":8080" description:"listen address"`
	} `group:"server" namespace:"server" env-namespace:"SERVER"`

	Eval struct {
		Enabled bool    `long:"enabled" env:"ENABLED" description:"evaluate accuracy on a held-out split instead of serving"`
		Ratio   float64 `long:"ratio" env:"RATIO" default:"0.8" description:"train part of the shuffled dataset"`
		Seed    int64   `long:"seed" env:"SEED" default:"42" description:"shuffle seed"`
	} `group:"eval" namespace:"eval" env-namespace:"EVAL"`

	Logger struct {
		Enabled    bool   `long:"enabled" env:"ENABLED" description:"enable rotated audit log of classifications"`
		FileName   string `long:"file" env:"FILE" default:"mailsieve.log" description:"location of audit log"`
		MaxSize    string `long:"max-size" env:"MAX_SIZE" default:"100M" description:"maximum size before it gets rotated"`
		MaxBackups int    `long:"max-backups" env:"MAX_BACKUPS" default:"10" description:"maximum number of old log files to retain"`
	} `group:"logger" namespace:"logger" env-namespace:"LOGGER"`

	DB     string `long:"db" env:"DB" default:"mailsieve.db" description:"sqlite file to keep classification results, empty to disable"`
	Strict bool   `long:"strict" env:"STRICT" description:"fail classification on an untrained model instead of returning ham"`
	Dbg    bool   `long:"dbg" env:"DEBUG" description:"debug mode"`
}

var revision = "local"

func main() {
	fmt.Printf("mailsieve %s\n", revision)
	var opts options
	p := flags.NewParser(&opts, flags.PrintErrors|flags.PassDoubleDash|flags.HelpFlag)
	if _, err := p.Parse(); err != nil {
		if err.(*flags.Error).Type != flags.ErrHelp {
			log.Printf("[ERROR] cli error: %v", err)
		}
		os.Exit(2)
	}

	setupLog(opts.Dbg)
	log.Printf("[DEBUG] options: %+v", opts)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		// catch signal and invoke graceful termination
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
		<-stop
		log.Printf("[WARN] interrupt signal")
		cancel()
	}()

	if err := execute(ctx, opts); err != nil {
		log.Printf("[ERROR] %v", err)
		os.Exit(1)
	}
}

func execute(ctx context.Context, opts options) error {
	examples, err := corpus.LoadFile(opts.Dataset)
	if err != nil {
		return fmt.Errorf("can't load dataset, %w", err)
	}
	if len(examples) == 0 {
		return fmt.Errorf("dataset %s has no usable records", opts.Dataset)
	}
	log.Printf("[INFO] loaded %d examples from %s", len(examples), opts.Dataset)

	if opts.Eval.Enabled {
		return executeEval(opts, examples)
	}
	return executeServer(ctx, opts, examples)
}

// executeEval trains on a shuffled split and reports accuracy on the rest.
func executeEval(opts options, examples []classifier.Example) error {
	train, test := corpus.Split(examples, opts.Eval.Ratio, opts.Eval.Seed)
	if len(train) == 0 || len(test) == 0 {
		return fmt.Errorf("split ratio %v leaves an empty part, train: %d, test: %d",
			opts.Eval.Ratio, len(train), len(test))
	}

	model := classifier.Train(classifier.Config{StrictUntrained: opts.Strict}, train)
	logModelInfo(model.Info())

	res := classifier.Evaluate(model, test)
	color.New(color.Bold).Printf("evaluated %d messages\n", res.Total)
	color.New(color.FgGreen).Printf("correct predictions: %d\n", res.Correct)
	color.New(color.FgCyan).Printf("accuracy: %.2f%%\n", res.Accuracy*100)
	return nil
}

// executeServer trains on the full dataset and serves classification requests.
func executeServer(ctx context.Context, opts options, examples []classifier.Example) error {
	model := classifier.Train(classifier.Config{StrictUntrained: opts.Strict}, examples)
	logModelInfo(model.Info())

	var detections *storage.Detections
	srvConfig := server.Config{
		Version:    revision,
		ListenAddr: opts.Server.ListenAddr,
		Model:      model,
	}

	if opts.DB != "" {
		var err error
		if detections, err = storage.NewDetections(ctx, opts.DB); err != nil {
			return fmt.Errorf("can't make detections storage, %w", err)
		}
		srvConfig.Detections = detections
		log.Printf("[DEBUG] detections storage: %s", opts.DB)
	}

	auditWr, err := makeAuditLogWriter(opts)
	if err != nil {
		return fmt.Errorf("can't make audit log writer, %w", err)
	}
	srvConfig.AuditLog = auditWr

	defer func() {
		errs := new(multierror.Error)
		errs = multierror.Append(errs, auditWr.Close())
		if detections != nil {
			errs = multierror.Append(errs, detections.Close())
		}
		if cerr := errs.ErrorOrNil(); cerr != nil {
			log.Printf("[WARN] cleanup failed, %v", cerr)
		}
	}()

	srv := server.NewServer(srvConfig)
	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("server failed, %w", err)
	}
	return nil
}

func logModelInfo(info classifier.Info) {
	log.Printf("[INFO] trained on %d examples, spam: %d, ham: %d, vocabulary: %d",
		info.SpamExamples+info.HamExamples, info.SpamExamples, info.HamExamples, info.Vocabulary)
	if info.SpamExamples == 0 || info.HamExamples == 0 {
		log.Printf("[WARN] model trained on a single class only, accuracy will be poor")
	}
}

// makeAuditLogWriter creates a writer to keep json-lines records of
// classification decisions, rotated by lumberjack.
func makeAuditLogWriter(opts options) (io.WriteCloser, error) {
	if !opts.Logger.Enabled {
		return nopWriteCloser{io.Discard}, nil
	}

	sizeParse := func(inp string) (uint64, error) {
		if inp == "" {
			return 0, errors.New("empty value")
		}
		for i, sfx := range []string{"k", "m", "g", "t"} {
			if strings.HasSuffix(inp, strings.ToUpper(sfx)) || strings.HasSuffix(inp, strings.ToLower(sfx)) {
				val, err := strconv.Atoi(inp[:len(inp)-1])
				if err != nil {
					return 0, fmt.Errorf("can't parse %s: %w", inp, err)
				}
				return uint64(float64(val) * math.Pow(float64(1024), float64(i+1))), nil
			}
		}
		return strconv.ParseUint(inp, 10, 64)
	}

	maxSize, perr := sizeParse(opts.Logger.MaxSize)
	if perr != nil {
		return nil, fmt.Errorf("can't parse logger MaxSize: %w", perr)
	}
	maxSize /= 1048576

	log.Printf("[INFO] audit log enabled for %s, max size %dM", opts.Logger.FileName, maxSize)
	return &lumberjack.Logger{
		Filename:   opts.Logger.FileName,
		MaxSize:    int(maxSize), // in MB
		MaxBackups: opts.Logger.MaxBackups,
		Compress:   true,
		LocalTime:  true,
	}, nil
}

type nopWriteCloser struct{ io.Writer }

func (n nopWriteCloser) Close() error { return nil }

func setupLog(dbg bool) {
	logOpts := []lgr.Option{lgr.Msec, lgr.LevelBraces, lgr.StackTraceOnError}
	if dbg {
		logOpts = []lgr.Option{lgr.Debug, lgr.CallerFile, lgr.CallerFunc, lgr.Msec, lgr.LevelBraces, lgr.StackTraceOnError}
	}

	colorizer := lgr.Mapper{
		ErrorFunc:  func(s string) string { return color.New(color.FgHiRed).Sprint(s) },
		WarnFunc:   func(s string) string { return color.New(color.FgRed).Sprint(s) },
		InfoFunc:   func(s string) string { return color.New(color.FgYellow).Sprint(s) },
		DebugFunc:  func(s string) string { return color.New(color.FgWhite).Sprint(s) },
		CallerFunc: func(s string) string { return color.New(color.FgBlue).Sprint(s) },
		TimeFunc:   func(s string) string { return color.New(color.FgCyan).Sprint(s) },
	}
	logOpts = append(logOpts, lgr.Map(colorizer))

	lgr.SetupStdLogger(logOpts...)
	lgr.Setup(logOpts...)
}
