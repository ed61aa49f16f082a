package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joelkehle/patent-categorizer/internal/cache"
	"github.com/joelkehle/patent-categorizer/internal/categorization"
	"github.com/joelkehle/patent-categorizer/internal/config"
	"github.com/joelkehle/patent-categorizer/internal/httpapi"
	"github.com/joelkehle/patent-categorizer/internal/lookup"
	"github.com/joelkehle/patent-categorizer/internal/patent"
	"github.com/joelkehle/patent-categorizer/internal/retrieval"
	"github.com/joelkehle/patent-categorizer/internal/telemetry"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath   = flag.String("config", "", "YAML config file (default: $PATENT_CATEGORIZER_CONFIG)")
		patentType   = flag.String("type", "granted", "Patent type: granted or application")
		number       = flag.String("number", "", "US patent or application number")
		asJSON       = flag.Bool("json", false, "Print the lookup result as JSON instead of markdown")
		noCategorize = flag.Bool("no-categorize", false, "Skip LLM categorization")
		serve        = flag.Bool("serve", false, "Run the HTTP lookup server")
		addr         = flag.String("addr", "", "Listen address for -serve (default from config)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.OTLPEndpoint, cfg.ServiceName)
	if err != nil {
		log.Fatalf("tracing: %v", err)
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = shutdownTracing(sctx)
	}()

	store, err := cache.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("cache: %v", err)
	}
	defer store.Close()

	metrics := telemetry.NewMetrics()
	pipeline := retrieval.NewPipeline(store, retrieval.NewStrategies(cfg.Retrieval())...).WithObserver(metrics)

	var caller categorization.LLMCaller
	if c, err := categorization.NewCaller(cfg.Caller()); err != nil {
		log.Printf("patent-categorizer llm disabled provider=%s err=%q", cfg.LLMProvider, err.Error())
	} else {
		caller = c
	}
	svc := lookup.NewService(pipeline, categorization.NewCategorizer(caller, store)).WithObserver(metrics)
	log.Printf("patent-categorizer ready db=%s stages=%v %s", cfg.DBPath, pipeline.StageNames(), svc.StatusLine())

	if *serve {
		listen := cfg.ListenAddr
		if *addr != "" {
			listen = *addr
		}
		if err := runServer(ctx, listen, httpapi.NewServer(svc, metrics.Handler())); err != nil {
			log.Printf("patent-categorizer server_failed err=%q", err.Error())
			return 1
		}
		return 0
	}

	pt, err := patent.ParsePatentType(*patentType)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 2
	}
	return runOnce(ctx, svc, *number, pt, !*noCategorize, *asJSON)
}

func runOnce(ctx context.Context, svc *lookup.Service, number string, pt patent.PatentType, categorize, asJSON bool) int {
	res, err := svc.Lookup(ctx, number, pt, categorize)
	if err != nil {
		if errors.Is(err, lookup.ErrEmptyNumber) {
			fmt.Fprintln(os.Stderr, "a patent number is required: -number 6172354")
			return 2
		}
		if asJSON {
			fmt.Fprintln(os.Stderr, err.Error())
		} else {
			fmt.Fprint(os.Stderr, lookup.BuildNotFoundMarkdown(res.Identifier, err))
		}
		return 1
	}
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			log.Printf("patent-categorizer encode_failed err=%q", err.Error())
			return 1
		}
		return 0
	}
	fmt.Print(lookup.BuildReportMarkdown(res, svc.StatusLine()))
	return 0
}

func runServer(ctx context.Context, addr string, handler http.Handler) error {
	log.Printf("patent-categorizer listening on %s", addr)
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
