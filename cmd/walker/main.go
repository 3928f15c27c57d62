package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"github.com/banshee-data/walker.report/internal/api"
	"github.com/banshee-data/walker.report/internal/config"
	"github.com/banshee-data/walker.report/internal/db"
	"github.com/banshee-data/walker.report/internal/detection"
	"github.com/banshee-data/walker.report/internal/frames"
	"github.com/banshee-data/walker.report/internal/httputil"
	"github.com/banshee-data/walker.report/internal/hub"
	"github.com/banshee-data/walker.report/internal/ingest"
	"github.com/banshee-data/walker.report/internal/monitoring"
	"github.com/banshee-data/walker.report/internal/motion"
	"github.com/banshee-data/walker.report/internal/serialmux"
	"github.com/banshee-data/walker.report/internal/timeutil"
	"github.com/banshee-data/walker.report/internal/version"
)

// devFrame is a minimal JPEG used by the simulated camera.
var devFrame = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00, 0xFF, 0xD9}

// devLines simulate an IMU: a few seconds of walking, then standing still.
var devLines = []string{
	"# simulated imu",
	"dev-user,dev-walker,1.2,0.9,0.3",
	"dev-user,dev-walker,1.4,0.8,0.2",
	"dev-user,dev-walker,0.1,0.1,0.1",
	"dev-user,dev-walker,0.1,0.0,0.1",
	"dev-user,dev-walker,0.0,0.1,0.1",
	"dev-user,dev-walker,0.1,0.1,0.0",
	"dev-user,dev-walker,0.1,0.0,0.0",
	"dev-user,dev-walker,0.0,0.0,0.1",
}

func main() {
	settings := LoadSettings()
	settings.RegisterFlags(flag.CommandLine)
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] [migrate <action>]\n\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Get())
		return
	}

	if flag.NArg() > 0 {
		switch flag.Arg(0) {
		case "migrate":
			if err := db.RunMigrateCommand(flag.Args()[1:], settings.DBPath, os.Stdout); err != nil {
				log.Fatalf("migrate: %v", err)
			}
			return
		case "help":
			db.PrintMigrateHelp(os.Stdout)
			return
		default:
			log.Fatalf("unknown command %q", flag.Arg(0))
		}
	}

	if err := settings.Validate(); err != nil {
		log.Fatal(err)
	}
	if settings.Dev {
		settings.Detector = "static"
	}
	log.Printf("starting %s", version.Get())

	tuning := config.DefaultWalkerConfig()
	if settings.ConfigPath != "" {
		var err error
		if tuning, err = config.LoadWalkerConfig(settings.ConfigPath); err != nil {
			log.Fatalf("failed to load tuning config: %v", err)
		}
	}

	database, err := db.NewDB(settings.DBPath)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	engine, closeEngine, err := newEngine(settings)
	if err != nil {
		log.Fatalf("failed to set up detector: %v", err)
	}
	defer closeEngine()

	imu, err := newSerialMux(settings)
	if err != nil {
		log.Fatalf("failed to open IMU serial port: %v", err)
	}
	defer imu.Close()

	clock := timeutil.RealClock{}
	motionSvc := motion.NewService(database, motionConfig(tuning), clock, monitoring.Logf)

	sources := func(url string) frames.Source {
		if settings.Dev {
			return &frames.StaticSource{Images: [][]byte{devFrame}, Interval: 200 * time.Millisecond}
		}
		return frames.NewMJPEGSource(url, httputil.NewStandardClient(&http.Client{}))
	}
	manager := detection.NewManager(database, engine, sources, managerConfig(tuning, settings), clock, monitoring.Logf)

	redisClient := hub.Connect(settings.RedisAddr, settings.RedisPassword)
	if redisClient != nil {
		defer redisClient.Close()
	}
	feed := hub.New(redisClient, monitoring.Logf)
	defer feed.Close()
	manager.SetPublisher(feed)

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// session sweeper
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := motionSvc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("motion sweeper stopped: %v", err)
		}
	}()

	// run the monitor routine to manage IO on the serial port
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := imu.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("failed to monitor serial port: %v", err)
		}
		log.Print("monitor routine terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := ingest.ServeSerial(ctx, imu, motionSvc, monitoring.Logf); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("serial ingest stopped: %v", err)
		}
	}()

	if settings.MQTTBroker != "" {
		dispatcher := ingest.NewDispatcher(motionSvc, database, clock, monitoring.Logf)
		sub := ingest.NewMQTTSubscriber(ingest.MQTTConfig{
			Broker:   settings.MQTTBroker,
			Username: settings.MQTTUsername,
			Password: settings.MQTTPassword,
		}, dispatcher, clock, monitoring.Logf)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("mqtt ingest stopped: %v", err)
			}
		}()
	}

	if settings.GRPCListen != "" {
		lis, err := net.Listen("tcp", settings.GRPCListen)
		if err != nil {
			log.Fatalf("failed to listen for gRPC on %s: %v", settings.GRPCListen, err)
		}
		grpcServer := grpc.NewServer()
		detection.RegisterDetectionService(grpcServer, engine)
		wg.Add(1)
		go func() {
			defer wg.Done()
			go func() {
				<-ctx.Done()
				grpcServer.GracefulStop()
			}()
			log.Printf("serving detection over gRPC on %s", settings.GRPCListen)
			if err := grpcServer.Serve(lis); err != nil {
				log.Printf("gRPC server error: %v", err)
			}
		}()
	}

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := api.NewServer(database, motionSvc, manager, feed, tuning, clock).ServeMux()
		imu.AttachAdminRoutes(mux)
		database.AttachAdminRoutes(mux)

		server := &http.Server{
			Addr:    settings.Listen,
			Handler: api.LoggingMiddleware(mux),
		}

		go func() {
			log.Printf("listening on %s", settings.Listen)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}
		log.Printf("HTTP server routine stopped")
	}()

	<-ctx.Done()
	for _, rep := range manager.StopAll() {
		if !rep.LoopStopped || !rep.ProducerStopped {
			log.Printf("stream %s did not stop cleanly: %+v", rep.ID, rep)
		}
	}
	// Closing the port unblocks a Monitor stuck in Read.
	imu.Close()

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}

func newEngine(s Settings) (detection.Engine, func(), error) {
	switch strings.ToLower(s.Detector) {
	case "static":
		return detection.NewStaticEngine([]detection.Detection{{Label: "person", Confidence: 0.9}}), func() {}, nil
	case "grpc":
		e, err := detection.DialGRPCEngine(s.DetectorAddr)
		if err != nil {
			return nil, nil, err
		}
		return e, func() { e.Close() }, nil
	default:
		e := detection.NewHTTPEngine(s.DetectorAddr, httputil.NewStandardClient(&http.Client{Timeout: 10 * time.Second}))
		if err := e.Health(context.Background()); err != nil {
			log.Printf("detector at %s is not healthy yet: %v", s.DetectorAddr, err)
		}
		return e, func() {}, nil
	}
}

func newSerialMux(s Settings) (serialmux.SerialMuxInterface, error) {
	switch {
	case s.Dev:
		return serialmux.NewMockSerialMux(devLines, time.Second), nil
	case s.SerialPort == "":
		return serialmux.NewDisabledSerialMux(), nil
	}
	opts, err := serialmux.ParsePortOptions(s.SerialOptions)
	if err != nil {
		return nil, err
	}
	return serialmux.NewRealSerialMux(s.SerialPort, opts)
}
