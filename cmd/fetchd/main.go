package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/urfave/cli.v2"

	"github.com/fetchd/fetchd"
	"github.com/fetchd/fetchd/mongodb"
	"github.com/fetchd/fetchd/mysql"
	"github.com/fetchd/fetchd/server"
	"github.com/fetchd/fetchd/sqlite"
)

import _ "github.com/joho/godotenv/autoload"

const (
	flagAppID           = "app-id"
	flagDBType          = "dbtype"
	flagDBURL           = "dburl"
	flagMaxProc         = "max-proc"
	flagMaxProcPerCPU   = "max-proc-per-cpu"
	flagMaxRetry        = "max-retry"
	flagMaxFileSize     = "max-file-size"
	flagStoragePath     = "storage-path"
	flagPublicURL       = "public-url"
	flagStaticPath      = "static-serve-path"
	flagRestAddr        = "rest-addr"
	flagTrustedClients  = "trusted-clients"
	flagPollInterval    = "poll-interval"
	flagPollSize        = "poll-size"
	flagBrokerHost      = "broker-host"
	flagBrokerPort      = "broker-port"
	flagBrokerUser      = "broker-user"
	flagBrokerPass      = "broker-pass"
	flagBrokerVHost     = "broker-vhost"
	flagExchangeName    = "exchange-name"
	flagQueueInName     = "queue-in-name"
	flagQueueInKey      = "queue-in-routing-key"
	flagQueueOutName    = "queue-out-name"
	flagQueueOutKey     = "queue-out-routing-key"
	flagRetryIncrement  = "broker-retry-increment"
)

var version = "0.1.0"

func main() {
	app := &cli.App{
		Name:    "fetchd",
		Usage:   "Persistent file-fetch job pipeline",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: flagAppID, Value: "fw0", EnvVars: []string{"FETCHD_APP_ID"}},
			&cli.StringFlag{Name: flagDBType, Usage: "Storage type (memory, sqlite, mysql or mongodb)", Value: "sqlite", EnvVars: []string{"FETCHD_DBTYPE"}},
			&cli.StringFlag{Name: flagDBURL, Usage: "Database file or DSN for persistent storage", Value: "fetchd.db", EnvVars: []string{"FETCHD_DBURL"}},
			&cli.IntFlag{Name: flagMaxProc, Usage: "Number of worker slots (0 = CPUs x max-proc-per-cpu)", EnvVars: []string{"FETCHD_MAX_PROC"}},
			&cli.IntFlag{Name: flagMaxProcPerCPU, Value: 4, EnvVars: []string{"FETCHD_MAX_PROC_PER_CPU"}},
			&cli.IntFlag{Name: flagMaxRetry, Value: 10, EnvVars: []string{"FETCHD_MAX_RETRY"}},
			&cli.Int64Flag{Name: flagMaxFileSize, Usage: "Maximum response size in bytes", Value: 2 * 1024 * 1024, EnvVars: []string{"FETCHD_MAX_FILE_SIZE"}},
			&cli.StringFlag{Name: flagStoragePath, Value: "/tmp", EnvVars: []string{"FETCHD_STORAGE_PATH"}},
			&cli.StringFlag{Name: flagPublicURL, Usage: "Public base URL under which saved files are served", Value: "http://localhost:4000", EnvVars: []string{"FETCHD_PUBLIC_URL"}},
			&cli.StringFlag{Name: flagStaticPath, Value: "files", EnvVars: []string{"FETCHD_STATIC_SERVE_PATH"}},
			&cli.StringFlag{Name: flagRestAddr, Value: ":4000", EnvVars: []string{"FETCHD_REST_ADDR"}},
			&cli.StringSliceFlag{Name: flagTrustedClients, Usage: "Client addresses allowed to submit tasks (empty = all)", EnvVars: []string{"FETCHD_TRUSTED_CLIENTS"}},
			&cli.DurationFlag{Name: flagPollInterval, Value: 1 * time.Second, EnvVars: []string{"FETCHD_POLL_INTERVAL"}},
			&cli.IntFlag{Name: flagPollSize, Value: 5, EnvVars: []string{"FETCHD_POLL_SIZE"}},
			&cli.StringFlag{Name: flagBrokerHost, Value: "localhost", EnvVars: []string{"FETCHD_BROKER_HOST"}},
			&cli.IntFlag{Name: flagBrokerPort, Value: 5672, EnvVars: []string{"FETCHD_BROKER_PORT"}},
			&cli.StringFlag{Name: flagBrokerUser, EnvVars: []string{"FETCHD_BROKER_USER"}},
			&cli.StringFlag{Name: flagBrokerPass, EnvVars: []string{"FETCHD_BROKER_PASS"}},
			&cli.StringFlag{Name: flagBrokerVHost, Value: "/", EnvVars: []string{"FETCHD_BROKER_VHOST"}},
			&cli.StringFlag{Name: flagExchangeName, Value: "fetchd-ex", EnvVars: []string{"FETCHD_EXCHANGE_NAME"}},
			&cli.StringFlag{Name: flagQueueInName, Value: "fetchd-in-queue", EnvVars: []string{"FETCHD_QUEUE_IN_NAME"}},
			&cli.StringFlag{Name: flagQueueInKey, Value: "fetchd.in", EnvVars: []string{"FETCHD_QUEUE_IN_ROUTING_KEY"}},
			&cli.StringFlag{Name: flagQueueOutName, Value: "fetchd-out-queue", EnvVars: []string{"FETCHD_QUEUE_OUT_NAME"}},
			&cli.StringFlag{Name: flagQueueOutKey, Value: "fetchd.out", EnvVars: []string{"FETCHD_QUEUE_OUT_ROUTING_KEY"}},
			&cli.DurationFlag{Name: flagRetryIncrement, Value: 2 * time.Second, EnvVars: []string{"FETCHD_BROKER_RETRY_INCREMENT"}},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(c *cli.Context) error {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg := fetchd.Config{
		AppID:           c.String(flagAppID),
		MaxProc:         c.Int(flagMaxProc),
		MaxProcPerCPU:   c.Int(flagMaxProcPerCPU),
		MaxRetry:        c.Int(flagMaxRetry),
		MaxFileSize:     c.Int64(flagMaxFileSize),
		StoragePath:     c.String(flagStoragePath),
		PublicURL:       c.String(flagPublicURL),
		StaticServePath: c.String(flagStaticPath),
		RestAddr:        c.String(flagRestAddr),
		TrustedClients:  c.StringSlice(flagTrustedClients),
		PollInterval:    c.Duration(flagPollInterval),
		PollSize:        c.Int(flagPollSize),
		Broker: fetchd.BrokerConfig{
			Host:               c.String(flagBrokerHost),
			Port:               c.Int(flagBrokerPort),
			Username:           c.String(flagBrokerUser),
			Password:           c.String(flagBrokerPass),
			VHost:              c.String(flagBrokerVHost),
			ExchangeName:       c.String(flagExchangeName),
			QueueInName:        c.String(flagQueueInName),
			QueueInRoutingKey:  c.String(flagQueueInKey),
			QueueOutName:       c.String(flagQueueOutName),
			QueueOutRoutingKey: c.String(flagQueueOutKey),
			RetryIncrement:     c.Duration(flagRetryIncrement),
		},
	}

	bus := fetchd.NewEventBus(nil)

	// Initialize the store
	var st fetchd.Store
	var err error
	switch c.String(flagDBType) {
	case "memory":
		st = fetchd.NewInMemoryStore(bus)
	case "sqlite":
		st, err = sqlite.NewStore(c.String(flagDBURL), bus)
	case "mysql":
		st, err = mysql.NewStore(c.String(flagDBURL), bus)
	case "mongodb":
		st, err = mongodb.NewStore(c.String(flagDBURL), bus)
	default:
		return fmt.Errorf("unsupported dbtype %q; use memory, sqlite, mysql or mongodb", c.String(flagDBType))
	}
	if err != nil {
		return err
	}
	if err := st.Start(); err != nil {
		return err
	}

	scheduler := fetchd.NewScheduler(st, bus, nil)
	queue := fetchd.NewAdmissionQueue(st, bus, cfg.PollSize,
		fetchd.SetPollInterval(cfg.PollInterval))
	fetcher := fetchd.NewHTTPFetcher(cfg.MaxFileSize)
	gateway := fetchd.NewGateway(scheduler, cfg)
	launcher := fetchd.NewLauncher(queue, fetcher, gateway, cfg)
	rest := server.New(scheduler, st, bus, cfg)

	launcher.RegisterStopper(queue.Stop)
	launcher.RegisterStopper(gateway.Stop)
	launcher.RegisterStopper(rest.Stop)

	if err := launcher.Start(); err != nil {
		return err
	}
	queue.Start()
	gateway.Start()
	go func() {
		if err := rest.Serve(cfg.RestAddr); err != nil {
			log.Printf("fetchd: rest server: %v", err)
		}
	}()

	log.Printf("fetchd %s started", version)

	// First signal drains gracefully, a second one forces an unclean
	// shutdown, anything further is ignored.
	signals := make(chan os.Signal, 3)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-signals
		log.Printf("received %v, shutting down gracefully. Send again to force", sig)
		launcher.Stop()
		sig = <-signals
		log.Printf("received %v twice, forcing unclean shutdown", sig)
		launcher.Kill()
		signal.Stop(signals)
	}()

	<-launcher.Done()
	log.Printf("fetchd stopped")
	return nil
}
