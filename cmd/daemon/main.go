package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/altia/nlserv/internal/api"
	"github.com/altia/nlserv/internal/config"
	"github.com/altia/nlserv/internal/daemon"
	"github.com/altia/nlserv/internal/jobs"
	"github.com/altia/nlserv/internal/licence"
	nlslog "github.com/altia/nlserv/internal/log"
	"github.com/altia/nlserv/internal/netutil"
	"github.com/altia/nlserv/internal/seat"
	"github.com/altia/nlserv/internal/store"
	"github.com/altia/nlserv/internal/transport"
	"github.com/altia/nlserv/internal/version"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", config.DefaultFileName, "path to Config.xml")
	stop := flag.Bool("stop", false, "ask the local server to shut down and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version.Version, version.Commit, version.Date)
		os.Exit(0)
	}

	nlslog.Configure(nlslog.Config{
		Level:   "info",
		Service: "nlserv",
		Version: version.Version,
	})
	logger := nlslog.WithComponent("main")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Str("config", *configPath).Msg("invalid configuration")
	}
	if cfg.LogLevel != "" {
		nlslog.Configure(nlslog.Config{
			Level:   cfg.LogLevel,
			Service: "nlserv",
			Version: version.Version,
		})
	}

	if *stop {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		addr := fmt.Sprintf("127.0.0.1:%d", cfg.Port)
		if err := transport.Kill(ctx, addr); err != nil {
			logger.Fatal().Err(err).Str("addr", addr).Msg("stop request failed")
		}
		logger.Info().Str("addr", addr).Msg("stop request sent")
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		logger.Fatal().Err(err).Msg("licence server failed")
	}
}

func run(ctx context.Context, cfg config.Config) error {
	logger := nlslog.WithComponent("main")

	dataFolder := cfg.DataFolder
	if dataFolder == "" {
		dataFolder = "."
	}
	licenceFolder := cfg.LicenceFolder
	if licenceFolder == "" {
		licenceFolder = "."
	}
	if err := jobs.EnsureFolders(dataFolder, licenceFolder); err != nil {
		return err
	}

	verifier, err := licence.NewVerifierFromFile(publicKeyPath(dataFolder))
	if err != nil {
		return fmt.Errorf("load public key: %w", err)
	}

	st, err := store.Open(filepath.Join(dataFolder, store.FileName))
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	manager := seat.NewManager(st, verifier, seat.Options{
		Heartbeat:            cfg.Heartbeat(),
		SkipDoubleValidation: !cfg.DoubleValidation,
	})
	reloader := &jobs.Reloader{
		Store:   st,
		Loader:  &licence.Loader{Folder: licenceFolder, Verifier: verifier},
		Manager: manager,
	}

	status, err := reloader.Startup(ctx)
	if err != nil {
		return fmt.Errorf("startup reload: %w", err)
	}
	logger.Info().
		Str("event", "main.ready").
		Int("licences", status.Licences).
		Int("port", cfg.Port).
		Msg("licence server ready")

	webAddress := ""
	var webServer *api.Server
	if cfg.EnableWeb {
		host, err := netutil.LocalIP()
		if err != nil {
			host = netutil.Hostname()
		}
		webAddress = netutil.FixUpURI(fmt.Sprintf("%s:%d", host, cfg.WebPort))

		apiCfg := api.Config{
			Addr:    fmt.Sprintf(":%d", cfg.WebPort),
			Version: version.Version,
		}
		if cfg.IsSecureWeb() {
			apiCfg.UserName = cfg.UserName
			apiCfg.Password = cfg.WebPassword()
		}
		webServer = api.NewServer(apiCfg, manager)
	}

	transportServer := transport.NewServer(transport.ServerConfig{
		Addr:       fmt.Sprintf(":%d", cfg.Port),
		Workers:    cfg.Threads,
		Version:    version.Version,
		WebAddress: webAddress,
	}, manager)

	scheduler := &jobs.Scheduler{
		Reloader: reloader,
		Next: func(now time.Time) time.Time {
			return now.Add(cfg.NextReload(now))
		},
	}
	watcher := &jobs.Watcher{Folder: licenceFolder, Reloader: reloader}

	dm, err := daemon.NewManager(daemon.Deps{
		Transport: transportServer,
		Web:       webServer,
		Scheduler: scheduler,
		Watcher:   watcher,
	})
	if err != nil {
		return err
	}
	dm.RegisterShutdownHook("store", func(context.Context) error {
		return st.Close()
	})

	return dm.Run(ctx)
}

// publicKeyPath prefers the key beside the database, falling back to
// the working directory.
func publicKeyPath(dataFolder string) string {
	p := filepath.Join(dataFolder, licence.PublicKeyFileName)
	if _, err := os.Stat(p); err == nil {
		return p
	}
	return licence.PublicKeyFileName
}
