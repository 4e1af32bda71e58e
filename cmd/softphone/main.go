// Command softphone registers a single SIP account against a registrar and
// answers inbound signaling until interrupted. It is the smallest useful
// wiring of the govoip agent.
package main

import (
	"crypto/tls"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	govoip "github.com/yuzhay/govoip"
	"github.com/yuzhay/govoip/credentials"
	"github.com/yuzhay/govoip/internal/config"
	"github.com/yuzhay/govoip/sip"
	"github.com/yuzhay/govoip/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}

	setupLogger(cfg)

	creds := credentials.NewStore()
	creds.Add(cfg.Server, "", cfg.User, credentials.Credentials{
		Username: cfg.User,
		Password: cfg.Password,
	})

	opts := []govoip.Option{
		govoip.WithBindAddr(cfg.BindIP, cfg.BindPort),
		govoip.WithTransport(transport.Mode(cfg.Transport)),
		govoip.WithExpires(cfg.DefaultExpires),
		govoip.WithRegisterTimeout(cfg.RegisterTimeout),
		govoip.WithCallback(func(msg *sip.Message) string {
			log.Info().Str("msg", msg.Summary()).Msg("inbound")
			return ""
		}),
	}
	if cfg.AllowBasicAuth {
		opts = append(opts, govoip.WithAllowBasicAuth())
	}
	if cfg.Transport == "TLS" && cfg.TLSCert != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			log.Fatal().Err(err).Msg("loading TLS keypair")
		}
		opts = append(opts, govoip.WithTLSConfig(&tls.Config{
			ServerName:   cfg.Server,
			Certificates: []tls.Certificate{cert},
		}))
	}

	agent := govoip.NewAgent(cfg.Server, cfg.Port, cfg.User, creds, opts...)

	if cfg.MetricsAddr != "" {
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddr, nil); err != nil {
				log.Error().Err(err).Msg("metrics server")
			}
		}()
	}

	if err := agent.Start(); err != nil {
		log.Fatal().Err(err).Msg("start")
	}
	log.Info().Str("server", cfg.Server).Str("user", cfg.User).Msg("registered")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info().Msg("shutting down")
	if err := agent.Stop(); err != nil {
		log.Error().Err(err).Msg("stop")
	}
}

func setupLogger(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.LogFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	if level == zerolog.DebugLevel {
		sip.SIPDebug = true
	}
}
