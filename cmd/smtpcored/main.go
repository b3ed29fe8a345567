// Command smtpcored is a minimal demo daemon built on top of the
// smtpserver library: it wires a filesystem-backed maildir-less sink
// (writes messages as files), a bcrypt user database, and structured
// logging, to show how an embedder plugs the pieces together.
package main

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v2"

	"blitiri.com.ar/go/log"

	"net/http"

	"github.com/go-smtpcore/smtpcore/internal/auth"
	"github.com/go-smtpcore/smtpcore/internal/authdemo"
	"github.com/go-smtpcore/smtpcore/internal/maillog"
	"github.com/go-smtpcore/smtpcore/internal/sink"
	"github.com/go-smtpcore/smtpcore/smtpserver"
)

const usage = `smtpcored: embeddable SMTP server demo.

Usage:
  smtpcored [--config=<path>]
  smtpcored -h | --help

Options:
  --config=<path>  Path to the YAML config file [default: smtpcored.yaml].
`

// config mirrors the on-disk YAML shape.
type config struct {
	Hostname    string `yaml:"hostname"`
	Addr        string `yaml:"addr"`
	SubmitAddr  string `yaml:"submission_addr"`
	MaildirPath string `yaml:"maildir"`
	Cert        string `yaml:"cert"`
	Key         string `yaml:"key"`
	MaxDataSize int64  `yaml:"max_data_size"`
	Users       map[string]string `yaml:"users"`
	MetricsAddr string `yaml:"metrics_addr"`
}

func loadConfig(path string) (*config, error) {
	buf, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c := &config{MaxDataSize: 25 * 1024 * 1024}
	if err := yaml.Unmarshal(buf, c); err != nil {
		return nil, err
	}
	return c, nil
}

func main() {
	args, err := docopt.ParseArgs(usage, nil, "smtpcored 0.1")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	cfgPath, _ := args.String("--config")
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		log.Fatalf("loading config %s: %v", cfgPath, err)
	}

	maillog.SetDefault(maillog.NewStructured(os.Stdout))

	backend := authdemo.New()
	for user, pass := range cfg.Users {
		if err := backend.SetPassword(user, pass); err != nil {
			log.Fatalf("setting password for %s: %v", user, err)
		}
	}

	if cfg.MaildirPath == "" {
		cfg.MaildirPath = "maildir"
	}
	if err := os.MkdirAll(cfg.MaildirPath, 0700); err != nil {
		log.Fatalf("creating maildir: %v", err)
	}

	sk := sink.New(cfg.Hostname, func(sess *smtpserver.Session, from string, to []string, data []byte) error {
		name := fmt.Sprintf("%d.%s.eml", time.Now().UnixNano(), sess.ID)
		return ioutil.WriteFile(filepath.Join(cfg.MaildirPath, name), data, 0600)
	})

	srv := smtpserver.NewServer()
	srv.Hostname = cfg.Hostname
	srv.MaxDataSize = cfg.MaxDataSize
	srv.Log = maillog.Default
	srv.DataSink = sk.Handler()
	srv.Auth = auth.NewAuthenticator(backend.Callback())

	if cfg.Cert != "" {
		if err := srv.AddCert(cfg.Cert, cfg.Key); err != nil {
			log.Fatalf("loading TLS certificate: %v", err)
		}
	}

	srv.AddAddr(cfg.Addr, smtpserver.ModeSMTP)
	if cfg.SubmitAddr != "" {
		srv.AddAddr(cfg.SubmitAddr, smtpserver.ModeSubmission)
	}

	if cfg.MetricsAddr != "" {
		srv.Metrics = smtpserver.NewMetrics(prometheus.DefaultRegisterer, "smtpcored")
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				log.Errorf("metrics server: %v", err)
			}
		}()
	}

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		log.Infof("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), srv.CloseTimeout)
		defer cancel()
		if err := srv.Close(ctx); err != nil {
			log.Errorf("shutdown: %v", err)
		}
		os.Exit(0)
	}()

	log.Infof("starting smtpcored on %s", cfg.Addr)
	if err := srv.ListenAndServe(); err != nil {
		log.Fatalf("%v", err)
	}
}
