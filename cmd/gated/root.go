// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"mellium.im/gate"
	"mellium.im/gate/remote/ws"
	"mellium.im/gate/spool"
	"mellium.im/xmpp/component"
	"mellium.im/xmpp/jid"
)

const envPrefix = "GATED"

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:          "gated",
		Short:        "XMPP gateway component for a session oriented chat service",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			v.SetEnvPrefix(envPrefix)
			v.AutomaticEnv()
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			if cfgFile != "" {
				v.SetConfigFile(cfgFile)
				if err := v.ReadInConfig(); err != nil {
					return err
				}
			} else {
				v.SetConfigName("gated")
				v.AddConfigPath(".")
				v.AddConfigPath("/etc/gated")
				if err := v.ReadInConfig(); err != nil {
					var notFound viper.ConfigFileNotFoundError
					if !errors.As(err, &notFound) {
						return err
					}
				}
			}
			return run(cmd.Context(), v)
		},
	}
	cmd.Flags().StringVarP(&cfgFile, "config", "c", "", "config file (default gated.yaml in . or /etc/gated)")
	cmd.Flags().String("jid", "", "component address, e.g. gate.example.net")
	cmd.Flags().String("secret", "", "component handshake secret")
	cmd.Flags().String("server", "127.0.0.1:5347", "XMPP server component socket")
	cmd.Flags().String("conference", "", "conference service address (default conference.<jid>)")
	cmd.Flags().Bool("no-muc", false, "disable the group chat service")
	cmd.Flags().String("name", "Gateway", "gateway name shown in service discovery")
	cmd.Flags().String("register-url", "", "token issuance URL shown in registration forms")
	cmd.Flags().String("spool", "gated.db", "registration database path")
	cmd.Flags().Duration("retry", 5*time.Second, "pause between stream reconnection attempts")
	cmd.Flags().BoolP("verbose", "v", false, "log verbose traces")
	cmd.Flags().Bool("dump-xml", false, "log raw XML traffic on the component stream")
	return cmd
}

// logWriter lets a logger act as the destination of an XML tee.
type logWriter struct {
	logger *log.Logger
}

func (w logWriter) Write(p []byte) (int, error) {
	w.logger.Printf("%s", p)
	return len(p), nil
}

// teeConn mirrors component stream traffic into the dump writers.
type teeConn struct {
	io.Reader
	io.Writer
	conn net.Conn
}

func (t teeConn) Close() error { return t.conn.Close() }

func dumpConn(conn net.Conn) teeConn {
	in := logWriter{log.New(os.Stderr, "RECV ", log.LstdFlags)}
	out := logWriter{log.New(os.Stderr, "SENT ", log.LstdFlags)}
	return teeConn{
		Reader: io.TeeReader(conn, in),
		Writer: io.MultiWriter(conn, out),
		conn:   conn,
	}
}

func run(ctx context.Context, v *viper.Viper) error {
	addr := v.GetString("jid")
	secret := v.GetString("secret")
	if addr == "" || secret == "" {
		return fmt.Errorf("gated: jid and secret are required")
	}
	j, err := jid.Parse(addr)
	if err != nil {
		return fmt.Errorf("gated: bad component address %q: %w", addr, err)
	}

	logger := log.New(os.Stderr, "gated ", log.LstdFlags)
	debug := log.New(io.Discard, "", 0)
	if v.GetBool("verbose") {
		debug = log.New(os.Stderr, "debug ", log.LstdFlags)
	}

	var muc jid.JID
	if !v.GetBool("no-muc") {
		conf := v.GetString("conference")
		if conf == "" {
			conf = "conference." + j.Domainpart()
		}
		muc, err = jid.Parse(conf)
		if err != nil {
			return fmt.Errorf("gated: bad conference address %q: %w", conf, err)
		}
	}

	store, err := spool.Open(v.GetString("spool"))
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Printf("closing spool: %v", err)
		}
	}()

	server := v.GetString("server")
	bridge, err := gate.New(gate.Config{
		JID:         j,
		MUC:         muc,
		Name:        v.GetString("name"),
		RegisterURL: v.GetString("register-url"),
		Store:       store,
		Dialer: &ws.Dialer{
			Logger: logger,
			Debug:  debug,
		},
		Dial: func(ctx context.Context) (gate.Stream, error) {
			var d net.Dialer
			conn, err := d.DialContext(ctx, "tcp", server)
			if err != nil {
				return nil, err
			}
			var rw io.ReadWriter = conn
			if v.GetBool("dump-xml") {
				rw = dumpConn(conn)
			}
			session, err := component.NewSession(ctx, j, []byte(secret), rw)
			if err != nil {
				conn.Close()
				return nil, err
			}
			return session, nil
		},
		RetryDelay: v.GetDuration("retry"),
		Logger:     logger,
		Debug:      debug,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	logger.Printf("serving %s via %s", j, server)
	return bridge.Run(ctx)
}
