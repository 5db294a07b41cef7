package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"treesync/internal/configuration"
	"treesync/internal/metrics"
	"treesync/internal/relay"
	"treesync/internal/relay/grpcrelay"
	"treesync/internal/relay/wsrelay"
)

const (
	transportGRPC = "grpc"
	transportWS   = "ws"
)

// hostTransport is a relay listener plus the server that feeds it.
type hostTransport struct {
	listener relay.Listener
	serve    func() error
	shutdown func()
}

func newHostTransport(tc *configuration.TransportConfigurationProperties) (*hostTransport, error) {
	lis, err := net.Listen(tc.Network, tc.Addr())
	if err != nil {
		return nil, err
	}

	switch tc.Kind {
	case transportWS:
		srv := wsrelay.NewServer(wsSettings(tc))
		mux := http.NewServeMux()
		mux.Handle("/relay", srv)
		httpSrv := &http.Server{Handler: mux, ReadHeaderTimeout: tc.Timeout}

		slog.Info("relay listening", "transport", transportWS, "addr", lis.Addr().String())
		return &hostTransport{
			listener: srv,
			serve: func() error {
				if err := httpSrv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			},
			shutdown: func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = httpSrv.Shutdown(ctx)
			},
		}, nil

	default:
		srv := grpcrelay.NewServer(grpcrelay.Options{
			MaxConcurrentStreams: tc.MaxConcurrentStreams,
			KeepaliveTime:        tc.KeepaliveTime,
		})
		return &hostTransport{
			listener: srv,
			serve:    func() error { return srv.Serve(lis) },
			shutdown: func() { _ = srv.Close() },
		}, nil
	}
}

// newDialer returns the replica side of the configured transport and a
// function releasing its resources.
func newDialer(tc *configuration.TransportConfigurationProperties) (relay.Dialer, func(), error) {
	switch tc.Kind {
	case transportWS:
		return wsrelay.NewClient(tc.URL(), wsSettings(tc)), func() {}, nil
	default:
		cli, err := grpcrelay.NewClient(tc.Addr(), tc.KeepaliveTime)
		if err != nil {
			return nil, nil, err
		}
		return cli, func() { _ = cli.Close() }, nil
	}
}

func wsSettings(tc *configuration.TransportConfigurationProperties) wsrelay.Settings {
	s := wsrelay.DefaultSettings()
	if tc.Timeout > 0 {
		s.WriteTimeout = tc.Timeout
	}
	if tc.KeepaliveTime > 0 {
		s.PingInterval = tc.KeepaliveTime
	}
	return s
}

// startMetrics starts the metrics server when enabled. The returned stop
// function is always safe to call.
func startMetrics(mc *configuration.MetricsConfigurationProperties, ready func() bool) (func(), error) {
	if !mc.Enabled {
		return func() {}, nil
	}
	srv := metrics.NewServer(mc.Address, ready)
	if err := srv.Start(); err != nil {
		return nil, fmt.Errorf("start metrics server: %w", err)
	}
	return srv.Stop, nil
}
