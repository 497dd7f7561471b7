// peerbox-registry hands out contexts and addresses to the peers of a job,
// see `pkg/registry`.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/raskyld/peerbox/pkg/registry"
	"github.com/raskyld/peerbox/pkg/wire"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const envPrefix = "PEERBOX_REGISTRY_"

type options struct {
	port     int
	ip       string
	iface    string
	protocol string
	logLevel string
	envFile  string
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "peerbox-registry",
		Short: "Registry of the contexts and addresses of peerbox peers.",
		Long: `Registry of the contexts and addresses of peerbox peers. ` +
			`Every flag can also be set with an environment variable ` +
			`prefixed by ` + envPrefix + `, e.g. ` + envPrefix + `PORT.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := applyEnv(cmd.Flags(), opts.envFile); err != nil {
				return err
			}
			return run(cmd.Context(), opts)
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&opts.port, "port", 6000, "port to listen on")
	flags.StringVar(&opts.ip, "ip", "0.0.0.0", "ip to listen on")
	flags.StringVar(&opts.iface, "interface", "", "listen on the first ipv4 of this network interface")
	flags.StringVar(&opts.protocol, "protocol", "tcp", "tcp or udp")
	flags.StringVar(&opts.logLevel, "log-level", "info", "debug, info, warn or error")
	flags.StringVar(&opts.envFile, "env-file", "", "load environment variables from this file first")
	cmd.MarkFlagsMutuallyExclusive("ip", "interface")
	return cmd
}

// applyEnv sets every flag not given on the command line from its
// environment variable, if any.
func applyEnv(flags *pflag.FlagSet, envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	var errs []error
	flags.VisitAll(func(f *pflag.Flag) {
		if f.Changed || f.Name == "env-file" {
			return
		}
		value, ok := os.LookupEnv(envName(f.Name))
		if !ok {
			return
		}
		if err := flags.Set(f.Name, value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", envName(f.Name), err))
		}
	})
	return errors.Join(errs...)
}

func envName(flag string) string {
	name := []byte(envPrefix)
	for _, c := range []byte(flag) {
		switch {
		case c == '-':
			c = '_'
		case c >= 'a' && c <= 'z':
			c -= 'a' - 'A'
		}
		name = append(name, c)
	}
	return string(name)
}

func run(ctx context.Context, opts *options) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(opts.logLevel)); err != nil {
		return err
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	logger := slog.New(handler)

	if opts.protocol != "tcp" && opts.protocol != "udp" {
		return fmt.Errorf("unsupported protocol %q", opts.protocol)
	}

	ip := opts.ip
	if opts.iface != "" {
		var err error
		ip, err = interfaceIP(opts.iface)
		if err != nil {
			return err
		}
	}

	srv, err := registry.NewServer(&registry.ServerConfig{
		URI:        wire.FormatURI(opts.protocol, ip, opts.port),
		LogHandler: handler,
	})
	if err != nil {
		logger.Error("failed to start the registry", "error", err)
		return err
	}

	// Serve returns on SIGINT/SIGTERM, or with an error on an unknown message.
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := srv.Serve(ctx); err != nil {
		return err
	}
	logger.Info("terminating...")
	return nil
}

func interfaceIP(name string) (string, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return "", err
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return "", err
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && ipNet.IP.To4() != nil {
			return ipNet.IP.String(), nil
		}
	}
	return "", fmt.Errorf("no ipv4 address on interface %s", name)
}
