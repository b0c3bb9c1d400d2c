// Command h3client is a small driver around the h3net library: fetch a
// URL over HTTP/3, or open a SOCKS-tunnelled TLS connection, from the
// command line.
package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/velabrowser/h3net"
	"github.com/velabrowser/h3net/internal/cookiejar"
	"github.com/velabrowser/h3net/internal/h3"
	"github.com/velabrowser/h3net/internal/socks"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("H3NET")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "h3client",
		Short:         "HTTP/3 client for the Vela networking core",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.String("log-level", "warn", "log level (debug, info, warn, error)")
	pf.String("proxy", "", "SOCKS proxy address (host:port)")
	pf.String("proxy-version", "5", "SOCKS version (4, 4a, 5)")
	pf.String("proxy-user", "", "SOCKS username")
	pf.String("proxy-pass", "", "SOCKS password")
	pf.Bool("early-data", false, "enable 0-RTT session resumption")
	pf.String("ticket-dir", "", "directory for the session-ticket store")
	pf.String("ticket-redis", "", "redis address for a shared ticket store")
	pf.Duration("idle-timeout", 90*time.Second, "connection idle timeout")
	pf.Duration("request-timeout", 30*time.Second, "per-request deadline")
	pf.String("cookie-policy", "prefer-secure", "cookie policy (minimal, prefer-secure, strict)")
	v.BindPFlags(pf)

	root.AddCommand(getCmd(v), tunnelCmd(v))
	return root
}

func buildConfig(v *viper.Viper) (h3net.ClientConfig, error) {
	level, err := logrus.ParseLevel(v.GetString("log-level"))
	if err != nil {
		return h3net.ClientConfig{}, err
	}

	var policy cookiejar.Policy
	switch v.GetString("cookie-policy") {
	case "minimal":
		policy = cookiejar.PolicyMinimal
	case "prefer-secure":
		policy = cookiejar.PolicyPreferSecure
	case "strict":
		policy = cookiejar.PolicyStrict
	default:
		return h3net.ClientConfig{}, fmt.Errorf("unknown cookie policy %q", v.GetString("cookie-policy"))
	}

	cfg := h3net.ClientConfig{
		IdleTimeout:    v.GetDuration("idle-timeout"),
		RequestTimeout: v.GetDuration("request-timeout"),
		CookiePolicy:   policy,
		LogLevel:       level,
	}

	if v.GetBool("early-data") {
		cfg.EnableEarlyData = true
		cfg.TicketStoreDir = v.GetString("ticket-dir")
		cfg.TicketRedisAddr = v.GetString("ticket-redis")
		// The ticket store key lives only for this process; a desktop
		// shell would fetch it from the OS keychain instead.
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return h3net.ClientConfig{}, err
		}
		cfg.TicketStoreKey = key
	}

	if addr := v.GetString("proxy"); addr != "" {
		var ver socks.Version
		switch v.GetString("proxy-version") {
		case "4":
			ver = socks.SOCKS4
		case "4a":
			ver = socks.SOCKS4a
		case "5":
			ver = socks.SOCKS5
		default:
			return h3net.ClientConfig{}, fmt.Errorf("unknown SOCKS version %q", v.GetString("proxy-version"))
		}
		cfg.Proxy = &h3net.ProxyConfig{
			Addr:     addr,
			Version:  ver,
			Username: v.GetString("proxy-user"),
			Password: v.GetString("proxy-pass"),
		}
	}
	return cfg, nil
}

func getCmd(v *viper.Viper) *cobra.Command {
	var headers []string
	cmd := &cobra.Command{
		Use:   "get <url>",
		Short: "Fetch a URL over HTTP/3 and print the response",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := buildConfig(v)
			if err != nil {
				return err
			}
			client, err := h3net.New(cfg)
			if err != nil {
				return err
			}
			defer client.Close(context.Background())

			req := &h3net.WebRequest{
				Method:      "GET",
				URL:         args[0],
				TopLevelNav: true,
			}
			for _, h := range headers {
				name, value, ok := strings.Cut(h, ":")
				if !ok {
					return fmt.Errorf("malformed header %q, want name:value", h)
				}
				req.Headers = append(req.Headers, h3.Header{
					Name:  strings.TrimSpace(name),
					Value: strings.TrimSpace(value),
				})
			}

			resp, err := client.Do(cmd.Context(), req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			fmt.Printf("HTTP/3 %d\n", resp.Status)
			for _, h := range resp.Headers {
				fmt.Printf("%s: %s\n", h.Name, h.Value)
			}
			fmt.Println()
			_, err = io.Copy(os.Stdout, resp.Body)
			return err
		},
	}
	cmd.Flags().StringArrayVarP(&headers, "header", "H", nil, "extra request header (name:value)")
	return cmd
}

func tunnelCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "tunnel <host:port>",
		Short: "Open a SOCKS tunnel to a TCP target and complete a TLS handshake",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := buildConfig(v)
			if err != nil {
				return err
			}
			if cfg.Proxy == nil {
				return fmt.Errorf("tunnel requires --proxy")
			}
			client, err := h3net.New(cfg)
			if err != nil {
				return err
			}
			defer client.Close(context.Background())

			host, portStr, err := net.SplitHostPort(args[0])
			if err != nil {
				return err
			}
			port, err := strconv.ParseUint(portStr, 10, 16)
			if err != nil {
				return err
			}

			conn, err := client.TunnelTLS(cmd.Context(), host, uint16(port))
			if err != nil {
				return err
			}
			defer conn.Close()
			fmt.Printf("tunnel established to %s via %s\n", args[0], cfg.Proxy.Addr)
			return nil
		},
	}
}
