// Command mprpcdemo exercises the mprpc core end to end: a serve
// subcommand that echoes greetings back to callers, and an echo-client
// subcommand that sends one and prints the reply.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/solidoss/solidframe-sub006/internal/metrics"
	"github.com/solidoss/solidframe-sub006/internal/xlog"
	"github.com/solidoss/solidframe-sub006/mprpc"
)

const typeGreeting uint32 = 1

type greeting struct {
	Text string `json:"text"`
}

func serializeGreeting(v interface{}) ([]byte, error) { return json.Marshal(v) }

func deserializeGreeting(b []byte) (interface{}, error) {
	var g greeting
	if err := json.Unmarshal(b, &g); err != nil {
		return nil, err
	}
	return g, nil
}

func main() {
	root := &cobra.Command{
		Use:   "mprpcdemo",
		Short: "Exercise the mprpc core's echo round trip over a real socket",
	}
	root.AddCommand(newServeCmd(), newEchoClientCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newServeCmd() *cobra.Command {
	var listenAddr, metricsAddr string
	var verbose bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run an mprpc server that echoes Greeting messages back to the sender",
		RunE: func(cmd *cobra.Command, args []string) error {
			level := xlog.INFO
			if verbose {
				level = xlog.DEBUG
			}
			log := xlog.New(level)
			defer log.Sync()

			reg := prometheus.NewRegistry()
			m := metrics.New(reg, "mprpcdemo")

			svc := mprpc.NewService(mprpc.Config{
				ListenAddr:      listenAddr,
				ConnectionStart: mprpc.StartActive,
				Logger:          log.With("component", "server"),
				Metrics:         m,
			})
			svc.RegisterType(typeGreeting, serializeGreeting, deserializeGreeting,
				func(ctx mprpc.Context, body interface{}) {
					g := body.(greeting)
					log.Info("received greeting", "text", g.Text)
					if err := svc.SendResponse(ctx, typeGreeting, g); err != nil {
						log.Warn("send response failed", "err", err)
					}
				},
				nil, nil,
			)

			if err := svc.Listen(); err != nil {
				return err
			}
			log.Info("listening", "addr", svc.Addr().String())

			if metricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
				go func() {
					if err := http.ListenAndServe(metricsAddr, mux); err != nil {
						log.Error("metrics server stopped", "err", err)
					}
				}()
				log.Info("metrics listening", "addr", metricsAddr)
			}

			select {}
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen", "127.0.0.1:4417", "address to accept connections on")
	cmd.Flags().StringVar(&metricsAddr, "metrics-listen", "", "address to serve /metrics on; empty disables it")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	return cmd
}

func newEchoClientCmd() *cobra.Command {
	var serverAddr, text string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "echo-client",
		Short: "Send one Greeting to a server and print the echoed reply",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := xlog.New(xlog.WARN)
			defer log.Sync()

			svc := mprpc.NewService(mprpc.Config{
				ConnectionStart: mprpc.StartActive,
				Logger:          log.With("component", "client"),
			})

			done := make(chan struct{})
			var result greeting
			var resultErr error

			svc.RegisterType(typeGreeting, serializeGreeting, deserializeGreeting,
				nil,
				func(ctx mprpc.Context, sent, recv interface{}, err error) {
					if err != nil {
						resultErr = err
					} else {
						result = recv.(greeting)
					}
					close(done)
				},
				nil,
			)

			if _, err := svc.SendRequest(serverAddr, typeGreeting, greeting{Text: text}); err != nil {
				return err
			}

			select {
			case <-done:
			case <-time.After(timeout):
				return fmt.Errorf("timed out waiting for response from %s", serverAddr)
			}

			if resultErr != nil {
				return resultErr
			}
			fmt.Println(result.Text)
			return nil
		},
	}
	cmd.Flags().StringVar(&serverAddr, "server", "127.0.0.1:4417", "server address to connect to")
	cmd.Flags().StringVar(&text, "text", "hello", "greeting text to send")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "how long to wait for the response")
	return cmd
}
