/*
 *
 * Copyright 2025 the msgq authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

// Command msgq publishes, subscribes, and benchmarks over the messaging
// backends. The backend defaults to the MSGQ_ZMQ / MSGQ_FAKE environment
// selection and can be forced with --backend.
package main

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/spf13/cobra"

	"github.com/rtelemetry/msgq"
)

var (
	flagBackend string
	flagSize    uint64
	flagDir     string
)

func parseBackend(s string) (msgq.Backend, error) {
	switch s {
	case "":
		return msgq.BackendFromEnv(), nil
	case "shm":
		return msgq.BackendSHM, nil
	case "zmq":
		return msgq.BackendZMQ, nil
	case "fake-shm":
		return msgq.BackendFakeSHM, nil
	case "fake-zmq":
		return msgq.BackendFakeZMQ, nil
	default:
		return 0, fmt.Errorf("unknown backend %q (want shm, zmq, fake-shm or fake-zmq)", s)
	}
}

func newMessagingContext() (*msgq.Context, error) {
	backend, err := parseBackend(flagBackend)
	if err != nil {
		return nil, err
	}
	opts := []msgq.ContextOption{}
	if flagSize > 0 {
		opts = append(opts, msgq.WithSegmentSize(flagSize))
	}
	if flagDir == "" {
		flagDir = os.Getenv("MSGQ_SHM_DIR")
	}
	if flagDir != "" {
		opts = append(opts, msgq.WithShmDir(flagDir))
	}
	return msgq.NewContext(backend, opts...), nil
}

func newPubCmd() *cobra.Command {
	var (
		message  string
		count    int
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "pub <endpoint>",
		Short: "Publish messages to an endpoint",
		Long: `Publish messages to an endpoint.

With --message, sends that payload --count times at --interval. Without it,
reads lines from stdin and publishes each one.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := newMessagingContext()
			if err != nil {
				return err
			}
			pub, err := msgq.NewPubSocket(ctx, args[0])
			if err != nil {
				return err
			}
			defer pub.Close()

			if message != "" {
				for i := 0; i < count; i++ {
					if _, err := pub.Send([]byte(message)); err != nil {
						return err
					}
					if interval > 0 && i < count-1 {
						time.Sleep(interval)
					}
				}
				slog.Info("published", "endpoint", args[0], "count", count)
				return nil
			}

			scanner := bufio.NewScanner(os.Stdin)
			n := 0
			for scanner.Scan() {
				if _, err := pub.Send(scanner.Bytes()); err != nil {
					return err
				}
				n++
			}
			if err := scanner.Err(); err != nil {
				return err
			}
			slog.Info("published", "endpoint", args[0], "count", n)
			return nil
		},
	}

	cmd.Flags().StringVarP(&message, "message", "m", "", "payload to publish instead of reading stdin")
	cmd.Flags().IntVarP(&count, "count", "c", 1, "how many times to publish --message")
	cmd.Flags().DurationVarP(&interval, "interval", "i", 0, "delay between published messages")
	return cmd
}

func newSubCmd() *cobra.Command {
	var (
		conflate bool
		timeout  time.Duration
		max      int
	)

	cmd := &cobra.Command{
		Use:   "sub <endpoint>",
		Short: "Subscribe to an endpoint and print messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := newMessagingContext()
			if err != nil {
				return err
			}

			opts := []msgq.SubOption{msgq.WithRecvTimeout(timeout)}
			if conflate {
				opts = append(opts, msgq.WithConflate())
			}
			sub, err := msgq.NewSubSocket(ctx, args[0], opts...)
			if err != nil {
				return err
			}
			defer sub.Close()

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

			received := 0
			for max <= 0 || received < max {
				select {
				case <-stop:
					slog.Info("interrupted", "received", received)
					return nil
				default:
				}

				msg, err := sub.Recv()
				if err != nil {
					return err
				}
				if msg == nil {
					continue
				}
				fmt.Println(string(msg.Data()))
				received++
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&conflate, "conflate", false, "only deliver the newest message")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 100*time.Millisecond, "receive poll timeout")
	cmd.Flags().IntVarP(&max, "max", "n", 0, "exit after this many messages (0 = run until interrupted)")
	return cmd
}

func newBenchCmd() *cobra.Command {
	var (
		messages int
		payload  int
		subs     int
	)

	cmd := &cobra.Command{
		Use:   "bench <endpoint>",
		Short: "Measure publish/subscribe throughput",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := newMessagingContext()
			if err != nil {
				return err
			}
			endpoint := args[0]

			pub, err := msgq.NewPubSocket(ctx, endpoint)
			if err != nil {
				return err
			}
			defer pub.Close()

			pool, err := ants.NewPool(subs)
			if err != nil {
				return err
			}
			defer pool.Release()

			var wg sync.WaitGroup
			counts := make([]int, subs)
			drops := make([]int, subs)
			ready := make(chan struct{}, subs)

			for i := 0; i < subs; i++ {
				i := i
				wg.Add(1)
				err := pool.Submit(func() {
					defer wg.Done()

					sub, err := msgq.NewSubSocket(ctx, endpoint,
						msgq.WithRecvTimeout(500*time.Millisecond))
					if err != nil {
						slog.Error("subscriber setup failed", "worker", i, "error", err)
						ready <- struct{}{}
						return
					}
					defer sub.Close()
					ready <- struct{}{}

					misses := 0
					for counts[i] < messages && misses < 4 {
						msg, err := sub.Recv()
						if err != nil {
							slog.Error("receive failed", "worker", i, "error", err)
							return
						}
						if msg == nil {
							misses++
							continue
						}
						counts[i]++
					}
					drops[i] = messages - counts[i]
				})
				if err != nil {
					wg.Done()
					return err
				}
			}

			for i := 0; i < subs; i++ {
				<-ready
			}

			data := make([]byte, payload)
			start := time.Now()
			for i := 0; i < messages; i++ {
				if _, err := pub.Send(data); err != nil {
					return err
				}
			}
			wg.Wait()
			elapsed := time.Since(start)

			total := 0
			dropped := 0
			for i := 0; i < subs; i++ {
				total += counts[i]
				dropped += drops[i]
			}
			slog.Info("benchmark complete",
				"endpoint", endpoint,
				"messages", messages,
				"payload_bytes", payload,
				"subscribers", subs,
				"elapsed", elapsed.Round(time.Millisecond),
				"sent_per_sec", int(float64(messages)/elapsed.Seconds()),
				"received", total,
				"dropped", dropped,
			)
			return nil
		},
	}

	cmd.Flags().IntVarP(&messages, "messages", "n", 100000, "messages to publish")
	cmd.Flags().IntVarP(&payload, "payload", "p", 128, "payload size in bytes")
	cmd.Flags().IntVarP(&subs, "subscribers", "s", 1, "concurrent subscribers")
	return cmd
}

func main() {
	root := &cobra.Command{
		Use:           "msgq",
		Short:         "Shared-memory and ZeroMQ pub/sub messaging",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagBackend, "backend", "",
		"transport backend: shm, zmq, fake-shm or fake-zmq (default from MSGQ_ZMQ / MSGQ_FAKE)")
	root.PersistentFlags().Uint64Var(&flagSize, "size", 0,
		"shared-memory ring size in bytes (default 10MB)")
	root.PersistentFlags().StringVar(&flagDir, "dir", "",
		"directory for shared-memory backing files (default MSGQ_SHM_DIR, then /dev/shm)")

	root.AddCommand(newPubCmd(), newSubCmd(), newBenchCmd())

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}
