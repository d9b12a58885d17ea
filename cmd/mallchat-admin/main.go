// ABOUTME: Operator CLI for inspecting the live cluster state in Redis.
// ABOUTME: Lists instances, a user's sessions, and the cluster-wide online count.

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/luliqiangvision/mall-chat-sub001/internal/directory"
	"github.com/luliqiangvision/mall-chat-sub001/internal/session"
)

func main() {
	var redisAddr string
	var redisPassword string
	var redisDB int

	root := &cobra.Command{
		Use:          "mallchat-admin",
		Short:        "Inspect live mallchat cluster state",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&redisAddr, "redis", "localhost:6379", "redis address")
	root.PersistentFlags().StringVar(&redisPassword, "redis-password", "", "redis password")
	root.PersistentFlags().IntVar(&redisDB, "redis-db", 0, "redis database number")

	newClient := func() *redis.Client {
		return redis.NewClient(&redis.Options{
			Addr:     redisAddr,
			Password: redisPassword,
			DB:       redisDB,
		})
	}

	root.AddCommand(newInstancesCmd(newClient))
	root.AddCommand(newSessionsCmd(newClient))
	root.AddCommand(newOnlineCmd(newClient))

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// quietLogger discards the component logs the registry emits; the CLI only
// prints its own output.
func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func cmdContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func newInstancesCmd(newClient func() *redis.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "instances",
		Short: "List live server instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			rdb := newClient()
			defer rdb.Close()

			ctx, cancel := cmdContext()
			defer cancel()

			dir := directory.New(rdb, "", quietLogger())
			addrs := dir.ListActiveInstances(ctx)
			if len(addrs) == 0 {
				color.Yellow("no live instances")
				return nil
			}

			color.Green("%d live instance(s):", len(addrs))
			for _, addr := range addrs {
				fmt.Printf("  %s\n", addr)
			}
			return nil
		},
	}
}

func newSessionsCmd(newClient func() *redis.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions <user-id>",
		Short: "List a user's live sessions and their owning instances",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rdb := newClient()
			defer rdb.Close()

			ctx, cancel := cmdContext()
			defer cancel()

			registry := session.NewRegistry(rdb, 0, quietLogger())
			entries := registry.LookupInstances(ctx, args[0])
			if len(entries) == 0 {
				color.Yellow("user %s has no live sessions", args[0])
				return nil
			}

			color.Green("%d live session(s) for %s:", len(entries), args[0])
			for _, entry := range entries {
				fmt.Printf("  conn %s  owned by %s\n",
					color.CyanString(entry.ConnID),
					color.MagentaString(entry.InstanceAddr),
				)
			}
			return nil
		},
	}
}

func newOnlineCmd(newClient func() *redis.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "online",
		Short: "Show the cluster-wide live connection count",
		RunE: func(cmd *cobra.Command, args []string) error {
			rdb := newClient()
			defer rdb.Close()

			ctx, cancel := cmdContext()
			defer cancel()

			registry := session.NewRegistry(rdb, 0, quietLogger())
			count := registry.OnlineCount(ctx)
			color.Green("%d connection(s) online", count)
			return nil
		},
	}
}
