package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/ggoodman/airlock-go/channel"
	"github.com/spf13/cobra"
)

var pokeCmd = &cobra.Command{
	Use:   "poke <app> <mark> <json>",
	Short: "Send a poke and wait for its verdict",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		c, cleanup, err := newClient()
		if err != nil {
			return err
		}
		defer cleanup()
		defer closeClient(c)

		if err := c.Open(ctx); err != nil {
			return err
		}
		if err := c.Poke(ctx, channel.Poke{App: args[0], Mark: args[1], JSON: json.RawMessage(args[2])}); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), color.GreenString("ok"))
		return nil
	},
}

var subscribeCmd = &cobra.Command{
	Use:   "subscribe <app> <path>",
	Short: "Print updates from a subscription until interrupted",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		c, cleanup, err := newClient()
		if err != nil {
			return err
		}
		defer cleanup()
		defer closeClient(c)

		if err := c.Open(ctx); err != nil {
			return err
		}

		ended := make(chan error, 1)
		out := cmd.OutOrStdout()
		id, err := c.Subscribe(ctx, channel.Subscription{
			App:  args[0],
			Path: args[1],
			OnEvent: func(m json.RawMessage) {
				printJSON(out, m)
			},
			OnError: func(err error) { ended <- err },
			OnClose: func(remote bool) {
				if remote {
					ended <- fmt.Errorf("subscription ended by host")
					return
				}
				ended <- nil
			},
		})
		if err != nil {
			return err
		}
		log.Info("subscribed", "id", id, "app", args[0], "path", args[1])

		select {
		case err := <-ended:
			return err
		case <-ctx.Done():
			uctx, ucancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer ucancel()
			return c.Unsubscribe(uctx, id)
		}
	},
}

var scryCmd = &cobra.Command{
	Use:   "scry <app> <path>",
	Short: "Read a value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		c, cleanup, err := newClient()
		if err != nil {
			return err
		}
		defer cleanup()

		v, err := c.Scry(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		printJSON(cmd.OutOrStdout(), v)
		return nil
	},
}

var threadDesk string

var threadCmd = &cobra.Command{
	Use:   "thread <input-mark> <thread> <output-mark> [json]",
	Short: "Run a thread and print its result",
	Args:  cobra.RangeArgs(3, 4),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		c, cleanup, err := newClient()
		if err != nil {
			return err
		}
		defer cleanup()

		var raw []byte
		if len(args) == 4 {
			raw = []byte(args[3])
		} else if raw, err = io.ReadAll(cmd.InOrStdin()); err != nil {
			return err
		}
		var body any
		if raw = bytes.TrimSpace(raw); len(raw) > 0 {
			body = json.RawMessage(raw)
		}
		v, err := c.Thread(ctx, channel.Thread{InputMark: args[0], Name: args[1], OutputMark: args[2], Desk: threadDesk, Body: body})
		if err != nil {
			return err
		}
		printJSON(cmd.OutOrStdout(), v)
		return nil
	},
}

func init() {
	threadCmd.Flags().StringVar(&threadDesk, "desk", "", "desk the thread lives on")
}

func closeClient(c *channel.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Close(ctx); err != nil {
		log.Warn("close failed", "err", err)
	}
}

func printJSON(w io.Writer, v json.RawMessage) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, v, "", "  "); err != nil {
		fmt.Fprintln(w, string(v))
		return
	}
	fmt.Fprintln(w, buf.String())
}
